// Package media wraps the external fetch and transcode tools behind small
// interfaces so the worker can be exercised without the binaries installed.
package media

import (
	"context"
	"errors"
)

// Fetcher downloads the source media for a URL into destDir and returns the
// path of the downloaded file. selector picks the source stream; empty means
// the tool's own default.
type Fetcher interface {
	Fetch(ctx context.Context, url, selector, destDir string) (string, error)
}

// Transcoder trims the input to [start, end) seconds and encodes the clip to
// outputPath.
type Transcoder interface {
	Transcode(ctx context.Context, inputPath string, start, end float64, outputPath string) error
}

// Classified fetch failures. These are platform-side conditions, not
// infrastructure faults, and are logged as such so platform throttling is
// never misread as a service outage.
var (
	ErrPlatformRateLimited = errors.New("platform rate limit")
	ErrRestricted          = errors.New("age or region restriction")
	ErrUnsupportedContent  = errors.New("unsupported content")
)

// Classified transcode failures.
var (
	ErrCorruptInput     = errors.New("corrupt input")
	ErrUnsupportedCodec = errors.New("unsupported codec")
)
