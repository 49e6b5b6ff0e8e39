package media

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// YTDLP fetches source media with the yt-dlp binary.
type YTDLP struct {
	binary  string
	timeout time.Duration
	logger  zerolog.Logger
}

func NewYTDLP(binary string, timeout time.Duration, logger zerolog.Logger) *YTDLP {
	if binary == "" {
		binary = "yt-dlp"
	}
	return &YTDLP{
		binary:  binary,
		timeout: timeout,
		logger:  logger.With().Str("component", "ytdlp").Logger(),
	}
}

func (d *YTDLP) Fetch(ctx context.Context, url, selector, destDir string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	outTemplate := filepath.Join(destDir, "source.%(ext)s")
	args := []string{"--no-warnings", "--no-playlist", "--no-progress", "-o", outTemplate}
	if selector != "" {
		args = append(args, "-f", selector)
	}
	args = append(args, url)

	cmd := exec.CommandContext(ctx, d.binary, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	setProcessGroup(cmd)

	start := time.Now()
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", classifyFetch(err, stderr.String())
	}

	matches, err := filepath.Glob(filepath.Join(destDir, "source.*"))
	if err != nil || len(matches) == 0 {
		return "", fmt.Errorf("fetch produced no output file")
	}

	d.logger.Debug().
		Str("url", url).
		Str("selector", selector).
		Dur("duration", time.Since(start)).
		Msg("fetch complete")
	return matches[0], nil
}

// classifyFetch maps known yt-dlp stderr patterns onto the platform-side
// failure sentinels; anything unmatched stays a plain fetch error.
func classifyFetch(err error, stderr string) error {
	msg := strings.TrimSpace(stderr)
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "429") || strings.Contains(lower, "rate-limit") || strings.Contains(lower, "too many requests"):
		return fmt.Errorf("%w: %s", ErrPlatformRateLimited, firstLine(msg))
	case strings.Contains(lower, "age") && strings.Contains(lower, "restrict"),
		strings.Contains(lower, "not available in your country"),
		strings.Contains(lower, "geo restriction"):
		return fmt.Errorf("%w: %s", ErrRestricted, firstLine(msg))
	case strings.Contains(lower, "unsupported url"),
		strings.Contains(lower, "no video formats"),
		strings.Contains(lower, "requested format is not available"):
		return fmt.Errorf("%w: %s", ErrUnsupportedContent, firstLine(msg))
	}
	if msg == "" {
		return fmt.Errorf("yt-dlp: %w", err)
	}
	return fmt.Errorf("yt-dlp: %v: %s", err, firstLine(msg))
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
