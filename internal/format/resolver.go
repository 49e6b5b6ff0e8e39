// Package format maps an abstract quality request onto a platform-specific
// stream selector. Resolution is a pure lookup over a maintained table; it
// never performs network I/O and never fails a job: unknown labels fall back
// to the source default.
package format

import (
	"strings"

	"clipservice/internal/platform"
)

// StreamSelector is the token handed to the external fetch tool to pick a
// source stream. SelectorDefault tells the tool to use its own default.
type StreamSelector string

const SelectorDefault StreamSelector = ""

// IsDefault reports whether the selector is the "use source default" sentinel.
func (s StreamSelector) IsDefault() bool { return s == SelectorDefault }

// table keys are normalized quality labels. Selectors use the fetch tool's
// format-selection syntax; height caps keep the clip at or below the
// requested quality instead of failing when the exact rendition is missing.
var table = map[platform.Platform]map[string]StreamSelector{
	platform.YouTube: {
		"1080p": "bestvideo[height<=1080]+bestaudio/best[height<=1080]",
		"720p":  "bestvideo[height<=720]+bestaudio/best[height<=720]",
		"480p":  "bestvideo[height<=480]+bestaudio/best[height<=480]",
		"360p":  "bestvideo[height<=360]+bestaudio/best[height<=360]",
	},
	platform.Vimeo: {
		"1080p": "best[height<=1080]",
		"720p":  "best[height<=720]",
		"480p":  "best[height<=480]",
		"360p":  "best[height<=360]",
	},
	platform.Twitch: {
		"1080p": "best[height<=1080]",
		"720p":  "best[height<=720]",
		"480p":  "best[height<=480]",
		"360p":  "best[height<=360]",
	},
	platform.Dailymotion: {
		"1080p": "best[height<=1080]",
		"720p":  "best[height<=720]",
		"480p":  "best[height<=480]",
		"360p":  "best[height<=360]",
	},
}

// Labels returns the quality labels the table resolves for every platform.
func Labels() []string {
	return []string{"1080p", "720p", "480p", "360p"}
}

// Resolve returns the stream selector for the given platform and quality
// label, or SelectorDefault when there is no exact match.
func Resolve(p platform.Platform, qualityLabel string) StreamSelector {
	labels, ok := table[p]
	if !ok {
		return SelectorDefault
	}
	sel, ok := labels[strings.ToLower(strings.TrimSpace(qualityLabel))]
	if !ok {
		return SelectorDefault
	}
	return sel
}
