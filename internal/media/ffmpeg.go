package media

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// FFmpeg trims and re-encodes clips with the ffmpeg binary. It re-encodes
// instead of stream-copying so the clip boundaries land on the requested
// offsets rather than the nearest keyframe.
type FFmpeg struct {
	binary  string
	timeout time.Duration
	logger  zerolog.Logger
}

func NewFFmpeg(binary string, timeout time.Duration, logger zerolog.Logger) *FFmpeg {
	if binary == "" {
		binary = "ffmpeg"
	}
	return &FFmpeg{
		binary:  binary,
		timeout: timeout,
		logger:  logger.With().Str("component", "ffmpeg").Logger(),
	}
}

func (t *FFmpeg) Transcode(ctx context.Context, inputPath string, start, end float64, outputPath string) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	args := TranscodeArgs(inputPath, start, end, outputPath)
	cmd := exec.CommandContext(ctx, t.binary, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	setProcessGroup(cmd)

	begin := time.Now()
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return classifyTranscode(err, stderr.String())
	}

	t.logger.Debug().
		Float64("start", start).
		Float64("end", end).
		Dur("duration", time.Since(begin)).
		Msg("transcode complete")
	return nil
}

// TranscodeArgs builds the ffmpeg argument list for a trim. -ss before -i
// seeks on the input, -t bounds the output to the clip length.
func TranscodeArgs(inputPath string, start, end float64, outputPath string) []string {
	return []string{
		"-y",
		"-loglevel", "error",
		"-nostdin",
		"-ss", formatSeconds(start),
		"-i", inputPath,
		"-t", formatSeconds(end - start),
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-c:a", "aac",
		"-movflags", "+faststart",
		outputPath,
	}
}

func classifyTranscode(err error, stderr string) error {
	msg := strings.TrimSpace(stderr)
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "invalid data found"),
		strings.Contains(lower, "moov atom not found"):
		return fmt.Errorf("%w: %s", ErrCorruptInput, firstLine(msg))
	case strings.Contains(lower, "unknown encoder"),
		strings.Contains(lower, "decoder not found"),
		strings.Contains(lower, "codec not currently supported"):
		return fmt.Errorf("%w: %s", ErrUnsupportedCodec, firstLine(msg))
	}
	if msg == "" {
		return fmt.Errorf("ffmpeg: %w", err)
	}
	return fmt.Errorf("ffmpeg: %v: %s", err, firstLine(msg))
}

func formatSeconds(s float64) string {
	return strconv.FormatFloat(s, 'f', 3, 64)
}
