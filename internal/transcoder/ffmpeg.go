// Package transcoder runs ffmpeg as a streaming transform: bytes are piped
// through stdin/stdout so a whole media file is never buffered in memory.
package transcoder

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"go.uber.org/zap"
)

// FFmpeg executes media transforms via the ffmpeg binary.
type FFmpeg struct {
	binary string
	logger *zap.Logger
}

// New creates a transcoder; binary defaults to "ffmpeg" on PATH.
func New(binary string, logger *zap.Logger) *FFmpeg {
	if binary == "" {
		binary = "ffmpeg"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FFmpeg{binary: binary, logger: logger}
}

// transcodeArgs rewraps any input into an H.264/AAC fragmented MP4. The
// fragmented flags matter: plain MP4 needs a seekable output for the moov
// atom, which a pipe is not.
func transcodeArgs() []string {
	return []string{
		"-hide_banner",
		"-loglevel", "error",
		"-i", "pipe:0",
		"-c:v", "libx264",
		"-c:a", "aac",
		"-preset", "fast",
		"-crf", "23",
		"-movflags", "frag_keyframe+empty_moov",
		"-f", "mp4",
		"pipe:1",
	}
}

// extractAudioArgs strips video and encodes the audio track as 192k MP3.
func extractAudioArgs() []string {
	return []string{
		"-hide_banner",
		"-loglevel", "error",
		"-i", "pipe:0",
		"-vn",
		"-c:a", "libmp3lame",
		"-b:a", "192k",
		"-f", "mp3",
		"pipe:1",
	}
}

// Transcode streams in → ffmpeg → out. It returns once ffmpeg has flushed
// all output and exited; cancelling ctx kills the process.
func (f *FFmpeg) Transcode(ctx context.Context, in io.Reader, out io.Writer) error {
	return f.run(ctx, transcodeArgs(), in, out)
}

// ExtractAudio streams in → ffmpeg (audio only) → out.
func (f *FFmpeg) ExtractAudio(ctx context.Context, in io.Reader, out io.Writer) error {
	return f.run(ctx, extractAudioArgs(), in, out)
}

func (f *FFmpeg) run(ctx context.Context, args []string, in io.Reader, out io.Writer) error {
	cmd := exec.CommandContext(ctx, f.binary, args...) //nolint:gosec
	cmd.Stdin = in
	cmd.Stdout = out
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	f.logger.Debug("ffmpeg starting", zap.String("binary", f.binary), zap.Strings("args", args))
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("ffmpeg aborted: %w", ctx.Err())
		}
		return fmt.Errorf("ffmpeg: %w: %s", err, tail(stderr.String(), 512))
	}
	return nil
}

// tail keeps error messages bounded; ffmpeg puts the useful part last.
func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
