package adapters

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/ZanzyTHEbar/replaycast/rcast/ports"
)

// FFmpegTranscoder implements Transcoder with the ffmpeg CLI.
type FFmpegTranscoder struct {
	Binary   string
	Quality  int
	FPS      int
	MaxWidth int
}

// NewFFmpegTranscoder creates a transcoder using binary (usually "ffmpeg").
func NewFFmpegTranscoder(binary string, quality, fps, maxWidth int) *FFmpegTranscoder {
	return &FFmpegTranscoder{Binary: binary, Quality: quality, FPS: fps, MaxWidth: maxWidth}
}

// ConcatTrim joins first and second into out, keeping only the trailing window.
func (t *FFmpegTranscoder) ConcatTrim(ctx context.Context, first, second, out string, window time.Duration) (string, error) {
	joined := out + ".joined.mp4"
	defer os.Remove(joined)

	var log strings.Builder
	output, err := t.run(ctx,
		"-i", first,
		"-i", second,
		"-filter_complex", "[0:v][1:v]concat=n=2:v=1:a=0[v]",
		"-map", "[v]",
		joined,
	)
	log.WriteString(output)
	if err != nil {
		return log.String(), fmt.Errorf("failed to concatenate %s and %s: %w", first, second, err)
	}

	output, err = t.run(ctx,
		"-sseof", "-"+strconv.FormatFloat(window.Seconds(), 'f', 3, 64),
		"-i", joined,
		"-c:v", "libx264",
		"-pix_fmt", "yuv420p",
		out,
	)
	log.WriteString(output)
	if err != nil {
		return log.String(), fmt.Errorf("failed to trim %s: %w", joined, err)
	}
	return log.String(), nil
}

// Preview converts in into an animated webp at out.
func (t *FFmpegTranscoder) Preview(ctx context.Context, in, out string) (string, error) {
	filter := fmt.Sprintf("fps=%d,scale='min(%d,iw)':-2:flags=lanczos", t.FPS, t.MaxWidth)
	output, err := t.run(ctx,
		"-i", in,
		"-vf", filter,
		"-c:v", "libwebp",
		"-quality", strconv.Itoa(t.Quality),
		"-loop", "0",
		"-an",
		out,
	)
	if err != nil {
		return output, fmt.Errorf("failed to create preview from %s: %w", in, err)
	}
	return output, nil
}

func (t *FFmpegTranscoder) run(ctx context.Context, args ...string) (string, error) {
	full := append([]string{"-hide_banner", "-loglevel", "error", "-y"}, args...)
	cmd := exec.CommandContext(context.WithoutCancel(ctx), t.Binary, full...)
	output, err := cmd.CombinedOutput()
	return string(output), err
}

// Ensure FFmpegTranscoder implements the Transcoder interface.
var _ ports.Transcoder = (*FFmpegTranscoder)(nil)
