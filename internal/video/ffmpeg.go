// Package video turns a video file into one CLIP embedding: sample frames
// evenly, encode each with an image-encoder artifact and mean-pool.
package video

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/kennethnrk/edgeclip/internal/host"
)

const (
	ffmpegRemedy  = "install ffmpeg (https://ffmpeg.org/download.html) or pass its path with -ffmpeg"
	ffprobeRemedy = "install ffprobe, shipped with ffmpeg, or pass its path with -ffprobe"
)

// FrameSource probes videos and extracts single frames as raw rgb24.
type FrameSource interface {
	Duration(ctx context.Context, video string) (float64, error)
	// ExtractFrame writes the frame at t seconds, letterboxed to size×size,
	// to dst as raw rgb24.
	ExtractFrame(ctx context.Context, video string, t float64, size int, dst string) error
}

// CommandError is a failed external command with its captured stderr.
type CommandError struct {
	Cmd    string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("%s failed: %v", e.Cmd, e.Err)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

func (e *CommandError) Unwrap() error { return e.Err }

// FFmpeg shells out to ffprobe and ffmpeg.
type FFmpeg struct {
	FFmpegPath  string
	FFprobePath string
}

// NewFFmpeg resolves both binaries. Empty names mean "look up on PATH".
func NewFFmpeg(ffmpeg, ffprobe string) (*FFmpeg, error) {
	if ffmpeg == "" {
		ffmpeg = "ffmpeg"
	}
	if ffprobe == "" {
		ffprobe = "ffprobe"
	}
	mp, err := host.RequireTool(ffmpeg, ffmpegRemedy)
	if err != nil {
		return nil, err
	}
	pp, err := host.RequireTool(ffprobe, ffprobeRemedy)
	if err != nil {
		return nil, err
	}
	return &FFmpeg{FFmpegPath: mp, FFprobePath: pp}, nil
}

func (f *FFmpeg) Duration(ctx context.Context, video string) (float64, error) {
	out, err := runCommand(ctx, f.FFprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		video)
	if err != nil {
		return 0, err
	}
	s := strings.TrimSpace(string(out))
	d, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %w", s, err)
	}
	return d, nil
}

func (f *FFmpeg) ExtractFrame(ctx context.Context, video string, t float64, size int, dst string) error {
	vf := fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2", size, size, size, size)
	_, err := runCommand(ctx, f.FFmpegPath,
		"-y",
		"-ss", strconv.FormatFloat(t, 'f', -1, 64),
		"-i", video,
		"-frames:v", "1",
		"-vf", vf,
		"-pix_fmt", "rgb24",
		"-f", "rawvideo",
		dst)
	if err != nil {
		return fmt.Errorf("extract frame at %.3fs: %w", t, err)
	}
	return nil
}

// runCommand returns stdout, or a *CommandError carrying stderr.
func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, &CommandError{Cmd: name, Stderr: stderr.String(), Err: err}
	}
	return stdout.Bytes(), nil
}
