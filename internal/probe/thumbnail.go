package probe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// DefaultThumbnailEdge is the longest side of a generated thumbnail in pixels.
const DefaultThumbnailEdge = 256

// ThumbnailContentType is the MIME type of every generated thumbnail.
const ThumbnailContentType = "image/jpeg"

// FFmpegThumbnailer renders a JPEG preview from an image, or from the first
// frame of a video, by piping the file through ffmpeg.
type FFmpegThumbnailer struct {
	Binary  string
	Edge    int
	Run     CommandRunner
	Timeout time.Duration
}

// NewFFmpegThumbnailer constructs a thumbnailer for binary. An empty binary
// resolves "ffmpeg" on PATH and returns nil when it is not installed.
func NewFFmpegThumbnailer(binary string, timeout time.Duration) *FFmpegThumbnailer {
	if strings.TrimSpace(binary) == "" {
		path, err := exec.LookPath("ffmpeg")
		if err != nil {
			return nil
		}
		binary = path
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &FFmpegThumbnailer{
		Binary:  binary,
		Edge:    DefaultThumbnailEdge,
		Run:     defaultCommandRunner,
		Timeout: timeout,
	}
}

// Thumbnail reads r and returns JPEG bytes no larger than Edge on either side,
// keeping the aspect ratio.
func (t *FFmpegThumbnailer) Thumbnail(ctx context.Context, r io.Reader) ([]byte, error) {
	if t == nil {
		return nil, ErrUnavailable
	}
	if t.Run == nil {
		t.Run = defaultCommandRunner
	}
	edge := t.Edge
	if edge <= 0 {
		edge = DefaultThumbnailEdge
	}

	execCtx, cancel := context.WithTimeout(ctx, t.Timeout)
	defer cancel()

	out, err := t.Run(execCtx, r, t.Binary, t.args(edge)...)
	if err != nil {
		return nil, fmt.Errorf("ffmpeg: %w", err)
	}
	if !bytes.HasPrefix(out, []byte{0xFF, 0xD8}) {
		return nil, errors.New("ffmpeg produced no jpeg frame")
	}
	return out, nil
}

func (t *FFmpegThumbnailer) args(edge int) []string {
	side := strconv.Itoa(edge)
	scale := fmt.Sprintf("scale='min(%s,iw)':'min(%s,ih)':force_original_aspect_ratio=decrease", side, side)
	return []string{
		"-v", "error",
		"-i", "pipe:0",
		"-frames:v", "1",
		"-vf", scale,
		"-q:v", "4",
		"-f", "image2pipe",
		"-c:v", "mjpeg",
		"pipe:1",
	}
}
