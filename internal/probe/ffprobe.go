// Package probe reads container metadata from uploaded videos with ffprobe and
// renders preview thumbnails with ffmpeg.
package probe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// ErrUnavailable indicates no ffprobe binary is configured.
var ErrUnavailable = errors.New("media prober unavailable")

// Metadata is the subset of stream information stored on a video item.
type Metadata struct {
	DurationSeconds float64 `json:"durationSeconds,omitempty"`
	Width           int     `json:"width,omitempty"`
	Height          int     `json:"height,omitempty"`
	VideoCodec      string  `json:"videoCodec,omitempty"`
	AudioCodec      string  `json:"audioCodec,omitempty"`
	FormatName      string  `json:"formatName,omitempty"`
}

// CommandRunner executes binary with stdin attached and returns stdout bytes.
type CommandRunner func(ctx context.Context, stdin io.Reader, binary string, args ...string) ([]byte, error)

// FFProbe shells out to the ffprobe CLI, streaming the file on stdin.
type FFProbe struct {
	Binary  string
	Args    []string
	Run     CommandRunner
	Timeout time.Duration
}

// NewFFProbe constructs a prober for binary. An empty binary resolves "ffprobe"
// on PATH; if that fails the prober reports ErrUnavailable.
func NewFFProbe(binary string, timeout time.Duration) *FFProbe {
	if strings.TrimSpace(binary) == "" {
		path, err := exec.LookPath("ffprobe")
		if err != nil {
			return nil
		}
		binary = path
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &FFProbe{
		Binary:  binary,
		Args:    []string{"-v", "error", "-print_format", "json", "-show_format", "-show_streams", "-i", "pipe:0"},
		Run:     defaultCommandRunner,
		Timeout: timeout,
	}
}

// Probe reads r to the end and returns its stream metadata.
func (p *FFProbe) Probe(ctx context.Context, r io.Reader) (Metadata, error) {
	if p == nil {
		return Metadata{}, ErrUnavailable
	}
	if p.Run == nil {
		p.Run = defaultCommandRunner
	}

	execCtx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	out, err := p.Run(execCtx, r, p.Binary, p.Args...)
	if err != nil {
		return Metadata{}, fmt.Errorf("ffprobe: %w", err)
	}

	var payload struct {
		Format struct {
			Duration   string `json:"duration"`
			FormatName string `json:"format_name"`
		} `json:"format"`
		Streams []struct {
			CodecType string `json:"codec_type"`
			CodecName string `json:"codec_name"`
			Width     int    `json:"width"`
			Height    int    `json:"height"`
		} `json:"streams"`
	}
	if err := json.Unmarshal(out, &payload); err != nil {
		return Metadata{}, fmt.Errorf("parse ffprobe output: %w", err)
	}

	meta := Metadata{FormatName: payload.Format.FormatName}
	if payload.Format.Duration != "" {
		if d, err := strconv.ParseFloat(payload.Format.Duration, 64); err == nil {
			meta.DurationSeconds = d
		}
	}
	for _, s := range payload.Streams {
		switch s.CodecType {
		case "video":
			if meta.VideoCodec == "" {
				meta.VideoCodec = s.CodecName
				meta.Width, meta.Height = s.Width, s.Height
			}
		case "audio":
			if meta.AudioCodec == "" {
				meta.AudioCodec = s.CodecName
			}
		}
	}

	if meta.VideoCodec == "" && meta.AudioCodec == "" {
		return Metadata{}, errors.New("ffprobe found no media streams")
	}
	return meta, nil
}

// JSON encodes m for the item's metadata column.
func (m Metadata) JSON() (json.RawMessage, error) {
	return json.Marshal(m)
}

func defaultCommandRunner(ctx context.Context, stdin io.Reader, binary string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Stdin = stdin
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil && stderr.Len() > 0 {
		return nil, fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return out, err
}
