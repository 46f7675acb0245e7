package probe

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"
)

var jpegBytes = []byte{0xFF, 0xD8, 0xFF, 0xE0, 'j', 'f', 'i', 'f'}

func TestFFmpegThumbnail(t *testing.T) {
	thumbs := NewFFmpegThumbnailer("ffmpeg", time.Second)
	thumbs.Edge = 128
	thumbs.Run = func(_ context.Context, stdin io.Reader, binary string, args ...string) ([]byte, error) {
		if binary != "ffmpeg" {
			t.Fatalf("unexpected binary %q", binary)
		}
		joined := strings.Join(args, " ")
		for _, want := range []string{"-i pipe:0", "-frames:v 1", "min(128,iw)", "pipe:1"} {
			if !strings.Contains(joined, want) {
				t.Fatalf("expected %q in args %v", want, args)
			}
		}
		data, err := io.ReadAll(stdin)
		if err != nil || string(data) != "png-bytes" {
			t.Fatalf("expected upload on stdin, got %q (%v)", data, err)
		}
		return jpegBytes, nil
	}

	out, err := thumbs.Thumbnail(context.Background(), strings.NewReader("png-bytes"))
	if err != nil {
		t.Fatalf("Thumbnail() error = %v", err)
	}
	if string(out) != string(jpegBytes) {
		t.Fatalf("unexpected output %v", out)
	}
}

func TestFFmpegThumbnailRejectsNonJPEG(t *testing.T) {
	thumbs := NewFFmpegThumbnailer("ffmpeg", time.Second)
	thumbs.Run = func(context.Context, io.Reader, string, ...string) ([]byte, error) {
		return nil, nil
	}

	if _, err := thumbs.Thumbnail(context.Background(), strings.NewReader("")); err == nil {
		t.Fatal("expected error for empty ffmpeg output")
	}
}

func TestFFmpegThumbnailTimeout(t *testing.T) {
	thumbs := NewFFmpegThumbnailer("ffmpeg", 10*time.Millisecond)
	thumbs.Run = func(ctx context.Context, _ io.Reader, _ string, _ ...string) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	if _, err := thumbs.Thumbnail(context.Background(), strings.NewReader("")); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestNilThumbnailerUnavailable(t *testing.T) {
	var thumbs *FFmpegThumbnailer
	if _, err := thumbs.Thumbnail(context.Background(), strings.NewReader("")); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}
