// Package ai adapts hosted and local model providers to the two capabilities the
// media library needs: describing an uploaded photo or video in text, and turning
// text into an embedding vector.
package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/snapshelf/backend/internal/models"
)

var (
	// ErrProviderUnavailable indicates the provider is not configured.
	ErrProviderUnavailable = errors.New("ai provider unavailable")
	// ErrUnsupportedMedia indicates the provider cannot read this kind of media.
	ErrUnsupportedMedia = errors.New("media type not supported by provider")
	// ErrEmptyResponse indicates the provider answered without usable content.
	ErrEmptyResponse = errors.New("empty response from provider")
	// ErrDimensionMismatch indicates an embedding of unexpected length.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)

// Media is the content handed to a summarizer.
type Media struct {
	Filename string
	FileType models.FileType
	MimeType string
	Data     []byte
}

// Summarizer produces a searchable text description of a photo or video.
type Summarizer interface {
	Summarize(ctx context.Context, media Media) (string, error)
}

// Embedder converts text into a fixed-length vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// maxEmbedInput bounds the text sent to embedding endpoints.
const maxEmbedInput = 32000

const summaryPrompt = "Describe this %s for a personal media library search index. " +
	"Mention the main subjects, setting, activities, time of day, mood and any visible text. " +
	"Answer with one plain paragraph of at most 120 words and no preamble."

func promptFor(media Media) string {
	kind := "photo"
	if media.FileType == models.FileTypeVideo {
		kind = "video"
	}
	return fmt.Sprintf(summaryPrompt, kind)
}

// TruncateInput cuts text to at most max bytes without splitting a UTF-8 sequence.
func TruncateInput(text string, max int) string {
	if len(text) <= max {
		return text
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}

// CheckDimensions fails with ErrDimensionMismatch unless vec has want entries.
// A non-positive want disables the check.
func CheckDimensions(vec []float32, want int) error {
	if want > 0 && len(vec) != want {
		return fmt.Errorf("%w: got %d want %d", ErrDimensionMismatch, len(vec), want)
	}
	return nil
}

func cleanSummary(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

// Unavailable is a Summarizer and Embedder that always fails. It backs providers
// configured as "none".
type Unavailable struct {
	Reason string
}

func (u Unavailable) Summarize(context.Context, Media) (string, error) {
	return "", u.err()
}

func (u Unavailable) Embed(context.Context, string) ([]float32, error) {
	return nil, u.err()
}

func (u Unavailable) err() error {
	if u.Reason == "" {
		return ErrProviderUnavailable
	}
	return fmt.Errorf("%w: %s", ErrProviderUnavailable, u.Reason)
}
