package ai

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	anthropicopt "github.com/anthropics/anthropic-sdk-go/option"

	"github.com/snapshelf/backend/internal/models"
)

// AnthropicSummarizer describes photos with Claude's Messages API. Claude does
// not accept video input.
type AnthropicSummarizer struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

// NewAnthropicSummarizer constructs a summarizer. baseURL is optional.
func NewAnthropicSummarizer(apiKey, baseURL, model string) (*AnthropicSummarizer, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("anthropic: %w: missing ANTHROPIC_API_KEY", ErrProviderUnavailable)
	}
	opts := []anthropicopt.RequestOption{anthropicopt.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, anthropicopt.WithBaseURL(baseURL))
	}
	if model == "" {
		model = "claude-3-5-sonnet-latest"
	}
	return &AnthropicSummarizer{
		client:    anthropic.NewClient(opts...),
		model:     model,
		maxTokens: 512,
	}, nil
}

// Summarize sends the image as a base64 block followed by the indexing prompt.
func (a *AnthropicSummarizer) Summarize(ctx context.Context, media Media) (string, error) {
	if media.FileType != models.FileTypeImage {
		return "", fmt.Errorf("anthropic: %w: %s", ErrUnsupportedMedia, media.MimeType)
	}

	msg, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: a.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(
				anthropic.NewImageBlockBase64(media.MimeType, base64.StdEncoding.EncodeToString(media.Data)),
				anthropic.NewTextBlock(promptFor(media)),
			),
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic messages: %w", err)
	}

	var b strings.Builder
	for _, cb := range msg.Content {
		if tb, ok := cb.AsAny().(anthropic.TextBlock); ok {
			b.WriteString(tb.Text)
		}
	}
	return cleanSummary(b.String())
}
