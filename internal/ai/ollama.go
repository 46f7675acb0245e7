package ai

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	ollama "github.com/ollama/ollama/api"

	"github.com/snapshelf/backend/internal/models"
)

// Ollama runs a local multimodal model for summaries and a local embedding model.
type Ollama struct {
	client     *ollama.Client
	model      string
	embedModel string
}

// NewOllama connects to an Ollama server at host.
func NewOllama(host, model, embedModel string, httpClient *http.Client) (*Ollama, error) {
	if host == "" {
		host = "http://localhost:11434"
	}
	u, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("invalid OLLAMA_HOST %q: %w", host, err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 120 * time.Second}
	}
	if model == "" {
		model = "llava"
	}
	if embedModel == "" {
		embedModel = "nomic-embed-text"
	}
	return &Ollama{client: ollama.NewClient(u, httpClient), model: model, embedModel: embedModel}, nil
}

// Summarize streams a description of the image from the local model. Only still
// images are supported.
func (o *Ollama) Summarize(ctx context.Context, media Media) (string, error) {
	if media.FileType != models.FileTypeImage {
		return "", fmt.Errorf("ollama: %w: %s", ErrUnsupportedMedia, media.MimeType)
	}

	var text strings.Builder
	req := &ollama.GenerateRequest{
		Model:  o.model,
		Prompt: promptFor(media),
		Images: []ollama.ImageData{media.Data},
	}
	if err := o.client.Generate(ctx, req, func(gr ollama.GenerateResponse) error {
		text.WriteString(gr.Response)
		return nil
	}); err != nil {
		return "", fmt.Errorf("ollama generate: %w", err)
	}
	return cleanSummary(text.String())
}

// Embed returns the embedding of text.
func (o *Ollama) Embed(ctx context.Context, text string) ([]float32, error) {
	res, err := o.client.Embed(ctx, &ollama.EmbedRequest{
		Model: o.embedModel,
		Input: TruncateInput(text, maxEmbedInput),
	})
	if err != nil {
		return nil, fmt.Errorf("ollama embed: %w", err)
	}
	if res == nil || len(res.Embeddings) == 0 || len(res.Embeddings[0]) == 0 {
		return nil, fmt.Errorf("ollama embed: %w", ErrEmptyResponse)
	}
	return res.Embeddings[0], nil
}
