package ai

import (
	"context"
	"fmt"
	"io"

	"github.com/snapshelf/backend/internal/config"
)

// Providers bundles the configured summarizer and embedder with the resources
// that must be released on shutdown.
type Providers struct {
	Summarizer Summarizer
	Embedder   Embedder

	closers []io.Closer
}

// Close releases provider clients.
func (p *Providers) Close() error {
	var first error
	for _, c := range p.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// NewProviders builds the summarizer and embedder selected in cfg. Provider names
// are gemini, openai, anthropic, ollama and none.
func NewProviders(ctx context.Context, cfg config.AIConfig) (*Providers, error) {
	p := &Providers{}

	var gemini *Gemini
	geminiClient := func() (*Gemini, error) {
		if gemini != nil {
			return gemini, nil
		}
		g, err := NewGemini(ctx, cfg.GeminiAPIKey, cfg.GeminiModel, cfg.GeminiEmbedModel)
		if err != nil {
			return nil, err
		}
		gemini = g
		p.closers = append(p.closers, g)
		return g, nil
	}

	var local *Ollama
	ollamaClient := func() (*Ollama, error) {
		if local != nil {
			return local, nil
		}
		o, err := NewOllama(cfg.OllamaHost, cfg.OllamaModel, cfg.OllamaEmbedModel, nil)
		if err != nil {
			return nil, err
		}
		local = o
		return o, nil
	}

	switch cfg.SummarizerProvider {
	case "gemini":
		g, err := geminiClient()
		if err != nil {
			return nil, err
		}
		p.Summarizer = g
	case "anthropic":
		a, err := NewAnthropicSummarizer(cfg.AnthropicAPIKey, "", cfg.AnthropicModel)
		if err != nil {
			_ = p.Close()
			return nil, err
		}
		p.Summarizer = a
	case "ollama":
		o, err := ollamaClient()
		if err != nil {
			_ = p.Close()
			return nil, err
		}
		p.Summarizer = o
	case "none":
		p.Summarizer = Unavailable{Reason: "summarizer disabled"}
	default:
		return nil, fmt.Errorf("unknown summarizer provider %q", cfg.SummarizerProvider)
	}

	switch cfg.EmbeddingProvider {
	case "openai":
		e, err := NewOpenAIEmbedder(cfg.OpenAIAPIKey, "", cfg.OpenAIEmbedModel, cfg.EmbeddingDimensions)
		if err != nil {
			_ = p.Close()
			return nil, err
		}
		p.Embedder = e
	case "gemini":
		g, err := geminiClient()
		if err != nil {
			_ = p.Close()
			return nil, err
		}
		p.Embedder = g
	case "ollama":
		o, err := ollamaClient()
		if err != nil {
			_ = p.Close()
			return nil, err
		}
		p.Embedder = o
	case "none":
		p.Embedder = Unavailable{Reason: "embedder disabled"}
	default:
		_ = p.Close()
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.EmbeddingProvider)
	}

	return p, nil
}
