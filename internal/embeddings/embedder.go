// Package embeddings generates the fixed-width vectors behind catalog search.
package embeddings

import (
	"context"
	"fmt"

	"mcpgate/internal/config"
)

// Embedder interface for generating embeddings
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// New creates the embedder selected by configuration. An empty type disables
// embedding entirely; tool search then falls back to name ordering.
func New(ctx context.Context, cfg *config.EmbedderConfig) (Embedder, error) {
	switch cfg.Type {
	case "":
		return nil, nil
	case "openai":
		return NewOpenAIEmbedder(cfg.APIKey, cfg.BaseURL, cfg.Model, cfg.Dimensions), nil
	case "bedrock":
		return NewBedrockEmbedder(ctx, cfg)
	case "local":
		return NewLocalEmbedder(cfg.Dimensions), nil
	default:
		return nil, fmt.Errorf("unknown embedder type: %s", cfg.Type)
	}
}
