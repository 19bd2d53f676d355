package embeddings

import (
	"context"
)

// LocalEmbedder generates deterministic hash-based vectors. It stands in for
// a real model in development and tests; vectors carry no semantics.
type LocalEmbedder struct {
	dimension int
}

// NewLocalEmbedder creates a local embedder
func NewLocalEmbedder(dimension int) *LocalEmbedder {
	if dimension <= 0 {
		dimension = 1024
	}
	return &LocalEmbedder{dimension: dimension}
}

// Embed generates a deterministic pseudo-random embedding from the text
func (e *LocalEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	embedding := make([]float32, e.dimension)
	hash := 0
	for _, c := range text {
		hash = hash*31 + int(c)
	}

	for i := range embedding {
		hash = hash*1103515245 + 12345
		embedding[i] = float32(hash%1000) / 1000.0
	}

	return embedding, nil
}

// EmbedBatch generates embeddings for multiple texts
func (e *LocalEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	embeddings := make([][]float32, len(texts))
	for i, text := range texts {
		emb, err := e.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		embeddings[i] = emb
	}
	return embeddings, nil
}
