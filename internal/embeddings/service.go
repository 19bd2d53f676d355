package embeddings

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"mcpgate/internal/domain"
	"mcpgate/internal/resilience"
	"mcpgate/internal/telemetry"
)

// Service fronts an Embedder with a content-hash cache and retry. A nil
// embedder leaves it disabled; callers then skip semantic ordering.
type Service struct {
	embedder Embedder
	retry    resilience.RetryConfig

	metrics  *telemetry.Metrics
	provider string

	mu         sync.RWMutex
	cache      map[string][]float32
	maxEntries int
}

// NewService wraps an embedder. A nil embedder is allowed and keeps the
// service permanently disabled.
func NewService(embedder Embedder) *Service {
	return &Service{
		embedder: embedder,
		retry: resilience.RetryConfig{
			MaxRetries:         3,
			BackoffBase:        200 * time.Millisecond,
			BackoffMax:         5 * time.Second,
			Jitter:             true,
			RetryOnTimeout:     true,
			RetryOnRateLimit:   true,
			RetryOnServerError: true,
		},
		cache:      make(map[string][]float32),
		maxEntries: 4096,
	}
}

// WithMetrics wires the request counter; provider labels the series
func (s *Service) WithMetrics(metrics *telemetry.Metrics, provider string) *Service {
	s.metrics = metrics
	s.provider = provider
	return s
}

// Enabled reports whether an embedder is configured
func (s *Service) Enabled() bool {
	return s != nil && s.embedder != nil
}

// HashText returns the cache key for a text
func HashText(text string) string {
	hash := sha256.Sum256([]byte(text))
	return hex.EncodeToString(hash[:])
}

// Embed returns the vector for a text, serving repeats from the cache
func (s *Service) Embed(ctx context.Context, text string) ([]float32, error) {
	if !s.Enabled() {
		return nil, domain.NewError(domain.KindEmbedding, "no embedder configured")
	}

	key := HashText(text)
	s.mu.RLock()
	cached, ok := s.cache[key]
	s.mu.RUnlock()
	if ok {
		return cached, nil
	}

	var vector []float32
	err := resilience.Retry(ctx, s.retry, func() error {
		var embedErr error
		vector, embedErr = s.embedder.Embed(ctx, text)
		return embedErr
	})
	s.metrics.RecordEmbedding(s.provider, telemetry.StatusLabel(err))
	if err != nil {
		return nil, domain.WrapError(domain.KindEmbedding, err, "embed text")
	}

	s.store(key, vector)
	return vector, nil
}

// EmbedBatch embeds texts, consulting the cache per entry and sending only
// the misses upstream. The result keeps the input order.
func (s *Service) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if !s.Enabled() {
		return nil, domain.NewError(domain.KindEmbedding, "no embedder configured")
	}
	if len(texts) == 0 {
		return nil, nil
	}

	vectors := make([][]float32, len(texts))
	var missing []string
	var missingIdx []int

	s.mu.RLock()
	for i, text := range texts {
		if cached, ok := s.cache[HashText(text)]; ok {
			vectors[i] = cached
		} else {
			missing = append(missing, text)
			missingIdx = append(missingIdx, i)
		}
	}
	s.mu.RUnlock()

	if len(missing) == 0 {
		return vectors, nil
	}

	var fresh [][]float32
	err := resilience.Retry(ctx, s.retry, func() error {
		var embedErr error
		fresh, embedErr = s.embedder.EmbedBatch(ctx, missing)
		return embedErr
	})
	s.metrics.RecordEmbedding(s.provider, telemetry.StatusLabel(err))
	if err != nil {
		return nil, domain.WrapError(domain.KindEmbedding, err, "embed %d texts", len(missing))
	}
	if len(fresh) != len(missing) {
		return nil, domain.NewError(domain.KindEmbedding,
			"embedder returned %d vectors for %d texts", len(fresh), len(missing))
	}

	for j, vector := range fresh {
		vectors[missingIdx[j]] = vector
		s.store(HashText(missing[j]), vector)
	}
	return vectors, nil
}

func (s *Service) store(key string, vector []float32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Flush wholesale at capacity; keys are content hashes so no entry is
	// worth more than another
	if len(s.cache) >= s.maxEntries {
		s.cache = make(map[string][]float32, s.maxEntries)
	}
	s.cache[key] = vector
}
