package embeddings

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"mcpgate/internal/domain"
)

func TestLocalEmbedder(t *testing.T) {
	ctx := context.Background()
	embedder := NewLocalEmbedder(64)

	first, err := embedder.Embed(ctx, "send an email")
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	if len(first) != 64 {
		t.Errorf("Expected 64 dimensions, got: %d", len(first))
	}

	second, err := embedder.Embed(ctx, "send an email")
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatal("Expected deterministic embeddings for the same text")
		}
	}

	other, _ := embedder.Embed(ctx, "archive a thread")
	same := true
	for i := range first {
		if first[i] != other[i] {
			same = false
			break
		}
	}
	if same {
		t.Error("Expected different texts to embed differently")
	}

	if def := NewLocalEmbedder(0); def.dimension != 1024 {
		t.Errorf("Expected default dimension 1024, got: %d", def.dimension)
	}
}

func TestOpenAIEmbedder(t *testing.T) {
	t.Run("request shape and index ordering", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/embeddings" {
				t.Errorf("Expected /embeddings path, got: %s", r.URL.Path)
			}
			if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
				t.Errorf("Expected bearer auth, got: %s", got)
			}

			var req struct {
				Model      string   `json:"model"`
				Input      []string `json:"input"`
				Dimensions int      `json:"dimensions"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Fatalf("Failed to decode request: %v", err)
			}
			if req.Model != "test-model" || req.Dimensions != 3 {
				t.Errorf("Unexpected request: %+v", req)
			}

			// Out-of-order data entries must land at their index
			json.NewEncoder(w).Encode(map[string]any{
				"data": []map[string]any{
					{"embedding": []float64{0, 1, 0}, "index": 1},
					{"embedding": []float64{1, 0, 0}, "index": 0},
				},
			})
		}))
		defer server.Close()

		embedder := NewOpenAIEmbedder("test-key", server.URL, "test-model", 3)
		vectors, err := embedder.EmbedBatch(context.Background(), []string{"first", "second"})
		if err != nil {
			t.Fatalf("EmbedBatch failed: %v", err)
		}
		if len(vectors) != 2 {
			t.Fatalf("Expected 2 vectors, got: %d", len(vectors))
		}
		if vectors[0][0] != 1 || vectors[1][1] != 1 {
			t.Errorf("Expected vectors ordered by index, got: %v", vectors)
		}
	})

	t.Run("api error surfaces status", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "quota exceeded", http.StatusTooManyRequests)
		}))
		defer server.Close()

		embedder := NewOpenAIEmbedder("test-key", server.URL, "test-model", 0)
		if _, err := embedder.Embed(context.Background(), "text"); err == nil {
			t.Error("Expected error on 429 response")
		}
	})
}

// countingEmbedder wraps LocalEmbedder and counts upstream calls
type countingEmbedder struct {
	inner Embedder
	calls atomic.Int64
	fail  atomic.Int64 // errors to return before succeeding
}

func (c *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	c.calls.Add(1)
	if c.fail.Add(-1) >= 0 {
		return nil, errors.New("503 service unavailable")
	}
	return c.inner.Embed(ctx, text)
}

func (c *countingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	c.calls.Add(1)
	if c.fail.Add(-1) >= 0 {
		return nil, errors.New("503 service unavailable")
	}
	return c.inner.EmbedBatch(ctx, texts)
}

func TestServiceCaching(t *testing.T) {
	ctx := context.Background()
	counting := &countingEmbedder{inner: NewLocalEmbedder(8)}
	service := NewService(counting)

	first, err := service.Embed(ctx, "send an email")
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	second, err := service.Embed(ctx, "send an email")
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	if counting.calls.Load() != 1 {
		t.Errorf("Expected 1 upstream call for repeated text, got: %d", counting.calls.Load())
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatal("Expected cached vector to match")
		}
	}

	// Batch sends only misses upstream and keeps input order
	vectors, err := service.EmbedBatch(ctx, []string{"archive a thread", "send an email"})
	if err != nil {
		t.Fatalf("EmbedBatch failed: %v", err)
	}
	if counting.calls.Load() != 2 {
		t.Errorf("Expected 1 extra upstream call for the batch miss, got total: %d", counting.calls.Load())
	}
	if len(vectors) != 2 {
		t.Fatalf("Expected 2 vectors, got: %d", len(vectors))
	}
	for i := range first {
		if vectors[1][i] != first[i] {
			t.Fatal("Expected cached entry reused inside the batch")
		}
	}

	// Fully cached batch never goes upstream
	if _, err := service.EmbedBatch(ctx, []string{"send an email", "archive a thread"}); err != nil {
		t.Fatalf("EmbedBatch failed: %v", err)
	}
	if counting.calls.Load() != 2 {
		t.Errorf("Expected no upstream call for cached batch, got: %d", counting.calls.Load())
	}
}

func TestServiceRetry(t *testing.T) {
	ctx := context.Background()
	counting := &countingEmbedder{inner: NewLocalEmbedder(8)}
	counting.fail.Store(1) // first call fails with a retryable 503
	service := NewService(counting)

	if _, err := service.Embed(ctx, "flaky"); err != nil {
		t.Fatalf("Expected retry to recover, got: %v", err)
	}
	if counting.calls.Load() != 2 {
		t.Errorf("Expected 2 upstream calls, got: %d", counting.calls.Load())
	}
}

func TestServiceDisabled(t *testing.T) {
	service := NewService(nil)
	if service.Enabled() {
		t.Error("Expected nil embedder to leave the service disabled")
	}

	_, err := service.Embed(context.Background(), "text")
	if !domain.IsKind(err, domain.KindEmbedding) {
		t.Errorf("Expected EmbeddingError kind, got: %v", err)
	}
}
