package modelregistry

import (
	"context"
	"fmt"
	"log"
	"sync"
)

// embedder is the one aiclient.Client method this package needs; declared
// as an interface here so this package doesn't import aiclient and tests
// can pass a fake.
type embedder interface {
	Embed(ctx context.Context, value string, dimensions int) ([]float32, error)
}

// Registry caches model metadata fetched once per model id, indefinitely,
// the same caching shape as server/models/cache.go's Cache.
type Registry struct {
	mu     sync.RWMutex
	models map[string]*ModelInfo
	client *Client
}

// NewRegistry builds a Registry backed by client.
func NewRegistry(client *Client) *Registry {
	return &Registry{models: make(map[string]*ModelInfo), client: client}
}

// GetModelInfo returns cached metadata for modelID, fetching and caching it
// on first request.
func (r *Registry) GetModelInfo(modelID string) (*ModelInfo, error) {
	r.mu.RLock()
	info, ok := r.models[modelID]
	r.mu.RUnlock()
	if ok {
		return info, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if info, ok := r.models[modelID]; ok {
		return info, nil
	}

	info, err := r.client.GetModelInfo(modelID)
	if err != nil {
		return nil, err
	}
	r.models[modelID] = info
	log.Printf("[modelregistry] cached model info for %s: max_tokens=%d", modelID, info.MaxModelLen)
	return info, nil
}

// GetMaxTokens returns the model's advertised context length, for sizing a
// VLM structured-output response budget.
func (r *Registry) GetMaxTokens(modelID string) (int, error) {
	info, err := r.GetModelInfo(modelID)
	if err != nil {
		return 0, err
	}
	return info.MaxModelLen, nil
}

const embeddingProbeText = "dimension probe"

// ProbeEmbeddingDimension issues one real embedding call and returns the
// length of the returned vector, so the vector index's default dimension
// can be seeded from the model's actual output shape instead of a static
// config value before the first real embedding arrives.
func ProbeEmbeddingDimension(ctx context.Context, embed embedder) (int, error) {
	vec, err := embed.Embed(ctx, embeddingProbeText, 0)
	if err != nil {
		return 0, fmt.Errorf("modelregistry: probe embedding dimension: %w", err)
	}
	if len(vec) == 0 {
		return 0, fmt.Errorf("modelregistry: probe returned an empty embedding")
	}
	return len(vec), nil
}
