// Package modelregistry fetches and caches per-model metadata from an
// OpenAI-compatible /v1/models endpoint, so callers can size VLM response
// token budgets from the model's own advertised limits, and probes the
// embedding model with one real call to seed the vector index's default
// dimension, instead of relying on a hardcoded constant.
//
// Grounded on server/models/client.go (the plain net/http GET against
// baseURL+"/models", decoded into the same max_model_len shape) and
// server/models/cache.go (the mutex-guarded fetch-and-cache-once Cache).
package modelregistry

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Config configures the /v1/models client for one capability's endpoint.
type Config struct {
	BaseURL string
	APIKey  string
}

// ModelInfo holds the metadata this package cares about for one model.
type ModelInfo struct {
	ID          string
	MaxModelLen int
}

// Client fetches model information from an OpenAI-compatible /v1/models
// endpoint.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

type modelsResponse struct {
	Object string `json:"object"`
	Data   []struct {
		ID          string `json:"id"`
		MaxModelLen int    `json:"max_model_len"`
	} `json:"data"`
}

// NewClient builds a Client for one capability's configured endpoint.
func NewClient(cfg Config) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
	}
}

// GetModels fetches every model the endpoint advertises.
func (c *Client) GetModels() ([]ModelInfo, error) {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("modelregistry: build request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("modelregistry: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("modelregistry: endpoint returned status %d", resp.StatusCode)
	}

	var parsed modelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("modelregistry: decode response: %w", err)
	}

	out := make([]ModelInfo, len(parsed.Data))
	for i, m := range parsed.Data {
		out[i] = ModelInfo{ID: m.ID, MaxModelLen: m.MaxModelLen}
	}
	return out, nil
}

// GetModelInfo fetches metadata for one model.
func (c *Client) GetModelInfo(modelID string) (*ModelInfo, error) {
	models, err := c.GetModels()
	if err != nil {
		return nil, err
	}
	for i := range models {
		if models[i].ID == modelID {
			return &models[i], nil
		}
	}
	return nil, fmt.Errorf("modelregistry: model %q not found", modelID)
}
