package aiclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zapdos-labs/mnemora/internal/airuntime"
)

type testNode struct {
	Title string `json:"title" jsonschema_description:"short title"`
}

func newTestClient(t *testing.T, srv *httptest.Server, cap Capability, rec *Recorder) *Client {
	t.Helper()
	rt := airuntime.New(map[airuntime.Capability]airuntime.CapConfig{cap: {MaxConcurrency: 2}})
	return New(Config{
		Capability: cap,
		Model:      "test-model",
		BaseURL:    srv.URL,
		APIKey:     "test-key",
		Timeout:    2 * time.Second,
	}, rt, rec)
}

func TestGenerateObjectParsesStructuredResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1", "object": "chat.completion", "created": 1,
			"model": "test-model",
			"choices": [{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"{\"title\":\"hello\"}"}}],
			"usage": {"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}
		}`))
	}))
	defer srv.Close()

	rec := NewRecorder(10)
	c := newTestClient(t, srv, airuntime.CapabilityVLM, rec)

	result, err := c.GenerateObject(context.Background(), GenerateObjectRequest{
		Prompt:     "describe this image",
		Images:     []Image{{Data: []byte{0xff, 0xd8, 0xff}}},
		Schema:     ReflectSchema(testNode{}),
		SchemaName: "test_node",
	})
	require.NoError(t, err)

	var node testNode
	require.NoError(t, json.Unmarshal(result.Object, &node))
	require.Equal(t, "hello", node.Title)
	require.Equal(t, int64(15), result.TotalTokens)

	events := rec.Recent(1)
	require.Len(t, events, 1)
	require.Equal(t, "ok", events[0].Status)
	require.Equal(t, "generateObject", events[0].Operation)
}

func TestGenerateObjectRecordsFailureOnHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"message":"boom"}}`))
	}))
	defer srv.Close()

	rec := NewRecorder(10)
	c := newTestClient(t, srv, airuntime.CapabilityText, rec)

	_, err := c.GenerateObject(context.Background(), GenerateObjectRequest{
		Prompt:     "hello",
		Schema:     ReflectSchema(testNode{}),
		SchemaName: "test_node",
	})
	require.Error(t, err)

	events := rec.Recent(1)
	require.Len(t, events, 1)
	require.Equal(t, "error", events[0].Status)
	require.NotEmpty(t, events[0].ErrorPreview)
}

func TestEmbedReturnsVector(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"object": "list",
			"data": [{"object":"embedding","index":0,"embedding":[0.1,0.2,0.3]}],
			"model": "test-embed",
			"usage": {"prompt_tokens":3,"total_tokens":3}
		}`))
	}))
	defer srv.Close()

	rec := NewRecorder(10)
	c := newTestClient(t, srv, airuntime.CapabilityEmbedding, rec)

	vec, err := c.Embed(context.Background(), "hello world", 3)
	require.NoError(t, err)
	require.Equal(t, []float32{0.1, 0.2, 0.3}, vec)
}

func TestRecorderRecentReturnsNewestFirstAndBounded(t *testing.T) {
	rec := NewRecorder(3)
	for i := 0; i < 5; i++ {
		rec.record(Event{Operation: "embed", Status: "ok", DurationMs: int64(i)})
	}
	recent := rec.Recent(10)
	require.Len(t, recent, 3)
	require.Equal(t, int64(4), recent[0].DurationMs)
	require.Equal(t, int64(3), recent[1].DurationMs)
	require.Equal(t, int64(2), recent[2].DurationMs)
}
