package vectordocscheduler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/zapdos-labs/mnemora/internal/aiclient"
	"github.com/zapdos-labs/mnemora/internal/airuntime"
	"github.com/zapdos-labs/mnemora/internal/eventbus"
	"github.com/zapdos-labs/mnemora/internal/store"
	"github.com/zapdos-labs/mnemora/internal/vectorindex"
)

func testVectorDocStore(t *testing.T) *store.Client {
	t.Helper()
	url := os.Getenv("MNEMORA_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("MNEMORA_TEST_DATABASE_URL not set; skipping vectordocscheduler integration test")
	}
	s, err := store.NewClient(store.Config{DatabaseURL: url})
	require.NoError(t, err)
	require.NoError(t, s.DropSchema())
	require.NoError(t, s.CreateSchema())
	t.Cleanup(func() {
		_ = s.DropSchema()
		_ = s.Close()
	})
	return s
}

func testEmbedClient(t *testing.T, vec []float64) *aiclient.Client {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"object": "list",
		"data": []map[string]any{
			{"object": "embedding", "index": 0, "embedding": vec},
		},
		"model": "test-embed",
		"usage": map[string]any{"prompt_tokens": 3, "total_tokens": 3},
	})
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)

	rt := airuntime.New(map[airuntime.Capability]airuntime.CapConfig{
		airuntime.CapabilityEmbedding: {MaxConcurrency: 4},
	})
	return aiclient.New(aiclient.Config{
		Capability: airuntime.CapabilityEmbedding, Model: "test-embed",
		BaseURL: srv.URL, APIKey: "test-key", Timeout: 2 * time.Second,
	}, rt, aiclient.NewRecorder(10))
}

func insertPendingVectorDoc(t *testing.T, st *store.Client, title, summary string) string {
	t.Helper()
	scID := uuid.New().String()
	_, err := st.InsertScreenshot(&store.Screenshot{
		ID: scID, SourceKey: "screen:0", Ts: time.Now(), PHash: uuid.New().String()[:16],
	})
	require.NoError(t, err)

	nodeID, err := st.InsertContextNode(&store.ContextNode{
		ID: uuid.New().String(), BatchID: uuid.New().String(), ScreenshotID: scID,
		Kind: "knowledge", Title: title, Summary: summary, EventTime: time.Now(),
	})
	require.NoError(t, err)

	docID, err := st.EnsureVectorDocument(nodeID)
	require.NoError(t, err)
	return docID
}

func TestProcessEmbeddingStoresVectorAndResetsIndexStage(t *testing.T) {
	st := testVectorDocStore(t)
	docID := insertPendingVectorDoc(t, st, "Reading about HNSW", "graph-based ANN index")

	ai := testEmbedClient(t, []float64{1, 0, 0, 0})
	idx, err := vectorindex.Open(filepath.Join(t.TempDir(), "idx.bin"), 4)
	require.NoError(t, err)

	sched := New(st, ai, idx, eventbus.New(), Config{EmbeddingDimensions: 4})
	require.NoError(t, sched.processEmbedding(docID))

	doc, err := st.GetVectorDocument(docID)
	require.NoError(t, err)
	require.Equal(t, "done", doc.EmbeddingStatus)
	require.Equal(t, "pending", doc.IndexStatus)
	require.Len(t, doc.Embedding, 4)
}

func TestProcessIndexUpsertsIntoVectorIndex(t *testing.T) {
	st := testVectorDocStore(t)
	docID := insertPendingVectorDoc(t, st, "Reading about HNSW", "graph-based ANN index")

	ai := testEmbedClient(t, []float64{1, 0, 0, 0})
	idx, err := vectorindex.Open(filepath.Join(t.TempDir(), "idx.bin"), 4)
	require.NoError(t, err)

	sched := New(st, ai, idx, eventbus.New(), Config{EmbeddingDimensions: 4})
	require.NoError(t, sched.processEmbedding(docID))
	require.NoError(t, sched.processIndex(docID))

	doc, err := st.GetVectorDocument(docID)
	require.NoError(t, err)
	require.Equal(t, "done", doc.IndexStatus)
	require.Equal(t, 1, idx.Count())
}

func TestBuildTextForNodeConcatenatesFields(t *testing.T) {
	st := testVectorDocStore(t)
	scID := uuid.New().String()
	_, err := st.InsertScreenshot(&store.Screenshot{
		ID: scID, SourceKey: "screen:0", Ts: time.Now(), PHash: uuid.New().String()[:16],
	})
	require.NoError(t, err)

	nodeID, err := st.InsertContextNode(&store.ContextNode{
		ID: uuid.New().String(), BatchID: uuid.New().String(), ScreenshotID: scID,
		Kind: "knowledge", Title: "Title here", Summary: "Summary here",
		Knowledge: "Insight here", Entities: []string{"Go", "HNSW"}, EventTime: time.Now(),
	})
	require.NoError(t, err)

	sched := &Scheduler{store: st}
	text, err := sched.buildTextForNode(nodeID)
	require.NoError(t, err)
	require.Contains(t, text, "Title here")
	require.Contains(t, text, "Summary here")
	require.Contains(t, text, "Insight here")
	require.Contains(t, text, "Go")
	require.Contains(t, text, "HNSW")
}
