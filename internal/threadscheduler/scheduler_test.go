package threadscheduler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/zapdos-labs/mnemora/internal/aiclient"
	"github.com/zapdos-labs/mnemora/internal/airuntime"
	"github.com/zapdos-labs/mnemora/internal/eventbus"
	"github.com/zapdos-labs/mnemora/internal/store"
)

func testThreadStore(t *testing.T) *store.Client {
	t.Helper()
	url := os.Getenv("MNEMORA_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("MNEMORA_TEST_DATABASE_URL not set; skipping threadscheduler integration test")
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

func testAIClient(t *testing.T, body string) *aiclient.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)

	rt := airuntime.New(map[airuntime.Capability]airuntime.CapConfig{
		airuntime.CapabilityText: {MaxConcurrency: 2},
	})
	return aiclient.New(aiclient.Config{
		Capability: airuntime.CapabilityText, Model: "test-model",
		BaseURL: srv.URL, APIKey: "test-key", Timeout: 2 * time.Second,
	}, rt, aiclient.NewRecorder(10))
}

func insertUnassignedNode(t *testing.T, st *store.Client, title, summary string) *store.ContextNode {
	t.Helper()
	scID := uuid.New().String()
	_, err := st.InsertScreenshot(&store.Screenshot{
		ID: scID, SourceKey: "screen:0", Ts: time.Now(), PHash: uuid.New().String()[:16],
	})
	require.NoError(t, err)

	nodeID, err := st.InsertContextNode(&store.ContextNode{
		ID: uuid.New().String(), BatchID: uuid.New().String(), ScreenshotID: scID,
		Kind: "event", Title: title, Summary: summary, EventTime: time.Now(),
	})
	require.NoError(t, err)

	n, err := st.GetContextNode(nodeID)
	require.NoError(t, err)
	return n
}

// chatResponse builds a chat-completion JSON body whose message content is
// objectJSON, escaped as a JSON string value the way a real completion does.
func chatResponse(t *testing.T, objectJSON string) string {
	t.Helper()
	encodedContent, err := json.Marshal(objectJSON)
	require.NoError(t, err)
	return `{
		"id": "chatcmpl-1", "object": "chat.completion", "created": 1,
		"model": "test-model",
		"choices": [{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":` + string(encodedContent) + `}}],
		"usage": {"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}
	}`
}

func TestRunCycleCreatesNewThreadAndAssignsNode(t *testing.T) {
	st := testThreadStore(t)
	node := insertUnassignedNode(t, st, "Writing a Go parser", "Working on tokenizer")

	out := `{"assignments":[{"nodeIndex":0,"threadId":"th-1","reason":"continues work"}],` +
		`"newThreads":[{"threadId":"th-1","title":"Go parser project","summary":"Building a parser"}]}`
	ai := testAIClient(t, chatResponse(t, out))

	sched := New(st, ai, eventbus.New(), Config{BatchSize: 10})
	sched.runCycle()

	updated, err := st.GetContextNode(node.ID)
	require.NoError(t, err)
	require.Equal(t, "th-1", updated.ThreadID)
	require.NotEmpty(t, updated.ThreadSnapshot)

	thread, err := st.GetThread("th-1")
	require.NoError(t, err)
	require.Equal(t, "Go parser project", thread.Title)
}

func TestRunCycleNoopsWhenNoUnassignedNodes(t *testing.T) {
	st := testThreadStore(t)
	ai := testAIClient(t, chatResponse(t, `{"assignments":[]}`))

	sched := New(st, ai, eventbus.New(), Config{BatchSize: 10})
	sched.runCycle() // should not call the LLM or error
}

func TestWakeQueuesSignal(t *testing.T) {
	sched := New(nil, nil, eventbus.New(), Config{BatchWindow: 10 * time.Millisecond})
	sched.Wake()
	select {
	case <-sched.wakeCh:
	case <-time.After(time.Second):
		t.Fatal("expected a wake signal")
	}
}
