package timeline

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

func testTimelineStore(t *testing.T) *store.Client {
	t.Helper()
	url := os.Getenv("MNEMORA_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("MNEMORA_TEST_DATABASE_URL not set; skipping timeline integration test")
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

func testTimelineAIClient(t *testing.T, content string) *aiclient.Client {
	t.Helper()
	encoded, err := json.Marshal(content)
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1", "object": "chat.completion", "created": 1,
			"model": "test-model",
			"choices": [{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":` + string(encoded) + `}}],
			"usage": {"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}
		}`))
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

func insertNodeAt(t *testing.T, st *store.Client, ts time.Time, title string) {
	t.Helper()
	scID := uuid.New().String()
	_, err := st.InsertScreenshot(&store.Screenshot{
		ID: scID, SourceKey: "screen:0", Ts: ts, PHash: uuid.New().String()[:16],
	})
	require.NoError(t, err)

	_, err = st.InsertContextNode(&store.ContextNode{
		ID: uuid.New().String(), BatchID: uuid.New().String(), ScreenshotID: scID,
		Kind: "event", Title: title, Summary: "s", EventTime: ts,
	})
	require.NoError(t, err)
}

func TestSeedCreatesPendingWindowOnlyWhereNodesFall(t *testing.T) {
	st := testTimelineStore(t)
	window := 20 * time.Minute
	base := floorToWindow(time.Now().Add(-2*window), window)

	insertNodeAt(t, st, base.Add(5*time.Minute), "first window node")
	// the second window (base+window .. base+2*window) is intentionally left
	// empty so it should seed as no_data.

	sched := New(st, testTimelineAIClient(t, `{"title":"t","summary":"s"}`), eventbus.New(), Config{Window: window})
	require.NoError(t, sched.seed())

	w1, err := st.GetActivityWindow(mustFindWindowID(t, st, base, base.Add(window)))
	require.NoError(t, err)
	require.Equal(t, "pending", w1.Status)

	w2ID := mustFindWindowID(t, st, base.Add(window), base.Add(2*window))
	w2, err := st.GetActivityWindow(w2ID)
	require.NoError(t, err)
	require.Equal(t, "no_data", w2.Status)
}

func TestSelfHealResetsNoDataWindowWithLateNode(t *testing.T) {
	st := testTimelineStore(t)
	window := 20 * time.Minute
	base := floorToWindow(time.Now().Add(-window), window)

	id, err := st.CreateActivityWindowWithStatus(&store.ActivityWindow{
		WindowStart: base, WindowEnd: base.Add(window),
	}, "no_data")
	require.NoError(t, err)

	insertNodeAt(t, st, base.Add(10*time.Minute), "late-arriving node")

	n, err := st.SelfHealNoDataActivityWindows()
	require.NoError(t, err)
	require.Equal(t, 1, n)

	w, err := st.GetActivityWindow(id)
	require.NoError(t, err)
	require.Equal(t, "pending", w.Status)
}

func TestProcessSummarizesWindowAndInsertsEvents(t *testing.T) {
	st := testTimelineStore(t)
	window := 20 * time.Minute
	base := floorToWindow(time.Now().Add(-window), window)

	insertNodeAt(t, st, base.Add(5*time.Minute), "editing code")

	id, err := st.CreateActivityWindowWithStatus(&store.ActivityWindow{
		WindowStart: base, WindowEnd: base.Add(window),
	}, "pending")
	require.NoError(t, err)

	out := `{"title":"Coding session","summary":"Wrote some Go","highlights":["editing code"],` +
		`"events":[{"title":"Editing","kind":"event","startTs":"` + base.Add(5*time.Minute).Format(time.RFC3339) +
		`","endTs":"` + base.Add(6*time.Minute).Format(time.RFC3339) + `"}]}`

	sched := New(st, testTimelineAIClient(t, out), eventbus.New(), Config{Window: window})
	require.NoError(t, sched.process(id))

	w, err := st.GetActivityWindow(id)
	require.NoError(t, err)
	require.Equal(t, "done", w.Status)
	require.Equal(t, "Coding session", w.Title)

	events, err := st.ActivityEventsInRange(base, base.Add(window))
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.False(t, events[0].IsLong)
}

// mustFindWindowID returns the id of the window at [start, end). A window
// that seed did not create is inserted here with status "not_seeded", so the
// caller's status assertion fails for it.
func mustFindWindowID(t *testing.T, st *store.Client, start, end time.Time) string {
	t.Helper()
	id, err := st.CreateActivityWindowWithStatus(&store.ActivityWindow{WindowStart: start, WindowEnd: end}, "not_seeded")
	require.NoError(t, err)
	return id
}
