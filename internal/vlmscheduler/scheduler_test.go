package vlmscheduler

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/zapdos-labs/mnemora/internal/aiclient"
	"github.com/zapdos-labs/mnemora/internal/airuntime"
	"github.com/zapdos-labs/mnemora/internal/eventbus"
	"github.com/zapdos-labs/mnemora/internal/store"
)

func TestNormalizeNodeTruncatesAndClamps(t *testing.T) {
	n := rawNode{
		Title:      strings.Repeat("x", 200),
		Summary:    strings.Repeat("y", 600),
		Keywords:   []string{"a", "b", "c", "d", "e", "f"},
		Entities:   make([]string, 15),
		Importance: 99,
		Confidence: -5,
		AppContext: "Visual Studio Code",
	}
	out := normalizeNode(n)

	require.Len(t, out.Title, maxTitleLen)
	require.Len(t, out.Summary, maxSummaryLen)
	require.Len(t, out.Keywords, maxKeywords)
	require.Len(t, out.Entities, maxEntities)
	require.Equal(t, float64(10), out.Importance)
	require.Equal(t, float64(0), out.Confidence)
	require.Equal(t, "vscode", out.AppContext)
}

func TestTruncateCountsRunesNotBytes(t *testing.T) {
	// Each CJK character is 3 bytes in UTF-8, so a byte-index slice would
	// both cut the string roughly 3x short of maxTitleLen and risk landing
	// mid-rune, producing invalid UTF-8.
	cjk := strings.Repeat("中", 200)
	n := rawNode{Title: cjk, Summary: strings.Repeat("文", 600)}
	out := normalizeNode(n)

	require.Equal(t, maxTitleLen, utf8.RuneCountInString(out.Title))
	require.Equal(t, maxSummaryLen, utf8.RuneCountInString(out.Summary))
	require.True(t, utf8.ValidString(out.Title))
	require.True(t, utf8.ValidString(out.Summary))
}

func TestDeriveKindPriority(t *testing.T) {
	require.Equal(t, "state_snapshot", deriveKind(rawNode{StateSnapshot: map[string]any{"a": 1}, Knowledge: "k"}))
	require.Equal(t, "knowledge", deriveKind(rawNode{Knowledge: "k"}))
	require.Equal(t, "event", deriveKind(rawNode{}))
}

func TestCanonicalAppHintPassesThroughUnknownValues(t *testing.T) {
	require.Equal(t, "chrome", canonicalAppHint("Google Chrome"))
	require.Equal(t, "SomeRandomApp", canonicalAppHint("SomeRandomApp"))
}

func testSchedulerStore(t *testing.T) *store.Client {
	t.Helper()
	url := os.Getenv("MNEMORA_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("MNEMORA_TEST_DATABASE_URL not set; skipping vlmscheduler integration test")
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

func TestProcessPersistsNodesAndWakesDownstream(t *testing.T) {
	st := testSchedulerStore(t)

	imgPath := filepath.Join(t.TempDir(), "shot.jpg")
	require.NoError(t, os.WriteFile(imgPath, []byte{0xff, 0xd8, 0xff, 0xd9}, 0644))

	scID := uuid.New().String()
	_, err := st.InsertScreenshot(&store.Screenshot{
		ID: scID, SourceKey: "screen:0", Ts: time.Now(), PHash: "abcd1234abcd1234",
		FilePath: imgPath, AppHint: "vscode", WindowTitle: "main.go",
	})
	require.NoError(t, err)

	batchID := uuid.New().String()
	tx, err := st.DB().Begin()
	require.NoError(t, err)
	_, _, err = store.CreateBatchTx(tx, &store.Batch{
		ID: batchID, BatchID: "batch_" + batchID, SourceKey: "screen:0",
		ScreenshotIDs: []string{scID}, TsStart: time.Now(), TsEnd: time.Now(),
	})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id":"1","object":"chat.completion","created":1,"model":"test",
			"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant",
				"content":"{\"nodes\":[{\"screenshotIndex\":0,\"title\":\"Editing main.go\",\"summary\":\"Working on a bug fix\",\"appContext\":\"Visual Studio Code\",\"importance\":6,\"confidence\":8,\"keywords\":[\"go\",\"bugfix\"]}]}"}}],
			"usage":{"prompt_tokens":1,"completion_tokens":1,"total_tokens":2}
		}`))
	}))
	defer srv.Close()

	rt := airuntime.New(map[airuntime.Capability]airuntime.CapConfig{airuntime.CapabilityVLM: {MaxConcurrency: 2}})
	ai := aiclient.New(aiclient.Config{
		Capability: airuntime.CapabilityVLM, Model: "test", BaseURL: srv.URL, Timeout: 2 * time.Second,
	}, rt, aiclient.NewRecorder(10))

	bus := eventbus.New()
	var nodeCreated eventbus.ContextNodeCreated
	var gotNodeEvent bool
	bus.Subscribe(eventbus.ChannelContextNodeCreated, func(payload any) {
		nodeCreated = payload.(eventbus.ContextNodeCreated)
		gotNodeEvent = true
	})
	var gotVectorDirty bool
	bus.Subscribe(eventbus.ChannelVectorDocsDirty, func(any) { gotVectorDirty = true })

	sched := New(st, ai, bus, time.Minute, 2, []string{"eng"})
	require.NoError(t, sched.process(batchID))

	require.True(t, gotNodeEvent)
	require.True(t, gotVectorDirty)
	require.Equal(t, batchID, nodeCreated.BatchID)
	require.Equal(t, scID, nodeCreated.ScreenshotID)

	b, err := st.GetBatch(batchID)
	require.NoError(t, err)
	require.Equal(t, "done", b.VlmStatus)

	node, err := st.GetContextNode(nodeCreated.NodeID)
	require.NoError(t, err)
	require.Equal(t, "Editing main.go", node.Title)
	require.Equal(t, "event", node.Kind)
	require.Equal(t, "vscode", node.AppContext)
}
