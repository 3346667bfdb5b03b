package ocr

import (
	"context"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/zapdos-labs/mnemora/internal/eventbus"
	"github.com/zapdos-labs/mnemora/internal/store"
)

// fakeRecognizer returns a fixed string instead of shelling out to
// tesseract, so the scheduler's claim/preprocess/store wiring can be tested
// without the binary installed.
type fakeRecognizer struct {
	text string
	err  error
}

func (f *fakeRecognizer) recognize(ctx context.Context, img image.Image) (string, error) {
	return f.text, f.err
}

func testOCRStore(t *testing.T) *store.Client {
	t.Helper()
	url := os.Getenv("MNEMORA_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("MNEMORA_TEST_DATABASE_URL not set; skipping ocr integration test")
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

func writeTestPNG(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "shot.png")
	img := image.NewRGBA(image.Rect(0, 0, 20, 20))
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
	return path
}

func TestProcessOneCompletesNodeAndReindexesFTS(t *testing.T) {
	st := testOCRStore(t)
	imgPath := writeTestPNG(t, t.TempDir())

	scID := uuid.New().String()
	_, err := st.InsertScreenshot(&store.Screenshot{
		ID: scID, SourceKey: "screen:0", Ts: time.Now(), PHash: "abcd1234abcd1234",
		FilePath: imgPath,
	})
	require.NoError(t, err)

	nodeID, err := st.InsertContextNode(&store.ContextNode{
		ID: uuid.New().String(), BatchID: uuid.New().String(), ScreenshotID: scID,
		Kind: "knowledge", Title: "Reading docs", Summary: "A doc page",
		Keywords: []string{"go"}, EventTime: time.Now(),
		TextRegion: &store.TextRegion{Left: 0, Top: 0, Width: 20, Height: 20},
	})
	require.NoError(t, err)

	sched := New(st, eventbus.New(), Config{Concurrency: 1})
	// swap in a fake recognizer so no real tesseract binary is required.
	sched.pool = make(chan recognizer, 1)
	sched.pool <- &fakeRecognizer{text: "  extracted text  "}

	sched.runCycle()

	node, err := st.GetContextNode(nodeID)
	require.NoError(t, err)
	require.Equal(t, "done", node.OCRStatus)
	require.Contains(t, node.UITextSnippets, "extracted text")

	hits, err := st.SearchFTS("extracted", nil, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, scID, hits[0].ScreenshotID)
}

func TestProcessOneTruncatesMultiByteTextByRuneNotByte(t *testing.T) {
	st := testOCRStore(t)
	imgPath := writeTestPNG(t, t.TempDir())

	scID := uuid.New().String()
	_, err := st.InsertScreenshot(&store.Screenshot{
		ID: scID, SourceKey: "screen:0", Ts: time.Now(), PHash: "abcd5678abcd5678",
		FilePath: imgPath,
	})
	require.NoError(t, err)

	nodeID, err := st.InsertContextNode(&store.ContextNode{
		ID: uuid.New().String(), BatchID: uuid.New().String(), ScreenshotID: scID,
		Kind: "knowledge", Title: "Reading docs", Summary: "A doc page",
		Keywords: []string{"go"}, EventTime: time.Now(),
		TextRegion: &store.TextRegion{Left: 0, Top: 0, Width: 20, Height: 20},
	})
	require.NoError(t, err)

	const maxChars = 5
	sched := New(st, eventbus.New(), Config{Concurrency: 1, MaxChars: maxChars})
	sched.pool = make(chan recognizer, 1)
	// Each character is 3 bytes in UTF-8; a byte-index slice would cut this
	// well short of maxChars runes and could split a character in half.
	sched.pool <- &fakeRecognizer{text: strings.Repeat("中", 10)}

	sched.runCycle()

	node, err := st.GetContextNode(nodeID)
	require.NoError(t, err)
	require.Equal(t, "done", node.OCRStatus)
	require.Len(t, node.UITextSnippets, 1)
	require.True(t, utf8.ValidString(node.UITextSnippets[0]))
	require.Equal(t, maxChars, utf8.RuneCountInString(node.UITextSnippets[0]))
}

func TestProcessOneRecordsFailureOnRecognizeError(t *testing.T) {
	st := testOCRStore(t)
	imgPath := writeTestPNG(t, t.TempDir())

	scID := uuid.New().String()
	_, err := st.InsertScreenshot(&store.Screenshot{
		ID: scID, SourceKey: "screen:0", Ts: time.Now(), PHash: "1234abcd1234abcd",
		FilePath: imgPath,
	})
	require.NoError(t, err)

	nodeID, err := st.InsertContextNode(&store.ContextNode{
		ID: uuid.New().String(), BatchID: uuid.New().String(), ScreenshotID: scID,
		Kind: "event", Title: "x", Summary: "y", EventTime: time.Now(),
	})
	require.NoError(t, err)

	sched := New(st, eventbus.New(), Config{Concurrency: 1})
	sched.pool = make(chan recognizer, 1)
	sched.pool <- &fakeRecognizer{err: context.DeadlineExceeded}

	sched.runCycle()

	node, err := st.GetContextNode(nodeID)
	require.NoError(t, err)
	require.Equal(t, "failed", node.OCRStatus)
	require.Equal(t, 1, node.OCRAttempts)
}

func TestWakeTriggersOnOCREligibleEvent(t *testing.T) {
	bus := eventbus.New()
	sched := New(nil, bus, Config{Concurrency: 1})
	sched.running = true // avoid starting the real poll loop

	bus.Subscribe(eventbus.ChannelContextNodeCreated, func(payload any) {
		evt := payload.(eventbus.ContextNodeCreated)
		if evt.RequiresOCR {
			sched.Wake()
		}
	})
	bus.Publish(eventbus.ChannelContextNodeCreated, eventbus.ContextNodeCreated{NodeID: "n1", RequiresOCR: true})

	select {
	case <-sched.wakeCh:
	case <-time.After(time.Second):
		t.Fatal("expected a wake signal")
	}
}
