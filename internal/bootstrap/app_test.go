package bootstrap

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zapdos-labs/mnemora/internal/config"
	"github.com/zapdos-labs/mnemora/internal/store"
)

// newTestApp builds a full App against a throwaway schema with no AI
// capability configured, mirroring an operator who has not yet set any
// model base URL.
func newTestApp(t *testing.T) *App {
	t.Helper()
	url := os.Getenv("MNEMORA_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("MNEMORA_TEST_DATABASE_URL not set; skipping bootstrap integration test")
	}

	// Drop any leftover schema from a previous failed run before New()
	// creates it fresh, same pattern every other package's integration
	// tests use.
	probe, err := store.NewClient(store.Config{DatabaseURL: url})
	require.NoError(t, err)
	require.NoError(t, probe.DropSchema())
	require.NoError(t, probe.Close())

	cfg := config.Default()
	cfg.DatabaseURL = url
	cfg.AppDir = t.TempDir()

	app, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = app.Store.DropSchema()
	})
	return app
}

func TestNewWiresAppWithNoAICapabilityConfigured(t *testing.T) {
	app := newTestApp(t)

	require.NotNil(t, app.Store)
	require.NotNil(t, app.Bus)
	require.NotNil(t, app.Runtime)
	require.NotNil(t, app.Index)
	require.NotNil(t, app.Registry)
	require.NotNil(t, app.BatchBuilder)
	require.NotNil(t, app.OCRScheduler)
	require.NotNil(t, app.Backpressure)
	require.NotNil(t, app.Search)

	require.Nil(t, app.VLMClient)
	require.Nil(t, app.TextClient)
	require.Nil(t, app.EmbedClient)
	require.Nil(t, app.VLMScheduler)
	require.Nil(t, app.ThreadScheduler)
	require.Nil(t, app.TimelineScheduler)
	require.Nil(t, app.VectorDocScheduler)
}

func TestStartStopDoesNotPanicWithNilSchedulers(t *testing.T) {
	app := newTestApp(t)
	app.Start()
	app.Stop()
}

func TestHTTPHandlerHealthReportsBackpressureLevel(t *testing.T) {
	app := newTestApp(t)
	defer func() { _ = app.Store.Close() }()

	srv := httptest.NewServer(app.HTTPHandler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "normal", body["backpressureLevel"])
}

func TestVectorIndexPathIsUnderAppDir(t *testing.T) {
	cfg := config.Default()
	cfg.AppDir = "/tmp/mnemora-app-dir-test"
	require.Equal(t, filepath.Join(cfg.AppDir, "vector_index.bin"), cfg.VectorIndexPath())
}
