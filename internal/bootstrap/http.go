package bootstrap

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/zapdos-labs/mnemora/internal/capture"
	"github.com/zapdos-labs/mnemora/internal/search"
)

// HTTPHandler builds the plain JSON HTTP mux for the three RPC-surface
// operations (spec §6) plus a capture-ingest endpoint and a health check.
//
// Grounded on cmd/server/main.go's http.NewServeMux + withCORS bootstrap —
// the teacher's actual Connect/protobuf stubs were never retrieved into the
// pack (no .proto/gen/ sources), so the RPC surface is plain JSON handlers
// in that same bootstrap shape instead of regenerated protobuf stubs (see
// SPEC_FULL.md's supplemented-features note).
func (a *App) HTTPHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", a.handleHealth)
	mux.HandleFunc("/api/search", a.handleSearch)
	mux.HandleFunc("/api/thread", a.handleGetThread)
	mux.HandleFunc("/api/evidence", a.handleGetEvidence)
	mux.HandleFunc("/api/capture", a.handleCapture)
	return withCORS(mux)
}

// withCORS adds CORS headers to the response.
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "ok",
		"backpressureLevel": string(a.Backpressure.CurrentLevel()),
		"vectorDocCount":    a.Index.Count(),
	})
}

// searchRequestBody is the JSON-over-HTTP shape of search(query, filters?,
// topK?) (spec §6).
type searchRequestBody struct {
	Query   string `json:"query"`
	Filters struct {
		ThreadID  string `json:"threadId,omitempty"`
		TimeRange *struct {
			From time.Time `json:"from"`
			To   time.Time `json:"to"`
		} `json:"timeRange,omitempty"`
		AppHint  string   `json:"appHint,omitempty"`
		Entities []string `json:"entities,omitempty"`
		KindHint string   `json:"kindHint,omitempty"`
	} `json:"filters"`
	TopK int `json:"topK,omitempty"`
}

func (a *App) handleSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errMethodNotAllowed)
		return
	}

	var body searchRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	filters := search.Filters{
		ThreadID: body.Filters.ThreadID, AppHint: body.Filters.AppHint,
		Entities: body.Filters.Entities, KindHint: body.Filters.KindHint,
	}
	if body.Filters.TimeRange != nil {
		filters.TimeRange = &search.TimeRange{From: body.Filters.TimeRange.From, To: body.Filters.TimeRange.To}
	}

	result, err := a.Search.Search(r.Context(), search.Request{QueryText: body.Query, Filters: filters})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	if body.TopK > 0 {
		if len(result.Nodes) > body.TopK {
			result.Nodes = result.Nodes[:body.TopK]
		}
		if len(result.RelatedEvents) > body.TopK {
			result.RelatedEvents = result.RelatedEvents[:body.TopK]
		}
	}

	writeJSON(w, http.StatusOK, result)
}

func (a *App) handleGetThread(w http.ResponseWriter, r *http.Request) {
	threadID := r.URL.Query().Get("threadId")
	if threadID == "" {
		writeError(w, http.StatusBadRequest, errMissingThreadID)
		return
	}
	nodes, err := a.Store.ContextNodesByThread(threadID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, nodes)
}

func (a *App) handleGetEvidence(w http.ResponseWriter, r *http.Request) {
	ids := r.URL.Query()["nodeId"]
	if len(ids) == 0 {
		writeError(w, http.StatusBadRequest, errMissingNodeIDs)
		return
	}
	nodes, err := a.Store.GetContextNodesByIDs(ids)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	screenshotIDs := make([]string, 0, len(nodes))
	seen := make(map[string]bool)
	for _, n := range nodes {
		if n.ScreenshotID != "" && !seen[n.ScreenshotID] {
			seen[n.ScreenshotID] = true
			screenshotIDs = append(screenshotIDs, n.ScreenshotID)
		}
	}
	shots, err := a.Store.GetScreenshotsByIDs(screenshotIDs)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, shots)
}

// captureRequestBody mirrors spec §6's capture:complete result entry.
type captureRequestBody struct {
	SourceKey   string    `json:"sourceKey"`
	Data        []byte    `json:"data"`
	Ts          time.Time `json:"ts"`
	FilePath    string    `json:"filePath,omitempty"`
	AppHint     string `json:"appHint,omitempty"`
	WindowTitle string `json:"windowTitle,omitempty"`
	Width       int    `json:"width,omitempty"`
	Height      int    `json:"height,omitempty"`
}

func (a *App) handleCapture(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errMethodNotAllowed)
		return
	}
	var body captureRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if body.Ts.IsZero() {
		body.Ts = time.Now()
	}

	id, err := a.Ingest(capture.Input{
		SourceKey: body.SourceKey, Ts: body.Ts, Data: body.Data, FilePath: body.FilePath,
		AppHint: body.AppHint, WindowTitle: body.WindowTitle, Width: body.Width, Height: body.Height,
	})
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"screenshotId": id})
}

var (
	errMethodNotAllowed = httpError("method not allowed")
	errMissingThreadID  = httpError("threadId query parameter is required")
	errMissingNodeIDs   = httpError("at least one nodeId query parameter is required")
)

type httpError string

func (e httpError) Error() string { return string(e) }
