// Package vlmscheduler implements the VLM scheduler (C6): claims batches
// whose vlm_status is eligible, builds a multi-modal request over the
// batch's screenshots, validates and normalizes the model's structured
// output, and fans out context nodes + vector documents + OCR tasks.
//
// Grounded on server/webrtc/batch_manager.go's per-batch drain-and-dispatch
// flow for the overall shape, and on the rolling per-source context carried
// forward across batches — generalized from batch_manager.go's
// rollingContext{lastFrame, previousResponse} (see SPEC_FULL.md's
// supplemented features).
package vlmscheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/zapdos-labs/mnemora/internal/aiclient"
	"github.com/zapdos-labs/mnemora/internal/eventbus"
	"github.com/zapdos-labs/mnemora/internal/scheduler"
	"github.com/zapdos-labs/mnemora/internal/store"
)

const (
	maxTitleLen      = 100
	maxSummaryLen    = 500
	maxKeywords      = 5
	maxEntities      = 10
	maxUITextSnippet = 5
)

// appHintAliases canonicalizes raw window/app titles into the known set
// (spec §4.6: "App hint canonicalized against a known alias map").
var appHintAliases = map[string]string{
	"visual studio code": "vscode",
	"vscode":             "vscode",
	"google chrome":      "chrome",
	"chrome":             "chrome",
	"mozilla firefox":    "firefox",
	"firefox":            "firefox",
	"slack":              "slack",
	"terminal":           "terminal",
	"iterm2":             "terminal",
	"microsoft word":     "word",
	"microsoft excel":    "excel",
}

// rawKnowledge and rawStateSnapshot are intentionally untyped (map[string]any)
// — their shape is domain-specific per capture, not fixed by this scheduler.

// rawNode is the VLM's structured-output shape for one node (spec §4.6).
type rawNode struct {
	ScreenshotIndex int            `json:"screenshotIndex" jsonschema_description:"index into the batch's screenshot list this node describes"`
	Title           string         `json:"title"`
	Summary         string         `json:"summary"`
	AppContext      string         `json:"appContext"`
	Knowledge       string         `json:"knowledge,omitempty"`
	KnowledgeLang   string         `json:"knowledgeLanguage,omitempty" jsonschema_description:"ISO language code if this node captures extractable text"`
	HasTextRegion   bool           `json:"hasTextRegion,omitempty"`
	TextRegion      *textRegion    `json:"textRegion,omitempty" jsonschema_description:"pixel rectangle {left,top,width,height} to crop for OCR, when hasTextRegion is true"`
	StateSnapshot   map[string]any `json:"stateSnapshot,omitempty"`
	UITextSnippets  []string       `json:"uiTextSnippets,omitempty"`
	Keywords        []string       `json:"keywords,omitempty"`
	Entities        []string       `json:"entities,omitempty"`
	Importance      float64        `json:"importance"`
	Confidence      float64        `json:"confidence"`
}

// rawOutput is the VLM's full structured-output payload.
type rawOutput struct {
	Nodes []rawNode `json:"nodes"`
}

// textRegion is the VLM's hinted crop rectangle for OCR (spec §4.7).
type textRegion struct {
	Left   int `json:"left"`
	Top    int `json:"top"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

type rollingEntry struct {
	Title   string
	Summary string
}

// Scheduler wires a generic scheduler.Runner over the batches table to the
// VLM client and the downstream fan-out (context nodes, vector documents,
// OCR tasks).
type Scheduler struct {
	store             *store.Client
	ai                *aiclient.Client
	bus               *eventbus.Bus
	runner            *scheduler.Runner
	supportedOCRLangs map[string]bool
	maxTokens         int64

	rollingMu sync.Mutex
	rolling   map[string]rollingEntry
}

// New builds the VLM scheduler. concurrency is this table's in-flight
// Process bound (typically the VLM capability's current airuntime limit).
func New(st *store.Client, ai *aiclient.Client, bus *eventbus.Bus, defaultInterval time.Duration, concurrency int, ocrLanguages []string) *Scheduler {
	s := &Scheduler{
		store:             st,
		ai:                ai,
		bus:               bus,
		supportedOCRLangs: make(map[string]bool, len(ocrLanguages)),
		maxTokens:         2000,
		rolling:           make(map[string]rollingEntry),
	}
	for _, lang := range ocrLanguages {
		s.supportedOCRLangs[lang] = true
	}

	spec := scheduler.TableSpec{
		Table:           "batches",
		IDColumn:        "id",
		StatusColumn:    "vlm_status",
		AttemptsColumn:  "vlm_attempts",
		NextRunAtColumn: "vlm_next_run_at",
		UpdatedAtColumn: "updated_at",
		AgeColumn:       "created_at",
		MaxAttempts:     2,
	}
	s.runner = scheduler.New("vlm", st.DB(), spec, s.process, defaultInterval, concurrency)
	s.runner.OnLifecycle(func(event string) {
		bus.Publish(eventbus.ChannelSchedulerLifecycle, eventbus.SchedulerLifecycle{Scheduler: "vlm", Event: event})
	})
	return s
}

// Runner exposes the underlying generic Runner so bootstrap can Start/Stop
// it and wire batch:persisted to Wake.
func (s *Scheduler) Runner() *scheduler.Runner { return s.runner }

// SetMaxTokens overrides the structured-output response token budget,
// normally seeded by bootstrap from the VLM model's advertised context
// length (internal/modelregistry) rather than this package's 2000-token
// fallback. A non-positive value is ignored.
func (s *Scheduler) SetMaxTokens(n int64) {
	if n > 0 {
		s.maxTokens = n
	}
}

// process is the Runner's domain callback for one claimed batch.
func (s *Scheduler) process(batchDBID string) error {
	batch, err := s.store.GetBatch(batchDBID)
	if err != nil {
		return fmt.Errorf("load batch: %w", err)
	}
	if batch == nil {
		return fmt.Errorf("batch %s vanished after claim", batchDBID)
	}

	screenshots, err := s.store.GetScreenshotsByIDs(batch.ScreenshotIDs)
	if err != nil {
		return fmt.Errorf("load screenshots: %w", err)
	}
	if len(screenshots) == 0 {
		return fmt.Errorf("batch %s has no loadable screenshots", batchDBID)
	}

	images, meta, err := s.buildRequest(screenshots)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	prompt := s.buildPrompt(batch.SourceKey, meta)

	result, err := s.ai.GenerateObject(context.Background(), aiclient.GenerateObjectRequest{
		System:     vlmSystemInstruction,
		Prompt:     prompt,
		Images:     images,
		Schema:     aiclient.ReflectSchema(rawOutput{}),
		SchemaName: "vlm_output",
		MaxTokens:  s.maxTokens,
	})
	if err != nil {
		return fmt.Errorf("vlm call: %w", err)
	}

	var out rawOutput
	if err := json.Unmarshal(result.Object, &out); err != nil {
		return fmt.Errorf("parse vlm output: %w", err)
	}

	var lastNode *rawNode
	for i := range out.Nodes {
		n := normalizeNode(out.Nodes[i])
		if n.ScreenshotIndex < 0 || n.ScreenshotIndex >= len(screenshots) {
			log.Printf("[vlmscheduler] node references out-of-range screenshot index %d, skipping", n.ScreenshotIndex)
			continue
		}
		screenshot := screenshots[n.ScreenshotIndex]

		if err := s.persistNode(batch, screenshot, n); err != nil {
			return fmt.Errorf("persist node: %w", err)
		}
		lastNode = &n
	}

	if lastNode != nil {
		s.rollingMu.Lock()
		s.rolling[batch.SourceKey] = rollingEntry{Title: lastNode.Title, Summary: lastNode.Summary}
		s.rollingMu.Unlock()
	}

	return s.runner.MarkDone(batchDBID)
}

func (s *Scheduler) persistNode(batch *store.Batch, screenshot *store.Screenshot, n rawNode) error {
	node := &store.ContextNode{
		BatchID:        batch.ID,
		ScreenshotID:   screenshot.ID,
		Kind:           deriveKind(n),
		Title:          n.Title,
		Summary:        n.Summary,
		AppContext:     canonicalAppHint(n.AppContext),
		Knowledge:      n.Knowledge,
		StateSnapshot:  n.StateSnapshot,
		UITextSnippets: n.UITextSnippets,
		Keywords:       n.Keywords,
		Entities:       n.Entities,
		Importance:     n.Importance,
		Confidence:     n.Confidence,
		EventTime:      screenshot.Ts,
		TextRegion:     toStoreTextRegion(n.TextRegion),
	}

	nodeID, err := s.store.InsertContextNode(node)
	if err != nil {
		return fmt.Errorf("insert context node: %w", err)
	}

	vectorDocID, err := s.store.EnsureVectorDocument(nodeID)
	if err != nil {
		return fmt.Errorf("ensure vector document: %w", err)
	}
	s.bus.Publish(eventbus.ChannelVectorDocsDirty, eventbus.VectorDocDirty{VectorDocID: vectorDocID, RefID: nodeID})

	requiresOCR := n.KnowledgeLang != "" && s.supportedOCRLangs[n.KnowledgeLang] && n.HasTextRegion
	s.bus.Publish(eventbus.ChannelContextNodeCreated, eventbus.ContextNodeCreated{
		NodeID: nodeID, BatchID: batch.ID, ScreenshotID: screenshot.ID, RequiresOCR: requiresOCR,
	})
	return nil
}

// buildRequest loads each screenshot's image bytes and builds its metadata
// entry (spec §4.6: "{index, screenshotId, capturedAt, sourceKey, appHint,
// windowTitle}").
func (s *Scheduler) buildRequest(screenshots []*store.Screenshot) ([]aiclient.Image, []map[string]any, error) {
	images := make([]aiclient.Image, 0, len(screenshots))
	meta := make([]map[string]any, 0, len(screenshots))

	for i, sc := range screenshots {
		data, err := os.ReadFile(sc.FilePath)
		if err != nil {
			return nil, nil, fmt.Errorf("read screenshot file %s: %w", sc.FilePath, err)
		}
		images = append(images, aiclient.Image{Data: data, MimeType: "image/jpeg"})
		meta = append(meta, map[string]any{
			"index":        i,
			"screenshotId": sc.ID,
			"capturedAt":   sc.Ts,
			"sourceKey":    sc.SourceKey,
			"appHint":      sc.AppHint,
			"windowTitle":  sc.WindowTitle,
		})
	}
	return images, meta, nil
}

const vlmSystemInstruction = "You analyze a batch of screen captures from a single source in chronological order. " +
	"For each screenshot that contains a distinct event, a durable knowledge fact, or a monitored application's " +
	"state, emit one node referencing its screenshotIndex."

func (s *Scheduler) buildPrompt(sourceKey string, meta []map[string]any) string {
	metaJSON, _ := json.Marshal(meta)

	var b strings.Builder
	s.rollingMu.Lock()
	prev, ok := s.rolling[sourceKey]
	s.rollingMu.Unlock()
	if ok {
		fmt.Fprintf(&b, "Previous context for this source — title: %q, summary: %q.\n\n", prev.Title, prev.Summary)
	}
	fmt.Fprintf(&b, "Screenshot metadata (by index): %s", string(metaJSON))
	return b.String()
}

// normalizeNode applies spec §4.6's clamp/truncate/canonicalize rules.
func normalizeNode(n rawNode) rawNode {
	n.Title = truncate(n.Title, maxTitleLen)
	n.Summary = truncate(n.Summary, maxSummaryLen)
	if len(n.Keywords) > maxKeywords {
		n.Keywords = n.Keywords[:maxKeywords]
	}
	if len(n.Entities) > maxEntities {
		n.Entities = n.Entities[:maxEntities]
	}
	if len(n.UITextSnippets) > maxUITextSnippet {
		n.UITextSnippets = n.UITextSnippets[:maxUITextSnippet]
	}
	n.Importance = clamp(n.Importance, 0, 10)
	n.Confidence = clamp(n.Confidence, 0, 10)
	n.AppContext = canonicalAppHint(n.AppContext)
	return n
}

// deriveKind mirrors spec §3's ContextNode.kind derivation: state_snapshot
// if stateSnapshot present, else knowledge if knowledge present, else event.
func deriveKind(n rawNode) string {
	if len(n.StateSnapshot) > 0 {
		return "state_snapshot"
	}
	if n.Knowledge != "" {
		return "knowledge"
	}
	return "event"
}

func canonicalAppHint(raw string) string {
	if canon, ok := appHintAliases[strings.ToLower(strings.TrimSpace(raw))]; ok {
		return canon
	}
	return raw
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}

func toStoreTextRegion(r *textRegion) *store.TextRegion {
	if r == nil {
		return nil
	}
	return &store.TextRegion{Left: r.Left, Top: r.Top, Width: r.Width, Height: r.Height}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
