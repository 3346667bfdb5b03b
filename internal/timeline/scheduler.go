// Package timeline implements the activity timeline scheduler (C9):
// maintains a fixed-span grid of activity windows, fills in their
// title/summary/highlights/events via the text LLM, and flags long-running
// events for lazy detail expansion.
//
// Grounded on vlmscheduler.Scheduler's claim→call→persist cycle (the
// Process phase reuses scheduler.Runner exactly as C6 does), with a Seeding
// and Self-heal pre-pass run ahead of each Runner tick, matching spec §4.9's
// three-phase-per-cycle shape.
package timeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/zapdos-labs/mnemora/internal/aiclient"
	"github.com/zapdos-labs/mnemora/internal/eventbus"
	"github.com/zapdos-labs/mnemora/internal/scheduler"
	"github.com/zapdos-labs/mnemora/internal/store"
)

// Config holds the timeline scheduler's tuning knobs (spec §4.9).
type Config struct {
	Window              time.Duration
	SummaryConcurrency  int
	LongEventThreshold  time.Duration
	DefaultTickInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.Window <= 0 {
		c.Window = 20 * time.Minute
	}
	if c.SummaryConcurrency <= 0 {
		c.SummaryConcurrency = 2
	}
	if c.LongEventThreshold <= 0 {
		c.LongEventThreshold = 25 * time.Minute
	}
	if c.DefaultTickInterval <= 0 {
		c.DefaultTickInterval = 30 * time.Second
	}
}

// Scheduler runs the seed/self-heal/process cycle over activity_windows.
type Scheduler struct {
	store  *store.Client
	ai     *aiclient.Client
	bus    *eventbus.Bus
	cfg    Config
	runner *scheduler.Runner
}

// New builds the timeline scheduler.
func New(st *store.Client, ai *aiclient.Client, bus *eventbus.Bus, cfg Config) *Scheduler {
	cfg.applyDefaults()
	s := &Scheduler{store: st, ai: ai, bus: bus, cfg: cfg}

	spec := scheduler.TableSpec{
		Table:           "activity_windows",
		IDColumn:        "id",
		StatusColumn:    "status",
		AttemptsColumn:  "attempts",
		NextRunAtColumn: "next_run_at",
		UpdatedAtColumn: "updated_at",
		AgeColumn:       "window_start",
		ExtraWhere:      "window_end <= now()",
		MaxAttempts:     2,
	}
	s.runner = scheduler.New("timeline", st.DB(), spec, s.process, cfg.DefaultTickInterval, cfg.SummaryConcurrency)
	s.runner.OnLifecycle(func(event string) {
		bus.Publish(eventbus.ChannelSchedulerLifecycle, eventbus.SchedulerLifecycle{Scheduler: "timeline", Event: event})
		if event == "cycle:start" {
			s.seedAndSelfHeal()
		}
	})
	return s
}

// Runner exposes the underlying generic Runner so bootstrap can Start/Stop it.
func (s *Scheduler) Runner() *scheduler.Runner { return s.runner }

// seedAndSelfHeal runs spec §4.9's phases 1 and 2 ahead of the Runner's
// claim/dispatch (phase 3).
func (s *Scheduler) seedAndSelfHeal() {
	if err := s.seed(); err != nil {
		log.Printf("[timeline] seeding failed: %v", err)
	}
	if n, err := s.store.SelfHealNoDataActivityWindows(); err != nil {
		log.Printf("[timeline] self-heal failed: %v", err)
	} else if n > 0 {
		log.Printf("[timeline] self-healed %d no_data window(s)", n)
	}
}

// seed inserts one row per complete window between the last seeded window
// and the latest complete window (the last one ending at or before now),
// including windows after the newest observed node, status "pending" if
// the window has data, "no_data" otherwise.
func (s *Scheduler) seed() error {
	latestNode, err := s.store.LatestContextNodeEventTime()
	if err != nil {
		return fmt.Errorf("latest node event time: %w", err)
	}
	if latestNode == nil {
		return nil
	}

	cursor, err := s.store.LatestSeededWindowEnd()
	if err != nil {
		return fmt.Errorf("latest seeded window end: %w", err)
	}

	start := alignToWindow(cursor, s.cfg.Window)
	if start == nil {
		// Cold start: no window has ever been seeded, so backfill the whole
		// grid from the first observed node rather than only its latest.
		earliestNode, err := s.store.EarliestContextNodeEventTime()
		if err != nil {
			return fmt.Errorf("earliest node event time: %w", err)
		}
		t := floorToWindow(*earliestNode, s.cfg.Window)
		start = &t
	}

	latestComplete := floorToWindow(time.Now(), s.cfg.Window)

	for windowStart := *start; windowStart.Before(latestComplete); windowStart = windowStart.Add(s.cfg.Window) {
		windowEnd := windowStart.Add(s.cfg.Window)
		if windowEnd.After(*latestNode) && windowEnd.After(time.Now()) {
			break
		}

		n, err := s.store.CountContextNodesInRange(windowStart, windowEnd)
		if err != nil {
			return fmt.Errorf("count nodes in window: %w", err)
		}

		status := "no_data"
		if n > 0 {
			status = "pending"
		}
		if _, err := s.store.CreateActivityWindowWithStatus(&store.ActivityWindow{
			WindowStart: windowStart, WindowEnd: windowEnd,
		}, status); err != nil {
			return fmt.Errorf("seed window %s: %w", windowStart, err)
		}
	}
	return nil
}

func floorToWindow(t time.Time, window time.Duration) time.Time {
	return t.Truncate(window)
}

func alignToWindow(cursor *time.Time, window time.Duration) *time.Time {
	if cursor == nil {
		return nil
	}
	t := cursor.Truncate(window)
	return &t
}

// rawEvent and rawOutput mirror spec §4.9's activity LLM response shape.
type rawEvent struct {
	Title      string   `json:"title"`
	Kind       string   `json:"kind"`
	StartTs    string   `json:"startTs"`
	EndTs      string   `json:"endTs"`
	ThreadID   string   `json:"threadId,omitempty"`
	NodeIDs    []string `json:"nodeIds,omitempty"`
}

type rawOutput struct {
	Title      string     `json:"title"`
	Summary    string     `json:"summary"`
	Highlights []string   `json:"highlights,omitempty"`
	Stats      map[string]any `json:"stats,omitempty"`
	Events     []rawEvent `json:"events,omitempty"`
}

// process is the Runner's domain callback for one claimed window.
func (s *Scheduler) process(windowID string) error {
	nodes, window, err := s.loadWindow(windowID)
	if err != nil {
		return err
	}

	out, err := s.callLLM(window, nodes)
	if err != nil {
		return fmt.Errorf("activity llm call: %w", err)
	}

	for _, re := range out.Events {
		startTs, errS := time.Parse(time.RFC3339, re.StartTs)
		endTs, errE := time.Parse(time.RFC3339, re.EndTs)
		if errS != nil || errE != nil {
			log.Printf("[timeline] window %s: skipping event with unparsable timestamps", windowID)
			continue
		}
		durationMs := endTs.Sub(startTs).Milliseconds()
		isLong := endTs.Sub(startTs) >= s.cfg.LongEventThreshold

		if _, err := s.store.InsertActivityEvent(&store.ActivityEvent{
			WindowID: windowID, Title: re.Title, Kind: re.Kind,
			StartTs: startTs, EndTs: endTs, DurationMs: durationMs, IsLong: isLong,
			ThreadID: re.ThreadID, NodeIDs: re.NodeIDs, DetailsStatus: "summary",
		}); err != nil {
			return fmt.Errorf("insert activity event: %w", err)
		}
	}

	return s.store.CompleteActivityWindow(windowID, out.Title, out.Summary, out.Highlights, out.Stats)
}

func (s *Scheduler) loadWindow(windowID string) ([]*store.ContextNode, *store.ActivityWindow, error) {
	window, err := s.store.GetActivityWindow(windowID)
	if err != nil {
		return nil, nil, fmt.Errorf("load activity window: %w", err)
	}
	if window == nil {
		return nil, nil, fmt.Errorf("activity window %s vanished after claim", windowID)
	}

	nodes, err := s.store.ContextNodesInRange(window.WindowStart, window.WindowEnd)
	if err != nil {
		return nil, nil, fmt.Errorf("load nodes for window: %w", err)
	}
	return nodes, window, nil
}

func (s *Scheduler) callLLM(window *store.ActivityWindow, nodes []*store.ContextNode) (*rawOutput, error) {
	result, err := s.ai.GenerateObject(context.Background(), aiclient.GenerateObjectRequest{
		System:     activitySystemInstruction,
		Prompt:     buildPrompt(window, nodes),
		Schema:     aiclient.ReflectSchema(rawOutput{}),
		SchemaName: "activity_window_output",
		MaxTokens:  1800,
	})
	if err != nil {
		return nil, err
	}

	var out rawOutput
	if err := json.Unmarshal(result.Object, &out); err != nil {
		return nil, fmt.Errorf("parse activity window output: %w", err)
	}
	return &out, nil
}

const activitySystemInstruction = "You summarize a fixed time window of observed screen activity into a title, " +
	"a one-paragraph summary, a short list of highlights, and a set of candidate sub-events (each with its own " +
	"start/end time inside the window, a kind, and the node ids it covers)."

func buildPrompt(window *store.ActivityWindow, nodes []*store.ContextNode) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Window: %s to %s\n\n", window.WindowStart.Format(time.RFC3339), window.WindowEnd.Format(time.RFC3339))
	b.WriteString("Nodes in this window:\n")
	for _, n := range nodes {
		fmt.Fprintf(&b, "- [%s] %q — %q (app=%q, t=%s)\n", n.ID, n.Title, n.Summary, n.AppContext, n.EventTime.Format(time.RFC3339))
	}
	return b.String()
}
