// Package threadscheduler implements the thread scheduler (C8): batches
// newly-arrived context nodes within a short window, asks the text LLM to
// fold each into an existing thread or mint a new one, and applies the
// result in order (new threads, then updates, then assignments). Each write
// is its own statement, not one transaction.
//
// Grounded on vlmscheduler.Scheduler's claim-build-call-persist shape for
// the overall cycle, generalized from a per-batch claim to a poll-on-a-timer
// claim over unassigned nodes (closer to ocr.Scheduler's ticker+wake loop,
// since there is no single owning batch row to claim against).
package threadscheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/zapdos-labs/mnemora/internal/aiclient"
	"github.com/zapdos-labs/mnemora/internal/eventbus"
	"github.com/zapdos-labs/mnemora/internal/store"
)

// Config holds the thread scheduler's tuning knobs (spec §4.8).
type Config struct {
	MaxActiveThreads      int
	RecentNodesPerThread  int
	FallbackRecentThreads int
	BatchWindow           time.Duration
	GracePeriod           time.Duration
	BatchSize             int
}

func (c *Config) applyDefaults() {
	if c.MaxActiveThreads <= 0 {
		c.MaxActiveThreads = 3
	}
	if c.RecentNodesPerThread <= 0 {
		c.RecentNodesPerThread = 3
	}
	if c.FallbackRecentThreads <= 0 {
		c.FallbackRecentThreads = 1
	}
	if c.BatchWindow <= 0 {
		c.BatchWindow = 10 * time.Second
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = 30 * time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 20
	}
}

// Scheduler batches unassigned context nodes and folds them into threads.
type Scheduler struct {
	store *store.Client
	ai    *aiclient.Client
	bus   *eventbus.Bus
	cfg   Config

	mu          sync.Mutex
	running     bool
	stopCh      chan struct{}
	wakeCh      chan struct{}
	onLifecycle func(event string)
}

// New builds the thread scheduler.
func New(st *store.Client, ai *aiclient.Client, bus *eventbus.Bus, cfg Config) *Scheduler {
	cfg.applyDefaults()
	return &Scheduler{
		store:  st,
		ai:     ai,
		bus:    bus,
		cfg:    cfg,
		stopCh: make(chan struct{}),
		wakeCh: make(chan struct{}, 1),
	}
}

// OnLifecycle registers a callback for started/stopped/cycle events.
func (s *Scheduler) OnLifecycle(fn func(event string)) { s.onLifecycle = fn }

func (s *Scheduler) emit(event string) {
	if s.onLifecycle != nil {
		s.onLifecycle(event)
	}
}

// Start begins the batch-window poll loop. A context-node:created event
// wakes the loop so a burst of newly-arrived nodes doesn't wait a full
// window before getting folded into a thread.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	if s.bus != nil {
		s.bus.Subscribe(eventbus.ChannelContextNodeCreated, func(payload any) {
			if _, ok := payload.(eventbus.ContextNodeCreated); ok {
				s.Wake()
			}
		})
	}

	s.emit("started")
	go s.loop()
}

// Stop halts the poll loop.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()
	close(s.stopCh)
	s.emit("stopped")
}

// Wake requests an out-of-cycle run once the current batch window elapses.
func (s *Scheduler) Wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop() {
	ticker := time.NewTicker(s.cfg.BatchWindow)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.runCycle()
		case <-s.wakeCh:
			// debounce: let a burst of creations settle within one window
			// before folding them, rather than reacting to every single one.
			time.Sleep(s.cfg.BatchWindow)
			s.drainWake()
			s.runCycle()
		}
	}
}

func (s *Scheduler) drainWake() {
	select {
	case <-s.wakeCh:
	default:
	}
}

// runCycle loads the unassigned batch and active/fallback thread context,
// asks the LLM to fold the batch in, and applies the result.
func (s *Scheduler) runCycle() {
	s.emit("cycle:start")
	defer s.emit("cycle:end")

	nodes, err := s.store.UnassignedContextNodes(s.cfg.BatchSize)
	if err != nil {
		log.Printf("[threadscheduler] load unassigned nodes: %v", err)
		return
	}
	if len(nodes) == 0 {
		return
	}

	bundle, err := s.buildBundle(nodes)
	if err != nil {
		log.Printf("[threadscheduler] build prompt bundle: %v", err)
		return
	}

	out, err := s.callLLM(bundle)
	if err != nil {
		log.Printf("[threadscheduler] llm call: %v", err)
		return
	}

	if err := s.apply(nodes, bundle, out); err != nil {
		log.Printf("[threadscheduler] apply result: %v", err)
	}
}

// threadContext is one active or fallback thread as carried in the prompt
// bundle, snapshotted at bundle-build time.
type threadContext struct {
	Thread      *store.Thread
	RecentNodes []*store.ContextNode
}

// promptBundle mirrors spec §4.8's submission shape: newly-arrived nodes
// plus the active (or, failing that, fallback) thread set.
type promptBundle struct {
	Nodes   []*store.ContextNode
	Threads []threadContext
}

func (s *Scheduler) buildBundle(nodes []*store.ContextNode) (*promptBundle, error) {
	active, err := s.store.ActiveThreads(s.cfg.GracePeriod)
	if err != nil {
		return nil, fmt.Errorf("load active threads: %w", err)
	}
	if len(active) > s.cfg.MaxActiveThreads {
		active = active[:s.cfg.MaxActiveThreads]
	}

	var threads []*store.Thread
	if len(active) > 0 {
		threads = active
	} else {
		fallback, err := s.store.RecentInactiveThreads(s.cfg.FallbackRecentThreads)
		if err != nil {
			return nil, fmt.Errorf("load fallback threads: %w", err)
		}
		threads = fallback
	}

	bundle := &promptBundle{Nodes: nodes}
	for _, t := range threads {
		recent, err := s.store.RecentContextNodesByThread(t.ThreadID, s.cfg.RecentNodesPerThread)
		if err != nil {
			return nil, fmt.Errorf("load recent nodes for thread %s: %w", t.ThreadID, err)
		}
		bundle.Threads = append(bundle.Threads, threadContext{Thread: t, RecentNodes: recent})
	}
	return bundle, nil
}

// rawAssignment, rawThreadUpdate, rawNewThread, rawOutput mirror spec §4.8's
// LLM response shape: {assignments[nodeIndex→threadId,reason], threadUpdates[], newThreads[]}.
type rawAssignment struct {
	NodeIndex int    `json:"nodeIndex"`
	ThreadID  string `json:"threadId"`
	Reason    string `json:"reason"`
}

type rawThreadUpdate struct {
	ThreadID     string   `json:"threadId"`
	Title        string   `json:"title,omitempty"`
	Summary      string   `json:"summary,omitempty"`
	CurrentPhase string   `json:"currentPhase,omitempty"`
	CurrentFocus string   `json:"currentFocus,omitempty"`
	Milestones   []string `json:"milestones,omitempty"`
}

type rawNewThread struct {
	ThreadID     string   `json:"threadId"`
	Title        string   `json:"title"`
	Summary      string   `json:"summary,omitempty"`
	CurrentPhase string   `json:"currentPhase,omitempty"`
	CurrentFocus string   `json:"currentFocus,omitempty"`
	Milestones   []string `json:"milestones,omitempty"`
}

type rawOutput struct {
	Assignments   []rawAssignment   `json:"assignments"`
	ThreadUpdates []rawThreadUpdate `json:"threadUpdates,omitempty"`
	NewThreads    []rawNewThread    `json:"newThreads,omitempty"`
}

func (s *Scheduler) callLLM(bundle *promptBundle) (*rawOutput, error) {
	result, err := s.ai.GenerateObject(context.Background(), aiclient.GenerateObjectRequest{
		System:     threadSystemInstruction,
		Prompt:     buildPrompt(bundle),
		Schema:     aiclient.ReflectSchema(rawOutput{}),
		SchemaName: "thread_assignment_output",
		MaxTokens:  1500,
	})
	if err != nil {
		return nil, err
	}

	var out rawOutput
	if err := json.Unmarshal(result.Object, &out); err != nil {
		return nil, fmt.Errorf("parse thread assignment output: %w", err)
	}
	return &out, nil
}

const threadSystemInstruction = "You fold newly-observed activity nodes into ongoing threads of work. " +
	"A thread is a continuing activity (a task, a project, a conversation) spanning multiple nodes over time. " +
	"Assign each node to an existing thread when it continues that thread's activity, or start a new thread " +
	"when it begins something unrelated to every thread shown. Update a thread's rolling summary/phase/focus " +
	"only when the new nodes meaningfully change it."

func buildPrompt(bundle *promptBundle) string {
	var b strings.Builder
	b.WriteString("Existing threads (index-addressed by threadId):\n")
	for _, tc := range bundle.Threads {
		fmt.Fprintf(&b, "- %s: %q (phase=%q focus=%q)\n", tc.Thread.ThreadID, tc.Thread.Title, tc.Thread.CurrentPhase, tc.Thread.CurrentFocus)
		for _, n := range tc.RecentNodes {
			fmt.Fprintf(&b, "    recent: %q — %q\n", n.Title, n.Summary)
		}
	}
	b.WriteString("\nNew nodes to assign (by index):\n")
	for i, n := range bundle.Nodes {
		fmt.Fprintf(&b, "%d: %q — %q (app=%q)\n", i, n.Title, n.Summary, n.AppContext)
	}
	return b.String()
}

// apply applies the LLM's result in order: new threads first, then
// updates, then assignments (spec §4.8). Each store call commits on its
// own; an error partway through leaves the earlier writes in place.
func (s *Scheduler) apply(nodes []*store.ContextNode, bundle *promptBundle, out *rawOutput) error {
	threadByID := make(map[string]*store.Thread, len(bundle.Threads))
	for _, tc := range bundle.Threads {
		threadByID[tc.Thread.ThreadID] = tc.Thread
	}

	now := time.Now()

	for _, nt := range out.NewThreads {
		if nt.ThreadID == "" {
			continue
		}
		t := &store.Thread{
			ThreadID: nt.ThreadID, Title: nt.Title, Summary: nt.Summary,
			CurrentPhase: nt.CurrentPhase, CurrentFocus: nt.CurrentFocus,
			Milestones: nt.Milestones, LastEventTs: now, Status: store.ThreadActive,
		}
		if err := s.store.UpsertThread(t); err != nil {
			return fmt.Errorf("insert new thread %s: %w", nt.ThreadID, err)
		}
		threadByID[t.ThreadID] = t
	}

	for _, tu := range out.ThreadUpdates {
		existing, ok := threadByID[tu.ThreadID]
		if !ok {
			continue
		}
		updated := *existing
		if tu.Title != "" {
			updated.Title = tu.Title
		}
		if tu.Summary != "" {
			updated.Summary = tu.Summary
		}
		if tu.CurrentPhase != "" {
			updated.CurrentPhase = tu.CurrentPhase
		}
		if tu.CurrentFocus != "" {
			updated.CurrentFocus = tu.CurrentFocus
		}
		if len(tu.Milestones) > 0 {
			updated.Milestones = tu.Milestones
		}
		updated.LastEventTs = now
		updated.Status = store.ThreadActive
		if err := s.store.UpsertThread(&updated); err != nil {
			return fmt.Errorf("update thread %s: %w", tu.ThreadID, err)
		}
		threadByID[tu.ThreadID] = &updated
	}

	for _, a := range out.Assignments {
		if a.NodeIndex < 0 || a.NodeIndex >= len(nodes) {
			log.Printf("[threadscheduler] assignment references out-of-range node index %d, skipping", a.NodeIndex)
			continue
		}
		t, ok := threadByID[a.ThreadID]
		if !ok {
			log.Printf("[threadscheduler] assignment references unknown thread %s, skipping", a.ThreadID)
			continue
		}
		node := nodes[a.NodeIndex]
		snapshot := snapshotThread(t)
		if err := s.store.AssignThread(node.ID, t.ThreadID, snapshot); err != nil {
			return fmt.Errorf("assign node %s to thread %s: %w", node.ID, t.ThreadID, err)
		}
	}
	return nil
}

// snapshotThread captures the fields needed for long-event detection (spec
// §4.8/§4.9) without a later reader having to re-read mutable thread state.
func snapshotThread(t *store.Thread) map[string]any {
	return map[string]any{
		"threadId":     t.ThreadID,
		"title":        t.Title,
		"currentPhase": t.CurrentPhase,
		"currentFocus": t.CurrentFocus,
		"lastEventTs":  t.LastEventTs,
	}
}
