// Package ocr implements the OCR scheduler (C7): a bounded worker pool that
// claims context nodes awaiting text extraction, crops and preprocesses
// their source screenshot, runs tesseract, and stores + reindexes the
// result.
//
// Grounded on relay/cv/frame_extractor.go's os/exec-driven external-process
// pipeline for the tesseract invocation, and on scheduler.Runner's
// claim/retry vocabulary for the underlying context_nodes row lifecycle —
// but C7 uses its own bounded worker-pool dispatch (acquireWorker/
// releaseWorker over a channel of pool slots) rather than scheduler.Runner's
// lane-split dispatcher, matching the spec's FIFO-with-wait-queue shape
// instead of the realtime/recovery lane split C5 defines for the other
// schedulers.
package ocr

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/zapdos-labs/mnemora/internal/eventbus"
	"github.com/zapdos-labs/mnemora/internal/store"
)

// recognizer is satisfied by *engine; an interface so tests can substitute a
// fake instead of shelling out to a real tesseract binary.
type recognizer interface {
	recognize(ctx context.Context, img image.Image) (string, error)
}

const (
	maxAttempts  = 2
	retryBackoff = 60 * time.Second
)

// Config holds the OCR scheduler's tuning knobs (spec §4.7, config defaults
// ocr_concurrency/ocr_languages/ocr_max_chars/ocr_binary).
type Config struct {
	Concurrency  int
	Languages    string
	MaxChars     int
	Binary       string
	PollInterval time.Duration
}

// Scheduler is the OCR worker pool.
type Scheduler struct {
	store *store.Client
	bus   *eventbus.Bus
	cfg   Config

	pool chan recognizer // acquireWorker/releaseWorker slots (spec §4.7)

	mu          sync.Mutex
	running     bool
	stopCh      chan struct{}
	wakeCh      chan struct{}
	onLifecycle func(event string)
}

// New builds the OCR scheduler and its worker pool.
func New(st *store.Client, bus *eventbus.Bus, cfg Config) *Scheduler {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = 8000
	}
	if cfg.Languages == "" {
		cfg.Languages = "eng+chi_sim"
	}
	if cfg.Binary == "" {
		cfg.Binary = "tesseract"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}

	pool := make(chan recognizer, cfg.Concurrency)
	for i := 0; i < cfg.Concurrency; i++ {
		pool <- newEngine(cfg.Binary, cfg.Languages)
	}

	return &Scheduler{
		store:  st,
		bus:    bus,
		cfg:    cfg,
		pool:   pool,
		stopCh: make(chan struct{}),
		wakeCh: make(chan struct{}, 1),
	}
}

// OnLifecycle registers a callback for started/stopped/cycle events (spec §6
// observability, mirroring scheduler.Runner.OnLifecycle).
func (s *Scheduler) OnLifecycle(fn func(event string)) { s.onLifecycle = fn }

func (s *Scheduler) emit(event string) {
	if s.onLifecycle != nil {
		s.onLifecycle(event)
	}
}

// Start begins the poll loop. Subscribes to context-node:created so a fresh
// OCR-eligible node wakes the loop immediately instead of waiting a full
// poll interval.
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
			evt, ok := payload.(eventbus.ContextNodeCreated)
			if ok && evt.RequiresOCR {
				s.Wake()
			}
		})
	}

	s.emit("started")
	go s.loop()
}

// Stop halts the poll loop. In-flight tasks finish naturally.
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

// Wake requests an out-of-cycle poll.
func (s *Scheduler) Wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop() {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.runCycle()
		case <-s.wakeCh:
			s.runCycle()
		}
	}
}

// runCycle claims as many eligible nodes as there are worker slots (plus
// headroom so a slow task doesn't stall the claim), and dispatches each to
// the pool.
func (s *Scheduler) runCycle() {
	s.emit("cycle:start")
	defer s.emit("cycle:end")

	ids, err := s.store.ClaimContextNodesForOCR(s.cfg.Concurrency*3, maxAttempts)
	if err != nil {
		log.Printf("[ocr] claim failed: %v", err)
		return
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		w := s.acquireWorker()
		wg.Add(1)
		go func(id string, w recognizer) {
			defer wg.Done()
			defer s.releaseWorker(w)
			s.processOne(id, w)
		}(id, w)
	}
	wg.Wait()
}

// acquireWorker blocks (the wait-queue) until a pool slot is free.
func (s *Scheduler) acquireWorker() recognizer { return <-s.pool }

func (s *Scheduler) releaseWorker(w recognizer) { s.pool <- w }

func (s *Scheduler) processOne(id string, w recognizer) {
	n, text, err := s.recognizeNode(id, w)
	if err != nil {
		log.Printf("[ocr] node %s failed: %v", id, err)
		if failErr := s.store.FailContextNodeOCR(id, maxAttempts, time.Now().Add(retryBackoff)); failErr != nil {
			log.Printf("[ocr] recording failure for %s: %v", id, failErr)
		}
		return
	}

	if err := s.store.CompleteContextNodeOCR(id, text); err != nil {
		log.Printf("[ocr] completing node %s: %v", id, err)
		return
	}

	body := buildFTSBody(n, text)
	if err := s.store.IndexScreenshotText(n.ScreenshotID, body); err != nil {
		log.Printf("[ocr] reindexing fts for screenshot %s: %v", n.ScreenshotID, err)
	}
}

func (s *Scheduler) recognizeNode(id string, w recognizer) (*store.ContextNode, string, error) {
	n, err := s.store.GetContextNode(id)
	if err != nil {
		return nil, "", fmt.Errorf("load context node: %w", err)
	}
	if n == nil {
		return nil, "", fmt.Errorf("context node %s vanished after claim", id)
	}

	sc, err := s.store.GetScreenshot(n.ScreenshotID)
	if err != nil {
		return nil, "", fmt.Errorf("load screenshot: %w", err)
	}
	if sc == nil || sc.FilePath == "" {
		return nil, "", fmt.Errorf("screenshot %s has no file", n.ScreenshotID)
	}

	data, err := os.ReadFile(sc.FilePath)
	if err != nil {
		return nil, "", fmt.Errorf("read screenshot file: %w", err)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("decode screenshot image: %w", err)
	}

	prepared := prepareForOCR(img, toRegion(n.TextRegion))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	raw, err := w.recognize(ctx, prepared)
	if err != nil {
		return nil, "", err
	}

	text := strings.TrimSpace(raw)
	if r := []rune(text); len(r) > s.cfg.MaxChars {
		text = string(r[:s.cfg.MaxChars])
	}
	return n, text, nil
}

func toRegion(r *store.TextRegion) *region {
	if r == nil {
		return nil
	}
	return &region{Left: r.Left, Top: r.Top, Width: r.Width, Height: r.Height}
}

// buildFTSBody concatenates the searchable text for a screenshot's FTS row
// (spec §4.7: "reindex the FTS row for the screenshot").
func buildFTSBody(n *store.ContextNode, ocrText string) string {
	var b strings.Builder
	b.WriteString(n.Title)
	b.WriteString(" ")
	b.WriteString(n.Summary)
	for _, kw := range n.Keywords {
		b.WriteString(" ")
		b.WriteString(kw)
	}
	b.WriteString(" ")
	b.WriteString(ocrText)
	return b.String()
}
