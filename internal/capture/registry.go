// Package capture implements the per-source buffer registry (spec §4.2):
// accepted screenshots are deduplicated by perceptual hash, queued per
// source, and drained into a "batch:ready" event once a size or timeout
// predicate fires.
//
// Grounded on server/webrtc/batch_manager.go's BatchManager: a
// mutex-guarded map keyed by source, a processing/reentrancy guard per key,
// and a periodic flush independent of new input. That file batches frames
// for immediate VLM dispatch; this one batches screenshots for persistence,
// so draining emits an event rather than calling out to a VLM client
// directly.
package capture

import (
	"log"
	"sync"
	"time"

	"github.com/zapdos-labs/mnemora/internal/eventbus"
	"github.com/zapdos-labs/mnemora/internal/phash"
)

// Rejection reasons (spec §7's InputRejected kind).
const (
	ReasonSourceInactive = "source_inactive"
	ReasonDuplicate      = "duplicate"
	ReasonDecodeFailed   = "decode_failed"
)

// RejectedError reports why an Add call did not accept a screenshot.
type RejectedError struct {
	Reason string
	Cause  error
}

func (e *RejectedError) Error() string {
	if e.Cause != nil {
		return e.Reason + ": " + e.Cause.Error()
	}
	return e.Reason
}

func (e *RejectedError) Unwrap() error { return e.Cause }

// Input is a single accepted-or-rejected capture-complete result (spec §6's
// capture:complete payload, routed one entry at a time through C2).
type Input struct {
	SourceKey   string
	Ts          time.Time
	Data        []byte // raw image bytes; PHash is computed from this if PHash is empty
	PHash       string
	FilePath    string
	AppHint     string
	WindowTitle string
	Width       int
	Height      int
}

// Persist is the injected callback that durably stores an accepted
// screenshot and returns its id (spec §4.2 step 4). The registry never
// talks to the store directly — that keeps C2 tied to the pure buffering
// logic rather than to database/sql.
type Persist func(in Input) (id string, err error)

// sourceBuffer is the per-source accumulation state (spec §4.2: "mapping
// sourceKey -> SourceBuffer{screenshots[], lastPHash?, lastSeenAt,
// batchStartTs?}").
type sourceBuffer struct {
	screenshotIDs []string
	lastPHash     string
	lastSeenAt    time.Time
	batchStartTs  time.Time
	lastSeenWall  time.Time // for the 60s active-set grace period
}

// Config holds C2's tunables; all are live-updatable via SetConfig so C13
// (backpressure) can retune threshold/timeout without recreating the
// registry.
type Config struct {
	BatchMinSize   int
	BatchTimeout   time.Duration
	PHashThreshold int
	GracePeriod    time.Duration
}

// Registry is the per-source buffer registry (C2). The zero value is not
// usable; use New.
type Registry struct {
	mu sync.Mutex

	cfg Config

	buffers       map[string]*sourceBuffer
	activeSources map[string]bool
	processing    bool // reentrancy guard for processReadyBatches
	deferredWake  bool // a timeout/wake arrived while processing

	persist Persist
	bus     *eventbus.Bus

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a Registry. activeSources should be populated via
// SetActiveSources before the first Add (an empty set rejects everything).
func New(cfg Config, persist Persist, bus *eventbus.Bus) *Registry {
	return &Registry{
		cfg:           cfg,
		buffers:       make(map[string]*sourceBuffer),
		activeSources: make(map[string]bool),
		persist:       persist,
		bus:           bus,
		stopCh:        make(chan struct{}),
	}
}

// SetConfig atomically replaces the registry's tunables.
func (r *Registry) SetConfig(cfg Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg = cfg
}

// Config returns a copy of the registry's current tunables, so a caller
// that only wants to change one field (C13 only ever touches
// PHashThreshold) can read-modify-write without clobbering the rest.
func (r *Registry) Config() Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg
}

// SetActiveSources replaces the active-source set (spec §4.2: refreshed
// from capture preferences on "preferences:changed"; empty selection means
// "all displays" is the caller's responsibility to resolve before calling
// this). Sources dropped from the set are not evicted immediately — they
// are pruned by pruneInactive after GracePeriod, per spec.
func (r *Registry) SetActiveSources(keys []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := make(map[string]bool, len(keys))
	for _, k := range keys {
		next[k] = true
	}
	r.activeSources = next
}

// Start launches the periodic ticker that re-evaluates ready buffers even
// absent new captures (spec §4.2: "a periodic ticker at batchTimeoutMs
// cadence re-evaluates to flush idle buffers").
func (r *Registry) Start() {
	r.wg.Add(1)
	go r.tickLoop()
}

// Stop halts the periodic ticker.
func (r *Registry) Stop() {
	close(r.stopCh)
	r.wg.Wait()
}

func (r *Registry) tickLoop() {
	defer r.wg.Done()
	for {
		r.mu.Lock()
		interval := r.cfg.BatchTimeout
		r.mu.Unlock()
		if interval <= 0 {
			interval = time.Minute
		}

		timer := time.NewTimer(interval)
		select {
		case <-timer.C:
			r.processReadyBatches()
			r.pruneInactive()
		case <-r.stopCh:
			timer.Stop()
			return
		}
	}
}

// Add implements C2's add(input) contract (spec §4.2, steps 1-6). Callers
// must serialize calls to Add for correctness of the ready-predicate
// evaluation (the registry itself does not reorder input).
func (r *Registry) Add(in Input) (string, error) {
	if in.PHash == "" {
		h, err := phash.Compute(in.Data)
		if err != nil {
			return "", &RejectedError{Reason: ReasonDecodeFailed, Cause: err}
		}
		in.PHash = h
	}

	r.mu.Lock()

	if !r.activeSources[in.SourceKey] {
		r.mu.Unlock()
		return "", &RejectedError{Reason: ReasonSourceInactive}
	}

	buf := r.buffers[in.SourceKey]
	if buf == nil {
		buf = &sourceBuffer{}
		r.buffers[in.SourceKey] = buf
	}

	if phash.IsDuplicate(in.PHash, buf.lastPHash, r.cfg.PHashThreshold) {
		r.mu.Unlock()
		return "", &RejectedError{Reason: ReasonDuplicate}
	}
	r.mu.Unlock()

	// Persist outside the lock: I/O (disk/db) must not block other sources'
	// Add calls, and the callback has no need of registry-internal state.
	id, err := r.persist(in)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	buf.screenshotIDs = append(buf.screenshotIDs, id)
	buf.lastPHash = in.PHash
	buf.lastSeenAt = in.Ts
	buf.lastSeenWall = time.Now()
	if buf.batchStartTs.IsZero() {
		buf.batchStartTs = in.Ts
	}
	ready := r.isReady(buf)
	r.mu.Unlock()

	if ready {
		r.processReadyBatches()
	}

	return id, nil
}

func (r *Registry) isReady(buf *sourceBuffer) bool {
	if len(buf.screenshotIDs) >= r.cfg.BatchMinSize {
		return true
	}
	if !buf.batchStartTs.IsZero() && time.Since(buf.batchStartTs) >= r.cfg.BatchTimeout {
		return true
	}
	return false
}

// processReadyBatches drains every source whose buffer is ready and emits
// batch:ready for each. Guarded by a reentrancy flag (spec §4.2: "timeouts
// arriving during a drain are deferred").
func (r *Registry) processReadyBatches() {
	r.mu.Lock()
	if r.processing {
		r.deferredWake = true
		r.mu.Unlock()
		return
	}
	r.processing = true
	r.mu.Unlock()

	for {
		type drained struct {
			sourceKey string
			ids       []string
			trigger   string
		}
		var batches []drained

		r.mu.Lock()
		for sourceKey, buf := range r.buffers {
			if !r.isReady(buf) || len(buf.screenshotIDs) == 0 {
				continue
			}
			trigger := "size"
			if len(buf.screenshotIDs) < r.cfg.BatchMinSize {
				trigger = "timeout"
			}
			ids := buf.screenshotIDs
			buf.screenshotIDs = nil
			buf.batchStartTs = time.Time{}
			batches = append(batches, drained{sourceKey: sourceKey, ids: ids, trigger: trigger})
		}
		r.deferredWake = false
		r.mu.Unlock()

		for _, b := range batches {
			log.Printf("[capture] draining source %s: %d screenshots (trigger=%s)", b.sourceKey, len(b.ids), b.trigger)
			r.bus.Publish(eventbus.ChannelBatchReady, eventbus.BatchReady{
				SourceKey:     b.sourceKey,
				ScreenshotIDs: b.ids,
				Trigger:       b.trigger,
			})
		}

		r.mu.Lock()
		wake := r.deferredWake
		if !wake {
			r.processing = false
		}
		r.mu.Unlock()
		if !wake {
			return
		}
	}
}

// pruneInactive drops buffers for sources that have been out of the active
// set for longer than GracePeriod, discarding any pending screenshots
// (spec §4.2: "kept for a 60s grace period, then dropped").
func (r *Registry) pruneInactive() {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	for sourceKey, buf := range r.buffers {
		if r.activeSources[sourceKey] {
			continue
		}
		if now.Sub(buf.lastSeenWall) >= r.cfg.GracePeriod {
			delete(r.buffers, sourceKey)
			log.Printf("[capture] pruned inactive source %s after grace period", sourceKey)
		}
	}
}
