// Package airuntime implements the AI runtime service (C12): per-capability
// concurrency gating, an AIMD tuner that adapts each capability's effective
// limit to observed failure rates, and an optional failure circuit breaker.
//
// Grounded on server/models/{client,registry}.go's model-info cache shape
// (a small mutex-guarded map keyed by capability/model) and on the teacher's
// use of golang.org/x/sync indirectly; here it becomes the direct, exercised
// dependency gating every VLM/text/embedding call made by C6/C8/C10/C14.
package airuntime

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// Capability names the three AI call shapes gated by the runtime.
type Capability string

const (
	CapabilityVLM       Capability = "vlm"
	CapabilityText      Capability = "text"
	CapabilityEmbedding Capability = "embedding"
)

const (
	aimdWindow               = 20
	aimdFailureRateThreshold = 0.2
	// aimdMinSamples is how many results the window must hold before the
	// failure-rate rule applies, so a lone early failure (rate 1.0) does not
	// halve the limit on its own.
	aimdMinSamples           = 5
	aimdConsecutiveFailures  = 2
	aimdConsecutiveSuccesses = 20
	aimdCooldown             = 30 * time.Second
	aimdRecoveryStep         = 1
	adaptiveMinConcurrency   = 1
)

// ErrBreakerOpen is returned by Acquire when a capability's circuit breaker
// is open; callers treat this as a retryable error (spec §4.12).
var ErrBreakerOpen = fmt.Errorf("airuntime: breaker open")

// CapConfig is one capability's static configuration.
type CapConfig struct {
	MaxConcurrency int
	BreakerEnabled bool
	// BreakerCooldown is how long the breaker stays open before allowing a
	// single trial acquire through (half-open probe).
	BreakerCooldown time.Duration
}

type capState struct {
	mu  sync.Mutex
	sem *semaphore.Weighted

	max     int
	limit   int
	results []bool // ring buffer of recent outcomes, true=success
	head    int

	consecutiveFailures  int
	consecutiveSuccesses int
	lastAdjustAt         time.Time

	breakerEnabled  bool
	breakerCooldown time.Duration
	breakerOpen     bool
	breakerOpenedAt time.Time
}

// Runtime is the shared AI runtime service: one Runtime instance per
// process, shared by every scheduler and the search pipeline.
type Runtime struct {
	mu   sync.RWMutex
	caps map[Capability]*capState
}

// New builds a Runtime from per-capability configuration. Capabilities not
// present in cfg default to MaxConcurrency=1 with the breaker disabled.
func New(cfg map[Capability]CapConfig) *Runtime {
	r := &Runtime{caps: make(map[Capability]*capState)}
	for _, cap := range []Capability{CapabilityVLM, CapabilityText, CapabilityEmbedding} {
		c := cfg[cap]
		if c.MaxConcurrency <= 0 {
			c.MaxConcurrency = 1
		}
		if c.BreakerCooldown <= 0 {
			c.BreakerCooldown = 60 * time.Second
		}
		r.caps[cap] = &capState{
			sem:             semaphore.NewWeighted(int64(c.MaxConcurrency)),
			max:             c.MaxConcurrency,
			limit:           c.MaxConcurrency,
			results:         make([]bool, 0, aimdWindow),
			breakerEnabled:  c.BreakerEnabled,
			breakerCooldown: c.BreakerCooldown,
		}
	}
	return r
}

func (r *Runtime) state(cap Capability) *capState {
	r.mu.RLock()
	s, ok := r.caps[cap]
	r.mu.RUnlock()
	if ok {
		return s
	}
	// Unconfigured capability: lazily create a conservative default so
	// callers never need a nil check.
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.caps[cap]; ok {
		return s
	}
	s = &capState{sem: semaphore.NewWeighted(1), max: 1, limit: 1}
	r.caps[cap] = s
	return s
}

// Acquire blocks until a slot for cap is available (bounded by the
// capability's current AIMD-adjusted limit), or returns ErrBreakerOpen if
// the breaker is open and not yet due for a half-open probe. The returned
// release func must be called exactly once.
func (r *Runtime) Acquire(ctx context.Context, cap Capability) (release func(), err error) {
	s := r.state(cap)

	s.mu.Lock()
	if s.breakerEnabled && s.breakerOpen {
		if time.Since(s.breakerOpenedAt) < s.breakerCooldown {
			s.mu.Unlock()
			return nil, ErrBreakerOpen
		}
		// Cooldown elapsed: allow one probe through, breaker stays "open"
		// for other callers until this probe records a result.
		s.breakerOpenedAt = time.Now()
		log.Printf("[airuntime] %s breaker half-open probe", cap)
	}
	s.mu.Unlock()

	s.mu.Lock()
	sem := s.sem
	s.mu.Unlock()

	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("airuntime: acquire %s: %w", cap, err)
	}
	return func() { sem.Release(1) }, nil
}

// RecordSuccess feeds a successful call into the AIMD window and closes the
// breaker if it was open (the half-open probe passed).
func (r *Runtime) RecordSuccess(cap Capability) {
	s := r.state(cap)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pushResult(true)
	s.consecutiveFailures = 0
	s.consecutiveSuccesses++

	if s.breakerOpen {
		s.breakerOpen = false
		log.Printf("[airuntime] %s breaker closed after successful probe", cap)
	}

	if s.consecutiveSuccesses >= aimdConsecutiveSuccesses && s.limit < s.max &&
		time.Since(s.lastAdjustAt) >= aimdCooldown {
		s.limit = minInt(s.max, s.limit+aimdRecoveryStep)
		s.resize()
		s.lastAdjustAt = time.Now()
		s.consecutiveSuccesses = 0
		log.Printf("[airuntime] %s limit raised to %d", cap, s.limit)
	}
}

// RecordFailure feeds a failed call into the AIMD window, possibly halving
// the capability's limit, and optionally trips the breaker.
func (r *Runtime) RecordFailure(cap Capability, causeErr error, tripBreaker bool) {
	s := r.state(cap)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pushResult(false)
	s.consecutiveFailures++
	s.consecutiveSuccesses = 0

	if s.consecutiveFailures >= aimdConsecutiveFailures ||
		(len(s.results) >= aimdMinSamples && s.failureRate() > aimdFailureRateThreshold) {
		prev := s.limit
		s.limit = maxInt(adaptiveMinConcurrency, s.limit/2)
		if s.limit != prev {
			s.resize()
			s.lastAdjustAt = time.Now()
			log.Printf("[airuntime] %s limit halved to %d (cause: %v)", cap, s.limit, causeErr)
		}
	}

	if tripBreaker && s.breakerEnabled && !s.breakerOpen {
		s.breakerOpen = true
		s.breakerOpenedAt = time.Now()
		log.Printf("[airuntime] %s breaker opened: %v", cap, causeErr)
	}
}

// GetLimit returns the capability's current AIMD-adjusted effective limit.
func (r *Runtime) GetLimit(cap Capability) int {
	s := r.state(cap)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.limit
}

// pushResult appends to the fixed-size ring buffer, must be called with s.mu held.
func (s *capState) pushResult(ok bool) {
	if len(s.results) < aimdWindow {
		s.results = append(s.results, ok)
		return
	}
	s.results[s.head] = ok
	s.head = (s.head + 1) % aimdWindow
}

func (s *capState) failureRate() float64 {
	if len(s.results) == 0 {
		return 0
	}
	failures := 0
	for _, ok := range s.results {
		if !ok {
			failures++
		}
	}
	return float64(failures) / float64(len(s.results))
}

// resize rebuilds the semaphore for the new limit. Acquires already in
// flight against the old semaphore are unaffected; only subsequent Acquire
// calls observe the new bound. Must be called with s.mu held.
func (s *capState) resize() {
	s.sem = semaphore.NewWeighted(int64(s.limit))
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
