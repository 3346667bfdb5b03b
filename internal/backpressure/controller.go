// Package backpressure implements the adaptive backpressure controller
// (C13): every check interval it reads the pending+running batch count,
// maps it to a pressure level, and pushes the level's settings out to the
// capture pacer (interval) and the source buffer registry (pHash
// threshold).
//
// Grounded on moby's containerimage pull adapter, which paces a retry loop
// with a golang.org/x/time/rate.Limiter built via rate.Every(...) rather
// than a raw time.Sleep — the same idiom is used here for CapturePacer,
// with SetLimit called whenever the level changes instead of constructing a
// new limiter.
package backpressure

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/zapdos-labs/mnemora/internal/capture"
	"github.com/zapdos-labs/mnemora/internal/eventbus"
	"github.com/zapdos-labs/mnemora/internal/store"
)

// Level is one of the four named pressure tiers (spec §4.13).
type Level string

const (
	LevelNormal Level = "normal"
	LevelLight  Level = "light"
	LevelMedium Level = "medium"
	LevelHeavy  Level = "heavy"
)

// settings holds one level's effect on capture interval and dedup
// aggressiveness.
type settings struct {
	level               Level
	pendingAtMost       int // inclusive upper bound; LevelHeavy has no bound
	captureIntervalMult int
	phashThreshold      int
}

// levelTable is checked top-to-bottom; the first row whose pendingAtMost
// bound holds wins (spec §4.13's table, heavy has no bound).
var levelTable = []settings{
	{LevelNormal, 3, 1, 8},
	{LevelLight, 7, 1, 9},
	{LevelMedium, 11, 2, 10},
	{LevelHeavy, -1, 4, 11},
}

func levelFor(pending int) settings {
	for _, s := range levelTable {
		if s.pendingAtMost < 0 || pending <= s.pendingAtMost {
			return s
		}
	}
	return levelTable[len(levelTable)-1]
}

func rank(l Level) int {
	for i, s := range levelTable {
		if s.level == l {
			return i
		}
	}
	return 0
}

// Config holds C13's tunables (spec §4.13).
type Config struct {
	CheckInterval          time.Duration
	RecoveryHysteresis     time.Duration
	RecoveryBatchThreshold int
	BaseCaptureInterval    time.Duration
}

func (c *Config) applyDefaults() {
	if c.CheckInterval <= 0 {
		c.CheckInterval = 5 * time.Second
	}
	if c.RecoveryHysteresis <= 0 {
		c.RecoveryHysteresis = 30 * time.Second
	}
	if c.RecoveryBatchThreshold <= 0 {
		c.RecoveryBatchThreshold = 2
	}
	if c.BaseCaptureInterval <= 0 {
		c.BaseCaptureInterval = 2 * time.Second
	}
}

// CapturePacer exposes a rate-limited Wait the (platform-specific) capture
// driver calls before each capture attempt; the limiter's rate is retuned
// in place whenever the level changes rather than rebuilt.
type CapturePacer struct {
	mu      sync.RWMutex
	limiter *rate.Limiter
}

func newCapturePacer(interval time.Duration) *CapturePacer {
	return &CapturePacer{limiter: rate.NewLimiter(rate.Every(interval), 1)}
}

// Wait blocks until the pacer's current interval allows the next capture.
func (p *CapturePacer) Wait(ctx context.Context) error {
	p.mu.RLock()
	l := p.limiter
	p.mu.RUnlock()
	return l.Wait(ctx)
}

func (p *CapturePacer) setInterval(interval time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.limiter.SetLimit(rate.Every(interval))
}

// Controller is C13: polls the batch queue depth and retunes the capture
// pacer and the source buffer registry's pHash threshold.
type Controller struct {
	store    *store.Client
	registry *capture.Registry
	bus      *eventbus.Bus
	cfg      Config
	pacer    *CapturePacer

	mu               sync.Mutex
	current          Level
	pendingLevel     Level
	pendingSince     time.Time
	pendingCycles    int
	running          bool
	stopCh           chan struct{}
	wg               sync.WaitGroup
}

// New builds a Controller. On each level change the controller reads
// registry's current Config and writes it back with only PHashThreshold
// changed, so BatchMinSize/BatchTimeout/GracePeriod are preserved.
func New(st *store.Client, registry *capture.Registry, bus *eventbus.Bus, cfg Config) *Controller {
	cfg.applyDefaults()
	return &Controller{
		store:    st,
		registry: registry,
		bus:      bus,
		cfg:      cfg,
		pacer:    newCapturePacer(cfg.BaseCaptureInterval),
		current:  LevelNormal,
		stopCh:   make(chan struct{}),
	}
}

// Pacer returns the capture pacer the capture driver should Wait on.
func (c *Controller) Pacer() *CapturePacer { return c.pacer }

// Start begins the check loop.
func (c *Controller) Start() {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.mu.Unlock()

	c.wg.Add(1)
	go c.loop()
}

// Stop halts the check loop.
func (c *Controller) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.mu.Unlock()

	close(c.stopCh)
	c.wg.Wait()
}

func (c *Controller) loop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			if err := c.checkOnce(); err != nil {
				log.Printf("[backpressure] check failed: %v", err)
			}
		}
	}
}

// checkOnce reads the queue depth and transitions the level if warranted
// (spec §4.13: downgrades to higher pressure apply immediately; upgrades to
// lower pressure require RecoveryHysteresis and RecoveryBatchThreshold
// consecutive cycles to agree).
func (c *Controller) checkOnce() error {
	pending, err := c.store.PendingOrRunningBatchCount()
	if err != nil {
		return err
	}
	target := levelFor(pending).level

	c.mu.Lock()
	defer c.mu.Unlock()

	if rank(target) > rank(c.current) {
		// More pressure: apply immediately, reset any pending recovery.
		c.transitionLocked(target)
		c.pendingLevel = ""
		c.pendingCycles = 0
		return nil
	}

	if target == c.current {
		c.pendingLevel = ""
		c.pendingCycles = 0
		return nil
	}

	// Less pressure than current: needs sustained agreement.
	if c.pendingLevel != target {
		c.pendingLevel = target
		c.pendingSince = time.Now()
		c.pendingCycles = 1
		return nil
	}
	c.pendingCycles++
	if time.Since(c.pendingSince) >= c.cfg.RecoveryHysteresis && c.pendingCycles >= c.cfg.RecoveryBatchThreshold {
		c.transitionLocked(target)
		c.pendingLevel = ""
		c.pendingCycles = 0
	}
	return nil
}

func (c *Controller) transitionLocked(target Level) {
	if target == c.current {
		return
	}
	s := levelFor(0)
	for _, row := range levelTable {
		if row.level == target {
			s = row
			break
		}
	}

	c.current = target
	interval := c.cfg.BaseCaptureInterval * time.Duration(s.captureIntervalMult)
	c.pacer.setInterval(interval)

	cfg := c.registry.Config()
	cfg.PHashThreshold = s.phashThreshold
	c.registry.SetConfig(cfg)

	c.bus.Publish(eventbus.ChannelBackpressureChanged, eventbus.BackpressureChanged{
		Level:               string(target),
		CaptureIntervalMult: s.captureIntervalMult,
		PHashThreshold:      s.phashThreshold,
	})
	log.Printf("[backpressure] level -> %s (interval x%d, phash threshold %d)", target, s.captureIntervalMult, s.phashThreshold)
}

// CurrentLevel reports the controller's current level.
func (c *Controller) CurrentLevel() Level {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}
