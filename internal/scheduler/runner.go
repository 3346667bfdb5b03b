// Package scheduler implements the shared scheduler framework (C5, spec
// §4.5): a tick/wake loop with stale-row recovery, CAS claiming, a
// realtime/recovery lane splitter, and retry/backoff. The VLM, timeline and
// vector-document embedding/indexing schedulers are instantiations of
// Runner over a TableSpec plus a domain Process callback; the OCR and
// thread schedulers run their own ticker+wake loops.
//
// Grounded on server/webrtc/batch_manager.go's processing-lock +
// reentrancy-guarded drain loop, generalized from "one buffer per service"
// to "one claimable row set per status column", and on
// relay/cv/frame_extractor.go's worker-pool-with-bounded-concurrency shape
// for the lane dispatcher.
package scheduler

import (
	"database/sql"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"
)

const (
	// MinDelay is the tick framework's floor on scheduleSoon (spec §4.5).
	MinDelay = 5 * time.Second
	// StaleRunningThreshold is how long a "running" row may sit
	// unmodified before a sweep reclaims it (spec §4.5).
	StaleRunningThreshold = 5 * time.Minute
	// RetryDelay is the backoff applied to a failed-but-retryable row.
	RetryDelay = 60 * time.Second
	// LaneRecoveryAge is the cutoff below which a zero-attempt row is
	// "realtime" rather than "recovery" (spec §4.5).
	LaneRecoveryAge = 10 * time.Minute
)

// LaneWeights is the realtime:recovery dispatch ratio (spec §4.5 example).
type LaneWeights struct {
	Realtime int
	Recovery int
}

// DefaultLaneWeights matches spec §4.5's example weighting.
var DefaultLaneWeights = LaneWeights{Realtime: 3, Recovery: 1}

// TableSpec describes the claimable-row shape for one scheduler instance.
// All column names are trusted (not user input) — they come from this
// package's own call sites, never from request data.
type TableSpec struct {
	Table           string
	IDColumn        string
	StatusColumn    string
	AttemptsColumn  string
	NextRunAtColumn string
	UpdatedAtColumn string
	AgeColumn       string // used for realtime/recovery age and FIFO ordering
	ExtraWhere      string // optional additional SQL condition, ANDed in
	MaxAttempts     int
}

// Candidate is one eligible-but-unclaimed row, read before lane splitting.
type Candidate struct {
	ID       string
	Attempts int
	Age      time.Time
}

// Process is the domain callback invoked for a claimed row. A non-nil error
// routes the row to the retry/backoff policy.
type Process func(id string) error

// Runner drives one TableSpec through the tick/wake/claim/lane/retry cycle.
// The zero value is not usable; use New.
type Runner struct {
	name string
	db   *sql.DB
	spec TableSpec
	work Process

	defaultInterval time.Duration
	concurrency     int
	weights         LaneWeights

	mu            sync.Mutex
	isRunning     bool
	isProcessing  bool
	wakeRequested bool
	timer         *time.Timer
	stopCh        chan struct{}

	onLifecycle func(event string)
}

// New creates a Runner. defaultInterval is the steady-state tick cadence;
// concurrency bounds in-flight Process calls (supplied by C12 in practice).
func New(name string, db *sql.DB, spec TableSpec, work Process, defaultInterval time.Duration, concurrency int) *Runner {
	if spec.MaxAttempts <= 0 {
		spec.MaxAttempts = 2
	}
	return &Runner{
		name:            name,
		db:              db,
		spec:            spec,
		work:            work,
		defaultInterval: defaultInterval,
		concurrency:     concurrency,
		weights:         DefaultLaneWeights,
		stopCh:          make(chan struct{}),
	}
}

// OnLifecycle registers a callback for scheduler:{started,stopped,waked,
// cycle:start,cycle:end} events (spec §6 observability; wired to the event
// bus by the caller rather than imported directly here, so this package
// has no eventbus dependency).
func (r *Runner) OnLifecycle(fn func(event string)) {
	r.onLifecycle = fn
}

func (r *Runner) emit(event string) {
	if r.onLifecycle != nil {
		r.onLifecycle(event)
	}
}

// Start begins the tick loop.
func (r *Runner) Start() {
	r.mu.Lock()
	if r.isRunning {
		r.mu.Unlock()
		return
	}
	r.isRunning = true
	r.mu.Unlock()

	r.emit("started")
	r.scheduleSoon()
}

// Stop halts the tick loop; an in-flight cycle finishes naturally.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.isRunning {
		r.mu.Unlock()
		return
	}
	r.isRunning = false
	if r.timer != nil {
		r.timer.Stop()
	}
	r.mu.Unlock()
	r.emit("stopped")
}

// Wake requests an earlier cycle (e.g. on batch:persisted). If a cycle is
// already processing, the wake is deferred until it finishes.
func (r *Runner) Wake() {
	r.mu.Lock()
	if r.isProcessing {
		r.wakeRequested = true
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	r.emit("waked")
	r.scheduleSoon()
}

func (r *Runner) scheduleSoon() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.isRunning {
		return
	}
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = time.AfterFunc(MinDelay, r.runCycle)
}

func (r *Runner) scheduleNext(earliestNextRun *time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.isRunning {
		return
	}

	delay := r.defaultInterval
	if earliestNextRun != nil {
		if until := time.Until(*earliestNextRun); until < delay {
			delay = until
		}
	}
	if delay < MinDelay {
		delay = MinDelay
	}
	if delay > r.defaultInterval {
		delay = r.defaultInterval
	}

	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = time.AfterFunc(delay, r.runCycle)
}

// runCycle is one scheduler tick: stale recovery, fetch, lane split,
// bounded-concurrency dispatch, reschedule.
func (r *Runner) runCycle() {
	r.mu.Lock()
	if !r.isRunning {
		r.mu.Unlock()
		return
	}
	r.isProcessing = true
	r.mu.Unlock()

	r.emit("cycle:start")

	if n, err := r.recoverStale(); err != nil {
		log.Printf("[scheduler:%s] stale recovery failed: %v", r.name, err)
	} else if n > 0 {
		log.Printf("[scheduler:%s] recovered %d stale row(s)", r.name, n)
	}

	candidates, err := r.listEligible(r.concurrency * 4)
	if err != nil {
		log.Printf("[scheduler:%s] list eligible failed: %v", r.name, err)
	} else if len(candidates) > 0 {
		r.dispatch(candidates)
	}

	earliest, err := r.earliestFutureNextRun()
	if err != nil {
		log.Printf("[scheduler:%s] earliest next run query failed: %v", r.name, err)
		earliest = nil
	}

	r.emit("cycle:end")

	r.mu.Lock()
	wake := r.wakeRequested
	r.wakeRequested = false
	r.isProcessing = false
	r.mu.Unlock()

	if wake {
		r.scheduleSoon()
	} else {
		r.scheduleNext(earliest)
	}
}

// dispatch lane-splits candidates and processes them in weighted
// round-robin order, bounded by r.concurrency in-flight.
func (r *Runner) dispatch(candidates []Candidate) {
	now := time.Now()
	var realtime, recovery []Candidate
	for _, c := range candidates {
		if c.Attempts == 0 && now.Sub(c.Age) < LaneRecoveryAge {
			realtime = append(realtime, c)
		} else {
			recovery = append(recovery, c)
		}
	}
	sort.Slice(realtime, func(i, j int) bool { return realtime[i].Age.After(realtime[j].Age) })
	sort.Slice(recovery, func(i, j int) bool { return recovery[i].Age.Before(recovery[j].Age) })

	order := interleave(realtime, recovery, r.weights)

	sem := make(chan struct{}, maxInt(1, r.concurrency))
	var wg sync.WaitGroup
	for _, c := range order {
		claimed, err := r.claimOne(c.ID)
		if err != nil {
			log.Printf("[scheduler:%s] claim %s failed: %v", r.name, c.ID, err)
			continue
		}
		if !claimed {
			continue // another worker won the CAS race
		}

		sem <- struct{}{}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			defer func() { <-sem }()
			r.runOne(id)
		}(c.ID)
	}
	wg.Wait()
}

func (r *Runner) runOne(id string) {
	err := r.work(id)
	if err == nil {
		return
	}
	log.Printf("[scheduler:%s] row %s failed: %v", r.name, id, err)
	if failErr := r.failRow(id); failErr != nil {
		log.Printf("[scheduler:%s] recording failure for %s: %v", r.name, id, failErr)
	}
}

func interleave(realtime, recovery []Candidate, w LaneWeights) []Candidate {
	var out []Candidate
	ri, ci := 0, 0
	for ri < len(realtime) || ci < len(recovery) {
		for i := 0; i < w.Realtime && ri < len(realtime); i++ {
			out = append(out, realtime[ri])
			ri++
		}
		for i := 0; i < w.Recovery && ci < len(recovery); i++ {
			out = append(out, recovery[ci])
			ci++
		}
		if ri >= len(realtime) && ci >= len(recovery) {
			break
		}
	}
	return out
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func (r *Runner) recoverStale() (int, error) {
	q := fmt.Sprintf(
		`UPDATE %s SET %s = 'pending', %s = NULL, %s = now()
		 WHERE %s = 'running' AND %s < $1`,
		r.spec.Table, r.spec.StatusColumn, r.spec.NextRunAtColumn, r.spec.UpdatedAtColumn,
		r.spec.StatusColumn, r.spec.UpdatedAtColumn,
	)
	res, err := r.db.Exec(q, time.Now().Add(-StaleRunningThreshold))
	if err != nil {
		return 0, fmt.Errorf("recover stale rows: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (r *Runner) listEligible(limit int) ([]Candidate, error) {
	where := fmt.Sprintf(
		"%s IN ('pending', 'failed') AND %s < $1 AND (%s IS NULL OR %s <= now())",
		r.spec.StatusColumn, r.spec.AttemptsColumn, r.spec.NextRunAtColumn, r.spec.NextRunAtColumn,
	)
	if r.spec.ExtraWhere != "" {
		where += " AND " + r.spec.ExtraWhere
	}
	q := fmt.Sprintf(
		`SELECT %s, %s, %s FROM %s WHERE %s LIMIT $2`,
		r.spec.IDColumn, r.spec.AttemptsColumn, r.spec.AgeColumn, r.spec.Table, where,
	)
	rows, err := r.db.Query(q, r.spec.MaxAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("list eligible rows: %w", err)
	}
	defer rows.Close()

	var out []Candidate
	for rows.Next() {
		var c Candidate
		if err := rows.Scan(&c.ID, &c.Attempts, &c.Age); err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// claimOne performs the single-row CAS claim (spec §4.5): only one caller
// observes changes==1 for a given id.
func (r *Runner) claimOne(id string) (bool, error) {
	where := fmt.Sprintf(
		"%s = $1 AND %s IN ('pending', 'failed') AND %s < $2 AND (%s IS NULL OR %s <= now())",
		r.spec.IDColumn, r.spec.StatusColumn, r.spec.AttemptsColumn, r.spec.NextRunAtColumn, r.spec.NextRunAtColumn,
	)
	q := fmt.Sprintf(
		`UPDATE %s SET %s = 'running', %s = %s + 1, %s = NULL, %s = now() WHERE %s`,
		r.spec.Table, r.spec.StatusColumn, r.spec.AttemptsColumn, r.spec.AttemptsColumn,
		r.spec.NextRunAtColumn, r.spec.UpdatedAtColumn, where,
	)
	res, err := r.db.Exec(q, id, r.spec.MaxAttempts)
	if err != nil {
		return false, fmt.Errorf("claim row: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// MarkDone flips a claimed row to "done". Exposed for domain callbacks that
// want the generic done-transition rather than a table-specific method.
func (r *Runner) MarkDone(id string) error {
	q := fmt.Sprintf(`UPDATE %s SET %s = 'done', %s = now() WHERE %s = $1`,
		r.spec.Table, r.spec.StatusColumn, r.spec.UpdatedAtColumn, r.spec.IDColumn)
	_, err := r.db.Exec(q, id)
	if err != nil {
		return fmt.Errorf("mark done: %w", err)
	}
	return nil
}

// failRow applies the retry/backoff policy (spec §4.5): permanent failure
// once attempts has reached MaxAttempts, else a backoff retry.
func (r *Runner) failRow(id string) error {
	q := fmt.Sprintf(`
		UPDATE %[1]s SET
			%[2]s = CASE WHEN %[3]s >= $2 THEN 'failed_permanent' ELSE 'failed' END,
			%[4]s = CASE WHEN %[3]s >= $2 THEN NULL ELSE $3 END,
			%[5]s = now()
		WHERE %[6]s = $1
	`, r.spec.Table, r.spec.StatusColumn, r.spec.AttemptsColumn, r.spec.NextRunAtColumn, r.spec.UpdatedAtColumn, r.spec.IDColumn)
	_, err := r.db.Exec(q, id, r.spec.MaxAttempts, time.Now().Add(RetryDelay))
	if err != nil {
		return fmt.Errorf("fail row: %w", err)
	}
	return nil
}

func (r *Runner) earliestFutureNextRun() (*time.Time, error) {
	q := fmt.Sprintf(
		`SELECT MIN(%s) FROM %s WHERE %s > now() AND %s IN ('pending', 'failed')`,
		r.spec.NextRunAtColumn, r.spec.Table, r.spec.NextRunAtColumn, r.spec.StatusColumn,
	)
	var t sql.NullTime
	if err := r.db.QueryRow(q).Scan(&t); err != nil {
		return nil, fmt.Errorf("earliest next run: %w", err)
	}
	if !t.Valid {
		return nil, nil
	}
	return &t.Time, nil
}
