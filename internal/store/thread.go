package store

import (
	"database/sql"
	"fmt"
	"time"
)

const createThreadsSQL = `
	CREATE TABLE IF NOT EXISTS threads (
		thread_id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		summary TEXT NOT NULL DEFAULT '',
		current_phase TEXT,
		current_focus TEXT,
		milestones JSONB NOT NULL DEFAULT '[]',
		last_event_ts TIMESTAMPTZ NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE INDEX IF NOT EXISTS idx_threads_status ON threads(status);
	CREATE INDEX IF NOT EXISTS idx_threads_last_event_ts ON threads(last_event_ts);
`

// ThreadStatus is a Thread's lifecycle state (spec §3/§4.4).
type ThreadStatus string

const (
	ThreadActive   ThreadStatus = "active"
	ThreadInactive ThreadStatus = "inactive"
)

// Thread mirrors spec §3's Thread entity, the threading scheduler's rolling
// summary of a continuing activity.
type Thread struct {
	ThreadID     string
	Title        string
	Summary      string
	CurrentPhase string
	CurrentFocus string
	Milestones   []string
	LastEventTs  time.Time
	Status       ThreadStatus
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// UpsertThread inserts a new thread or, if threadID already exists, updates
// its rolling fields (spec §4.4: the threading scheduler either opens a new
// thread or folds a node into an existing one).
func (c *Client) UpsertThread(t *Thread) error {
	const upsertSQL = `
		INSERT INTO threads (thread_id, title, summary, current_phase, current_focus, milestones, last_event_ts, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (thread_id) DO UPDATE SET
			title = EXCLUDED.title,
			summary = EXCLUDED.summary,
			current_phase = EXCLUDED.current_phase,
			current_focus = EXCLUDED.current_focus,
			milestones = EXCLUDED.milestones,
			last_event_ts = EXCLUDED.last_event_ts,
			status = EXCLUDED.status,
			updated_at = now()
	`
	_, err := c.db.Exec(upsertSQL,
		t.ThreadID, t.Title, t.Summary, nullString(t.CurrentPhase), nullString(t.CurrentFocus),
		marshalJSON(t.Milestones), t.LastEventTs, string(t.Status),
	)
	if err != nil {
		return fmt.Errorf("upsert thread: %w", err)
	}
	return nil
}

// GetThread loads a thread by id. Returns (nil, nil) if not found.
func (c *Client) GetThread(threadID string) (*Thread, error) {
	const querySQL = `
		SELECT thread_id, title, summary, current_phase, current_focus, milestones,
		       last_event_ts, status, created_at, updated_at
		FROM threads WHERE thread_id = $1
	`
	row := c.db.QueryRow(querySQL, threadID)
	t, err := scanThread(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, err
}

// ActiveThreads returns threads whose last_event_ts is within gracePeriod of
// now (spec §4.4's "active thread set" used to decide fold-in vs new-thread).
func (c *Client) ActiveThreads(gracePeriod time.Duration) ([]*Thread, error) {
	const querySQL = `
		SELECT thread_id, title, summary, current_phase, current_focus, milestones,
		       last_event_ts, status, created_at, updated_at
		FROM threads WHERE status = 'active' AND last_event_ts >= $1
		ORDER BY last_event_ts DESC
	`
	rows, err := c.db.Query(querySQL, time.Now().Add(-gracePeriod))
	if err != nil {
		return nil, fmt.Errorf("query active threads: %w", err)
	}
	defer rows.Close()

	var out []*Thread
	for rows.Next() {
		var t Thread
		var currentPhase, currentFocus sql.NullString
		var milestonesRaw string
		var status string
		if err := rows.Scan(
			&t.ThreadID, &t.Title, &t.Summary, &currentPhase, &currentFocus, &milestonesRaw,
			&t.LastEventTs, &status, &t.CreatedAt, &t.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		t.CurrentPhase = currentPhase.String
		t.CurrentFocus = currentFocus.String
		t.Status = ThreadStatus(status)
		parseJSONInto(milestonesRaw, &t.Milestones)
		out = append(out, &t)
	}
	return out, rows.Err()
}

// DeactivateStaleThreads flips threads with no activity since cutoff to
// inactive (spec §4.4's thread lifecycle closeout).
func (c *Client) DeactivateStaleThreads(gracePeriod time.Duration) (int, error) {
	res, err := c.db.Exec(
		`UPDATE threads SET status = 'inactive', updated_at = now()
		 WHERE status = 'active' AND last_event_ts < $1`,
		time.Now().Add(-gracePeriod),
	)
	if err != nil {
		return 0, fmt.Errorf("deactivate stale threads: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// RecentInactiveThreads returns the most recently active inactive threads,
// newest first (spec §4.8's fallbackRecentThreads: when no thread is active,
// the threading scheduler still offers the most recently closed one as a
// fold-in candidate rather than always minting a new thread).
func (c *Client) RecentInactiveThreads(limit int) ([]*Thread, error) {
	const querySQL = `
		SELECT thread_id, title, summary, current_phase, current_focus, milestones,
		       last_event_ts, status, created_at, updated_at
		FROM threads WHERE status = 'inactive'
		ORDER BY last_event_ts DESC LIMIT $1
	`
	rows, err := c.db.Query(querySQL, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent inactive threads: %w", err)
	}
	defer rows.Close()

	var out []*Thread
	for rows.Next() {
		var t Thread
		var currentPhase, currentFocus sql.NullString
		var milestonesRaw string
		var status string
		if err := rows.Scan(
			&t.ThreadID, &t.Title, &t.Summary, &currentPhase, &currentFocus, &milestonesRaw,
			&t.LastEventTs, &status, &t.CreatedAt, &t.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		t.CurrentPhase = currentPhase.String
		t.CurrentFocus = currentFocus.String
		t.Status = ThreadStatus(status)
		parseJSONInto(milestonesRaw, &t.Milestones)
		out = append(out, &t)
	}
	return out, rows.Err()
}

func scanThread(row *sql.Row) (*Thread, error) {
	var t Thread
	var currentPhase, currentFocus sql.NullString
	var milestonesRaw, status string

	err := row.Scan(
		&t.ThreadID, &t.Title, &t.Summary, &currentPhase, &currentFocus, &milestonesRaw,
		&t.LastEventTs, &status, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.CurrentPhase = currentPhase.String
	t.CurrentFocus = currentFocus.String
	t.Status = ThreadStatus(status)
	parseJSONInto(milestonesRaw, &t.Milestones)
	return &t, nil
}
