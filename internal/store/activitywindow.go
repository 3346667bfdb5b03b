package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const createActivityWindowsSQL = `
	CREATE TABLE IF NOT EXISTS activity_windows (
		id TEXT PRIMARY KEY,
		window_start TIMESTAMPTZ NOT NULL,
		window_end TIMESTAMPTZ NOT NULL,
		title TEXT,
		summary_text TEXT NOT NULL DEFAULT '',
		highlights JSONB,
		stats JSONB,
		status TEXT NOT NULL DEFAULT 'pending',
		attempts INTEGER NOT NULL DEFAULT 0,
		next_run_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE INDEX IF NOT EXISTS idx_activity_windows_claim ON activity_windows(status, next_run_at);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_activity_windows_span ON activity_windows(window_start, window_end);
`

const createActivityEventsSQL = `
	CREATE TABLE IF NOT EXISTS activity_events (
		id TEXT PRIMARY KEY,
		window_id TEXT NOT NULL REFERENCES activity_windows(id) ON DELETE CASCADE,
		title TEXT NOT NULL,
		kind TEXT NOT NULL,
		start_ts TIMESTAMPTZ NOT NULL,
		end_ts TIMESTAMPTZ NOT NULL,
		duration_ms BIGINT NOT NULL,
		is_long BOOLEAN NOT NULL DEFAULT false,
		thread_id TEXT,
		node_ids JSONB NOT NULL DEFAULT '[]',
		details_status TEXT NOT NULL DEFAULT 'summary',
		details TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE INDEX IF NOT EXISTS idx_activity_events_window_id ON activity_events(window_id);
	CREATE INDEX IF NOT EXISTS idx_activity_events_thread_id ON activity_events(thread_id);
	CREATE INDEX IF NOT EXISTS idx_activity_events_long ON activity_events(is_long);
`

// ActivityWindow mirrors spec §3's ActivityWindow entity, the timeline
// scheduler's fixed-span rollup unit.
type ActivityWindow struct {
	ID          string
	WindowStart time.Time
	WindowEnd   time.Time
	Title       string
	SummaryText string
	Highlights  []string
	Stats       map[string]any
	Status      string
	Attempts    int
	NextRunAt   *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ActivityEvent mirrors spec §3's ActivityEvent entity, a detected
// sub-interval inside a window. DetailsStatus distinguishes windows
// summarized cheaply ("summary") from ones with a fuller, lazily-computed
// detail ("expanded") per spec §4.4's long-event attribution note.
type ActivityEvent struct {
	ID            string
	WindowID      string
	Title         string
	Kind          string
	StartTs       time.Time
	EndTs         time.Time
	DurationMs    int64
	IsLong        bool
	ThreadID      string
	NodeIDs       []string
	DetailsStatus string
	Details       string
	CreatedAt     time.Time
}

// CreateActivityWindow inserts a window and returns its id, tolerating a
// duplicate (window_start, window_end) pair by returning the existing row's
// id (the timeline scheduler's span-claim must be idempotent under retries).
func (c *Client) CreateActivityWindow(w *ActivityWindow) (string, error) {
	if w.ID == "" {
		w.ID = uuid.New().String()
	}
	const insertSQL = `
		INSERT INTO activity_windows (id, window_start, window_end)
		VALUES ($1, $2, $3)
		ON CONFLICT (window_start, window_end) DO NOTHING
	`
	res, err := c.db.Exec(insertSQL, w.ID, w.WindowStart, w.WindowEnd)
	if err != nil {
		return "", fmt.Errorf("insert activity window: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", err
	}
	if n == 1 {
		return w.ID, nil
	}
	var existingID string
	err = c.db.QueryRow(
		`SELECT id FROM activity_windows WHERE window_start = $1 AND window_end = $2`,
		w.WindowStart, w.WindowEnd,
	).Scan(&existingID)
	if err != nil {
		return "", fmt.Errorf("load existing activity window: %w", err)
	}
	return existingID, nil
}

// LatestSeededWindowEnd returns the end of the most recently seeded window,
// or nil if none exist yet (the timeline scheduler's seeding-phase cursor).
func (c *Client) LatestSeededWindowEnd() (*time.Time, error) {
	var t sql.NullTime
	err := c.db.QueryRow(`SELECT MAX(window_end) FROM activity_windows`).Scan(&t)
	if err != nil {
		return nil, fmt.Errorf("latest seeded window end: %w", err)
	}
	if !t.Valid {
		return nil, nil
	}
	return &t.Time, nil
}

// CreateActivityWindowWithStatus inserts a window with an explicit initial
// status (spec §4.9 seeding: "pending" when the window contains at least
// one node, "no_data" otherwise — so a later self-heal pass has something
// to reconsider if nodes show up in that span afterwards).
func (c *Client) CreateActivityWindowWithStatus(w *ActivityWindow, status string) (string, error) {
	if w.ID == "" {
		w.ID = uuid.New().String()
	}
	const insertSQL = `
		INSERT INTO activity_windows (id, window_start, window_end, status)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (window_start, window_end) DO NOTHING
	`
	res, err := c.db.Exec(insertSQL, w.ID, w.WindowStart, w.WindowEnd, status)
	if err != nil {
		return "", fmt.Errorf("insert activity window: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", err
	}
	if n == 1 {
		return w.ID, nil
	}
	var existingID string
	err = c.db.QueryRow(
		`SELECT id FROM activity_windows WHERE window_start = $1 AND window_end = $2`,
		w.WindowStart, w.WindowEnd,
	).Scan(&existingID)
	if err != nil {
		return "", fmt.Errorf("load existing activity window: %w", err)
	}
	return existingID, nil
}

// SelfHealNoDataActivityWindows resets "no_data" windows back to "pending"
// when their span now contains at least one context node (spec §4.9's
// self-heal phase: nodes can land in a window's span after it was first
// seeded, e.g. a delayed batch).
func (c *Client) SelfHealNoDataActivityWindows() (int, error) {
	const updateSQL = `
		UPDATE activity_windows SET status = 'pending', updated_at = now()
		WHERE status = 'no_data'
		  AND EXISTS (
		      SELECT 1 FROM context_nodes
		      WHERE event_time >= activity_windows.window_start
		        AND event_time < activity_windows.window_end
		  )
	`
	res, err := c.db.Exec(updateSQL)
	if err != nil {
		return 0, fmt.Errorf("self-heal no_data activity windows: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// GetActivityWindow loads a window by id. Returns (nil, nil) if not found.
func (c *Client) GetActivityWindow(id string) (*ActivityWindow, error) {
	const querySQL = `
		SELECT id, window_start, window_end, title, summary_text, highlights, stats,
		       status, attempts, next_run_at, created_at, updated_at
		FROM activity_windows WHERE id = $1
	`
	var w ActivityWindow
	var title sql.NullString
	var highlightsRaw, statsRaw sql.NullString
	var nextRunAt sql.NullTime

	err := c.db.QueryRow(querySQL, id).Scan(
		&w.ID, &w.WindowStart, &w.WindowEnd, &title, &w.SummaryText, &highlightsRaw, &statsRaw,
		&w.Status, &w.Attempts, &nextRunAt, &w.CreatedAt, &w.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get activity window: %w", err)
	}
	w.Title = title.String
	if highlightsRaw.Valid {
		parseJSONInto(highlightsRaw.String, &w.Highlights)
	}
	if statsRaw.Valid {
		parseJSONInto(statsRaw.String, &w.Stats)
	}
	if nextRunAt.Valid {
		t := nextRunAt.Time
		w.NextRunAt = &t
	}
	return &w, nil
}

// CompleteActivityWindow stores the summary text/highlights/stats and marks
// the window done.
func (c *Client) CompleteActivityWindow(id, title, summary string, highlights []string, stats map[string]any) error {
	const updateSQL = `
		UPDATE activity_windows
		SET title = $2, summary_text = $3, highlights = $4, stats = $5, status = 'done', updated_at = now()
		WHERE id = $1
	`
	_, err := c.db.Exec(updateSQL, id, title, summary, marshalJSON(highlights), marshalJSON(stats))
	if err != nil {
		return fmt.Errorf("complete activity window: %w", err)
	}
	return nil
}

// InsertActivityEvent persists a detected sub-interval within a window.
func (c *Client) InsertActivityEvent(e *ActivityEvent) (string, error) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	const insertSQL = `
		INSERT INTO activity_events
			(id, window_id, title, kind, start_ts, end_ts, duration_ms, is_long,
			 thread_id, node_ids, details_status, details)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`
	_, err := c.db.Exec(insertSQL,
		e.ID, e.WindowID, e.Title, e.Kind, e.StartTs, e.EndTs, e.DurationMs, e.IsLong,
		nullString(e.ThreadID), marshalJSON(e.NodeIDs), e.DetailsStatus, nullString(e.Details),
	)
	if err != nil {
		return "", fmt.Errorf("insert activity event: %w", err)
	}
	return e.ID, nil
}

// ActivityEventsInRange loads events overlapping [from, to), ordered by
// start time — the primary read path for the timeline UI (spec §7).
func (c *Client) ActivityEventsInRange(from, to time.Time) ([]*ActivityEvent, error) {
	const querySQL = `
		SELECT id, window_id, title, kind, start_ts, end_ts, duration_ms, is_long,
		       thread_id, node_ids, details_status, details, created_at
		FROM activity_events
		WHERE start_ts < $2 AND end_ts > $1
		ORDER BY start_ts ASC
	`
	rows, err := c.db.Query(querySQL, from, to)
	if err != nil {
		return nil, fmt.Errorf("query activity events: %w", err)
	}
	defer rows.Close()

	var out []*ActivityEvent
	for rows.Next() {
		var e ActivityEvent
		var threadID, details sql.NullString
		var nodeIDsRaw string
		if err := rows.Scan(
			&e.ID, &e.WindowID, &e.Title, &e.Kind, &e.StartTs, &e.EndTs, &e.DurationMs, &e.IsLong,
			&threadID, &nodeIDsRaw, &e.DetailsStatus, &details, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan activity event: %w", err)
		}
		e.ThreadID = threadID.String
		e.Details = details.String
		parseJSONInto(nodeIDsRaw, &e.NodeIDs)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// ExpandActivityEventDetails lazily fills in an event's fuller detail once
// requested (spec §4.4's long-event attribution: cheap rollup up front,
// detail computed on demand rather than for every event unconditionally).
func (c *Client) ExpandActivityEventDetails(id, details string) error {
	_, err := c.db.Exec(
		`UPDATE activity_events SET details = $2, details_status = 'expanded' WHERE id = $1`,
		id, details,
	)
	if err != nil {
		return fmt.Errorf("expand activity event details: %w", err)
	}
	return nil
}
