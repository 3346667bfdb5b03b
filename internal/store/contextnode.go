package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const createContextNodesSQL = `
	CREATE TABLE IF NOT EXISTS context_nodes (
		id TEXT PRIMARY KEY,
		batch_id TEXT NOT NULL,
		screenshot_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		thread_id TEXT,
		title TEXT NOT NULL,
		summary TEXT NOT NULL,
		app_context TEXT NOT NULL DEFAULT '',
		knowledge TEXT,
		state_snapshot JSONB,
		ui_text_snippets JSONB NOT NULL DEFAULT '[]',
		keywords JSONB NOT NULL DEFAULT '[]',
		entities JSONB NOT NULL DEFAULT '[]',
		importance REAL NOT NULL DEFAULT 0,
		confidence REAL NOT NULL DEFAULT 0,
		event_time TIMESTAMPTZ NOT NULL,
		text_region JSONB,
		thread_snapshot JSONB,
		ocr_status TEXT NOT NULL DEFAULT 'pending',
		ocr_attempts INTEGER NOT NULL DEFAULT 0,
		ocr_next_run_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE INDEX IF NOT EXISTS idx_context_nodes_batch_id ON context_nodes(batch_id);
	CREATE INDEX IF NOT EXISTS idx_context_nodes_thread_id ON context_nodes(thread_id);
	CREATE INDEX IF NOT EXISTS idx_context_nodes_event_time ON context_nodes(event_time);
	CREATE INDEX IF NOT EXISTS idx_context_nodes_ocr_claim ON context_nodes(ocr_status, ocr_next_run_at);
`

// TextRegion is the VLM-hinted crop rectangle (pixels, origin top-left) the
// OCR scheduler (C7) clamps and crops before recognition.
type TextRegion struct {
	Left   int `json:"left"`
	Top    int `json:"top"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// ContextNode mirrors spec §3's ContextNode entity, the VLM scheduler's
// primary output record.
type ContextNode struct {
	ID             string
	BatchID        string
	ScreenshotID   string
	Kind           string
	ThreadID       string
	Title          string
	Summary        string
	AppContext     string
	Knowledge      string
	StateSnapshot  map[string]any
	UITextSnippets []string
	Keywords       []string
	Entities       []string
	Importance     float64
	Confidence     float64
	EventTime      time.Time
	TextRegion     *TextRegion
	ThreadSnapshot map[string]any
	OCRStatus      string
	OCRAttempts    int
	OCRNextRunAt   *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// InsertContextNode persists a context node produced by the VLM scheduler.
func (c *Client) InsertContextNode(n *ContextNode) (string, error) {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	const insertSQL = `
		INSERT INTO context_nodes
			(id, batch_id, screenshot_id, kind, thread_id, title, summary, app_context,
			 knowledge, state_snapshot, ui_text_snippets, keywords, entities,
			 importance, confidence, event_time, text_region, thread_snapshot, ocr_status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
	`
	_, err := c.db.Exec(insertSQL,
		n.ID, n.BatchID, n.ScreenshotID, n.Kind, nullString(n.ThreadID), n.Title, n.Summary, n.AppContext,
		nullString(n.Knowledge), marshalJSON(n.StateSnapshot), marshalJSON(n.UITextSnippets),
		marshalJSON(n.Keywords), marshalJSON(n.Entities), n.Importance, n.Confidence, n.EventTime,
		marshalJSON(n.TextRegion), marshalJSON(n.ThreadSnapshot), "pending",
	)
	if err != nil {
		return "", fmt.Errorf("insert context node: %w", err)
	}
	return n.ID, nil
}

// GetContextNode loads a context node by id.
func (c *Client) GetContextNode(id string) (*ContextNode, error) {
	const querySQL = `
		SELECT id, batch_id, screenshot_id, kind, thread_id, title, summary, app_context,
		       knowledge, state_snapshot, ui_text_snippets, keywords, entities,
		       importance, confidence, event_time, text_region, thread_snapshot, ocr_status, ocr_attempts, ocr_next_run_at,
		       created_at, updated_at
		FROM context_nodes WHERE id = $1
	`
	row := c.db.QueryRow(querySQL, id)
	return scanContextNode(row)
}

// ContextNodesByThread loads every node belonging to threadID, ordered by
// event time (spec §7's thread detail view).
func (c *Client) ContextNodesByThread(threadID string) ([]*ContextNode, error) {
	const querySQL = `
		SELECT id, batch_id, screenshot_id, kind, thread_id, title, summary, app_context,
		       knowledge, state_snapshot, ui_text_snippets, keywords, entities,
		       importance, confidence, event_time, text_region, thread_snapshot, ocr_status, ocr_attempts, ocr_next_run_at,
		       created_at, updated_at
		FROM context_nodes WHERE thread_id = $1 ORDER BY event_time ASC
	`
	rows, err := c.db.Query(querySQL, threadID)
	if err != nil {
		return nil, fmt.Errorf("query context nodes by thread: %w", err)
	}
	defer rows.Close()

	var out []*ContextNode
	for rows.Next() {
		n, err := scanContextNodeRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// AssignThread sets a context node's thread_id and its thread_snapshot —
// the assigning thread's state captured at assignment time, so long-event
// detection (spec §4.9) never has to read mutable thread state later (spec
// §4.8: "used for long-event detection without reading mutable thread
// state").
func (c *Client) AssignThread(nodeID, threadID string, snapshot map[string]any) error {
	_, err := c.db.Exec(
		`UPDATE context_nodes SET thread_id = $1, thread_snapshot = $2, updated_at = now() WHERE id = $3`,
		threadID, marshalJSON(snapshot), nodeID,
	)
	if err != nil {
		return fmt.Errorf("assign thread: %w", err)
	}
	return nil
}

// EarliestContextNodeEventTime returns the event_time of the first observed
// node, or nil if there are none yet (spec §4.9's cold-start seeding: with
// no prior seeded window, the grid backfills from the first real node
// rather than only the latest).
func (c *Client) EarliestContextNodeEventTime() (*time.Time, error) {
	var t sql.NullTime
	err := c.db.QueryRow(`SELECT MIN(event_time) FROM context_nodes`).Scan(&t)
	if err != nil {
		return nil, fmt.Errorf("earliest context node event time: %w", err)
	}
	if !t.Valid {
		return nil, nil
	}
	return &t.Time, nil
}

// LatestContextNodeEventTime returns the event_time of the most recently
// observed node, or nil if there are none yet (spec §4.9 seeding phase:
// seeds up through the latest complete window containing real data).
func (c *Client) LatestContextNodeEventTime() (*time.Time, error) {
	var t sql.NullTime
	err := c.db.QueryRow(`SELECT MAX(event_time) FROM context_nodes`).Scan(&t)
	if err != nil {
		return nil, fmt.Errorf("latest context node event time: %w", err)
	}
	if !t.Valid {
		return nil, nil
	}
	return &t.Time, nil
}

// CountContextNodesInRange counts nodes with event_time in [from, to) (spec
// §4.9's per-window seeding predicate: "at least one node falls inside").
func (c *Client) CountContextNodesInRange(from, to time.Time) (int, error) {
	var n int
	err := c.db.QueryRow(
		`SELECT COUNT(*) FROM context_nodes WHERE event_time >= $1 AND event_time < $2`,
		from, to,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count context nodes in range: %w", err)
	}
	return n, nil
}

// ContextNodesInRange loads every node with event_time in [from, to),
// ordered ascending (spec §4.9 Process phase: the per-window node set the
// activity LLM summarizes).
func (c *Client) ContextNodesInRange(from, to time.Time) ([]*ContextNode, error) {
	const querySQL = `
		SELECT id, batch_id, screenshot_id, kind, thread_id, title, summary, app_context,
		       knowledge, state_snapshot, ui_text_snippets, keywords, entities,
		       importance, confidence, event_time, text_region, thread_snapshot, ocr_status, ocr_attempts, ocr_next_run_at,
		       created_at, updated_at
		FROM context_nodes WHERE event_time >= $1 AND event_time < $2 ORDER BY event_time ASC
	`
	rows, err := c.db.Query(querySQL, from, to)
	if err != nil {
		return nil, fmt.Errorf("query context nodes in range: %w", err)
	}
	defer rows.Close()

	var out []*ContextNode
	for rows.Next() {
		n, err := scanContextNodeRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// RecentContextNodesByThread returns the most recent limit nodes belonging
// to threadID, newest first (spec §4.8's recentNodesPerThread: the threading
// scheduler's prompt bundle carries only a tail of each active thread, not
// its full history).
func (c *Client) RecentContextNodesByThread(threadID string, limit int) ([]*ContextNode, error) {
	const querySQL = `
		SELECT id, batch_id, screenshot_id, kind, thread_id, title, summary, app_context,
		       knowledge, state_snapshot, ui_text_snippets, keywords, entities,
		       importance, confidence, event_time, text_region, thread_snapshot, ocr_status, ocr_attempts, ocr_next_run_at,
		       created_at, updated_at
		FROM context_nodes WHERE thread_id = $1 ORDER BY event_time DESC LIMIT $2
	`
	rows, err := c.db.Query(querySQL, threadID, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent context nodes by thread: %w", err)
	}
	defer rows.Close()

	var out []*ContextNode
	for rows.Next() {
		n, err := scanContextNodeRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// UnassignedContextNodes returns up to limit nodes with no thread_id yet,
// oldest first (spec §4.8's "batch newly-arrived nodes" input set).
func (c *Client) UnassignedContextNodes(limit int) ([]*ContextNode, error) {
	const querySQL = `
		SELECT id, batch_id, screenshot_id, kind, thread_id, title, summary, app_context,
		       knowledge, state_snapshot, ui_text_snippets, keywords, entities,
		       importance, confidence, event_time, text_region, thread_snapshot, ocr_status, ocr_attempts, ocr_next_run_at,
		       created_at, updated_at
		FROM context_nodes WHERE thread_id IS NULL ORDER BY event_time ASC LIMIT $1
	`
	rows, err := c.db.Query(querySQL, limit)
	if err != nil {
		return nil, fmt.Errorf("query unassigned context nodes: %w", err)
	}
	defer rows.Close()

	var out []*ContextNode
	for rows.Next() {
		n, err := scanContextNodeRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// ClaimContextNodesForOCR is the OCR scheduler's CAS claim.
func (c *Client) ClaimContextNodesForOCR(limit, maxAttempts int) ([]string, error) {
	const claimSQL = `
		UPDATE context_nodes SET ocr_status = 'running', updated_at = now()
		WHERE id IN (
			SELECT id FROM context_nodes
			WHERE ocr_status IN ('pending', 'failed')
			  AND ocr_attempts < $1
			  AND (ocr_next_run_at IS NULL OR ocr_next_run_at <= now())
			ORDER BY event_time ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id
	`
	rows, err := c.db.Query(claimSQL, maxAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("claim context nodes for ocr: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan claimed context node: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CompleteContextNodeOCR stores the OCR result text and marks the node done.
func (c *Client) CompleteContextNodeOCR(id, extractedText string) error {
	const updateSQL = `
		UPDATE context_nodes
		SET ui_text_snippets = ui_text_snippets || $2::jsonb, ocr_status = 'done', updated_at = now()
		WHERE id = $1
	`
	_, err := c.db.Exec(updateSQL, id, marshalJSON([]string{extractedText}))
	if err != nil {
		return fmt.Errorf("complete context node ocr: %w", err)
	}
	return nil
}

// FailContextNodeOCR records a failed OCR attempt and schedules a retry.
func (c *Client) FailContextNodeOCR(id string, maxAttempts int, nextRunAt time.Time) error {
	const updateSQL = `
		UPDATE context_nodes SET
			ocr_attempts = ocr_attempts + 1,
			ocr_status = CASE WHEN ocr_attempts + 1 >= $2 THEN 'failed_permanent' ELSE 'failed' END,
			ocr_next_run_at = $3,
			updated_at = now()
		WHERE id = $1
	`
	_, err := c.db.Exec(updateSQL, id, maxAttempts, nextRunAt)
	if err != nil {
		return fmt.Errorf("fail context node ocr: %w", err)
	}
	return nil
}

func scanContextNode(row *sql.Row) (*ContextNode, error) {
	var n ContextNode
	var threadID, knowledge sql.NullString
	var stateSnapshotRaw, uiTextRaw, keywordsRaw, entitiesRaw string
	var textRegionRaw, threadSnapshotRaw sql.NullString
	var ocrNextRunAt sql.NullTime

	err := row.Scan(
		&n.ID, &n.BatchID, &n.ScreenshotID, &n.Kind, &threadID, &n.Title, &n.Summary, &n.AppContext,
		&knowledge, &stateSnapshotRaw, &uiTextRaw, &keywordsRaw, &entitiesRaw,
		&n.Importance, &n.Confidence, &n.EventTime, &textRegionRaw, &threadSnapshotRaw,
		&n.OCRStatus, &n.OCRAttempts, &ocrNextRunAt,
		&n.CreatedAt, &n.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan context node: %w", err)
	}
	fillContextNode(&n, threadID, knowledge, stateSnapshotRaw, uiTextRaw, keywordsRaw, entitiesRaw, textRegionRaw, threadSnapshotRaw, ocrNextRunAt)
	return &n, nil
}

func scanContextNodeRows(rows *sql.Rows) (*ContextNode, error) {
	var n ContextNode
	var threadID, knowledge sql.NullString
	var stateSnapshotRaw, uiTextRaw, keywordsRaw, entitiesRaw string
	var textRegionRaw, threadSnapshotRaw sql.NullString
	var ocrNextRunAt sql.NullTime

	err := rows.Scan(
		&n.ID, &n.BatchID, &n.ScreenshotID, &n.Kind, &threadID, &n.Title, &n.Summary, &n.AppContext,
		&knowledge, &stateSnapshotRaw, &uiTextRaw, &keywordsRaw, &entitiesRaw,
		&n.Importance, &n.Confidence, &n.EventTime, &textRegionRaw, &threadSnapshotRaw,
		&n.OCRStatus, &n.OCRAttempts, &ocrNextRunAt,
		&n.CreatedAt, &n.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scan context node: %w", err)
	}
	fillContextNode(&n, threadID, knowledge, stateSnapshotRaw, uiTextRaw, keywordsRaw, entitiesRaw, textRegionRaw, threadSnapshotRaw, ocrNextRunAt)
	return &n, nil
}

func fillContextNode(n *ContextNode, threadID, knowledge sql.NullString, stateSnapshotRaw, uiTextRaw, keywordsRaw, entitiesRaw string, textRegionRaw, threadSnapshotRaw sql.NullString, ocrNextRunAt sql.NullTime) {
	n.ThreadID = threadID.String
	n.Knowledge = knowledge.String
	parseJSONInto(stateSnapshotRaw, &n.StateSnapshot)
	parseJSONInto(uiTextRaw, &n.UITextSnippets)
	parseJSONInto(keywordsRaw, &n.Keywords)
	parseJSONInto(entitiesRaw, &n.Entities)
	if textRegionRaw.Valid && textRegionRaw.String != "" && textRegionRaw.String != "null" {
		var r TextRegion
		parseJSONInto(textRegionRaw.String, &r)
		n.TextRegion = &r
	}
	if threadSnapshotRaw.Valid {
		parseJSONInto(threadSnapshotRaw.String, &n.ThreadSnapshot)
	}
	if ocrNextRunAt.Valid {
		t := ocrNextRunAt.Time
		n.OCRNextRunAt = &t
	}
}

const contextNodeColumns = `
	id, batch_id, screenshot_id, kind, thread_id, title, summary, app_context,
	knowledge, state_snapshot, ui_text_snippets, keywords, entities,
	importance, confidence, event_time, text_region, thread_snapshot, ocr_status, ocr_attempts, ocr_next_run_at,
	created_at, updated_at
`

// GetContextNodesByIDs loads context nodes by id, in no particular order
// (search's candidate-set hydration step: score maps carry ids, not full
// rows, until ranking needs the whole node).
func (c *Client) GetContextNodesByIDs(ids []string) ([]*ContextNode, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	querySQL := `SELECT ` + contextNodeColumns + ` FROM context_nodes WHERE id = ANY($1)`
	rows, err := c.db.Query(querySQL, toTextArray(ids))
	if err != nil {
		return nil, fmt.Errorf("query context nodes by ids: %w", err)
	}
	defer rows.Close()
	return scanContextNodeList(rows)
}

// ContextNodesByScreenshotIDs loads every context node whose screenshot_id
// is in ids (search's FTS-hit-to-node mapping: FTS indexes screenshots,
// search ranks nodes).
func (c *Client) ContextNodesByScreenshotIDs(ids []string) ([]*ContextNode, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	querySQL := `SELECT ` + contextNodeColumns + ` FROM context_nodes WHERE screenshot_id = ANY($1)`
	rows, err := c.db.Query(querySQL, toTextArray(ids))
	if err != nil {
		return nil, fmt.Errorf("query context nodes by screenshot ids: %w", err)
	}
	defer rows.Close()
	return scanContextNodeList(rows)
}

// SearchContextNodesByKeyword runs a case-insensitive LIKE OR-match across
// title/summary/keywords/entities for each term (spec §4.14 step 3: the
// JSON-serialized keyword/entity columns are searched as text, same as the
// title/summary columns, rather than with a JSON containment operator,
// since a substring match on the serialized array is what "entity name
// appears anywhere" means here).
func (c *Client) SearchContextNodesByKeyword(terms []string, limit int) ([]*ContextNode, error) {
	if len(terms) == 0 {
		return nil, nil
	}
	var ors []string
	args := []any{}
	for _, term := range terms {
		pattern := "%" + term + "%"
		n := len(args)
		ors = append(ors, fmt.Sprintf(
			"(title ILIKE $%d OR summary ILIKE $%d OR keywords::text ILIKE $%d OR entities::text ILIKE $%d)",
			n+1, n+2, n+3, n+4,
		))
		args = append(args, pattern, pattern, pattern, pattern)
	}
	args = append(args, limit)
	querySQL := fmt.Sprintf(
		`SELECT %s FROM context_nodes WHERE %s ORDER BY event_time DESC LIMIT $%d`,
		contextNodeColumns, strings.Join(ors, " OR "), len(args),
	)
	rows, err := c.db.Query(querySQL, args...)
	if err != nil {
		return nil, fmt.Errorf("search context nodes by keyword: %w", err)
	}
	defer rows.Close()
	return scanContextNodeList(rows)
}

// ThreadNeighbors returns up to `before` nodes immediately preceding
// pivotTime and up to `after` nodes immediately following it within
// threadID, ordered by event_time ascending (spec §4.14 step 4's
// thread-neighbor expansion).
func (c *Client) ThreadNeighbors(threadID string, pivotTime time.Time, before, after int) ([]*ContextNode, error) {
	beforeRows, err := c.queryContextNodes(
		`SELECT `+contextNodeColumns+` FROM context_nodes WHERE thread_id = $1 AND event_time < $2 ORDER BY event_time DESC LIMIT $3`,
		threadID, pivotTime, before,
	)
	if err != nil {
		return nil, err
	}
	afterRows, err := c.queryContextNodes(
		`SELECT `+contextNodeColumns+` FROM context_nodes WHERE thread_id = $1 AND event_time > $2 ORDER BY event_time ASC LIMIT $3`,
		threadID, pivotTime, after,
	)
	if err != nil {
		return nil, err
	}
	return append(beforeRows, afterRows...), nil
}

// ContextNodesNearTime returns nodes within ±window of pivotTime (spec
// §4.14 step 4's fallback when a pivot candidate has no threadId).
func (c *Client) ContextNodesNearTime(pivotTime time.Time, window time.Duration) ([]*ContextNode, error) {
	return c.queryContextNodes(
		`SELECT `+contextNodeColumns+` FROM context_nodes WHERE event_time >= $1 AND event_time <= $2 ORDER BY event_time ASC`,
		pivotTime.Add(-window), pivotTime.Add(window),
	)
}

func (c *Client) queryContextNodes(querySQL string, args ...any) ([]*ContextNode, error) {
	rows, err := c.db.Query(querySQL, args...)
	if err != nil {
		return nil, fmt.Errorf("query context nodes: %w", err)
	}
	defer rows.Close()
	return scanContextNodeList(rows)
}

func scanContextNodeList(rows *sql.Rows) ([]*ContextNode, error) {
	var out []*ContextNode
	for rows.Next() {
		n, err := scanContextNodeRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}
