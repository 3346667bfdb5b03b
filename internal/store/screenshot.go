package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const createScreenshotsSQL = `
	CREATE TABLE IF NOT EXISTS screenshots (
		id TEXT PRIMARY KEY,
		source_key TEXT NOT NULL,
		ts TIMESTAMPTZ NOT NULL,
		phash TEXT NOT NULL,
		file_path TEXT,
		app_hint TEXT,
		window_title TEXT,
		width INTEGER,
		height INTEGER,
		storage_state TEXT NOT NULL DEFAULT 'ephemeral',
		retention_expires_at TIMESTAMPTZ,
		batch_id TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE INDEX IF NOT EXISTS idx_screenshots_source_key ON screenshots(source_key);
	CREATE INDEX IF NOT EXISTS idx_screenshots_ts ON screenshots(ts);
	CREATE INDEX IF NOT EXISTS idx_screenshots_batch_id ON screenshots(batch_id);
`

// StorageState is a Screenshot's lifecycle state (spec §3).
type StorageState string

const (
	StorageEphemeral StorageState = "ephemeral"
	StoragePersisted StorageState = "persisted"
	StorageDeleted   StorageState = "deleted"
)

// Screenshot mirrors spec §3's Screenshot entity.
type Screenshot struct {
	ID                 string
	SourceKey          string
	Ts                 time.Time
	PHash              string
	FilePath           string
	AppHint            string
	WindowTitle        string
	Width              int
	Height             int
	StorageState       StorageState
	RetentionExpiresAt *time.Time
	BatchID            string // empty if unassigned
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// InsertScreenshot persists a newly-accepted screenshot and returns its id.
// This is the callback C2 invokes after a pHash/dedup check passes.
func (c *Client) InsertScreenshot(s *Screenshot) (string, error) {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}

	const insertSQL = `
		INSERT INTO screenshots
			(id, source_key, ts, phash, file_path, app_hint, window_title, width, height, storage_state)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err := c.db.Exec(insertSQL,
		s.ID, s.SourceKey, s.Ts, s.PHash, nullString(s.FilePath), nullString(s.AppHint),
		nullString(s.WindowTitle), nullInt(s.Width), nullInt(s.Height), string(StorageEphemeral),
	)
	if err != nil {
		return "", fmt.Errorf("insert screenshot: %w", err)
	}
	return s.ID, nil
}

// GetScreenshot loads a screenshot by id. Returns (nil, nil) if not found.
func (c *Client) GetScreenshot(id string) (*Screenshot, error) {
	const querySQL = `
		SELECT id, source_key, ts, phash, file_path, app_hint, window_title,
		       width, height, storage_state, retention_expires_at, batch_id, created_at, updated_at
		FROM screenshots WHERE id = $1
	`
	row := c.db.QueryRow(querySQL, id)
	s, err := scanScreenshot(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return s, err
}

// GetScreenshotsByIDs loads screenshots by id, in no particular order.
func (c *Client) GetScreenshotsByIDs(ids []string) ([]*Screenshot, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	const querySQL = `
		SELECT id, source_key, ts, phash, file_path, app_hint, window_title,
		       width, height, storage_state, retention_expires_at, batch_id, created_at, updated_at
		FROM screenshots WHERE id = ANY($1)
	`
	rows, err := c.db.Query(querySQL, toTextArray(ids))
	if err != nil {
		return nil, fmt.Errorf("query screenshots: %w", err)
	}
	defer rows.Close()
	return scanScreenshots(rows)
}

// queryRower is satisfied by both *sql.DB and *sql.Tx, letting the batch
// builder's transactional conflict check (spec §4.3 step 4) share this
// logic with any future non-transactional caller.
type queryRower interface {
	QueryRow(query string, args ...any) *sql.Row
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

// ScreenshotBatchID returns the current batch_id of a screenshot (empty
// string if unassigned). Used by the batch builder's conflict check.
func (c *Client) ScreenshotBatchID(id string) (string, error) {
	return ScreenshotBatchIDTx(c.db, id)
}

// ScreenshotBatchIDTx is ScreenshotBatchID scoped to q, so the batch
// builder's conflict check (spec §4.3 step 4) can run inside the same
// transaction that later performs the assignment.
func ScreenshotBatchIDTx(q queryRower, id string) (string, error) {
	var batchID sql.NullString
	err := q.QueryRow(`SELECT batch_id FROM screenshots WHERE id = $1`, id).Scan(&batchID)
	if err != nil {
		return "", fmt.Errorf("query screenshot batch id: %w", err)
	}
	return batchID.String, nil
}

// AssignBatchIfUnset sets batch_id for a screenshot only if it is currently
// NULL (spec §4.3 step 5 — "update only those screenshots whose batchId IS
// NULL"). Returns whether the row was actually updated.
func (c *Client) AssignBatchIfUnset(screenshotID, batchDBID string) (bool, error) {
	return AssignBatchIfUnsetTx(c.db, screenshotID, batchDBID)
}

// AssignBatchIfUnsetTx is AssignBatchIfUnset scoped to x (a *sql.DB or
// *sql.Tx).
func AssignBatchIfUnsetTx(x execer, screenshotID, batchDBID string) (bool, error) {
	res, err := x.Exec(
		`UPDATE screenshots SET batch_id = $1, updated_at = now() WHERE id = $2 AND batch_id IS NULL`,
		batchDBID, screenshotID,
	)
	if err != nil {
		return false, fmt.Errorf("assign batch: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Tombstone marks a screenshot deleted and clears its file path (spec §3
// lifecycle note: "deletions are tombstoned").
func (c *Client) Tombstone(id string) error {
	_, err := c.db.Exec(
		`UPDATE screenshots SET storage_state = $1, file_path = NULL, updated_at = now() WHERE id = $2`,
		string(StorageDeleted), id,
	)
	if err != nil {
		return fmt.Errorf("tombstone screenshot: %w", err)
	}
	return nil
}

func scanScreenshot(row *sql.Row) (*Screenshot, error) {
	var s Screenshot
	var filePath, appHint, windowTitle, batchID sql.NullString
	var width, height sql.NullInt64
	var retentionExpiresAt sql.NullTime
	var storageState string

	err := row.Scan(
		&s.ID, &s.SourceKey, &s.Ts, &s.PHash, &filePath, &appHint, &windowTitle,
		&width, &height, &storageState, &retentionExpiresAt, &batchID, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	fillScreenshot(&s, filePath, appHint, windowTitle, width, height, storageState, retentionExpiresAt, batchID)
	return &s, nil
}

func scanScreenshots(rows *sql.Rows) ([]*Screenshot, error) {
	var out []*Screenshot
	for rows.Next() {
		var s Screenshot
		var filePath, appHint, windowTitle, batchID sql.NullString
		var width, height sql.NullInt64
		var retentionExpiresAt sql.NullTime
		var storageState string

		if err := rows.Scan(
			&s.ID, &s.SourceKey, &s.Ts, &s.PHash, &filePath, &appHint, &windowTitle,
			&width, &height, &storageState, &retentionExpiresAt, &batchID, &s.CreatedAt, &s.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan screenshot: %w", err)
		}
		fillScreenshot(&s, filePath, appHint, windowTitle, width, height, storageState, retentionExpiresAt, batchID)
		out = append(out, &s)
	}
	return out, rows.Err()
}

func fillScreenshot(s *Screenshot, filePath, appHint, windowTitle sql.NullString, width, height sql.NullInt64, storageState string, retentionExpiresAt sql.NullTime, batchID sql.NullString) {
	s.FilePath = filePath.String
	s.AppHint = appHint.String
	s.WindowTitle = windowTitle.String
	s.Width = int(width.Int64)
	s.Height = int(height.Int64)
	s.StorageState = StorageState(storageState)
	if retentionExpiresAt.Valid {
		t := retentionExpiresAt.Time
		s.RetentionExpiresAt = &t
	}
	s.BatchID = batchID.String
}
