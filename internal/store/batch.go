package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const createBatchesSQL = `
	CREATE TABLE IF NOT EXISTS batches (
		id TEXT PRIMARY KEY,
		batch_id TEXT NOT NULL UNIQUE,
		source_key TEXT NOT NULL,
		screenshot_ids JSONB NOT NULL,
		ts_start TIMESTAMPTZ NOT NULL,
		ts_end TIMESTAMPTZ NOT NULL,
		vlm_status TEXT NOT NULL DEFAULT 'pending',
		vlm_attempts INTEGER NOT NULL DEFAULT 0,
		vlm_next_run_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE INDEX IF NOT EXISTS idx_batches_vlm_claim ON batches(vlm_status, vlm_next_run_at);
	CREATE INDEX IF NOT EXISTS idx_batches_source_key ON batches(source_key);
`

// Batch mirrors spec §3's Batch entity and §4.2's scheduling fields.
type Batch struct {
	ID            string
	BatchID       string // content-addressed, "batch_"-prefixed fingerprint
	SourceKey     string
	ScreenshotIDs []string
	TsStart       time.Time
	TsEnd         time.Time
	VlmStatus     string
	VlmAttempts   int
	VlmNextRunAt  *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// CreateBatchTx inserts b within tx, tolerating a unique violation on
// batch_id by reusing the existing row (spec §4.3: content-addressed batch
// creation is idempotent — two concurrent builders computing the same
// fingerprint must converge on one row, not two).
//
// Grounded on database/schema.go's ON CONFLICT-based upsert pattern,
// generalized here to an explicit insert-then-fallback-select because the
// caller needs to know whether it won or lost the race (to decide whether
// it, or the other builder, owns screenshot assignment).
func CreateBatchTx(tx *sql.Tx, b *Batch) (dbID string, won bool, err error) {
	idsJSON, err := json.Marshal(b.ScreenshotIDs)
	if err != nil {
		return "", false, fmt.Errorf("marshal screenshot ids: %w", err)
	}

	const insertSQL = `
		INSERT INTO batches (id, batch_id, source_key, screenshot_ids, ts_start, ts_end)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (batch_id) DO NOTHING
	`
	res, err := tx.Exec(insertSQL, b.ID, b.BatchID, b.SourceKey, string(idsJSON), b.TsStart, b.TsEnd)
	if err != nil {
		return "", false, fmt.Errorf("insert batch: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", false, err
	}
	if n == 1 {
		return b.ID, true, nil
	}

	var existingID string
	err = tx.QueryRow(`SELECT id FROM batches WHERE batch_id = $1`, b.BatchID).Scan(&existingID)
	if err != nil {
		return "", false, fmt.Errorf("load existing batch: %w", err)
	}
	return existingID, false, nil
}

// GetBatch loads a batch by its internal id.
func (c *Client) GetBatch(id string) (*Batch, error) {
	const querySQL = `
		SELECT id, batch_id, source_key, screenshot_ids, ts_start, ts_end,
		       vlm_status, vlm_attempts, vlm_next_run_at, created_at, updated_at
		FROM batches WHERE id = $1
	`
	row := c.db.QueryRow(querySQL, id)
	return scanBatch(row)
}

func scanBatch(row *sql.Row) (*Batch, error) {
	var b Batch
	var idsRaw string
	var nextRunAt sql.NullTime

	err := row.Scan(
		&b.ID, &b.BatchID, &b.SourceKey, &idsRaw, &b.TsStart, &b.TsEnd,
		&b.VlmStatus, &b.VlmAttempts, &nextRunAt, &b.CreatedAt, &b.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan batch: %w", err)
	}
	parseJSONInto(idsRaw, &b.ScreenshotIDs)
	if nextRunAt.Valid {
		t := nextRunAt.Time
		b.VlmNextRunAt = &t
	}
	return &b, nil
}

// ClaimBatchesForVLM performs the scheduler's CAS claim (spec §4.2): it
// atomically flips a bounded set of eligible batches from a claimable
// status to "running" and returns their ids, so exactly one scheduler
// tick owns each claimed batch.
func (c *Client) ClaimBatchesForVLM(limit int, maxAttempts int) ([]string, error) {
	const claimSQL = `
		UPDATE batches SET vlm_status = 'running', updated_at = now()
		WHERE id IN (
			SELECT id FROM batches
			WHERE vlm_status IN ('pending', 'failed')
			  AND vlm_attempts < $1
			  AND (vlm_next_run_at IS NULL OR vlm_next_run_at <= now())
			ORDER BY ts_start ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id
	`
	rows, err := c.db.Query(claimSQL, maxAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("claim batches: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan claimed batch: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CompleteBatchVLM marks a batch's VLM stage done.
func (c *Client) CompleteBatchVLM(id string) error {
	_, err := c.db.Exec(`UPDATE batches SET vlm_status = 'done', updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("complete batch vlm: %w", err)
	}
	return nil
}

// FailBatchVLM records a failed attempt and schedules the next retry, or
// marks the batch permanently failed once maxAttempts is reached (spec §4.2
// retry/backoff policy).
func (c *Client) FailBatchVLM(id string, maxAttempts int, nextRunAt time.Time) error {
	const updateSQL = `
		UPDATE batches SET
			vlm_attempts = vlm_attempts + 1,
			vlm_status = CASE WHEN vlm_attempts + 1 >= $2 THEN 'failed_permanent' ELSE 'failed' END,
			vlm_next_run_at = $3,
			updated_at = now()
		WHERE id = $1
	`
	_, err := c.db.Exec(updateSQL, id, maxAttempts, nextRunAt)
	if err != nil {
		return fmt.Errorf("fail batch vlm: %w", err)
	}
	return nil
}

// RecoverStaleBatches resets batches stuck in "running" past staleAfter
// back to "pending" (spec §4.2 stale-running recovery sweep — a scheduler
// that crashed mid-tick must not permanently strand its claimed rows).
func (c *Client) RecoverStaleBatches(staleAfter time.Duration) (int, error) {
	res, err := c.db.Exec(
		`UPDATE batches SET vlm_status = 'pending', updated_at = now()
		 WHERE vlm_status = 'running' AND updated_at < $1`,
		time.Now().Add(-staleAfter),
	)
	if err != nil {
		return 0, fmt.Errorf("recover stale batches: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// PendingOrRunningBatchCount reports the queue depth C13 (backpressure)
// reads every check interval.
func (c *Client) PendingOrRunningBatchCount() (int, error) {
	var n int
	err := c.db.QueryRow(
		`SELECT count(*) FROM batches WHERE vlm_status IN ('pending', 'running')`,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending or running batches: %w", err)
	}
	return n, nil
}
