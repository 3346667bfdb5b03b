package store

import (
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

const createVectorDocumentsSQL = `
	CREATE TABLE IF NOT EXISTS vector_documents (
		id TEXT PRIMARY KEY,
		ref_id TEXT NOT NULL UNIQUE,
		embedding BYTEA,
		embedding_status TEXT NOT NULL DEFAULT 'pending',
		embedding_attempts INTEGER NOT NULL DEFAULT 0,
		embedding_next_run_at TIMESTAMPTZ,
		index_status TEXT NOT NULL DEFAULT 'pending',
		index_attempts INTEGER NOT NULL DEFAULT 0,
		index_next_run_at TIMESTAMPTZ,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE INDEX IF NOT EXISTS idx_vector_documents_embed_claim ON vector_documents(embedding_status, embedding_next_run_at);
	CREATE INDEX IF NOT EXISTS idx_vector_documents_index_claim ON vector_documents(index_status, index_next_run_at);
`

// VectorDocument mirrors spec §3's VectorDocument entity: the two-stage
// pipeline record (text -> embedding -> HNSW index insertion) that C10 (the
// vector-doc scheduler) and C11 (the HNSW index) drive forward.
type VectorDocument struct {
	ID                 string
	RefID              string // points at a context node or thread
	Embedding          []float32
	EmbeddingStatus    string
	EmbeddingAttempts  int
	EmbeddingNextRunAt *time.Time
	IndexStatus        string
	IndexAttempts      int
	IndexNextRunAt     *time.Time
	UpdatedAt          time.Time
}

// EncodeEmbedding serializes a float32 vector as little-endian bytes for
// BYTEA storage — compact and endian-explicit rather than relying on a
// platform-dependent in-memory layout.
func EncodeEmbedding(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// DecodeEmbedding is EncodeEmbedding's inverse.
func DecodeEmbedding(buf []byte) []float32 {
	v := make([]float32, len(buf)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return v
}

// EnsureVectorDocument creates a pending vector document for refID if one
// doesn't already exist (idempotent — C9/C4's "mark dirty" step may fire
// more than once for the same ref).
func (c *Client) EnsureVectorDocument(refID string) (string, error) {
	id := uuid.New().String()
	const insertSQL = `
		INSERT INTO vector_documents (id, ref_id)
		VALUES ($1, $2)
		ON CONFLICT (ref_id) DO NOTHING
	`
	res, err := c.db.Exec(insertSQL, id, refID)
	if err != nil {
		return "", fmt.Errorf("ensure vector document: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return id, nil
	}
	var existingID string
	err = c.db.QueryRow(`SELECT id FROM vector_documents WHERE ref_id = $1`, refID).Scan(&existingID)
	if err != nil {
		return "", fmt.Errorf("load existing vector document: %w", err)
	}
	return existingID, nil
}

// ClaimVectorDocumentsForEmbedding is the embedding stage's CAS claim.
func (c *Client) ClaimVectorDocumentsForEmbedding(limit, maxAttempts int) ([]string, error) {
	return c.claimVectorDocs("embedding_status", "embedding_attempts", "embedding_next_run_at", limit, maxAttempts)
}

// ClaimVectorDocumentsForIndexing is the HNSW-insertion stage's CAS claim;
// only documents whose embedding stage already completed are eligible.
func (c *Client) ClaimVectorDocumentsForIndexing(limit, maxAttempts int) ([]string, error) {
	const claimSQL = `
		UPDATE vector_documents SET index_status = 'running', updated_at = now()
		WHERE id IN (
			SELECT id FROM vector_documents
			WHERE embedding_status = 'done'
			  AND index_status IN ('pending', 'failed')
			  AND index_attempts < $1
			  AND (index_next_run_at IS NULL OR index_next_run_at <= now())
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id
	`
	return queryClaimedIDs(c.db, claimSQL, maxAttempts, limit)
}

func (c *Client) claimVectorDocs(statusCol, attemptsCol, nextRunCol string, limit, maxAttempts int) ([]string, error) {
	claimSQL := fmt.Sprintf(`
		UPDATE vector_documents SET %[1]s = 'running', updated_at = now()
		WHERE id IN (
			SELECT id FROM vector_documents
			WHERE %[1]s IN ('pending', 'failed')
			  AND %[2]s < $1
			  AND (%[3]s IS NULL OR %[3]s <= now())
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id
	`, statusCol, attemptsCol, nextRunCol)
	return queryClaimedIDs(c.db, claimSQL, maxAttempts, limit)
}

func queryClaimedIDs(db *sql.DB, claimSQL string, maxAttempts, limit int) ([]string, error) {
	rows, err := db.Query(claimSQL, maxAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("claim vector documents: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan claimed vector document: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CompleteVectorDocumentEmbedding stores the embedding, marks that stage
// done, and resets the index stage back to pending (spec §4.10: a re-embed
// must force a reindex, since the old index entry now points at stale
// data).
func (c *Client) CompleteVectorDocumentEmbedding(id string, embedding []float32) error {
	_, err := c.db.Exec(
		`UPDATE vector_documents SET
			embedding = $2, embedding_status = 'done',
			index_status = 'pending', index_attempts = 0, index_next_run_at = NULL,
			updated_at = now()
		WHERE id = $1`,
		id, EncodeEmbedding(embedding),
	)
	if err != nil {
		return fmt.Errorf("complete vector document embedding: %w", err)
	}
	return nil
}

// FailVectorDocumentEmbedding records a failed embedding attempt.
func (c *Client) FailVectorDocumentEmbedding(id string, maxAttempts int, nextRunAt time.Time) error {
	const updateSQL = `
		UPDATE vector_documents SET
			embedding_attempts = embedding_attempts + 1,
			embedding_status = CASE WHEN embedding_attempts + 1 >= $2 THEN 'failed_permanent' ELSE 'failed' END,
			embedding_next_run_at = $3,
			updated_at = now()
		WHERE id = $1
	`
	_, err := c.db.Exec(updateSQL, id, maxAttempts, nextRunAt)
	if err != nil {
		return fmt.Errorf("fail vector document embedding: %w", err)
	}
	return nil
}

// CompleteVectorDocumentIndexing marks the HNSW-insertion stage done.
func (c *Client) CompleteVectorDocumentIndexing(id string) error {
	_, err := c.db.Exec(
		`UPDATE vector_documents SET index_status = 'done', updated_at = now() WHERE id = $1`, id,
	)
	if err != nil {
		return fmt.Errorf("complete vector document indexing: %w", err)
	}
	return nil
}

// FailVectorDocumentIndexing records a failed indexing attempt.
func (c *Client) FailVectorDocumentIndexing(id string, maxAttempts int, nextRunAt time.Time) error {
	const updateSQL = `
		UPDATE vector_documents SET
			index_attempts = index_attempts + 1,
			index_status = CASE WHEN index_attempts + 1 >= $2 THEN 'failed_permanent' ELSE 'failed' END,
			index_next_run_at = $3,
			updated_at = now()
		WHERE id = $1
	`
	_, err := c.db.Exec(updateSQL, id, maxAttempts, nextRunAt)
	if err != nil {
		return fmt.Errorf("fail vector document indexing: %w", err)
	}
	return nil
}

// ResetAllVectorDocumentsForRebuild resets every vector document to pending
// at both stages (spec §4.11: a dimension migration, or a corrupt on-disk
// index recovered fresh, invalidates every previously-computed embedding
// and index entry).
func (c *Client) ResetAllVectorDocumentsForRebuild() error {
	_, err := c.db.Exec(`
		UPDATE vector_documents SET
			embedding = NULL, embedding_status = 'pending', embedding_attempts = 0, embedding_next_run_at = NULL,
			index_status = 'pending', index_attempts = 0, index_next_run_at = NULL,
			updated_at = now()
	`)
	if err != nil {
		return fmt.Errorf("reset all vector documents: %w", err)
	}
	return nil
}

// GetVectorDocument loads a vector document by id.
func (c *Client) GetVectorDocument(id string) (*VectorDocument, error) {
	const querySQL = `
		SELECT id, ref_id, embedding, embedding_status, embedding_attempts, embedding_next_run_at,
		       index_status, index_attempts, index_next_run_at, updated_at
		FROM vector_documents WHERE id = $1
	`
	row := c.db.QueryRow(querySQL, id)
	var d VectorDocument
	var embedding []byte
	var embedNextRunAt, indexNextRunAt sql.NullTime

	err := row.Scan(
		&d.ID, &d.RefID, &embedding, &d.EmbeddingStatus, &d.EmbeddingAttempts, &embedNextRunAt,
		&d.IndexStatus, &d.IndexAttempts, &indexNextRunAt, &d.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan vector document: %w", err)
	}
	if embedding != nil {
		d.Embedding = DecodeEmbedding(embedding)
	}
	if embedNextRunAt.Valid {
		t := embedNextRunAt.Time
		d.EmbeddingNextRunAt = &t
	}
	if indexNextRunAt.Valid {
		t := indexNextRunAt.Time
		d.IndexNextRunAt = &t
	}
	return &d, nil
}
