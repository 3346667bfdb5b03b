package store

import (
	"fmt"
	"time"
)

// createScreenshotsFTSSQL adds a generated tsvector column and GIN index over
// screenshots' OCR/UI text (joined in from context_nodes at write time by
// the caller, since screenshots itself carries no text — see IndexScreenshotText).
//
// Uses Postgres's 'simple' text search configuration rather than 'english':
// 'simple' does not stem or apply a stopword list, which keeps ranking
// behavior closer to substring/keyword matching across the mixed
// natural-language and UI-chrome text this system indexes, and avoids
// silently mangling non-English UI strings the way a language-specific
// config would. This is the Open Question decision on the FTS backend: the
// corpus carries no SQLite FTS5/BM25 equivalent to draw on here, and
// Postgres's own tsvector/GIN stack (no external search engine dependency)
// is the natural substitute. Recall for CJK text still degrades relative to
// a backend with real segmentation — 'simple' tokenizes on whitespace/punctuation,
// so unsegmented CJK runs index as one token.
const createScreenshotsFTSSQL = `
	CREATE TABLE IF NOT EXISTS screenshots_fts (
		screenshot_id TEXT PRIMARY KEY REFERENCES screenshots(id) ON DELETE CASCADE,
		body TEXT NOT NULL,
		body_tsv TSVECTOR NOT NULL GENERATED ALWAYS AS (to_tsvector('simple', body)) STORED
	);

	CREATE INDEX IF NOT EXISTS idx_screenshots_fts_tsv ON screenshots_fts USING GIN (body_tsv);
`

// IndexScreenshotText upserts the searchable text body for a screenshot
// (title, summary, keywords, OCR text concatenated by the caller).
func (c *Client) IndexScreenshotText(screenshotID, body string) error {
	const upsertSQL = `
		INSERT INTO screenshots_fts (screenshot_id, body)
		VALUES ($1, $2)
		ON CONFLICT (screenshot_id) DO UPDATE SET body = EXCLUDED.body
	`
	_, err := c.db.Exec(upsertSQL, screenshotID, body)
	if err != nil {
		return fmt.Errorf("index screenshot text: %w", err)
	}
	return nil
}

// FTSHit is one keyword-search result (spec §6's candidate collection).
type FTSHit struct {
	ScreenshotID string
	Rank         float64
}

// SearchFTS runs a plainto_tsquery match over screenshots_fts, ranked by
// ts_rank_cd (a BM25-substitute: cover-density ranking, which — unlike plain
// ts_rank — rewards matched terms appearing close together, the closest
// native equivalent to FTS5's bm25()).
func (c *Client) SearchFTS(query string, since *time.Time, limit int) ([]FTSHit, error) {
	args := []any{query, limit}
	whereTime := ""
	if since != nil {
		whereTime = "AND s.ts >= $3"
		args = append(args, *since)
	}

	querySQL := fmt.Sprintf(`
		SELECT f.screenshot_id, ts_rank_cd(f.body_tsv, plainto_tsquery('simple', $1)) AS rank
		FROM screenshots_fts f
		JOIN screenshots s ON s.id = f.screenshot_id
		WHERE f.body_tsv @@ plainto_tsquery('simple', $1) %s
		ORDER BY rank DESC
		LIMIT $2
	`, whereTime)

	rows, err := c.db.Query(querySQL, args...)
	if err != nil {
		return nil, fmt.Errorf("search fts: %w", err)
	}
	defer rows.Close()

	var hits []FTSHit
	for rows.Next() {
		var h FTSHit
		if err := rows.Scan(&h.ScreenshotID, &h.Rank); err != nil {
			return nil, fmt.Errorf("scan fts hit: %w", err)
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}
