// Package store is the embedded relational store (spec §3): screenshots,
// batches, context nodes, threads, activity windows, vector documents, and
// the screenshots FTS index, all behind one *sql.DB.
//
// Grounded on database/*.go's Client-over-*sql.DB shape, $1-style
// placeholders, and ON CONFLICT upserts, adapted from the teacher's
// services/events schema to spec §3's ingestion-to-recall schema. Postgres
// (via pgx's database/sql driver) plays the role of the teacher's "embedded"
// relational store.
package store

import (
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Client wraps the relational store connection.
type Client struct {
	db *sql.DB
}

// Config configures the store connection.
type Config struct {
	DatabaseURL string
}

// NewClient opens (but does not schema-initialize) the store.
func NewClient(cfg Config) (*Client, error) {
	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Client{db: db}, nil
}

// Close closes the underlying connection pool.
func (c *Client) Close() error {
	return c.db.Close()
}

// DB exposes the underlying *sql.DB for components (e.g. a transaction
// helper) that need direct access.
func (c *Client) DB() *sql.DB {
	return c.db
}

// isDuplicateError reports whether err is a unique-constraint violation.
// Grounded on database/schema.go's isDuplicateError helper.
func isDuplicateError(err error) bool {
	if err == nil {
		return false
	}
	var pgErr interface{ SQLState() string }
	if ok := asPgError(err, &pgErr); ok {
		return pgErr.SQLState() == "23505"
	}
	return false
}

// asPgError unwraps err looking for a type implementing SQLState() string,
// as jackc/pgx's *pgconn.PgError does, without importing pgconn directly
// (keeps this file decoupled from the exact pgx internal package layout).
func asPgError(err error, target *interface{ SQLState() string }) bool {
	type sqlStater interface{ SQLState() string }
	for err != nil {
		if s, ok := err.(sqlStater); ok {
			*target = s
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// CreateSchema creates every table used by the core if not already present.
func (c *Client) CreateSchema() error {
	stmts := []string{
		createScreenshotsSQL,
		createBatchesSQL,
		createContextNodesSQL,
		createThreadsSQL,
		createActivityWindowsSQL,
		createActivityEventsSQL,
		createVectorDocumentsSQL,
		createScreenshotsFTSSQL,
	}
	for _, stmt := range stmts {
		if _, err := c.db.Exec(stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

// DropSchema drops every core table. Used by tests.
func (c *Client) DropSchema() error {
	stmts := []string{
		`DROP TABLE IF EXISTS screenshots_fts CASCADE`,
		`DROP TABLE IF EXISTS vector_documents CASCADE`,
		`DROP TABLE IF EXISTS activity_events CASCADE`,
		`DROP TABLE IF EXISTS activity_windows CASCADE`,
		`DROP TABLE IF EXISTS threads CASCADE`,
		`DROP TABLE IF EXISTS context_nodes CASCADE`,
		`DROP TABLE IF EXISTS batches CASCADE`,
		`DROP TABLE IF EXISTS screenshots CASCADE`,
	}
	for _, stmt := range stmts {
		if _, err := c.db.Exec(stmt); err != nil {
			return fmt.Errorf("drop schema: %w", err)
		}
	}
	return nil
}
