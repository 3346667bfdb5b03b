// Package vectordocscheduler implements the vector document scheduler
// (C10): two independent sub-state-machines per row — embedding (text ->
// f32 vector via the embedding capability) and index (f32 vector -> HNSW
// upsert), each driven by its own scheduler.Runner.
//
// Grounded on vlmscheduler.Scheduler's Runner-wrapping shape, split into two
// Runners over the same table's two status columns rather than one, since
// spec §4.10 deliberately decouples the two stages (a re-embed must force a
// reindex without re-running embedding).
package vectordocscheduler

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/zapdos-labs/mnemora/internal/aiclient"
	"github.com/zapdos-labs/mnemora/internal/eventbus"
	"github.com/zapdos-labs/mnemora/internal/scheduler"
	"github.com/zapdos-labs/mnemora/internal/store"
	"github.com/zapdos-labs/mnemora/internal/vectorindex"
)

// Config holds the vector-doc scheduler's tuning knobs (spec §4.10).
type Config struct {
	EmbeddingDimensions int
	EmbeddingConcurrency int // min(C12 embedding limit, 10)
	IndexConcurrency     int // fixed 10
	DefaultTickInterval  time.Duration
}

func (c *Config) applyDefaults() {
	if c.EmbeddingDimensions <= 0 {
		c.EmbeddingDimensions = 1024
	}
	if c.EmbeddingConcurrency <= 0 {
		c.EmbeddingConcurrency = 10
	}
	if c.IndexConcurrency <= 0 {
		c.IndexConcurrency = 10
	}
	if c.DefaultTickInterval <= 0 {
		c.DefaultTickInterval = 15 * time.Second
	}
}

// Scheduler runs the embedding and index Runners.
type Scheduler struct {
	store *store.Client
	ai    *aiclient.Client // embedding capability
	index *vectorindex.Index
	bus   *eventbus.Bus
	cfg   Config

	embedRunner *scheduler.Runner
	indexRunner *scheduler.Runner
}

// New builds both Runners for the vector-doc pipeline.
func New(st *store.Client, ai *aiclient.Client, idx *vectorindex.Index, bus *eventbus.Bus, cfg Config) *Scheduler {
	cfg.applyDefaults()
	s := &Scheduler{store: st, ai: ai, index: idx, bus: bus, cfg: cfg}

	embedSpec := scheduler.TableSpec{
		Table: "vector_documents", IDColumn: "id",
		StatusColumn: "embedding_status", AttemptsColumn: "embedding_attempts",
		NextRunAtColumn: "embedding_next_run_at", UpdatedAtColumn: "updated_at",
		AgeColumn: "updated_at", MaxAttempts: 2,
	}
	s.embedRunner = scheduler.New("vectordoc-embed", st.DB(), embedSpec, s.processEmbedding, cfg.DefaultTickInterval, cfg.EmbeddingConcurrency)
	s.embedRunner.OnLifecycle(func(event string) {
		bus.Publish(eventbus.ChannelSchedulerLifecycle, eventbus.SchedulerLifecycle{Scheduler: "vectordoc-embed", Event: event})
	})

	indexSpec := scheduler.TableSpec{
		Table: "vector_documents", IDColumn: "id",
		StatusColumn: "index_status", AttemptsColumn: "index_attempts",
		NextRunAtColumn: "index_next_run_at", UpdatedAtColumn: "updated_at",
		AgeColumn: "updated_at", ExtraWhere: "embedding_status = 'done'", MaxAttempts: 2,
	}
	s.indexRunner = scheduler.New("vectordoc-index", st.DB(), indexSpec, s.processIndex, cfg.DefaultTickInterval, cfg.IndexConcurrency)
	s.indexRunner.OnLifecycle(func(event string) {
		bus.Publish(eventbus.ChannelSchedulerLifecycle, eventbus.SchedulerLifecycle{Scheduler: "vectordoc-index", Event: event})
	})

	return s
}

// EmbedRunner/IndexRunner expose the underlying Runners for bootstrap to
// Start/Stop and wire vector-documents:dirty to Wake.
func (s *Scheduler) EmbedRunner() *scheduler.Runner { return s.embedRunner }
func (s *Scheduler) IndexRunner() *scheduler.Runner { return s.indexRunner }

// processEmbedding is the embedding Runner's domain callback.
func (s *Scheduler) processEmbedding(id string) error {
	doc, err := s.store.GetVectorDocument(id)
	if err != nil {
		return fmt.Errorf("load vector document: %w", err)
	}
	if doc == nil {
		return fmt.Errorf("vector document %s vanished after claim", id)
	}

	text, err := s.buildTextForNode(doc.RefID)
	if err != nil {
		return fmt.Errorf("build text for ref %s: %w", doc.RefID, err)
	}
	if text == "" {
		return fmt.Errorf("ref %s has no embeddable text", doc.RefID)
	}

	vec, err := s.ai.Embed(context.Background(), text, s.cfg.EmbeddingDimensions)
	if err != nil {
		return fmt.Errorf("embed: %w", err)
	}

	if err := s.store.CompleteVectorDocumentEmbedding(id, vec); err != nil {
		return fmt.Errorf("complete embedding: %w", err)
	}
	s.bus.Publish(eventbus.ChannelVectorDocsDirty, eventbus.VectorDocDirty{VectorDocID: id, RefID: doc.RefID})
	return nil
}

// processIndex is the index Runner's domain callback; only runs once the
// embedding stage has completed (enforced by indexSpec's ExtraWhere).
func (s *Scheduler) processIndex(id string) error {
	doc, err := s.store.GetVectorDocument(id)
	if err != nil {
		return fmt.Errorf("load vector document: %w", err)
	}
	if doc == nil {
		return fmt.Errorf("vector document %s vanished after claim", id)
	}
	if len(doc.Embedding) == 0 {
		return fmt.Errorf("vector document %s has no embedding to index", id)
	}

	if err := s.index.Upsert(doc.ID, doc.Embedding); err != nil {
		if err == vectorindex.ErrDimensionMigrated {
			// The index rebuilt itself empty at a new dimension; this row
			// (and every other indexed row) must re-embed and reindex.
			return s.resetAllForDimensionMigration()
		}
		return fmt.Errorf("upsert into vector index: %w", err)
	}

	s.index.RequestFlush()
	return s.store.CompleteVectorDocumentIndexing(id)
}

// resetAllForDimensionMigration resets every vector document back to
// pending at both stages (spec §4.11: a dimension migration forces a full
// rebuild, since every previously-indexed vector is now stale).
func (s *Scheduler) resetAllForDimensionMigration() error {
	log.Printf("[vectordocscheduler] dimension migration detected, resetting all vector documents")
	return s.store.ResetAllVectorDocumentsForRebuild()
}

// buildTextForNode concatenates the searchable text representation of a
// context node (spec §4.10: "title, summary, key insights, and entity
// names").
func (s *Scheduler) buildTextForNode(refID string) (string, error) {
	n, err := s.store.GetContextNode(refID)
	if err != nil {
		return "", err
	}
	if n == nil {
		return "", nil
	}

	var b strings.Builder
	b.WriteString(n.Title)
	if n.Summary != "" {
		b.WriteString(". ")
		b.WriteString(n.Summary)
	}
	if n.Knowledge != "" {
		b.WriteString(". ")
		b.WriteString(n.Knowledge)
	}
	for _, e := range n.Entities {
		b.WriteString(" ")
		b.WriteString(e)
	}
	return b.String(), nil
}
