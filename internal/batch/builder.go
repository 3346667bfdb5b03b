// Package batch implements the batch builder (C3, spec §4.3): a single
// transaction that sorts a drained source buffer, computes a
// content-addressed fingerprint, inserts-or-reuses the batch row, and
// single-owner-assigns screenshots to it.
//
// Grounded on database/schema.go's transaction + unique-violation-tolerant
// insert shape, generalized from the teacher's idempotent service-creation
// pattern to batches, with the extra single-owner conflict check spec §4.3
// requires that the teacher's schema does not.
package batch

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/zapdos-labs/mnemora/internal/eventbus"
	"github.com/zapdos-labs/mnemora/internal/store"
)

// ConflictError reports that a screenshot is already owned by a different
// batch (spec §4.3 step 4, P2's single-owner invariant).
type ConflictError struct {
	ScreenshotID  string
	ExistingBatch string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict: screenshot %s assigned to batch %s", e.ScreenshotID, e.ExistingBatch)
}

// InputScreenshot is the minimal view of a screenshot the builder needs;
// callers pass these from the C2-drained id list after loading timestamps.
type InputScreenshot struct {
	ID string
	Ts time.Time
}

// Builder wires the store and event bus together for batch creation.
type Builder struct {
	store *store.Client
	bus   *eventbus.Bus
}

// New creates a Builder.
func New(s *store.Client, bus *eventbus.Bus) *Builder {
	return &Builder{store: s, bus: bus}
}

// Fingerprint computes the content-addressed batch id (spec §3/P3):
// sha256({sourceKey, tsStart, tsEnd, sorted(screenshotIds)}).hex[:24],
// prefixed "batch_".
func Fingerprint(sourceKey string, tsStart, tsEnd time.Time, screenshotIDs []string) string {
	sorted := append([]string(nil), screenshotIDs...)
	sort.Strings(sorted)

	h := sha256.New()
	fmt.Fprintf(h, "%s|%d|%d|", sourceKey, tsStart.UnixNano(), tsEnd.UnixNano())
	for _, id := range sorted {
		h.Write([]byte(id))
		h.Write([]byte{0})
	}
	sum := hex.EncodeToString(h.Sum(nil))
	return "batch_" + sum[:24]
}

// CreateAndPersist implements createAndPersistBatch (spec §4.3) as a single
// transaction. screenshots need not be pre-sorted; this sorts them by ts.
func (b *Builder) CreateAndPersist(sourceKey string, screenshots []InputScreenshot) (batchDBID string, err error) {
	if len(screenshots) == 0 {
		return "", fmt.Errorf("create batch: empty screenshot set")
	}

	sorted := append([]InputScreenshot(nil), screenshots...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Ts.Before(sorted[j].Ts) })

	ids := make([]string, len(sorted))
	for i, s := range sorted {
		ids[i] = s.ID
	}
	tsStart, tsEnd := sorted[0].Ts, sorted[len(sorted)-1].Ts
	fingerprint := Fingerprint(sourceKey, tsStart, tsEnd, ids)

	tx, err := b.store.DB().Begin()
	if err != nil {
		return "", fmt.Errorf("begin batch transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	row := &store.Batch{
		ID:            uuid.New().String(),
		BatchID:       fingerprint,
		SourceKey:     sourceKey,
		ScreenshotIDs: ids,
		TsStart:       tsStart,
		TsEnd:         tsEnd,
	}
	dbID, _, err := store.CreateBatchTx(tx, row)
	if err != nil {
		return "", fmt.Errorf("create batch row: %w", err)
	}

	for _, id := range ids {
		existing, batchErr := store.ScreenshotBatchIDTx(tx, id)
		if batchErr != nil {
			err = fmt.Errorf("load screenshot batch id: %w", batchErr)
			return "", err
		}
		if existing != "" && existing != dbID {
			err = &ConflictError{ScreenshotID: id, ExistingBatch: existing}
			return "", err
		}
	}

	for _, id := range ids {
		if _, assignErr := store.AssignBatchIfUnsetTx(tx, id, dbID); assignErr != nil {
			err = fmt.Errorf("assign screenshot to batch: %w", assignErr)
			return "", err
		}
	}

	if err = tx.Commit(); err != nil {
		return "", fmt.Errorf("commit batch transaction: %w", err)
	}

	b.bus.Publish(eventbus.ChannelBatchPersisted, eventbus.BatchPersisted{
		BatchDBID:     dbID,
		BatchID:       fingerprint,
		SourceKey:     sourceKey,
		ScreenshotIDs: ids,
	})

	return dbID, nil
}
