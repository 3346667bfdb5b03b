package scheduler

import (
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zapdos-labs/mnemora/internal/store"
)

func testStore(t *testing.T) *store.Client {
	t.Helper()
	url := os.Getenv("MNEMORA_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("MNEMORA_TEST_DATABASE_URL not set; skipping scheduler integration test")
	}
	s, err := store.NewClient(store.Config{DatabaseURL: url})
	require.NoError(t, err)
	require.NoError(t, s.DropSchema())
	require.NoError(t, s.CreateSchema())
	t.Cleanup(func() {
		_ = s.DropSchema()
		_ = s.Close()
	})
	return s
}

func batchTableSpec() TableSpec {
	return TableSpec{
		Table:           "batches",
		IDColumn:        "id",
		StatusColumn:    "vlm_status",
		AttemptsColumn:  "vlm_attempts",
		NextRunAtColumn: "vlm_next_run_at",
		UpdatedAtColumn: "updated_at",
		AgeColumn:       "created_at",
		MaxAttempts:     2,
	}
}

func insertTestBatch(t *testing.T, s *store.Client, id string) {
	t.Helper()
	tx, err := s.DB().Begin()
	require.NoError(t, err)
	_, _, err = store.CreateBatchTx(tx, &store.Batch{
		ID: id, BatchID: "batch_" + id, SourceKey: "monitor-0",
		ScreenshotIDs: []string{"s1"}, TsStart: time.Now(), TsEnd: time.Now(),
	})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
}

func TestRunnerDispatchProcessesEachCandidateOnce(t *testing.T) {
	s := testStore(t)
	insertTestBatch(t, s, "row-1")
	insertTestBatch(t, s, "row-2")

	var calls int32
	r := New("vlm-test", s.DB(), batchTableSpec(), func(id string) error {
		atomic.AddInt32(&calls, 1)
		return s.CompleteBatchVLM(id)
	}, time.Minute, 4)

	candidates, err := r.listEligible(10)
	require.NoError(t, err)
	require.Len(t, candidates, 2)

	r.dispatch(candidates)
	require.Equal(t, int32(2), atomic.LoadInt32(&calls))

	b1, err := s.GetBatch("row-1")
	require.NoError(t, err)
	require.Equal(t, "done", b1.VlmStatus)
}

func TestRunnerClaimOneIsExclusive(t *testing.T) {
	s := testStore(t)
	insertTestBatch(t, s, "row-1")

	spec := batchTableSpec()
	r1 := New("vlm-a", s.DB(), spec, func(string) error { return nil }, time.Minute, 1)
	r2 := New("vlm-b", s.DB(), spec, func(string) error { return nil }, time.Minute, 1)

	ok1, err := r1.claimOne("row-1")
	require.NoError(t, err)
	require.True(t, ok1)

	ok2, err := r2.claimOne("row-1")
	require.NoError(t, err)
	require.False(t, ok2, "a second claimant must lose the CAS race")
}

func TestRunnerFailRowAppliesBackoffThenPermanent(t *testing.T) {
	s := testStore(t)
	insertTestBatch(t, s, "row-1")

	spec := batchTableSpec()
	r := New("vlm-test", s.DB(), spec, func(string) error { return nil }, time.Minute, 1)

	ok, err := r.claimOne("row-1")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, r.failRow("row-1"))
	b, err := s.GetBatch("row-1")
	require.NoError(t, err)
	require.Equal(t, "failed", b.VlmStatus)
	require.NotNil(t, b.VlmNextRunAt)

	// The first claim bumped attempts to 1 and failRow set a RetryDelay
	// backoff; clear it so the row is claimable again. The second claim
	// brings attempts to 2 (MaxAttempts), so failing again is permanent.
	_, err = s.DB().Exec(`UPDATE batches SET vlm_next_run_at = NULL WHERE id = 'row-1'`)
	require.NoError(t, err)
	ok, err = r.claimOne("row-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, r.failRow("row-1"))

	b, err = s.GetBatch("row-1")
	require.NoError(t, err)
	require.Equal(t, "failed_permanent", b.VlmStatus)
}

func TestRunnerRecoverStaleResetsRunningRows(t *testing.T) {
	s := testStore(t)
	insertTestBatch(t, s, "row-1")

	spec := batchTableSpec()
	r := New("vlm-test", s.DB(), spec, func(string) error { return nil }, time.Minute, 1)

	ok, err := r.claimOne("row-1")
	require.NoError(t, err)
	require.True(t, ok)

	_, err = s.DB().Exec(`UPDATE batches SET updated_at = $1 WHERE id = 'row-1'`, time.Now().Add(-10*time.Minute))
	require.NoError(t, err)

	n, err := r.recoverStale()
	require.NoError(t, err)
	require.Equal(t, 1, n)

	b, err := s.GetBatch("row-1")
	require.NoError(t, err)
	require.Equal(t, "pending", b.VlmStatus)
}

func TestInterleaveRespectsWeights(t *testing.T) {
	realtime := []Candidate{{ID: "r1"}, {ID: "r2"}, {ID: "r3"}}
	recovery := []Candidate{{ID: "c1"}}

	order := interleave(realtime, recovery, LaneWeights{Realtime: 3, Recovery: 1})
	require.Len(t, order, 4)
	require.Equal(t, "r1", order[0].ID)
	require.Equal(t, "r2", order[1].ID)
	require.Equal(t, "r3", order[2].ID)
	require.Equal(t, "c1", order[3].ID)
}
