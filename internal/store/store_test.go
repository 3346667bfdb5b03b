package store

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// testClient connects to a real Postgres instance for integration-style
// tests, mirroring relay/tests/turso_test.go's "connect to a real local
// database, skip if unavailable" shape rather than mocking *sql.DB.
func testClient(t *testing.T) *Client {
	t.Helper()
	url := os.Getenv("MNEMORA_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("MNEMORA_TEST_DATABASE_URL not set; skipping store integration test")
	}
	c, err := NewClient(Config{DatabaseURL: url})
	require.NoError(t, err)
	require.NoError(t, c.DropSchema())
	require.NoError(t, c.CreateSchema())
	t.Cleanup(func() {
		_ = c.DropSchema()
		_ = c.Close()
	})
	return c
}

func TestInsertAndGetScreenshot(t *testing.T) {
	c := testClient(t)

	id, err := c.InsertScreenshot(&Screenshot{
		SourceKey: "monitor-0",
		Ts:        time.Now(),
		PHash:     "aaaaaaaaaaaaaaaa",
		FilePath:  "/tmp/foo.png",
	})
	require.NoError(t, err)

	got, err := c.GetScreenshot(id)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "monitor-0", got.SourceKey)
	require.Equal(t, StorageEphemeral, got.StorageState)
	require.Empty(t, got.BatchID)
}

func TestAssignBatchIfUnsetOnlyAssignsOnce(t *testing.T) {
	c := testClient(t)

	id, err := c.InsertScreenshot(&Screenshot{
		SourceKey: "monitor-0", Ts: time.Now(), PHash: "bbbbbbbbbbbbbbbb",
	})
	require.NoError(t, err)

	ok, err := c.AssignBatchIfUnset(id, "batch-a")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = c.AssignBatchIfUnset(id, "batch-b")
	require.NoError(t, err)
	require.False(t, ok, "a screenshot already owned by a batch must not be reassigned")

	got, err := c.GetScreenshot(id)
	require.NoError(t, err)
	require.Equal(t, "batch-a", got.BatchID)
}

func TestCreateBatchTxIdempotentOnFingerprint(t *testing.T) {
	c := testClient(t)

	b := &Batch{
		ID: "row-1", BatchID: "batch_deadbeef", SourceKey: "monitor-0",
		ScreenshotIDs: []string{"s1", "s2"},
		TsStart:       time.Now(), TsEnd: time.Now(),
	}

	tx1, err := c.DB().Begin()
	require.NoError(t, err)
	id1, won1, err := CreateBatchTx(tx1, b)
	require.NoError(t, err)
	require.NoError(t, tx1.Commit())
	require.True(t, won1)

	b2 := *b
	b2.ID = "row-2"
	tx2, err := c.DB().Begin()
	require.NoError(t, err)
	id2, won2, err := CreateBatchTx(tx2, &b2)
	require.NoError(t, err)
	require.NoError(t, tx2.Commit())

	require.False(t, won2, "a second builder racing the same fingerprint must lose")
	require.Equal(t, id1, id2, "both builders must agree on a single owning row")
}

func TestClaimBatchesForVLMExcludesFutureRetries(t *testing.T) {
	c := testClient(t)

	tx, err := c.DB().Begin()
	require.NoError(t, err)
	_, _, err = CreateBatchTx(tx, &Batch{
		ID: "row-1", BatchID: "batch_one", SourceKey: "monitor-0",
		ScreenshotIDs: []string{"s1"}, TsStart: time.Now(), TsEnd: time.Now(),
	})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	claimed, err := c.ClaimBatchesForVLM(10, 5)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	require.NoError(t, c.FailBatchVLM(claimed[0], 5, time.Now().Add(time.Hour)))

	claimedAgain, err := c.ClaimBatchesForVLM(10, 5)
	require.NoError(t, err)
	require.Empty(t, claimedAgain, "a batch scheduled to retry in the future must not be reclaimed early")
}

func TestFailBatchVLMGoesPermanentAtMaxAttempts(t *testing.T) {
	c := testClient(t)

	tx, err := c.DB().Begin()
	require.NoError(t, err)
	_, _, err = CreateBatchTx(tx, &Batch{
		ID: "row-1", BatchID: "batch_perm", SourceKey: "monitor-0",
		ScreenshotIDs: []string{"s1"}, TsStart: time.Now(), TsEnd: time.Now(),
	})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	require.NoError(t, c.FailBatchVLM("row-1", 1, time.Now()))

	b, err := c.GetBatch("row-1")
	require.NoError(t, err)
	require.Equal(t, "failed_permanent", b.VlmStatus)
}

func TestEnsureVectorDocumentIsIdempotent(t *testing.T) {
	c := testClient(t)

	id1, err := c.EnsureVectorDocument("node-1")
	require.NoError(t, err)
	id2, err := c.EnsureVectorDocument("node-1")
	require.NoError(t, err)
	require.Equal(t, id1, id2)
}

func TestEmbeddingRoundTrip(t *testing.T) {
	v := []float32{0.1, -0.2, 3.5, 0}
	require.Equal(t, v, DecodeEmbedding(EncodeEmbedding(v)))
}

func TestSearchFTSRanksCloserTermsHigher(t *testing.T) {
	c := testClient(t)

	id1, err := c.InsertScreenshot(&Screenshot{SourceKey: "m0", Ts: time.Now(), PHash: "cccccccccccccccc"})
	require.NoError(t, err)
	id2, err := c.InsertScreenshot(&Screenshot{SourceKey: "m0", Ts: time.Now(), PHash: "dddddddddddddddd"})
	require.NoError(t, err)

	require.NoError(t, c.IndexScreenshotText(id1, "quarterly budget review budget spreadsheet"))
	require.NoError(t, c.IndexScreenshotText(id2, "budget mentioned once in an unrelated document about travel plans review"))

	hits, err := c.SearchFTS("budget review", nil, 10)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	require.Equal(t, id1, hits[0].ScreenshotID)
}
