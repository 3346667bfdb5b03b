package batch

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zapdos-labs/mnemora/internal/eventbus"
	"github.com/zapdos-labs/mnemora/internal/store"
)

func TestFingerprintStableUnderReordering(t *testing.T) {
	ts0 := time.Unix(1000, 0)
	ts1 := time.Unix(1010, 0)

	a := Fingerprint("monitor-0", ts0, ts1, []string{"s1", "s2", "s3"})
	b := Fingerprint("monitor-0", ts0, ts1, []string{"s3", "s1", "s2"})
	require.Equal(t, a, b, "fingerprint must be order-independent over screenshot ids")
	require.Regexp(t, `^batch_[0-9a-f]{24}$`, a)
}

func TestFingerprintDiffersOnSourceKey(t *testing.T) {
	ts0 := time.Unix(1000, 0)
	ts1 := time.Unix(1010, 0)
	a := Fingerprint("monitor-0", ts0, ts1, []string{"s1"})
	b := Fingerprint("monitor-1", ts0, ts1, []string{"s1"})
	require.NotEqual(t, a, b)
}

func testBuilder(t *testing.T) (*Builder, *store.Client) {
	t.Helper()
	url := os.Getenv("MNEMORA_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("MNEMORA_TEST_DATABASE_URL not set; skipping batch integration test")
	}
	s, err := store.NewClient(store.Config{DatabaseURL: url})
	require.NoError(t, err)
	require.NoError(t, s.DropSchema())
	require.NoError(t, s.CreateSchema())
	t.Cleanup(func() {
		_ = s.DropSchema()
		_ = s.Close()
	})
	return New(s, eventbus.New()), s
}

func insertScreenshot(t *testing.T, s *store.Client, sourceKey string, ts time.Time, phash string) string {
	t.Helper()
	id, err := s.InsertScreenshot(&store.Screenshot{SourceKey: sourceKey, Ts: ts, PHash: phash})
	require.NoError(t, err)
	return id
}

func TestCreateAndPersistIsIdempotentUnderRetry(t *testing.T) {
	b, s := testBuilder(t)

	base := time.Now()
	id1 := insertScreenshot(t, s, "monitor-0", base, "aaaaaaaaaaaaaaaa")
	id2 := insertScreenshot(t, s, "monitor-0", base.Add(time.Second), "bbbbbbbbbbbbbbbb")

	shots := []InputScreenshot{{ID: id1, Ts: base}, {ID: id2, Ts: base.Add(time.Second)}}

	dbID1, err := b.CreateAndPersist("monitor-0", shots)
	require.NoError(t, err)

	dbID2, err := b.CreateAndPersist("monitor-0", shots)
	require.NoError(t, err, "retrying with the same inputs must not error")
	require.Equal(t, dbID1, dbID2, "retry must resolve to the same batch row")
}

func TestCreateAndPersistRejectsCrossBatchConflict(t *testing.T) {
	b, s := testBuilder(t)

	base := time.Now()
	id1 := insertScreenshot(t, s, "monitor-0", base, "aaaaaaaaaaaaaaaa")
	id2 := insertScreenshot(t, s, "monitor-0", base.Add(time.Second), "bbbbbbbbbbbbbbbb")
	id3 := insertScreenshot(t, s, "monitor-0", base.Add(2*time.Second), "cccccccccccccccc")

	_, err := b.CreateAndPersist("monitor-0", []InputScreenshot{{ID: id1, Ts: base}, {ID: id2, Ts: base.Add(time.Second)}})
	require.NoError(t, err)

	_, err = b.CreateAndPersist("monitor-0", []InputScreenshot{
		{ID: id1, Ts: base}, {ID: id3, Ts: base.Add(2 * time.Second)},
	})
	require.Error(t, err)
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, id1, conflict.ScreenshotID)
}
