package backpressure

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/zapdos-labs/mnemora/internal/capture"
	"github.com/zapdos-labs/mnemora/internal/eventbus"
	"github.com/zapdos-labs/mnemora/internal/store"
)

func testBackpressureStore(t *testing.T) *store.Client {
	t.Helper()
	url := os.Getenv("MNEMORA_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("MNEMORA_TEST_DATABASE_URL not set; skipping backpressure integration test")
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

func testRegistry() *capture.Registry {
	bus := eventbus.New()
	return capture.New(capture.Config{
		BatchMinSize: 100, BatchTimeout: time.Hour, PHashThreshold: 8, GracePeriod: time.Minute,
	}, func(in capture.Input) (string, error) { return "ignored", nil }, bus)
}

func insertPendingBatches(t *testing.T, st *store.Client, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		scID := uuid.New().String()
		_, err := st.InsertScreenshot(&store.Screenshot{
			ID: scID, SourceKey: "screen:0", Ts: time.Now(), PHash: uuid.New().String()[:16],
		})
		require.NoError(t, err)

		tx, err := st.DB().Begin()
		require.NoError(t, err)
		_, _, err = store.CreateBatchTx(tx, &store.Batch{
			ID: uuid.New().String(), BatchID: "batch_" + uuid.New().String(),
			SourceKey: "screen:0", ScreenshotIDs: []string{scID},
			TsStart: time.Now(), TsEnd: time.Now(),
		})
		require.NoError(t, err)
		require.NoError(t, tx.Commit())
	}
}

func TestLevelForBoundaries(t *testing.T) {
	require.Equal(t, LevelNormal, levelFor(0).level)
	require.Equal(t, LevelNormal, levelFor(3).level)
	require.Equal(t, LevelLight, levelFor(4).level)
	require.Equal(t, LevelLight, levelFor(7).level)
	require.Equal(t, LevelMedium, levelFor(8).level)
	require.Equal(t, LevelMedium, levelFor(11).level)
	require.Equal(t, LevelHeavy, levelFor(12).level)
	require.Equal(t, LevelHeavy, levelFor(10000).level)
}

func TestCheckOnceUpgradesPressureImmediately(t *testing.T) {
	st := testBackpressureStore(t)
	insertPendingBatches(t, st, 9) // medium: pending in (7, 11]

	reg := testRegistry()
	bus := eventbus.New()
	var got []eventbus.BackpressureChanged
	bus.Subscribe(eventbus.ChannelBackpressureChanged, func(p any) {
		got = append(got, p.(eventbus.BackpressureChanged))
	})

	c := New(st, reg, bus, Config{CheckInterval: time.Hour, RecoveryHysteresis: time.Hour, RecoveryBatchThreshold: 2})
	require.NoError(t, c.checkOnce())

	require.Equal(t, LevelMedium, c.CurrentLevel())
	require.Len(t, got, 1)
	require.Equal(t, "medium", got[0].Level)
	require.Equal(t, 10, reg.Config().PHashThreshold)
}

func TestCheckOnceRequiresHysteresisToDowngradePressure(t *testing.T) {
	st := testBackpressureStore(t)
	insertPendingBatches(t, st, 9) // medium

	reg := testRegistry()
	bus := eventbus.New()
	c := New(st, reg, bus, Config{CheckInterval: time.Hour, RecoveryHysteresis: 50 * time.Millisecond, RecoveryBatchThreshold: 2})
	require.NoError(t, c.checkOnce())
	require.Equal(t, LevelMedium, c.CurrentLevel())

	// Queue drains to zero (normal), but recovery needs sustained agreement.
	require.NoError(t, clearBatches(st))
	require.NoError(t, c.checkOnce())
	require.Equal(t, LevelMedium, c.CurrentLevel(), "one cycle of agreement is not enough")

	time.Sleep(60 * time.Millisecond)
	require.NoError(t, c.checkOnce())
	require.Equal(t, LevelNormal, c.CurrentLevel(), "hysteresis window plus threshold cycles elapsed")
}

func TestPacerRetunesOnLevelChange(t *testing.T) {
	st := testBackpressureStore(t)
	insertPendingBatches(t, st, 20) // heavy: x4 multiplier

	reg := testRegistry()
	c := New(st, reg, eventbus.New(), Config{
		CheckInterval: time.Hour, RecoveryHysteresis: time.Hour, RecoveryBatchThreshold: 2,
		BaseCaptureInterval: 10 * time.Millisecond,
	})
	require.NoError(t, c.checkOnce())
	require.Equal(t, LevelHeavy, c.CurrentLevel())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	start := time.Now()
	require.NoError(t, c.Pacer().Wait(ctx))
	require.NoError(t, c.Pacer().Wait(ctx))
	require.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func clearBatches(st *store.Client) error {
	_, err := st.DB().Exec(`DELETE FROM batches`)
	return err
}
