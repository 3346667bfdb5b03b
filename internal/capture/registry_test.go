package capture

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zapdos-labs/mnemora/internal/eventbus"
)

func newTestRegistry(t *testing.T, cfg Config) (*Registry, *eventbus.Bus, func() []eventbus.BatchReady) {
	t.Helper()
	bus := eventbus.New()

	var mu sync.Mutex
	var captured []eventbus.BatchReady
	bus.Subscribe(eventbus.ChannelBatchReady, func(payload any) {
		mu.Lock()
		defer mu.Unlock()
		captured = append(captured, payload.(eventbus.BatchReady))
	})

	var nextID int
	persist := func(in Input) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		nextID++
		return in.SourceKey + "-" + time.Now().Format("150405.000000000") + "-" + string(rune('a'+nextID%26)), nil
	}

	r := New(cfg, persist, bus)
	r.SetActiveSources([]string{"monitor-0"})

	return r, bus, func() []eventbus.BatchReady {
		mu.Lock()
		defer mu.Unlock()
		out := make([]eventbus.BatchReady, len(captured))
		copy(out, captured)
		return out
	}
}

func defaultConfig() Config {
	return Config{BatchMinSize: 2, BatchTimeout: time.Hour, PHashThreshold: 8, GracePeriod: time.Minute}
}

func TestAddRejectsInactiveSource(t *testing.T) {
	r, _, _ := newTestRegistry(t, defaultConfig())
	_, err := r.Add(Input{SourceKey: "monitor-9", Ts: time.Now(), PHash: "aaaaaaaaaaaaaaaa"})
	require.Error(t, err)
	var rej *RejectedError
	require.ErrorAs(t, err, &rej)
	require.Equal(t, ReasonSourceInactive, rej.Reason)
}

func TestAddRejectsDuplicate(t *testing.T) {
	r, _, _ := newTestRegistry(t, defaultConfig())

	_, err := r.Add(Input{SourceKey: "monitor-0", Ts: time.Now(), PHash: "aaaaaaaaaaaaaaaa"})
	require.NoError(t, err)

	_, err = r.Add(Input{SourceKey: "monitor-0", Ts: time.Now(), PHash: "aaaaaaaaaaaaaaab"})
	require.Error(t, err)
	var rej *RejectedError
	require.ErrorAs(t, err, &rej)
	require.Equal(t, ReasonDuplicate, rej.Reason)
}

func TestAddEmitsBatchReadyAtMinSize(t *testing.T) {
	r, _, captured := newTestRegistry(t, defaultConfig())

	_, err := r.Add(Input{SourceKey: "monitor-0", Ts: time.Now(), PHash: "aaaaaaaaaaaaaaaa"})
	require.NoError(t, err)
	require.Empty(t, captured())

	_, err = r.Add(Input{SourceKey: "monitor-0", Ts: time.Now(), PHash: "ffffffffffffffff"})
	require.NoError(t, err)

	batches := captured()
	require.Len(t, batches, 1)
	require.Equal(t, "monitor-0", batches[0].SourceKey)
	require.Equal(t, "size", batches[0].Trigger)
	require.Len(t, batches[0].ScreenshotIDs, 2)
}

func TestAddTimeoutTriggerFiresOnTick(t *testing.T) {
	cfg := Config{BatchMinSize: 100, BatchTimeout: 20 * time.Millisecond, PHashThreshold: 8, GracePeriod: time.Minute}
	r, _, captured := newTestRegistry(t, cfg)
	r.Start()
	defer r.Stop()

	_, err := r.Add(Input{SourceKey: "monitor-0", Ts: time.Now(), PHash: "aaaaaaaaaaaaaaaa"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(captured()) == 1
	}, time.Second, 5*time.Millisecond)

	batches := captured()
	require.Equal(t, "timeout", batches[0].Trigger)
}

func TestPruneInactiveDropsStaleBuffers(t *testing.T) {
	cfg := Config{BatchMinSize: 100, BatchTimeout: time.Hour, PHashThreshold: 8, GracePeriod: 10 * time.Millisecond}
	r, _, _ := newTestRegistry(t, cfg)

	_, err := r.Add(Input{SourceKey: "monitor-0", Ts: time.Now(), PHash: "aaaaaaaaaaaaaaaa"})
	require.NoError(t, err)

	r.SetActiveSources(nil) // monitor-0 leaves the active set
	time.Sleep(20 * time.Millisecond)
	r.pruneInactive()

	r.mu.Lock()
	_, exists := r.buffers["monitor-0"]
	r.mu.Unlock()
	require.False(t, exists, "buffer should be pruned after the grace period elapses")
}
