package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apiscope/apiscope/internal/event"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(Config{
		DBPath:        filepath.Join(t.TempDir(), "apiscope.db"),
		RetentionDays: 30,
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func storedEvent(service, method, path string, status int, durationMs float64) event.Event {
	return event.Event{
		ID:            event.NewID(),
		ServiceName:   service,
		Method:        method,
		TargetHost:    "payments.internal",
		TargetPath:    path,
		StatusCode:    status,
		DurationMs:    durationMs,
		RequestBytes:  128,
		ResponseBytes: 256,
		Timestamp:     time.Now(),
	}
}

func TestDeliverUpdatesAggregates(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	batch := event.NewBatch([]event.Event{
		storedEvent("checkout", "POST", "/pay", 200, 10),
		storedEvent("checkout", "POST", "/pay", 200, 20),
		storedEvent("checkout", "POST", "/pay", 500, 30),
	})
	require.NoError(t, store.Deliver(ctx, batch))

	stats, err := store.EndpointStatisticsFor(ctx, "checkout")
	require.NoError(t, err)
	require.Len(t, stats, 1)

	st := stats[0]
	assert.Equal(t, "POST", st.Method)
	assert.Equal(t, "/pay", st.TargetPath)
	assert.Equal(t, int64(3), st.Count)
	assert.Equal(t, int64(1), st.ErrorCount)
	assert.Equal(t, 60.0, st.SumDurationMs)
	assert.Equal(t, 10.0, st.MinDurationMs)
	assert.Equal(t, 30.0, st.MaxDurationMs)
	assert.InDelta(t, 20.0, st.MeanDurationMs(), 1e-9)
	assert.InDelta(t, 200.0/3.0, st.VarianceDurationMs(), 1e-9)
	assert.False(t, st.LastSeen.IsZero())

	deps, err := store.ServiceDependencies(ctx)
	require.NoError(t, err)
	require.Len(t, deps, 1)
	assert.Equal(t, "checkout", deps[0].CallerService)
	assert.Equal(t, "payments.internal", deps[0].TargetHost)
	assert.Equal(t, int64(3), deps[0].CallCount)
}

func TestRedeliveredBatchDoesNotDoubleCount(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	batch := event.NewBatch([]event.Event{
		storedEvent("checkout", "GET", "/orders", 200, 5),
		storedEvent("checkout", "GET", "/orders", 200, 7),
	})
	require.NoError(t, store.Deliver(ctx, batch))
	require.NoError(t, store.Deliver(ctx, batch))

	stats, err := store.EndpointStatisticsFor(ctx, "checkout")
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, int64(2), stats[0].Count)
	assert.Equal(t, 12.0, stats[0].SumDurationMs)

	events, err := store.Events(ctx, EventFilter{ServiceName: "checkout"})
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestInvalidEventFailsWholeBatch(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	bad := storedEvent("checkout", "GET", "/orders", 200, 5)
	bad.ServiceName = ""
	batch := event.NewBatch([]event.Event{
		storedEvent("checkout", "GET", "/orders", 200, 5),
		bad,
	})

	err := store.Deliver(ctx, batch)
	require.Error(t, err)
	assert.ErrorIs(t, err, event.ErrInvalid)

	// Nothing from the batch may be visible, including the valid event.
	stats, err := store.QueryStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.EventCount)
	assert.Equal(t, int64(0), stats.EndpointCount)
}

func TestEmptyBatchIsNoOp(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, store.Deliver(context.Background(), event.NewBatch(nil)))
}

func TestReplayMatchesIncrementalAggregates(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	durations := []float64{3.25, 18.5, 7.75, 42.0, 11.125, 6.5}
	for i, d := range durations {
		status := 200
		if i%3 == 0 {
			status = 502
		}
		batch := event.NewBatch([]event.Event{storedEvent("billing", "POST", "/invoice", status, d)})
		require.NoError(t, store.Deliver(ctx, batch))
	}

	stats, err := store.EndpointStatisticsFor(ctx, "billing")
	require.NoError(t, err)
	require.Len(t, stats, 1)
	incremental := stats[0]

	replayed, err := store.ReplayEndpointStatistics(ctx, "billing", "POST", "/invoice")
	require.NoError(t, err)

	assert.Equal(t, incremental.Count, replayed.Count)
	assert.Equal(t, incremental.ErrorCount, replayed.ErrorCount)
	assert.InDelta(t, incremental.SumDurationMs, replayed.SumDurationMs, 1e-6)
	assert.InDelta(t, incremental.SumDurationMsSquared, replayed.SumDurationMsSquared, 1e-6)
	assert.InDelta(t, incremental.MinDurationMs, replayed.MinDurationMs, 1e-9)
	assert.InDelta(t, incremental.MaxDurationMs, replayed.MaxDurationMs, 1e-9)
}

func TestRetentionDeletesRawEventsKeepsAggregates(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	old := storedEvent("checkout", "GET", "/orders", 200, 5)
	old.Timestamp = time.Now().AddDate(0, 0, -40)
	recent := storedEvent("checkout", "GET", "/orders", 200, 6)

	require.NoError(t, store.Deliver(ctx, event.NewBatch([]event.Event{old, recent})))

	deleted, err := store.RunRetention()
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	events, err := store.Events(ctx, EventFilter{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, recent.ID, events[0].ID)

	// Aggregates are lifetime counters; pruning raw events must not shrink them.
	stats, err := store.EndpointStatisticsFor(ctx, "checkout")
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, int64(2), stats[0].Count)
}

func TestZeroRetentionDaysDeletesAllRawEvents(t *testing.T) {
	store, err := Open(Config{
		DBPath: filepath.Join(t.TempDir(), "apiscope.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	ctx := context.Background()

	require.NoError(t, store.Deliver(ctx, event.NewBatch([]event.Event{
		storedEvent("checkout", "GET", "/orders", 200, 5),
		storedEvent("checkout", "GET", "/orders", 200, 7),
	})))

	deleted, err := store.RunRetention()
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	events, err := store.Events(ctx, EventFilter{})
	require.NoError(t, err)
	assert.Empty(t, events)

	stats, err := store.EndpointStatisticsFor(ctx, "checkout")
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, int64(2), stats[0].Count)
}

func TestEventsFilter(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	now := time.Now()
	evs := []event.Event{
		storedEvent("checkout", "GET", "/orders", 200, 1),
		storedEvent("checkout", "POST", "/pay", 200, 2),
		storedEvent("billing", "GET", "/invoice", 200, 3),
	}
	evs[0].Timestamp = now.Add(-2 * time.Hour)
	evs[1].Timestamp = now.Add(-time.Hour)
	evs[2].Timestamp = now
	require.NoError(t, store.Deliver(ctx, event.NewBatch(evs)))

	byService, err := store.Events(ctx, EventFilter{ServiceName: "checkout"})
	require.NoError(t, err)
	require.Len(t, byService, 2)
	assert.Equal(t, "/pay", byService[0].TargetPath, "newest first")

	byMethod, err := store.Events(ctx, EventFilter{Method: "GET"})
	require.NoError(t, err)
	assert.Len(t, byMethod, 2)

	since, err := store.Events(ctx, EventFilter{From: now.Add(-90 * time.Minute)})
	require.NoError(t, err)
	assert.Len(t, since, 2)

	limited, err := store.Events(ctx, EventFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "/pay", limited[0].TargetPath)
}

func TestEventRoundTripFields(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	ev := storedEvent("checkout", "GET", "/orders", 0, 4.5)
	ev.Error = "connection reset"
	ev.Headers = map[string]string{"X-Request-Id": "req-9"}
	ev.Body = `{"ok":true}`
	ev.ResponseBytes = event.SizeUnknown

	require.NoError(t, store.Deliver(ctx, event.NewBatch([]event.Event{ev})))

	events, err := store.Events(ctx, EventFilter{})
	require.NoError(t, err)
	require.Len(t, events, 1)

	got := events[0]
	assert.Equal(t, ev.ID, got.ID)
	assert.Equal(t, 0, got.StatusCode)
	assert.Equal(t, "connection reset", got.Error)
	assert.Equal(t, ev.Headers, got.Headers)
	assert.Equal(t, ev.Body, got.Body)
	assert.Equal(t, event.SizeUnknown, got.ResponseBytes)
	assert.Equal(t, ev.Timestamp.UnixMicro(), got.Timestamp.UnixMicro())
	assert.True(t, got.IsError())
}

func TestQueryStats(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Deliver(ctx, event.NewBatch([]event.Event{
		storedEvent("checkout", "GET", "/orders", 200, 1),
		storedEvent("billing", "GET", "/invoice", 200, 2),
	})))

	stats, err := store.QueryStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.EventCount)
	assert.Equal(t, int64(2), stats.EndpointCount)
	assert.Equal(t, int64(2), stats.DependencyCount)
	assert.Greater(t, stats.DBSizeBytes, int64(0))
}

func TestDependencyEdgesAccumulate(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ev := storedEvent("checkout", "GET", fmt.Sprintf("/items/%d", i), 200, 1)
		ev.TargetHost = "inventory.internal"
		require.NoError(t, store.Deliver(ctx, event.NewBatch([]event.Event{ev})))
	}
	other := storedEvent("checkout", "POST", "/pay", 200, 1)
	require.NoError(t, store.Deliver(ctx, event.NewBatch([]event.Event{other})))

	deps, err := store.ServiceDependencies(ctx)
	require.NoError(t, err)
	require.Len(t, deps, 2)
	assert.Equal(t, "inventory.internal", deps[0].TargetHost, "most-called edge first")
	assert.Equal(t, int64(3), deps[0].CallCount)
}

func TestDeliverAfterFailureIsRejected(t *testing.T) {
	store := openTestStore(t)
	store.failed.Store(true)

	err := store.Deliver(context.Background(), event.NewBatch([]event.Event{
		storedEvent("checkout", "GET", "/orders", 200, 1),
	}))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStoreFailed)
	assert.True(t, store.Failed())

	_, err = store.RunRetention()
	assert.ErrorIs(t, err, ErrStoreFailed)
}

func TestOpenCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "apiscope.db")
	store, err := Open(Config{DBPath: path, RetentionDays: 30})
	require.NoError(t, err)
	require.NoError(t, store.Close())
	require.NoError(t, store.Close())
}
