package queue

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.After(timeout)
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-deadline:
			t.Fatal("condition not reached in time")
		case <-tick.C:
			if cond() {
				return
			}
		}
	}
}

func newTestWorker(t *testing.T, q *Queue) *Worker {
	t.Helper()
	w := NewWorker(q, nil, slog.Default())
	w.pollInterval = 10 * time.Millisecond
	return w
}

func TestWorkerProcessesAlerts(t *testing.T) {
	ctx := context.Background()
	q := New(nil, nil, slog.Default())
	a := mkAlert(1, 1, "a")
	_, err := q.Put(ctx, a)
	require.NoError(t, err)

	w := newTestWorker(t, q)
	w.Start(ctx)
	defer w.Stop()

	waitFor(t, time.Second, func() bool { return a.Runs() == 1 })
	assert.Equal(t, 0, q.Len())
}

func TestWorkerSurvivesHandlerFaults(t *testing.T) {
	ctx := context.Background()
	q := New(nil, nil, slog.Default())

	failing := mkAlert(1, 1, "a")
	failing.err = errors.New("user handler exploded")
	_, err := q.Put(ctx, failing)
	require.NoError(t, err)

	after := mkAlert(2, 2, "b")
	_, err = q.Put(ctx, after)
	require.NoError(t, err)

	w := newTestWorker(t, q)
	w.Start(ctx)
	defer w.Stop()

	// The failing alert is logged and swallowed; dispatch continues.
	waitFor(t, time.Second, func() bool { return after.Runs() == 1 })
	assert.Equal(t, 1, failing.Runs())
}

func TestPauseHoldsDispatch(t *testing.T) {
	ctx := context.Background()
	q := New(nil, nil, slog.Default())

	w := newTestWorker(t, q)
	w.Pause()
	w.Start(ctx)
	defer w.Stop()

	a := mkAlert(1, 1, "a")
	_, err := q.Put(ctx, a)
	require.NoError(t, err)

	// Items accumulate while paused.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, a.Runs())
	assert.Equal(t, 1, q.Len())

	w.Resume()
	waitFor(t, time.Second, func() bool { return a.Runs() == 1 })
}

func TestStopIsIdempotent(t *testing.T) {
	q := New(nil, nil, slog.Default())
	w := newTestWorker(t, q)
	w.Start(context.Background())
	w.Stop()
	w.Stop()
}
