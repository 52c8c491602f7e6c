package cleanup

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cabana-dev/cabana/pkg/storage"
)

type recordedCleanUp struct {
	storage.Storage
	mu      sync.Mutex
	calls   []time.Duration
	removed int64
	err     error
}

func (r *recordedCleanUp) CleanUp(_ context.Context, maxAge time.Duration) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, maxAge)
	return r.removed, r.err
}

func (r *recordedCleanUp) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition never met")
}

func TestStartRunsImmediatePass(t *testing.T) {
	store := &recordedCleanUp{removed: 3}
	svc := NewService(store, 90, "", nil)

	require.NoError(t, svc.Start(context.Background()))
	defer svc.Stop()

	waitFor(t, 2*time.Second, func() bool { return store.callCount() >= 1 })
	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Equal(t, 90*24*time.Hour, store.calls[0])
}

func TestDisabledRetentionNeverRuns(t *testing.T) {
	store := &recordedCleanUp{}
	svc := NewService(store, 0, "", nil)

	require.NoError(t, svc.Start(context.Background()))
	svc.Stop()

	assert.Zero(t, store.callCount())
}

func TestStartIsIdempotent(t *testing.T) {
	store := &recordedCleanUp{}
	svc := NewService(store, 90, "", nil)

	require.NoError(t, svc.Start(context.Background()))
	require.NoError(t, svc.Start(context.Background()))
	defer svc.Stop()

	waitFor(t, 2*time.Second, func() bool { return store.callCount() >= 1 })
	assert.Equal(t, 1, store.callCount(), "second Start must not double the pass")
}

func TestStopWithoutStart(t *testing.T) {
	svc := NewService(&recordedCleanUp{}, 90, "", nil)
	svc.Stop()
	svc.Stop()
}

func TestRejectsBadSchedule(t *testing.T) {
	svc := NewService(&recordedCleanUp{}, 90, "not a schedule", nil)
	require.Error(t, svc.Start(context.Background()))
	svc.Stop()
}

func TestFailedPassIsLoggedNotFatal(t *testing.T) {
	store := &recordedCleanUp{err: fmt.Errorf("backend down")}
	svc := NewService(store, 30, "", nil)

	require.NoError(t, svc.Start(context.Background()))
	waitFor(t, 2*time.Second, func() bool { return store.callCount() >= 1 })
	svc.Stop()
}
