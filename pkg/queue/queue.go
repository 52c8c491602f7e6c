// Package queue provides the durable priority queue alerts dispatch through,
// plus the worker that drains it.
package queue

import (
	"container/heap"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/cabana-dev/cabana/pkg/alert"
	"github.com/cabana-dev/cabana/pkg/metrics"
	"github.com/cabana-dev/cabana/pkg/storage"
)

// SnapshotName is the fixed queue-snapshot key in storage.
const SnapshotName = "alerts"

// Item is one dequeued entry. The id is a fresh random token so entries can
// be referenced externally without exposing their ordering tuple.
type Item struct {
	ID    string
	Alert alert.Alert
}

// ItemView is a read-only projection of a queued entry for Contents.
type ItemView struct {
	ID        string  `json:"item_id"`
	MessageID string  `json:"message_id"`
	Channel   string  `json:"channel"`
	Priority  int     `json:"priority"`
	Timestamp float64 `json:"timestamp"`
}

// entry is a heap node. priority is captured at enqueue (or restore) time so
// ordering survives snapshot round-trips even when a topic's factory is gone.
type entry struct {
	id       string
	priority int
	alert    alert.Alert
	index    int
}

func (e *entry) less(other *entry) bool {
	if e.priority != other.priority {
		return e.priority < other.priority
	}
	a, b := e.alert.Event(), other.alert.Event()
	if a.Timestamp != b.Timestamp {
		return a.Timestamp < b.Timestamp
	}
	return a.MessageID < b.MessageID
}

type entryHeap []*entry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].less(h[j]) }
func (h entryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *entryHeap) Push(x any)         { e := x.(*entry); e.index = len(*h); *h = append(*h, e) }
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Queue is a min-heap of alerts keyed by (priority, timestamp, message_id)
// with an auxiliary id map for external view and removal. When built with a
// storage backend, every successful mutation snapshots the queue so alerts
// survive a restart.
type Queue struct {
	mu      sync.Mutex
	entries entryHeap
	byID    map[string]*entry

	store   storage.Storage // nil disables persistence
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates a queue. store and m may be nil.
func New(store storage.Storage, m *metrics.Metrics, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		byID:    make(map[string]*entry),
		store:   store,
		metrics: m,
		logger:  logger.With("component", "queue"),
	}
}

// Put enqueues the alert and returns its item id. A snapshot failure leaves
// the alert enqueued and surfaces wrapped alongside the id.
func (q *Queue) Put(ctx context.Context, a alert.Alert) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e := &entry{id: uuid.NewString(), priority: a.Priority(), alert: a}
	heap.Push(&q.entries, e)
	q.byID[e.id] = e
	q.metrics.SetQueueDepth(len(q.entries))

	if err := q.saveStateLocked(ctx); err != nil {
		return e.id, fmt.Errorf("alert enqueued but snapshot failed: %w", err)
	}
	return e.id, nil
}

// TryGet pops the minimum entry. The second return is false when the queue
// is empty. A snapshot failure after the pop is logged, not surfaced: the
// popped alert must still be processed.
func (q *Queue) TryGet(ctx context.Context) (*Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 {
		return nil, false
	}
	e := heap.Pop(&q.entries).(*entry)
	delete(q.byID, e.id)
	q.metrics.SetQueueDepth(len(q.entries))

	if err := q.saveStateLocked(ctx); err != nil {
		q.logger.Error("Queue snapshot failed after pop", "item_id", e.id, "error", err)
	}
	return &Item{ID: e.id, Alert: e.alert}, true
}

// RemoveByID drops a specific entry, reporting whether it was present.
func (q *Queue) RemoveByID(ctx context.Context, id string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.byID[id]
	if !ok {
		return false, nil
	}
	heap.Remove(&q.entries, e.index)
	delete(q.byID, id)
	q.metrics.SetQueueDepth(len(q.entries))

	if err := q.saveStateLocked(ctx); err != nil {
		return true, fmt.Errorf("alert removed but snapshot failed: %w", err)
	}
	return true, nil
}

// Contents returns a point-in-time snapshot of the queued entries in no
// particular order.
func (q *Queue) Contents() []ItemView {
	q.mu.Lock()
	defer q.mu.Unlock()

	views := make([]ItemView, 0, len(q.entries))
	for _, e := range q.entries {
		evt := e.alert.Event()
		views = append(views, ItemView{
			ID:        e.id,
			MessageID: evt.MessageID,
			Channel:   evt.Channel,
			Priority:  e.priority,
			Timestamp: evt.Timestamp,
		})
	}
	return views
}

// Len returns the current queue depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// snapshotEntry is the persisted form of one queued alert.
type snapshotEntry struct {
	ItemID    string          `json:"item_id"`
	MessageID string          `json:"message_id"`
	Channel   string          `json:"channel"`
	Data      json.RawMessage `json:"data"`
	Timestamp float64         `json:"timestamp"`
	Priority  int             `json:"priority"`
}

// LoadState restores the queue from the stored snapshot, rebuilding each
// alert through the registry. Entries whose topic no longer resolves come
// back as generic alerts but keep their persisted priority for ordering.
func (q *Queue) LoadState(ctx context.Context, registry *alert.Registry) error {
	if q.store == nil {
		return nil
	}
	data, err := q.store.LoadQueue(ctx, SnapshotName)
	if err != nil {
		return fmt.Errorf("load queue snapshot: %w", err)
	}
	if data == nil {
		return nil
	}

	var snapshot []snapshotEntry
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return fmt.Errorf("%w: queue snapshot: %v", storage.ErrBadSnapshot, err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	for _, se := range snapshot {
		a := registry.New(&alert.Event{
			MessageID: se.MessageID,
			Channel:   se.Channel,
			Data:      se.Data,
			Timestamp: se.Timestamp,
		})
		e := &entry{id: se.ItemID, priority: se.Priority, alert: a}
		heap.Push(&q.entries, e)
		q.byID[e.id] = e
	}
	q.metrics.SetQueueDepth(len(q.entries))
	if len(snapshot) > 0 {
		q.logger.Info("Restored queue from snapshot", "alerts", len(snapshot))
	}
	return nil
}

func (q *Queue) saveStateLocked(ctx context.Context) error {
	if q.store == nil {
		return nil
	}
	snapshot := make([]snapshotEntry, 0, len(q.entries))
	for _, e := range q.entries {
		evt := e.alert.Event()
		snapshot = append(snapshot, snapshotEntry{
			ItemID:    e.id,
			MessageID: evt.MessageID,
			Channel:   evt.Channel,
			Data:      evt.Data,
			Timestamp: evt.Timestamp,
			Priority:  e.priority,
		})
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("encode queue snapshot: %w", err)
	}
	return q.store.SaveQueue(ctx, SnapshotName, data)
}
