package queue

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cabana-dev/cabana/pkg/metrics"
)

// DefaultPollInterval is how long the worker sleeps when the queue is empty
// or paused before checking again.
const DefaultPollInterval = time.Second

// Worker drains the queue one alert at a time, in priority order. Errors
// and panics from user Process implementations are logged and swallowed;
// the worker never dies on a handler fault.
type Worker struct {
	queue        *Queue
	pollInterval time.Duration
	metrics      *metrics.Metrics
	logger       *slog.Logger

	paused   atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewWorker creates a worker for q. m may be nil.
func NewWorker(q *Queue, m *metrics.Metrics, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		queue:        q,
		pollInterval: DefaultPollInterval,
		metrics:      m,
		logger:       logger.With("component", "queue_worker"),
		stopCh:       make(chan struct{}),
	}
}

// Start begins the dispatch loop in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals the loop to exit and waits for the in-flight alert to finish.
// It is safe to call Stop multiple times.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// Pause holds all dispatch until Resume. Alerts keep accumulating.
func (w *Worker) Pause() {
	w.paused.Store(true)
	w.logger.Info("Dispatch paused")
}

// Resume lifts a pause.
func (w *Worker) Resume() {
	w.paused.Store(false)
	w.logger.Info("Dispatch resumed")
}

// Paused reports whether dispatch is currently held.
func (w *Worker) Paused() bool {
	return w.paused.Load()
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	w.logger.Info("Queue worker started")
	for {
		select {
		case <-w.stopCh:
			w.logger.Info("Queue worker shutting down")
			return
		case <-ctx.Done():
			w.logger.Info("Context cancelled, queue worker shutting down")
			return
		default:
			if w.paused.Load() {
				w.sleep(w.pollInterval)
				continue
			}
			item, ok := w.queue.TryGet(ctx)
			if !ok {
				w.sleep(w.pollInterval)
				continue
			}
			w.process(ctx, item)
		}
	}
}

// process runs one alert, containing any fault to this iteration.
func (w *Worker) process(ctx context.Context, item *Item) {
	evt := item.Alert.Event()
	defer func() {
		if r := recover(); r != nil {
			w.metrics.AlertProcessed(evt.Channel, "panic")
			w.logger.Error("Alert handler panicked",
				"topic", evt.Channel, "message_id", evt.MessageID, "panic", r)
		}
	}()

	if err := item.Alert.Process(ctx); err != nil {
		w.metrics.AlertProcessed(evt.Channel, "error")
		w.logger.Error("Alert handler failed",
			"topic", evt.Channel, "message_id", evt.MessageID, "error", err)
		return
	}
	w.metrics.AlertProcessed(evt.Channel, "ok")
}

// sleep waits for the given duration or until stop is signalled.
func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}
