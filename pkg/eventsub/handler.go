package eventsub

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cabana-dev/cabana/pkg/alert"
	"github.com/cabana-dev/cabana/pkg/metrics"
	"github.com/cabana-dev/cabana/pkg/storage"
)

// QueuePutter is the slice of the priority queue the handler uses.
type QueuePutter interface {
	Put(ctx context.Context, a alert.Alert) (string, error)
}

// Handler ingests notification envelopes: classify into an Alert, archive,
// then enqueue or fast-path. Persistence failures are logged and never
// block dispatch.
type Handler struct {
	registry  *alert.Registry
	store     storage.Storage // nil disables archiving
	queue     QueuePutter
	queueSkip map[string]bool // topics forced past the queue (legacy config)
	metrics   *metrics.Metrics
	logger    *slog.Logger

	wg sync.WaitGroup // detached fast-path tasks
}

// NewHandler creates a notification handler. store, queueSkip, and m may be
// nil.
func NewHandler(registry *alert.Registry, store storage.Storage, queue QueuePutter, queueSkip map[string]bool, m *metrics.Metrics, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		registry:  registry,
		store:     store,
		queue:     queue,
		queueSkip: queueSkip,
		metrics:   m,
		logger:    logger.With("component", "notifications"),
	}
}

// Handle processes one notification envelope.
func (h *Handler) Handle(ctx context.Context, env *Envelope) {
	payload, err := env.notification()
	if err != nil {
		h.logger.Error("Dropping malformed notification",
			"message_id", env.Metadata.MessageID, "error", err)
		return
	}

	ts, err := epochSeconds(env.Metadata.MessageTimestamp)
	if err != nil {
		h.logger.Warn("Notification carries a bad timestamp",
			"message_id", env.Metadata.MessageID, "error", err)
	}

	evt := &alert.Event{
		MessageID: env.Metadata.MessageID,
		Channel:   payload.Subscription.Type,
		Data:      payload.Event,
		Timestamp: ts,
	}
	h.metrics.NotificationReceived(evt.Channel)

	a := h.registry.New(evt)

	if h.store != nil && a.Store() && !evt.IsTest() {
		h.archive(ctx, a, evt)
	}

	if a.QueueSkip() || h.queueSkip[evt.Channel] {
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			h.runDetached(ctx, a, evt)
		}()
		return
	}

	if _, err := h.queue.Put(ctx, a); err != nil {
		h.logger.Error("Enqueue failed",
			"topic", evt.Channel, "message_id", evt.MessageID, "error", err)
	}
}

// archive writes the event to its topic table: a custom projection when the
// alert provides one, else the default upsert keyed by message id.
func (h *Handler) archive(ctx context.Context, a alert.Alert, evt *alert.Event) {
	var err error
	if archiver, ok := a.(alert.Archiver); ok {
		err = archiver.Archive(ctx, h.store)
	} else {
		err = h.store.Insert(ctx, evt.Channel, map[string]any{
			"message_id": evt.MessageID,
			"data":       evt.Data,
			"timestamp":  evt.Timestamp,
		}, true)
	}
	if err != nil {
		h.metrics.ArchiveWrite(evt.Channel, "error")
		h.logger.Error("Archiving event failed",
			"topic", evt.Channel, "message_id", evt.MessageID, "error", err)
		return
	}
	h.metrics.ArchiveWrite(evt.Channel, "ok")
}

// runDetached executes a queue-skipping alert, containing faults the same
// way the queue worker does.
func (h *Handler) runDetached(ctx context.Context, a alert.Alert, evt *alert.Event) {
	defer func() {
		if r := recover(); r != nil {
			h.metrics.AlertProcessed(evt.Channel, "panic")
			h.logger.Error("Detached alert handler panicked",
				"topic", evt.Channel, "message_id", evt.MessageID, "panic", r)
		}
	}()

	if err := a.Process(ctx); err != nil {
		h.metrics.AlertProcessed(evt.Channel, "error")
		h.logger.Error("Detached alert handler failed",
			"topic", evt.Channel, "message_id", evt.MessageID, "error", err)
		return
	}
	h.metrics.AlertProcessed(evt.Channel, "ok")
}

// Drain waits for in-flight detached tasks, up to timeout.
func (h *Handler) Drain(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		h.logger.Warn("Detached alert tasks still running at shutdown")
	}
}
