package alert

import (
	"context"
	"log/slog"
	"sync"
)

// Factory builds the alert for one notification event.
type Factory func(evt *Event) Alert

// Registry maps topics to alert factories. The embedder populates it at
// construction; lookup is by exact topic string and a miss falls back to
// GenericAlert. There is no process-wide registry — each bot owns one.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	logger    *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{factories: make(map[string]Factory), logger: logger}
}

// Register binds a factory to a topic, replacing any previous binding.
func (r *Registry) Register(topic string, factory Factory) {
	r.mu.Lock()
	r.factories[topic] = factory
	r.mu.Unlock()
}

// Topics returns the registered topic set.
func (r *Registry) Topics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	topics := make([]string, 0, len(r.factories))
	for topic := range r.factories {
		topics = append(topics, topic)
	}
	return topics
}

// New builds the alert for evt. An unregistered topic produces a
// GenericAlert; it never fails.
func (r *Registry) New(evt *Event) Alert {
	r.mu.RLock()
	factory, ok := r.factories[evt.Channel]
	r.mu.RUnlock()
	if !ok {
		r.logger.Error("No alert registered for topic, using generic",
			"topic", evt.Channel, "message_id", evt.MessageID)
		return NewGeneric(evt)
	}
	return factory(evt)
}

// GenericAlert is the fallback for topics without a registered factory. It
// skips the queue, is never archived, and its Process only logs.
type GenericAlert struct {
	Base
	logger *slog.Logger
}

// NewGeneric builds the fallback alert for evt.
func NewGeneric(evt *Event) *GenericAlert {
	return &GenericAlert{
		Base:   Base{Evt: evt, Opts: Options{Priority: 4, QueueSkip: true, Store: false}},
		logger: slog.Default(),
	}
}

func (g *GenericAlert) Process(_ context.Context) error {
	g.logger.Info("Unhandled notification",
		"topic", g.Evt.Channel, "message_id", g.Evt.MessageID)
	return nil
}
