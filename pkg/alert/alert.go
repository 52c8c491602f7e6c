// Package alert defines the normalized notification model and the topic
// registry that maps EventSub topics to user-supplied alert implementations.
package alert

import (
	"context"
	"encoding/json"
	"strings"
)

// TestIDPrefix marks synthetic envelopes injected for testing. Alerts whose
// message id carries it are dispatched normally but never archived.
const TestIDPrefix = "test_"

// DefaultPriority is the priority an alert gets unless its options say
// otherwise. Lower runs sooner.
const DefaultPriority = 3

// Event is the normalized form of one notification envelope.
type Event struct {
	// MessageID is the envelope's metadata.message_id.
	MessageID string `json:"message_id"`
	// Channel is the EventSub topic (payload.subscription.type).
	Channel string `json:"channel"`
	// Data is the opaque notification body (payload.event).
	Data json.RawMessage `json:"data"`
	// Timestamp is the envelope timestamp as epoch seconds.
	Timestamp float64 `json:"timestamp"`
}

// IsTest reports whether the event was injected synthetically.
func (e *Event) IsTest() bool {
	return strings.HasPrefix(e.MessageID, TestIDPrefix)
}

// Alert is the contract every per-topic implementation satisfies. Alerts are
// constructed once per notification, never mutated afterwards, and discarded
// after Process returns.
//
// Process must be idempotent with respect to its side effects: the priority
// queue is restored from disk after a crash, so an alert that was popped but
// not finished may run again.
type Alert interface {
	Event() *Event
	// Priority orders dispatch; lower runs sooner. Ties break on the event
	// timestamp, then on the message id.
	Priority() int
	// QueueSkip bypasses the priority queue and starts Process immediately
	// as a detached task.
	QueueSkip() bool
	// Store selects the default archive upsert for the event.
	Store() bool
	Process(ctx context.Context) error
}

// Archiver is an optional refinement of Alert: implementations replace the
// default archive upsert with their own projection (flattening nested
// payloads, splitting rows, and so on).
type Archiver interface {
	Archive(ctx context.Context, ins Inserter) error
}

// Inserter is the slice of the storage contract an Archiver may use.
type Inserter interface {
	Insert(ctx context.Context, table string, record map[string]any, upsert bool) error
}

// Options declares an alert's dispatch attributes at construction time.
type Options struct {
	Priority  int
	QueueSkip bool
	Store     bool
}

// Base carries the event and options for embedding in concrete alerts.
// Embedders override Process and inherit the rest.
type Base struct {
	Evt  *Event
	Opts Options
}

// NewBase builds the embeddable core with the default options applied.
func NewBase(evt *Event) Base {
	return Base{Evt: evt, Opts: Options{Priority: DefaultPriority, Store: true}}
}

func (b *Base) Event() *Event   { return b.Evt }
func (b *Base) Priority() int   { return b.Opts.Priority }
func (b *Base) QueueSkip() bool { return b.Opts.QueueSkip }
func (b *Base) Store() bool     { return b.Opts.Store }

// Less is the dispatch ordering shared by the priority queue and its
// snapshot restore: (priority, timestamp, message_id) ascending.
func Less(a, b Alert) bool {
	if a.Priority() != b.Priority() {
		return a.Priority() < b.Priority()
	}
	ae, be := a.Event(), b.Event()
	if ae.Timestamp != be.Timestamp {
		return ae.Timestamp < be.Timestamp
	}
	return ae.MessageID < be.MessageID
}
