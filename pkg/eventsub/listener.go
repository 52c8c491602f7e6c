package eventsub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/cabana-dev/cabana/pkg/metrics"
)

const (
	// DefaultURL is the production EventSub WebSocket endpoint.
	DefaultURL = "wss://eventsub.wss.twitch.tv/ws?keepalive_timeout_seconds=600"

	// DefaultMaxReconnect is the consecutive reconnect attempt budget before
	// the listener gives up permanently.
	DefaultMaxReconnect = 20

	reconnectStep = 5 * time.Second
	stopGrace     = 5 * time.Second
)

// ErrReconnectBudget is delivered on Done when the listener exhausts its
// reconnect budget.
var ErrReconnectBudget = errors.New("eventsub: reconnect budget exhausted")

// Syncer reconciles subscriptions for a freshly established session.
type Syncer interface {
	Sync(ctx context.Context, sessionID string) error
}

// NotificationHandler consumes decoded notification envelopes.
type NotificationHandler interface {
	Handle(ctx context.Context, env *Envelope)
}

// ListenerOptions tune the session machine. The zero value uses production
// defaults.
type ListenerOptions struct {
	URL          string
	MaxReconnect int
	SeenWindow   int
}

// Listener owns the WebSocket session: dial, welcome, keepalive, server
// directed reconnects, and backoff when the socket drops. One reader
// goroutine per socket; notifications are dispatched off the read path so a
// slow handler cannot stall keepalives.
type Listener struct {
	url          string
	maxReconnect int
	syncer       Syncer
	handler      NotificationHandler
	seen         *seenIDs
	metrics      *metrics.Metrics
	logger       *slog.Logger

	// injectable for tests
	dial  func(ctx context.Context, url string) (*websocket.Conn, error)
	sleep func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	conn    *websocket.Conn
	session string

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup // reader loop
	tasks    sync.WaitGroup // detached notification dispatches
	done     chan error
}

// NewListener builds a listener. syncer and m may be nil.
func NewListener(syncer Syncer, handler NotificationHandler, m *metrics.Metrics, opts ListenerOptions, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.URL == "" {
		opts.URL = DefaultURL
	}
	if opts.MaxReconnect <= 0 {
		opts.MaxReconnect = DefaultMaxReconnect
	}
	l := &Listener{
		url:          opts.URL,
		maxReconnect: opts.MaxReconnect,
		syncer:       syncer,
		handler:      handler,
		seen:         newSeenIDs(opts.SeenWindow),
		metrics:      m,
		logger:       logger.With("component", "listener"),
		stopCh:       make(chan struct{}),
		done:         make(chan error, 1),
	}
	l.dial = func(ctx context.Context, url string) (*websocket.Conn, error) {
		c, _, err := websocket.Dial(ctx, url, nil)
		return c, err
	}
	l.sleep = l.sleepInterruptible
	return l
}

// Start dials the endpoint and waits for the welcome before returning, so
// configuration and auth problems surface at startup. The reader loop runs
// until Stop or budget exhaustion; the terminal error arrives on Done.
func (l *Listener) Start(ctx context.Context) error {
	if err := l.connect(ctx, l.url); err != nil {
		return err
	}
	l.wg.Add(1)
	go l.run(ctx)
	return nil
}

// Done delivers the listener's terminal error: nil after Stop, or the
// permanent failure that ended the session.
func (l *Listener) Done() <-chan error {
	return l.done
}

// SessionID returns the current session id, empty before the first welcome.
func (l *Listener) SessionID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.session
}

// Stop closes the socket and waits up to 5s for the reader and in-flight
// dispatches to finish. Safe to call more than once.
func (l *Listener) Stop() {
	l.stopOnce.Do(func() {
		close(l.stopCh)
		l.mu.Lock()
		if l.conn != nil {
			_ = l.conn.CloseNow()
		}
		l.mu.Unlock()

		waited := make(chan struct{})
		go func() {
			l.wg.Wait()
			l.tasks.Wait()
			close(waited)
		}()
		select {
		case <-waited:
		case <-time.After(stopGrace):
			l.logger.Warn("Listener did not drain within grace period")
		}
	})
}

// Feed dispatches one raw frame through the normal path. Used by the
// simulator and tests; dedup and session handling apply exactly as for
// frames read off the socket.
func (l *Listener) Feed(ctx context.Context, raw []byte) error {
	_, err := l.handleFrame(ctx, raw)
	return err
}

func (l *Listener) run(ctx context.Context) {
	defer l.wg.Done()

	for {
		l.readLoop(ctx)
		if l.stopping() || ctx.Err() != nil {
			l.finish(nil)
			return
		}
		if !l.reconnectWithBackoff(ctx) {
			return
		}
	}
}

// readLoop reads frames off the current socket until it fails or is swapped
// away underneath us by a server-directed reconnect.
func (l *Listener) readLoop(ctx context.Context) {
	for {
		c := l.current()
		if c == nil {
			return
		}
		_, raw, err := c.Read(ctx)
		if err != nil {
			if l.current() != c {
				// Old socket died after a reconnect swap; keep reading the new one.
				continue
			}
			if !l.stopping() {
				l.logger.Warn("Socket read failed", "error", err)
			}
			return
		}
		keep, err := l.handleFrame(ctx, raw)
		if err != nil {
			l.logger.Error("Frame handling failed", "error", err)
		}
		if !keep {
			return
		}
	}
}

// handleFrame decodes, dedups, and dispatches one frame. The returned bool
// reports whether the current socket is still good to read from.
func (l *Listener) handleFrame(ctx context.Context, raw []byte) (bool, error) {
	env, err := parseEnvelope(raw)
	if err != nil {
		return true, err
	}
	if !l.seen.Observe(env.Metadata.MessageID) {
		l.logger.Debug("Dropping duplicate frame",
			"message_id", env.Metadata.MessageID, "type", env.Metadata.MessageType)
		return true, nil
	}

	switch env.Metadata.MessageType {
	case TypeWelcome:
		payload, err := env.session()
		if err != nil {
			return true, err
		}
		l.setSession(payload.Session.ID)
		l.logger.Info("Session established", "session_id", payload.Session.ID)
		if l.syncer != nil {
			l.tasks.Add(1)
			go func() {
				defer l.tasks.Done()
				if err := l.syncer.Sync(ctx, payload.Session.ID); err != nil {
					l.logger.Error("Subscription sync failed",
						"session_id", payload.Session.ID, "error", err)
				}
			}()
		}
		return true, nil

	case TypeKeepalive:
		return true, nil

	case TypeReconnect:
		payload, err := env.session()
		if err != nil {
			return true, err
		}
		if err := l.serverReconnect(ctx, payload.Session.ReconnectURL); err != nil {
			l.logger.Warn("Server-directed reconnect failed, falling back to backoff",
				"error", err)
			l.dropConn()
			return false, nil
		}
		return true, nil

	case TypeNotification:
		if l.handler != nil {
			l.tasks.Add(1)
			go func() {
				defer l.tasks.Done()
				l.handler.Handle(ctx, env)
			}()
		}
		return true, nil

	case TypeClose:
		l.logger.Warn("Server closed the session", "message_id", env.Metadata.MessageID)
		l.dropConn()
		return false, nil

	default:
		l.logger.Warn("Unknown frame type", "type", env.Metadata.MessageType)
		return true, nil
	}
}

// connect dials url and blocks until the welcome frame arrives, installing
// the socket and session id. The welcome goes through handleFrame so dedup
// and reconciliation behave identically on every path.
func (l *Listener) connect(ctx context.Context, url string) error {
	c, err := l.dial(ctx, url)
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}
	_, raw, err := c.Read(ctx)
	if err != nil {
		_ = c.CloseNow()
		return fmt.Errorf("read welcome: %w", err)
	}
	env, err := parseEnvelope(raw)
	if err != nil {
		_ = c.CloseNow()
		return err
	}
	if env.Metadata.MessageType != TypeWelcome {
		_ = c.CloseNow()
		return fmt.Errorf("expected %s, got %s", TypeWelcome, env.Metadata.MessageType)
	}

	l.mu.Lock()
	l.conn = c
	l.mu.Unlock()

	if _, err := l.handleFrame(ctx, raw); err != nil {
		return err
	}
	return nil
}

// serverReconnect dials the handed-over URL, waits for its welcome, swaps
// the socket, and closes the old one. The session moves only after the new
// socket proves itself.
func (l *Listener) serverReconnect(ctx context.Context, url string) error {
	if url == "" {
		return errors.New("reconnect frame without url")
	}
	l.logger.Info("Server requested reconnect", "url", url)

	old := l.current()
	if err := l.connect(ctx, url); err != nil {
		return err
	}
	if old != nil {
		_ = old.Close(websocket.StatusNormalClosure, "reconnecting")
	}
	return nil
}

// reconnectWithBackoff redials after a lost socket, sleeping attempt*5s
// between tries. Returns false when the budget is exhausted or Stop was
// called, delivering the terminal outcome.
func (l *Listener) reconnectWithBackoff(ctx context.Context) bool {
	for attempt := 1; ; attempt++ {
		if attempt > l.maxReconnect {
			l.logger.Error("Giving up on reconnecting", "attempts", attempt-1)
			l.finish(fmt.Errorf("%w after %d attempts", ErrReconnectBudget, attempt-1))
			return false
		}
		l.metrics.Reconnect()
		if err := l.sleep(ctx, time.Duration(attempt)*reconnectStep); err != nil {
			l.finish(nil)
			return false
		}
		if l.stopping() {
			l.finish(nil)
			return false
		}
		if err := l.connect(ctx, l.url); err != nil {
			l.logger.Warn("Reconnect attempt failed", "attempt", attempt, "error", err)
			continue
		}
		l.logger.Info("Reconnected", "attempt", attempt)
		return true
	}
}

func (l *Listener) current() *websocket.Conn {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn
}

func (l *Listener) setSession(id string) {
	l.mu.Lock()
	l.session = id
	l.mu.Unlock()
}

func (l *Listener) dropConn() {
	l.mu.Lock()
	if l.conn != nil {
		_ = l.conn.CloseNow()
		l.conn = nil
	}
	l.mu.Unlock()
}

func (l *Listener) stopping() bool {
	select {
	case <-l.stopCh:
		return true
	default:
		return false
	}
}

func (l *Listener) finish(err error) {
	select {
	case l.done <- err:
	default:
	}
}

func (l *Listener) sleepInterruptible(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-l.stopCh:
		return errors.New("stopped")
	case <-ctx.Done():
		return ctx.Err()
	}
}
