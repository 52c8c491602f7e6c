// Package bot wires the components into an embeddable client: storage,
// token lifecycle, the EventSub session, the alert pipeline, and the
// embedded web server.
package bot

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/cabana-dev/cabana/pkg/alert"
	"github.com/cabana-dev/cabana/pkg/cleanup"
	"github.com/cabana-dev/cabana/pkg/config"
	"github.com/cabana-dev/cabana/pkg/eventsub"
	"github.com/cabana-dev/cabana/pkg/helix"
	"github.com/cabana-dev/cabana/pkg/metrics"
	"github.com/cabana-dev/cabana/pkg/oauth"
	"github.com/cabana-dev/cabana/pkg/queue"
	"github.com/cabana-dev/cabana/pkg/storage"
	"github.com/cabana-dev/cabana/pkg/webserver"
)

const drainGrace = 5 * time.Second

// Bot owns the component graph. Construct with New, then Start, then Hold
// until shutdown.
type Bot struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	store      storage.Storage
	web        *webserver.Server
	tokens     *oauth.Manager
	helix      *helix.Client
	registry   *alert.Registry
	queue      *queue.Queue
	worker     *queue.Worker
	handler    *eventsub.Handler
	reconciler *eventsub.Reconciler
	listener   *eventsub.Listener
	cleanup    *cleanup.Service
	commands   *commandRegistry

	eventsubURL string
	deferred    []func(*Bot)
}

// Option customizes the bot at construction time.
type Option func(*Bot)

// WithLogger replaces the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bot) { b.logger = logger }
}

// WithStorage injects a storage backend, bypassing the configured one.
func WithStorage(store storage.Storage) Option {
	return func(b *Bot) { b.store = store }
}

// WithEventSubURL points the listener at a non-production endpoint.
func WithEventSubURL(url string) Option {
	return func(b *Bot) { b.eventsubURL = url }
}

// WithAlert binds an alert factory to a topic at construction time.
func WithAlert(topic string, factory alert.Factory) Option {
	return func(b *Bot) {
		b.deferred = append(b.deferred, func(b *Bot) { b.RegisterAlert(topic, factory) })
	}
}

// WithRoute adds a route on the embedded web server at construction time.
func WithRoute(method, path string, h echo.HandlerFunc) Option {
	return func(b *Bot) {
		b.deferred = append(b.deferred, func(b *Bot) { b.RegisterRoute(method, path, h) })
	}
}

// WithCommand binds a chat command at construction time.
func WithCommand(name string, spec CommandSpec, fn CommandFunc) Option {
	return func(b *Bot) {
		b.deferred = append(b.deferred, func(b *Bot) { b.RegisterCommand(name, spec, fn) })
	}
}

// New builds the component graph. Alerts, routes, and commands are
// registered afterwards, before Start.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Bot, error) {
	b := &Bot{cfg: cfg, logger: slog.Default()}
	for _, opt := range opts {
		opt(b)
	}

	b.metrics = metrics.New()

	if b.store == nil {
		store, err := storage.New(ctx, storage.Config{
			Type: cfg.Storage.Type,
			Path: cfg.Storage.Path,
			DSN:  cfg.Storage.DSN,
		}, b.logger)
		if err != nil {
			return nil, fmt.Errorf("open storage: %w", err)
		}
		b.store = store
	}

	b.web = webserver.New(b.metrics, b.logger)
	b.tokens = oauth.NewManager(oauth.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURI:  cfg.RedirectURI,
		Scopes:       cfg.Scopes,
		ListenAddr:   cfg.ListenAddr(),
	}, b.store, b.web, b.metrics, b.logger)
	b.helix = helix.NewClient(b.tokens, b.metrics, b.logger)

	b.registry = alert.NewRegistry(b.logger)
	b.queue = queue.New(b.store, b.metrics, b.logger)
	b.worker = queue.NewWorker(b.queue, b.metrics, b.logger)
	b.handler = eventsub.NewHandler(b.registry, b.store, b.queue, cfg.QueueSkip, b.metrics, b.logger)
	b.reconciler = eventsub.NewReconciler(b.helix, b.tokens, b.store, cfg.Channels, b.logger)
	b.listener = eventsub.NewListener(b.reconciler, b.handler, b.metrics, eventsub.ListenerOptions{
		URL:          b.eventsubURL,
		MaxReconnect: cfg.MaxReconnect,
	}, b.logger)
	b.cleanup = cleanup.NewService(b.store, cfg.MaxAge(), cfg.Retention.Schedule, b.logger)
	b.commands = newCommandRegistry(b.logger)

	// Registrations requested through options run once the graph exists.
	for _, fn := range b.deferred {
		fn(b)
	}
	b.deferred = nil
	return b, nil
}

// RegisterAlert binds an alert factory to a topic.
func (b *Bot) RegisterAlert(topic string, factory alert.Factory) {
	b.registry.Register(topic, factory)
}

// RegisterRoute adds a route on the embedded web server. Routes keep the
// server running after the OAuth flow completes.
func (b *Bot) RegisterRoute(method, path string, h echo.HandlerFunc) {
	b.web.RegisterRoute(method, path, h)
}

// RegisterCommand binds a chat command (without the "!" prefix) to fn.
func (b *Bot) RegisterCommand(name string, spec CommandSpec, fn CommandFunc) {
	b.commands.register(name, spec, fn)
}

// DispatchCommand parses a chat line and runs the matching command, rate
// limited per user.
func (b *Bot) DispatchCommand(ctx context.Context, userID, text string) error {
	return b.commands.dispatch(ctx, userID, text)
}

// Queue exposes the priority queue for inspection and manual dequeue.
func (b *Bot) Queue() *queue.Queue {
	return b.queue
}

// Storage exposes the configured backend for custom archive queries.
func (b *Bot) Storage() storage.Storage {
	return b.store
}

// Feed pushes one raw EventSub frame through the notification pipeline.
// Pair with pkg/simulate for end-to-end dry runs.
func (b *Bot) Feed(ctx context.Context, raw []byte) error {
	return b.listener.Feed(ctx, raw)
}

// Start brings the bot up: token, queue restore, dispatch worker, the
// EventSub session, and the retention schedule.
func (b *Bot) Start(ctx context.Context) error {
	b.logger.Info("Starting")

	if err := b.tokens.Start(ctx, nil); err != nil {
		return fmt.Errorf("token startup: %w", err)
	}
	if err := b.queue.LoadState(ctx, b.registry); err != nil {
		b.logger.Warn("Queue snapshot restore failed, starting empty", "error", err)
	}
	b.worker.Start(ctx)

	if err := b.listener.Start(ctx); err != nil {
		return fmt.Errorf("eventsub session: %w", err)
	}
	if err := b.cleanup.Start(ctx); err != nil {
		return fmt.Errorf("cleanup schedule: %w", err)
	}
	if b.web.UserRoutes() > 0 {
		if err := b.web.Start(b.cfg.ListenAddr()); err != nil {
			return fmt.Errorf("web server: %w", err)
		}
	}

	b.logger.Info("Started", "queued", b.queue.Len(), "topics", len(b.cfg.Channels))
	return nil
}

// Hold blocks until the EventSub session ends permanently or Stop is
// called, returning the terminal error (nil on clean shutdown).
func (b *Bot) Hold() error {
	return <-b.listener.Done()
}

// Stop tears the bot down in dependency order. Safe to call once.
func (b *Bot) Stop(ctx context.Context) {
	b.logger.Info("Stopping")

	b.listener.Stop()
	b.logger.Info("EventSub session closed")

	b.worker.Stop()
	b.handler.Drain(drainGrace)
	b.logger.Info("Alert pipeline drained")

	b.cleanup.Stop()
	b.tokens.Stop()

	if err := b.web.Shutdown(ctx); err != nil {
		b.logger.Warn("Web server shutdown error", "error", err)
	}
	if err := b.store.Close(); err != nil {
		b.logger.Warn("Storage close error", "error", err)
	}
	b.logger.Info("Stopped")
}
