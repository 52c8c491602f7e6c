package eventsub

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/cabana-dev/cabana/pkg/helix"
	"github.com/cabana-dev/cabana/pkg/storage"
)

// createPace caps subscription creations to respect the server's limits.
const createPace = rate.Limit(5)

// builtinVersions is the compiled-in topic version table, updated out of
// band when the platform revs a topic. Unknown topics default to "1".
var builtinVersions = map[string]string{
	"channel.update":                             "2",
	"channel.follow":                             "2",
	"channel.moderate":                           "2",
	"channel.guest_star_session.begin":           "beta",
	"channel.guest_star_session.end":             "beta",
	"channel.channel_points_automatic_reward_redemption.add": "2",
	"automod.message.hold":                       "2",
	"automod.message.update":                     "2",
	"channel.bits.use":                           "1",
	"channel.chat.message":                       "1",
	"channel.raid":                               "1",
	"channel.subscribe":                          "1",
	"stream.online":                              "1",
	"stream.offline":                             "1",
	"user.update":                                "1",
	"user.authorization.grant":                   "1",
	"user.authorization.revoke":                  "1",
}

// SubscriptionAPI is the slice of the helix client the reconciler uses.
type SubscriptionAPI interface {
	CreateSubscription(ctx context.Context, topic, version string, condition map[string]string, sessionID string) (*helix.Subscription, error)
	DeleteSubscription(ctx context.Context, id string) error
	ListSubscriptions(ctx context.Context) ([]helix.Subscription, error)
}

// Identity supplies the authenticated user and application ids conditions
// are built from.
type Identity interface {
	UserID() string
	ClientID() string
}

// Reconciler makes the server-side subscription set equal to the declared
// desired set for the current session. Runs on every welcome; re-running
// against an already reconciled session is a no-op.
type Reconciler struct {
	api      SubscriptionAPI
	identity Identity
	store    storage.Storage // nil disables version persistence
	desired  map[string][]*string
	limiter  *rate.Limiter
	logger   *slog.Logger

	mu       sync.Mutex
	versions map[string]string
}

// NewReconciler builds a reconciler for the desired topic map. A nil entry
// in a topic's broadcaster list means "the authenticated user".
func NewReconciler(api SubscriptionAPI, identity Identity, store storage.Storage, desired map[string][]*string, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		api:      api,
		identity: identity,
		store:    store,
		desired:  desired,
		limiter:  rate.NewLimiter(createPace, 1),
		logger:   logger.With("component", "reconciler"),
		versions: make(map[string]string),
	}
}

// Sync reconciles the server state against the desired set for sessionID:
// keep live subscriptions bound to this session, reap everything else, and
// create the full desired set only when nothing was kept.
func (r *Reconciler) Sync(ctx context.Context, sessionID string) error {
	subs, err := r.api.ListSubscriptions(ctx)
	if err != nil {
		return err
	}

	var kept []helix.Subscription
	var stale []helix.Subscription
	for _, sub := range subs {
		if sub.Live(sessionID) {
			kept = append(kept, sub)
		} else {
			stale = append(stale, sub)
		}
	}

	// Reap orphans in parallel; a failed delete is logged, not fatal.
	var wg sync.WaitGroup
	for _, sub := range stale {
		wg.Add(1)
		go func(sub helix.Subscription) {
			defer wg.Done()
			if err := r.api.DeleteSubscription(ctx, sub.ID); err != nil {
				r.logger.Warn("Deleting stale subscription failed",
					"id", sub.ID, "topic", sub.Type, "error", err)
			}
		}(sub)
	}
	wg.Wait()

	if len(kept) > 0 {
		r.logger.Info("Subscriptions already bound to session",
			"session_id", sessionID, "live", len(kept), "reaped", len(stale))
		return nil
	}

	topics := make([]string, 0, len(r.desired))
	for topic := range r.desired {
		topics = append(topics, topic)
	}
	sort.Strings(topics)

	created := 0
	for _, topic := range topics {
		version := r.version(ctx, topic)
		for _, bid := range r.desired[topic] {
			if err := r.limiter.Wait(ctx); err != nil {
				return err
			}
			condition := r.condition(topic, bid)
			if _, err := r.api.CreateSubscription(ctx, topic, version, condition, sessionID); err != nil {
				// One topic failing must not stop the rest.
				var httpErr *helix.HTTPError
				if errors.As(err, &httpErr) {
					r.logger.Warn("Subscription rejected",
						"topic", topic, "status", httpErr.Status, "body", string(httpErr.Body))
				} else {
					r.logger.Error("Subscription create failed", "topic", topic, "error", err)
				}
				continue
			}
			created++
		}
	}

	r.logger.Info("Subscriptions reconciled",
		"session_id", sessionID, "created", created, "reaped", len(stale))
	return nil
}

// condition builds the topic-specific filter. A nil bid falls back to the
// authenticated user as broadcaster.
func (r *Reconciler) condition(topic string, bid *string) map[string]string {
	self := r.identity.UserID()
	broadcaster := self
	if bid != nil {
		broadcaster = *bid
	}

	switch {
	case strings.HasPrefix(topic, "channel.chat.message"),
		strings.HasPrefix(topic, "channel.chat.clear"),
		topic == "channel.chat.notification":
		return map[string]string{"broadcaster_user_id": broadcaster, "user_id": self}
	case topic == "channel.raid":
		return map[string]string{"to_broadcaster_user_id": self}
	case topic == "channel.follow",
		strings.HasPrefix(topic, "channel.shield_mode."),
		topic == "channel.suspicious_user.message":
		return map[string]string{"broadcaster_user_id": broadcaster, "moderator_user_id": self}
	case topic == "user.update":
		return map[string]string{"user_id": self}
	case strings.HasPrefix(topic, "user.authorization."):
		return map[string]string{"client_id": r.identity.ClientID()}
	default:
		return map[string]string{"broadcaster_user_id": broadcaster}
	}
}

// version resolves a topic's subscription version: memory, then the
// subpub_versions table, then the compiled-in table, then "1". Learned
// versions are persisted back.
func (r *Reconciler) version(ctx context.Context, topic string) string {
	r.mu.Lock()
	if v, ok := r.versions[topic]; ok {
		r.mu.Unlock()
		return v
	}
	r.mu.Unlock()

	if r.store != nil {
		rows, err := r.store.Query(ctx, storage.TableVersions, "name = ?", topic)
		if err != nil {
			r.logger.Warn("Version lookup failed", "topic", topic, "error", err)
		} else if len(rows) > 0 && rows[0]["version"] != "" {
			return r.remember(ctx, topic, rows[0]["version"], false)
		}
	}

	if v, ok := builtinVersions[topic]; ok {
		return r.remember(ctx, topic, v, true)
	}
	return r.remember(ctx, topic, "1", true)
}

func (r *Reconciler) remember(ctx context.Context, topic, version string, persist bool) string {
	r.mu.Lock()
	r.versions[topic] = version
	r.mu.Unlock()

	if persist && r.store != nil {
		record := map[string]any{"name": topic, "version": version}
		if err := r.store.Insert(ctx, storage.TableVersions, record, true); err != nil {
			r.logger.Warn("Persisting topic version failed", "topic", topic, "error", err)
		}
	}
	return version
}
