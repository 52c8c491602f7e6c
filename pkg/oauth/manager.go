package oauth

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/cabana-dev/cabana/pkg/metrics"
	"github.com/cabana-dev/cabana/pkg/storage"
)

// ValidateWindow is both the validator cadence and the preemptive-refresh
// horizon: a token expiring inside the window is refreshed early.
const ValidateWindow = time.Hour

// Endpoints names the three platform OAuth endpoints.
type Endpoints struct {
	Auth     string
	Token    string
	Validate string
}

// DefaultEndpoints points at Twitch.
var DefaultEndpoints = Endpoints{
	Auth:     "https://id.twitch.tv/oauth2/authorize",
	Token:    "https://id.twitch.tv/oauth2/token",
	Validate: "https://id.twitch.tv/oauth2/validate",
}

// CallbackHost is the slice of the embedded web server the code flow needs:
// register the redirect route, make sure the server is up while the flow
// runs, and release it again when no user routes keep it alive.
type CallbackHost interface {
	HandleCallback(path string, h func(query url.Values) (status int, html string))
	EnsureStarted(addr string) error
	StopIfIdle(ctx context.Context)
}

// Config parameterizes a Manager.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURI  *url.URL
	Scopes       []string
	Endpoints    Endpoints // zero value falls back to DefaultEndpoints
	ListenAddr   string    // addr the callback host binds
}

// Manager owns the token. Start acquires one (supplied, stored, or via the
// authorization-code flow), then a background validator keeps it fresh.
// Refresh is single-flight: concurrent callers coalesce on one in-flight
// refresh and Get blocks until it completes.
type Manager struct {
	oauthCfg   *oauth2.Config
	endpoints  Endpoints
	store      storage.Storage
	host       CallbackHost
	listenAddr string
	callback   string

	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics

	// Injection points for tests.
	now          func() time.Time
	interval     time.Duration
	browserOpen  func(url string) error

	mu        sync.Mutex
	token     *Token
	available chan struct{} // closed while a token is held
	inflight  chan struct{} // non-nil while a refresh runs
	lastErr   error         // outcome of the last refresh, for joiners

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager creates a token manager. m may be nil.
func NewManager(cfg Config, store storage.Storage, host CallbackHost, m *metrics.Metrics, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	endpoints := cfg.Endpoints
	if endpoints == (Endpoints{}) {
		endpoints = DefaultEndpoints
	}
	callback := "/"
	if cfg.RedirectURI != nil && cfg.RedirectURI.Path != "" {
		callback = cfg.RedirectURI.Path
	}
	redirect := ""
	if cfg.RedirectURI != nil {
		redirect = cfg.RedirectURI.String()
	}

	return &Manager{
		oauthCfg: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  redirect,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   endpoints.Auth,
				TokenURL:  endpoints.Token,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		endpoints:   endpoints,
		store:       store,
		host:        host,
		listenAddr:  cfg.ListenAddr,
		callback:    callback,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		logger:      logger.With("component", "oauth"),
		metrics:     m,
		now:         time.Now,
		interval:    ValidateWindow,
		browserOpen: openBrowser,
		available:   make(chan struct{}),
		stopCh:      make(chan struct{}),
	}
}

// Start acquires a token and launches the background validator. A supplied
// token wins over the stored one; with neither, the authorization-code flow
// runs and blocks until the user completes it.
func (m *Manager) Start(ctx context.Context, tok *Token) error {
	if tok == nil {
		stored, err := loadToken(ctx, m.store)
		if err != nil {
			return err
		}
		tok = stored
	}
	if tok == nil {
		acquired, err := m.authorize(ctx)
		if err != nil {
			return err
		}
		tok = acquired
	} else if err := saveToken(ctx, m.store, tok); err != nil {
		return err
	}

	m.setToken(tok)
	m.logger.Info("Token acquired", "scopes", len(tok.Scopes))

	// Validate immediately so the user id is known before the WebSocket
	// session needs it for subscription conditions.
	m.validateOnce(ctx)

	m.wg.Add(1)
	go m.validateLoop(ctx)
	return nil
}

// Get returns a snapshot of the current token, blocking while a refresh is
// in progress or before Start has acquired one.
func (m *Manager) Get(ctx context.Context) (*Token, error) {
	for {
		m.mu.Lock()
		avail := m.available
		m.mu.Unlock()

		select {
		case <-avail:
			m.mu.Lock()
			tok := m.token.clone()
			same := m.available == avail
			m.mu.Unlock()
			if same && tok != nil {
				return tok, nil
			}
			// The gate moved under us (a refresh started); wait again.
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-m.stopCh:
			return nil, ErrNoToken
		}
	}
}

// UserID returns the validated user id, or empty before validation.
func (m *Manager) UserID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.token == nil {
		return ""
	}
	return m.token.UserID
}

// ClientID returns the configured application client id.
func (m *Manager) ClientID() string {
	return m.oauthCfg.ClientID
}

// Refresh exchanges the refresh token for a fresh access token. Concurrent
// callers join the in-flight refresh and observe the same outcome. While the
// refresh runs, Get blocks.
func (m *Manager) Refresh(ctx context.Context) error {
	m.mu.Lock()
	if m.inflight != nil {
		done := m.inflight
		m.mu.Unlock()
		select {
		case <-done:
			m.mu.Lock()
			err := m.lastErr
			m.mu.Unlock()
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	done := make(chan struct{})
	m.inflight = done
	m.available = make(chan struct{}) // close the gate; Get now blocks
	cur := m.token.clone()
	m.mu.Unlock()

	tok, err := m.refresh(ctx, cur)

	m.mu.Lock()
	if err == nil {
		m.token = tok
	}
	// Reopen the gate even on failure: callers get the stale token back and
	// surface 401s instead of hanging forever.
	if m.token != nil {
		close(m.available)
	}
	m.lastErr = err
	m.inflight = nil
	m.mu.Unlock()
	close(done)

	if err != nil {
		m.metrics.TokenRefresh("error")
		m.logger.Warn("Token refresh failed", "error", err)
		return err
	}
	m.metrics.TokenRefresh("ok")
	m.logger.Info("Token refreshed")
	return nil
}

// Stop cancels the validator. Idempotent.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

// refresh runs the refresh grant, falling back to a fresh code flow when the
// grant fails (revoked or expired refresh token).
func (m *Manager) refresh(ctx context.Context, cur *Token) (*Token, error) {
	if cur == nil || cur.Refresh == "" {
		return m.authorize(ctx)
	}

	src := m.oauthCfg.TokenSource(m.httpContext(ctx), &oauth2.Token{
		AccessToken:  cur.Access,
		RefreshToken: cur.Refresh,
		Expiry:       m.now().Add(-time.Minute), // force the grant
	})
	fresh, err := src.Token()
	if err != nil {
		m.logger.Warn("Refresh grant rejected, falling back to authorization flow", "error", err)
		return m.authorize(ctx)
	}

	tok := &Token{
		Access:    fresh.AccessToken,
		Refresh:   fresh.RefreshToken,
		ExpiresAt: fresh.Expiry.Unix(),
		Scopes:    cur.Scopes,
		UserID:    cur.UserID,
	}
	// Provider quirk: the refresh response may omit the refresh token, in
	// which case the previous one stays valid and must be kept verbatim.
	if tok.Refresh == "" {
		tok.Refresh = cur.Refresh
	}
	if err := saveToken(ctx, m.store, tok); err != nil {
		return nil, err
	}
	return tok, nil
}

// validateLoop re-validates on a fixed cadence until Stop.
func (m *Manager) validateLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.validateOnce(ctx)
		}
	}
}

// validateOnce hits the validation endpoint; a non-200 triggers a refresh,
// as does a token expiring within the validation window.
func (m *Manager) validateOnce(ctx context.Context) {
	m.mu.Lock()
	cur := m.token.clone()
	m.mu.Unlock()
	if cur == nil {
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.endpoints.Validate, nil)
	if err != nil {
		m.logger.Error("Building validation request failed", "error", err)
		return
	}
	req.Header.Set("Authorization", "OAuth "+cur.Access)

	resp, err := m.httpClient.Do(req)
	if err != nil {
		m.logger.Warn("Token validation request failed", "error", err)
		return
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		var body struct {
			UserID string   `json:"user_id"`
			Scopes []string `json:"scopes"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			m.logger.Warn("Decoding validation response failed", "error", err)
			return
		}
		m.mu.Lock()
		changed := m.token != nil && m.token.UserID != body.UserID
		if m.token != nil {
			m.token.UserID = body.UserID
		}
		snapshot := m.token.clone()
		m.mu.Unlock()
		if changed && snapshot != nil {
			if err := saveToken(ctx, m.store, snapshot); err != nil {
				m.logger.Warn("Persisting validated token failed", "error", err)
			}
			m.logger.Info("Token validated", "user_id", body.UserID)
		}
	default:
		m.logger.Warn("Token validation rejected, refreshing", "status", resp.StatusCode)
		if err := m.Refresh(ctx); err != nil {
			return
		}
	}

	m.mu.Lock()
	cur = m.token.clone()
	m.mu.Unlock()
	if cur != nil && cur.ExpiresWithin(m.now(), m.interval) {
		m.logger.Info("Token expires soon, refreshing preemptively",
			"expires_at", cur.ExpiresAt)
		_ = m.Refresh(ctx)
	}
}

func (m *Manager) setToken(tok *Token) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = tok
	select {
	case <-m.available:
		// already open
	default:
		close(m.available)
	}
}

// httpContext routes the oauth2 library through the manager's HTTP client.
func (m *Manager) httpContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)
}
