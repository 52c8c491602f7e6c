// Package helix is the authenticated Twitch REST helper the core uses for
// EventSub subscription management.
package helix

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cabana-dev/cabana/pkg/metrics"
	"github.com/cabana-dev/cabana/pkg/oauth"
)

// DefaultBaseURL is the production Helix API root.
const DefaultBaseURL = "https://api.twitch.tv/helix"

// maxRetryDepth bounds the retry recursion for 401s and 429s.
const maxRetryDepth = 20

// rateLimitSlack is added on top of the Ratelimit-Reset horizon before a
// 429'd request is re-issued.
const rateLimitSlack = 3 * time.Second

// TokenSource is the slice of the oauth manager the client needs.
type TokenSource interface {
	Get(ctx context.Context) (*oauth.Token, error)
	Refresh(ctx context.Context) error
	ClientID() string
}

// Client issues authenticated requests. Every call carries Client-ID and a
// bearer token from the token source; 401s trigger one refresh-and-retry,
// 429s wait out the advertised reset.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     TokenSource
	logger     *slog.Logger
	metrics    *metrics.Metrics

	// Injection points for tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient creates a REST client over the token source. m may be nil.
func NewClient(tokens TokenSource, m *metrics.Metrics, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:    DefaultBaseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		tokens:     tokens,
		logger:     logger.With("component", "helix"),
		metrics:    m,
		now:        time.Now,
		sleep:      sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Request issues one authenticated call. path is joined onto the base URL
// unless it is already absolute. body, when non-nil, is JSON-encoded. The
// response body is returned raw; callers decode what they expect.
func (c *Client) Request(ctx context.Context, method, path string, query url.Values, body any) ([]byte, error) {
	return c.request(ctx, method, path, query, body, 0, false)
}

// refreshed tracks whether this call chain already spent its one token
// refresh; depth alone cannot, since rate-limit retries also deepen it.
func (c *Client) request(ctx context.Context, method, path string, query url.Values, body any, depth int, refreshed bool) ([]byte, error) {
	if depth >= maxRetryDepth {
		return nil, fmt.Errorf("%w: %s %s", ErrRetryBudgetExhausted, method, path)
	}

	tok, err := c.tokens.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("obtain token: %w", err)
	}

	target := path
	if !strings.HasPrefix(path, "http") {
		target = c.baseURL + path
	}
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var payload io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		payload = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, payload)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Client-ID", c.tokens.ClientID())
	req.Header.Set("Authorization", "Bearer "+tok.Access)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return raw, nil

	case resp.StatusCode == http.StatusUnauthorized:
		if refreshed {
			return nil, &AuthError{Method: method, URL: target}
		}
		c.metrics.HTTPRetry("auth")
		c.logger.Warn("Request unauthorized, refreshing token", "method", method, "path", path)
		if err := c.tokens.Refresh(ctx); err != nil {
			return nil, fmt.Errorf("refresh after 401: %w", err)
		}
		return c.request(ctx, method, path, query, body, depth+1, true)

	case resp.StatusCode == http.StatusTooManyRequests:
		wait := c.rateLimitWait(resp.Header)
		c.metrics.HTTPRetry("ratelimit")
		c.logger.Warn("Rate limited, backing off", "method", method, "path", path, "wait", wait)
		if err := c.sleep(ctx, wait); err != nil {
			return nil, err
		}
		return c.request(ctx, method, path, query, body, depth+1, refreshed)

	default:
		return nil, &HTTPError{Status: resp.StatusCode, Body: raw}
	}
}

// rateLimitWait derives the backoff from the Ratelimit-Reset header (epoch
// seconds) plus slack, falling back to the slack alone when absent.
func (c *Client) rateLimitWait(h http.Header) time.Duration {
	reset, err := strconv.ParseInt(h.Get("Ratelimit-Reset"), 10, 64)
	if err != nil {
		return rateLimitSlack
	}
	until := time.Unix(reset, 0).Sub(c.now())
	if until < 0 {
		until = 0
	}
	return until + rateLimitSlack
}
