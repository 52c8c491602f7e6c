package helix

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cabana-dev/cabana/pkg/oauth"
)

// fakeTokens hands out sequential access tokens on each refresh.
type fakeTokens struct {
	refreshes atomic.Int64
}

func (f *fakeTokens) Get(context.Context) (*oauth.Token, error) {
	n := f.refreshes.Load()
	access := "access-0"
	if n > 0 {
		access = "access-refreshed"
	}
	return &oauth.Token{Access: access, Refresh: "r"}, nil
}

func (f *fakeTokens) Refresh(context.Context) error {
	f.refreshes.Add(1)
	return nil
}

func (f *fakeTokens) ClientID() string { return "cid" }

func newTestClient(t *testing.T, handler http.Handler) (*Client, *fakeTokens, *[]time.Duration) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	tokens := &fakeTokens{}
	c := NewClient(tokens, nil, nil)
	c.baseURL = srv.URL

	slept := &[]time.Duration{}
	c.sleep = func(_ context.Context, d time.Duration) error {
		*slept = append(*slept, d)
		return nil
	}
	return c, tokens, slept
}

func TestRequestInjectsAuthHeaders(t *testing.T) {
	var gotClientID, gotAuth string
	c, _, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotClientID = r.Header.Get("Client-ID")
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{"data":[]}`))
	}))

	body, err := c.Request(context.Background(), http.MethodGet, "/users", nil, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"data":[]}`, string(body))
	assert.Equal(t, "cid", gotClientID)
	assert.Equal(t, "Bearer access-0", gotAuth)
}

// Scenario: the transport returns 401 once, then succeeds after a refresh.
func TestUnauthorizedRefreshRetry(t *testing.T) {
	var calls atomic.Int64
	c, tokens, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		assert.Equal(t, "Bearer access-refreshed", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"data":[]}`))
	}))

	body, err := c.Request(context.Background(), http.MethodGet, "/users", nil, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"data":[]}`, string(body))
	assert.EqualValues(t, 1, tokens.refreshes.Load(), "exactly one refresh")
	assert.EqualValues(t, 2, calls.Load(), "exactly one retry")
}

// Scenario: a rate-limit retry precedes the 401. The refresh budget must
// still be available, so the chain goes 429 → 401 → refresh → 200.
func TestRateLimitedThenUnauthorizedStillRefreshes(t *testing.T) {
	var calls atomic.Int64
	c, tokens, slept := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch calls.Add(1) {
		case 1:
			w.WriteHeader(http.StatusTooManyRequests)
		case 2:
			w.WriteHeader(http.StatusUnauthorized)
		default:
			assert.Equal(t, "Bearer access-refreshed", r.Header.Get("Authorization"))
			_, _ = w.Write([]byte(`{"data":[]}`))
		}
	}))

	body, err := c.Request(context.Background(), http.MethodGet, "/users", nil, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"data":[]}`, string(body))
	assert.EqualValues(t, 1, tokens.refreshes.Load(), "the 401 still gets its refresh")
	assert.EqualValues(t, 3, calls.Load())
	assert.Len(t, *slept, 1)
}

func TestSecondUnauthorizedSurfaces(t *testing.T) {
	c, tokens, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))

	_, err := c.Request(context.Background(), http.MethodGet, "/users", nil, nil)
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.EqualValues(t, 1, tokens.refreshes.Load())
}

// Scenario: 429 with Ratelimit-Reset two seconds out sleeps reset-now+3.
func TestRateLimitBackoff(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	var calls atomic.Int64
	c, _, slept := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Ratelimit-Reset", "1700000002")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"data":[]}`))
	}))
	c.now = func() time.Time { return now }

	body, err := c.Request(context.Background(), http.MethodGet, "/users", nil, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"data":[]}`, string(body))
	require.Len(t, *slept, 1)
	assert.Equal(t, 5*time.Second, (*slept)[0])
}

func TestOtherStatusSurfacesHTTPError(t *testing.T) {
	c, _, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"message":"missing scope"}`))
	}))

	_, err := c.Request(context.Background(), http.MethodGet, "/users", nil, nil)
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusForbidden, httpErr.Status)
	assert.Contains(t, string(httpErr.Body), "missing scope")
}

func TestListSubscriptionsFollowsCursor(t *testing.T) {
	c, _, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("after") {
		case "":
			_, _ = w.Write([]byte(`{"data":[{"id":"s1","type":"channel.follow","status":"enabled"}],"pagination":{"cursor":"next"}}`))
		case "next":
			_, _ = w.Write([]byte(`{"data":[{"id":"s2","type":"channel.raid","status":"enabled"}],"pagination":{}}`))
		default:
			t.Errorf("unexpected cursor %q", r.URL.Query().Get("after"))
		}
	}))

	subs, err := c.ListSubscriptions(context.Background())
	require.NoError(t, err)
	require.Len(t, subs, 2)
	assert.Equal(t, "s1", subs[0].ID)
	assert.Equal(t, "s2", subs[1].ID)
}

func TestCreateSubscription(t *testing.T) {
	c, _, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"data":[{"id":"s1","type":"channel.follow","version":"2","status":"enabled","transport":{"method":"websocket","session_id":"sess-A"}}]}`))
	}))

	sub, err := c.CreateSubscription(context.Background(), "channel.follow", "2",
		map[string]string{"broadcaster_user_id": "42"}, "sess-A")
	require.NoError(t, err)
	assert.Equal(t, "s1", sub.ID)
	assert.True(t, sub.Live("sess-A"))
	assert.False(t, sub.Live("sess-B"))
}

func TestDeleteSubscription(t *testing.T) {
	var gotID string
	c, _, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		gotID = r.URL.Query().Get("id")
		w.WriteHeader(http.StatusNoContent)
	}))

	require.NoError(t, c.DeleteSubscription(context.Background(), "s1"))
	assert.Equal(t, "s1", gotID)
}
