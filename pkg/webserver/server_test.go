package webserver

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	echo "github.com/labstack/echo/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cabana-dev/cabana/pkg/metrics"
)

func TestSecurityHeaders(t *testing.T) {
	e := echo.New()
	e.Use(securityHeaders())
	e.GET("/test", func(c *echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"),
		"callback responses carry authorization codes and must not be cached")
	assert.Equal(t, "no-referrer", rec.Header().Get("Referrer-Policy"))
}

func TestHealthz(t *testing.T) {
	s := New(nil, nil)

	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Positive(t, resp.Goroutines)
}

func TestMetricsEndpointServesRegistry(t *testing.T) {
	m := metrics.New()
	m.NotificationReceived("channel.follow")
	s := New(m, nil)

	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "cabana_notifications_total")
}

func TestCallbackHandlerLifecycle(t *testing.T) {
	s := New(nil, nil)

	// No authorization in flight yet.
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/auth", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	var gotQuery url.Values
	s.HandleCallback("/auth", func(q url.Values) (int, string) {
		gotQuery = q
		return http.StatusOK, "<html>done</html>"
	})

	rec = httptest.NewRecorder()
	s.echo.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/auth?code=abc&state=xyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "done")
	assert.Equal(t, "abc", gotQuery.Get("code"))

	// Re-registering swaps the handler without re-adding the route.
	s.HandleCallback("/auth", func(url.Values) (int, string) {
		return http.StatusBadRequest, "nope"
	})
	rec = httptest.NewRecorder()
	s.echo.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/auth", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStartShutdownLifecycle(t *testing.T) {
	s := New(nil, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, s.StartWithListener(ln))
	require.True(t, s.Running())

	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Starting again is a no-op.
	require.NoError(t, s.Start(s.Addr()))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	assert.False(t, s.Running())
	require.NoError(t, s.Shutdown(ctx), "shutdown is idempotent")
}

func TestStopIfIdleRespectsUserRoutes(t *testing.T) {
	ctx := context.Background()

	s := New(nil, nil)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, s.StartWithListener(ln))

	s.RegisterRoute(http.MethodGet, "/mine", func(c *echo.Context) error {
		return c.String(http.StatusOK, "mine")
	})
	s.StopIfIdle(ctx)
	assert.True(t, s.Running(), "user routes keep the server alive")
	require.NoError(t, s.Shutdown(ctx))

	idle := New(nil, nil)
	ln, err = net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, idle.StartWithListener(ln))
	idle.StopIfIdle(ctx)
	assert.False(t, idle.Running(), "idle server stops after the flow")
}

func TestEnsureStartedIsIdempotent(t *testing.T) {
	s := New(nil, nil)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, s.StartWithListener(ln))
	defer func() { _ = s.Shutdown(context.Background()) }()

	require.NoError(t, s.EnsureStarted("127.0.0.1:0"))
	assert.Equal(t, ln.Addr().String(), s.Addr(), "second start keeps the first listener")
}
