package gateway

import (
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nehoraim/edgegw/internal/config"
)

func discardLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(testDiscard{})
	return l
}

type testDiscard struct{}

func (testDiscard) Write(p []byte) (int, error) { return len(p), nil }

func TestGateway_ForwardsMatchedRouteToBackend(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/orders/42", r.URL.Path)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("backend response"))
	}))
	defer backend.Close()

	cfg := &config.Config{
		StaticConfig: config.StaticConfig{Directory: t.TempDir()},
		Proxy: []config.ProxyRoute{
			{Path: "/api/*", Target: backend.URL, Strategy: "round_robin", TimeoutSeconds: 5},
		},
	}
	gw, err := New(cfg, discardLogger())
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "http://gw.example.com/api/orders/42", nil)
	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "backend response", rec.Body.String())
}

func TestGateway_UnmatchedPathFallsBackToStatic(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(dir+"/index.html", []byte("<html>fallback</html>"), 0o644))

	cfg := &config.Config{
		StaticConfig: config.StaticConfig{Directory: dir, Fallback: "index.html"},
	}
	gw, err := New(cfg, discardLogger())
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "http://gw.example.com/nope", nil)
	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, req)

	assert.Contains(t, rec.Body.String(), "fallback")
}

func TestGateway_RateLimitedRequestReturns429(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	cfg := &config.Config{
		StaticConfig: config.StaticConfig{Directory: t.TempDir()},
		Proxy: []config.ProxyRoute{
			{
				Path: "/api/*", Target: backend.URL, Strategy: "round_robin", TimeoutSeconds: 5,
				Middleware: &config.MiddlewareConfig{
					RateLimit: &config.RateLimitConfig{RequestsPerMinute: 1, WindowSeconds: 60, MaxConcurrent: 10, Message: "too fast"},
				},
			},
		},
	}
	gw, err := New(cfg, discardLogger())
	require.NoError(t, err)

	req1 := httptest.NewRequest(http.MethodGet, "http://gw.example.com/api/orders", nil)
	rec1 := httptest.NewRecorder()
	gw.ServeHTTP(rec1, req1)
	assert.Equal(t, http.StatusOK, rec1.Code)

	req2 := httptest.NewRequest(http.MethodGet, "http://gw.example.com/api/orders", nil)
	rec2 := httptest.NewRecorder()
	gw.ServeHTTP(rec2, req2)
	assert.Equal(t, http.StatusTooManyRequests, rec2.Code)
	assert.Contains(t, rec2.Body.String(), "too fast")
}

func TestGateway_NoHealthyTargetsReturns502(t *testing.T) {
	cfg := &config.Config{
		StaticConfig: config.StaticConfig{Directory: t.TempDir()},
		Proxy: []config.ProxyRoute{
			{Path: "/api/*", Target: "http://127.0.0.1:1", Strategy: "round_robin", TimeoutSeconds: 5},
		},
	}
	gw, err := New(cfg, discardLogger())
	require.NoError(t, err)

	for _, rt := range gw.runtimes {
		rt.balancer.SetTargetHealth("http://127.0.0.1:1", false)
	}

	req := httptest.NewRequest(http.MethodGet, "http://gw.example.com/api/x", nil)
	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestGateway_BackendErrorTripsBreakerEventually(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer backend.Close()

	cfg := &config.Config{
		StaticConfig: config.StaticConfig{Directory: t.TempDir()},
		Proxy: []config.ProxyRoute{
			{Path: "/api/*", Target: backend.URL, Strategy: "round_robin", TimeoutSeconds: 5},
		},
	}
	gw, err := New(cfg, discardLogger())
	require.NoError(t, err)

	var lastStatus int
	for i := 0; i < 20; i++ {
		req := httptest.NewRequest(http.MethodGet, "http://gw.example.com/api/x", nil)
		rec := httptest.NewRecorder()
		gw.ServeHTTP(rec, req)
		lastStatus = rec.Code
	}

	assert.True(t, lastStatus == http.StatusInternalServerError || lastStatus == http.StatusBadGateway)
}

func TestGateway_PerRouteCircuitBreakerConfigIsHonored(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer backend.Close()

	cfg := &config.Config{
		StaticConfig: config.StaticConfig{Directory: t.TempDir()},
		Proxy: []config.ProxyRoute{
			{
				Path: "/api/*", Target: backend.URL, Strategy: "round_robin", TimeoutSeconds: 5,
				CircuitBreaker: &config.CircuitBreakerConfig{Disabled: true},
			},
		},
	}
	gw, err := New(cfg, discardLogger())
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		req := httptest.NewRequest(http.MethodGet, "http://gw.example.com/api/x", nil)
		rec := httptest.NewRecorder()
		gw.ServeHTTP(rec, req)
		// A disabled breaker must never substitute its own 502 for the
		// backend's actual response, no matter how many failures accrue.
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	}
}

func TestGateway_PerRouteCircuitBreakerConfigUsesLowerThreshold(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer backend.Close()

	cfg := &config.Config{
		StaticConfig: config.StaticConfig{Directory: t.TempDir()},
		Proxy: []config.ProxyRoute{
			{
				Path: "/api/*", Target: backend.URL, Strategy: "round_robin", TimeoutSeconds: 5,
				CircuitBreaker: &config.CircuitBreakerConfig{FailureThreshold: 1, MinRequests: 1, OpenTimeoutSecs: 30, TestRequests: 1},
			},
		},
	}
	gw, err := New(cfg, discardLogger())
	require.NoError(t, err)

	req1 := httptest.NewRequest(http.MethodGet, "http://gw.example.com/api/x", nil)
	rec1 := httptest.NewRecorder()
	gw.ServeHTTP(rec1, req1)
	assert.Equal(t, http.StatusInternalServerError, rec1.Code)

	req2 := httptest.NewRequest(http.MethodGet, "http://gw.example.com/api/x", nil)
	rec2 := httptest.NewRecorder()
	gw.ServeHTTP(rec2, req2)
	assert.Equal(t, http.StatusBadGateway, rec2.Code)
}

func TestGateway_HTTPHealthCheckMarksDeadTargetUnhealthy(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	cfg := &config.Config{
		StaticConfig: config.StaticConfig{Directory: t.TempDir()},
		Proxy: []config.ProxyRoute{
			{
				Path: "/api/*", Target: backend.URL, Strategy: "round_robin", TimeoutSeconds: 5,
				HTTPHealth: &config.HealthCheckConfig{Path: "/healthz", TimeoutSeconds: 1, IntervalSeconds: 1},
			},
		},
	}
	gw, err := New(cfg, discardLogger())
	require.NoError(t, err)

	var rt *routeRuntime
	for _, r := range gw.runtimes {
		rt = r
	}
	require.NotNil(t, rt)

	assert.Eventually(t, func() bool {
		req := httptest.NewRequest(http.MethodGet, "http://gw.example.com/api/x", nil)
		rec := httptest.NewRecorder()
		gw.ServeHTTP(rec, req)
		return rec.Code == http.StatusBadGateway
	}, 3*time.Second, 10*time.Millisecond)
}
