package gateway

import (
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nehoraim/edgegw/internal/config"
)

// rootHandler dispatches to the health sub-router when enabled and to the
// gateway's proxy logic otherwise, the way spec §7 layers health endpoints
// over the dispatcher without letting them collide with a "/health"
// [[proxy]] route a user might also configure.
type rootHandler struct {
	health http.Handler
	gw     *Gateway
}

func (h *rootHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if isHealthPath(r.URL.Path) {
		h.health.ServeHTTP(w, r)
		return
	}
	h.gw.ServeHTTP(w, r)
}

func isHealthPath(path string) bool {
	switch path {
	case "/health", "/ping", "/config/health", "/static/health", "/balancer/health":
		return true
	default:
		return false
	}
}

// NewHTTPServer builds the *http.Server for the gateway's main listener,
// wiring in the health sub-router when enabled.
func NewHTTPServer(cfg *config.ServerConfig, gw *Gateway, logger *logrus.Logger) *http.Server {
	var handler http.Handler = gw
	if cfg.EnableHealthEndpoints {
		handler = &rootHandler{health: gw.HealthRouter(), gw: gw}
	}
	handler = accessLog(logger, handler)

	addr := fmt.Sprintf(":%d", cfg.DefaultPort)
	timeout := time.Duration(cfg.RequestTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       timeout,
		WriteTimeout:      timeout,
		IdleTimeout:       2 * timeout,
		ErrorLog:          nil,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	status int
}

func (w *loggingResponseWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// accessLog wraps next with a per-request logrus entry, the style skipper's
// own access logging uses: one structured line per request with method,
// path, status and latency.
func accessLog(logger *logrus.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(lrw, r)
		logger.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   lrw.status,
			"duration": time.Since(start),
			"remote":   r.RemoteAddr,
		}).Info("request")
	})
}

// Serve starts srv, using TLS when ssl is configured.
func Serve(srv *http.Server, ssl *config.SSLConfig) error {
	if ssl != nil && ssl.CertFile != "" && ssl.KeyFile != "" {
		return srv.ListenAndServeTLS(ssl.CertFile, ssl.KeyFile)
	}
	return srv.ListenAndServe()
}
