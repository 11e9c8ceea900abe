// Package healthcheck implements the active, background health probing
// spec §4.2's "Dynamic health" paragraph describes: a periodic HTTP GET or
// WebSocket ping/pong against each of a route's targets, feeding the result
// into the balancer's dynamic health override rather than its static flag.
//
// Grounded on the original's HttpHealthMonitor/WebSocketHealthMonitor
// (httpserver-proxy/src/http_health.rs, websocket_health.rs): a checker type
// that performs one probe, and a monitor loop that ticks on an interval and
// reports each target's result through a callback. The callback here is
// balancer.Balancer.SetTargetHealth/ClearTargetHealth directly, since this
// package has no state of its own to reconcile against.
package healthcheck

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/nehoraim/edgegw/internal/config"
)

// Target receives health-status updates. *balancer.Balancer implements it.
type Target interface {
	SetTargetHealth(url string, healthy bool)
	ClearTargetHealth(url string)
}

func defaultInterval(seconds int) time.Duration {
	if seconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(seconds) * time.Second
}

func defaultTimeout(seconds int) time.Duration {
	if seconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(seconds) * time.Second
}

// HTTPChecker probes a target with a GET request against cfg.Path and
// considers it healthy when the response status is in
// cfg.ExpectedStatusCodes, or any 2xx when that list is empty.
type HTTPChecker struct {
	cfg    config.HealthCheckConfig
	client *http.Client
	log    *logrus.Entry
}

// NewHTTPChecker builds an HTTPChecker whose client timeout matches cfg's
// configured per-probe timeout.
func NewHTTPChecker(cfg config.HealthCheckConfig, log *logrus.Entry) *HTTPChecker {
	return &HTTPChecker{
		cfg:    cfg,
		client: &http.Client{Timeout: defaultTimeout(cfg.TimeoutSeconds)},
		log:    log,
	}
}

// Check performs a single probe against targetURL and reports whether it
// was healthy.
func (c *HTTPChecker) Check(ctx context.Context, targetURL string) bool {
	healthURL := strings.TrimSuffix(targetURL, "/") + c.cfg.Path

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout(c.cfg.TimeoutSeconds))
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL, nil)
	if err != nil {
		c.log.WithError(err).WithField("health_url", healthURL).Warn("failed to build health check request")
		return false
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.log.WithError(err).WithField("health_url", healthURL).Debug("http health check failed")
		return false
	}
	defer resp.Body.Close()

	healthy := statusMatches(resp.StatusCode, c.cfg.ExpectedStatusCodes)
	c.log.WithFields(logrus.Fields{"health_url": healthURL, "status": resp.StatusCode, "healthy": healthy}).Debug("http health check completed")
	return healthy
}

func statusMatches(status int, expected []int) bool {
	if len(expected) == 0 {
		return status >= 200 && status < 300
	}
	for _, want := range expected {
		if status == want {
			return true
		}
	}
	return false
}

// Monitor runs Check against every target on cfg's configured interval until
// ctx is cancelled, updating target's dynamic health override after each
// probe. Call it in its own goroutine.
func (c *HTTPChecker) Monitor(ctx context.Context, targets []string, target Target) {
	runMonitorLoop(ctx, defaultInterval(c.cfg.IntervalSeconds), targets, func(t string) bool {
		return c.Check(ctx, t)
	}, target, c.log)
}

// WebSocketChecker probes a target by dialing it as a WebSocket, sending
// cfg.PingMessage as a text frame and waiting for any response.
type WebSocketChecker struct {
	cfg    config.HealthCheckConfig
	dialer *websocket.Dialer
	log    *logrus.Entry
}

// NewWebSocketChecker builds a WebSocketChecker whose dial handshake
// deadline matches cfg's configured per-probe timeout.
func NewWebSocketChecker(cfg config.HealthCheckConfig, log *logrus.Entry) *WebSocketChecker {
	return &WebSocketChecker{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: defaultTimeout(cfg.TimeoutSeconds)},
		log:    log,
	}
}

// Check dials targetURL (converted to ws(s)://) plus cfg.Path, sends the
// configured ping message and reports whether any reply arrived before the
// timeout.
func (c *WebSocketChecker) Check(ctx context.Context, targetURL string) bool {
	wsURL := toWebSocketURL(targetURL) + c.cfg.Path

	conn, _, err := c.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		c.log.WithError(err).WithField("health_url", wsURL).Debug("websocket health check dial failed")
		return false
	}
	defer conn.Close()

	deadline := time.Now().Add(defaultTimeout(c.cfg.TimeoutSeconds))
	_ = conn.SetWriteDeadline(deadline)
	ping := c.cfg.PingMessage
	if ping == "" {
		ping = "ping"
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(ping)); err != nil {
		c.log.WithError(err).WithField("health_url", wsURL).Debug("websocket health check ping failed")
		return false
	}

	_ = conn.SetReadDeadline(deadline)
	_, _, err = conn.ReadMessage()
	healthy := err == nil
	c.log.WithFields(logrus.Fields{"health_url": wsURL, "healthy": healthy}).Debug("websocket health check completed")
	return healthy
}

func toWebSocketURL(httpURL string) string {
	r := strings.NewReplacer("http://", "ws://", "https://", "wss://")
	return r.Replace(httpURL)
}

// Monitor runs Check against every target on cfg's configured interval until
// ctx is cancelled, updating target's dynamic health override after each
// probe. Call it in its own goroutine.
func (c *WebSocketChecker) Monitor(ctx context.Context, targets []string, target Target) {
	runMonitorLoop(ctx, defaultInterval(c.cfg.IntervalSeconds), targets, func(t string) bool {
		return c.Check(ctx, t)
	}, target, c.log)
}

func runMonitorLoop(ctx context.Context, interval time.Duration, targets []string, probe func(string) bool, target Target, log *logrus.Entry) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, t := range targets {
				if probe(t) {
					target.ClearTargetHealth(t)
				} else {
					target.SetTargetHealth(t, false)
				}
			}
		}
	}
}
