// Package gateway wires the route matcher, load balancer, circuit breaker,
// middleware pipeline and forwarder into the single HTTP handler described
// by spec §4.1's dispatch flow, and exposes the health endpoints spec §7
// requires.
package gateway

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nehoraim/edgegw/internal/balancer"
	"github.com/nehoraim/edgegw/internal/breaker"
	"github.com/nehoraim/edgegw/internal/config"
	"github.com/nehoraim/edgegw/internal/forwarder"
	"github.com/nehoraim/edgegw/internal/healthcheck"
	"github.com/nehoraim/edgegw/internal/middleware"
	"github.com/nehoraim/edgegw/internal/route"
	"github.com/nehoraim/edgegw/internal/staticfile"
	"github.com/nehoraim/edgegw/internal/tunnel"
)

// routeRuntime bundles the mutable, per-route state the dispatcher needs
// alongside its immutable route.Route configuration.
type routeRuntime struct {
	route      *route.Route
	balancer   *balancer.Balancer
	breakers   *breaker.Registry
	middleware middleware.Config
	timeout    time.Duration
}

// Gateway is the assembled HTTP handler for one configuration: every
// [[proxy]] entry compiled into a route.Matcher plus per-route balancer,
// breaker registry and middleware state, and the static-file fallback. Each
// route keeps its own breaker.Registry so a route's [[proxy]].circuit_breaker
// settings (spec §3) only ever govern that route's targets, never the whole
// process.
type Gateway struct {
	matcher  *route.Matcher
	runtimes map[*route.Route]*routeRuntime

	pipeline  *middleware.Pipeline
	httpFwd   *forwarder.HTTP
	wsFwd     *forwarder.WebSocket
	static    *staticfile.Handler
	tunnelSrv *tunnel.Server

	log *logrus.Logger
}

// New builds a Gateway from a loaded Config.
func New(cfg *config.Config, logger *logrus.Logger) (*Gateway, error) {
	g := &Gateway{
		runtimes: make(map[*route.Route]*routeRuntime),
		pipeline: middleware.New(),
		httpFwd:  forwarder.NewHTTP(),
		wsFwd:    forwarder.NewWebSocket(),
		static:   staticfile.New(cfg.StaticConfig.Directory, cfg.StaticConfig.Fallback),
		log:      logger,
	}

	routes := make([]*route.Route, 0, len(cfg.Proxy))
	for i := range cfg.Proxy {
		pr := &cfg.Proxy[i]
		r, rt, err := buildRoute(pr)
		if err != nil {
			return nil, fmt.Errorf("proxy route %d (%s): %w", i, pr.Path, err)
		}
		routes = append(routes, r)
		g.runtimes[r] = rt
	}
	g.matcher = route.New(routes)

	for i, r := range routes {
		startHealthChecks(&cfg.Proxy[i], g.runtimes[r], logger)
	}

	return g, nil
}

// startHealthChecks launches the background HTTP and/or WebSocket health
// monitors a route configures (spec §4.2's "Dynamic health" paragraph),
// feeding their results into rt.balancer's dynamic health overrides. A route
// with neither http_health nor websocket_health configured keeps its
// targets statically healthy, as before.
func startHealthChecks(pr *config.ProxyRoute, rt *routeRuntime, logger *logrus.Logger) {
	urls := targetURLs(rt.balancer.Targets())
	if len(urls) == 0 {
		return
	}
	log := logger.WithField("component", "healthcheck").WithField("route", pr.Path)

	if pr.HTTPHealth != nil {
		checker := healthcheck.NewHTTPChecker(*pr.HTTPHealth, log.WithField("kind", "http"))
		go checker.Monitor(context.Background(), urls, rt.balancer)
	}
	if pr.WebSocketHealth != nil {
		checker := healthcheck.NewWebSocketChecker(*pr.WebSocketHealth, log.WithField("kind", "websocket"))
		go checker.Monitor(context.Background(), urls, rt.balancer)
	}
}

func targetURLs(targets []route.Target) []string {
	out := make([]string, len(targets))
	for i, t := range targets {
		out[i] = t.URL
	}
	return out
}

// AttachTunnelServer wires the tunnel subsystem's public dispatch in
// alongside ordinary proxy routes, per spec §5: a request whose Host
// resolves to a known tunnel subdomain is routed there instead of through
// the proxy matcher.
func (g *Gateway) AttachTunnelServer(s *tunnel.Server) { g.tunnelSrv = s }

func buildRoute(pr *config.ProxyRoute) (*route.Route, *routeRuntime, error) {
	cfgTargets := pr.GetTargets()
	targets := make([]route.Target, len(cfgTargets))
	for i, t := range cfgTargets {
		w := t.Weight
		if w < 1 {
			w = 1
		}
		targets[i] = route.Target{URL: t.URL, Weight: w, StaticHealthy: true}
	}

	strategy := route.Strategy(pr.Strategy)
	switch strategy {
	case route.RoundRobin, route.WeightedRoundRobin, route.Random, route.LeastConnections:
	default:
		strategy = route.RoundRobin
	}

	r := &route.Route{
		Path:           pr.Path,
		Targets:        targets,
		Strategy:       strategy,
		TimeoutSeconds: pr.TimeoutSeconds,
		StickySessions: pr.StickySessions,
	}

	rt := &routeRuntime{
		route:      r,
		balancer:   balancer.New(targets, strategy),
		breakers:   breaker.NewRegistry(breakerConfigFromRoute(pr.CircuitBreaker)),
		middleware: buildMiddlewareConfig(pr.Middleware),
		timeout:    time.Duration(pr.TimeoutSeconds) * time.Second,
	}

	return r, rt, nil
}

// breakerConfigFromRoute translates a route's optional TOML
// [[proxy]].circuit_breaker table into a breaker.Config, falling back to
// breaker.DefaultConfig() when the route doesn't configure one (spec §3
// lists circuit-breaker as a per-Route sub-config, not a global one).
func breakerConfigFromRoute(cb *config.CircuitBreakerConfig) breaker.Config {
	if cb == nil {
		return breaker.DefaultConfig()
	}
	def := breaker.DefaultConfig()

	cfg := breaker.Config{
		Disabled:         cb.Disabled,
		FailureThreshold: cb.FailureThreshold,
		MinRequests:      cb.MinRequests,
		OpenTimeout:      time.Duration(cb.OpenTimeoutSecs) * time.Second,
		TestRequests:     cb.TestRequests,
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.MinRequests == 0 {
		cfg.MinRequests = def.MinRequests
	}
	if cfg.OpenTimeout == 0 {
		cfg.OpenTimeout = def.OpenTimeout
	}
	if cfg.TestRequests == 0 {
		cfg.TestRequests = def.TestRequests
	}
	return cfg
}

func buildMiddlewareConfig(mw *config.MiddlewareConfig) middleware.Config {
	var out middleware.Config
	if mw == nil {
		return out
	}
	if mw.RateLimit != nil {
		out.RateLimit = &middleware.RateLimitConfig{
			RequestsPerMinute: mw.RateLimit.RequestsPerMinute,
			WindowSeconds:     mw.RateLimit.WindowSeconds,
			MaxConcurrent:     mw.RateLimit.MaxConcurrent,
			Message:           mw.RateLimit.Message,
		}
	}
	if mw.Auth != nil {
		out.Auth = &middleware.AuthConfig{
			BearerToken:     mw.Auth.BearerToken,
			BasicUser:       mw.Auth.BasicUser,
			BasicPass:       mw.Auth.BasicPass,
			HasBasicAuth:    mw.Auth.BasicUser != "",
			CustomHeaderKey: mw.Auth.CustomHeaderKey,
			CustomHeaderVal: mw.Auth.CustomHeaderVal,
			APIKeyHeader:    mw.Auth.APIKeyHeader,
			APIKeyValue:     mw.Auth.APIKeyValue,
		}
	}
	if mw.Headers != nil {
		out.Headers = &middleware.HeaderConfig{
			Remove:      mw.Headers.RemoveRequestHeaders,
			Add:         mw.Headers.RequestHeaders,
			OverrideHost: mw.Headers.OverrideHost,
		}
	}
	if mw.Transform != nil {
		if mw.Transform.Request != nil {
			out.RequestXform = toTransformConfig(mw.Transform.Request)
		}
		if mw.Transform.Response != nil {
			out.ResponseXform = toTransformConfig(mw.Transform.Response)
		}
	}
	if mw.Compression != nil {
		out.Compression = &middleware.CompressionConfig{
			Enabled:        mw.Compression.Gzip,
			ThresholdBytes: mw.Compression.ThresholdBytes,
			Level:          mw.Compression.Level,
		}
	}
	return out
}

func toTransformConfig(c *config.BodyTransformConfig) *middleware.TransformConfig {
	replacements := make([]middleware.TextReplacement, len(c.ReplaceText))
	for i, r := range c.ReplaceText {
		replacements[i] = middleware.TextReplacement{Find: r.Find, Replace: r.Replace, RegexEnabled: r.RegexEnabled}
	}
	return &middleware.TransformConfig{
		Replacements: replacements,
		AddFields:    c.AddJSONFields,
		RemoveFields: c.RemoveJSONFields,
	}
}

// ServeHTTP implements http.Handler: the full dispatch flow of spec §4.1.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if g.tunnelSrv != nil && g.isTunnelHost(r.Host) {
		g.tunnelSrv.ServePublic(w, r)
		return
	}

	match := g.matcher.Find(r.URL.Path)
	if match == nil {
		g.static.ServeHTTP(w, r)
		return
	}

	rt := g.runtimes[match.Route]
	clientID := clientIP(r)

	release, err := g.pipeline.ProcessRequest(r, clientID, rt.middleware)
	if err != nil {
		if _, ok := err.(*middleware.RateLimitedError); ok {
			http.Error(w, err.Error(), http.StatusTooManyRequests)
			return
		}
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	defer release()

	target := g.selectTarget(rt, clientID)
	if target == nil {
		// spec §7's error table maps both "no healthy target" and "circuit
		// open" to 502: the gateway couldn't reach a backend, which is a
		// bad-gateway condition from the client's perspective, not a
		// gateway-is-unavailable one.
		http.Error(w, "no healthy backend targets", http.StatusBadGateway)
		return
	}

	b := rt.breakers.Get(target.URL)
	if !b.AllowRequest() {
		http.Error(w, "circuit breaker open", http.StatusBadGateway)
		return
	}

	rt.balancer.StartRequest(target.URL)
	defer rt.balancer.EndRequest(target.URL)

	if forwarder.IsUpgrade(r) {
		g.proxyWebSocket(w, r, target.URL, match.StrippedPath, b)
		return
	}
	g.proxyHTTP(w, r, rt, target.URL, match.StrippedPath, clientID, b)
}

func (g *Gateway) selectTarget(rt *routeRuntime, clientID string) *route.Target {
	if rt.route.StickySessions {
		return rt.balancer.SelectSticky(clientID)
	}
	return rt.balancer.Select()
}

func (g *Gateway) proxyHTTP(w http.ResponseWriter, r *http.Request, rt *routeRuntime, targetURL, strippedPath, clientID string, b *breaker.Breaker) {
	resp, err := g.httpFwd.Forward(r.Context(), r, targetURL, strippedPath, clientID, rt.timeout)
	if err != nil {
		b.RecordFailure()
		if fe, ok := err.(*forwarder.Error); ok {
			http.Error(w, fe.Error(), fe.StatusCode())
			return
		}
		http.Error(w, "forwarding error", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		b.RecordFailure()
	} else {
		b.RecordSuccess()
	}

	if err := middleware.ProcessResponse(resp, rt.middleware); err != nil {
		http.Error(w, "response transform error", http.StatusInternalServerError)
		return
	}
	_ = forwarder.CopyResponse(w, resp)
}

func (g *Gateway) proxyWebSocket(w http.ResponseWriter, r *http.Request, targetURL, strippedPath string, b *breaker.Breaker) {
	backendURL, err := forwarder.BackendWebSocketURL(targetURL, strippedPath)
	if err != nil {
		b.RecordFailure()
		http.Error(w, "invalid backend URL", http.StatusBadGateway)
		return
	}
	if err := g.wsFwd.Proxy(w, r, backendURL.String(), r.Header.Clone()); err != nil {
		b.RecordFailure()
		return
	}
	b.RecordSuccess()
}

func (g *Gateway) isTunnelHost(host string) bool {
	// Delegated entirely to the tunnel server's own subdomain lookup; this
	// hook exists so ServeHTTP can cheaply skip proxy-route matching for
	// tunnel traffic instead of falling through to the static responder.
	return strings.Contains(host, ".") && g.tunnelSrv.HasSubdomainFor(host)
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

