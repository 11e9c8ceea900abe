package tunnel

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/nehoraim/edgegw/internal/config"
)

const (
	pendingRequestTimeout = 30 * time.Second
	pendingSweepInterval  = 30 * time.Second
	pendingRequestTTL     = 60 * time.Second
	outboundQueueSize     = 100
)

var controlUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// errOutboundQueueFull is returned by activeTunnel.send when the tunnel's
// bounded outbound queue has no room left (spec §5's Backpressure
// paragraph: a full queue fails the caller immediately instead of blocking
// behind a slow or wedged client).
var errOutboundQueueFull = errors.New("tunnel outbound queue full")

// activeTunnel is one authenticated client connection. Outbound frames are
// never written to the socket directly from the caller's goroutine: send
// enqueues onto a bounded channel that a dedicated writeLoop goroutine
// drains, so one slow tunnel can't block every public request racing to use
// it.
type activeTunnel struct {
	id          string
	subdomain   string
	clientIP    string
	connectedAt time.Time

	conn     *websocket.Conn
	outbound chan []byte
	writeMu  sync.Mutex

	closed atomic.Bool

	bytesSent     int64
	bytesReceived int64
}

func newActiveTunnel(id, subdomain, clientIP string, conn *websocket.Conn) *activeTunnel {
	t := &activeTunnel{
		id: id, subdomain: subdomain, clientIP: clientIP,
		connectedAt: time.Now(), conn: conn,
		outbound: make(chan []byte, outboundQueueSize),
	}
	go t.writeLoop()
	return t
}

// writeLoop is the only goroutine that ever calls conn.WriteMessage,
// draining the outbound queue in order. It exits the first time a write
// fails, marking the tunnel closed immediately rather than waiting for the
// control connection's read loop to notice the break and run cleanupTunnel.
func (t *activeTunnel) writeLoop() {
	for data := range t.outbound {
		if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			t.closed.Store(true)
			return
		}
	}
}

// send enqueues msg for delivery, failing fast with errOutboundQueueFull
// when the outbound channel is already at capacity rather than blocking the
// caller.
func (t *activeTunnel) send(msg *Message) error {
	data, err := Encode(msg)
	if err != nil {
		return err
	}
	select {
	case t.outbound <- data:
		t.writeMu.Lock()
		t.bytesSent += int64(len(data))
		t.writeMu.Unlock()
		return nil
	default:
		return errOutboundQueueFull
	}
}

// isClosed reports whether this tunnel's write side has already failed.
// ServePublic checks this separately from the tunnel-id lookup so a tunnel
// whose connection just broke, but whose cleanupTunnel hasn't run yet, is
// reported as "gone" (502) rather than masquerading as still usable.
func (t *activeTunnel) isClosed() bool { return t.closed.Load() }

type pendingRequest struct {
	id        string
	response  chan *Message
	createdAt time.Time
}

// Server is the tunnel control-plane and public-traffic dispatcher
// described in spec §5: one WebSocket endpoint accepts client connections,
// one HTTP listener serves public traffic routed by subdomain.
type Server struct {
	cfg      config.TunnelServerConfig
	authKeys map[string]struct{}
	registry *Registry
	log      *logrus.Entry

	mu       sync.Mutex
	tunnels  map[string]*activeTunnel // tunnel id -> tunnel
	bySub    map[string]string        // subdomain -> tunnel id
	pending  map[string]*pendingRequest
	sslConns map[string]*sslConn // ssl passthrough connection id -> conn
}

// NewServer builds a Server from the [tunnel.server] config block and the
// configured auth token list.
func NewServer(cfg *config.TunnelServerConfig, authTokens []string, logger *logrus.Logger) *Server {
	strategy := StrategyRandom
	switch cfg.SubdomainStrategy {
	case "uuid":
		strategy = StrategyUUID
	case "custom":
		strategy = StrategyCustom
	}

	registryPath := cfg.RegistryPath
	if registryPath == "" {
		registryPath = "./tunnel-subdomains.json"
	}

	keys := make(map[string]struct{}, len(authTokens))
	for _, t := range authTokens {
		keys[t] = struct{}{}
	}

	return &Server{
		cfg:      *cfg,
		authKeys: keys,
		registry: NewRegistry(registryPath, strategy),
		log:      logger.WithField("component", "tunnel-server"),
		tunnels:  make(map[string]*activeTunnel),
		bySub:    make(map[string]string),
		pending:  make(map[string]*pendingRequest),
		sslConns: make(map[string]*sslConn),
	}
}

// Init loads the subdomain registry from disk and starts the pending
// request sweeper. Call once before serving traffic.
func (s *Server) Init() error {
	if err := s.registry.Load(); err != nil {
		return err
	}
	go s.sweepPending()
	return nil
}

func (s *Server) sweepPending() {
	ticker := time.NewTicker(pendingSweepInterval)
	defer ticker.Stop()
	for range ticker.C {
		now := time.Now()
		s.mu.Lock()
		for id, p := range s.pending {
			if now.Sub(p.createdAt) > pendingRequestTTL {
				close(p.response)
				delete(s.pending, id)
				s.log.WithField("request_id", id).Warn("expired pending tunnel request")
			}
		}
		s.mu.Unlock()
	}
}

// ServeControl handles the WebSocket control-plane endpoint clients
// connect to (spec §5.1's "/connect").
func (s *Server) ServeControl(w http.ResponseWriter, r *http.Request) {
	conn, err := controlUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("tunnel control upgrade failed")
		return
	}

	clientIP, _, _ := net.SplitHostPort(r.RemoteAddr)
	s.handleControlConnection(conn, clientIP)
}

func (s *Server) handleControlConnection(conn *websocket.Conn, clientIP string) {
	var tunnel *activeTunnel
	defer func() {
		conn.Close()
		if tunnel != nil {
			s.cleanupTunnel(tunnel)
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		msg, err := Decode(data)
		if err != nil {
			s.log.WithError(err).Debug("discarding malformed tunnel frame")
			continue
		}

		if tunnel != nil {
			tunnel.bytesReceivedAdd(int64(len(data)))
		}

		switch msg.Type {
		case TypeAuth:
			t, authErr := s.handleAuth(conn, clientIP, msg)
			if authErr != nil {
				s.log.WithError(authErr).Warn("tunnel authentication failed")
				return
			}
			tunnel = t
		case TypeHTTPResponse:
			s.handleHTTPResponse(msg)
		case TypePing:
			if tunnel != nil {
				_ = tunnel.send(NewPongMessage(msg.Timestamp))
			}
		case TypePong:
			// heartbeat acknowledged, nothing to update beyond liveness
		case TypeSSLData:
			s.handleSSLData(msg)
		case TypeSSLClose:
			s.handleSSLClose(msg)
		default:
			s.log.WithField("type", msg.Type).Debug("unhandled tunnel message type")
		}
	}
}

func (t *activeTunnel) bytesReceivedAdd(n int64) {
	t.writeMu.Lock()
	t.bytesReceived += n
	t.writeMu.Unlock()
}

func (s *Server) handleAuth(conn *websocket.Conn, clientIP string, msg *Message) (*activeTunnel, error) {
	if !IsCompatibleVersion(msg.ProtocolVersion) {
		sendErr(conn, 400, "incompatible protocol version")
		return nil, fmt.Errorf("incompatible protocol version %q", msg.ProtocolVersion)
	}
	if len(s.authKeys) > 0 {
		if _, ok := s.authKeys[msg.Token]; !ok {
			sendErr(conn, 401, "invalid authentication token")
			return nil, fmt.Errorf("invalid auth token")
		}
	}

	tunnelID := newTunnelID()
	subdomain, err := s.registry.Allocate(tunnelID, msg.Subdomain, clientIP)
	if err != nil {
		sendErr(conn, 409, err.Error())
		return nil, err
	}

	tunnel := newActiveTunnel(tunnelID, subdomain, clientIP, conn)

	s.mu.Lock()
	s.tunnels[tunnelID] = tunnel
	s.bySub[subdomain] = tunnelID
	s.mu.Unlock()

	resp := &Message{Type: TypeAuthResponse, Success: true, AssignedSubdomain: &subdomain}
	if err := tunnel.send(resp); err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{"tunnel_id": tunnelID, "subdomain": subdomain}).Info("tunnel authenticated")
	return tunnel, nil
}

func sendErr(conn *websocket.Conn, code int, message string) {
	data, err := Encode(NewErrorMessage(code, message))
	if err != nil {
		return
	}
	_ = conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Server) handleHTTPResponse(msg *Message) {
	s.mu.Lock()
	p, ok := s.pending[msg.ID]
	if ok {
		delete(s.pending, msg.ID)
	}
	s.mu.Unlock()

	if !ok {
		s.log.WithField("request_id", msg.ID).Warn("response for unknown or expired tunnel request")
		return
	}
	p.response <- msg
	close(p.response)
}

func (s *Server) cleanupTunnel(t *activeTunnel) {
	s.mu.Lock()
	delete(s.tunnels, t.id)
	delete(s.bySub, t.subdomain)
	var orphaned []net.Conn
	for id, sc := range s.sslConns {
		if sc.tunnel == t {
			orphaned = append(orphaned, sc.conn)
			delete(s.sslConns, id)
		}
	}
	s.mu.Unlock()
	for _, c := range orphaned {
		c.Close()
	}

	if err := s.registry.Release(t.subdomain); err != nil {
		s.log.WithError(err).Warn("failed to release subdomain on tunnel disconnect")
	}
	s.log.WithFields(logrus.Fields{"tunnel_id": t.id, "subdomain": t.subdomain}).Info("tunnel disconnected")
}

// HasSubdomainFor reports whether host's subdomain (under the tunnel
// server's base domain) is currently served by some active tunnel,
// letting the gateway decide between proxy routing and tunnel dispatch
// before committing to either.
func (s *Server) HasSubdomainFor(host string) bool {
	subdomain, ok := extractSubdomain(host, s.cfg.BaseDomain)
	if !ok {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok = s.bySub[subdomain]
	return ok
}

// lookupTunnel resolves subdomain to its active tunnel. The second return
// value reports only whether the subdomain is currently allocated to some
// tunnel id; callers must separately check the returned tunnel's isClosed()
// before using it, since a tunnel can go dead before cleanupTunnel has run.
func (s *Server) lookupTunnel(subdomain string) (*activeTunnel, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tunnelID, ok := s.bySub[subdomain]
	if !ok {
		return nil, false
	}
	return s.tunnels[tunnelID], true
}

// ServePublic handles public HTTP traffic addressed to a tunnel's
// subdomain (spec §5.1).
func (s *Server) ServePublic(w http.ResponseWriter, r *http.Request) {
	subdomain, ok := extractSubdomain(r.Host, s.cfg.BaseDomain)
	if !ok {
		http.Error(w, "invalid subdomain", http.StatusNotFound)
		return
	}

	tunnel, ok := s.lookupTunnel(subdomain)
	if !ok {
		http.Error(w, "unknown subdomain", http.StatusNotFound)
		return
	}
	if tunnel == nil || tunnel.isClosed() {
		http.Error(w, "tunnel disconnected", http.StatusBadGateway)
		return
	}

	body, err := readBody(r)
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	requestID := newTunnelID()
	pending := &pendingRequest{id: requestID, response: make(chan *Message, 1), createdAt: time.Now()}

	s.mu.Lock()
	s.pending[requestID] = pending
	s.mu.Unlock()

	clientIP, _, _ := net.SplitHostPort(r.RemoteAddr)
	reqMsg := NewHTTPRequestMessage(requestID, r.Method, r.URL.RequestURI(), flattenHeaders(r.Header), body, clientIP)

	if err := tunnel.send(reqMsg); err != nil {
		s.mu.Lock()
		delete(s.pending, requestID)
		s.mu.Unlock()
		http.Error(w, "tunnel communication error", http.StatusBadGateway)
		return
	}

	select {
	case resp, ok := <-pending.response:
		if !ok {
			http.Error(w, "tunnel closed during request", http.StatusBadGateway)
			return
		}
		writeTunnelResponse(w, resp)
	case <-time.After(pendingRequestTimeout):
		s.mu.Lock()
		delete(s.pending, requestID)
		s.mu.Unlock()
		http.Error(w, "request timeout", http.StatusGatewayTimeout)
	}
}

// Status returns a snapshot suitable for a health/status endpoint.
func (s *Server) Status() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	tunnels := make([]map[string]any, 0, len(s.tunnels))
	for _, t := range s.tunnels {
		tunnels = append(tunnels, map[string]any{
			"id":             t.id,
			"subdomain":      t.subdomain,
			"connected_at":   t.connectedAt,
			"bytes_sent":     t.bytesSent,
			"bytes_received": t.bytesReceived,
		})
	}
	return map[string]any{
		"active_tunnels": len(s.tunnels),
		"base_domain":    s.cfg.BaseDomain,
		"tunnels":        tunnels,
	}
}

func extractSubdomain(host, baseDomain string) (string, bool) {
	host = strings.SplitN(host, ":", 2)[0]
	suffix := "." + baseDomain
	if !strings.HasSuffix(host, suffix) {
		return "", false
	}
	sub := strings.TrimSuffix(host, suffix)
	if sub == "" {
		return "", false
	}
	return sub, true
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}

func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	buf := make([]byte, 0, 4096)
	tmp := make([]byte, 4096)
	for {
		n, err := r.Body.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
		}
		if err != nil {
			break
		}
	}
	return buf, nil
}

func writeTunnelResponse(w http.ResponseWriter, msg *Message) {
	for k, v := range msg.Headers {
		w.Header().Set(k, v)
	}
	status := msg.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if len(msg.Body) > 0 {
		_, _ = w.Write(msg.Body)
	}
}

// newTunnelID generates a correlation id for tunnels and in-flight
// requests, the way the original mints both with Uuid::new_v4().
func newTunnelID() string { return uuid.New().String() }
