package forwarder

import (
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const controlWriteWait = 5 * time.Second

// IsUpgrade reports whether req is a WebSocket upgrade request per spec
// §4.5: Connection contains "upgrade" (case-insensitive) and Upgrade
// equals "websocket" (case-insensitive).
func IsUpgrade(req *http.Request) bool {
	conn := strings.ToLower(req.Header.Get("Connection"))
	upg := strings.ToLower(req.Header.Get("Upgrade"))
	return strings.Contains(conn, "upgrade") && upg == "websocket"
}

// BackendWebSocketURL rewrites a target base URL to its ws(s) equivalent
// and appends the stripped path, per spec §4.5.
func BackendWebSocketURL(targetBase, strippedPath string) (*url.URL, error) {
	u, err := BuildTargetURL(targetBase, strippedPath)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	return u, nil
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// WebSocket proxies a single upgraded connection to one backend.
type WebSocket struct{}

// NewWebSocket builds a WebSocket forwarder.
func NewWebSocket() *WebSocket { return &WebSocket{} }

// Proxy upgrades the inbound connection, dials the backend at backendURL
// with the given headers, and shuttles frames bidirectionally until either
// side closes or errors (spec §4.5). It blocks until the proxied session
// ends.
func (ws *WebSocket) Proxy(w http.ResponseWriter, r *http.Request, backendURL string, backendHeaders http.Header) error {
	backendConn, _, err := websocket.DefaultDialer.Dial(backendURL, backendHeaders)
	if err != nil {
		return &Error{Kind: KindConnectionFailed, Err: err}
	}
	defer backendConn.Close()

	clientConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return &Error{Kind: KindRequestFailed, Err: err}
	}
	defer clientConn.Close()

	done := make(chan struct{}, 2)
	var once sync.Once
	closeBoth := func() {
		once.Do(func() {
			clientConn.Close()
			backendConn.Close()
		})
	}

	// Ping/pong are forwarded as-is rather than answered locally: gorilla's
	// default handlers auto-reply, which would make the proxy synthesize
	// its own pong instead of relaying the peer's (spec §4.5).
	clientConn.SetPingHandler(forwardControlFrame(backendConn, websocket.PingMessage))
	backendConn.SetPingHandler(forwardControlFrame(clientConn, websocket.PingMessage))
	clientConn.SetPongHandler(forwardControlFrame(backendConn, websocket.PongMessage))
	backendConn.SetPongHandler(forwardControlFrame(clientConn, websocket.PongMessage))

	shuttle := func(dst, src *websocket.Conn) {
		defer func() { done <- struct{}{} }()
		for {
			mt, msg, err := src.ReadMessage()
			if err != nil {
				closeBoth()
				return
			}
			if err := dst.WriteMessage(mt, msg); err != nil {
				closeBoth()
				return
			}
		}
	}

	go shuttle(backendConn, clientConn)
	go shuttle(clientConn, backendConn)

	<-done
	<-done
	return nil
}

func forwardControlFrame(dst *websocket.Conn, messageType int) func(string) error {
	return func(data string) error {
		return dst.WriteControl(messageType, []byte(data), time.Now().Add(controlWriteWait))
	}
}
