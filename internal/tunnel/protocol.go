// Package tunnel implements the WebSocket-tunnel subsystem spec §5
// describes: a control-plane server that accepts long-lived WebSocket
// connections from clients behind NAT and exposes each one on a public
// subdomain, relaying HTTP requests and responses (and, on the SSL
// passthrough listener, raw TLS bytes) over the tunnel's wire protocol
// (spec §5.2).
package tunnel

import "encoding/json"

// MessageType discriminates the JSON-over-WebSocket tunnel protocol (spec
// §5.2), mirroring the original's serde "tag = \"type\"" enum.
type MessageType string

const (
	TypeAuth         MessageType = "Auth"
	TypeAuthResponse MessageType = "AuthResponse"
	TypeHTTPRequest  MessageType = "HttpRequest"
	TypeHTTPResponse MessageType = "HttpResponse"
	TypePing         MessageType = "Ping"
	TypePong         MessageType = "Pong"
	TypeError        MessageType = "Error"
	TypeStatus       MessageType = "Status"
	TypeSSLConnect   MessageType = "SslConnect"
	TypeSSLData      MessageType = "SslData"
	TypeSSLClose     MessageType = "SslClose"
)

// ProtocolVersion is the exact-match version string the handshake checks
// (spec §5.2.1).
const ProtocolVersion = "1.0"

// Message is the tagged-union wire message every tunnel frame carries.
// Only the fields relevant to Type are populated; this mirrors the
// original's single enum serialized with an adjacent "type" tag, flattened
// into one Go struct since encoding/json has no native tagged-union
// support.
type Message struct {
	Type MessageType `json:"type"`

	// Auth / AuthResponse
	Token             string  `json:"token,omitempty"`
	Subdomain         *string `json:"subdomain,omitempty"`
	ProtocolVersion   string  `json:"protocol_version,omitempty"`
	Success           bool    `json:"success,omitempty"`
	AssignedSubdomain *string `json:"assigned_subdomain,omitempty"`

	// HttpRequest / HttpResponse
	ID       string            `json:"id,omitempty"`
	Method   string            `json:"method,omitempty"`
	Path     string            `json:"path,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`
	Body     []byte            `json:"body,omitempty"`
	ClientIP string            `json:"client_ip,omitempty"`
	Status   int               `json:"status,omitempty"`

	// Ping / Pong
	Timestamp int64 `json:"timestamp,omitempty"`

	// Error
	Code    int    `json:"code,omitempty"`
	Message string `json:"message,omitempty"`

	// Status
	Connections    int   `json:"connections,omitempty"`
	BytesSent      int64 `json:"bytes_sent,omitempty"`
	BytesReceived  int64 `json:"bytes_received,omitempty"`

	// SslConnect / SslData / SslClose
	InitialData []byte `json:"initial_data,omitempty"`
	Data        []byte `json:"data,omitempty"`
}

// Encode serializes a Message to JSON, the tunnel wire format.
func Encode(m *Message) ([]byte, error) { return json.Marshal(m) }

// Decode parses a JSON tunnel frame.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// NewAuthMessage builds an Auth request.
func NewAuthMessage(token string, subdomain *string) *Message {
	return &Message{Type: TypeAuth, Token: token, Subdomain: subdomain, ProtocolVersion: ProtocolVersion}
}

// NewHTTPRequestMessage builds an HttpRequest frame carrying a correlation
// id the server generates per inbound request.
func NewHTTPRequestMessage(id, method, path string, headers map[string]string, body []byte, clientIP string) *Message {
	return &Message{
		Type: TypeHTTPRequest, ID: id, Method: method, Path: path,
		Headers: headers, Body: body, ClientIP: clientIP,
	}
}

// NewHTTPResponseMessage builds an HttpResponse frame answering request id.
func NewHTTPResponseMessage(id string, status int, headers map[string]string, body []byte) *Message {
	return &Message{Type: TypeHTTPResponse, ID: id, Status: status, Headers: headers, Body: body}
}

// NewPingMessage builds a heartbeat Ping carrying a unix-seconds timestamp.
func NewPingMessage(timestamp int64) *Message { return &Message{Type: TypePing, Timestamp: timestamp} }

// NewPongMessage answers a Ping, echoing its timestamp.
func NewPongMessage(timestamp int64) *Message { return &Message{Type: TypePong, Timestamp: timestamp} }

// NewErrorMessage builds an Error frame.
func NewErrorMessage(code int, message string) *Message {
	return &Message{Type: TypeError, Code: code, Message: message}
}

// NewStatusMessage builds a Status metrics frame.
func NewStatusMessage(connections int, bytesSent, bytesReceived int64) *Message {
	return &Message{Type: TypeStatus, Connections: connections, BytesSent: bytesSent, BytesReceived: bytesReceived}
}

// IsCompatibleVersion reports whether a client-reported protocol version
// matches exactly (spec §5.2.1 says version mismatch is rejected, not
// negotiated).
func IsCompatibleVersion(clientVersion string) bool { return clientVersion == ProtocolVersion }
