package tunnel

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildClientHello assembles a minimal, syntactically valid TLS 1.2
// ClientHello record carrying a single server_name extension, enough for
// parseClientHelloSNI to exercise every section of the wire format it walks
// (session id, cipher suites, compression methods, extensions).
func buildClientHello(hostname string) []byte {
	serverName := []byte(hostname)

	sniEntry := []byte{0x00} // name_type: host_name
	sniEntry = append(sniEntry, byte(len(serverName)>>8), byte(len(serverName)))
	sniEntry = append(sniEntry, serverName...)

	sniListLen := len(sniEntry)
	sniExtData := []byte{byte(sniListLen >> 8), byte(sniListLen)}
	sniExtData = append(sniExtData, sniEntry...)

	sniExt := []byte{0x00, 0x00} // extension type: server_name
	sniExt = append(sniExt, byte(len(sniExtData)>>8), byte(len(sniExtData)))
	sniExt = append(sniExt, sniExtData...)

	extensions := sniExt
	body := []byte{0x03, 0x03} // client_version (TLS 1.2)
	body = append(body, make([]byte, 32)...) // random
	body = append(body, 0x00)                // session_id length
	body = append(body, 0x00, 0x02, 0x00, 0x2f) // cipher_suites: len=2, one suite
	body = append(body, 0x01, 0x00)             // compression_methods: len=1, null
	body = append(body, byte(len(extensions)>>8), byte(len(extensions)))
	body = append(body, extensions...)

	handshake := []byte{0x01} // ClientHello
	handshake = append(handshake, byte(len(body)>>16), byte(len(body)>>8), byte(len(body)))
	handshake = append(handshake, body...)

	record := []byte{0x16, 0x03, 0x01}
	record = append(record, byte(len(handshake)>>8), byte(len(handshake)))
	record = append(record, handshake...)
	return record
}

func TestParseClientHelloSNI_ExtractsHostname(t *testing.T) {
	hello := buildClientHello("myapp.tunnels.example.com")
	hostname, err := parseClientHelloSNI(hello[5:])
	require.NoError(t, err)
	assert.Equal(t, "myapp.tunnels.example.com", hostname)
}

func TestPeekClientHelloSNI_RejectsNonHandshakeRecord(t *testing.T) {
	_, _, err := peekClientHelloSNI(&fakeConn{data: []byte{0x17, 0x03, 0x01, 0x00, 0x00}})
	assert.ErrorIs(t, err, errNotTLSHandshake)
}

func TestParseClientHelloSNI_RejectsMissingSNI(t *testing.T) {
	body := []byte{0x03, 0x03}
	body = append(body, make([]byte, 32)...)
	body = append(body, 0x00)
	body = append(body, 0x00, 0x02, 0x00, 0x2f)
	body = append(body, 0x01, 0x00)
	body = append(body, 0x00, 0x00) // zero-length extensions

	handshake := []byte{0x01, byte(len(body) >> 16), byte(len(body) >> 8), byte(len(body))}
	handshake = append(handshake, body...)

	_, err := parseClientHelloSNI(handshake)
	assert.ErrorIs(t, err, errNoServerNameExt)
}

type fakeConn struct {
	net.Conn
	data []byte
}

func (c *fakeConn) Read(p []byte) (int, error) {
	n := copy(p, c.data)
	c.data = c.data[n:]
	if n == 0 {
		return 0, net.ErrClosed
	}
	return n, nil
}

func TestServer_SSLPassthrough_RelaysBytesBothWays(t *testing.T) {
	srv, ts := newTestServer(t)
	conn := dialControl(t, ts)

	sub := "myapp"
	authMsg := NewAuthMessage("", &sub)
	data, err := Encode(authMsg)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
	_, _, err = conn.ReadMessage() // auth response
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.ServeSSL(ln)
	t.Cleanup(func() { ln.Close() })

	sawConnect := make(chan string, 1)
	go func() {
		for {
			_, frame, err := conn.ReadMessage()
			if err != nil {
				return
			}
			msg, err := Decode(frame)
			if err != nil {
				continue
			}
			switch msg.Type {
			case TypeSSLConnect:
				sawConnect <- msg.ID
				reply := &Message{Type: TypeSSLData, ID: msg.ID, Data: []byte("backend-bytes")}
				encoded, _ := Encode(reply)
				_ = conn.WriteMessage(websocket.TextMessage, encoded)
			}
		}
	}()

	pubConn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer pubConn.Close()

	hello := buildClientHello("myapp.tunnels.example.com")
	_, err = pubConn.Write(hello)
	require.NoError(t, err)

	select {
	case <-sawConnect:
	case <-time.After(2 * time.Second):
		t.Fatal("server never announced SslConnect")
	}

	buf := make([]byte, len("backend-bytes"))
	_ = pubConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = io.ReadFull(pubConn, buf)
	require.NoError(t, err)
	assert.Equal(t, "backend-bytes", string(buf))
}
