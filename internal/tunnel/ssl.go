package tunnel

import (
	"errors"
	"io"
	"net"
)

// sslConn tracks one public raw TCP connection relayed through a tunnel via
// SslConnect/SslData/SslClose frames: the SSL/TLS passthrough path spec §5.2
// reserves these three message types for, letting a tunnel client expose a
// raw TLS-terminating backend (not just plain HTTP) without the gateway
// itself ever seeing the decrypted traffic.
type sslConn struct {
	id     string
	conn   net.Conn
	tunnel *activeTunnel
}

// ListenAndServeSSL accepts raw TCP connections on addr, sniffs each one's
// TLS ClientHello for its SNI hostname, resolves that hostname to a tunnel
// by subdomain exactly like ServePublic does for HTTP, and relays the raw
// bytes both ways over the tunnel as SslData frames. It blocks until the
// listener fails. This is the use [tunnel.server].public_port was reserved
// for: ordinary public HTTP traffic rides the gateway's own listener
// instead (Host-header dispatch via Gateway.isTunnelHost), so public_port
// is free to carry passthrough TLS.
func (s *Server) ListenAndServeSSL(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.log.WithField("addr", addr).Info("tunnel ssl passthrough listener starting")
	return s.ServeSSL(ln)
}

// ServeSSL runs the accept loop against an already-bound listener, split out
// from ListenAndServeSSL so tests can bind an ephemeral port up front.
func (s *Server) ServeSSL(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go s.handleSSLConn(conn)
	}
}

func (s *Server) handleSSLConn(conn net.Conn) {
	hello, hostname, err := peekClientHelloSNI(conn)
	if err != nil {
		s.log.WithError(err).Debug("ssl passthrough: failed to read client hello")
		conn.Close()
		return
	}

	subdomain, ok := extractSubdomain(hostname, s.cfg.BaseDomain)
	if !ok {
		s.log.WithField("sni", hostname).Debug("ssl passthrough: sni does not match base domain")
		conn.Close()
		return
	}

	tunnel, ok := s.lookupTunnel(subdomain)
	if !ok || tunnel == nil || tunnel.isClosed() {
		conn.Close()
		return
	}

	id := newTunnelID()
	sc := &sslConn{id: id, conn: conn, tunnel: tunnel}
	s.mu.Lock()
	s.sslConns[id] = sc
	s.mu.Unlock()

	connect := &Message{Type: TypeSSLConnect, ID: id, InitialData: hello}
	if err := tunnel.send(connect); err != nil {
		s.log.WithError(err).WithField("tunnel_id", tunnel.id).Warn("ssl passthrough: failed to announce connection")
		s.dropSSLConn(id)
		return
	}

	s.pumpSSLConn(sc)
}

// pumpSSLConn forwards bytes arriving on the public socket to the tunnel
// client as SslData frames until the socket closes or the tunnel rejects a
// send, at which point it announces SslClose and tears the entry down.
func (s *Server) pumpSSLConn(sc *sslConn) {
	defer s.dropSSLConn(sc.id)
	buf := make([]byte, 32*1024)
	for {
		n, err := sc.conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if sendErr := sc.tunnel.send(&Message{Type: TypeSSLData, ID: sc.id, Data: chunk}); sendErr != nil {
				return
			}
		}
		if err != nil {
			_ = sc.tunnel.send(&Message{Type: TypeSSLClose, ID: sc.id})
			return
		}
	}
}

func (s *Server) dropSSLConn(id string) {
	s.mu.Lock()
	sc, ok := s.sslConns[id]
	delete(s.sslConns, id)
	s.mu.Unlock()
	if ok {
		sc.conn.Close()
	}
}

// handleSSLData writes a tunnel client's relayed backend bytes back onto
// the matching public socket.
func (s *Server) handleSSLData(msg *Message) {
	s.mu.Lock()
	sc, ok := s.sslConns[msg.ID]
	s.mu.Unlock()
	if !ok {
		return
	}
	if _, err := sc.conn.Write(msg.Data); err != nil {
		s.dropSSLConn(msg.ID)
	}
}

// handleSSLClose tears down the public socket for an SslClose the tunnel
// client sent (the backend closed its end of the passthrough connection).
func (s *Server) handleSSLClose(msg *Message) {
	s.dropSSLConn(msg.ID)
}

var (
	errNotTLSHandshake = errors.New("ssl passthrough: not a TLS handshake record")
	errNotClientHello  = errors.New("ssl passthrough: not a ClientHello")
	errTruncatedHello  = errors.New("ssl passthrough: truncated ClientHello")
	errNoServerNameExt = errors.New("ssl passthrough: no server_name extension present")
)

// peekClientHelloSNI reads exactly the first TLS record off conn (assumed
// to hold a complete, unfragmented ClientHello, true for the overwhelming
// majority of real clients) and extracts its SNI hostname without
// completing or otherwise participating in the handshake, returning the raw
// bytes read so the caller can replay them verbatim as the tunnel client's
// InitialData. Hand-rolled against the RFC 8446 §4.1.2 / RFC 6066 §3 wire
// layout: no library in the example pack exposes ClientHello bytes ahead of
// a full handshake (crypto/tls's GetConfigForClient callback only reports
// the parsed ServerName after crypto/tls has already committed to
// terminating the connection, which passthrough cannot do).
func peekClientHelloSNI(conn net.Conn) ([]byte, string, error) {
	header := make([]byte, 5)
	if _, err := io.ReadFull(conn, header); err != nil {
		return nil, "", err
	}
	if header[0] != 0x16 {
		return nil, "", errNotTLSHandshake
	}
	recordLen := int(header[3])<<8 | int(header[4])
	body := make([]byte, recordLen)
	if _, err := io.ReadFull(conn, body); err != nil {
		return nil, "", err
	}

	hostname, err := parseClientHelloSNI(body)
	if err != nil {
		return nil, "", err
	}

	full := make([]byte, 0, len(header)+len(body))
	full = append(full, header...)
	full = append(full, body...)
	return full, hostname, nil
}

func parseClientHelloSNI(hs []byte) (string, error) {
	if len(hs) < 4 || hs[0] != 0x01 {
		return "", errNotClientHello
	}
	pos := 4 // handshake header: msg type(1) + length(3)

	pos += 2  // client_version
	pos += 32 // random
	if pos >= len(hs) {
		return "", errTruncatedHello
	}

	sessionIDLen := int(hs[pos])
	pos += 1 + sessionIDLen
	if pos+2 > len(hs) {
		return "", errTruncatedHello
	}

	cipherSuitesLen := int(hs[pos])<<8 | int(hs[pos+1])
	pos += 2 + cipherSuitesLen
	if pos+1 > len(hs) {
		return "", errTruncatedHello
	}

	compressionLen := int(hs[pos])
	pos += 1 + compressionLen
	if pos+2 > len(hs) {
		return "", errNoServerNameExt
	}

	extensionsLen := int(hs[pos])<<8 | int(hs[pos+1])
	pos += 2
	end := pos + extensionsLen
	if end > len(hs) {
		end = len(hs)
	}

	for pos+4 <= end {
		extType := int(hs[pos])<<8 | int(hs[pos+1])
		extLen := int(hs[pos+2])<<8 | int(hs[pos+3])
		pos += 4
		if pos+extLen > end {
			break
		}
		if extType == 0x0000 {
			return parseServerNameExtension(hs[pos : pos+extLen])
		}
		pos += extLen
	}
	return "", errNoServerNameExt
}

func parseServerNameExtension(data []byte) (string, error) {
	// server_name_list length(2) + entry: name_type(1) + name length(2) + name
	if len(data) < 5 {
		return "", errTruncatedHello
	}
	nameLen := int(data[3])<<8 | int(data[4])
	if 5+nameLen > len(data) {
		return "", errTruncatedHello
	}
	return string(data[5 : 5+nameLen]), nil
}
