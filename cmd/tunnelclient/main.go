// Command tunnelclient connects a local HTTP server to a gatewayd tunnel
// endpoint, exposing it on a server-assigned (or requested) public
// subdomain. It mirrors the reference client the tunnel crate ships as an
// example: authenticate, then shuttle HttpRequest/HttpResponse frames
// between the tunnel and a local TCP connection, reconnecting with
// exponential backoff on failure.
package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/nehoraim/edgegw/internal/tunnel"
)

var (
	flagServerURL string
	flagToken     string
	flagSubdomain string
	flagLocalPort int
)

func main() {
	root := &cobra.Command{
		Use:   "tunnelclient",
		Short: "Expose a local server through a gatewayd tunnel",
		RunE:  run,
	}
	root.Flags().StringVar(&flagServerURL, "server", "ws://localhost:9000/connect", "tunnel control endpoint")
	root.Flags().StringVar(&flagToken, "token", "", "tunnel auth token")
	root.Flags().StringVar(&flagSubdomain, "subdomain", "", "requested subdomain (optional)")
	root.Flags().IntVar(&flagLocalPort, "local-port", 3000, "local server port to expose")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	logger := logrus.New()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 1 * time.Second
	policy.MaxInterval = 30 * time.Second

	for {
		err := connectAndServe(logger)
		if err == nil {
			return nil
		}
		logger.WithError(err).Warn("tunnel connection lost, reconnecting")

		wait := policy.NextBackOff()
		if wait == backoff.Stop {
			return fmt.Errorf("giving up after repeated reconnection failures: %w", err)
		}
		time.Sleep(wait)
	}
}

func connectAndServe(logger *logrus.Logger) error {
	conn, _, err := websocket.DefaultDialer.Dial(flagServerURL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to tunnel server: %w", err)
	}
	defer conn.Close()

	var subdomain *string
	if flagSubdomain != "" {
		subdomain = &flagSubdomain
	}
	authMsg := tunnel.NewAuthMessage(flagToken, subdomain)
	data, err := tunnel.Encode(authMsg)
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to send auth: %w", err)
	}

	_, resp, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("failed to read auth response: %w", err)
	}
	authResp, err := tunnel.Decode(resp)
	if err != nil {
		return fmt.Errorf("failed to parse auth response: %w", err)
	}
	if authResp.Type != tunnel.TypeAuthResponse || !authResp.Success {
		return fmt.Errorf("authentication rejected: %s", authResp.Message)
	}

	assigned := ""
	if authResp.AssignedSubdomain != nil {
		assigned = *authResp.AssignedSubdomain
	}
	logger.WithField("subdomain", assigned).Info("tunnel authenticated")

	go heartbeat(conn, logger)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("tunnel read error: %w", err)
		}
		msg, err := tunnel.Decode(data)
		if err != nil {
			logger.WithError(err).Debug("discarding malformed tunnel frame")
			continue
		}

		switch msg.Type {
		case tunnel.TypeHTTPRequest:
			go handleHTTPRequest(conn, msg, logger)
		case tunnel.TypePing:
			pong := tunnel.NewPongMessage(msg.Timestamp)
			if encoded, err := tunnel.Encode(pong); err == nil {
				_ = conn.WriteMessage(websocket.TextMessage, encoded)
			}
		default:
			logger.WithField("type", msg.Type).Debug("unhandled tunnel message")
		}
	}
}

func heartbeat(conn *websocket.Conn, logger *logrus.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		ping := tunnel.NewPingMessage(time.Now().Unix())
		data, err := tunnel.Encode(ping)
		if err != nil {
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			logger.WithError(err).Warn("failed to send heartbeat")
			return
		}
	}
}

func handleHTTPRequest(conn *websocket.Conn, msg *tunnel.Message, logger *logrus.Logger) {
	status, headers, body := forwardToLocalServer(msg.Method, msg.Path, msg.Headers, msg.Body)

	respMsg := tunnel.NewHTTPResponseMessage(msg.ID, status, headers, body)
	data, err := tunnel.Encode(respMsg)
	if err != nil {
		logger.WithError(err).Error("failed to encode tunnel response")
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		logger.WithError(err).Error("failed to send tunnel response")
	}
}

func forwardToLocalServer(method, path string, headers map[string]string, body []byte) (int, map[string]string, []byte) {
	url := fmt.Sprintf("http://127.0.0.1:%d%s", flagLocalPort, path)

	var reqBody io.Reader
	if len(body) > 0 {
		reqBody = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(context.Background(), method, url, reqBody)
	if err != nil {
		return http.StatusBadGateway, nil, []byte("Bad Gateway: invalid request")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return http.StatusBadGateway, nil, []byte("Bad Gateway: could not connect to local server")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return http.StatusBadGateway, nil, []byte("Bad Gateway: failed to read response")
	}

	out := make(map[string]string, len(resp.Header))
	for k, v := range resp.Header {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return resp.StatusCode, out, respBody
}

