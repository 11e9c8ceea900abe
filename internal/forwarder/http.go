// Package forwarder implements the proxy forwarding paths described in
// spec §4.4 (HTTP) and §4.5 (WebSocket): building the outbound request,
// stripping hop-by-hop headers, applying per-route timeouts, classifying
// transport failures and translating the backend's response back to the
// client.
package forwarder

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"
)

// hopByHop is the header set stripped from the inbound request before
// forwarding (spec §4.4 step 2).
var hopByHop = map[string]struct{}{
	"Host":              {},
	"Connection":        {},
	"Upgrade":           {},
	"Proxy-Connection":  {},
	"Content-Length":    {},
	"Transfer-Encoding": {},
}

// responseDropHeaders is stripped from the backend's response before
// copying it to the client (spec §4.4 step 5). Content-Encoding is
// dropped unconditionally to avoid double-compression when the response
// middleware stage re-encodes.
var responseDropHeaders = map[string]struct{}{
	"Connection":        {},
	"Transfer-Encoding": {},
	"Content-Encoding":  {},
}

// HTTP forwards a single request to one target using the given client.
type HTTP struct {
	Client *http.Client
}

// NewHTTP builds a forwarder whose dispatch timeout is set per-request via
// context, not via the client's own Timeout field, so each route's
// configured timeout can differ.
func NewHTTP() *HTTP {
	return &HTTP{Client: &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}}
}

// BuildTargetURL concatenates targetBase (trailing "/" stripped) with the
// stripped path (leading "/" ensured when non-empty), per spec §4.4 step 1.
func BuildTargetURL(targetBase, strippedPath string) (*url.URL, error) {
	base := strings.TrimSuffix(targetBase, "/")
	if strippedPath != "" && !strings.HasPrefix(strippedPath, "/") {
		strippedPath = "/" + strippedPath
	}
	return url.Parse(base + strippedPath)
}

// BuildOutbound constructs the outbound *http.Request for the forwarder,
// mirroring the inbound method and body and stripping hop-by-hop headers.
func BuildOutbound(ctx context.Context, inbound *http.Request, target *url.URL, clientIP string) (*http.Request, error) {
	body := inbound.Body
	outbound, err := http.NewRequestWithContext(ctx, inbound.Method, target.String(), body)
	if err != nil {
		return nil, err
	}

	for name, values := range inbound.Header {
		if _, skip := hopByHop[http.CanonicalHeaderKey(name)]; skip {
			continue
		}
		for _, v := range values {
			outbound.Header.Add(name, v)
		}
	}

	outbound.Host = target.Host
	outbound.Header.Set("Host", target.Host)

	if clientIP != "" {
		if existing := outbound.Header.Get("X-Forwarded-For"); existing != "" {
			outbound.Header.Set("X-Forwarded-For", existing+", "+clientIP)
		} else {
			outbound.Header.Set("X-Forwarded-For", clientIP)
		}
	}

	proto := "http"
	if target.Scheme == "https" {
		proto = "https"
	}
	outbound.Header.Set("X-Forwarded-Proto", proto)

	return outbound, nil
}

// Forward builds, dispatches and returns the backend's response, or a
// classified *Error. timeout <= 0 means no deadline is applied beyond the
// request's own context.
func (f *HTTP) Forward(ctx context.Context, inbound *http.Request, targetBase, strippedPath, clientIP string, timeout time.Duration) (*http.Response, error) {
	target, err := BuildTargetURL(targetBase, strippedPath)
	if err != nil {
		return nil, &Error{Kind: KindInvalidURL, Err: err}
	}
	if inbound.URL.RawQuery != "" {
		target.RawQuery = inbound.URL.RawQuery
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	outbound, err := BuildOutbound(ctx, inbound, target, clientIP)
	if err != nil {
		return nil, &Error{Kind: KindInvalidURL, Err: err}
	}

	resp, err := f.Client.Do(outbound)
	if err != nil {
		return nil, classify(err)
	}
	return resp, nil
}

func classify(err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Kind: KindTimeout, Err: err}
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return &Error{Kind: KindConnectionFailed, Err: err}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return &Error{Kind: KindConnectionFailed, Err: err}
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if urlErr.Timeout() {
			return &Error{Kind: KindTimeout, Err: err}
		}
		return &Error{Kind: KindConnectionFailed, Err: err}
	}
	return &Error{Kind: KindRequestFailed, Err: err}
}

// CopyResponse writes the backend's status, filtered headers and body to w
// (spec §4.4 step 5).
func CopyResponse(w http.ResponseWriter, resp *http.Response) error {
	dst := w.Header()
	for name, values := range resp.Header {
		if _, skip := responseDropHeaders[http.CanonicalHeaderKey(name)]; skip {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, err := io.Copy(w, resp.Body)
	return err
}
