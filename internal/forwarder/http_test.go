package forwarder

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildTargetURL_JoinsBaseAndStrippedPath(t *testing.T) {
	u, err := BuildTargetURL("http://backend:8080/", "/orders/42")
	require.NoError(t, err)
	assert.Equal(t, "http://backend:8080/orders/42", u.String())
}

func TestBuildTargetURL_EmptyStrippedPathKeepsBase(t *testing.T) {
	u, err := BuildTargetURL("http://backend:8080", "")
	require.NoError(t, err)
	assert.Equal(t, "http://backend:8080", u.String())
}

func TestBuildOutbound_StripsHopByHopAndInjectsForwardedHeaders(t *testing.T) {
	inbound := httptest.NewRequest(http.MethodGet, "http://gw.example.com/orders/42", nil)
	inbound.Header.Set("Connection", "keep-alive")
	inbound.Header.Set("X-Custom", "value")

	target, err := BuildTargetURL("http://backend:8080", "/orders/42")
	require.NoError(t, err)

	outbound, err := BuildOutbound(inbound.Context(), inbound, target, "203.0.113.5")
	require.NoError(t, err)

	assert.Empty(t, outbound.Header.Get("Connection"))
	assert.Equal(t, "value", outbound.Header.Get("X-Custom"))
	assert.Equal(t, "backend:8080", outbound.Host)
	assert.Equal(t, "203.0.113.5", outbound.Header.Get("X-Forwarded-For"))
	assert.Equal(t, "http", outbound.Header.Get("X-Forwarded-Proto"))
}

func TestBuildOutbound_AppendsToExistingXForwardedFor(t *testing.T) {
	inbound := httptest.NewRequest(http.MethodGet, "http://gw.example.com/", nil)
	inbound.Header.Set("X-Forwarded-For", "198.51.100.2")

	target, err := BuildTargetURL("http://backend:8080", "")
	require.NoError(t, err)

	outbound, err := BuildOutbound(inbound.Context(), inbound, target, "203.0.113.5")
	require.NoError(t, err)

	assert.Equal(t, "198.51.100.2, 203.0.113.5", outbound.Header.Get("X-Forwarded-For"))
}

func TestForward_ReturnsBackendResponse(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/hello", r.URL.Path)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	defer backend.Close()

	f := NewHTTP()
	inbound := httptest.NewRequest(http.MethodGet, "http://gw.example.com/hello", nil)

	resp, err := f.Forward(inbound.Context(), inbound, backend.URL, "/hello", "203.0.113.5", 0)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestForward_ConnectionRefusedIsClassified(t *testing.T) {
	f := NewHTTP()
	inbound := httptest.NewRequest(http.MethodGet, "http://gw.example.com/", nil)

	_, err := f.Forward(inbound.Context(), inbound, "http://127.0.0.1:1", "/", "", 0)
	require.Error(t, err)

	var fwdErr *Error
	require.ErrorAs(t, err, &fwdErr)
	assert.Equal(t, KindConnectionFailed, fwdErr.Kind)
	assert.Equal(t, http.StatusBadGateway, fwdErr.StatusCode())
}

func TestForward_TimeoutIsClassified(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	f := NewHTTP()
	inbound := httptest.NewRequest(http.MethodGet, "http://gw.example.com/", nil)

	_, err := f.Forward(inbound.Context(), inbound, backend.URL, "/", "", 1*time.Millisecond)
	require.Error(t, err)

	var fwdErr *Error
	require.ErrorAs(t, err, &fwdErr)
	assert.Equal(t, KindTimeout, fwdErr.Kind)
	assert.Equal(t, http.StatusGatewayTimeout, fwdErr.StatusCode())
}

func TestCopyResponse_DropsHopByHopResponseHeaders(t *testing.T) {
	resp := &http.Response{
		StatusCode: http.StatusOK,
		Header:     make(http.Header),
		Body:       io.NopCloser(strings.NewReader("payload")),
	}
	resp.Header.Set("Connection", "keep-alive")
	resp.Header.Set("Content-Encoding", "gzip")
	resp.Header.Set("X-Custom", "value")

	rec := httptest.NewRecorder()
	err := CopyResponse(rec, resp)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Connection"))
	assert.Empty(t, rec.Header().Get("Content-Encoding"))
	assert.Equal(t, "value", rec.Header().Get("X-Custom"))
	assert.Equal(t, "payload", rec.Body.String())
}
