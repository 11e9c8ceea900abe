package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipeline_ProcessRequest_AppliesAuthHeadersAndBodyTransformInOrder(t *testing.T) {
	p := New()
	req := httptest.NewRequest(http.MethodPost, "http://example.com/", strings.NewReader(`{"name":"alice"}`))
	req.Header.Set("Content-Type", "application/json")

	release, err := p.ProcessRequest(req, "client-1", Config{
		Auth:    &AuthConfig{BearerToken: "tok"},
		Headers: &HeaderConfig{Add: map[string]string{"X-Gateway": "1"}},
		RequestXform: &TransformConfig{
			AddFields: map[string]any{"injected": true},
		},
	})
	require.NoError(t, err)
	require.NotNil(t, release)
	release()

	assert.Equal(t, "Bearer tok", req.Header.Get("Authorization"))
	assert.Equal(t, "1", req.Header.Get("X-Gateway"))

	body, err := io.ReadAll(req.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"injected":true`)
}

func TestPipeline_ProcessRequest_RateLimitRejectionLeavesRequestUntouched(t *testing.T) {
	p := New()
	req := httptest.NewRequest(http.MethodGet, "http://example.com/", nil)

	cfg := Config{
		RateLimit: &RateLimitConfig{RequestsPerMinute: 1, WindowSeconds: 60, MaxConcurrent: 10, Message: "slow down"},
		Auth:      &AuthConfig{BearerToken: "tok"},
	}

	release, err := p.ProcessRequest(req, "client-1", cfg)
	require.NoError(t, err)
	require.NotNil(t, release)
	release()

	_, err = p.ProcessRequest(req, "client-1", cfg)
	require.Error(t, err)
	rlErr, ok := err.(*RateLimitedError)
	require.True(t, ok)
	assert.Equal(t, "slow down", rlErr.Message)
	assert.Empty(t, req.Header.Get("Authorization"))
}

func TestPipeline_ProcessResponse_HeadersTransformThenCompression(t *testing.T) {
	resp := &http.Response{
		Header: make(http.Header),
		Body:   io.NopCloser(strings.NewReader(`{"status":"ok","internal":"secret"}`)),
	}
	resp.Header.Set("Content-Type", "application/json")
	resp.Header.Set("X-Internal", "leak")

	err := ProcessResponse(resp, Config{
		Headers:       &HeaderConfig{Remove: []string{"X-Internal"}},
		ResponseXform: &TransformConfig{RemoveFields: []string{"internal"}},
		Compression:   &CompressionConfig{Enabled: true, ThresholdBytes: 1000},
	})
	require.NoError(t, err)

	assert.Empty(t, resp.Header.Get("X-Internal"))
	assert.NotEqual(t, "gzip", resp.Header.Get("Content-Encoding"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.NotContains(t, string(body), "secret")
	assert.Equal(t, resp.Header.Get("Content-Length"), ContentLengthHeader(len(body)))
}
