// Package middleware implements the gateway's ordered request/response
// transformation pipeline (spec §4.6): rate limiting, auth header
// injection, header mutation, body transformation and response
// compression.
package middleware

import (
	"io"
	"net/http"

	log "github.com/sirupsen/logrus"
)

// Config bundles every middleware stage for one route. Each sub-config is a
// pointer so an absent stage (nil) is simply skipped.
type Config struct {
	RateLimit   *RateLimitConfig
	Auth        *AuthConfig
	Headers     *HeaderConfig
	RequestXform  *TransformConfig
	ResponseXform *TransformConfig
	Compression *CompressionConfig
}

// Pipeline runs the configured stages for a route. It owns the rate
// limiter's mutable state; everything else is pure per-call transformation.
type Pipeline struct {
	limiter *RateLimiter
}

// New creates a Pipeline with its own rate limiter state.
func New() *Pipeline {
	return &Pipeline{limiter: NewRateLimiter()}
}

// RateLimitedError is returned by ProcessRequest when the rate limiter
// rejects a client.
type RateLimitedError struct {
	Message string
}

func (e *RateLimitedError) Error() string { return e.Message }

// ProcessRequest runs the request-phase stages in order: rate limit, auth,
// header mutation, body transform. clientID is the client's IP address. On
// a rate-limit rejection, *http.Request is unmodified and the error is a
// *RateLimitedError; the caller is responsible for eventually calling
// Release if and only if Allow succeeded (ProcessRequest does this
// bookkeeping internally and returns a release func on success).
func (p *Pipeline) ProcessRequest(req *http.Request, clientID string, cfg Config) (release func(), err error) {
	if cfg.RateLimit != nil {
		if !p.limiter.Allow(clientID, *cfg.RateLimit) {
			msg := cfg.RateLimit.Message
			if msg == "" {
				msg = "Rate limit exceeded"
			}
			log.WithField("client_id", clientID).Warn("rate limit exceeded")
			return nil, &RateLimitedError{Message: msg}
		}
		release = func() { p.limiter.Release(clientID) }
	} else {
		release = func() {}
	}

	if cfg.Auth != nil {
		ApplyAuth(req, *cfg.Auth)
	}
	if cfg.Headers != nil {
		ApplyRequestHeaders(req, *cfg.Headers)
	}
	if cfg.RequestXform != nil {
		if err := transformRequestBody(req, *cfg.RequestXform); err != nil {
			release()
			return nil, err
		}
	}

	return release, nil
}

func transformRequestBody(req *http.Request, cfg TransformConfig) error {
	if req.Body == nil {
		return nil
	}
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return err
	}
	req.Body.Close()

	out, err := TransformBody(body, req.Header.Get("Content-Type"), cfg)
	if err != nil {
		return err
	}
	req.Body = io.NopCloser(newByteReader(out))
	req.ContentLength = int64(len(out))
	return nil
}

// ProcessResponse runs the response-phase stages in order: header mutation,
// body transform, compression.
func ProcessResponse(resp *http.Response, cfg Config) error {
	if cfg.Headers != nil {
		ApplyResponseHeaders(resp.Header, *cfg.Headers)
	}

	body, err := readAndReplaceBody(resp)
	if err != nil {
		return err
	}

	if cfg.ResponseXform != nil {
		body, err = TransformBody(body, resp.Header.Get("Content-Type"), *cfg.ResponseXform)
		if err != nil {
			return err
		}
	}

	if cfg.Compression != nil {
		compressed, applied, err := Compress(body, *cfg.Compression)
		if err != nil {
			return err
		}
		if applied {
			resp.Header.Set("Content-Encoding", "gzip")
			body = compressed
		}
	}

	resp.Header.Set("Content-Length", ContentLengthHeader(len(body)))
	resp.ContentLength = int64(len(body))
	resp.Body = io.NopCloser(newByteReader(body))
	return nil
}

func readAndReplaceBody(resp *http.Response) ([]byte, error) {
	if resp.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	resp.Body.Close()
	return body, nil
}
