package middleware

import (
	"encoding/base64"
	"net/http"
)

// AuthConfig injects static credentials into the outbound request (spec
// §4.6 "Auth injection"). All fields are optional and additive.
type AuthConfig struct {
	BearerToken     string
	BasicUser       string
	BasicPass       string
	HasBasicAuth    bool
	CustomHeaderKey string
	CustomHeaderVal string
	APIKeyHeader    string
	APIKeyValue     string
}

// ApplyAuth adds the configured credential headers to req.
func ApplyAuth(req *http.Request, cfg AuthConfig) {
	if cfg.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.BearerToken)
	}
	if cfg.HasBasicAuth {
		creds := base64.StdEncoding.EncodeToString([]byte(cfg.BasicUser + ":" + cfg.BasicPass))
		req.Header.Set("Authorization", "Basic "+creds)
	}
	if cfg.CustomHeaderKey != "" {
		req.Header.Set(cfg.CustomHeaderKey, cfg.CustomHeaderVal)
	}
	if cfg.APIKeyHeader != "" {
		req.Header.Set(cfg.APIKeyHeader, cfg.APIKeyValue)
	}
}
