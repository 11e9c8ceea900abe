// Package config loads and validates the gateway's TOML configuration file
// (spec §6 "Configuration"). It is an external collaborator per spec §1;
// the core subsystems only consume the typed structs this package produces.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config is the decoded root of the TOML configuration file.
type Config struct {
	StaticConfig StaticConfig   `toml:"static_config"`
	Proxy        []ProxyRoute   `toml:"proxy"`
	Logging      LoggingConfig  `toml:"logging"`
	Server       ServerConfig   `toml:"server"`
	Tunnel       TunnelConfig   `toml:"tunnel"`
}

// StaticConfig configures the out-of-scope static-file responder contract.
type StaticConfig struct {
	Directory string `toml:"directory"`
	Fallback  string `toml:"fallback"`
}

// Target is one backend entry in a route's targets list.
type Target struct {
	URL    string `toml:"url"`
	Weight int    `toml:"weight"`
}

// CircuitBreakerConfig mirrors breaker.Config's TOML shape.
type CircuitBreakerConfig struct {
	Disabled         bool `toml:"disabled"`
	FailureThreshold int  `toml:"failure_threshold"`
	MinRequests      int  `toml:"min_requests"`
	OpenTimeoutSecs  int  `toml:"open_timeout_seconds"`
	TestRequests     int  `toml:"test_requests"`
}

// RateLimitConfig mirrors middleware.RateLimitConfig's TOML shape.
type RateLimitConfig struct {
	RequestsPerMinute int    `toml:"requests_per_minute"`
	WindowSeconds     int    `toml:"window_seconds"`
	MaxConcurrent     int    `toml:"max_concurrent"`
	Message           string `toml:"message"`
}

// AuthMiddlewareConfig mirrors middleware.AuthConfig's TOML shape.
type AuthMiddlewareConfig struct {
	BearerToken     string `toml:"bearer_token"`
	BasicUser       string `toml:"basic_user"`
	BasicPass       string `toml:"basic_pass"`
	CustomHeaderKey string `toml:"custom_header_key"`
	CustomHeaderVal string `toml:"custom_header_value"`
	APIKeyHeader    string `toml:"api_key_header"`
	APIKeyValue     string `toml:"api_key_value"`
}

// HeaderMiddlewareConfig mirrors middleware.HeaderConfig's TOML shape for
// both request and response sides.
type HeaderMiddlewareConfig struct {
	RemoveRequestHeaders  []string          `toml:"remove_request_headers"`
	RequestHeaders        map[string]string `toml:"request_headers"`
	RemoveResponseHeaders []string          `toml:"remove_response_headers"`
	ResponseHeaders       map[string]string `toml:"response_headers"`
	OverrideHost          string            `toml:"override_host"`
}

// TextReplacementConfig is one find/replace entry.
type TextReplacementConfig struct {
	Find         string `toml:"find"`
	Replace      string `toml:"replace"`
	RegexEnabled bool   `toml:"regex_enabled"`
}

// BodyTransformConfig mirrors middleware.TransformConfig's TOML shape.
type BodyTransformConfig struct {
	ReplaceText    []TextReplacementConfig `toml:"replace_text"`
	AddJSONFields  map[string]any          `toml:"add_json_fields"`
	RemoveJSONFields []string              `toml:"remove_json_fields"`
}

// TransformMiddlewareConfig holds the request- and response-side transform
// stages.
type TransformMiddlewareConfig struct {
	Request  *BodyTransformConfig `toml:"request"`
	Response *BodyTransformConfig `toml:"response"`
}

// CompressionConfig mirrors middleware.CompressionConfig's TOML shape.
type CompressionConfig struct {
	Gzip           bool `toml:"gzip"`
	ThresholdBytes int  `toml:"threshold_bytes"`
	Level          int  `toml:"level"`
}

// MiddlewareConfig bundles every optional middleware stage for a route.
type MiddlewareConfig struct {
	RateLimit   *RateLimitConfig           `toml:"rate_limit"`
	Auth        *AuthMiddlewareConfig      `toml:"auth"`
	Headers     *HeaderMiddlewareConfig    `toml:"headers"`
	Transform   *TransformMiddlewareConfig `toml:"transform"`
	Compression *CompressionConfig         `toml:"compression"`
}

// SSLConfig points at PEM files handed to the core's listener.
type SSLConfig struct {
	CertFile string `toml:"cert_file"`
	KeyFile  string `toml:"key_file"`
}

// HealthCheckConfig covers both the HTTP and WebSocket health-check shapes;
// unused fields are simply left zero for whichever kind isn't configured.
type HealthCheckConfig struct {
	IntervalSeconds      int      `toml:"interval"`
	TimeoutSeconds       int      `toml:"timeout"`
	Path                 string   `toml:"path"`
	ExpectedStatusCodes  []int    `toml:"expected_status_codes"`
	PingMessage          string   `toml:"ping_message"`
}

// ProxyRoute is one [[proxy]] table entry.
type ProxyRoute struct {
	Path            string             `toml:"path"`
	Target          string             `toml:"target"`
	Targets         []Target           `toml:"targets"`
	Strategy        string             `toml:"strategy"`
	TimeoutSeconds  int                `toml:"timeout"`
	StickySessions  bool               `toml:"sticky_sessions"`
	HTTPHealth      *HealthCheckConfig `toml:"http_health"`
	WebSocketHealth *HealthCheckConfig `toml:"websocket_health"`
	CircuitBreaker  *CircuitBreakerConfig `toml:"circuit_breaker"`
	Middleware      *MiddlewareConfig  `toml:"middleware"`
	SSL             *SSLConfig         `toml:"ssl"`
}

// GetTargets resolves the effective target list, handling the legacy
// single-"target" field the way the original distinguishes it from the new
// "targets" list (spec §6's ProxyRoute "targets[{url, weight}]" shape).
func (r *ProxyRoute) GetTargets() []Target {
	if len(r.Targets) > 0 {
		return r.Targets
	}
	if r.Target != "" {
		return []Target{{URL: r.Target, Weight: 1}}
	}
	return nil
}

// LoggingConfig configures internal/logging.
type LoggingConfig struct {
	Level          string `toml:"level"`
	FileLogging    bool   `toml:"file_logging"`
	LogsDirectory  string `toml:"logs_directory"`
	FileSizeMB     int    `toml:"file_size_mb"`
	RetentionDays  int    `toml:"retention_days"`
	Format         string `toml:"format"`
	OutputMode     string `toml:"output_mode"`
}

// ServerConfig configures the listener.
type ServerConfig struct {
	DefaultPort           int        `toml:"default_port"`
	RequestTimeoutSeconds int        `toml:"request_timeout"`
	MaxRequestSizeMB      int        `toml:"max_request_size_mb"`
	EnableHealthEndpoints bool       `toml:"enable_health_endpoints"`
	SSL                   *SSLConfig `toml:"ssl"`
}

// TunnelReconnectionConfig holds the [tunnel.reconnection] settings.
// cmd/tunnelclient does not read them; its backoff intervals are fixed in
// that binary.
type TunnelReconnectionConfig struct {
	InitialDelaySeconds int `toml:"initial_delay_seconds"`
	MaxDelaySeconds     int `toml:"max_delay_seconds"`
	MaxAttempts         int `toml:"max_attempts"`
}

// TunnelServerConfig configures internal/tunnel.Server.
type TunnelServerConfig struct {
	BaseDomain          string `toml:"base_domain"`
	PublicPort          int    `toml:"public_port"`
	ControlPort         int    `toml:"control_port"`
	SubdomainStrategy   string `toml:"subdomain_strategy"`
	RegistryPath        string `toml:"registry_path"`
}

// TunnelConfig is the [tunnel] table.
type TunnelConfig struct {
	Enabled       bool                     `toml:"enabled"`
	LocalPort     int                      `toml:"local_port"`
	LocalHost     string                   `toml:"local_host"`
	Endpoints     []string                 `toml:"endpoints"`
	Auth          []string                 `toml:"auth"`
	Reconnection  TunnelReconnectionConfig `toml:"reconnection"`
	Server        *TunnelServerConfig      `toml:"server"`
}

// Default returns a Config populated with the same defaults the original
// implementation's Default impls use.
func Default() Config {
	return Config{
		StaticConfig: StaticConfig{Directory: ".", Fallback: "index.html"},
		Logging: LoggingConfig{
			Level:         "info",
			FileLogging:   true,
			LogsDirectory: "./logs",
			FileSizeMB:    10,
			RetentionDays: 30,
			Format:        "text",
			OutputMode:    "both",
		},
		Server: ServerConfig{
			DefaultPort:           8080,
			RequestTimeoutSeconds: 30,
			MaxRequestSizeMB:      10,
			EnableHealthEndpoints: true,
		},
	}
}

// Load reads and parses the TOML file at path, filling in defaults for any
// zero-valued field BurntSushi/toml left untouched (the library has no
// struct-tag default mechanism, so this mirrors the original's per-field
// default_*() helpers by hand).
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse TOML in %q: %w", path, err)
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.StaticConfig.Fallback == "" {
		cfg.StaticConfig.Fallback = "index.html"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Logging.OutputMode == "" {
		cfg.Logging.OutputMode = "both"
	}
	if cfg.Server.DefaultPort == 0 {
		cfg.Server.DefaultPort = 8080
	}
	if cfg.Server.RequestTimeoutSeconds == 0 {
		cfg.Server.RequestTimeoutSeconds = 30
	}
	for i := range cfg.Proxy {
		if cfg.Proxy[i].TimeoutSeconds == 0 {
			cfg.Proxy[i].TimeoutSeconds = cfg.Server.RequestTimeoutSeconds
		}
		if cfg.Proxy[i].Strategy == "" {
			cfg.Proxy[i].Strategy = "round_robin"
		}
		for j := range cfg.Proxy[i].Targets {
			if cfg.Proxy[i].Targets[j].Weight == 0 {
				cfg.Proxy[i].Targets[j].Weight = 1
			}
		}
	}
}

// Validate checks the configuration the way the original's
// Config::validate/ProxyRoute::validate do: non-empty paths, at least one
// target per route, http(s) URLs, weight >= 1, timeout >= 1.
func (c *Config) Validate() error {
	for i, r := range c.Proxy {
		if r.Path == "" {
			return fmt.Errorf("proxy route %d: path cannot be empty", i)
		}
		targets := r.GetTargets()
		if len(targets) == 0 {
			return fmt.Errorf("proxy route %d: must have at least one target", i)
		}
		for j, t := range targets {
			if t.URL == "" {
				return fmt.Errorf("proxy route %d target %d: URL cannot be empty", i, j)
			}
			if !strings.HasPrefix(t.URL, "http://") && !strings.HasPrefix(t.URL, "https://") {
				return fmt.Errorf("proxy route %d target %d: must be a valid HTTP/HTTPS URL: %s", i, j, t.URL)
			}
			if t.Weight < 1 {
				return fmt.Errorf("proxy route %d target %d: weight must be greater than 0", i, j)
			}
		}
		if r.TimeoutSeconds < 1 {
			return fmt.Errorf("proxy route %d: timeout must be greater than 0", i)
		}
	}
	return nil
}

// FileExists is a small convenience used by callers deciding whether to
// load an optional app-level config file.
func FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
