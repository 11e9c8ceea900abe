package middleware

import "net/http"

// HeaderConfig describes a request- or response-side header mutation: a
// removal list applied first, then an additions map, plus an optional Host
// override (request side only).
type HeaderConfig struct {
	Remove      []string
	Add         map[string]string
	OverrideHost string
}

// ApplyRequestHeaders removes, then adds, configured headers on req, and
// overrides the Host header when configured.
func ApplyRequestHeaders(req *http.Request, cfg HeaderConfig) {
	for _, name := range cfg.Remove {
		req.Header.Del(name)
	}
	for name, value := range cfg.Add {
		req.Header.Set(name, value)
	}
	if cfg.OverrideHost != "" {
		req.Host = cfg.OverrideHost
		req.Header.Set("Host", cfg.OverrideHost)
	}
}

// ApplyResponseHeaders removes, then adds, configured headers on the
// response header map.
func ApplyResponseHeaders(h http.Header, cfg HeaderConfig) {
	for _, name := range cfg.Remove {
		h.Del(name)
	}
	for name, value := range cfg.Add {
		h.Set(name, value)
	}
}
