package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
)

// HealthRouter builds the gorilla/mux sub-router spec §7 describes for the
// gateway's own operational endpoints, separate from proxied traffic.
func (g *Gateway) HealthRouter() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", g.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ping", g.handlePing).Methods(http.MethodGet)
	r.HandleFunc("/config/health", g.handleConfigHealth).Methods(http.MethodGet)
	r.HandleFunc("/static/health", g.handleStaticHealth).Methods(http.MethodGet)
	r.HandleFunc("/balancer/health", g.handleBalancerHealth).Methods(http.MethodGet)
	return r
}

func (g *Gateway) handlePing(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("pong"))
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"status": "healthy",
		"routes": len(g.runtimes),
	})
}

func (g *Gateway) handleConfigHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"status":            "ok",
		"route_count":       len(g.runtimes),
		"static_directory":  g.static.Exists(),
		"tunnel_configured": g.tunnelSrv != nil,
	})
}

func (g *Gateway) handleStaticHealth(w http.ResponseWriter, r *http.Request) {
	if g.static.Exists() {
		writeJSON(w, map[string]any{"status": "ok"})
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	writeJSON(w, map[string]any{"status": "missing static directory"})
}

func (g *Gateway) handleBalancerHealth(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]any, len(g.runtimes))
	for route, rt := range g.runtimes {
		out[route.Path] = map[string]any{
			"strategy":      string(rt.route.Strategy),
			"healthy_count": rt.balancer.HealthyCount(),
			"target_count":  len(rt.route.Targets),
			"breakers":      rt.breakers.Snapshot(),
		}
	}
	writeJSON(w, out)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
