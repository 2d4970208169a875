package stats

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouteInfo describes one route for diagnostics output.
type RouteInfo struct {
	URI         string `json:"uri"`
	Role        string `json:"role"`
	Description string `json:"description,omitempty"`
}

// Source is what the diagnostics endpoints read from; server.Server
// implements it.
type Source interface {
	Snapshot() Snapshot
	RouteTable() []RouteInfo
}

// NewHTTPHandler serves diagnostics:
//
//	GET /metrics  Prometheus exposition of gatherer
//	GET /stats    JSON snapshot
//	GET /routes   JSON route table
//	GET /health   liveness
func NewHTTPHandler(src Source, gatherer prometheus.Gatherer) http.Handler {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/stats", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, src.Snapshot())
	}).Methods(http.MethodGet)
	r.HandleFunc("/routes", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, src.RouteTable())
	}).Methods(http.MethodGet)
	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)
	return r
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
