// Package httpserver exposes the collector's monitoring endpoints.
package httpserver

import (
	"context"
	"net/http"
	"time"

	json "github.com/goccy/go-json"

	"github.com/depthcast/collector/internal/collector"
)

const (
	healthPath  = "/health"
	metricsPath = "/api/metrics"

	readHeaderTimeout = 5 * time.Second
	healthPingTimeout = 2 * time.Second
)

// StatusFunc supplies the current collector snapshot.
type StatusFunc func() collector.Status

// Pinger is the store health surface; nil disables the store check.
type Pinger interface {
	Ping(ctx context.Context) error
}

type httpServer struct {
	status StatusFunc
	store  Pinger
}

// NewHandler creates the monitoring handler serving health and metrics.
func NewHandler(status StatusFunc, store Pinger) http.Handler {
	server := &httpServer{status: status, store: store}
	mux := http.NewServeMux()
	mux.Handle(healthPath, get(server.getHealth))
	mux.Handle(metricsPath, get(server.getMetrics))
	return mux
}

// NewServer wraps the monitoring handler in an http.Server bound to addr.
func NewServer(addr string, status StatusFunc, store Pinger) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           NewHandler(status, store),
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

func get(handler func(http.ResponseWriter, *http.Request)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		handler(w, r)
	})
}

func (s *httpServer) getHealth(w http.ResponseWriter, r *http.Request) {
	if s.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthPingTimeout)
		defer cancel()
		if err := s.store.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "degraded",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *httpServer) getMetrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.status())
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}
