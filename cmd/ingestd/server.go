package main

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/siteflux/ingest/journal"
	"github.com/siteflux/ingest/metric"
	"github.com/siteflux/ingest/monitor"
)

// newHTTPServer exposes metrics, health, and operational introspection.
func newHTTPServer(addr string, registry *metric.Registry, mon *monitor.Monitor, j *journal.Journal, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()

	mux.Handle("/metrics", registry.Handler())

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		overall := mon.Overall()
		code := http.StatusOK
		if overall.Health == monitor.Unhealthy {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, overall, logger)
	})

	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"overall":  mon.Overall(),
			"adapters": mon.Statuses(),
			"metrics":  mon.Metrics(),
			"errors":   j.CountByType(),
		}, logger)
	})

	mux.HandleFunc("/journal", func(w http.ResponseWriter, r *http.Request) {
		limit := 50
		if raw := r.URL.Query().Get("limit"); raw != "" {
			if n, err := strconv.Atoi(raw); err == nil && n > 0 {
				limit = n
			}
		}
		writeJSON(w, http.StatusOK, j.Recent(limit), logger)
	})

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func writeJSON(w http.ResponseWriter, code int, payload any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Warn("failed to encode response", "error", err)
	}
}
