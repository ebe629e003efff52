package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/xraph/herald"
)

// newHealthHandler serves liveness and pipeline statistics for probes and
// operators. It exposes no webhook or delivery contents.
func newHealthHandler(h *herald.Herald) http.Handler {
	mux := chi.NewRouter()
	mux.Use(middleware.Recoverer)
	mux.Use(middleware.Timeout(10 * time.Second))

	mux.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := h.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"healthy": false,
				"issues":  []string{"store unreachable"},
			})
			return
		}
		health, err := h.Deliveries().GetSystemHealth(r.Context())
		if err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"healthy": false,
				"issues":  []string{err.Error()},
			})
			return
		}
		status := http.StatusOK
		if !health.Healthy {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, health)
	})

	mux.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		queue, err := h.Deliveries().GetQueueStatus(r.Context())
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"queue":    queue,
			"dispatch": h.Dispatcher().Stats(),
		})
	})

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
