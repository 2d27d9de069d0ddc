// Package handlers implements the HTTP endpoints.
package handlers

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"
)

var startedAt = time.Now().UTC()

// ready flips once the server has finished wiring its dependencies.
var ready atomic.Bool

// SetReady marks the process ready to serve traffic.
func SetReady(v bool) {
	ready.Store(v)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// Health reports overall process health.
func Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(startedAt).Seconds()),
	})
}

// HealthLive is the liveness probe.
func HealthLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// HealthReady is the readiness probe.
func HealthReady(w http.ResponseWriter, _ *http.Request) {
	if !ready.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
