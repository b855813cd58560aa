package handlers

import (
	"encoding/json"
	"net/http"
	"time"
)

// Health reports liveness plus the configured backend names so probes can
// tell a booted gateway from a misconfigured one.
type Health struct {
	backends []string
	started  time.Time
}

func NewHealth(backends []string) *Health {
	return &Health{backends: backends, started: time.Now()}
}

func (h *Health) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := json.Marshal(map[string]any{
		"status":   "ok",
		"uptime":   time.Since(h.started).Round(time.Second).String(),
		"backends": h.backends,
	})
	writeJSON(w, http.StatusOK, body)
}
