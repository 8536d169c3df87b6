package handlers

import (
	"context"
	"net/http"
	"time"
)

// HealthCheck probes one dependency.
type HealthCheck func(ctx context.Context) error

// RegisterHealthCheck adds a named dependency probe to the health endpoint.
func (h *Handlers) RegisterHealthCheck(name string, check HealthCheck) {
	h.healthMu.Lock()
	defer h.healthMu.Unlock()
	if h.checks == nil {
		h.checks = map[string]HealthCheck{}
	}
	h.checks[name] = check
}

// Health reports overall service health: 200 when every registered probe
// passes, 503 otherwise.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	h.healthMu.Lock()
	probes := make(map[string]HealthCheck, len(h.checks))
	for name, check := range h.checks {
		probes[name] = check
	}
	h.healthMu.Unlock()

	results := make(map[string]string, len(probes))
	healthy := true
	for name, check := range probes {
		if err := check(ctx); err != nil {
			results[name] = err.Error()
			healthy = false
			continue
		}
		results[name] = "ok"
	}

	status := http.StatusOK
	overall := "healthy"
	if !healthy {
		status = http.StatusServiceUnavailable
		overall = "unhealthy"
	}
	h.writeJSON(w, status, map[string]any{
		"status": overall,
		"checks": results,
	})
}
