package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/brightcart/api/internal/services"
)

// HealthHandlers serves the /healthz liveness and /readyz readiness probes.
// Liveness never touches dependencies; readiness reports the dependency
// probes collected by the system service.
type HealthHandlers struct {
	system    services.SystemService
	clock     func() time.Time
	startedAt time.Time
}

// HealthOption customises HealthHandlers construction.
type HealthOption func(*HealthHandlers)

// WithHealthSystemService wires the system service used by /readyz.
func WithHealthSystemService(system services.SystemService) HealthOption {
	return func(h *HealthHandlers) {
		h.system = system
	}
}

// WithHealthClock overrides the clock, used by tests.
func WithHealthClock(clock func() time.Time) HealthOption {
	return func(h *HealthHandlers) {
		if clock != nil {
			h.clock = clock
		}
	}
}

// WithHealthStartTime records the process start used for uptime reporting.
func WithHealthStartTime(start time.Time) HealthOption {
	return func(h *HealthHandlers) {
		if !start.IsZero() {
			h.startedAt = start
		}
	}
}

// NewHealthHandlers constructs the probe handlers.
func NewHealthHandlers(opts ...HealthOption) *HealthHandlers {
	h := &HealthHandlers{
		clock:     time.Now,
		startedAt: time.Now(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Healthz reports process liveness.
func (h *HealthHandlers) Healthz(w http.ResponseWriter, r *http.Request) {
	now := h.clock().UTC()
	writeJSONResponse(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"uptime":    now.Sub(h.startedAt).String(),
		"timestamp": now.Format(time.RFC3339),
	})
}

// Readyz reports dependency health. Without a system service wired it only
// confirms the process is serving.
func (h *HealthHandlers) Readyz(w http.ResponseWriter, r *http.Request) {
	if h.system == nil {
		writeJSONResponse(w, http.StatusOK, map[string]any{"status": "ok"})
		return
	}

	report, err := h.system.HealthReport(r.Context())
	if err != nil {
		writeJSONResponse(w, http.StatusServiceUnavailable, map[string]any{
			"status":  "degraded",
			"details": []string{err.Error()},
		})
		return
	}

	checks := make(map[string]healthCheckPayload, len(report.Components))
	var details []string
	for name, component := range report.Components {
		status := "ok"
		if !component.Healthy {
			status = "degraded"
			details = append(details, fmt.Sprintf("%s: %s", name, component.Detail))
		}
		checks[name] = healthCheckPayload{Status: status, Detail: component.Detail}
	}
	sort.Strings(details)

	status := http.StatusOK
	overall := "ok"
	if !report.Healthy {
		status = http.StatusServiceUnavailable
		overall = "degraded"
	}

	writeJSONResponse(w, status, readyzResponse{
		Status:    overall,
		Checks:    checks,
		Details:   details,
		CheckedAt: report.CheckedAt,
	})
}

type readyzResponse struct {
	Status    string                        `json:"status"`
	Checks    map[string]healthCheckPayload `json:"checks,omitempty"`
	Details   []string                      `json:"details,omitempty"`
	CheckedAt time.Time                     `json:"checked_at,omitempty"`
}

type healthCheckPayload struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

func writeJSONResponse(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
