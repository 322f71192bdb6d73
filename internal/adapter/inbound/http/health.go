package http

import (
	"fmt"
	"net/http"
	"runtime"
	"time"
)

// HealthResponse is the JSON response from the /health endpoint.
type HealthResponse struct {
	Status  string            `json:"status"`
	Uptime  string            `json:"uptime"`
	Version string            `json:"version,omitempty"`
	Checks  map[string]string `json:"checks"`
}

// CheckFunc probes one component. It returns a human-readable status
// and whether the component is healthy.
type CheckFunc func() (status string, ok bool)

// HealthChecker aggregates component probes into one endpoint.
type HealthChecker struct {
	version string
	started time.Time
	checks  map[string]CheckFunc
}

// NewHealthChecker creates a HealthChecker. Register probes with
// AddCheck before serving.
func NewHealthChecker(version string) *HealthChecker {
	return &HealthChecker{
		version: version,
		started: time.Now(),
		checks:  make(map[string]CheckFunc),
	}
}

// AddCheck registers a named component probe. Nil funcs are ignored.
func (h *HealthChecker) AddCheck(name string, fn CheckFunc) {
	if fn != nil {
		h.checks[name] = fn
	}
}

// Check runs all probes and builds the aggregate response. Any failing
// probe degrades the overall status to unhealthy.
func (h *HealthChecker) Check() HealthResponse {
	checks := make(map[string]string, len(h.checks)+1)
	healthy := true

	for name, fn := range h.checks {
		status, ok := fn()
		checks[name] = status
		if !ok {
			healthy = false
		}
	}
	checks["goroutines"] = fmt.Sprintf("%d", runtime.NumGoroutine())

	status := "ok"
	if !healthy {
		status = "unhealthy"
	}
	return HealthResponse{
		Status:  status,
		Uptime:  time.Since(h.started).Round(time.Second).String(),
		Version: h.version,
		Checks:  checks,
	}
}

// Handler returns the HTTP handler for the health endpoint. Unhealthy
// aggregates answer 503 so load balancers rotate the node out.
func (h *HealthChecker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		health := h.Check()
		status := http.StatusOK
		if health.Status != "ok" {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, health)
	})
}

// QueueCheck builds a probe over a bounded queue's depth. The probe
// degrades above 90 percent occupancy.
func QueueCheck(depth, capacity func() int) CheckFunc {
	return func() (string, bool) {
		d, c := depth(), capacity()
		if c <= 0 {
			return "ok", true
		}
		pct := d * 100 / c
		status := fmt.Sprintf("%d/%d (%d%%)", d, c, pct)
		if pct > 90 {
			return "degraded: " + status, false
		}
		return "ok: " + status, true
	}
}
