package handlers

import (
	"encoding/json"
	"net/http"
	"sort"
	"time"
)

// Version is reported by the health endpoint.
const Version = "0.3.0"

type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Uptime    int64  `json:"uptime"`
	Version   string `json:"version"`
}

type ReadinessResponse struct {
	Status    string          `json:"status"`
	Ready     bool            `json:"ready"`
	Timestamp string          `json:"timestamp"`
	Checks    map[string]bool `json:"checks"`
}

// Check is one named readiness probe.
type Check struct {
	Name string
	Fn   func() bool
}

type HealthHandler struct {
	startTime time.Time
	checks    []Check
}

func NewHealthHandler(checks ...Check) *HealthHandler {
	sort.SliceStable(checks, func(i, j int) bool { return checks[i].Name < checks[j].Name })
	return &HealthHandler{
		startTime: time.Now(),
		checks:    checks,
	}
}

func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().Truncate(time.Second).Format(time.RFC3339),
		Uptime:    int64(time.Since(h.startTime).Seconds()),
		Version:   Version,
	})
}

// ReadinessCheck runs every registered check; any failure answers 503.
func (h *HealthHandler) ReadinessCheck(w http.ResponseWriter, r *http.Request) {
	ready := true
	checks := make(map[string]bool, len(h.checks))
	for _, c := range h.checks {
		ok := runCheck(c.Fn)
		checks[c.Name] = ok
		ready = ready && ok
	}

	status := "ready"
	httpStatus := http.StatusOK
	if !ready {
		status = "not_ready"
		httpStatus = http.StatusServiceUnavailable
	}

	writeJSON(w, httpStatus, ReadinessResponse{
		Status:    status,
		Ready:     ready,
		Timestamp: time.Now().Truncate(time.Second).Format(time.RFC3339),
		Checks:    checks,
	})
}

func runCheck(fn func() bool) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	return fn()
}

// Responsive reports whether probe returns within timeout.
func Responsive(timeout time.Duration, probe func()) func() bool {
	return func() bool {
		done := make(chan struct{})
		go func() {
			defer close(done)
			probe()
		}()
		select {
		case <-done:
			return true
		case <-time.After(timeout):
			return false
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
