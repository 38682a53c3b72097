package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"sort"
	"time"
)

// Version is reported by the health endpoint. It is overridden at build time.
var Version = "dev"

const checkTimeout = 2 * time.Second

// HealthResponse is the liveness body.
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Uptime    int64  `json:"uptime"`
	Version   string `json:"version"`
}

// ReadinessResponse reports each named check.
type ReadinessResponse struct {
	Status    string          `json:"status"`
	Ready     bool            `json:"ready"`
	Timestamp string          `json:"timestamp"`
	Checks    map[string]bool `json:"checks"`
}

// ReadinessCheck reports whether one dependency of the server is usable.
type ReadinessCheck func(ctx context.Context) error

// HealthHandler serves liveness and readiness probes.
type HealthHandler struct {
	startTime time.Time
	checks    map[string]ReadinessCheck
}

// NewHealthHandler builds a handler whose readiness depends on checks.
func NewHealthHandler(checks map[string]ReadinessCheck) *HealthHandler {
	if checks == nil {
		checks = make(map[string]ReadinessCheck)
	}
	return &HealthHandler{
		startTime: time.Now(),
		checks:    checks,
	}
}

// BinaryCheck succeeds when name resolves to an executable.
func BinaryCheck(name string) ReadinessCheck {
	return func(context.Context) error {
		_, err := exec.LookPath(name)
		return err
	}
}

// DeviceCheck succeeds when path can be opened for reading and writing.
func DeviceCheck(path string) ReadinessCheck {
	return func(context.Context) error {
		f, err := os.OpenFile(path, os.O_RDWR, 0)
		if err != nil {
			return err
		}
		return f.Close()
	}
}

// HealthCheck reports liveness. It answers 200 while the process serves requests.
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().Truncate(time.Second).Format(time.RFC3339),
		Uptime:    int64(time.Since(h.startTime).Seconds()),
		Version:   Version,
	}

	writeJSON(w, http.StatusOK, response)
}

// ReadinessCheck runs every registered check
func (h *HealthHandler) ReadinessCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	ready := true
	checks := make(map[string]bool, len(names))
	for _, name := range names {
		err := h.checks[name](ctx)
		checks[name] = err == nil
		if err != nil {
			ready = false
			slog.Warn("Readiness check failed", slog.String("check", name), slog.String("error", err.Error()))
		}
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

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
