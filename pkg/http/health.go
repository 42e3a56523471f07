package http

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/sirupsen/logrus"

	"rtcbridge-server/pkg/version"
)

// HealthStatus is the health check response body.
type HealthStatus struct {
	Status        string                 `json:"status"`
	Timestamp     string                 `json:"timestamp"`
	Uptime        string                 `json:"uptime"`
	Version       string                 `json:"version"`
	Registrations int                    `json:"registrations"`
	Checks        map[string]CheckResult `json:"checks,omitempty"`
	System        SystemInfo             `json:"system"`
}

// CheckResult is one dependency check inside the health response.
type CheckResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// SystemInfo carries process level resource numbers.
type SystemInfo struct {
	GoRoutines int    `json:"goroutines"`
	MemoryMB   uint64 `json:"memory_mb"`
	CPUCount   int    `json:"cpu_count"`
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	health := HealthStatus{
		Status:        "healthy",
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Uptime:        time.Since(s.startTime).Round(time.Second).String(),
		Version:       version.Version,
		Registrations: s.hub.RegistrationCount(),
		System: SystemInfo{
			GoRoutines: runtime.NumGoroutine(),
			MemoryMB:   memStats.Alloc / 1024 / 1024,
			CPUCount:   runtime.NumCPU(),
		},
	}

	status := http.StatusOK
	if s.relayCheck != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		health.Checks = make(map[string]CheckResult)
		if err := s.relayCheck(ctx); err != nil {
			health.Status = "degraded"
			health.Checks["relay"] = CheckResult{Status: "unhealthy", Message: err.Error()}
			status = http.StatusServiceUnavailable
		} else {
			health.Checks["relay"] = CheckResult{Status: "healthy"}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(health); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"path": r.URL.Path,
		}).Error("Failed to write health response")
	}
}

// livenessHandler only reports that the process is up.
func (s *Server) livenessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"alive"}`))
}
