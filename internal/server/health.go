package server

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"time"
)

// HealthStatus represents the overall health of the system
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// ComponentStatus represents the health of an individual component
type ComponentStatus string

const (
	ComponentStatusUp       ComponentStatus = "up"
	ComponentStatusDown     ComponentStatus = "down"
	ComponentStatusDegraded ComponentStatus = "degraded"
)

// Health represents the complete health check response
type Health struct {
	Status     HealthStatus               `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	Version    string                     `json:"version,omitempty"`
	Components map[string]ComponentHealth `json:"components"`
}

// ComponentHealth represents the health of a single system component
type ComponentHealth struct {
	Status    ComponentStatus `json:"status"`
	Message   string          `json:"message,omitempty"`
	LatencyMs float64         `json:"latency_ms,omitempty"`
	Details   any             `json:"details,omitempty"`
}

// HandleHealth reports every component; only a down component yields 503.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	health := s.checkHealth(r.Context())

	statusCode := http.StatusOK
	if health.Status == HealthStatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, health)
}

// HandleReady answers 200 once the metadata store responds.
func (s *Server) HandleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":  "not_ready",
			"message": "database unavailable",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// HandleLive provides a liveness probe (is the process running?)
func (s *Server) HandleLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) checkHealth(ctx context.Context) Health {
	health := Health{
		Timestamp:  time.Now(),
		Version:    s.version,
		Components: make(map[string]ComponentHealth),
	}

	health.Components["database"] = s.checkDatabaseHealth(ctx)
	health.Components["storage"] = s.checkStorageHealth()
	if s.mirror != nil {
		health.Components["mirror"] = s.checkMirrorHealth()
	}

	health.Status = determineOverallHealth(health.Components)
	return health
}

func (s *Server) checkDatabaseHealth(ctx context.Context) ComponentHealth {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		return ComponentHealth{
			Status:  ComponentStatusDown,
			Message: "database ping failed: " + err.Error(),
		}
	}

	latency := time.Since(start).Milliseconds()
	stats := s.store.Stats()
	details := map[string]any{
		"driver":           s.store.Driver(),
		"open_connections": stats.OpenConnections,
		"in_use":           stats.InUse,
		"idle":             stats.Idle,
		"wait_count":       stats.WaitCount,
	}

	status := ComponentStatusUp
	message := "database healthy"
	if latency > 1000 {
		status = ComponentStatusDegraded
		message = "database latency high"
	}

	return ComponentHealth{
		Status:    status,
		Message:   message,
		LatencyMs: float64(latency),
		Details:   details,
	}
}

// checkStorageHealth verifies the upload root is still a writable directory.
func (s *Server) checkStorageHealth() ComponentHealth {
	root := s.files.Root()
	info, err := os.Stat(root)
	if err != nil {
		return ComponentHealth{Status: ComponentStatusDown, Message: "upload root unavailable: " + err.Error()}
	}
	if !info.IsDir() {
		return ComponentHealth{Status: ComponentStatusDown, Message: "upload root is not a directory"}
	}

	probe, err := os.CreateTemp(root, ".health-*")
	if err != nil {
		return ComponentHealth{Status: ComponentStatusDegraded, Message: "upload root not writable: " + err.Error()}
	}
	name := probe.Name()
	_ = probe.Close()
	_ = os.Remove(name)

	return ComponentHealth{
		Status:  ComponentStatusUp,
		Message: "storage healthy",
		Details: map[string]any{"root": root},
	}
}

// checkMirrorHealth maps the breaker state. An open breaker degrades the
// service but never takes it down; uploads do not depend on the mirror.
func (s *Server) checkMirrorHealth() ComponentHealth {
	state := s.mirror.Breaker().State()
	ch := ComponentHealth{
		Status:  ComponentStatusUp,
		Message: "mirror healthy",
		Details: map[string]any{"breaker": state.String()},
	}
	if state != StateClosed {
		ch.Status = ComponentStatusDegraded
		ch.Message = "mirror circuit " + state.String()
	}
	return ch
}

// determineOverallHealth calculates overall health from component statuses
func determineOverallHealth(components map[string]ComponentHealth) HealthStatus {
	var downCount, degradedCount int
	for _, component := range components {
		switch component.Status {
		case ComponentStatusDown:
			downCount++
		case ComponentStatusDegraded:
			degradedCount++
		}
	}

	if downCount > 0 {
		return HealthStatusUnhealthy
	}
	if degradedCount > 0 {
		return HealthStatusDegraded
	}
	return HealthStatusHealthy
}
