package server

import (
	"net/http"
	"time"
)

// HealthStatus represents operational status for the /health endpoint.
type HealthStatus struct {
	Status    string         `json:"status"`
	Timestamp time.Time      `json:"timestamp"`
	Uptime    string         `json:"uptime"`
	Database  string         `json:"database"`
	Tracks    int            `json:"trackCount"`
	Queue     int            `json:"queueLength"`
	Details   map[string]any `json:"details,omitempty"`
}

// handleHealthCheck returns basic liveness + dependency checks.
func (cs *ControlServer) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	health := &HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now(),
		Uptime:    time.Since(cs.started).Round(time.Second).String(),
		Database:  "ok",
		Queue:     cs.dispatcher.State().Playlist.Len(),
		Details:   make(map[string]any),
	}

	if err := cs.library.Ping(); err != nil {
		health.Status = "unhealthy"
		health.Database = "error"
		health.Details["database_error"] = err.Error()
	} else if tracks, err := cs.library.GetAllTracks(); err != nil {
		health.Details["track_count_error"] = err.Error()
	} else {
		health.Tracks = len(tracks)
	}

	status := http.StatusOK
	if health.Status == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	cs.respondJSON(w, status, health)
}
