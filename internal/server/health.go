package server

import (
	"context"
	"net/http"
	"time"
)

// ReadinessResponse is the body of the readiness check
type ReadinessResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
	Error  string            `json:"error,omitempty"`
}

func (s *AdminServer) liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ReadinessResponse{Status: "healthy"})
}

// readiness requires the manager loop to answer and the file registry to
// be reachable
func (s *AdminServer) readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := map[string]string{"manager": "healthy", "file_registry": "healthy"}
	var firstErr error

	if _, err := s.cluster.Snapshot(ctx); err != nil {
		checks["manager"] = "unhealthy"
		firstErr = err
	}
	if err := s.files.Ping(ctx); err != nil {
		checks["file_registry"] = "unhealthy"
		if firstErr == nil {
			firstErr = err
		}
	}

	if firstErr != nil {
		writeJSON(w, http.StatusServiceUnavailable, ReadinessResponse{
			Status: "not_ready",
			Checks: checks,
			Error:  firstErr.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, ReadinessResponse{Status: "ready", Checks: checks})
}
