package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
)

func (s *Server) registerHealthRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "healthCheck",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Description: "Returns server health status with component checks",
		Tags:        []string{"Health"},
	}, s.handleHealthCheck)
}

// ComponentHealth describes the health of a single component.
type ComponentHealth struct {
	Status  string `json:"status" doc:"Component status: healthy, degraded, or unhealthy"`
	Latency string `json:"latency,omitempty" doc:"Response time for this component"`
	Message string `json:"message,omitempty" doc:"Additional status information"`
}

// HealthResponse contains health check data in API responses.
type HealthResponse struct {
	Status     string                     `json:"status" doc:"Overall status: healthy, degraded, or unhealthy"`
	Components map[string]ComponentHealth `json:"components" doc:"Individual component statuses"`
}

// HealthOutput wraps the health response for Huma.
type HealthOutput struct {
	Body HealthResponse
}

func (s *Server) handleHealthCheck(ctx context.Context, _ *struct{}) (*HealthOutput, error) {
	components := map[string]ComponentHealth{
		"store":     s.checkStore(ctx),
		"refresher": s.checkRefresher(),
		"sse":       s.checkSSEManager(),
	}

	overall := "healthy"
	for _, c := range components {
		switch c.Status {
		case "unhealthy":
			overall = "unhealthy"
		case "degraded":
			if overall == "healthy" {
				overall = "degraded"
			}
		}
	}

	return &HealthOutput{
		Body: HealthResponse{
			Status:     overall,
			Components: components,
		},
	}, nil
}

// checkStore verifies Badger is accessible.
func (s *Server) checkStore(ctx context.Context) ComponentHealth {
	if s.store == nil {
		return ComponentHealth{
			Status:  "degraded",
			Message: "store not configured",
		}
	}

	start := time.Now()
	err := s.store.Ping(ctx)
	latency := time.Since(start)

	if err != nil {
		return ComponentHealth{
			Status:  "unhealthy",
			Latency: latency.String(),
			Message: "store read failed",
		}
	}
	return ComponentHealth{
		Status:  "healthy",
		Latency: latency.String(),
	}
}

// checkRefresher reports the aggregate refresh mode and any rebuild.
// A running rebuild degrades the service since coverage is being replaced.
func (s *Server) checkRefresher() ComponentHealth {
	if s.services == nil || s.services.Coverage == nil {
		return ComponentHealth{
			Status:  "degraded",
			Message: "coverage service not configured",
		}
	}

	if s.services.Admin != nil && s.services.Admin.Rebuilding() {
		return ComponentHealth{
			Status:  "degraded",
			Message: "rebuild in progress",
		}
	}

	if s.services.Works != nil && s.services.Works.Held() {
		return ComponentHealth{
			Status:  "degraded",
			Message: "events held until a rebuild completes",
		}
	}

	mode, dirty := s.services.Coverage.RefreshState()
	msg := mode + " refresh"
	if dirty > 0 {
		msg = fmt.Sprintf("%s refresh, %d stale books", mode, dirty)
	}
	return ComponentHealth{
		Status:  "healthy",
		Message: msg,
	}
}

// checkSSEManager verifies the SSE event system is running.
func (s *Server) checkSSEManager() ComponentHealth {
	if s.sseManager == nil {
		return ComponentHealth{
			Status:  "degraded",
			Message: "SSE manager not configured",
		}
	}

	msg := formatSSEStatus(s.sseManager.ClientCount())
	if rb, ok := s.sseManager.Rebuild(); ok {
		msg = fmt.Sprintf("%s, rebuild %s at %d/%d books", msg, rb.RunID, rb.Completed, rb.Total)
	}
	return ComponentHealth{
		Status:  "healthy",
		Message: msg,
	}
}

func formatSSEStatus(count int) string {
	switch count {
	case 0:
		return "no connected clients"
	case 1:
		return "1 connected client"
	default:
		return fmt.Sprintf("%d connected clients", count)
	}
}
