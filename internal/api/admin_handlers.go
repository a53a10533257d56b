package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/versesung/coverage-server/internal/engine"
	"github.com/versesung/coverage-server/internal/service"
)

func (s *Server) registerAdminRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "rebuildIndex",
		Method:      http.MethodPost,
		Path:        "/api/v1/admin/rebuild",
		Summary:     "Rebuild index",
		Description: "Reconstructs the verse index from the catalog export, resuming an interrupted run",
		Tags:        []string{"Admin"},
	}, s.handleRebuild)

	huma.Register(s.api, huma.Operation{
		OperationID: "verifyIndex",
		Method:      http.MethodGet,
		Path:        "/api/v1/admin/verify",
		Summary:     "Verify index",
		Description: "Checks every membership record against the index invariants",
		Tags:        []string{"Admin"},
	}, s.handleVerify)
}

// RebuildInput selects synchronous or background execution.
type RebuildInput struct {
	Async bool `query:"async" doc:"Start the rebuild and return 202 immediately"`
}

// RebuildResponse is the rebuild result. Report is empty for async runs.
type RebuildResponse struct {
	Started bool                  `json:"started" doc:"True when the rebuild runs in the background"`
	Report  *engine.RebuildReport `json:"report,omitempty" doc:"Result of a synchronous rebuild"`
}

// RebuildOutput wraps the rebuild response for Huma.
type RebuildOutput struct {
	Status int
	Body   RebuildResponse
}

// VerifyOutput wraps the invariant report.
type VerifyOutput struct {
	Body *service.VerifyReport
}

func (s *Server) handleRebuild(ctx context.Context, input *RebuildInput) (*RebuildOutput, error) {
	if input.Async {
		if err := s.services.Admin.StartRebuild(ctx); err != nil {
			return nil, handlerError(err)
		}
		return &RebuildOutput{Status: http.StatusAccepted, Body: RebuildResponse{Started: true}}, nil
	}

	report, err := s.services.Admin.Rebuild(ctx)
	if err != nil {
		return nil, handlerError(err)
	}
	return &RebuildOutput{Status: http.StatusOK, Body: RebuildResponse{Report: report}}, nil
}

func (s *Server) handleVerify(_ context.Context, _ *struct{}) (*VerifyOutput, error) {
	return &VerifyOutput{Body: s.services.Admin.Verify()}, nil
}
