package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/versesung/coverage-server/internal/domain"
	"github.com/versesung/coverage-server/internal/engine"
	domainerrors "github.com/versesung/coverage-server/internal/errors"
)

func (s *Server) registerWorkRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID:  "ingestWorkEvent",
		Method:       http.MethodPost,
		Path:         "/api/v1/works/events",
		Summary:      "Ingest lifecycle event",
		Description:  "Applies a created, updated or deleted event from the song catalog to the verse index",
		Tags:         []string{"Works"},
		MaxBodyBytes: MaxEventSize,
	}, s.handleIngestWorkEvent)
}

// IngestInput carries the raw event JSON. It is decoded and validated by
// the engine rather than by the schema layer so that deletes may omit the
// work snapshot.
type IngestInput struct {
	RawBody []byte
}

// IngestOutput reports what the event did to the index.
// Status is 202 when the event was queued for reconciliation.
type IngestOutput struct {
	Status int
	Body   *engine.Result
}

func (s *Server) handleIngestWorkEvent(ctx context.Context, input *IngestInput) (*IngestOutput, error) {
	ev, err := decodeEvent(input.RawBody)
	if err != nil {
		return nil, handlerError(err)
	}

	res, err := s.services.Works.Ingest(ctx, ev)
	if err != nil {
		return nil, handlerError(err)
	}

	status := http.StatusOK
	if res.Outcome == engine.OutcomeQueued {
		status = http.StatusAccepted
	}
	return &IngestOutput{Status: status, Body: res}, nil
}

func decodeEvent(body []byte) (domain.LifecycleEvent, error) {
	var ev domain.LifecycleEvent
	if len(bytes.TrimSpace(body)) == 0 {
		return ev, domainerrors.Validation("request body is required")
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&ev); err != nil {
		return ev, domainerrors.Validationf("malformed event: %v", err)
	}
	return ev, nil
}
