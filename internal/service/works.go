package service

import (
	"context"
	"log/slog"

	"github.com/versesung/coverage-server/internal/domain"
	"github.com/versesung/coverage-server/internal/engine"
	"github.com/versesung/coverage-server/internal/id"
)

// WorkService ingests catalog lifecycle events.
type WorkService struct {
	engine *engine.Engine
	logger *slog.Logger
}

// NewWorkService creates a work service.
func NewWorkService(e *engine.Engine, logger *slog.Logger) *WorkService {
	return &WorkService{engine: e, logger: logger}
}

// Ingest applies one lifecycle event. Events without an id are given one so
// logs and retries can refer to them.
func (s *WorkService) Ingest(ctx context.Context, ev domain.LifecycleEvent) (*engine.Result, error) {
	if ev.ID == "" {
		eid, err := id.Generate(id.PrefixEvent)
		if err != nil {
			return nil, err
		}
		ev.ID = eid
	}

	res, err := s.engine.Handle(ctx, ev)
	if err != nil {
		s.logger.Warn("event rejected",
			"event_id", ev.ID,
			"work_id", ev.Work.ID,
			"type", ev.Type,
			"error", err,
		)
		return nil, err
	}

	s.logger.Info("event handled",
		"event_id", ev.ID,
		"work_id", ev.Work.ID,
		"type", ev.Type,
		"outcome", res.Outcome,
	)
	return &res, nil
}

// Held reports whether events are queued behind an unfinished rebuild.
func (s *WorkService) Held() bool {
	return s.engine.Held()
}
