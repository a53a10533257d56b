package service

import (
	"context"
	"log/slog"

	"github.com/versesung/coverage-server/internal/engine"
	"github.com/versesung/coverage-server/internal/errors"
	"github.com/versesung/coverage-server/internal/index"
)

// AdminService exposes maintenance operations on the index.
type AdminService struct {
	index     *index.Store
	rebuilder *engine.Rebuilder
	logger    *slog.Logger
}

// NewAdminService creates an admin service. A nil rebuilder means no
// catalog export is configured.
func NewAdminService(idx *index.Store, rebuilder *engine.Rebuilder, logger *slog.Logger) *AdminService {
	return &AdminService{index: idx, rebuilder: rebuilder, logger: logger}
}

// Rebuild reconstructs the index from the catalog export.
func (s *AdminService) Rebuild(ctx context.Context) (*engine.RebuildReport, error) {
	if s.rebuilder == nil {
		return nil, errors.Validation("no catalog export is configured").WithField("catalog.path")
	}
	s.logger.Info("rebuild requested")
	return s.rebuilder.Rebuild(ctx)
}

// StartRebuild runs a rebuild in the background and returns at once.
// Progress is reported on the event stream.
func (s *AdminService) StartRebuild(ctx context.Context) error {
	if s.rebuilder == nil {
		return errors.Validation("no catalog export is configured").WithField("catalog.path")
	}
	if s.rebuilder.Running() {
		return errors.Conflictf("a rebuild is already running")
	}

	s.logger.Info("background rebuild requested")
	go func() {
		if _, err := s.rebuilder.Rebuild(context.WithoutCancel(ctx)); err != nil {
			s.logger.Error("background rebuild failed", "error", err)
		}
	}()
	return nil
}

// Rebuilding reports whether a rebuild is running.
func (s *AdminService) Rebuilding() bool {
	return s.rebuilder != nil && s.rebuilder.Running()
}

// VerifyReport is the result of an invariant walk.
type VerifyReport struct {
	OK         bool              `json:"ok"`
	Violations []index.Violation `json:"violations,omitempty"`
	Stats      index.Stats       `json:"stats"`
}

// Verify checks every record's invariants.
func (s *AdminService) Verify() *VerifyReport {
	v := s.index.CheckInvariants()
	if len(v) > 0 {
		s.logger.Error("index invariants violated",
			"violations", len(v),
			"error", errors.Consistencyf("%d records violate index invariants", len(v)),
		)
	}
	return &VerifyReport{OK: len(v) == 0, Violations: v, Stats: s.index.Stats()}
}
