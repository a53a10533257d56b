package store

import (
	"context"
	"slices"
	"time"

	"github.com/versesung/coverage-server/internal/scripture"
)

// RebuildCheckpoint records the progress of a full rebuild so an interrupted
// run resumes at book granularity.
type RebuildCheckpoint struct {
	RunID     string              `json:"run_id"`
	Source    string              `json:"source"`
	StartedAt time.Time           `json:"started_at"`
	UpdatedAt time.Time           `json:"updated_at"`
	Completed []scripture.BookID  `json:"completed"`
}

// Done reports whether book was already rebuilt in this run.
func (c *RebuildCheckpoint) Done(book scripture.BookID) bool {
	return slices.Contains(c.Completed, book)
}

// GetRebuildCheckpoint returns the saved checkpoint or ErrNoCheckpoint.
func (s *Store) GetRebuildCheckpoint(ctx context.Context) (*RebuildCheckpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var cp RebuildCheckpoint
	if err := s.get([]byte(rebuildCheckpointKey), &cp); err != nil {
		if isNotFound(err) {
			return nil, ErrNoCheckpoint
		}
		return nil, err
	}
	return &cp, nil
}

// SaveRebuildCheckpoint overwrites the checkpoint.
func (s *Store) SaveRebuildCheckpoint(ctx context.Context, cp *RebuildCheckpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cp.UpdatedAt = time.Now()
	return s.set([]byte(rebuildCheckpointKey), cp)
}

// ClearRebuildCheckpoint removes the checkpoint once a run completes.
func (s *Store) ClearRebuildCheckpoint(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.delete([]byte(rebuildCheckpointKey))
}
