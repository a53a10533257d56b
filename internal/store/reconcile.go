package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/versesung/coverage-server/internal/domain"
)

// ReconcileEntry is a work whose last event could not be applied.
type ReconcileEntry struct {
	WorkID        string                `json:"work_id"`
	Event         domain.LifecycleEvent `json:"event"`
	Attempts      int                   `json:"attempts"`
	LastError     string                `json:"last_error,omitempty"`
	EnqueuedAt    time.Time             `json:"enqueued_at"`
	NextAttemptAt time.Time             `json:"next_attempt_at"`
}

// PutReconcile stores or replaces the entry for a work. A newer event for
// the same work supersedes the queued one.
func (s *Store) PutReconcile(ctx context.Context, e *ReconcileEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := buildKey(reconcilePrefix, e.WorkID)
	defer releaseKey(key)
	return s.set(key, e)
}

// DeleteReconcile drops the entry for a work, if any.
func (s *Store) DeleteReconcile(ctx context.Context, workID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := buildKey(reconcilePrefix, workID)
	defer releaseKey(key)
	return s.delete(key)
}

// ListReconcile returns every queued entry ordered by key.
func (s *Store) ListReconcile(ctx context.Context) ([]*ReconcileEntry, error) {
	var out []*ReconcileEntry
	err := s.iterate(ctx, reconcilePrefix, func(_, val []byte) error {
		var e ReconcileEntry
		if err := json.Unmarshal(val, &e); err != nil {
			return fmt.Errorf("unmarshal reconcile entry: %w", err)
		}
		out = append(out, &e)
		return nil
	})
	return out, err
}
