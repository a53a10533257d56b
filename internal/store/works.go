package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/versesung/coverage-server/internal/domain"
)

// GetWork returns the last-known snapshot of a work.
func (s *Store) GetWork(ctx context.Context, workID string) (*domain.Work, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	key := buildKey(workPrefix, workID)
	defer releaseKey(key)

	var w domain.Work
	if err := s.get(key, &w); err != nil {
		if isNotFound(err) {
			return nil, ErrWorkNotFound
		}
		return nil, fmt.Errorf("get work %s: %w", workID, err)
	}
	return &w, nil
}

// Tombstone marks a deleted work. Events older than DeletedAt are stale.
type Tombstone struct {
	WorkID    string    `json:"work_id"`
	DeletedAt time.Time `json:"deleted_at"`
}

// DeletedAt returns when a work was last deleted, or the zero time if it
// never was or has been recreated since.
func (s *Store) DeletedAt(ctx context.Context, workID string) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}

	key := buildKey(tombPrefix, workID)
	defer releaseKey(key)

	var t Tombstone
	if err := s.get(key, &t); err != nil {
		if isNotFound(err) {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("get tombstone %s: %w", workID, err)
	}
	return t.DeletedAt, nil
}

// ListWorks streams every stored snapshot.
func (s *Store) ListWorks(ctx context.Context, fn func(*domain.Work) error) error {
	return s.iterate(ctx, workPrefix, func(_, val []byte) error {
		var w domain.Work
		if err := json.Unmarshal(val, &w); err != nil {
			return fmt.Errorf("unmarshal work: %w", err)
		}
		return fn(&w)
	})
}

// CountWorks returns the number of stored snapshots.
func (s *Store) CountWorks() (int, error) {
	return s.countPrefix(workPrefix)
}

// DeleteAllWorks drops every snapshot. Used before a full rebuild.
func (s *Store) DeleteAllWorks(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.DropPrefix([]byte(workPrefix))
}

// PutWorks stores snapshots without touching verse records. Rebuild writes
// records per book and snapshots in bulk through this.
func (s *Store) PutWorks(ctx context.Context, works []*domain.Work) error {
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, w := range works {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, err := json.Marshal(w)
		if err != nil {
			return fmt.Errorf("marshal work %s: %w", w.ID, err)
		}
		if err := wb.Set([]byte(workPrefix+w.ID), data); err != nil {
			return fmt.Errorf("batch set work %s: %w", w.ID, err)
		}
	}
	return wb.Flush()
}
