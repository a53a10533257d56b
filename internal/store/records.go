package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v4"

	"github.com/versesung/coverage-server/internal/index"
	"github.com/versesung/coverage-server/internal/scripture"
	"github.com/versesung/coverage-server/internal/sse"
)

// Commit writes changed verse records and the accompanying work snapshot in
// a single transaction. Nothing is written if any step fails.
func (s *Store) Commit(ctx context.Context, c *index.Commit) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		for v, rec := range c.Records {
			key := verseKey(v)
			if rec.Empty() {
				if err := txn.Delete(key); err != nil {
					return fmt.Errorf("delete verse %d: %w", v, err)
				}
				continue
			}
			data, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("marshal verse %d: %w", v, err)
			}
			if err := txn.Set(key, data); err != nil {
				return fmt.Errorf("set verse %d: %w", v, err)
			}
		}

		if c.Work != nil {
			data, err := json.Marshal(c.Work)
			if err != nil {
				return fmt.Errorf("marshal work: %w", err)
			}
			if err := txn.Set([]byte(workPrefix+c.Work.ID), data); err != nil {
				return fmt.Errorf("set work: %w", err)
			}
			if err := txn.Delete([]byte(tombPrefix + c.Work.ID)); err != nil {
				return fmt.Errorf("clear tombstone: %w", err)
			}
		}
		if c.DeleteWork != "" {
			if err := txn.Delete([]byte(workPrefix + c.DeleteWork)); err != nil {
				return fmt.Errorf("delete work: %w", err)
			}
			data, err := json.Marshal(Tombstone{WorkID: c.DeleteWork, DeletedAt: c.DeletedAt})
			if err != nil {
				return fmt.Errorf("marshal tombstone: %w", err)
			}
			if err := txn.Set([]byte(tombPrefix+c.DeleteWork), data); err != nil {
				return fmt.Errorf("set tombstone: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("commit index batch: %w", err)
	}

	if s.logger != nil {
		s.logger.LogAttrs(ctx, slog.LevelDebug, "index batch committed",
			slog.Int("records", len(c.Records)),
		)
	}

	if c.Work != nil {
		s.eventEmitter.Emit(sse.NewWorkIndexedEvent(c.Work))
	}
	if c.DeleteWork != "" {
		s.eventEmitter.Emit(sse.NewWorkRemovedEvent(c.DeleteWork))
	}
	return nil
}

// LoadRecords streams every persisted verse record in canonical order.
func (s *Store) LoadRecords(ctx context.Context, fn func(scripture.VerseID, *index.Record) error) error {
	return s.iterate(ctx, versePrefix, func(key, val []byte) error {
		v, err := parseVerseKey(key)
		if err != nil {
			return err
		}
		var rec index.Record
		if err := json.Unmarshal(val, &rec); err != nil {
			return fmt.Errorf("unmarshal verse %d: %w", v, err)
		}
		return fn(v, &rec)
	})
}

// CountRecords returns the number of persisted verse records.
func (s *Store) CountRecords() (int, error) {
	return s.countPrefix(versePrefix)
}
