package watcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/versesung/coverage-server/internal/domain"
	"github.com/versesung/coverage-server/internal/engine"
	"github.com/versesung/coverage-server/internal/errors"
)

// Spool subdirectories files are moved to once handled.
const (
	ProcessedDir = "processed"
	FailedDir    = "failed"
)

// Ingester applies one lifecycle event.
type Ingester interface {
	Ingest(ctx context.Context, ev domain.LifecycleEvent) (*engine.Result, error)
}

// SpoolStats counts handled files.
type SpoolStats struct {
	Files     int `json:"files"`
	Events    int `json:"events"`
	Failed    int `json:"failed"`
	Retryable int `json:"retryable"`
}

// Spool feeds event files from a watched directory to an Ingester.
//
// A file holds one event object or an array of events, applied in order.
// Fully applied files move to processed/. Files that cannot be decoded or
// carry an invalid event move to failed/ next to a .err note. Files that
// hit any other error stay in place and are retried on the next start.
type Spool struct {
	dir      string
	watcher  *Watcher
	ingester Ingester
	logger   *slog.Logger

	stats SpoolStats
}

// NewSpool prepares dir and a watcher over it.
func NewSpool(dir string, ingester Ingester, opts Options, logger *slog.Logger) (*Spool, error) {
	for _, sub := range []string{"", ProcessedDir, FailedDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create spool directory: %w", err)
		}
	}

	w, err := New(logger, opts)
	if err != nil {
		return nil, err
	}
	if err := w.Watch(dir); err != nil {
		_ = w.Stop()
		return nil, err
	}

	return &Spool{
		dir:      dir,
		watcher:  w,
		ingester: ingester,
		logger:   logger.With("component", "spool", "path", dir),
	}, nil
}

// Run handles files until ctx is cancelled, then stops the watcher.
func (s *Spool) Run(ctx context.Context) error {
	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.watcher.Start(watchCtx) //nolint:errcheck // Start only returns nil
	defer s.watcher.Stop()       //nolint:errcheck // Shutdown path

	s.logger.Info("spool watcher started")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("spool watcher stopped",
				"files", s.stats.Files,
				"events", s.stats.Events,
				"failed", s.stats.Failed,
			)
			return nil
		case ev, ok := <-s.watcher.Events():
			if !ok {
				return nil
			}
			if ev.Type == EventAdded {
				s.HandleFile(ctx, ev.Path)
			}
		case err, ok := <-s.watcher.Errors():
			if !ok {
				return nil
			}
			s.logger.Warn("spool watcher error", "error", err)
		}
	}
}

// Stats returns counters of handled files. Not safe to call while Run is
// handling a file.
func (s *Spool) Stats() SpoolStats {
	return s.stats
}

// HandleFile applies every event in path and files it away.
func (s *Spool) HandleFile(ctx context.Context, path string) {
	name := filepath.Base(path)
	log := s.logger.With("file", name)

	events, err := readEvents(path)
	if err != nil {
		log.Warn("rejecting spool file", "error", err)
		s.reject(path, err)
		return
	}

	for i, ev := range events {
		res, err := s.ingester.Ingest(ctx, ev)
		if err != nil {
			if errors.Is(err, errors.ErrValidation) {
				log.Warn("rejecting spool file", "event", i, "error", err)
				s.reject(path, fmt.Errorf("event %d: %w", i, err))
				return
			}
			// Events before i are applied again on retry; they are no-ops.
			log.Error("spool file left for retry", "event", i, "error", err)
			s.stats.Retryable++
			return
		}
		s.stats.Events++
		log.Debug("spool event applied", "event", i, "work_id", res.WorkID, "outcome", res.Outcome)
	}

	s.stats.Files++
	if err := os.Rename(path, filepath.Join(s.dir, ProcessedDir, name)); err != nil {
		log.Error("failed to archive spool file", "error", err)
	}
}

func (s *Spool) reject(path string, cause error) {
	s.stats.Failed++
	name := filepath.Base(path)
	dest := filepath.Join(s.dir, FailedDir, name)
	if err := os.Rename(path, dest); err != nil {
		s.logger.Error("failed to move rejected spool file", "file", name, "error", err)
		return
	}
	if err := os.WriteFile(dest+".err", []byte(cause.Error()+"\n"), 0o644); err != nil {
		s.logger.Warn("failed to write rejection note", "file", name, "error", err)
	}
}

// readEvents decodes a single event or an array of events.
func readEvents(path string) ([]domain.LifecycleEvent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, errors.Validation("empty event file")
	}

	if data[0] == '[' {
		var events []domain.LifecycleEvent
		if err := json.Unmarshal(data, &events); err != nil {
			return nil, errors.Validationf("malformed event array: %v", err)
		}
		return events, nil
	}

	var ev domain.LifecycleEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, errors.Validationf("malformed event: %v", err)
	}
	return []domain.LifecycleEvent{ev}, nil
}
