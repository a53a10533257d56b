package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/versesung/coverage-server/internal/domain"
	"github.com/versesung/coverage-server/internal/errors"
	"github.com/versesung/coverage-server/internal/index"
	"github.com/versesung/coverage-server/internal/metrics"
	"github.com/versesung/coverage-server/internal/scripture"
	"github.com/versesung/coverage-server/internal/sse"
	"github.com/versesung/coverage-server/internal/store"
	"github.com/versesung/coverage-server/internal/store/sqlite"
)

// Catalog is the song catalog snapshot a rebuild reads.
type Catalog interface {
	Name() string
	EachWork(ctx context.Context, fn func(*sqlite.CatalogWork) error) error
}

// CheckpointReader reads the checkpoint of an unfinished rebuild.
type CheckpointReader interface {
	GetRebuildCheckpoint(ctx context.Context) (*store.RebuildCheckpoint, error)
}

// RebuildStore persists rebuild progress and the rebuilt snapshots.
type RebuildStore interface {
	CheckpointReader
	SaveRebuildCheckpoint(ctx context.Context, cp *store.RebuildCheckpoint) error
	ClearRebuildCheckpoint(ctx context.Context) error
	DeleteAllWorks(ctx context.Context) error
	PutWorks(ctx context.Context, works []*domain.Work) error
}

// RebuildReport describes a completed rebuild.
type RebuildReport struct {
	RunID    string        `json:"run_id"`
	Resumed  bool          `json:"resumed"`
	Works    int           `json:"works"`
	Invalid  int           `json:"invalid"`
	Skipped  int           `json:"skipped_references"`
	Books    int           `json:"books_rebuilt"`
	Duration time.Duration `json:"duration"`
}

// Rebuilder reconstructs the whole index from the catalog snapshot.
type Rebuilder struct {
	engine      *Engine
	catalog     Catalog
	store       RebuildStore
	emitter     store.EventEmitter
	logger      *slog.Logger
	parallelism int

	running atomic.Bool
}

// NewRebuilder creates a rebuilder. parallelism bounds how many books are
// replaced at once.
func NewRebuilder(e *Engine, catalog Catalog, st RebuildStore, emitter store.EventEmitter, parallelism int, logger *slog.Logger) *Rebuilder {
	if emitter == nil {
		emitter = store.NewNoopEmitter()
	}
	if parallelism <= 0 {
		parallelism = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Rebuilder{
		engine:      e,
		catalog:     catalog,
		store:       st,
		emitter:     emitter,
		logger:      logger,
		parallelism: parallelism,
	}
}

// Running reports whether a rebuild is in progress.
func (r *Rebuilder) Running() bool {
	return r.running.Load()
}

// Rebuild replaces every book's records with the memberships implied by the
// catalog snapshot, then replaces the stored work snapshots.
//
// Event handling is paused for the duration. Books are independent and are
// rebuilt in parallel; each completed book is checkpointed, so a canceled or
// failed run resumes with the remaining books when the next run reads the
// same catalog. Once a book has been replaced the engine stays held after a
// failure: events are queued until a later run completes.
func (r *Rebuilder) Rebuild(ctx context.Context) (*RebuildReport, error) {
	if !r.running.CompareAndSwap(false, true) {
		return nil, errors.Conflictf("a rebuild is already running")
	}
	defer r.running.Store(false)

	start := time.Now()
	r.engine.gate.Lock()
	defer r.engine.gate.Unlock()

	cp, resumed, err := r.checkpoint(ctx)
	if err != nil {
		return nil, err
	}
	report := &RebuildReport{RunID: cp.RunID, Resumed: resumed}

	var pending []scripture.Book
	for _, b := range scripture.Books() {
		if !cp.Done(b.ID) {
			pending = append(pending, b)
		}
	}
	r.emitter.Emit(sse.NewRebuildStartedEvent(cp.RunID, len(pending), resumed))
	r.logger.Info("rebuild started",
		"run_id", cp.RunID,
		"source", cp.Source,
		"resumed", resumed,
		"books", len(pending),
	)

	works, books, err := r.stage(ctx, report)
	if err != nil {
		return nil, r.fail(report, err)
	}
	report.Works = len(works)

	r.engine.Hold()

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.parallelism)
	for _, b := range pending {
		g.Go(func() error {
			if err := r.engine.index.ReplaceBook(gctx, b.ID, books[b.ID]); err != nil {
				return fmt.Errorf("rebuild %s: %w", b.Name, err)
			}
			metrics.RebuildBooksTotal.Inc()

			mu.Lock()
			defer mu.Unlock()
			cp.Completed = append(cp.Completed, b.ID)
			report.Books++
			if err := r.store.SaveRebuildCheckpoint(gctx, cp); err != nil {
				return fmt.Errorf("checkpoint %s: %w", b.Name, err)
			}
			r.emitter.Emit(sse.NewRebuildProgressEvent(cp.RunID, b.Name, len(cp.Completed), scripture.BookCount))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, r.fail(report, err)
	}

	if err := r.store.DeleteAllWorks(ctx); err != nil {
		return nil, r.fail(report, fmt.Errorf("drop work snapshots: %w", err))
	}
	if err := r.store.PutWorks(ctx, works); err != nil {
		return nil, r.fail(report, fmt.Errorf("store work snapshots: %w", err))
	}
	if err := r.store.ClearRebuildCheckpoint(ctx); err != nil {
		r.logger.Warn("failed to clear rebuild checkpoint", "run_id", cp.RunID, "error", err)
	}
	r.engine.Release()

	report.Duration = time.Since(start)
	metrics.RebuildDuration.Observe(report.Duration.Seconds())
	r.emitter.Emit(sse.NewRebuildCompleteEvent(cp.RunID, report.Works, report.Invalid+report.Skipped, nil))
	r.logger.Info("rebuild completed",
		"run_id", cp.RunID,
		"works", report.Works,
		"books", report.Books,
		"invalid", report.Invalid,
		"skipped_references", report.Skipped,
		"duration", report.Duration,
	)
	return report, nil
}

// checkpoint resumes the saved run when it read the same catalog, and starts
// a new one otherwise.
func (r *Rebuilder) checkpoint(ctx context.Context) (*store.RebuildCheckpoint, bool, error) {
	source := r.catalog.Name()
	cp, err := r.store.GetRebuildCheckpoint(ctx)
	switch {
	case err == nil && cp.Source == source:
		return cp, true, nil
	case err == nil:
		r.logger.Info("discarding checkpoint of another catalog", "run_id", cp.RunID, "source", cp.Source)
	case !errors.Is(err, store.ErrNoCheckpoint):
		return nil, false, errors.Wrap(err, errors.CodeInternal, "read rebuild checkpoint")
	}
	now := time.Now()
	return &store.RebuildCheckpoint{
		RunID:     uuid.NewString(),
		Source:    source,
		StartedAt: now,
		UpdatedAt: now,
	}, false, nil
}

// stage reads the catalog and builds every book's records in memory.
func (r *Rebuilder) stage(ctx context.Context, report *RebuildReport) ([]*domain.Work, map[scripture.BookID]map[scripture.VerseID]*index.Record, error) {
	var works []*domain.Work
	books := make(map[scripture.BookID]map[scripture.VerseID]*index.Record)

	err := r.catalog.EachWork(ctx, func(cw *sqlite.CatalogWork) error {
		ev := domain.LifecycleEvent{
			Type:       domain.EventCreated,
			Work:       cw.Work,
			References: cw.References,
			OccurredAt: cw.Work.UpdatedAt,
		}
		if err := r.engine.Validate(ev); err != nil {
			report.Invalid++
			r.logger.Warn("skipping invalid catalog work", "work_id", cw.Work.ID, "error", err)
			return nil
		}

		w, skipped, unresolved := r.engine.resolve(ctx, ev)
		report.Skipped += len(skipped) + len(unresolved)
		for _, v := range w.Verses {
			book, _ := scripture.BookOf(v)
			records := books[book]
			if records == nil {
				records = make(map[scripture.VerseID]*index.Record)
				books[book] = records
			}
			rec := records[v]
			if rec == nil {
				rec = &index.Record{}
				records[v] = rec
			}
			rec.Add(w.ID, w.Attributes)
		}
		works = append(works, w)
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("read catalog %s: %w", r.catalog.Name(), err)
	}
	return works, books, nil
}

func (r *Rebuilder) fail(report *RebuildReport, err error) error {
	r.emitter.Emit(sse.NewRebuildCompleteEvent(report.RunID, report.Works, report.Invalid+report.Skipped, err))
	r.logger.Error("rebuild failed",
		"run_id", report.RunID,
		"books", report.Books,
		"held", r.engine.Held(),
		"error", err,
	)
	return err
}

// Recover holds the engine when an earlier rebuild left a checkpoint behind,
// since some books were replaced and the snapshots were not. Call it once at
// startup, before events are accepted.
func (e *Engine) Recover(ctx context.Context, cps CheckpointReader) error {
	cp, err := cps.GetRebuildCheckpoint(ctx)
	switch {
	case errors.Is(err, store.ErrNoCheckpoint):
		return nil
	case err != nil:
		return errors.Wrap(err, errors.CodeInternal, "read rebuild checkpoint")
	}
	e.logger.Warn("unfinished rebuild found",
		"run_id", cp.RunID,
		"source", cp.Source,
		"books_done", len(cp.Completed),
	)
	e.Hold()
	return nil
}
