// Package engine translates catalog lifecycle events into verse index
// mutations.
//
// Each event is resolved into a post-change snapshot of the work, diffed
// three ways against the last stored snapshot (verses removed, verses added,
// verses kept under changed attributes) and applied as one atomic index
// batch together with the new snapshot. Events for the same work are
// serialized; different works proceed in parallel.
package engine

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/versesung/coverage-server/internal/domain"
	"github.com/versesung/coverage-server/internal/errors"
	"github.com/versesung/coverage-server/internal/index"
	"github.com/versesung/coverage-server/internal/metrics"
	"github.com/versesung/coverage-server/internal/scripture"
	"github.com/versesung/coverage-server/internal/store"
	"github.com/versesung/coverage-server/internal/validation"
)

// SnapshotReader returns the last stored snapshot of a work, or
// store.ErrWorkNotFound. DeletedAt returns the time of the work's tombstone,
// zero when there is none.
type SnapshotReader interface {
	GetWork(ctx context.Context, workID string) (*domain.Work, error)
	DeletedAt(ctx context.Context, workID string) (time.Time, error)
}

// ReconcileQueue holds events whose application was rolled back.
type ReconcileQueue interface {
	PutReconcile(ctx context.Context, e *store.ReconcileEntry) error
	DeleteReconcile(ctx context.Context, workID string) error
	ListReconcile(ctx context.Context) ([]*store.ReconcileEntry, error)
}

// Outcome is what happened to one event.
type Outcome string

const (
	OutcomeApplied Outcome = "applied"
	OutcomeNoop    Outcome = "noop"
	OutcomeStale   Outcome = "stale"
	OutcomeQueued  Outcome = "queued"
	OutcomeInvalid Outcome = "invalid"
	OutcomeFailed  Outcome = "failed"
)

// Result describes a handled event.
type Result struct {
	WorkID       string              `json:"work_id"`
	Outcome      Outcome             `json:"outcome"`
	Added        int                 `json:"added"`
	Removed      int                 `json:"removed"`
	Reclassified int                 `json:"reclassified"`
	Skipped      []scripture.VerseID `json:"skipped,omitempty"`
	Unresolved   []string            `json:"unresolved,omitempty"`
	Books        []scripture.BookID  `json:"books,omitempty"`
}

// Engine applies lifecycle events to the verse index.
type Engine struct {
	index     *index.Store
	snapshots SnapshotReader
	queue     ReconcileQueue
	validator *validation.Validator
	logger    *slog.Logger
	now       func() time.Time

	// gate is held shared by event handling and exclusively by rebuilds.
	gate    sync.RWMutex
	locks   keyedMutex
	pending *SyncMap[string, struct{}]

	// held is set from the first book a rebuild replaces until a rebuild
	// completes. Records and snapshots disagree in between.
	held atomic.Bool
}

// New creates an engine. A nil queue turns consistency failures into
// errors returned to the caller instead of queued retries.
func New(idx *index.Store, snapshots SnapshotReader, queue ReconcileQueue, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		index:     idx,
		snapshots: snapshots,
		queue:     queue,
		validator: validation.New(),
		logger:    logger,
		now:       time.Now,
		pending:   NewSyncMap[string, struct{}](),
	}
}

// Index returns the store the engine writes to.
func (e *Engine) Index() *index.Store {
	return e.index
}

// Hold stops applying events until Release. Events that arrive meanwhile
// fail with a consistency error and are queued for reconciliation.
func (e *Engine) Hold() {
	if !e.held.Swap(true) {
		e.logger.Warn("event ingestion held until a rebuild completes")
	}
}

// Release resumes applying events.
func (e *Engine) Release() {
	if e.held.Swap(false) {
		e.logger.Info("event ingestion resumed")
	}
}

// Held reports whether events are being held back.
func (e *Engine) Held() bool {
	return e.held.Load()
}

// deleteEvent is what a delete must carry: the work id and nothing else.
type deleteEvent struct {
	Type domain.EventType `json:"type" validate:"required,oneof=created updated deleted"`
	Work struct {
		ID string `json:"id" validate:"required,max=128"`
	} `json:"work"`
}

// Validate checks an event before it touches the index.
func (e *Engine) Validate(ev domain.LifecycleEvent) error {
	if ev.Type == domain.EventDeleted {
		var d deleteEvent
		d.Type = ev.Type
		d.Work.ID = ev.Work.ID
		return e.validator.Validate(d)
	}
	return e.validator.Validate(ev)
}

// Handle validates and applies one lifecycle event.
//
// A rolled back application is queued for reconciliation and reported as
// OutcomeQueued with a nil error; the caller's request is not blocked on the
// retry. Without a queue the consistency error is returned.
func (e *Engine) Handle(ctx context.Context, ev domain.LifecycleEvent) (Result, error) {
	if err := e.Validate(ev); err != nil {
		metrics.EventsTotal.WithLabelValues(string(ev.Type), string(OutcomeInvalid)).Inc()
		return Result{WorkID: ev.Work.ID, Outcome: OutcomeInvalid}, err
	}

	start := time.Now()
	e.gate.RLock()
	res, err := e.process(ctx, ev)
	e.gate.RUnlock()
	metrics.ObserveSince(metrics.ApplyDuration, start)

	switch {
	case err == nil:
		e.clearPending(ctx, ev.Work.ID)
	case errors.Is(err, errors.ErrConsistency):
		metrics.ConsistencyErrorsTotal.Inc()
		if qerr := e.enqueue(ctx, ev, err); qerr == nil {
			res.Outcome = OutcomeQueued
			err = nil
		} else {
			res.Outcome = OutcomeFailed
		}
	default:
		res.Outcome = OutcomeFailed
	}

	metrics.EventsTotal.WithLabelValues(string(ev.Type), string(res.Outcome)).Inc()
	return res, err
}

// process applies ev. Callers hold the gate.
func (e *Engine) process(ctx context.Context, ev domain.LifecycleEvent) (Result, error) {
	id := ev.Work.ID
	res := Result{WorkID: id}
	if e.held.Load() {
		return res, errors.Consistencyf("rebuild incomplete, %s held until a rebuild completes", id)
	}

	next, skipped, unresolved := e.resolve(ctx, ev)
	res.Skipped = skipped
	res.Unresolved = unresolved

	unlock := e.locks.Lock(id)
	defer unlock()

	prev, err := e.snapshot(ctx, id)
	if err != nil {
		return res, err
	}

	// A deleted work has no snapshot; its tombstone orders later events.
	var seen time.Time
	if prev != nil {
		seen = prev.UpdatedAt
	} else if seen, err = e.snapshots.DeletedAt(ctx, id); err != nil {
		return res, errors.Wrapf(err, errors.CodeInternal, "load tombstone of %s", id)
	}
	if !ev.OccurredAt.IsZero() && ev.OccurredAt.Before(seen) {
		e.logger.Info("dropping stale event",
			"work_id", id,
			"type", ev.Type,
			"occurred_at", ev.OccurredAt,
			"snapshot_at", seen,
			"deleted", prev == nil,
		)
		res.Outcome = OutcomeStale
		return res, nil
	}

	var batch index.Batch
	if ev.Type == domain.EventDeleted {
		last := prev
		if last == nil {
			last = next
		}
		batch = index.Batch{Ops: Diff(last, nil), DeleteWork: id, DeletedAt: next.UpdatedAt}
		if prev == nil && len(last.Verses) == 0 {
			// Nothing indexed, but the tombstone still orders a late create.
			if _, err := e.index.Apply(ctx, batch); err != nil {
				return res, err
			}
			res.Outcome = OutcomeNoop
			return res, nil
		}
	} else {
		if prev != nil && sameSnapshot(prev, next) {
			res.Outcome = OutcomeNoop
			return res, nil
		}
		batch = index.Batch{Ops: Diff(prev, next), Work: next}
	}

	applied, err := e.index.Apply(ctx, batch)
	if err != nil {
		return res, err
	}
	res.Outcome = OutcomeApplied
	res.Added = applied.Added
	res.Removed = applied.Removed
	res.Reclassified = applied.Reclassified
	res.Books = applied.Books

	metrics.MutationsTotal.WithLabelValues(index.OpAdd.String()).Add(float64(applied.Added))
	metrics.MutationsTotal.WithLabelValues(index.OpRemove.String()).Add(float64(applied.Removed))
	metrics.MutationsTotal.WithLabelValues(index.OpReclassify.String()).Add(float64(applied.Reclassified))

	e.logger.LogAttrs(ctx, slog.LevelDebug, "event applied",
		slog.String("work_id", id),
		slog.String("type", string(ev.Type)),
		slog.Int("added", applied.Added),
		slog.Int("removed", applied.Removed),
		slog.Int("reclassified", applied.Reclassified),
	)
	return res, nil
}

func (e *Engine) snapshot(ctx context.Context, id string) (*domain.Work, error) {
	w, err := e.snapshots.GetWork(ctx, id)
	switch {
	case err == nil:
		return w, nil
	case errors.Is(err, store.ErrWorkNotFound):
		return nil, nil
	default:
		return nil, errors.Wrapf(err, errors.CodeInternal, "load snapshot of %s", id)
	}
}

// resolve builds the post-change snapshot: attributes normalized, textual
// references parsed and merged, ids outside the canonical table dropped.
func (e *Engine) resolve(ctx context.Context, ev domain.LifecycleEvent) (*domain.Work, []scripture.VerseID, []string) {
	next := ev.Work.Clone()
	next.Attributes = next.Attributes.Normalize()
	next.UpdatedAt = ev.OccurredAt
	if next.UpdatedAt.IsZero() {
		next.UpdatedAt = e.now()
	}

	var unresolved []string
	for _, ref := range ev.References {
		ids, err := scripture.ParseVerses(ref)
		if err != nil {
			unresolved = append(unresolved, ref)
			e.referential(ctx, next.ID, errors.Referentialf("unresolvable reference %q", ref).WithCause(err))
			continue
		}
		next.Verses = append(next.Verses, ids...)
	}

	var skipped []scripture.VerseID
	verses := make([]scripture.VerseID, 0, len(next.Verses))
	for _, v := range next.Verses {
		if !scripture.Valid(v) {
			skipped = append(skipped, v)
			e.referential(ctx, next.ID, errors.Referentialf("verse %d is outside the canonical table", v))
			continue
		}
		verses = append(verses, v)
	}
	slices.Sort(verses)
	next.Verses = slices.Compact(verses)
	return next, skipped, unresolved
}

func (e *Engine) referential(ctx context.Context, workID string, err error) {
	metrics.ReferentialErrorsTotal.Inc()
	e.logger.LogAttrs(ctx, slog.LevelWarn, "skipping scripture reference",
		slog.String("work_id", workID),
		slog.String("error", err.Error()),
	)
}

// sameSnapshot reports whether applying next over prev would change nothing
// worth persisting.
func sameSnapshot(prev, next *domain.Work) bool {
	a, b := prev.Attributes, next.Attributes
	return a.LyricOrigin == b.LyricOrigin &&
		a.MusicOrigin == b.MusicOrigin &&
		a.Continuity == b.Continuity &&
		a.Adherence == b.Adherence &&
		a.Translation == b.Translation &&
		slices.Equal(a.Genres, b.Genres) &&
		slices.Equal(prev.Verses, next.Verses)
}

// Diff returns the index operations that turn prev's memberships into
// next's, ordered by verse. A nil prev diffs against nothing (create); a nil
// next removes every verse of prev (delete). Both verse lists must be sorted
// and duplicate free, as resolved snapshots are.
//
// Verses only in prev are removed, verses only in next are added with next's
// attributes, and verses in both are reclassified when the attributes
// changed. Kept verses are never removed and re-added.
func Diff(prev, next *domain.Work) []index.Op {
	var prevVerses, nextVerses []scripture.VerseID
	var id string
	if prev != nil {
		prevVerses, id = prev.Verses, prev.ID
	}
	if next != nil {
		nextVerses, id = next.Verses, next.ID
	}
	reclassify := prev != nil && next != nil && !prev.Attributes.Equal(next.Attributes)

	var ops []index.Op
	i, j := 0, 0
	for i < len(prevVerses) || j < len(nextVerses) {
		switch {
		case j == len(nextVerses) || (i < len(prevVerses) && prevVerses[i] < nextVerses[j]):
			ops = append(ops, index.Op{Kind: index.OpRemove, Verse: prevVerses[i], Work: id})
			i++
		case i == len(prevVerses) || nextVerses[j] < prevVerses[i]:
			ops = append(ops, index.Op{Kind: index.OpAdd, Verse: nextVerses[j], Work: id, Attrs: next.Attributes})
			j++
		default:
			if reclassify {
				ops = append(ops, index.Op{
					Kind:  index.OpReclassify,
					Verse: nextVerses[j],
					Work:  id,
					Old:   prev.Attributes,
					Attrs: next.Attributes,
				})
			}
			i++
			j++
		}
	}
	return ops
}

// enqueue persists ev for background reconciliation.
func (e *Engine) enqueue(ctx context.Context, ev domain.LifecycleEvent, cause error) error {
	if e.queue == nil {
		return cause
	}
	now := e.now()
	entry := &store.ReconcileEntry{
		WorkID:        ev.Work.ID,
		Event:         ev,
		LastError:     cause.Error(),
		EnqueuedAt:    now,
		NextAttemptAt: now,
	}
	// The triggering request may already be gone.
	if err := e.queue.PutReconcile(context.WithoutCancel(ctx), entry); err != nil {
		e.logger.Error("failed to queue work for reconciliation",
			"work_id", ev.Work.ID,
			"cause", cause,
			"error", err,
		)
		return cause
	}
	e.pending.Store(ev.Work.ID, struct{}{})
	e.logger.Warn("event not applied, queued for reconciliation",
		"work_id", ev.Work.ID,
		"error", cause,
	)
	return nil
}

// clearPending drops a queued retry superseded by a successful event.
func (e *Engine) clearPending(ctx context.Context, workID string) {
	if _, ok := e.pending.Load(workID); !ok {
		return
	}
	if err := e.queue.DeleteReconcile(context.WithoutCancel(ctx), workID); err != nil {
		e.logger.Warn("failed to clear superseded reconcile entry", "work_id", workID, "error", err)
		return
	}
	e.pending.Delete(workID)
}
