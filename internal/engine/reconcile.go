package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/versesung/coverage-server/internal/errors"
	"github.com/versesung/coverage-server/internal/metrics"
	"github.com/versesung/coverage-server/internal/store"
)

// ReconcilerConfig tunes the retry loop.
type ReconcilerConfig struct {
	Interval    time.Duration
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultReconcilerConfig returns the settings used when none are given.
func DefaultReconcilerConfig() ReconcilerConfig {
	return ReconcilerConfig{
		Interval:    10 * time.Second,
		MaxAttempts: 8,
		BaseDelay:   time.Second,
		MaxDelay:    5 * time.Minute,
	}
}

// Reconciler retries rolled back events from the reconcile queue. A retry
// re-diffs the work's stored snapshot against the queued event, so a retry
// that lands after a newer event succeeded is dropped as stale.
type Reconciler struct {
	engine *Engine
	cfg    ReconcilerConfig
	logger *slog.Logger
}

// NewReconciler creates a reconciler for e's queue.
func NewReconciler(e *Engine, cfg ReconcilerConfig, logger *slog.Logger) *Reconciler {
	def := DefaultReconcilerConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = max(def.MaxDelay, cfg.BaseDelay)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{engine: e, cfg: cfg, logger: logger}
}

// ReconcileStats summarises one pass over the queue.
type ReconcileStats struct {
	Queued    int `json:"queued"`
	Succeeded int `json:"succeeded"`
	Retrying  int `json:"retrying"`
	GaveUp    int `json:"gave_up"`
}

// Run retries due entries every interval until ctx is canceled.
func (r *Reconciler) Run(ctx context.Context) {
	if r.engine.queue == nil {
		return
	}
	r.loadPending(ctx)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("reconcile pass failed", "error", err)
			}
		}
	}
}

// loadPending marks queued works so a successful event clears their entry.
func (r *Reconciler) loadPending(ctx context.Context) {
	entries, err := r.engine.queue.ListReconcile(ctx)
	if err != nil {
		r.logger.Warn("failed to read reconcile queue", "error", err)
		return
	}
	for _, e := range entries {
		r.engine.pending.Store(e.WorkID, struct{}{})
	}
	metrics.ReconcileQueueDepth.Set(float64(len(entries)))
	if len(entries) > 0 {
		r.logger.Info("reconcile queue loaded", "entries", len(entries))
	}
}

// RunOnce retries every entry whose next attempt is due.
func (r *Reconciler) RunOnce(ctx context.Context) (ReconcileStats, error) {
	var stats ReconcileStats
	q := r.engine.queue
	if q == nil {
		return stats, nil
	}

	entries, err := q.ListReconcile(ctx)
	if err != nil {
		return stats, errors.Wrap(err, errors.CodeInternal, "list reconcile queue")
	}
	stats.Queued = len(entries)
	// Held entries wait for the rebuild without spending attempts.
	if r.engine.Held() {
		stats.Retrying = len(entries)
		return stats, nil
	}

	now := r.engine.now()
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if entry.NextAttemptAt.After(now) {
			continue
		}
		switch r.retry(ctx, entry) {
		case "ok":
			stats.Succeeded++
		case "retry":
			stats.Retrying++
		case "gave_up":
			stats.GaveUp++
		}
	}

	metrics.ReconcileQueueDepth.Set(float64(stats.Queued - stats.Succeeded - stats.GaveUp))
	return stats, nil
}

func (r *Reconciler) retry(ctx context.Context, entry *store.ReconcileEntry) string {
	e := r.engine
	e.gate.RLock()
	res, err := e.process(ctx, entry.Event)
	e.gate.RUnlock()

	entry.Attempts++
	switch {
	case err == nil:
		r.logger.Info("work reconciled",
			"work_id", entry.WorkID,
			"attempts", entry.Attempts,
			"outcome", res.Outcome,
		)
		r.finish(ctx, entry.WorkID)
		metrics.ReconcileTotal.WithLabelValues("ok").Inc()
		return "ok"

	case errors.Is(err, errors.ErrConsistency) && entry.Attempts < r.cfg.MaxAttempts:
		entry.LastError = err.Error()
		entry.NextAttemptAt = e.now().Add(r.backoff(entry.Attempts))
		if perr := e.queue.PutReconcile(ctx, entry); perr != nil {
			r.logger.Error("failed to reschedule reconciliation", "work_id", entry.WorkID, "error", perr)
		}
		metrics.ReconcileTotal.WithLabelValues("retry").Inc()
		return "retry"

	default:
		r.logger.Error("giving up on work reconciliation",
			"work_id", entry.WorkID,
			"attempts", entry.Attempts,
			"enqueued_at", entry.EnqueuedAt,
			"error", err,
		)
		r.finish(ctx, entry.WorkID)
		metrics.ReconcileTotal.WithLabelValues("gave_up").Inc()
		return "gave_up"
	}
}

func (r *Reconciler) finish(ctx context.Context, workID string) {
	if err := r.engine.queue.DeleteReconcile(ctx, workID); err != nil {
		r.logger.Warn("failed to drop reconcile entry", "work_id", workID, "error", err)
		return
	}
	r.engine.pending.Delete(workID)
}

// backoff doubles the base delay per attempt up to the cap.
func (r *Reconciler) backoff(attempts int) time.Duration {
	d := r.cfg.BaseDelay
	for i := 1; i < attempts && d < r.cfg.MaxDelay; i++ {
		d *= 2
	}
	return min(d, r.cfg.MaxDelay)
}
