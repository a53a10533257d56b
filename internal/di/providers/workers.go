package providers

import (
	"context"

	"github.com/samber/do/v2"

	"github.com/versesung/coverage-server/internal/config"
	"github.com/versesung/coverage-server/internal/engine"
	"github.com/versesung/coverage-server/internal/logger"
	"github.com/versesung/coverage-server/internal/ratelimit"
	"github.com/versesung/coverage-server/internal/service"
	"github.com/versesung/coverage-server/internal/watcher"
)

// ReconcilerHandle wraps the background retry loop for rolled back events.
type ReconcilerHandle struct {
	*engine.Reconciler
	cancel context.CancelFunc
	done   chan struct{}
}

// Shutdown implements do.Shutdownable.
func (h *ReconcilerHandle) Shutdown() error {
	h.cancel()
	<-h.done
	return nil
}

// ProvideReconciler starts the reconcile queue worker.
func ProvideReconciler(i do.Injector) (*ReconcilerHandle, error) {
	cfg := do.MustInvoke[*config.Config](i)
	log := do.MustInvoke[*logger.Logger](i)
	e := do.MustInvoke[*engine.Engine](i)

	r := engine.NewReconciler(e, engine.ReconcilerConfig{
		MaxAttempts: cfg.Coverage.ReconcileAttempts,
	}, log.Component("reconcile"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Run(ctx)
	}()

	return &ReconcilerHandle{Reconciler: r, cancel: cancel, done: done}, nil
}

// SpoolHandle wraps the spool directory watcher. Spool is nil when no
// spool path is configured.
type SpoolHandle struct {
	*watcher.Spool
	cancel context.CancelFunc
	done   chan struct{}
}

// Shutdown implements do.Shutdownable.
func (h *SpoolHandle) Shutdown() error {
	if h.Spool == nil {
		return nil
	}
	h.cancel()
	<-h.done
	return nil
}

// ProvideSpool starts ingesting event files dropped by the Song Catalog.
func ProvideSpool(i do.Injector) (*SpoolHandle, error) {
	cfg := do.MustInvoke[*config.Config](i)
	log := do.MustInvoke[*logger.Logger](i)
	works := do.MustInvoke[*service.WorkService](i)

	if cfg.Catalog.SpoolPath == "" {
		log.Info("No spool directory configured - HTTP ingestion only")
		return &SpoolHandle{}, nil
	}

	spool, err := watcher.NewSpool(cfg.Catalog.SpoolPath, works, watcher.Options{}, log.Component("watcher"))
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := spool.Run(ctx); err != nil {
			log.Error("Spool watcher stopped", "error", err)
		}
	}()

	return &SpoolHandle{Spool: spool, cancel: cancel, done: done}, nil
}

// RateLimiterHandle wraps the per-client query limiter. Limiter is nil
// when rate limiting is disabled.
type RateLimiterHandle struct {
	*ratelimit.KeyedRateLimiter
}

// Shutdown implements do.Shutdownable.
func (h *RateLimiterHandle) Shutdown() error {
	if h.KeyedRateLimiter != nil {
		h.Stop()
	}
	return nil
}

// ProvideRateLimiter provides the coverage query limiter.
func ProvideRateLimiter(i do.Injector) (*RateLimiterHandle, error) {
	cfg := do.MustInvoke[*config.Config](i)

	if cfg.RateLimit.RPS <= 0 {
		return &RateLimiterHandle{}, nil
	}
	return &RateLimiterHandle{
		KeyedRateLimiter: ratelimit.New(cfg.RateLimit.RPS, cfg.RateLimit.Burst),
	}, nil
}
