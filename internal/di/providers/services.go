package providers

import (
	"context"

	"github.com/samber/do/v2"

	"github.com/versesung/coverage-server/internal/config"
	"github.com/versesung/coverage-server/internal/coverage"
	"github.com/versesung/coverage-server/internal/engine"
	"github.com/versesung/coverage-server/internal/index"
	"github.com/versesung/coverage-server/internal/logger"
	"github.com/versesung/coverage-server/internal/service"
)

// BuilderHandle wraps the aggregation builder and its lazy refresh loop.
type BuilderHandle struct {
	*coverage.Builder
	cancel context.CancelFunc
	done   chan struct{}
}

// Shutdown implements do.Shutdownable.
func (h *BuilderHandle) Shutdown() error {
	h.cancel()
	<-h.done
	h.Close()
	return nil
}

// ProvideCoverageBuilder provides the aggregation view builder. In lazy
// mode its periodic refresh loop runs until shutdown.
func ProvideCoverageBuilder(i do.Injector) (*BuilderHandle, error) {
	cfg := do.MustInvoke[*config.Config](i)
	log := do.MustInvoke[*logger.Logger](i)
	idx := do.MustInvoke[*index.Store](i)
	sseHandle := do.MustInvoke[*SSEManagerHandle](i)

	builder, err := coverage.New(idx, coverage.Config{
		Mode:            coverage.Mode(cfg.Coverage.RefreshMode),
		RefreshInterval: cfg.Coverage.RefreshInterval,
	}, sseHandle.Manager, log.Component("coverage"))
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		builder.Run(ctx)
	}()

	return &BuilderHandle{Builder: builder, cancel: cancel, done: done}, nil
}

// ProvideEngine provides the index maintenance engine.
func ProvideEngine(i do.Injector) (*engine.Engine, error) {
	log := do.MustInvoke[*logger.Logger](i)
	idx := do.MustInvoke[*index.Store](i)
	storeHandle := do.MustInvoke[*StoreHandle](i)
	// The builder must be subscribed before the first event is applied.
	_ = do.MustInvoke[*BuilderHandle](i)

	e := engine.New(idx, storeHandle.Store, storeHandle.Store, log.Component("engine"))
	// A rebuild that stopped halfway keeps events queued until one completes.
	if err := e.Recover(context.Background(), storeHandle.Store); err != nil {
		return nil, err
	}
	return e, nil
}

// RebuilderHandle wraps the rebuilder. Rebuilder is nil without a catalog.
type RebuilderHandle struct {
	*engine.Rebuilder
}

// ProvideRebuilder provides the full rebuild runner over the catalog export.
func ProvideRebuilder(i do.Injector) (*RebuilderHandle, error) {
	cfg := do.MustInvoke[*config.Config](i)
	log := do.MustInvoke[*logger.Logger](i)
	e := do.MustInvoke[*engine.Engine](i)
	storeHandle := do.MustInvoke[*StoreHandle](i)
	catalogHandle := do.MustInvoke[*CatalogHandle](i)
	sseHandle := do.MustInvoke[*SSEManagerHandle](i)

	if catalogHandle.Catalog == nil {
		return &RebuilderHandle{}, nil
	}

	r := engine.NewRebuilder(
		e,
		catalogHandle.Catalog,
		storeHandle.Store,
		sseHandle.Manager,
		cfg.Coverage.RebuildParallelism,
		log.Component("rebuild"),
	)
	return &RebuilderHandle{Rebuilder: r}, nil
}

// ProvideCoverageService provides the coverage query service.
func ProvideCoverageService(i do.Injector) (*service.CoverageService, error) {
	cfg := do.MustInvoke[*config.Config](i)
	log := do.MustInvoke[*logger.Logger](i)
	builderHandle := do.MustInvoke[*BuilderHandle](i)
	idx := do.MustInvoke[*index.Store](i)

	return service.NewCoverageService(builderHandle.Builder, idx, cfg.Coverage.MaxFilterValues, log.Component("coverage")), nil
}

// ProvideWorkService provides the lifecycle event service.
func ProvideWorkService(i do.Injector) (*service.WorkService, error) {
	log := do.MustInvoke[*logger.Logger](i)
	e := do.MustInvoke[*engine.Engine](i)

	return service.NewWorkService(e, log.Component("works")), nil
}

// ProvideAdminService provides the rebuild and verification service.
func ProvideAdminService(i do.Injector) (*service.AdminService, error) {
	log := do.MustInvoke[*logger.Logger](i)
	idx := do.MustInvoke[*index.Store](i)
	rebuilderHandle := do.MustInvoke[*RebuilderHandle](i)

	return service.NewAdminService(idx, rebuilderHandle.Rebuilder, log.Component("admin")), nil
}
