package providers

import (
	"context"
	"fmt"

	"github.com/samber/do/v2"

	"github.com/versesung/coverage-server/internal/config"
	"github.com/versesung/coverage-server/internal/index"
	"github.com/versesung/coverage-server/internal/logger"
	"github.com/versesung/coverage-server/internal/sse"
	"github.com/versesung/coverage-server/internal/store"
	"github.com/versesung/coverage-server/internal/store/sqlite"
)

// SSEManagerHandle wraps the SSE manager with its context for lifecycle management.
type SSEManagerHandle struct {
	*sse.Manager
	cancel context.CancelFunc
}

// Shutdown implements do.Shutdownable.
func (h *SSEManagerHandle) Shutdown() error {
	h.cancel()
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return h.Manager.Shutdown(ctx)
}

// ProvideSSEManager provides the server-sent events manager.
func ProvideSSEManager(i do.Injector) (*SSEManagerHandle, error) {
	log := do.MustInvoke[*logger.Logger](i)

	manager := sse.NewManager(log.Component("sse"))

	ctx, cancel := context.WithCancel(context.Background())
	go manager.Start(ctx)

	return &SSEManagerHandle{
		Manager: manager,
		cancel:  cancel,
	}, nil
}

// StoreHandle wraps the store with shutdown capability.
type StoreHandle struct {
	*store.Store
}

// Shutdown implements do.Shutdownable.
func (h *StoreHandle) Shutdown() error {
	return h.Close()
}

// ProvideStore provides the Badger store holding verse records, work
// snapshots, the rebuild checkpoint and the reconcile queue.
func ProvideStore(i do.Injector) (*StoreHandle, error) {
	cfg := do.MustInvoke[*config.Config](i)
	log := do.MustInvoke[*logger.Logger](i)
	sseHandle := do.MustInvoke[*SSEManagerHandle](i)

	dbPath := cfg.Data.IndexPath()
	db, err := store.New(dbPath, log.Component("store"), sseHandle.Manager)
	if err != nil {
		return nil, err
	}

	return &StoreHandle{Store: db}, nil
}

// ProvideIndex provides the in-memory verse index, restored from the store.
func ProvideIndex(i do.Injector) (*index.Store, error) {
	log := do.MustInvoke[*logger.Logger](i)
	storeHandle := do.MustInvoke[*StoreHandle](i)

	idx := index.New(storeHandle.Store, log.Component("index"))

	repaired, err := idx.Load(context.Background())
	if err != nil {
		return nil, fmt.Errorf("load verse index: %w", err)
	}
	records, _ := storeHandle.CountRecords()
	works, _ := storeHandle.CountWorks()
	log.Info("Verse index loaded",
		"records", records,
		"works", works,
		"repaired", repaired,
	)

	return idx, nil
}

// CatalogHandle wraps the Song Catalog export. Catalog is nil when no
// export is configured.
type CatalogHandle struct {
	*sqlite.Catalog
}

// Shutdown implements do.Shutdownable.
func (h *CatalogHandle) Shutdown() error {
	if h.Catalog == nil {
		return nil
	}
	return h.Close()
}

// ProvideCatalog opens the Song Catalog SQLite export used by rebuilds.
func ProvideCatalog(i do.Injector) (*CatalogHandle, error) {
	cfg := do.MustInvoke[*config.Config](i)
	log := do.MustInvoke[*logger.Logger](i)

	if cfg.Catalog.SQLitePath == "" {
		log.Info("No catalog export configured - rebuilds disabled")
		return &CatalogHandle{}, nil
	}

	catalog, err := sqlite.Open(cfg.Catalog.SQLitePath, log.Component("catalog"))
	if err != nil {
		return nil, err
	}
	return &CatalogHandle{Catalog: catalog}, nil
}
