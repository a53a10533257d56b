// Package di wires the coverage server's components with samber/do.
package di

import (
	"github.com/samber/do/v2"

	"github.com/versesung/coverage-server/internal/config"
	"github.com/versesung/coverage-server/internal/di/providers"
	"github.com/versesung/coverage-server/internal/engine"
	"github.com/versesung/coverage-server/internal/index"
	"github.com/versesung/coverage-server/internal/logger"
	"github.com/versesung/coverage-server/internal/service"
)

// NewContainer creates and configures the DI container with all providers.
func NewContainer() *do.RootScope {
	injector := do.New()

	// Core infrastructure
	do.Provide(injector, providers.ProvideConfig)
	do.Provide(injector, providers.ProvideLogger)

	// Persistence
	do.Provide(injector, providers.ProvideSSEManager)
	do.Provide(injector, providers.ProvideStore)
	do.Provide(injector, providers.ProvideIndex)
	do.Provide(injector, providers.ProvideCatalog)

	// Index maintenance and aggregation
	do.Provide(injector, providers.ProvideCoverageBuilder)
	do.Provide(injector, providers.ProvideEngine)
	do.Provide(injector, providers.ProvideRebuilder)

	// Business services
	do.Provide(injector, providers.ProvideCoverageService)
	do.Provide(injector, providers.ProvideWorkService)
	do.Provide(injector, providers.ProvideAdminService)

	// Workers
	do.Provide(injector, providers.ProvideReconciler)
	do.Provide(injector, providers.ProvideSpool)

	// Server
	do.Provide(injector, providers.ProvideRateLimiter)
	do.Provide(injector, providers.ProvideHTTPServer)

	return injector
}

// Bootstrap initializes every service. Providers are lazy, so this is what
// opens the store, loads the index and starts the workers and listener.
func Bootstrap(injector *do.RootScope) error {
	steps := []func(do.Injector) error{
		invoke[*config.Config],
		invoke[*logger.Logger],
		invoke[*providers.SSEManagerHandle],
		invoke[*providers.StoreHandle],
		invoke[*index.Store],
		invoke[*providers.CatalogHandle],
		invoke[*providers.BuilderHandle],
		invoke[*engine.Engine],
		invoke[*providers.RebuilderHandle],

		invoke[*service.CoverageService],
		invoke[*service.WorkService],
		invoke[*service.AdminService],

		invoke[*providers.ReconcilerHandle],
		invoke[*providers.SpoolHandle],

		invoke[*providers.RateLimiterHandle],
		invoke[*providers.HTTPServerHandle],
	}
	for _, step := range steps {
		if err := step(injector); err != nil {
			return err
		}
	}
	return nil
}

func invoke[T any](i do.Injector) error {
	_, err := do.Invoke[T](i)
	return err
}
