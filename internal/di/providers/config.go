// Package providers contains dependency injection providers for the coverage server.
package providers

import (
	"github.com/samber/do/v2"

	"github.com/versesung/coverage-server/internal/config"
	"github.com/versesung/coverage-server/internal/logger"
)

// ProvideConfig provides the application configuration.
func ProvideConfig(i do.Injector) (*config.Config, error) {
	return config.LoadConfig()
}

// ProvideLogger provides the structured logger.
func ProvideLogger(i do.Injector) (*logger.Logger, error) {
	cfg := do.MustInvoke[*config.Config](i)

	log := logger.New(logger.Config{
		Level:       logger.ParseLevel(cfg.Logger.Level),
		Format:      cfg.Logger.Format,
		AddSource:   cfg.App.Environment == "development",
		Environment: cfg.App.Environment,
	})

	log.Info("Starting coverage server",
		"version", Version,
		"environment", cfg.App.Environment,
		"log_level", cfg.Logger.Level,
		"data_path", cfg.Data.BasePath,
		"refresh_mode", cfg.Coverage.RefreshMode,
		"catalog_path", cfg.Catalog.SQLitePath,
		"spool_path", cfg.Catalog.SpoolPath,
	)

	return log, nil
}
