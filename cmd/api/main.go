// Package main provides the entry point for the coverage server.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/samber/do/v2"

	"github.com/versesung/coverage-server/internal/di"
	"github.com/versesung/coverage-server/internal/logger"
)

func main() {
	injector := di.NewContainer()

	if err := di.Bootstrap(injector); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap server: %v\n", err)
		if shutdownErr := injector.Shutdown(); shutdownErr != nil {
			fmt.Fprintf(os.Stderr, "Shutdown error: %v\n", shutdownErr)
		}
		os.Exit(1)
	}

	log := do.MustInvoke[*logger.Logger](injector)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server gracefully...")

	// The container stops dependents before their dependencies: listener,
	// workers and refresh loop first, the Badger store last.
	if err := injector.Shutdown(); err != nil {
		log.Error("Shutdown error", "error", err)
	}

	log.Info("Index closed, goodbye")
}
