// Package cli implements coverctl, the offline admin tool for the coverage
// index. Commands open the Badger directory directly, so the server must
// not be running against the same data path.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"

	"github.com/versesung/coverage-server/internal/config"
	"github.com/versesung/coverage-server/internal/index"
	"github.com/versesung/coverage-server/internal/logger"
	"github.com/versesung/coverage-server/internal/store"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath  string
	DataPath    string
	CatalogPath string
	Format      string // "json" | "text"
	Verbose     bool
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the coverctl root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "coverctl",
		Short: "Offline administration of the scripture coverage index",
		Long: `coverctl rebuilds, verifies and inspects the scripture coverage index,
and seeds Song Catalog exports for testing.

Configuration is read the same way the server reads it: flags, environment,
.env and the YAML file given with --config.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "YAML config file")
	cmd.PersistentFlags().StringVar(&opts.DataPath, "data-path", "", "index data directory")
	cmd.PersistentFlags().StringVar(&opts.CatalogPath, "catalog", "", "Song Catalog SQLite export")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "log progress to stderr")

	cmd.AddCommand(NewRebuildCommand(opts))
	cmd.AddCommand(NewVerifyCommand(opts))
	cmd.AddCommand(NewInspectCommand(opts))
	cmd.AddCommand(NewSeedCommand(opts))

	return cmd
}

// loadConfig resolves the server configuration with the global flags
// layered on top.
func (o *RootOptions) loadConfig() (*config.Config, error) {
	var args []string
	if o.ConfigPath != "" {
		args = append(args, "-config", o.ConfigPath)
	}
	if o.DataPath != "" {
		args = append(args, "-data-path", o.DataPath)
	}
	if o.CatalogPath != "" {
		args = append(args, "-catalog-path", o.CatalogPath)
	}
	return config.Load(args)
}

// logger writes to stderr so JSON output on stdout stays parseable.
func (o *RootOptions) logger(cmd *cobra.Command) *slog.Logger {
	level := slog.LevelWarn
	if o.Verbose {
		level = slog.LevelDebug
	}
	return logger.New(logger.Config{
		Writer: cmd.ErrOrStderr(),
		Format: "pretty",
		Level:  level,
	}).Logger
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{Format: o.Format, Writer: cmd.OutOrStdout()}
}

// openIndex opens the Badger store under cfg and loads the verse index.
// The caller closes the returned store.
func openIndex(ctx context.Context, cfg *config.Config, log *slog.Logger) (*store.Store, *index.Store, error) {
	st, err := store.New(cfg.Data.IndexPath(), log, nil)
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "open index", err)
	}
	idx := index.New(st, log)
	repaired, err := idx.Load(ctx)
	if err != nil {
		st.Close()
		return nil, nil, WrapExitError(ExitCommandError, "load index", err)
	}
	if repaired > 0 {
		log.Warn("repaired duplicate memberships while loading", "records", repaired)
	}
	return st, idx, nil
}

// OutputFormatter writes command results as text or JSON.
type OutputFormatter struct {
	Format string
	Writer io.Writer
}

// Emit writes v as indented JSON, or calls text in text mode.
func (f *OutputFormatter) Emit(v any, text func(w io.Writer) error) error {
	if f.Format == "json" {
		return writeJSON(f.Writer, v)
	}
	return text(f.Writer)
}
