package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/versesung/coverage-server/internal/engine"
	"github.com/versesung/coverage-server/internal/store/sqlite"
)

// NewRebuildCommand creates the rebuild command.
func NewRebuildCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild",
		Short: "Rebuild the index from the Song Catalog export",
		Long: `Reconstruct every verse record and work snapshot from the catalog export.

An interrupted rebuild resumes from its checkpoint: books completed by the
previous run are not rebuilt again.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRebuild(cmd, rootOpts)
		},
	}
}

func runRebuild(cmd *cobra.Command, opts *RootOptions) error {
	ctx := cmd.Context()
	log := opts.logger(cmd)

	cfg, err := opts.loadConfig()
	if err != nil {
		return WrapExitError(ExitCommandError, "load config", err)
	}
	if cfg.Catalog.SQLitePath == "" {
		return NewExitError(ExitCommandError, "no catalog export configured (use --catalog)")
	}

	catalog, err := sqlite.Open(cfg.Catalog.SQLitePath, log)
	if err != nil {
		return WrapExitError(ExitCommandError, "open catalog", err)
	}
	defer catalog.Close()

	st, idx, err := openIndex(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer st.Close()

	e := engine.New(idx, st, st, log)
	report, err := engine.NewRebuilder(e, catalog, st, nil, cfg.Coverage.RebuildParallelism, log).Rebuild(ctx)
	if err != nil {
		return WrapExitError(ExitFailure, "rebuild", err)
	}

	return opts.formatter(cmd).Emit(report, func(w io.Writer) error {
		resumed := ""
		if report.Resumed {
			resumed = " (resumed)"
		}
		_, err := fmt.Fprintf(w,
			"Rebuild %s complete%s\n  works:   %d\n  invalid: %d\n  skipped references: %d\n  books:   %d\n  took:    %s\n",
			report.RunID, resumed, report.Works, report.Invalid, report.Skipped, report.Books, report.Duration)
		return err
	})
}
