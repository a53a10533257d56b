package cli

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/versesung/coverage-server/internal/coverage"
	"github.com/versesung/coverage-server/internal/index"
	"github.com/versesung/coverage-server/internal/service"
)

// NewInspectCommand creates the inspect command.
func NewInspectCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <reference>",
		Short: "Show the works indexed against a passage",
		Long: `Print the membership record of every verse in a reference such as
"Jude 1:24-25", "Ps 23" or "1 John 3:16".`,
		Example: `  coverctl inspect "Jude 1:24-25"
  coverctl inspect --format json "Ps 23"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(cmd, rootOpts, strings.Join(args, " "))
		},
	}
}

func runInspect(cmd *cobra.Command, opts *RootOptions, ref string) error {
	ctx := cmd.Context()
	log := opts.logger(cmd)

	cfg, err := opts.loadConfig()
	if err != nil {
		return WrapExitError(ExitCommandError, "load config", err)
	}

	st, idx, err := openIndex(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer st.Close()

	builder, err := coverage.New(idx, coverage.Config{Mode: coverage.Lazy}, nil, log)
	if err != nil {
		return WrapExitError(ExitCommandError, "build aggregates", err)
	}
	defer builder.Close()

	verses, err := service.NewCoverageService(builder, idx, cfg.Coverage.MaxFilterValues, log).Verses(ctx, ref)
	if err != nil {
		return WrapExitError(ExitCommandError, "inspect", err)
	}

	return opts.formatter(cmd).Emit(verses, func(w io.Writer) error {
		for _, v := range verses {
			if v.Record.Empty() {
				fmt.Fprintf(w, "%-16s -\n", v.Ref)
				continue
			}
			fmt.Fprintf(w, "%-16s %s\n", v.Ref, strings.Join(v.Record.All, ", "))
			writeSets(w, v.Record)
		}
		return nil
	})
}

func writeSets(w io.Writer, r *index.Record) {
	line := func(name string, s index.Set) {
		if len(s) > 0 {
			fmt.Fprintf(w, "  %-22s %s\n", name, strings.Join(s, ", "))
		}
	}
	line("lyrics ai", r.LyricAI)
	line("lyrics human", r.LyricHuman)
	line("music ai", r.MusicAI)
	line("music human", r.MusicHuman)
	line("continuous", r.Continuous)
	line("non-continuous", r.NonContinuous)
	for _, a := range slices.Sorted(maps.Keys(r.Adherence)) {
		line(string(a), r.Adherence[a])
	}
	for _, g := range slices.Sorted(maps.Keys(r.Genres)) {
		line("genre "+g, r.Genres[g])
	}
	for _, t := range slices.Sorted(maps.Keys(r.Translations)) {
		line("translation "+t, r.Translations[t])
	}
}
