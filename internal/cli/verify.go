package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/versesung/coverage-server/internal/service"
)

// NewVerifyCommand creates the verify command.
func NewVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check every verse record's invariants",
		Long: `Walk every verse record and check that each classification set is a
subset of the verse's full membership and that no set holds duplicates.

Exits 1 when any violation is found.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runVerify(cmd, rootOpts)
		},
	}
}

func runVerify(cmd *cobra.Command, opts *RootOptions) error {
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

	report := service.NewAdminService(idx, nil, log).Verify()

	err = opts.formatter(cmd).Emit(report, func(w io.Writer) error {
		fmt.Fprintf(w, "Referenced verses: %d\nAssociations:      %d\n",
			report.Stats.ReferencedVerses, report.Stats.Associations)
		if report.OK {
			_, err := fmt.Fprintln(w, "All invariants hold")
			return err
		}
		for _, v := range report.Violations {
			fmt.Fprintf(w, "  %s: %s\n", v.Ref, v.Problem)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if !report.OK {
		return NewExitError(ExitFailure, fmt.Sprintf("%d invariant violations", len(report.Violations)))
	}
	return nil
}
