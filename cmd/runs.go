package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/coursepilot/internal/observability"
)

// newRunsCmd lists recent runs from the ledger.
func newRunsCmd(opts *options) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent runs recorded in the database ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			url := cfg.Database().URL
			if url == "" {
				return fmt.Errorf("database.url is not configured")
			}

			ledger, closeLedger, err := openLedger(cmd.Context(), url, observability.GetLogger())
			if err != nil {
				return err
			}
			defer closeLedger()

			runs, err := ledger.RecentRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "STARTED\tOUTCOME\tITERATIONS\tPROVIDER\tCOURSE")
			for _, r := range runs {
				outcome := r.Outcome
				switch {
				case outcome == "":
					outcome = r.State
				case r.FatalKind != "":
					outcome += "(" + r.FatalKind + ")"
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
					r.StartedAt.Local().Format(time.DateTime), outcome, r.Iterations, r.Provider, r.CourseURL)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to show")
	return cmd
}
