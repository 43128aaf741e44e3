package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/rshade/subsweep/internal/report"
)

// NewReportCmd creates the report command, which summarizes a finished
// run's JSONL audit log.
func NewReportCmd() *cobra.Command {
	var (
		csvOutput    string
		failuresOnly bool
	)

	cmd := &cobra.Command{
		Use:   "report <audit-log.jsonl>",
		Short: "Summarize a run's audit log",
		Args:  cobra.ExactArgs(1),
		Example: `  # Outcome counts and failure breakdowns
  subsweep report logs/01H.../cancel_01H....jsonl

  # Export only the failures as CSV, ready to re-run
  subsweep report logs/01H.../cancel_01H....jsonl --csv failures.csv --failures-only`,
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, malformed, err := report.LoadFile(args[0])
			if err != nil {
				return err
			}

			if csvOutput != "" {
				f, err := os.Create(csvOutput)
				if err != nil {
					return err
				}
				defer f.Close()
				return report.WriteCSV(f, entries, failuresOnly)
			}

			return report.Summarize(entries, malformed).Render(cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&csvOutput, "csv", "", "write entries as CSV to this path instead of printing a summary")
	cmd.Flags().BoolVar(&failuresOnly, "failures-only", false, "restrict CSV export to failed entries")

	return cmd
}
