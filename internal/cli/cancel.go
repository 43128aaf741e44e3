package cli

import (
	"github.com/spf13/cobra"

	"github.com/rshade/subsweep/internal/engine"
)

// NewCancelCmd creates the cancel command. Cancelling stops future
// renewals; access continues until the current period ends, so no refund
// is involved.
func NewCancelCmd() *cobra.Command {
	var flags batchFlags

	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Stop future renewals for every token in the batch",
		Example: `  # Cancel every token in the export
  subsweep cancel --input tokens.csv --service-account key.json --package-name com.example.app

  # Rehearse first
  subsweep cancel --input tokens.csv --dry-run

  # Resumable run: re-running skips tokens already cancelled
  subsweep cancel --input tokens.csv --service-account key.json \
    --package-name com.example.app --checkpoint-success ok.txt --checkpoint-failed bad.txt`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBatch(cmd, engine.ModeCancel, &flags, batchOptions{})
		},
	}

	addBatchFlags(cmd, &flags)
	return cmd
}
