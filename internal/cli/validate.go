package cli

import (
	"github.com/spf13/cobra"

	"github.com/rshade/subsweep/internal/engine"
)

// NewValidateCmd creates the validate command: a read-only pass that
// records each token's current subscription state and partitions the batch
// into eligible / ineligible for revoke. The eligible CSV feeds straight
// into a revoke run.
func NewValidateCmd() *cobra.Command {
	var (
		flags            batchFlags
		eligibleOutput   string
		ineligibleOutput string
		logResponse      bool
	)

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check subscription state and partition tokens by revoke eligibility",
		Example: `  # Validate every token in the export
  subsweep validate --input tokens.csv --service-account key.json --package-name com.example.app

  # Spot-check a uniform sample of 100 rows
  subsweep validate --input tokens.csv --service-account key.json \
    --package-name com.example.app --sample-size 100

  # Keep full API responses in the audit log
  subsweep validate --input tokens.csv --service-account key.json \
    --package-name com.example.app --log-response`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := configFrom(cmd)
			if cmd.Flags().Changed("eligible-output") {
				cfg.Paths.EligibleOutput = eligibleOutput
			}
			if cmd.Flags().Changed("ineligible-output") {
				cfg.Paths.IneligibleOutput = ineligibleOutput
			}
			return runBatch(cmd, engine.ModeValidate, &flags, batchOptions{
				logResponse: logResponse,
			})
		},
	}

	addBatchFlags(cmd, &flags)
	cmd.Flags().StringVar(&eligibleOutput, "eligible-output", "", "CSV of revoke-eligible tokens (default outputs/<run-id>/eligible_for_revoke_<run-id>.csv)")
	cmd.Flags().StringVar(&ineligibleOutput, "ineligible-output", "", "CSV of ineligible tokens (default outputs/<run-id>/ineligible_<run-id>.csv)")
	cmd.Flags().BoolVar(&logResponse, "log-response", false, "attach full API response bodies to audit entries")

	return cmd
}
