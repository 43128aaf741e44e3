package cli

import (
	"github.com/spf13/cobra"

	"github.com/rshade/subsweep/internal/engine"
)

// NewRevokeCmd creates the revoke command. Revoking terminates access
// immediately and issues a prorated refund, so the batch must carry the
// subscription_state column a validate pass produces; inputs without it
// are refused before any remote call.
func NewRevokeCmd() *cobra.Command {
	var (
		flags          batchFlags
		skipValidation bool
	)

	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke subscriptions immediately with a prorated refund",
		Example: `  # Revoke a validate run's eligible output
  subsweep revoke --input outputs/01H.../eligible_for_revoke_01H....csv --service-account key.json

  # Rehearse first
  subsweep revoke --input eligible.csv --dry-run`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBatch(cmd, engine.ModeRevoke, &flags, batchOptions{
				skipRevokeGuard: skipValidation,
			})
		},
	}

	addBatchFlags(cmd, &flags)
	cmd.Flags().BoolVar(&skipValidation, "skip-validation-check", false,
		"revoke inputs that did not come from a validate run (refunds are irreversible; use with care)")

	return cmd
}
