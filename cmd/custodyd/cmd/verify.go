package cmd

import (
	errorsmod "cosmossdk.io/errors"
	"github.com/spf13/cobra"

	"github.com/paw-chain/custody/types"
)

func verifyCmd(n *node) *cobra.Command {
	var (
		from, to   uint64
		incidentID string
	)
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Recompute the hash chain and blob digests",
		Long: `Verify the whole chain, a block range (--from/--to) or one incident. The report
is printed either way; the command fails when any finding is reported.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := n.open(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			var report types.VerificationReport
			switch {
			case incidentID != "":
				report, err = a.Verifier.VerifyIncident(ctx, incidentID)
			case cmd.Flags().Changed("from") || cmd.Flags().Changed("to"):
				if !cmd.Flags().Changed("to") {
					to = a.Ledger.Tip().LastIndex
				}
				report, err = a.Verifier.Verify(ctx, from, to)
			default:
				report, err = a.Verifier.VerifyAll(ctx)
			}
			if err != nil {
				return err
			}
			if err := printJSON(cmd, report); err != nil {
				return err
			}
			if !report.Verified {
				return errorsmod.Wrapf(types.ErrTamperDetected, "%d findings in blocks %v", len(report.Findings), report.AffectedBlocks())
			}
			return nil
		},
	}
	cmd.Flags().Uint64Var(&from, "from", 0, "first block index")
	cmd.Flags().Uint64Var(&to, "to", 0, "last block index, the tip when unset")
	cmd.Flags().StringVar(&incidentID, "incident-id", "", "verify one incident")
	return cmd
}
