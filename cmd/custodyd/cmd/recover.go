package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/paw-chain/custody/recovery"
)

func recoverCmd(n *node) *cobra.Command {
	var exclude []string
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Restore missing blocks from the best reachable replica",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := n.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if a.Recovery == nil {
				return fmt.Errorf("no replica sites configured")
			}
			cp, err := a.Recovery.Recover(cmd.Context(), recovery.Options{ExcludeSites: exclude})
			if err != nil {
				return err
			}
			if cp.SourceSiteID == "" {
				fmt.Fprintln(cmd.OutOrStdout(), "local chain is up to date")
				return nil
			}
			return printJSON(cmd, cp)
		},
	}
	cmd.Flags().StringSliceVar(&exclude, "exclude", nil, "site ids never used as source")
	return cmd
}
