package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/paw-chain/custody/integrity"
)

func sitesCmd(n *node) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "sites",
		Short: "Show replica sites as last persisted by replication",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := n.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			sites, err := a.Ledger.Sites(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd, sites)
			}

			tip := a.Ledger.Tip()
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SITE\tENDPOINT\tSTATUS\tSYNCED\tLAG\tFAILURES\tLAST SYNC")
			for _, s := range sites {
				lastSync := "-"
				if !s.LastSyncAt.IsZero() {
					lastSync = integrity.FormatTime(s.LastSyncAt)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
					s.SiteID, s.Endpoint, s.Status, s.LastSyncedIndex, s.Lag(tip), s.ConsecutiveFailures, lastSync)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func statsCmd(n *node) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show chain length and evidence store usage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := n.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			stats, err := a.Store.Stats(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]any{
				"tip":      a.Ledger.Tip(),
				"evidence": stats,
			})
		},
	}
}
