package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/paw-chain/custody/capture"
	"github.com/paw-chain/custody/integrity"
	"github.com/paw-chain/custody/ledger"
)

func listCmd(n *node) *cobra.Command {
	var (
		filter   ledger.Filter
		from, to string
		asJSON   bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List evidence blocks in chain order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			if filter.From, err = parseTime(from); err != nil {
				return err
			}
			if filter.To, err = parseTime(to); err != nil {
				return err
			}

			a, err := n.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			summaries, err := a.Ledger.List(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd, summaries)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "INDEX\tINCIDENT\tTYPE\tCREATED\tDIGEST\tINCOMPLETE")
			for _, s := range summaries {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%t\n",
					s.BlockIndex, s.IncidentID, s.IncidentType,
					integrity.FormatTime(s.CreatedAt), s.ArtifactDigest[:16], s.Incomplete)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&filter.IncidentType, "type", "", "only this incident type")
	cmd.Flags().StringVar(&filter.IncidentID, "incident-id", "", "only this incident")
	cmd.Flags().StringVar(&from, "from", "", "created at or after (RFC3339)")
	cmd.Flags().StringVar(&to, "to", "", "created at or before (RFC3339)")
	cmd.Flags().IntVar(&filter.Limit, "limit", 100, "maximum blocks listed")
	cmd.Flags().IntVar(&filter.Offset, "offset", 0, "blocks skipped")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: %w", s, err)
	}
	return t, nil
}

func showCmd(n *node) *cobra.Command {
	return &cobra.Command{
		Use:   "show [incident-id]",
		Short: "Show an incident with its blocks and blob references",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := n.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			record, err := a.Ledger.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, record)
		},
	}
}

func reportCmd(n *node) *cobra.Command {
	return &cobra.Command{
		Use:   "report [incident-id]",
		Short: "Render a human-readable incident report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := n.open(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			record, err := a.Ledger.Get(ctx, args[0])
			if err != nil {
				return err
			}
			snapshots, err := capture.LoadSnapshots(ctx, a.Store, record)
			if err != nil {
				return err
			}
			return capture.WriteReport(cmd.OutOrStdout(), record, snapshots)
		},
	}
}
