package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/paw-chain/custody/capture"
	"github.com/paw-chain/custody/types"
)

func captureCmd(n *node) *cobra.Command {
	var (
		incidentID string
		source     string
		pairs      []string
	)
	cmd := &cobra.Command{
		Use:   "capture [incident-type]",
		Short: "Capture a snapshot and append it to the ledger",
		Example: `  custodyd capture lims --context sample=A-17
  custodyd capture lims --incident-id INC-20240101-0001`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fields := make(map[string]any, len(pairs))
			for _, pair := range pairs {
				key, value, ok := strings.Cut(pair, "=")
				if !ok || key == "" {
					return fmt.Errorf("invalid context %q, want key=value", pair)
				}
				fields[key] = value
			}

			a, err := n.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			result, err := a.Agent.Capture(cmd.Context(), capture.Trigger{
				IncidentID:    incidentID,
				IncidentType:  args[0],
				TriggerSource: types.TriggerSource(source),
				Context:       fields,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd, result)
		},
	}
	cmd.Flags().StringVar(&incidentID, "incident-id", "", "append to an existing incident")
	cmd.Flags().StringVar(&source, "source", string(types.TriggerManual), "trigger source (manual|webhook|alert|scheduled)")
	cmd.Flags().StringSliceVar(&pairs, "context", nil, "key=value pairs recorded with the snapshot")
	return cmd
}
