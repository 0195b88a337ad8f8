package cmd

import (
	"github.com/spf13/cobra"
)

func serveCmd(n *node) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the API, replication and the verification sweep",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := n.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			return a.Run(cmd.Context())
		},
	}
}
