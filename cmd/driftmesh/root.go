package main

import "github.com/spf13/cobra"

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "driftmesh",
		Short: "Delay-tolerant store-and-forward mesh node",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_, err := resolveLogLevel(cmd)
			return err
		},
	}
	cmd.PersistentFlags().String("dir", defaultStateDir(), "State directory")
	cmd.PersistentFlags().String("log-level", "info", "Log level: debug|info|warn|error")

	cmd.AddCommand(newInitCmd())
	cmd.AddCommand(newIDCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newSendCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newVersionCmd())
	return cmd
}
