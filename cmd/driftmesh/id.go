package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newIDCmd() *cobra.Command {
	var outputJSON bool
	cmd := &cobra.Command{
		Use:   "id",
		Short: "Print the local peer ID",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := stateDirFromCmd(cmd)
			identity, ok, err := loadIdentity(dir)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("identity not found; run `driftmesh init`")
			}
			if outputJSON {
				return writeJSON(cmd.OutOrStdout(), map[string]any{
					"peer_id":    identity.PeerID,
					"created_at": identity.CreatedAt,
				})
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "peer_id: %s\n", identity.PeerID)
			return nil
		},
	}
	cmd.Flags().BoolVar(&outputJSON, "json", false, "Print as JSON")
	return cmd
}
