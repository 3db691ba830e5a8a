package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newInitCmd() *cobra.Command {
	var outputJSON bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize the local node identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := stateDirFromCmd(cmd)
			identity, created, err := ensureIdentity(dir, time.Now().UTC())
			if err != nil {
				return err
			}
			if outputJSON {
				return writeJSON(cmd.OutOrStdout(), map[string]any{
					"created": created,
					"peer_id": identity.PeerID,
					"dir":     dir,
				})
			}
			state := "existing"
			if created {
				state = "created"
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "state: %s\npeer_id: %s\ndir: %s\n", state, identity.PeerID, dir)
			return nil
		},
	}
	cmd.Flags().BoolVar(&outputJSON, "json", false, "Print as JSON")
	return cmd
}
