package main

import (
	"fmt"
	"time"

	"github.com/driftmesh/driftmesh/dtn"
	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	var outputJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Inspect the local spool",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := stateDirFromCmd(cmd)
			identity, ok, err := loadIdentity(dir)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("identity not found; run `driftmesh init`")
			}
			logger, err := loggerFromCmd(cmd)
			if err != nil {
				return err
			}
			spool, err := dtn.NewFileSpool(spoolDir(dir), dtn.FileSpoolOptions{Logger: logger})
			if err != nil {
				return err
			}
			bundles, err := spool.LoadBundles()
			if err != nil {
				return err
			}

			now := time.Now().UTC()
			var totalBytes int64
			expired := 0
			confirmations := 0
			for _, b := range bundles {
				totalBytes += b.Size()
				if b.Expired(now) {
					expired++
				}
				if b.Confirmation {
					confirmations++
				}
			}

			if outputJSON {
				return writeJSON(cmd.OutOrStdout(), map[string]any{
					"peer_id":       identity.PeerID,
					"spooled":       len(bundles),
					"spooled_bytes": totalBytes,
					"expired":       expired,
					"confirmations": confirmations,
				})
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(),
				"peer_id: %s\nspooled: %d\nspooled_bytes: %d\nexpired: %d\nconfirmations: %d\n",
				identity.PeerID, len(bundles), totalBytes, expired, confirmations)
			return nil
		},
	}
	cmd.Flags().BoolVar(&outputJSON, "json", false, "Print as JSON")
	return cmd
}
