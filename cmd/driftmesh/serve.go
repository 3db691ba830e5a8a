package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/driftmesh/driftmesh/dtn"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var listenAddrs []string
	var peerAddrs []string
	var peerIDs []string
	var strategyName string
	var lifetime time.Duration
	var outputJSON bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the mesh node and route bundles",
		RunE: func(cmd *cobra.Command, args []string) error {
			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			dir := stateDirFromCmd(cmd)
			identity, _, err := ensureIdentity(dir, time.Now().UTC())
			if err != nil {
				return err
			}
			logger, err := loggerFromCmd(cmd)
			if err != nil {
				return err
			}
			cfg, err := configFromFlags(strategyName, lifetime)
			if err != nil {
				return err
			}

			node, err := dtn.NewNode(identity, dtn.NodeOptions{
				ListenAddrs: listenAddrs,
				Logger:      logger,
			})
			if err != nil {
				return err
			}
			defer node.Close()

			spool, err := dtn.NewFileSpool(spoolDir(dir), dtn.FileSpoolOptions{Logger: logger})
			if err != nil {
				return err
			}
			engine, err := dtn.NewEngine(node.PeerID(), cfg, node, dtn.EngineOptions{
				Spool:  spool,
				Logger: logger,
				OnDeliver: func(b *dtn.Bundle) {
					logger.Info("payload received",
						"bundle_id", string(b.ID),
						"source", string(b.Source),
						"bytes", len(b.Payload))
				},
			})
			if err != nil {
				return err
			}
			engine.Start(runCtx)
			defer engine.Close()

			addrs := node.AddrStrings()
			if outputJSON {
				_ = writeJSON(cmd.OutOrStdout(), map[string]any{
					"status":    "serving",
					"peer_id":   identity.PeerID,
					"addresses": addrs,
				})
			} else {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "status: serving\npeer_id: %s\n", identity.PeerID)
				for _, addr := range addrs {
					_, _ = fmt.Fprintf(cmd.OutOrStdout(), "listen: %s\n", addr)
				}
			}

			for i, addr := range peerAddrs {
				peerID := ""
				if i < len(peerIDs) {
					peerID = peerIDs[i]
				}
				if peerID == "" {
					logger.Warn("skipping --peer-addr without matching --peer-id", "addr", addr)
					continue
				}
				if err := node.Connect(runCtx, peerID, []string{addr}); err != nil {
					logger.Warn("initial peer dial failed", "peer_id", peerID, "err", err)
				}
			}

			<-runCtx.Done()
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&listenAddrs, "listen", nil, "Listen multiaddrs")
	cmd.Flags().StringSliceVar(&peerAddrs, "peer-addr", nil, "Bootstrap peer multiaddrs")
	cmd.Flags().StringSliceVar(&peerIDs, "peer-id", nil, "Bootstrap peer IDs, matched by position with --peer-addr")
	cmd.Flags().StringVar(&strategyName, "strategy", "", "Routing strategy: store-and-forward|epidemic|spray-and-wait")
	cmd.Flags().DurationVar(&lifetime, "lifetime", 0, "Default bundle lifetime")
	cmd.Flags().BoolVar(&outputJSON, "json", false, "Print as JSON")
	return cmd
}
