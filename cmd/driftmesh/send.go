package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/driftmesh/driftmesh/dtn"
	"github.com/spf13/cobra"
)

func newSendCmd() *cobra.Command {
	var destPeerID string
	var destAddrs []string
	var payloadFile string
	var priorityName string
	var lifetime time.Duration
	var waitTimeout time.Duration
	var outputJSON bool
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Submit a bundle to a peer",
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
			if strings.TrimSpace(destPeerID) == "" {
				return fmt.Errorf("--to is required")
			}
			priority, ok := dtn.ParsePriority(priorityName)
			if !ok && strings.TrimSpace(priorityName) != "" {
				return fmt.Errorf("invalid --priority %q (use low|normal|high|critical)", priorityName)
			}
			payload, err := readPayload(payloadFile)
			if err != nil {
				return err
			}

			node, err := dtn.NewNode(identity, dtn.NodeOptions{DialOnly: true, Logger: logger})
			if err != nil {
				return err
			}
			defer node.Close()

			spool, err := dtn.NewFileSpool(spoolDir(dir), dtn.FileSpoolOptions{Logger: logger})
			if err != nil {
				return err
			}
			confirmed := make(chan dtn.DeliveryEvent, 1)
			engine, err := dtn.NewEngine(node.PeerID(), dtn.Config{DefaultLifetime: lifetime}, node, dtn.EngineOptions{
				Spool:  spool,
				Logger: logger,
				OnDelivered: func(ev dtn.DeliveryEvent) {
					select {
					case confirmed <- ev:
					default:
					}
				},
			})
			if err != nil {
				return err
			}
			engine.Start(cmd.Context())
			defer engine.Close()

			if len(destAddrs) > 0 {
				if err := node.Connect(cmd.Context(), destPeerID, destAddrs); err != nil {
					logger.Warn("dial failed, bundle will be spooled", "peer_id", destPeerID, "err", err)
				}
			}

			id, err := engine.Submit(cmd.Context(), dtn.PeerID(destPeerID), payload, priority, lifetime)
			if err != nil {
				return err
			}

			status := "spooled"
			select {
			case <-confirmed:
				status = "delivered"
			case <-time.After(waitTimeout):
			case <-cmd.Context().Done():
			}

			if outputJSON {
				return writeJSON(cmd.OutOrStdout(), map[string]any{
					"bundle_id": string(id),
					"status":    status,
					"to":        destPeerID,
					"bytes":     len(payload),
				})
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "bundle_id: %s\nstatus: %s\n", string(id), status)
			return nil
		},
	}
	cmd.Flags().StringVar(&destPeerID, "to", "", "Destination peer ID")
	cmd.Flags().StringSliceVar(&destAddrs, "address", nil, "Dial multiaddrs for the destination or a relay")
	cmd.Flags().StringVar(&payloadFile, "payload", "-", "Payload file, - for stdin")
	cmd.Flags().StringVar(&priorityName, "priority", "normal", "Priority: low|normal|high|critical")
	cmd.Flags().DurationVar(&lifetime, "lifetime", 0, "Bundle lifetime")
	cmd.Flags().DurationVar(&waitTimeout, "wait", 10*time.Second, "How long to wait for a delivery confirmation")
	cmd.Flags().BoolVar(&outputJSON, "json", false, "Print as JSON")
	return cmd
}

func readPayload(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}
