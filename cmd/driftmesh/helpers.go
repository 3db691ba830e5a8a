package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/driftmesh/driftmesh/dtn"
	"github.com/driftmesh/driftmesh/internal/fsstore"
	"github.com/spf13/cobra"
)

const identityFileName = "identity.json"

func defaultStateDir() string {
	if v := strings.TrimSpace(os.Getenv("DRIFTMESH_DIR")); v != "" {
		return expandHomePath(v)
	}
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return ".driftmesh"
	}
	return filepath.Join(home, ".driftmesh")
}

func expandHomePath(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return path
	}
	if path == "~" {
		home, err := os.UserHomeDir()
		if err == nil {
			return home
		}
		return path
	}
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~/"))
		}
	}
	return path
}

func stateDirFromCmd(cmd *cobra.Command) string {
	dir, _ := cmd.Flags().GetString("dir")
	dir = strings.TrimSpace(dir)
	if dir == "" {
		dir = defaultStateDir()
	}
	return expandHomePath(dir)
}

func spoolDir(stateDir string) string {
	return filepath.Join(stateDir, "spool")
}

func identityPath(stateDir string) string {
	return filepath.Join(stateDir, identityFileName)
}

// loadIdentity reads the stored identity, reporting absence via ok.
// Only this process writes the identity file, so the decode is strict:
// unknown fields mean the file is not ours.
func loadIdentity(stateDir string) (dtn.Identity, bool, error) {
	var identity dtn.Identity
	ok, err := fsstore.ReadJSONStrict(identityPath(stateDir), &identity)
	if err != nil {
		return dtn.Identity{}, false, err
	}
	if !ok || strings.TrimSpace(identity.PeerID) == "" {
		return dtn.Identity{}, false, nil
	}
	return identity, true, nil
}

// ensureIdentity loads the identity, generating and persisting one on
// first use. The second return value reports whether it was created.
func ensureIdentity(stateDir string, now time.Time) (dtn.Identity, bool, error) {
	identity, ok, err := loadIdentity(stateDir)
	if err != nil {
		return dtn.Identity{}, false, err
	}
	if ok {
		return identity, false, nil
	}
	identity, err = dtn.GenerateIdentity(now)
	if err != nil {
		return dtn.Identity{}, false, err
	}
	if err := fsstore.WriteJSONAtomic(identityPath(stateDir), identity, fsstore.FileOptions{}); err != nil {
		return dtn.Identity{}, false, err
	}
	return identity, true, nil
}

func resolveLogLevel(cmd *cobra.Command) (slog.Level, error) {
	raw, _ := cmd.Flags().GetString("log-level")
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid --log-level %q (use debug|info|warn|error)", raw)
	}
}

func loggerFromCmd(cmd *cobra.Command) (*slog.Logger, error) {
	level, err := resolveLogLevel(cmd)
	if err != nil {
		return nil, err
	}
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})), nil
}

func configFromFlags(strategyName string, lifetime time.Duration) (dtn.Config, error) {
	cfg := dtn.Config{DefaultLifetime: lifetime}
	if name := strings.TrimSpace(strategyName); name != "" {
		strategy, ok := dtn.ParseStrategy(name)
		if !ok {
			return dtn.Config{}, fmt.Errorf("invalid --strategy %q (use store-and-forward|epidemic|spray-and-wait)", strategyName)
		}
		cfg.Strategy = strategy
	}
	return cfg, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
