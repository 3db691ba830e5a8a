package dtn

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"

	"github.com/driftmesh/driftmesh/internal/fsstore"
)

const spoolFileVersion = 1

var spoolIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// spoolFile is the on-disk schema for one spooled bundle.
type spoolFile struct {
	Version int         `json:"version"`
	Bundle  *wireBundle `json:"bundle"`
}

// FileSpool persists bundles as one JSON file per bundle under a spool
// directory, written atomically so a crash never leaves a torn file.
type FileSpool struct {
	dir    string
	logger *slog.Logger
}

// FileSpoolOptions configures NewFileSpool.
type FileSpoolOptions struct {
	Logger *slog.Logger
}

// NewFileSpool opens (and creates if needed) a spool directory.
func NewFileSpool(dir string, opts FileSpoolOptions) (*FileSpool, error) {
	if err := fsstore.EnsureDir(dir, 0); err != nil {
		return nil, fmt.Errorf("open spool: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &FileSpool{dir: dir, logger: logger}, nil
}

func (s *FileSpool) pathFor(id BundleID) (string, error) {
	if !spoolIDPattern.MatchString(string(id)) {
		return "", fmt.Errorf("invalid bundle id %q", id)
	}
	return filepath.Join(s.dir, string(id)+".json"), nil
}

// SaveBundle writes or overwrites the bundle's spool file.
func (s *FileSpool) SaveBundle(b *Bundle) error {
	path, err := s.pathFor(b.ID)
	if err != nil {
		return err
	}
	file := spoolFile{Version: spoolFileVersion, Bundle: encodeBundle(b)}
	if err := fsstore.WriteJSONAtomic(path, file, fsstore.FileOptions{}); err != nil {
		return fmt.Errorf("save bundle %s: %w", b.ID, err)
	}
	return nil
}

// DeleteBundle removes the bundle's spool file. Deleting a bundle that
// was never spooled is not an error.
func (s *FileSpool) DeleteBundle(id BundleID) error {
	path, err := s.pathFor(id)
	if err != nil {
		return err
	}
	if err := fsstore.Remove(path); err != nil {
		return fmt.Errorf("delete bundle %s: %w", id, err)
	}
	return nil
}

// LoadBundles reads every spooled bundle. Files that fail to decode are
// logged and skipped so one corrupt file cannot block startup.
func (s *FileSpool) LoadBundles() ([]*Bundle, error) {
	names, err := fsstore.ListDir(s.dir, ".json")
	if err != nil {
		return nil, fmt.Errorf("load spool: %w", err)
	}
	bundles := make([]*Bundle, 0, len(names))
	for _, name := range names {
		path := filepath.Join(s.dir, name)
		var file spoolFile
		ok, err := fsstore.ReadJSON(path, &file)
		if err != nil || !ok {
			s.logger.Warn("skipping unreadable spool file", "path", path, "err", err)
			continue
		}
		if file.Version != spoolFileVersion {
			s.logger.Warn("skipping spool file with unknown version", "path", path, "version", file.Version)
			continue
		}
		b, err := decodeBundle(file.Bundle)
		if err != nil {
			s.logger.Warn("skipping corrupt spool file", "path", path, "err", err)
			continue
		}
		bundles = append(bundles, b)
	}
	return bundles, nil
}
