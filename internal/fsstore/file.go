package fsstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var (
	ErrEncodeFailed = errors.New("fsstore: encode failed")
	ErrDecodeFailed = errors.New("fsstore: decode failed")
	ErrInvalidPath  = errors.New("fsstore: invalid path")
)

// FileOptions controls permissions of written files. Zero values fall
// back to 0o600 files in 0o700 directories.
type FileOptions struct {
	FileMode os.FileMode
	DirMode  os.FileMode
}

func (o FileOptions) fileMode() os.FileMode {
	if o.FileMode == 0 {
		return 0o600
	}
	return o.FileMode
}

func (o FileOptions) dirMode() os.FileMode {
	if o.DirMode == 0 {
		return 0o700
	}
	return o.DirMode
}

func normalizePath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	return filepath.Clean(trimmed), nil
}

// EnsureDir creates the directory and any missing parents.
func EnsureDir(path string, mode os.FileMode) error {
	normalizedPath, err := normalizePath(path)
	if err != nil {
		return err
	}
	if mode == 0 {
		mode = 0o700
	}
	if err := os.MkdirAll(normalizedPath, mode); err != nil {
		return fmt.Errorf("ensure dir %s: %w", normalizedPath, err)
	}
	return nil
}

// Remove deletes a file, treating a missing file as success.
func Remove(path string) error {
	normalizedPath, err := normalizePath(path)
	if err != nil {
		return err
	}
	if err := os.Remove(normalizedPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", normalizedPath, err)
	}
	return nil
}

// ListDir returns the names of regular files in a directory with the
// given suffix. A missing directory yields an empty list.
func ListDir(path string, suffix string) ([]string, error) {
	normalizedPath, err := normalizePath(path)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(normalizedPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list dir %s: %w", normalizedPath, err)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if suffix != "" && !strings.HasSuffix(name, suffix) {
			continue
		}
		names = append(names, name)
	}
	return names, nil
}

// writeAtomic writes data to a temp file in the target directory and
// renames it into place, so readers never observe a torn file.
func writeAtomic(path string, data []byte, opts FileOptions) error {
	dir := filepath.Dir(path)
	if err := EnsureDir(dir, opts.dirMode()); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}
	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("write temp for %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("sync temp for %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp for %s: %w", path, err)
	}
	if err := os.Chmod(tmpName, opts.fileMode()); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("chmod temp for %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename temp for %s: %w", path, err)
	}
	return nil
}
