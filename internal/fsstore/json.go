package fsstore

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
)

// readFile loads a file's bytes, reporting a missing or empty file via
// the boolean instead of an error.
func readFile(path string) ([]byte, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read json %s: %w", path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, false, nil
	}
	return data, true, nil
}

// ReadJSON decodes a JSON file into out. Unknown fields are tolerated,
// which keeps spool files readable across schema additions.
func ReadJSON(path string, out any) (bool, error) {
	normalizedPath, err := normalizePath(path)
	if err != nil {
		return false, err
	}
	data, ok, err := readFile(normalizedPath)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("%w: decode %s: %v", ErrDecodeFailed, normalizedPath, err)
	}
	return true, nil
}

// ReadJSONStrict decodes a JSON file into out, rejecting unknown fields
// and trailing data. Used for files this process alone writes, such as
// the node identity, where any divergence means corruption.
func ReadJSONStrict(path string, out any) (bool, error) {
	normalizedPath, err := normalizePath(path)
	if err != nil {
		return false, err
	}
	data, ok, err := readFile(normalizedPath)
	if err != nil || !ok {
		return false, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return false, fmt.Errorf("%w: decode %s: %v", ErrDecodeFailed, normalizedPath, err)
	}
	var trailing struct{}
	if err := dec.Decode(&trailing); err != io.EOF {
		return false, fmt.Errorf("%w: decode %s: trailing data", ErrDecodeFailed, normalizedPath)
	}
	return true, nil
}

// WriteJSONAtomic writes v as indented JSON with the temp-and-rename
// discipline of writeAtomic.
func WriteJSONAtomic(path string, v any, opts FileOptions) error {
	normalizedPath, err := normalizePath(path)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encode %s: %v", ErrEncodeFailed, normalizedPath, err)
	}
	data = append(data, '\n')
	return writeAtomic(normalizedPath, data, opts)
}
