package file

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

const appDirPerm os.FileMode = 0o750

// EnsureDir creates the directory if it does not exist.
func EnsureDir(dirPath string) error {
	if dirPath == "" {
		return errors.New("empty dir path")
	}
	if err := os.MkdirAll(dirPath, appDirPerm); err != nil { //nolint:gosec // app-owned data dir
		return fmt.Errorf("ensure dir: %w", err)
	}
	return nil
}

// WriteJSONAtomic marshals v as indented JSON and atomically replaces filename.
func WriteJSONAtomic(filename string, v any) error {
	_, err := writeAtomic(filename, func(w io.Writer) (int64, error) {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(v); err != nil {
			return 0, fmt.Errorf("encode json: %w", err)
		}
		return 0, nil
	})
	return err
}

// CopyAtomic streams reader into filename and returns the number of bytes
// written. A partially written file is never visible under filename.
func CopyAtomic(filename string, reader io.Reader) (int64, error) {
	return writeAtomic(filename, func(w io.Writer) (int64, error) {
		n, err := io.Copy(w, reader)
		if err != nil {
			return n, fmt.Errorf("copy to temp: %w", err)
		}
		return n, nil
	})
}

// writeAtomic writes through a temp file in the target directory, syncs it
// and renames it over filename.
func writeAtomic(filename string, write func(io.Writer) (int64, error)) (int64, error) {
	if filename == "" {
		return 0, errors.New("empty filename")
	}
	dir := filepath.Dir(filename)
	if err := EnsureDir(dir); err != nil {
		return 0, err
	}

	tempFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return 0, fmt.Errorf("create temp: %w", err)
	}
	tmpName := tempFile.Name()
	fail := func(err error) (int64, error) {
		_ = tempFile.Close()
		_ = os.Remove(tmpName)
		return 0, err
	}

	written, err := write(tempFile)
	if err != nil {
		return fail(err)
	}
	// ensure data hits disk
	if err := tempFile.Sync(); err != nil {
		return fail(fmt.Errorf("sync temp: %w", err))
	}
	if err := tempFile.Close(); err != nil {
		_ = os.Remove(tmpName)
		return 0, fmt.Errorf("close temp: %w", err)
	}

	// remove existing file to avoid permission issues on Windows
	if _, err := os.Stat(filename); err == nil {
		_ = os.Remove(filename)
	}
	if err := os.Rename(tmpName, filename); err != nil {
		_ = os.Remove(tmpName)
		return 0, fmt.Errorf("rename temp: %w", err)
	}
	return written, nil
}
