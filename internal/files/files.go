// Package files holds small file-system helpers shared by the hub and the dataset writers.
package files

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// Exists returns true if the path exists (file or directory).
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// IsDir returns true if path exists and is a directory.
func IsDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// ReplaceTildeInDir replaces a leading "~" with the user's home directory.
func ReplaceTildeInDir(dir string) string {
	if dir != "~" && !strings.HasPrefix(dir, "~/") {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return dir
	}
	return filepath.Join(home, strings.TrimPrefix(dir, "~"))
}

// WriteAtomically creates path through a temporary sibling file, and renames it into place only
// if fn succeeds. Parent directories are created as needed.
func WriteAtomically(path string, fn func(f *os.File) error) (err error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrapf(err, "failed to create directory for %q", path)
		}
	}
	tmpPath := path + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return errors.Wrapf(err, "failed to create temporary file %q", tmpPath)
	}
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(tmpPath)
		}
	}()
	if err = fn(f); err != nil {
		return err
	}
	if err = f.Close(); err != nil {
		return errors.Wrapf(err, "failed to close %q", tmpPath)
	}
	if err = os.Rename(tmpPath, path); err != nil {
		return errors.Wrapf(err, "failed to move %q to %q", tmpPath, path)
	}
	return nil
}
