// Package store provides atomic, file-backed JSON persistence for the
// daemon's authoritative state. Every write is temp-file-then-rename and
// every file carries mode 0600, matching the file layout in section 6 of
// the daemon's external interface contract.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/undoable/undoable/internal/common/logger"
	"go.uber.org/zap"
)

// ErrUnsupportedVersion is returned when a persisted file's version field
// is higher than this binary knows how to read.
type ErrUnsupportedVersion struct {
	Path    string
	Version int
	Max     int
}

func (e *ErrUnsupportedVersion) Error() string {
	return fmt.Sprintf("%s: unsupported version %d (max supported %d)", e.Path, e.Version, e.Max)
}

// Root resolves the daemon's state directory, honoring UNDOABLE_HOME for
// tests and alternate deployments, defaulting to ~/.undoable.
func Root() (string, error) {
	if dir := os.Getenv("UNDOABLE_HOME"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".undoable"), nil
}

// EnsureRoot creates the daemon state directory (and canvas/instructions/logs
// subdirectories) if they do not already exist.
func EnsureRoot() (string, error) {
	root, err := Root()
	if err != nil {
		return "", err
	}
	for _, sub := range []string{"", "canvas", "instructions", "logs"} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0700); err != nil {
			return "", fmt.Errorf("create state directory %s: %w", sub, err)
		}
	}
	return root, nil
}

// File is a single JSON document persisted atomically at path, with a
// logger for reporting (never panicking on) write failures per the fatal
// infrastructure error handling rule.
type File struct {
	path string
	log  *logger.Logger
}

// NewFile returns a File bound to path. path should be absolute; callers
// typically join it against Root().
func NewFile(path string, log *logger.Logger) *File {
	if log == nil {
		log = logger.Default()
	}
	return &File{path: path, log: log}
}

// Path returns the backing file path.
func (f *File) Path() string {
	return f.path
}

// Load unmarshals the file's contents into v. A missing file is not an
// error; v is left untouched so callers can seed defaults beforehand.
func (f *File) Load(v interface{}) (exists bool, err error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("read %s: %w", f.path, err)
	}
	if len(data) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return true, fmt.Errorf("unmarshal %s: %w", f.path, err)
	}
	return true, nil
}

// Save marshals v to JSON and writes it atomically: encode to a temp file
// in the same directory, fsync, then rename over the destination. Mode is
// fixed at 0600.
func (f *File) Save(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", f.path, err)
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", f.path, err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file for %s: %w", f.path, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp file for %s: %w", f.path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file for %s: %w", f.path, err)
	}
	if err := os.Chmod(tmpPath, 0600); err != nil {
		return fmt.Errorf("chmod temp file for %s: %w", f.path, err)
	}
	if err := os.Rename(tmpPath, f.path); err != nil {
		return fmt.Errorf("rename temp file to %s: %w", f.path, err)
	}
	return nil
}

// SaveReported calls Save and, on failure, logs an error-level message
// and returns the error instead of panicking: persistence failures must
// never crash the daemon (section 7, fatal infrastructure errors).
func (f *File) SaveReported(v interface{}) error {
	if err := f.Save(v); err != nil {
		f.log.Error("persistence write failed", zap.String("path", f.path), zap.Error(err))
		return err
	}
	return nil
}

// CheckVersion returns ErrUnsupportedVersion if version exceeds max.
func CheckVersion(path string, version, max int) error {
	if version > max {
		return &ErrUnsupportedVersion{Path: path, Version: version, Max: max}
	}
	return nil
}
