package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-hclog"

	"github.com/rzpsarthak13/schemakeeper/internal/config"
	"github.com/rzpsarthak13/schemakeeper/internal/core"
)

// FileBackend stores each snapshot as a file in a directory, the layout
// schema export tooling produces (schemas/schema_v1.json, ...).
type FileBackend struct {
	dir    string
	logger hclog.Logger
}

// NewFileBackend creates a backend over dir, creating it if needed.
func NewFileBackend(dir string, logger hclog.Logger) (*FileBackend, error) {
	if dir == "" {
		return nil, fmt.Errorf("snapshot directory is required")
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory %s: %w", dir, err)
	}
	return &FileBackend{dir: dir, logger: logger}, nil
}

func (b *FileBackend) path(key string) (string, error) {
	if key == "" || filepath.Base(key) != key || strings.HasPrefix(key, ".") {
		return "", fmt.Errorf("invalid snapshot key %q", key)
	}
	return filepath.Join(b.dir, key), nil
}

// Get implements core.SnapshotBackend.
func (b *FileBackend) Get(_ context.Context, key string) ([]byte, error) {
	p, err := b.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", core.ErrKeyNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", p, err)
	}
	return data, nil
}

// SetIfAbsent implements core.SnapshotBackend. The document is written to a
// temporary file and hard linked into place, so readers never observe a
// partial file and an existing file is never replaced.
func (b *FileBackend) SetIfAbsent(_ context.Context, key string, value []byte) (bool, error) {
	p, err := b.path(key)
	if err != nil {
		return false, err
	}

	tmp, err := os.CreateTemp(b.dir, ".tmp-"+key+"-*")
	if err != nil {
		return false, fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(value); err != nil {
		tmp.Close()
		return false, fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return false, fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return false, fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Link(tmp.Name(), p); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to publish %s: %w", p, err)
	}
	b.logger.Trace("snapshot file written", "path", p)
	return true, nil
}

// Delete implements core.SnapshotBackend.
func (b *FileBackend) Delete(_ context.Context, key string) error {
	p, err := b.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete %s: %w", p, err)
	}
	return nil
}

// Keys implements core.SnapshotBackend.
func (b *FileBackend) Keys(_ context.Context, prefix string) ([]string, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", b.dir, err)
	}
	var keys []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if strings.HasPrefix(e.Name(), prefix) {
			keys = append(keys, e.Name())
		}
	}
	return keys, nil
}

// Close implements core.SnapshotBackend.
func (b *FileBackend) Close() error { return nil }

// FileBackendFactory creates file backends.
type FileBackendFactory struct{}

func (f *FileBackendFactory) Type() string { return "file" }

func (f *FileBackendFactory) Validate(cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}
	if cfg.Snapshots.Dir == "" {
		return fmt.Errorf("dir is required for the file backend")
	}
	return nil
}

func (f *FileBackendFactory) Create(_ context.Context, cfg config.SnapshotConfig, logger hclog.Logger) (core.SnapshotBackend, error) {
	return NewFileBackend(cfg.Dir, logger)
}

func init() {
	RegisterFactory(&FileBackendFactory{})
}
