// Package store persists schema snapshots keyed by version on a pluggable
// backend (memory, file, redis or dynamodb).
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/hashicorp/go-hclog"

	"github.com/rzpsarthak13/schemakeeper/internal/core"
	"github.com/rzpsarthak13/schemakeeper/internal/snapshot"
)

// DefaultKeyPrefix produces keys such as "schema_v3.json".
const DefaultKeyPrefix = "schema_v"

const keySuffix = ".json"

// DuplicateVersionError is returned by Save when a different snapshot is
// already stored for the version.
type DuplicateVersionError struct {
	Version int
	Diff    string
}

func (e *DuplicateVersionError) Error() string {
	return fmt.Sprintf("version %d already has a different stored snapshot", e.Version)
}

// Is matches core.ErrDuplicateVersion.
func (e *DuplicateVersionError) Is(target error) bool {
	return target == core.ErrDuplicateVersion
}

// NotFoundError is returned by Load when no snapshot is stored.
type NotFoundError struct {
	Version int
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no schema snapshot stored for version %d", e.Version)
}

// Is matches core.ErrNotFound.
func (e *NotFoundError) Is(target error) bool {
	return target == core.ErrNotFound
}

// CorruptSnapshotError is returned by Load when a stored snapshot cannot be
// decoded or validated.
type CorruptSnapshotError struct {
	Version int
	Err     error
}

func (e *CorruptSnapshotError) Error() string {
	return fmt.Sprintf("stored snapshot for version %d is corrupt: %v", e.Version, e.Err)
}

// Is matches core.ErrCorruptSnapshot.
func (e *CorruptSnapshotError) Is(target error) bool {
	return target == core.ErrCorruptSnapshot
}

func (e *CorruptSnapshotError) Unwrap() error {
	return e.Err
}

// Store saves and loads snapshots by version.
type Store struct {
	backend core.SnapshotBackend
	prefix  string
	logger  hclog.Logger
}

// New creates a store over backend.
func New(backend core.SnapshotBackend, opt ...Option) (*Store, error) {
	if backend == nil {
		return nil, fmt.Errorf("snapshot backend cannot be nil")
	}
	opts := getOpts(opt...)
	if opts.withKeyPrefix == "" {
		return nil, fmt.Errorf("key prefix cannot be empty")
	}
	return &Store{
		backend: backend,
		prefix:  opts.withKeyPrefix,
		logger:  opts.withLogger,
	}, nil
}

// Key returns the backend key for version.
func (s *Store) Key(version int) string {
	return s.prefix + strconv.Itoa(version) + keySuffix
}

// Save stores snap under version. Saving an identical snapshot again is a
// no-op; saving a different one fails with a DuplicateVersionError.
func (s *Store) Save(ctx context.Context, version int, snap *snapshot.Snapshot) error {
	if version < 1 {
		return fmt.Errorf("snapshot version must be positive, got %d", version)
	}
	if snap == nil {
		return fmt.Errorf("snapshot cannot be nil")
	}
	if snap.Version() != version {
		return fmt.Errorf("snapshot is tagged version %d, cannot save it as version %d", snap.Version(), version)
	}
	if err := snap.Validate(); err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}

	data, err := snapshot.Marshal(snap)
	if err != nil {
		return err
	}

	key := s.Key(version)
	written, err := s.backend.SetIfAbsent(ctx, key, data)
	if err != nil {
		return fmt.Errorf("failed to save snapshot %s: %w", key, err)
	}
	if written {
		s.logger.Debug("snapshot saved", "version", version, "key", key, "bytes", len(data))
		return nil
	}

	existing, err := s.Load(ctx, version)
	if err != nil {
		if errors.Is(err, core.ErrCorruptSnapshot) {
			return &DuplicateVersionError{Version: version, Diff: err.Error()}
		}
		return err
	}
	if existing.Equal(snap) {
		s.logger.Trace("identical snapshot already stored", "version", version)
		return nil
	}
	return &DuplicateVersionError{Version: version, Diff: existing.Diff(snap)}
}

// Load returns the snapshot stored for version.
func (s *Store) Load(ctx context.Context, version int) (*snapshot.Snapshot, error) {
	key := s.Key(version)
	data, err := s.backend.Get(ctx, key)
	if err != nil {
		if errors.Is(err, core.ErrKeyNotFound) {
			return nil, &NotFoundError{Version: version}
		}
		return nil, fmt.Errorf("failed to load snapshot %s: %w", key, err)
	}

	snap, err := snapshot.Unmarshal(data)
	if err != nil {
		return nil, &CorruptSnapshotError{Version: version, Err: err}
	}
	if snap.Version() != version {
		return nil, &CorruptSnapshotError{
			Version: version,
			Err:     fmt.Errorf("%w: document declares version %d", core.ErrCorruptSnapshot, snap.Version()),
		}
	}
	return snap, nil
}

// SnapshotAt implements snapshot.Source.
func (s *Store) SnapshotAt(ctx context.Context, version int) (*snapshot.Snapshot, error) {
	return s.Load(ctx, version)
}

// AllVersions returns every stored version in ascending order. Keys that
// do not follow the naming convention are ignored.
func (s *Store) AllVersions(ctx context.Context) ([]int, error) {
	keys, err := s.backend.Keys(ctx, s.prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}

	versions := make([]int, 0, len(keys))
	for _, k := range keys {
		if v, ok := s.parseKey(k); ok {
			versions = append(versions, v)
		}
	}
	sort.Ints(versions)
	return versions, nil
}

// Latest returns the snapshot with the highest stored version.
func (s *Store) Latest(ctx context.Context) (*snapshot.Snapshot, error) {
	versions, err := s.AllVersions(ctx)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, fmt.Errorf("%w: store is empty", core.ErrNotFound)
	}
	return s.Load(ctx, versions[len(versions)-1])
}

// Close closes the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

func (s *Store) parseKey(key string) (int, bool) {
	if !strings.HasPrefix(key, s.prefix) || !strings.HasSuffix(key, keySuffix) {
		return 0, false
	}
	num := strings.TrimSuffix(strings.TrimPrefix(key, s.prefix), keySuffix)
	v, err := strconv.Atoi(num)
	if err != nil || v < 1 || strconv.Itoa(v) != num {
		return 0, false
	}
	return v, true
}
