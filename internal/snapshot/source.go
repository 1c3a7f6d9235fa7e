package snapshot

import (
	"context"
	"fmt"

	"github.com/rzpsarthak13/schemakeeper/internal/core"
)

// Source yields the snapshot recorded for a version. The snapshot store
// implements it; Static serves snapshots held in memory.
type Source interface {
	SnapshotAt(ctx context.Context, version int) (*Snapshot, error)
}

// Static is a Source over a fixed set of snapshots, keyed by their version.
type Static map[int]*Snapshot

// NewStatic builds a Static source from snapshots.
func NewStatic(snapshots ...*Snapshot) Static {
	s := make(Static, len(snapshots))
	for _, snap := range snapshots {
		s[snap.Version()] = snap
	}
	return s
}

// SnapshotAt implements Source.
func (s Static) SnapshotAt(_ context.Context, version int) (*Snapshot, error) {
	snap, ok := s[version]
	if !ok {
		return nil, fmt.Errorf("%w: version %d", core.ErrNotFound, version)
	}
	return snap, nil
}
