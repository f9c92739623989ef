// Package segment persists downloaded media segments keyed by task and
// segment index. The store is the source of truth for resume: whatever
// indexes it reports present are never fetched again.
package segment

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
)

// ErrNotFound is returned by Get for an index that was never stored.
var ErrNotFound = errors.New("segment not found")

// Store holds segment blobs for unfinished tasks.
//
// Indexes returns the present indexes in ascending order. Put must be
// idempotent for a given (task, index) pair.
type Store interface {
	Put(ctx context.Context, taskID string, index int, data []byte) error
	Get(ctx context.Context, taskID string, index int) ([]byte, error)
	Indexes(ctx context.Context, taskID string) ([]int, error)
	SumBytes(ctx context.Context, taskID string) (int64, error)
	Clear(ctx context.Context, taskID string) error
	Close() error
}

// Open builds a store for the configured backend. dir is the service
// data directory; backends that persist place their files under it.
func Open(backend, dir string) (Store, error) {
	switch backend {
	case "", "badger":
		return OpenBadgerStore(filepath.Join(dir, "segments"))
	case "disk":
		return NewDiskStore(filepath.Join(dir, "segments")), nil
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown segment store backend %q", backend)
	}
}
