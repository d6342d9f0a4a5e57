// Package storage persists versioned model artifacts.
//
// A Store keeps the latest value of each key together with a version that
// increases by one on every Put. Writes are all-or-nothing: a reader sees
// either the previous artifact or the new one, never a partial write.
// Three backends are provided:
//
//   - MemoryStore: process-local, for tests and single-shot runs
//   - FileStore: one JSON envelope per key, written via temp file + rename
//   - RedisStore: one hash per key, shared between service instances
//
// Artifacts wraps a Store with typed accessors for baselines, backtest
// models, the residual bundle, diagnostics and cluster assignments.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned when a requested artifact does not exist.
var ErrNotFound = errors.New("artifact not found")

// Artifact is one stored value.
type Artifact struct {
	Key       string    `json:"key"`
	Version   int64     `json:"version"`
	Data      []byte    `json:"data"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store is a versioned key-value store for artifacts.
type Store interface {
	// Put atomically replaces the artifact stored under a.Key and returns
	// the new version. a.Version and a.UpdatedAt are ignored.
	Put(ctx context.Context, a Artifact) (int64, error)

	// GetLatest returns the current artifact for key. found is false when
	// the key does not exist.
	GetLatest(ctx context.Context, key string) (a Artifact, found bool, err error)

	// List returns the keys starting with prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// validateKey rejects keys that cannot be mapped onto a relative file path.
func validateKey(key string) error {
	if key == "" {
		return errors.New("storage: empty key")
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." || strings.ContainsRune(part, '\\') {
			return fmt.Errorf("storage: invalid key %q", key)
		}
	}
	return nil
}
