package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const fileExt = ".json"

// FileStore keeps one JSON envelope per key under a root directory.
//
// Keys map onto relative paths ("baseline/17" becomes baseline/17.json).
// Put writes the envelope to a temporary file in the destination directory,
// syncs it and renames it over the previous file, so a crash leaves either
// the old or the new envelope in place. The version lives inside the
// envelope. Concurrent writers in one process are serialized; cross-process
// writers must hold a Locker.
type FileStore struct {
	root string
	mu   sync.Mutex
	now  func() time.Time
}

// NewFileStore creates a store rooted at dir, creating it if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("storage: empty artifact directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact directory: %w", err)
	}
	return &FileStore{root: dir, now: time.Now}, nil
}

// Root returns the store directory.
func (f *FileStore) Root() string {
	return f.root
}

func (f *FileStore) path(key string) string {
	return filepath.Join(f.root, filepath.FromSlash(key)+fileExt)
}

// Put atomically replaces the envelope for a.Key.
func (f *FileStore) Put(ctx context.Context, a Artifact) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := validateKey(a.Key); err != nil {
		return 0, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	prev, _, err := f.read(a.Key)
	if err != nil {
		return 0, err
	}
	a.Version = prev.Version + 1
	a.UpdatedAt = f.now().UTC()

	data, err := json.Marshal(a)
	if err != nil {
		return 0, fmt.Errorf("encode artifact %s: %w", a.Key, err)
	}
	if err := writeAtomic(f.path(a.Key), data); err != nil {
		return 0, fmt.Errorf("write artifact %s: %w", a.Key, err)
	}
	return a.Version, nil
}

// GetLatest reads the envelope for key.
func (f *FileStore) GetLatest(ctx context.Context, key string) (Artifact, bool, error) {
	if err := ctx.Err(); err != nil {
		return Artifact{}, false, err
	}
	if err := validateKey(key); err != nil {
		return Artifact{}, false, err
	}
	return f.read(key)
}

func (f *FileStore) read(key string) (Artifact, bool, error) {
	data, err := os.ReadFile(f.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return Artifact{}, false, nil
	}
	if err != nil {
		return Artifact{}, false, fmt.Errorf("read artifact %s: %w", key, err)
	}
	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return Artifact{}, false, fmt.Errorf("decode artifact %s: %w", key, err)
	}
	return a, true, nil
}

// List walks the directory tree and returns the sorted keys with prefix.
// Temporary files left by interrupted writes are ignored.
func (f *FileStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(f.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), fileExt) || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		rel, err := filepath.Rel(f.root, path)
		if err != nil {
			return err
		}
		key := strings.TrimSuffix(filepath.ToSlash(rel), fileExt)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

// Delete removes the envelope for key.
func (f *FileStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateKey(key); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.Remove(f.path(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete artifact %s: %w", key, err)
	}
	return nil
}

// writeAtomic writes data to a hidden temporary file next to path, syncs it
// and renames it into place.
func writeAtomic(path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	if err = os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
