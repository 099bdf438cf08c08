package store

// ============================================================================
// File backend
// ============================================================================
//
// Each key is one file under the root directory; "/" in a key becomes a
// directory level and the file carries a .json suffix.
//
// Writes are atomic:
//   1. write <file>.tmp
//   2. os.Rename over the target
// so a crash never leaves a half-written value behind. Leftover .tmp files
// are ignored by ListKeys and Size.
//
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const (
	fileSuffix = ".json"
	tmpSuffix  = ".tmp"
)

// FileStore persists values as files under root.
type FileStore struct {
	root string
	mu   sync.Mutex
}

// NewFileStore creates root if needed and returns a store over it.
func NewFileStore(root string) (*FileStore, error) {
	if root == "" {
		return nil, errors.New("store: file backend requires a path")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir %s: %w", root, err)
	}
	return &FileStore{root: root}, nil
}

func (f *FileStore) path(key string) string {
	return filepath.Join(f.root, filepath.FromSlash(key)+fileSuffix)
}

func (f *FileStore) Save(_ context.Context, key string, value []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	target := f.path(key)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create dir for %s: %w", key, err)
	}

	tmpPath := target + tmpSuffix
	if err := os.WriteFile(tmpPath, value, 0o644); err != nil {
		return fmt.Errorf("write temp value for %s: %w", key, err)
	}
	if err := os.Rename(tmpPath, target); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename value for %s: %w", key, err)
	}
	return nil
}

func (f *FileStore) Load(_ context.Context, key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(f.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

func (f *FileStore) Delete(_ context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	target := f.path(key)
	if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	f.pruneEmptyDirs(filepath.Dir(target))
	return nil
}

// pruneEmptyDirs removes empty directories between dir and the root.
func (f *FileStore) pruneEmptyDirs(dir string) {
	for dir != f.root && strings.HasPrefix(dir, f.root) {
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

// walk visits every stored value with its key.
func (f *FileStore) walk(fn func(key string, info fs.FileInfo)) error {
	return filepath.WalkDir(f.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(p, fileSuffix) {
			return nil
		}
		rel, err := filepath.Rel(f.root, p)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		fn(strings.TrimSuffix(filepath.ToSlash(rel), fileSuffix), info)
		return nil
	})
}

func (f *FileStore) ListKeys(_ context.Context, prefix string) ([]string, error) {
	var keys []string
	err := f.walk(func(key string, _ fs.FileInfo) {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("list %q: %w", prefix, err)
	}
	sort.Strings(keys)
	return keys, nil
}

func (f *FileStore) Size(_ context.Context) (int64, error) {
	var n int64
	err := f.walk(func(_ string, info fs.FileInfo) {
		n += info.Size()
	})
	if err != nil {
		return 0, fmt.Errorf("size: %w", err)
	}
	return n, nil
}

// Root returns the directory holding the values.
func (f *FileStore) Root() string {
	return f.root
}

func (f *FileStore) Close() error { return nil }
