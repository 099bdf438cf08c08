// ============================================================================
// Persistence Store - narrow key-value contract for the orchestration core
// ============================================================================
//
// Package: internal/store
// File: store.go
// Purpose: Checkpoints, finalized results and quota housekeeping without the
//          core knowing which medium holds them
//
// Key layout:
//   analysis/<uuidv7>            standalone analysis result
//   sequence/<ulid>/context      sequence checkpoint (rewritten after every step)
//   sequence/<ulid>/result       finalized aggregate of a sequence
//
// Both id forms are time-ordered, so lexical order within a prefix is age
// order. The Housekeeper relies on that.
//
// Backends:
//   memory  map guarded by a RWMutex (tests, demo)
//   file    one file per key, atomic temp+rename writes
//   badger  embedded LSM key-value store
//   sqlite  single table in a pure-Go SQLite database
//
// ============================================================================

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned by Load when the key does not exist.
	ErrNotFound = errors.New("store: key not found")
	// ErrInvalidKey rejects empty keys and keys that could escape a file backend.
	ErrInvalidKey = errors.New("store: invalid key")
	// ErrUnknownBackend is returned by Open for an unsupported backend name.
	ErrUnknownBackend = errors.New("store: unknown backend")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("store: closed")
)

// Store is the persistence collaborator.
//
// Delete of a missing key is not an error. ListKeys returns keys sorted
// lexically. Size is the total number of value bytes held.
type Store interface {
	Save(ctx context.Context, key string, value []byte) error
	Load(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	ListKeys(ctx context.Context, prefix string) ([]string, error)
	Size(ctx context.Context) (int64, error)
	Close() error
}

// compactor is implemented by backends that can reclaim space after deletes.
type compactor interface {
	Compact() error
}

// Backend names accepted by Open.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendBadger = "badger"
	BackendSQLite = "sqlite"
)

// Open builds the backend named by backend rooted at path.
func Open(backend, path string) (Store, error) {
	switch backend {
	case "", BackendMemory:
		return NewMemoryStore(), nil
	case BackendFile:
		return NewFileStore(path)
	case BackendBadger:
		return NewBadgerStore(BadgerConfig{Path: path, SyncWrites: true})
	case BackendSQLite:
		return NewSQLiteStore(path)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, backend)
	}
}

// SaveJSON marshals v and saves it under key.
func SaveJSON(ctx context.Context, s Store, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return s.Save(ctx, key, data)
}

// LoadJSON loads key and unmarshals it into v.
func LoadJSON(ctx context.Context, s Store, key string, v any) error {
	data, err := s.Load(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return nil
}

// validateKey rejects keys no backend can hold safely.
func validateKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.HasSuffix(key, "/") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	if strings.ContainsAny(key, "\\\x00") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

// Key builders shared by the engine and the sequence coordinator.

// AnalysisKey is where a standalone result is stored.
func AnalysisKey(id string) string { return "analysis/" + id }

// SequenceContextKey is where a sequence checkpoint is stored.
func SequenceContextKey(sequenceID string) string { return PrefixSequence + sequenceID + checkpointSuffix }

// SequenceResultKey is where a finalized sequence result is stored.
func SequenceResultKey(sequenceID string) string { return "sequence/" + sequenceID + "/result" }

const (
	// PrefixAnalysis holds standalone results.
	PrefixAnalysis = "analysis/"
	// PrefixSequence holds sequence checkpoints and aggregates.
	PrefixSequence = "sequence/"

	checkpointSuffix = "/context"
)
