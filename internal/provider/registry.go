// ============================================================================
// Provider Registry - ordered set of vision-analysis providers
// ============================================================================
//
// Package: internal/provider
// File: registry.go
// Purpose: Holds the configured analysis providers in preference order
//
// Contract:
//   Every provider implements one call: Analyze(ctx, image, prompt) -> raw payload.
//   Transport, authentication and API shape stay behind that call, so adding a
//   provider means implementing Analyzer and registering it with a rank.
//
// Lifecycle:
//   The registry is built once at engine construction and never mutated.
//   All accessors return copies, so it is safe for concurrent use without locks.
//
// ============================================================================

package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrNoProviders is returned when a registry is built with no entries.
	ErrNoProviders = errors.New("provider: no providers configured")
	// ErrDuplicateProvider is returned when two entries share a name.
	ErrDuplicateProvider = errors.New("provider: duplicate provider name")
	// ErrUnknownProvider is returned by Lookup for unregistered names.
	ErrUnknownProvider = errors.New("provider: unknown provider")
)

// Analyzer is the single outbound call made to a vision-analysis provider.
type Analyzer interface {
	Analyze(ctx context.Context, image []byte, prompt string) (string, error)
}

// AnalyzerFunc adapts a function to the Analyzer interface.
type AnalyzerFunc func(ctx context.Context, image []byte, prompt string) (string, error)

// Analyze calls f.
func (f AnalyzerFunc) Analyze(ctx context.Context, image []byte, prompt string) (string, error) {
	return f(ctx, image, prompt)
}

// Descriptor describes one provider's identity and capabilities.
type Descriptor struct {
	Name           string `json:"name"`
	Rank           int    `json:"rank"` // lower rank is preferred
	SupportsVision bool   `json:"supports_vision"`
	Model          string `json:"model"`
	Enabled        bool   `json:"enabled"`
}

// Entry binds a descriptor to its analyzer implementation.
type Entry struct {
	Descriptor
	Analyzer Analyzer
}

// Registry is the immutable, rank-ordered provider list.
type Registry struct {
	entries []Entry
	byName  map[string]int
}

// NewRegistry builds a registry ordered by Rank (ties keep argument order).
//
// Returns:
//   - ErrNoProviders when entries is empty
//   - ErrDuplicateProvider when two entries share a name
func NewRegistry(entries ...Entry) (*Registry, error) {
	if len(entries) == 0 {
		return nil, ErrNoProviders
	}

	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Rank < sorted[j].Rank
	})

	byName := make(map[string]int, len(sorted))
	for i, e := range sorted {
		if e.Name == "" {
			return nil, fmt.Errorf("provider: entry %d has no name", i)
		}
		if e.Analyzer == nil {
			return nil, fmt.Errorf("provider: %s has no analyzer", e.Name)
		}
		if _, exists := byName[e.Name]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateProvider, e.Name)
		}
		byName[e.Name] = i
	}

	return &Registry{entries: sorted, byName: byName}, nil
}

// Entries returns every registered entry in preference order.
func (r *Registry) Entries() []Entry {
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Providers returns the descriptors in preference order.
func (r *Registry) Providers() []Descriptor {
	out := make([]Descriptor, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.Descriptor
	}
	return out
}

// Eligible returns the entries that are enabled and accept image input.
func (r *Registry) Eligible() []Entry {
	var out []Entry
	for _, e := range r.entries {
		if e.Enabled && e.SupportsVision {
			out = append(out, e)
		}
	}
	return out
}

// Lookup returns the entry registered under name.
func (r *Registry) Lookup(name string) (Entry, error) {
	i, ok := r.byName[name]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	return r.entries[i], nil
}

// Len returns the number of registered providers.
func (r *Registry) Len() int {
	return len(r.entries)
}
