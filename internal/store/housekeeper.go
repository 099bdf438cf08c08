package store

// ============================================================================
// Quota housekeeping
// ============================================================================
//
// Enforce:
//   size <= quota            -> nothing to do
//   size >  quota            -> delete the oldest keys under the managed
//                               prefixes until size <= lowWater * quota
//
// Sequence checkpoints (sequence/<id>/context) are never evicted: they belong
// to running or resumable sequences and are dropped when the sequence finishes.
//
// Age comes from the time-ordered id embedded in the key (ULID or UUIDv7).
// Keys without a recognizable id sort first, so they are evicted before
// anything with a known timestamp.
//
// ============================================================================

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/travisdw72/onebarn-ai-sub006/internal/metrics"
)

// DefaultLowWater is the fraction of the quota eviction drains down to.
const DefaultLowWater = 0.8

// HousekeeperConfig bounds the store size.
type HousekeeperConfig struct {
	// QuotaBytes is the ceiling. Zero or negative disables housekeeping.
	QuotaBytes int64
	// LowWater is the fraction of QuotaBytes to drain down to (0,1].
	LowWater float64
	// Prefixes limits eviction to these key prefixes. Empty means analysis/ and sequence/.
	Prefixes []string
}

// Housekeeper evicts the oldest entries when the store grows past its quota.
type Housekeeper struct {
	store   Store
	cfg     HousekeeperConfig
	metrics *metrics.Collector
}

// NewHousekeeper returns a housekeeper for s. m may be nil.
func NewHousekeeper(s Store, cfg HousekeeperConfig, m *metrics.Collector) *Housekeeper {
	if cfg.LowWater <= 0 || cfg.LowWater > 1 {
		cfg.LowWater = DefaultLowWater
	}
	if len(cfg.Prefixes) == 0 {
		cfg.Prefixes = []string{PrefixAnalysis, PrefixSequence}
	}
	return &Housekeeper{store: s, cfg: cfg, metrics: m}
}

type candidate struct {
	key string
	at  time.Time
}

// Enforce trims the store back under its quota and returns how many keys it deleted.
func (h *Housekeeper) Enforce(ctx context.Context) (int, error) {
	size, err := h.store.Size(ctx)
	if err != nil {
		return 0, err
	}
	if h.cfg.QuotaBytes <= 0 || size <= h.cfg.QuotaBytes {
		h.metrics.RecordStore(size, 0)
		return 0, nil
	}

	target := int64(float64(h.cfg.QuotaBytes) * h.cfg.LowWater)
	slog.Warn("Store over quota, evicting oldest entries",
		"size", size, "quota", h.cfg.QuotaBytes, "target", target)

	var candidates []candidate
	for _, prefix := range h.cfg.Prefixes {
		keys, err := h.store.ListKeys(ctx, prefix)
		if err != nil {
			return 0, err
		}
		for _, k := range keys {
			if IsCheckpointKey(k) {
				continue
			}
			candidates = append(candidates, candidate{key: k, at: KeyTime(k)})
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if !candidates[i].at.Equal(candidates[j].at) {
			return candidates[i].at.Before(candidates[j].at)
		}
		return candidates[i].key < candidates[j].key
	})

	evicted := 0
	for _, c := range candidates {
		if size <= target {
			break
		}
		if err := ctx.Err(); err != nil {
			break
		}
		value, err := h.store.Load(ctx, c.key)
		if err != nil {
			continue
		}
		if err := h.store.Delete(ctx, c.key); err != nil {
			h.metrics.RecordStore(size, evicted)
			return evicted, fmt.Errorf("evict %s: %w", c.key, err)
		}
		size -= int64(len(value))
		evicted++
		slog.Debug("Evicted store entry", "key", c.key, "bytes", len(value))
	}

	if comp, ok := h.store.(compactor); ok && evicted > 0 {
		if err := comp.Compact(); err != nil {
			slog.Error("Store compaction failed", "error", err)
		}
	}

	h.metrics.RecordStore(size, evicted)
	slog.Info("Store housekeeping finished", "evicted", evicted, "size", size)
	return evicted, ctx.Err()
}

// IsCheckpointKey reports whether key holds a sequence checkpoint.
func IsCheckpointKey(key string) bool {
	return strings.HasPrefix(key, PrefixSequence) && strings.HasSuffix(key, checkpointSuffix)
}

// KeyTime extracts the timestamp of the first ULID or UUIDv7 segment in key.
// Keys without one map to the zero time.
func KeyTime(key string) time.Time {
	for _, part := range strings.Split(key, "/") {
		if id, err := ulid.ParseStrict(part); err == nil {
			return ulid.Time(id.Time())
		}
		if u, err := uuid.Parse(part); err == nil && u.Version() == 7 {
			var ms [8]byte
			copy(ms[2:], u[:6])
			return time.UnixMilli(int64(binary.BigEndian.Uint64(ms[:])))
		}
	}
	return time.Time{}
}
