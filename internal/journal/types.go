package journal

import (
	"errors"
	"fmt"
	"hash/crc32"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ============================================================================
// Event types
// ============================================================================

// EventType names a request lifecycle transition.
type EventType string

const (
	EventQueued     EventType = "QUEUED"     // request admitted to the priority queue
	EventDispatched EventType = "DISPATCHED" // provider call started
	EventCompleted  EventType = "COMPLETED"  // result delivered
	EventFailed     EventType = "FAILED"     // error delivered
	EventRetry      EventType = "RETRY"      // failed attempt requeued
	EventEvicted    EventType = "EVICTED"    // dropped by queue overflow
	EventCancelled  EventType = "CANCELLED"  // caller abandoned a queued request
	EventStep       EventType = "STEP"       // one sequence step finished
	EventSequence   EventType = "SEQUENCE"   // sequence finalized
)

// Event is one journal record.
type Event struct {
	Seq        uint64    `json:"seq"`
	Type       EventType `json:"type"`
	RequestID  string    `json:"request_id,omitempty"`
	Priority   string    `json:"priority,omitempty"`
	Source     string    `json:"source,omitempty"`
	SequenceID string    `json:"sequence_id,omitempty"`
	Step       int       `json:"step,omitempty"`
	Provider   string    `json:"provider,omitempty"`
	Attempt    int       `json:"attempt,omitempty"`
	Error      string    `json:"error,omitempty"`
	Timestamp  int64     `json:"timestamp"` // unix milliseconds
	Checksum   uint32    `json:"checksum"`
}

// Time returns the event timestamp.
func (e Event) Time() time.Time {
	return time.UnixMilli(e.Timestamp).UTC()
}

// Handler processes one replayed event. Returning an error stops the replay.
type Handler func(ev Event) error

// Checksum computes the CRC32-IEEE checksum over every field except Checksum itself.
func Checksum(ev Event) uint32 {
	fields := []string{
		strconv.FormatUint(ev.Seq, 10),
		string(ev.Type),
		ev.RequestID,
		ev.Priority,
		ev.Source,
		ev.SequenceID,
		strconv.Itoa(ev.Step),
		ev.Provider,
		strconv.Itoa(ev.Attempt),
		ev.Error,
		strconv.FormatInt(ev.Timestamp, 10),
	}
	return crc32.ChecksumIEEE([]byte(strings.Join(fields, "|")))
}

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrChecksumMismatch indicates a corrupted or tampered event.
	ErrChecksumMismatch = errors.New("journal: checksum mismatch")
	// ErrEmpty is returned when a journal holds no events.
	ErrEmpty = errors.New("journal: file is empty")
	// ErrClosed is returned by operations on a closed journal.
	ErrClosed = errors.New("journal: already closed")
	// ErrSyncFailed indicates fsync failed.
	ErrSyncFailed = errors.New("journal: sync to disk failed")
)

// ChecksumError reports which event failed verification.
type ChecksumError struct {
	Seq      uint64
	Expected uint32
	Actual   uint32
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("journal: checksum mismatch at seq=%d (expected=0x%08x, got=0x%08x)", e.Seq, e.Expected, e.Actual)
}

func (e *ChecksumError) Is(target error) bool {
	return target == ErrChecksumMismatch
}

// CorruptionError reports an undecodable record.
type CorruptionError struct {
	Seq    uint64
	Offset int64
	Cause  error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("journal: corrupted record near offset %d: %v", e.Offset, e.Cause)
}

func (e *CorruptionError) Unwrap() error {
	return e.Cause
}

// ============================================================================
// Summaries
// ============================================================================

// Summary aggregates a journal for the history command.
type Summary struct {
	Events     int               `json:"events"`
	ByType     map[EventType]int `json:"by_type"`
	ByProvider map[string]int    `json:"by_provider"`
	Sequences  []string          `json:"sequences"`
	First      time.Time         `json:"first"`
	Last       time.Time         `json:"last"`
}

// Summarize reads path and aggregates its events.
func Summarize(path string) (Summary, error) {
	s := Summary{ByType: map[EventType]int{}, ByProvider: map[string]int{}}
	seen := map[string]bool{}
	err := ReplayFile(path, func(ev Event) error {
		s.Events++
		s.ByType[ev.Type]++
		if ev.Provider != "" && ev.Type == EventCompleted {
			s.ByProvider[ev.Provider]++
		}
		if ev.SequenceID != "" && !seen[ev.SequenceID] {
			seen[ev.SequenceID] = true
			s.Sequences = append(s.Sequences, ev.SequenceID)
		}
		t := ev.Time()
		if s.First.IsZero() || t.Before(s.First) {
			s.First = t
		}
		if t.After(s.Last) {
			s.Last = t
		}
		return nil
	})
	sort.Strings(s.Sequences)
	return s, err
}
