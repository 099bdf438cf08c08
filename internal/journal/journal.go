// ============================================================================
// Request Journal - append-only lifecycle log
// ============================================================================
//
// Package: internal/journal
// File: journal.go
// Purpose: Records every request lifecycle transition for audit and history
//
// Format:
//   One JSON object per line. Each event carries a monotonically increasing
//   sequence number and a CRC32 checksum over its identifying fields.
//
// Write path:
//   Append -> buffer -> flush when the buffer is full, the flush interval has
//   elapsed, or the caller forces it. Flush encodes every buffered event and
//   fsyncs the file.
//
// Read path:
//   Replay reads from the start, verifies each checksum and hands the event to
//   a handler. A checksum mismatch stops the replay.
//
// A nil *Journal is valid and discards everything, so components can hold an
// optional journal without nil checks.
//
// ============================================================================

package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Journal is an append-only event log backed by one file.
type Journal struct {
	mu      sync.Mutex
	file    *os.File
	encoder *json.Encoder
	path    string
	seq     uint64
	closed  bool

	buffer        []Event
	bufferSize    int
	lastFlushTime time.Time
	flushInterval time.Duration
	now           func() time.Time
}

// Option customizes a Journal.
type Option func(*Journal)

// WithBufferSize sets how many events are held before a flush. 1 flushes every append.
func WithBufferSize(n int) Option {
	return func(j *Journal) {
		if n > 0 {
			j.bufferSize = n
		}
	}
}

// WithFlushInterval sets the maximum age of a buffered event.
func WithFlushInterval(d time.Duration) Option {
	return func(j *Journal) { j.flushInterval = d }
}

// Open creates or reopens the journal at path.
//
// An existing file is scanned for its last sequence number so numbering
// continues across restarts.
func Open(path string, opts ...Option) (*Journal, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	var seq uint64
	if stat, statErr := file.Stat(); statErr == nil && stat.Size() > 0 {
		last, err := lastEvent(path)
		if err == nil && last != nil {
			seq = last.Seq
		}
	}

	j := &Journal{
		file:          file,
		encoder:       json.NewEncoder(file),
		path:          path,
		seq:           seq,
		buffer:        make([]Event, 0, 64),
		bufferSize:    64,
		lastFlushTime: time.Now(),
		flushInterval: time.Second,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j, nil
}

// Append assigns the next sequence number, timestamp and checksum to ev and buffers it.
func (j *Journal) Append(ev Event, force bool) error {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrClosed
	}

	j.seq++
	ev.Seq = j.seq
	ev.Timestamp = j.now().UnixMilli()
	ev.Checksum = Checksum(ev)
	j.buffer = append(j.buffer, ev)

	if force || len(j.buffer) >= j.bufferSize || time.Since(j.lastFlushTime) > j.flushInterval {
		return j.flushLocked()
	}
	return nil
}

// Flush writes every buffered event to disk.
func (j *Journal) Flush() error {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}
	return j.flushLocked()
}

// Replay flushes pending events and then calls handler for every event in order.
func (j *Journal) Replay(handler Handler) error {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	if !j.closed {
		if err := j.flushLocked(); err != nil {
			return err
		}
	}
	return ReplayFile(j.path, handler)
}

// ReplayFile reads a journal file without opening it for writing.
func ReplayFile(path string, handler Handler) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer file.Close()

	decoder := json.NewDecoder(bufio.NewReader(file))
	for {
		var ev Event
		if err := decoder.Decode(&ev); err != nil {
			if err == io.EOF {
				return nil
			}
			return &CorruptionError{Seq: ev.Seq, Offset: decoder.InputOffset(), Cause: err}
		}
		if expected := Checksum(ev); expected != ev.Checksum {
			return &ChecksumError{Seq: ev.Seq, Expected: expected, Actual: ev.Checksum}
		}
		if err := handler(ev); err != nil {
			return err
		}
	}
}

// Rotate moves the current file aside with a timestamp suffix and starts a new one.
// Sequence numbers restart at zero.
func (j *Journal) Rotate() (string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return "", ErrClosed
	}
	if err := j.flushLocked(); err != nil {
		return "", err
	}
	if err := j.file.Close(); err != nil {
		return "", err
	}

	backup := j.path + "." + j.now().Format("20060102_150405.000")
	if err := os.Rename(j.path, backup); err != nil {
		return "", err
	}

	file, err := os.OpenFile(j.path, os.O_CREATE|os.O_RDWR|os.O_TRUNC|os.O_APPEND, 0644)
	if err != nil {
		return "", err
	}
	j.file = file
	j.encoder = json.NewEncoder(file)
	j.seq = 0
	j.buffer = j.buffer[:0]
	j.lastFlushTime = time.Now()
	return backup, nil
}

// LastSeq returns the most recently assigned sequence number.
func (j *Journal) LastSeq() uint64 {
	if j == nil {
		return 0
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

// Path returns the journal file path.
func (j *Journal) Path() string {
	if j == nil {
		return ""
	}
	return j.path
}

// Close flushes and closes the file. A closed journal cannot be reused.
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	j.closed = true
	if err := j.flushLocked(); err != nil {
		j.file.Close()
		return err
	}
	return j.file.Close()
}

// flushLocked assumes j.mu is held. Events written before a failure leave
// the buffer so a later flush does not write them twice.
func (j *Journal) flushLocked() error {
	for i, ev := range j.buffer {
		if err := j.encoder.Encode(ev); err != nil {
			j.buffer = append(j.buffer[:0], j.buffer[i:]...)
			return err
		}
	}
	j.buffer = j.buffer[:0]
	j.lastFlushTime = time.Now()
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("%w: %v", ErrSyncFailed, err)
	}
	return nil
}

// lastEvent scans path and returns the last decodable event.
func lastEvent(path string) (*Event, error) {
	var last *Event
	err := ReplayFile(path, func(ev Event) error {
		e := ev
		last = &e
		return nil
	})
	if last == nil && err == nil {
		return nil, ErrEmpty
	}
	// a torn tail still yields the last good event
	return last, nil
}
