package breaker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestBreaker_DefaultsApplied(t *testing.T) {
	b := New(Config{})
	assert.Equal(t, DefaultFailureThreshold, b.cfg.FailureThreshold)
	assert.Equal(t, DefaultResetTimeout, b.cfg.ResetTimeout)
	assert.True(t, b.Allow("fresh"), "unknown provider starts closed")
}

func TestBreaker_OpensAfterThreeFailures(t *testing.T) {
	clock := newFakeClock()
	b := New(Config{}, WithClock(clock.Now))

	b.RecordFailure("p")
	b.RecordFailure("p")
	assert.True(t, b.Allow("p"), "two failures keep the circuit closed")

	b.RecordFailure("p")
	assert.False(t, b.Allow("p"))

	st := b.State("p")
	assert.True(t, st.IsOpen)
	assert.Equal(t, 3, st.ConsecutiveFailures)
	require.NotNil(t, st.LastFailureTime)
	assert.Equal(t, clock.Now(), *st.LastFailureTime)
}

func TestBreaker_LazyResetAfterTimeout(t *testing.T) {
	clock := newFakeClock()
	b := New(Config{}, WithClock(clock.Now))

	for i := 0; i < 3; i++ {
		b.RecordFailure("p")
	}

	// exactly at the boundary the circuit is still open
	clock.Advance(60 * time.Second)
	assert.False(t, b.Allow("p"))
	assert.True(t, b.State("p").IsOpen, "State must not trigger the reset")

	clock.Advance(time.Millisecond)
	assert.True(t, b.Allow("p"), "first access after the timeout resets")

	st := b.State("p")
	assert.False(t, st.IsOpen)
	assert.Equal(t, 0, st.ConsecutiveFailures)

	// a single new failure does not reopen it
	b.RecordFailure("p")
	assert.True(t, b.Allow("p"))
}

func TestBreaker_SuccessCloses(t *testing.T) {
	clock := newFakeClock()
	b := New(Config{FailureThreshold: 2}, WithClock(clock.Now))

	b.RecordFailure("p")
	b.RecordFailure("p")
	assert.False(t, b.Allow("p"))

	b.RecordSuccess("p")
	assert.True(t, b.Allow("p"))
	assert.Equal(t, 0, b.State("p").ConsecutiveFailures)
}

func TestBreaker_ProvidersAreIsolated(t *testing.T) {
	b := New(Config{})
	for i := 0; i < 3; i++ {
		b.RecordFailure("a")
	}
	assert.False(t, b.Allow("a"))
	assert.True(t, b.Allow("b"))
}

func TestBreaker_StateListener(t *testing.T) {
	clock := newFakeClock()
	var events []bool
	b := New(Config{}, WithClock(clock.Now), WithStateListener(func(provider string, open bool) {
		assert.Equal(t, "p", provider)
		events = append(events, open)
	}))

	for i := 0; i < 4; i++ {
		b.RecordFailure("p")
	}
	clock.Advance(61 * time.Second)
	b.Allow("p")

	assert.Equal(t, []bool{true, false}, events, "open reported once, then the lazy close")
}

func TestBreaker_Snapshot(t *testing.T) {
	b := New(Config{})
	b.RecordFailure("z")
	b.RecordSuccess("a")

	snap := b.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "a", snap[0].Provider)
	assert.Nil(t, snap[0].LastFailureTime)
	assert.Equal(t, "z", snap[1].Provider)
	assert.Equal(t, 1, snap[1].ConsecutiveFailures)
}
