package ratelimit

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestLimiter_MinuteWindow(t *testing.T) {
	clk := newFakeClock()
	l := New(Config{}, WithClock(clk.Now))

	for i := range 30 {
		require.True(t, l.Allow("alice", ""), "request %d should be allowed", i+1)
		clk.Advance(time.Second)
	}
	d := l.Check("alice", "")
	assert.False(t, d.Allowed)
	assert.Equal(t, MinuteLimit, d.Reason)

	// The first request was at t=0; after 60s of silence it leaves the window.
	clk.Advance(60 * time.Second)
	assert.True(t, l.Allow("alice", ""))
}

func TestLimiter_HourWindow(t *testing.T) {
	clk := newFakeClock()
	l := New(Config{RequestsPerMinute: 100, RequestsPerHour: 3}, WithClock(clk.Now))

	for range 3 {
		require.True(t, l.Allow("bob", "buy"))
		clk.Advance(2 * time.Minute)
	}
	d := l.Check("bob", "buy")
	assert.Equal(t, HourLimit, d.Reason)

	clk.Advance(time.Hour)
	assert.True(t, l.Allow("bob", "buy"))
}

func TestLimiter_EndpointsAreIndependent(t *testing.T) {
	clk := newFakeClock()
	l := New(Config{RequestsPerMinute: 1}, WithClock(clk.Now))

	assert.True(t, l.Allow("carol", "buy"))
	assert.False(t, l.Allow("carol", "buy"))
	assert.True(t, l.Allow("carol", "sell"))
	assert.True(t, l.Allow("dave", "buy"), "principals are independent")
}

func TestLimiter_LockoutAfterRepeatedDenials(t *testing.T) {
	clk := newFakeClock()
	l := New(Config{RequestsPerMinute: 1}, WithClock(clk.Now))

	require.True(t, l.Allow("eve", ""))
	var last Decision
	for range 5 {
		clk.Advance(time.Second)
		last = l.Check("eve", "")
		require.False(t, last.Allowed)
	}
	lockedAt := clk.Now()
	assert.Equal(t, lockedAt.Add(5*time.Minute), last.LockedUntil)

	// Even another endpoint with an empty window is rejected during lockout.
	clk.Advance(100 * time.Second)
	d := l.Check("eve", "other")
	assert.Equal(t, Locked, d.Reason)

	until, locked := l.LockedUntil("eve")
	assert.True(t, locked)
	assert.Equal(t, lockedAt.Add(5*time.Minute), until)

	// Exactly at expiry the request is evaluated normally again.
	clk.Advance(200 * time.Second)
	assert.Equal(t, lockedAt.Add(5*time.Minute), clk.Now())
	assert.True(t, l.Allow("eve", ""))
	_, locked = l.LockedUntil("eve")
	assert.False(t, locked)
}

func TestLimiter_FailuresOutsideHorizonDoNotLock(t *testing.T) {
	clk := newFakeClock()
	l := New(Config{}, WithClock(clk.Now))

	for range 4 {
		_, locked := l.RecordFailure("frank")
		require.False(t, locked)
	}
	clk.Advance(5 * time.Minute)
	_, locked := l.RecordFailure("frank")
	assert.False(t, locked, "earlier failures aged out of the 5 minute horizon")
}

func TestLimiter_RecordFailureLocks(t *testing.T) {
	clk := newFakeClock()
	l := New(Config{}, WithClock(clk.Now))

	var until time.Time
	var locked bool
	for range 5 {
		until, locked = l.RecordFailure("gina")
	}
	require.True(t, locked)
	assert.Equal(t, clk.Now().Add(5*time.Minute), until)
	assert.False(t, l.Allow("gina", ""))

	// Failures during a lockout do not extend it.
	clk.Advance(time.Minute)
	for range 10 {
		again, _ := l.RecordFailure("gina")
		assert.Equal(t, until, again)
	}
}

func TestLimiter_Reset(t *testing.T) {
	clk := newFakeClock()
	l := New(Config{RequestsPerMinute: 1}, WithClock(clk.Now))

	for range 5 {
		l.RecordFailure("hank")
	}
	require.False(t, l.Allow("hank", ""))

	l.Reset("hank")
	assert.True(t, l.Allow("hank", ""))
	_, locked := l.LockedUntil("hank")
	assert.False(t, locked)
}

func TestLimiter_Sweep(t *testing.T) {
	clk := newFakeClock()
	l := New(Config{}, WithClock(clk.Now))

	l.Allow("a", "")
	l.Allow("b", "")
	require.Equal(t, 2, l.Tracked())

	clk.Advance(time.Hour + time.Second)
	assert.Equal(t, 2, l.Sweep())
	assert.Equal(t, 0, l.Tracked())
}

func TestLimiter_ConcurrentAllowHonorsLimit(t *testing.T) {
	clk := newFakeClock()
	l := New(Config{}, WithClock(clk.Now))

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Allow("ivan", "") {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(30), allowed.Load())
}

func TestLimiter_EndpointCapFoldsIntoDefault(t *testing.T) {
	clk := newFakeClock()
	l := New(Config{RequestsPerMinute: 2, MaxFailures: 100, MaxEndpoints: 2}, WithClock(clk.Now))

	require.True(t, l.Allow("erin", "buy"))
	require.True(t, l.Allow("erin", "sell"))

	// Every further endpoint name lands in the shared default window.
	require.True(t, l.Allow("erin", "x1"))
	require.True(t, l.Allow("erin", "x2"))
	d := l.Check("erin", "x3")
	assert.Equal(t, MinuteLimit, d.Reason)
	assert.False(t, l.Allow("erin", ""), "default window is full")

	assert.True(t, l.Allow("erin", "buy"), "existing endpoints keep their own window")
}
