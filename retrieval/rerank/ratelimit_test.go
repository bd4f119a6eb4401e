package rerank

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hyperengineering/engram/fault"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestLimiterCapsRequestsPerWindow(t *testing.T) {
	clock := newTestClock()
	l := NewLimiter(LimiterOptions{MaxRequests: 3, Window: time.Hour, Now: clock.Now})

	for i := 0; i < 3; i++ {
		require.NoError(t, l.Allow("amy"))
		clock.Advance(time.Minute)
	}

	err := l.Allow("amy")
	var rl *fault.RateLimitError
	require.ErrorAs(t, err, &rl)
	require.Equal(t, "Rate limit exceeded", rl.Reason)
	require.Equal(t, clock.Now().Add(57*time.Minute), rl.ResetAt)

	// The oldest request slides out after an hour.
	clock.Advance(58 * time.Minute)
	require.NoError(t, l.Allow("amy"))
}

func TestLimiterRejectionsDoNotConsumeQuota(t *testing.T) {
	clock := newTestClock()
	l := NewLimiter(LimiterOptions{MaxRequests: 1, Window: time.Hour, Now: clock.Now})

	require.NoError(t, l.Allow("amy"))
	require.Error(t, l.Allow("amy"))
	require.Error(t, l.Allow("amy"))

	clock.Advance(time.Hour + time.Second)
	require.NoError(t, l.Allow("amy"))
}

func TestLimiterBudgetIsSticky(t *testing.T) {
	clock := newTestClock()
	l := NewLimiter(LimiterOptions{MaxRequests: 100, Window: time.Hour, BudgetCents: 10, Now: clock.Now})

	require.NoError(t, l.Allow("amy"))
	l.Record("amy", 6)
	clock.Advance(10 * time.Minute)
	require.NoError(t, l.Allow("amy"))
	l.Record("amy", 6)

	// Twelve cents spent against a ten cent budget.
	err := l.Allow("amy")
	var rl *fault.RateLimitError
	require.ErrorAs(t, err, &rl)
	require.True(t, rl.ResetAt.After(clock.Now()))
	// The first cost event rolling off brings the total to six.
	require.Equal(t, clock.Now().Add(50*time.Minute), rl.ResetAt)

	// Still sticky while the rolling total stays at or above the budget.
	clock.Advance(30 * time.Minute)
	require.Error(t, l.Allow("amy"))

	// First cost event slides out: total drops to six, flag clears.
	clock.Advance(21 * time.Minute)
	require.NoError(t, l.Allow("amy"))
}

func TestLimiterUsersAreIndependent(t *testing.T) {
	clock := newTestClock()
	l := NewLimiter(LimiterOptions{MaxRequests: 1, Window: time.Hour, Now: clock.Now})

	require.NoError(t, l.Allow("amy"))
	require.Error(t, l.Allow("amy"))
	require.NoError(t, l.Allow("ben"))
}

func TestLimiterDefaults(t *testing.T) {
	l := NewLimiter(LimiterOptions{})
	require.Equal(t, DefaultMaxRequests, l.maxRequests)
	require.Equal(t, DefaultWindow, l.window)
	require.Equal(t, DefaultBudgetCents, l.budget)
}
