package rerank

import (
	"sync"
	"time"

	"github.com/hyperengineering/engram/fault"
)

// Listwise tier quota defaults.
const (
	// DefaultMaxRequests is the per-user request cap per window.
	DefaultMaxRequests = 100
	// DefaultWindow is the sliding quota window.
	DefaultWindow = time.Hour
	// DefaultBudgetCents is the per-user spend cap per window, in cents.
	DefaultBudgetCents = 1000
)

const limitReason = "Rate limit exceeded"

type (
	// LimiterOptions configures the per-user sliding window.
	LimiterOptions struct {
		// MaxRequests caps calls per user per window. Defaults to 100.
		MaxRequests int
		// Window is the sliding interval. Defaults to 1 hour.
		Window time.Duration
		// BudgetCents caps attributed spend per user per window. Defaults
		// to 1000 (ten dollars).
		BudgetCents int
		// Now overrides the clock in tests.
		Now func() time.Time
	}

	// Limiter enforces per-user request and spend quotas over a sliding
	// window. Exceeding the spend budget sets a sticky flag that keeps
	// rejecting until enough cost rolls out of the window, even if a
	// single request would otherwise fit.
	Limiter struct {
		maxRequests int
		window      time.Duration
		budget      int
		now         func() time.Time

		mu    sync.Mutex
		users map[string]*userWindow
	}

	userWindow struct {
		requests       []time.Time
		costs          []costEvent
		budgetExceeded bool
	}

	costEvent struct {
		at    time.Time
		cents int
	}
)

// NewLimiter creates the limiter.
func NewLimiter(opts LimiterOptions) *Limiter {
	if opts.MaxRequests <= 0 {
		opts.MaxRequests = DefaultMaxRequests
	}
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.BudgetCents <= 0 {
		opts.BudgetCents = DefaultBudgetCents
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Limiter{
		maxRequests: opts.MaxRequests,
		window:      opts.Window,
		budget:      opts.BudgetCents,
		now:         opts.Now,
		users:       make(map[string]*userWindow),
	}
}

// Allow admits one request for the user or returns a *fault.RateLimitError
// telling the caller when capacity returns. Admitted requests count
// against the window immediately; rejected ones do not.
func (l *Limiter) Allow(user string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w := l.users[user]
	if w == nil {
		w = &userWindow{}
		l.users[user] = w
	}
	w.prune(now.Add(-l.window))

	spent := w.spent()
	if w.budgetExceeded && spent < l.budget {
		w.budgetExceeded = false
	}
	if w.budgetExceeded || spent >= l.budget {
		w.budgetExceeded = true
		return &fault.RateLimitError{Reason: limitReason, ResetAt: w.budgetResetAt(l.budget, l.window, now)}
	}
	if len(w.requests) >= l.maxRequests {
		return &fault.RateLimitError{Reason: limitReason, ResetAt: w.requests[0].Add(l.window)}
	}
	w.requests = append(w.requests, now)
	return nil
}

// Record attributes the cost of a completed call to the user's window.
func (l *Limiter) Record(user string, cents int) {
	if cents <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w := l.users[user]
	if w == nil {
		w = &userWindow{}
		l.users[user] = w
	}
	w.prune(now.Add(-l.window))
	w.costs = append(w.costs, costEvent{at: now, cents: cents})
}

// prune drops events that slid out of the window.
func (w *userWindow) prune(cutoff time.Time) {
	i := 0
	for i < len(w.requests) && !w.requests[i].After(cutoff) {
		i++
	}
	w.requests = w.requests[i:]
	j := 0
	for j < len(w.costs) && !w.costs[j].at.After(cutoff) {
		j++
	}
	w.costs = w.costs[j:]
}

// spent sums the in-window cost.
func (w *userWindow) spent() int {
	total := 0
	for _, c := range w.costs {
		total += c.cents
	}
	return total
}

// budgetResetAt returns when enough cost rolls out of the window for the
// rolling total to drop below the budget.
func (w *userWindow) budgetResetAt(budget int, window time.Duration, now time.Time) time.Time {
	spent := w.spent()
	removed := 0
	for _, c := range w.costs {
		removed += c.cents
		if spent-removed < budget {
			return c.at.Add(window)
		}
	}
	if n := len(w.costs); n > 0 {
		return w.costs[n-1].at.Add(window)
	}
	return now.Add(window)
}
