package reranker

import (
	"sync"
	"time"
)

// UsageCounter tracks rerank billing units consumed during the current
// calendar day. It is advisory only — the provider enforces the real
// limit — and exists so operators can see remaining quota. The counter
// resets when the wall-clock day rolls over; every read and write checks
// for the rollover first.
//
// The counter is an injected component, not a package-level singleton,
// so it can be replaced by a persistent or shared implementation without
// touching call sites.
type UsageCounter struct {
	// mu protects all fields below.
	mu sync.Mutex
	// date is the calendar day the counter currently covers (YYYY-MM-DD).
	date string
	// unitsUsed is the total units recorded since the start of date.
	unitsUsed int
	// dailyLimit is the advisory daily quota; nil means unlimited.
	dailyLimit *int
	// now returns the current time; injected for tests.
	now func() time.Time
}

// UsageSnapshot is a point-in-time view of the counter.
type UsageSnapshot struct {
	// Date is the calendar day the snapshot covers.
	Date string `json:"date"`
	// UnitsUsed is the units consumed so far today.
	UnitsUsed int `json:"units_used"`
	// DailyLimit is the advisory quota; nil when unlimited.
	DailyLimit *int `json:"daily_limit"`
	// Remaining is DailyLimit - UnitsUsed, floored at zero; nil when
	// unlimited.
	Remaining *int `json:"remaining"`
}

// NewUsageCounter constructs a counter with the given advisory daily
// limit. Pass nil for unlimited.
func NewUsageCounter(dailyLimit *int) *UsageCounter {
	return &UsageCounter{dailyLimit: dailyLimit, now: time.Now}
}

// NewUsageCounterWithClock is NewUsageCounter with an injected clock,
// used by tests to exercise the day rollover.
func NewUsageCounterWithClock(dailyLimit *int, now func() time.Time) *UsageCounter {
	return &UsageCounter{dailyLimit: dailyLimit, now: now}
}

// Record adds units to today's total. Units from failed calls count too —
// providers bill for attempts that returned usage.
func (c *UsageCounter) Record(units int) {
	if units <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetIfNewDay()
	c.unitsUsed += units
}

// Snapshot returns the current state after applying any pending day
// rollover.
func (c *UsageCounter) Snapshot() UsageSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetIfNewDay()

	snap := UsageSnapshot{
		Date:       c.date,
		UnitsUsed:  c.unitsUsed,
		DailyLimit: c.dailyLimit,
	}
	if c.dailyLimit != nil {
		rem := *c.dailyLimit - c.unitsUsed
		if rem < 0 {
			rem = 0
		}
		snap.Remaining = &rem
	}
	return snap
}

// resetIfNewDay zeroes the counter when the calendar day has changed.
// Callers must hold mu.
func (c *UsageCounter) resetIfNewDay() {
	today := c.now().Format(time.DateOnly)
	if c.date != today {
		c.date = today
		c.unitsUsed = 0
	}
}
