package funding

import (
	"sync"

	"github.com/shopspring/decimal"

	"github.com/wpx/perp-engine/internal/fixedpoint"
	"github.com/wpx/perp-engine/internal/model"
)

// WindowDays is the trailing window for the cumulative funding-usage cap.
const WindowDays = 30

// CapTracker keeps rolling funding-usage accounting per instrument: a
// bucket of transferred funding magnitude per day-of-epoch. The cumulative
// usage is the literal sum over the last 30 day buckets, recomputed on
// every call — bounded cost, and rounding behavior identical to the
// definition.
type CapTracker struct {
	mu      sync.Mutex
	buckets map[string]map[int64]decimal.Decimal // instrument → day index → magnitude
}

// NewCapTracker creates an empty tracker.
func NewCapTracker() *CapTracker {
	return &CapTracker{buckets: make(map[string]map[int64]decimal.Decimal)}
}

// RecordUsage adds the transferred magnitude to the instrument's bucket for
// the given day and drops buckets that have aged out of the window.
func (t *CapTracker) RecordUsage(instrument string, day int64, amount decimal.Decimal) {
	if amount.IsZero() {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	days, ok := t.buckets[instrument]
	if !ok {
		days = make(map[int64]decimal.Decimal)
		t.buckets[instrument] = days
	}
	days[day] = days[day].Add(amount.Abs())

	for k := range days {
		if k <= day-WindowDays {
			delete(days, k)
		}
	}
}

// DailyUsed returns the magnitude recorded for the instrument on the day.
func (t *CapTracker) DailyUsed(instrument string, day int64) decimal.Decimal {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buckets[instrument][day]
}

// CumulativeUsed returns the trailing 30-day usage ending on the given day.
func (t *CapTracker) CumulativeUsed(instrument string, day int64) decimal.Decimal {
	t.mu.Lock()
	defer t.mu.Unlock()

	days := t.buckets[instrument]
	sum := decimal.Zero
	for i := day - WindowDays + 1; i <= day; i++ {
		sum = sum.Add(days[i])
	}
	return sum
}

// CapCheck is the result of checking a requested pool obligation against
// the funding caps.
type CapCheck struct {
	// Available is the headroom under the lesser of the daily and
	// cumulative caps. Never negative.
	Available decimal.Decimal

	// CapReached is set when the requested amount exceeds Available.
	// Requesting exactly Available does not trip it.
	CapReached bool
}

// Check computes the available funding headroom for the instrument given
// its cap configuration and the live pool value. Caps are percentages of
// the current pool value, recomputed on every call — never stored as
// absolute amounts. A zero pool yields zero available with the cap flagged
// as reached; there is no division anywhere here, so no zero special case
// beyond that.
func (t *CapTracker) Check(instrument string, cap model.FundingCap, poolValue, requested decimal.Decimal, day int64) CapCheck {
	if poolValue.LessThanOrEqual(decimal.Zero) {
		return CapCheck{Available: decimal.Zero, CapReached: true}
	}

	dailyLimit := fixedpoint.Mul(cap.DailyCapPercent, poolValue)
	cumLimit := fixedpoint.Mul(cap.CumulativeCapPercent, poolValue)

	dailyRemaining := dailyLimit.Sub(t.DailyUsed(instrument, day))
	cumRemaining := cumLimit.Sub(t.CumulativeUsed(instrument, day))

	available := dailyRemaining
	if cumRemaining.LessThan(available) {
		available = cumRemaining
	}
	if available.IsNegative() {
		available = decimal.Zero
	}

	return CapCheck{
		Available:  available,
		CapReached: requested.GreaterThan(available),
	}
}
