// Package risk enforces per-trader exposure limits that account for
// correlation between instruments in the same league.
//
// A trader long every NBA team's win-percentage perp holds correlated risk:
// league results are zero-sum, so those positions move together against the
// pool. Correlation grouping uses the league segment of the ticker and
// caps the aggregate absolute exposure across the group, on top of a
// per-instrument cap.
package risk

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrPerInstrumentLimitExceeded is returned when a trade would push a
	// single instrument's net position beyond the per-instrument maximum.
	ErrPerInstrumentLimitExceeded = errors.New("risk: per-instrument position limit exceeded")

	// ErrCorrelatedLimitExceeded is returned when a trade would push the
	// aggregate exposure across same-league instruments beyond the
	// correlated maximum.
	ErrCorrelatedLimitExceeded = errors.New("risk: correlated exposure limit exceeded")
)

// Limiter enforces exposure limits per instrument and per league group.
type Limiter struct {
	// MaxPerInstrument is the maximum absolute net position in any single
	// instrument.
	MaxPerInstrument decimal.Decimal

	// MaxCorrelated is the maximum aggregate absolute exposure across all
	// instruments in the same league.
	MaxCorrelated decimal.Decimal
}

// NewLimiter creates a limiter with the given per-instrument and
// correlated exposure limits.
func NewLimiter(maxPerInstrument, maxCorrelated decimal.Decimal) *Limiter {
	return &Limiter{
		MaxPerInstrument: maxPerInstrument,
		MaxCorrelated:    maxCorrelated,
	}
}

// Exposure is one instrument's contribution to a trader's book.
type Exposure struct {
	Instrument string
	League     string
	Net        decimal.Decimal
}

// CheckLimit validates whether a trade respects position limits.
//
// Parameters:
//   - instrument, league: the instrument being traded
//   - sizeDelta: signed change in exposure
//   - existing: the trader's current per-instrument exposures
//
// Returns nil if the trade is within limits.
func (l *Limiter) CheckLimit(instrument, league string, sizeDelta decimal.Decimal, existing []Exposure) error {
	current := decimal.Zero
	for _, e := range existing {
		if e.Instrument == instrument {
			current = current.Add(e.Net)
		}
	}
	newPosition := current.Add(sizeDelta)

	if newPosition.Abs().GreaterThan(l.MaxPerInstrument) {
		return ErrPerInstrumentLimitExceeded
	}

	totalCorrelated := newPosition.Abs()
	for _, e := range existing {
		if e.Instrument == instrument {
			continue // already counted via newPosition above
		}
		if e.League == league {
			totalCorrelated = totalCorrelated.Add(e.Net.Abs())
		}
	}

	if totalCorrelated.GreaterThan(l.MaxCorrelated) {
		return ErrCorrelatedLimitExceeded
	}

	return nil
}
