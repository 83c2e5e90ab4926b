// Package funding computes funding rates that pull the mark price toward
// the external win-percentage index, settles per-position funding payments,
// and manages the liquidity pool's capped funding exposure with emergency
// escalation.
//
// The funding loop is externally driven: an operational scheduler calls
// Execute at the intended cadence. Nothing here self-triggers.
//
// All monetary values use shopspring/decimal — never float64 for money.
package funding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/wpx/perp-engine/internal/book"
	"github.com/wpx/perp-engine/internal/fixedpoint"
	"github.com/wpx/perp-engine/internal/instrument"
	"github.com/wpx/perp-engine/internal/model"
	"github.com/wpx/perp-engine/internal/oracle"
	"github.com/wpx/perp-engine/internal/vamm"
)

var (
	// ErrUnknownInstrument is returned before any state is read when the
	// instrument was never registered.
	ErrUnknownInstrument = errors.New("funding: unknown instrument")

	// ErrAlreadyRegistered is returned when registering a duplicate ticker.
	ErrAlreadyRegistered = errors.New("funding: instrument already registered")

	// ErrPaused is returned when funding execution is paused for the
	// instrument.
	ErrPaused = errors.New("funding: instrument is paused")

	// ErrZeroIndexPrice is returned when the feed reports index 0: the
	// premium is undefined and no rate can be computed.
	ErrZeroIndexPrice = errors.New("funding: index price is zero")

	// ErrInvalidSeverity is returned for emergency escalation outside 1–3.
	ErrInvalidSeverity = errors.New("funding: severity must be 1, 2 or 3")
)

const secondsPerDay = 86400

var secondsPerDayDec = decimal.NewFromInt(secondsPerDay)

// instState is the funding engine's per-instrument state.
type instState struct {
	cap             model.FundingCap
	paused          bool
	overrideRate    *decimal.Decimal
	lastFundingTime time.Time
	severity        int
	snapshot        model.FundingRateSnapshot
	hasSnapshot     bool
}

// Engine owns funding-rate snapshots, funding caps, daily usage buckets and
// emergency severity. It reads the pricing engine for mark prices and
// mutates positions and the pool only through the book's API.
type Engine struct {
	mu      sync.Mutex
	pricing *vamm.Engine
	book    *book.Book
	feed    oracle.Feed
	caps    *CapTracker
	now     func() time.Time

	instruments map[string]*instState
}

// NewEngine wires the funding engine. now is the logical clock; pass
// time.Now for production.
func NewEngine(pricing *vamm.Engine, bk *book.Book, feed oracle.Feed, now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{
		pricing:     pricing,
		book:        bk,
		feed:        feed,
		caps:        NewCapTracker(),
		now:         now,
		instruments: make(map[string]*instState),
	}
}

// Register adds an instrument with its funding cap. The funding clock
// starts now: the first execution settles from registration time.
func (e *Engine) Register(ticker string, cap model.FundingCap) error {
	if err := instrument.ValidateCap(cap); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.instruments[ticker]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, ticker)
	}
	e.instruments[ticker] = &instState{
		cap:             cap,
		lastFundingTime: e.now(),
	}
	return nil
}

// UpdateCap replaces the instrument's funding cap.
func (e *Engine) UpdateCap(ticker string, cap model.FundingCap) error {
	if err := instrument.ValidateCap(cap); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.instruments[ticker]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownInstrument, ticker)
	}
	st.cap = cap
	return nil
}

// Cap returns the instrument's funding cap.
func (e *Engine) Cap(ticker string) (model.FundingCap, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.instruments[ticker]
	if !ok {
		return model.FundingCap{}, fmt.Errorf("%w: %s", ErrUnknownInstrument, ticker)
	}
	return st.cap, nil
}

// SetPaused pauses or resumes funding execution for the instrument.
func (e *Engine) SetPaused(ticker string, paused bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.instruments[ticker]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownInstrument, ticker)
	}
	st.paused = paused
	return nil
}

// Paused reports whether funding is paused for the instrument.
func (e *Engine) Paused(ticker string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.instruments[ticker]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownInstrument, ticker)
	}
	return st.paused, nil
}

// SetOverrideRate pins the funding rate to a fixed emergency value; nil
// restores premium-derived rates.
func (e *Engine) SetOverrideRate(ticker string, rate *decimal.Decimal) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.instruments[ticker]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownInstrument, ticker)
	}
	st.overrideRate = rate
	return nil
}

// OverrideRate returns the pinned emergency rate, or nil if rates are
// premium-derived.
func (e *Engine) OverrideRate(ticker string) (*decimal.Decimal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.instruments[ticker]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownInstrument, ticker)
	}
	if st.overrideRate == nil {
		return nil, nil
	}
	r := *st.overrideRate
	return &r, nil
}

// LastFundingTime returns when the instrument last settled funding.
func (e *Engine) LastFundingTime(ticker string) (time.Time, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.instruments[ticker]
	if !ok {
		return time.Time{}, fmt.Errorf("%w: %s", ErrUnknownInstrument, ticker)
	}
	return st.lastFundingTime, nil
}

// Severity returns the instrument's current emergency severity.
func (e *Engine) Severity(ticker string) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.instruments[ticker]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownInstrument, ticker)
	}
	return st.severity, nil
}

// Snapshot returns the most recent funding-rate snapshot.
func (e *Engine) Snapshot(ticker string) (model.FundingRateSnapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.instruments[ticker]
	if !ok {
		return model.FundingRateSnapshot{}, fmt.Errorf("%w: %s", ErrUnknownInstrument, ticker)
	}
	if !st.hasSnapshot {
		return model.FundingRateSnapshot{}, fmt.Errorf("%w: no rate computed yet for %s",
			ErrUnknownInstrument, ticker)
	}
	return st.snapshot, nil
}

// UpdateRate recomputes the funding rate from the live mark and index
// prices and stores the snapshot. Positive rate: mark above index, longs
// pay.
//
//	premium = (mark − index) / index
//	rate    = premium · fundingFactor
func (e *Engine) UpdateRate(ctx context.Context, ticker string) (model.FundingRateSnapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.instruments[ticker]
	if !ok {
		return model.FundingRateSnapshot{}, fmt.Errorf("%w: %s", ErrUnknownInstrument, ticker)
	}
	return e.updateRateLocked(ctx, ticker, st)
}

func (e *Engine) updateRateLocked(ctx context.Context, ticker string, st *instState) (model.FundingRateSnapshot, error) {
	index, err := e.feed.IndexPrice(ctx, ticker)
	if err != nil {
		return model.FundingRateSnapshot{}, err
	}
	if index.IsZero() {
		return model.FundingRateSnapshot{}, fmt.Errorf("%w: %s", ErrZeroIndexPrice, ticker)
	}

	mark := e.pricing.MarkPrice(e.book.NetImbalance(ticker), e.book.PoolValue(ticker))
	premium := fixedpoint.Div(mark.Sub(index), index)

	var rate decimal.Decimal
	if st.overrideRate != nil {
		rate = *st.overrideRate
	} else {
		rate = fixedpoint.Mul(premium, e.pricing.Params().FundingFactor)
	}

	st.snapshot = model.FundingRateSnapshot{
		Rate:       rate,
		Premium:    premium,
		MarkPrice:  mark,
		IndexPrice: index,
		Timestamp:  e.now(),
	}
	st.hasSnapshot = true
	return st.snapshot, nil
}

// Result reports one funding execution.
type Result struct {
	Settlement   model.FundingSettlement
	ForcedCloses []model.Position
}

// Execute runs one funding round for the instrument:
// rate refresh, per-position settlement, pool settlement, cap accounting,
// emergency check — strictly in that order, all-or-nothing. Per-position
// payments are never clamped; only the pool's exposure is capped.
func (e *Engine) Execute(ctx context.Context, ticker string) (Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.instruments[ticker]
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownInstrument, ticker)
	}
	if st.paused {
		return Result{}, fmt.Errorf("%w: %s", ErrPaused, ticker)
	}

	// Stage 1: rate refresh.
	snap, err := e.updateRateLocked(ctx, ticker, st)
	if err != nil {
		return Result{}, err
	}

	now := e.now()
	elapsed := int64(now.Sub(st.lastFundingTime).Seconds())
	if elapsed < 0 {
		elapsed = 0
	}
	elapsedDec := decimal.NewFromInt(elapsed)

	// Stage 2 (plan): per-position payments. payment = −size·rate·Δt/86400.
	// Planned before anything is applied so a pool-settlement failure
	// leaves no partial state.
	positions := e.book.OpenPositions(ticker)
	payments := make([]decimal.Decimal, len(positions))
	for i, p := range positions {
		payments[i] = fixedpoint.MulDiv(p.Size.Mul(snap.Rate).Neg(), elapsedDec, secondsPerDayDec)
	}

	// Stage 3 (plan): pool obligation. A perfectly balanced book owes the
	// pool exactly zero regardless of rate.
	imbalance := e.book.NetImbalance(ticker)
	obligation := fixedpoint.MulDiv(imbalance.Mul(snap.Rate), elapsedDec, secondsPerDayDec)

	// Stage 4: cap accounting against the live pool value. Only positive
	// obligations (pool receiving) are cap-limited.
	poolValue := e.book.PoolValue(ticker)
	dayIdx := now.Unix() / secondsPerDay
	transfer := obligation
	capReached := false
	if obligation.IsPositive() {
		chk := e.caps.Check(ticker, st.cap, poolValue, obligation, dayIdx)
		if chk.CapReached {
			transfer = chk.Available
			capReached = true
		}
	}

	// A pool debit that cannot be covered fails the whole round before any
	// position is touched.
	if transfer.IsNegative() && transfer.Abs().GreaterThan(poolValue) {
		return Result{}, book.ErrInsufficientPool
	}

	// Commit: settle positions (may force-close), then the pool transfer.
	var forced []model.Position
	for i, p := range positions {
		wasForced, err := e.book.ApplyFunding(p.ID, payments[i])
		if err != nil {
			return Result{}, fmt.Errorf("funding: settle position %s: %w", p.ID, err)
		}
		if wasForced {
			closed, _ := e.book.Get(p.ID)
			forced = append(forced, closed)
		}
	}
	if err := e.book.TransferPoolFunding(ticker, transfer); err != nil {
		return Result{}, err
	}

	// Stage 5: usage accounting.
	e.caps.RecordUsage(ticker, dayIdx, transfer)

	// Stage 6: emergency check against cumulative usage.
	e.escalateLocked(ticker, st, dayIdx)

	st.lastFundingTime = now

	settlement := model.FundingSettlement{
		ID:           uuid.New().String(),
		Instrument:   ticker,
		Rate:         snap.Rate,
		MarkPrice:    snap.MarkPrice,
		IndexPrice:   snap.IndexPrice,
		ElapsedSec:   elapsed,
		Obligation:   obligation,
		Transferred:  transfer,
		CapReached:   capReached,
		ForcedCloses: len(forced),
		Severity:     st.severity,
		Timestamp:    now,
	}

	slog.Info("funding executed",
		"instrument", ticker,
		"rate", snap.Rate.String(),
		"elapsed_sec", elapsed,
		"obligation", obligation.String(),
		"transferred", transfer.String(),
		"cap_reached", capReached,
		"forced_closes", len(forced),
		"severity", st.severity,
	)

	return Result{Settlement: settlement, ForcedCloses: forced}, nil
}

// escalateLocked recomputes cumulative usage against the live pool value
// and raises severity monotonically. Critical severity also pauses
// funding: the automatic de-risking step.
func (e *Engine) escalateLocked(ticker string, st *instState, dayIdx int64) {
	used := e.caps.CumulativeUsed(ticker, dayIdx)
	poolValue := e.book.PoolValue(ticker)

	var severity int
	switch {
	case poolValue.LessThanOrEqual(decimal.Zero):
		if used.IsPositive() {
			severity = model.SeverityCritical
		}
	default:
		usagePct := fixedpoint.Div(used, poolValue)
		midpoint := fixedpoint.Div(
			st.cap.EmergencyThreshold.Add(st.cap.CumulativeCapPercent),
			decimal.NewFromInt(2),
		)
		switch {
		case usagePct.GreaterThanOrEqual(st.cap.CumulativeCapPercent):
			severity = model.SeverityCritical
		case usagePct.GreaterThanOrEqual(midpoint):
			severity = model.SeverityHigh
		case usagePct.GreaterThanOrEqual(st.cap.EmergencyThreshold):
			severity = model.SeverityWarning
		}
	}

	if severity > st.severity {
		st.severity = severity
		if severity == model.SeverityCritical {
			st.paused = true
		}
		slog.Warn("funding emergency escalation",
			"instrument", ticker,
			"severity", severity,
			"cumulative_used", used.String(),
			"pool_value", poolValue.String(),
		)
	}
}

// TriggerEmergencyProtocol forces an escalation to the given severity.
// Severity only rises; critical also pauses funding.
func (e *Engine) TriggerEmergencyProtocol(ticker string, severity int) error {
	if severity < model.SeverityWarning || severity > model.SeverityCritical {
		return ErrInvalidSeverity
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.instruments[ticker]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownInstrument, ticker)
	}
	if severity > st.severity {
		st.severity = severity
		if severity == model.SeverityCritical {
			st.paused = true
		}
		slog.Warn("emergency protocol triggered",
			"instrument", ticker, "severity", severity)
	}
	return nil
}

// Registered reports whether the ticker is known to the funding engine.
func (e *Engine) Registered(ticker string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.instruments[ticker]
	return ok
}
