package funding

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/wpx/perp-engine/internal/book"
	"github.com/wpx/perp-engine/internal/instrument"
	"github.com/wpx/perp-engine/internal/model"
	"github.com/wpx/perp-engine/internal/oracle"
	"github.com/wpx/perp-engine/internal/vamm"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

const ticker = "WPX-NBA-BOS-2026"

type env struct {
	engine  *Engine
	pricing *vamm.Engine
	book    *book.Book
	feed    *oracle.MemoryFeed
	clock   *time.Time
}

func (e *env) advance(dur time.Duration) {
	*e.clock = e.clock.Add(dur)
}

func defaultCap() model.FundingCap {
	return model.FundingCap{
		DailyCapPercent:      d(0.02),
		CumulativeCapPercent: d(0.10),
		EmergencyThreshold:   d(0.04),
		MaxDebtAgeSeconds:    7 * 86400,
	}
}

func newEnv(t *testing.T) *env {
	t.Helper()

	pricing, err := vamm.NewEngine(vamm.DefaultParams())
	if err != nil {
		t.Fatalf("vamm: %v", err)
	}
	bk := book.New()
	feed := oracle.NewMemoryFeed()
	clock := time.Unix(1_700_000_000, 0).UTC()
	eng := NewEngine(pricing, bk, feed, func() time.Time { return clock })

	if err := eng.Register(ticker, defaultCap()); err != nil {
		t.Fatalf("register: %v", err)
	}
	return &env{engine: eng, pricing: pricing, book: bk, feed: feed, clock: &clock}
}

func (e *env) open(t *testing.T, owner string, size, margin float64) string {
	t.Helper()
	mark := e.pricing.MarkPrice(e.book.NetImbalance(ticker), e.book.PoolValue(ticker))
	return e.book.OpenPosition(owner, ticker, d(size), mark, d(margin), d(2), *e.clock)
}

// --- Rate computation ---

func TestUpdateRate_PositiveWhenMarkAboveIndex(t *testing.T) {
	e := newEnv(t)
	e.book.AddLiquidity(ticker, "lp", d(100000))
	e.feed.Set(ticker, d(480))

	snap, err := e.engine.UpdateRate(context.Background(), ticker)
	if err != nil {
		t.Fatalf("update rate: %v", err)
	}
	// Balanced book marks at 500; index 480 ⇒ premium 20/480, rate ×0.05.
	if !snap.MarkPrice.Equal(d(500)) {
		t.Errorf("mark = %s, want 500", snap.MarkPrice)
	}
	wantPremium := d(20).DivRound(d(480), 19).Truncate(18)
	if !snap.Premium.Equal(wantPremium) {
		t.Errorf("premium = %s, want %s", snap.Premium, wantPremium)
	}
	if !snap.Rate.IsPositive() {
		t.Errorf("rate should be positive when mark > index, got %s", snap.Rate)
	}
}

func TestUpdateRate_NegativeWhenMarkBelowIndex(t *testing.T) {
	e := newEnv(t)
	e.book.AddLiquidity(ticker, "lp", d(100000))
	e.feed.Set(ticker, d(600))

	snap, err := e.engine.UpdateRate(context.Background(), ticker)
	if err != nil {
		t.Fatalf("update rate: %v", err)
	}
	if !snap.Rate.IsNegative() {
		t.Errorf("rate should be negative when mark < index, got %s", snap.Rate)
	}
}

func TestUpdateRate_ZeroIndexRejected(t *testing.T) {
	e := newEnv(t)
	e.feed.Set(ticker, decimal.Zero)
	if _, err := e.engine.UpdateRate(context.Background(), ticker); !errors.Is(err, ErrZeroIndexPrice) {
		t.Errorf("expected ErrZeroIndexPrice, got %v", err)
	}
}

func TestUpdateRate_UnknownInstrument(t *testing.T) {
	e := newEnv(t)
	if _, err := e.engine.UpdateRate(context.Background(), "WPX-NBA-CHI-2026"); !errors.Is(err, ErrUnknownInstrument) {
		t.Errorf("expected ErrUnknownInstrument, got %v", err)
	}
}

func TestUpdateRate_OverridePinsRate(t *testing.T) {
	e := newEnv(t)
	e.book.AddLiquidity(ticker, "lp", d(100000))
	e.feed.Set(ticker, d(480))

	pinned := d(0.001)
	if err := e.engine.SetOverrideRate(ticker, &pinned); err != nil {
		t.Fatalf("override: %v", err)
	}
	snap, _ := e.engine.UpdateRate(context.Background(), ticker)
	if !snap.Rate.Equal(pinned) {
		t.Errorf("rate = %s, want pinned %s", snap.Rate, pinned)
	}

	if err := e.engine.SetOverrideRate(ticker, nil); err != nil {
		t.Fatalf("clear override: %v", err)
	}
	snap, _ = e.engine.UpdateRate(context.Background(), ticker)
	if snap.Rate.Equal(pinned) {
		t.Error("clearing the override should restore premium-derived rates")
	}
}

// --- Execution: the balanced-book scenario from the design review ---

func TestExecute_BalancedBookPoolUntouched(t *testing.T) {
	e := newEnv(t)
	e.book.AddLiquidity(ticker, "lp", d(100000))
	e.feed.Set(ticker, d(480))

	e.open(t, "long", 10000, 5000)
	e.open(t, "short", -10000, 5000)

	e.advance(24 * time.Hour)
	res, err := e.engine.Execute(context.Background(), ticker)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	// Balanced book ⇒ zero pool obligation regardless of rate.
	if !res.Settlement.Obligation.IsZero() {
		t.Errorf("obligation = %s, want 0", res.Settlement.Obligation)
	}
	if !e.book.PoolValue(ticker).Equal(d(100000)) {
		t.Errorf("pool value changed on balanced book: %s", e.book.PoolValue(ticker))
	}

	// Long pays X, short receives ~X. rate = (500-480)/480·0.05, over 24h
	// payment = size·rate ≈ 20.83.
	var longMargin, shortMargin decimal.Decimal
	for _, p := range e.book.OpenPositions(ticker) {
		if p.Size.IsPositive() {
			longMargin = p.Margin
		} else {
			shortMargin = p.Margin
		}
	}
	longDelta := longMargin.Sub(d(5000))
	shortDelta := shortMargin.Sub(d(5000))

	if !longDelta.IsNegative() {
		t.Errorf("long should pay funding, margin delta %s", longDelta)
	}
	if !shortDelta.IsPositive() {
		t.Errorf("short should receive funding, margin delta %s", shortDelta)
	}
	// Closed loop: deltas cancel within rounding.
	if longDelta.Add(shortDelta).Abs().GreaterThan(d(0.000001)) {
		t.Errorf("margin deltas should cancel: long %s short %s", longDelta, shortDelta)
	}
	// Magnitude ≈ 10000 · 20/480 · 0.05 = 20.833…
	if longDelta.Abs().Sub(d(20.833333)).Abs().GreaterThan(d(0.01)) {
		t.Errorf("expected ~20.83 payment, got %s", longDelta.Abs())
	}
}

// --- Funding linearity ---

func TestExecute_LinearInTimeAndSize(t *testing.T) {
	run := func(t *testing.T, size float64, hours int) decimal.Decimal {
		t.Helper()
		e := newEnv(t)
		e.book.AddLiquidity(ticker, "lp", d(1000000))
		e.feed.Set(ticker, d(480))
		id := e.open(t, "trader", size, 1000000)

		e.advance(time.Duration(hours) * time.Hour)
		if _, err := e.engine.Execute(context.Background(), ticker); err != nil {
			t.Fatalf("execute: %v", err)
		}
		p, _ := e.book.Get(id)
		return p.Margin.Sub(d(1000000)).Abs()
	}

	pay12 := run(t, 10000, 12)
	pay24 := run(t, 10000, 24)
	ratio := pay24.DivRound(pay12, 10)
	if ratio.Sub(d(2)).Abs().GreaterThan(d(0.001)) {
		t.Errorf("doubling elapsed time should double payment: 12h=%s 24h=%s", pay12, pay24)
	}

	payHalf := run(t, 5000, 24)
	// Halving size does not exactly halve the payment because the mark
	// (and so the rate) depends on the imbalance; compare within the same
	// rate by checking proportionality bounds instead.
	if payHalf.GreaterThanOrEqual(pay24) {
		t.Errorf("smaller position should pay less: 5000→%s 10000→%s", payHalf, pay24)
	}
}

// --- Idempotence at zero elapsed time ---

func TestExecute_ZeroElapsedIsNoOp(t *testing.T) {
	e := newEnv(t)
	e.book.AddLiquidity(ticker, "lp", d(100000))
	e.feed.Set(ticker, d(480))
	id := e.open(t, "trader", 10000, 5000)

	e.advance(24 * time.Hour)
	if _, err := e.engine.Execute(context.Background(), ticker); err != nil {
		t.Fatalf("first execute: %v", err)
	}
	afterFirst, _ := e.book.Get(id)
	poolAfterFirst := e.book.PoolValue(ticker)

	// Same logical instant: everything must settle to exactly zero.
	res, err := e.engine.Execute(context.Background(), ticker)
	if err != nil {
		t.Fatalf("second execute: %v", err)
	}
	if res.Settlement.ElapsedSec != 0 {
		t.Errorf("elapsed = %d, want 0", res.Settlement.ElapsedSec)
	}
	afterSecond, _ := e.book.Get(id)
	if !afterSecond.Margin.Equal(afterFirst.Margin) {
		t.Errorf("margin moved on zero-elapsed round: %s → %s",
			afterFirst.Margin, afterSecond.Margin)
	}
	if !e.book.PoolValue(ticker).Equal(poolAfterFirst) {
		t.Errorf("pool moved on zero-elapsed round")
	}
}

// --- Value conservation (uncapped round) ---

func TestExecute_ValueConservation(t *testing.T) {
	e := newEnv(t)
	e.book.AddLiquidity(ticker, "lp", d(10000000))
	e.feed.Set(ticker, d(450))

	ids := []string{
		e.open(t, "a", 8000, 100000),
		e.open(t, "b", -3000, 100000),
		e.open(t, "c", 1500, 100000),
	}

	e.advance(8 * time.Hour)
	res, err := e.engine.Execute(context.Background(), ticker)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Settlement.CapReached {
		t.Fatal("scenario must stay under the cap for conservation to hold")
	}

	marginDelta := decimal.Zero
	for _, id := range ids {
		p, _ := e.book.Get(id)
		marginDelta = marginDelta.Add(p.Margin.Sub(d(100000)))
	}
	poolDelta := e.book.PoolValue(ticker).Sub(d(10000000))

	if marginDelta.Add(poolDelta).Abs().GreaterThan(d(0.000001)) {
		t.Errorf("funding created/destroyed value: margin Δ %s, pool Δ %s",
			marginDelta, poolDelta)
	}
}

// --- Capped single-sided scenario ---

func TestExecute_SingleLongCappedObligation(t *testing.T) {
	e := newEnv(t)
	e.book.AddLiquidity(ticker, "lp", d(10000))
	e.feed.Set(ticker, d(100)) // index far below mark

	e.open(t, "whale", 15000, 100000000)

	e.advance(24 * time.Hour)
	res, err := e.engine.Execute(context.Background(), ticker)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	if !res.Settlement.CapReached {
		t.Fatal("obligation far above cap should flag cap-reached")
	}
	// Daily cap is 2% of the live pool value at check time.
	wantTransfer := d(10000).Mul(d(0.02))
	if !res.Settlement.Transferred.Equal(wantTransfer) {
		t.Errorf("transferred %s, want daily cap %s",
			res.Settlement.Transferred, wantTransfer)
	}
	if got := e.book.PoolValue(ticker); !got.Equal(d(10000).Add(wantTransfer)) {
		t.Errorf("pool value = %s, want %s", got, d(10000).Add(wantTransfer))
	}
	if res.Settlement.Obligation.LessThanOrEqual(res.Settlement.Transferred) {
		t.Errorf("raw obligation %s should exceed clamped transfer %s",
			res.Settlement.Obligation, res.Settlement.Transferred)
	}
}

// --- Force close during settlement ---

func TestExecute_ForceCloseOnUnderfundedPosition(t *testing.T) {
	e := newEnv(t)
	e.book.AddLiquidity(ticker, "lp", d(100000))
	e.feed.Set(ticker, d(100))

	// Margin far below one day of funding at this rate.
	id := e.open(t, "thin", 10000, 5)

	e.advance(24 * time.Hour)
	res, err := e.engine.Execute(context.Background(), ticker)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(res.ForcedCloses) != 1 || res.Settlement.ForcedCloses != 1 {
		t.Fatalf("expected 1 forced close, got %d", len(res.ForcedCloses))
	}
	p, _ := e.book.Get(id)
	if p.IsOpen {
		t.Error("underfunded position should be force-closed")
	}
	if p.Margin.IsNegative() {
		t.Errorf("margin must never be negative, got %s", p.Margin)
	}
	if !e.book.NetImbalance(ticker).IsZero() {
		t.Errorf("imbalance should clear after force close, got %s",
			e.book.NetImbalance(ticker))
	}
}

// --- Pause, emergency, escalation ---

func TestExecute_PausedRejected(t *testing.T) {
	e := newEnv(t)
	e.feed.Set(ticker, d(500))
	if err := e.engine.SetPaused(ticker, true); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if _, err := e.engine.Execute(context.Background(), ticker); !errors.Is(err, ErrPaused) {
		t.Errorf("expected ErrPaused, got %v", err)
	}
}

func TestExecute_UnknownInstrumentRejectedEarly(t *testing.T) {
	e := newEnv(t)
	if _, err := e.engine.Execute(context.Background(), "WPX-NHL-BOS-2026"); !errors.Is(err, ErrUnknownInstrument) {
		t.Errorf("expected ErrUnknownInstrument, got %v", err)
	}
}

func TestEmergencyEscalation_MonotonicToCriticalAndAutoPause(t *testing.T) {
	e := newEnv(t)
	e.book.AddLiquidity(ticker, "lp", d(10000))
	e.feed.Set(ticker, d(100))
	e.open(t, "whale", 15000, 1000000000)

	// Four capped daily rounds pile up cumulative usage against a slowly
	// growing pool: severity must rise monotonically, never jump back.
	prev := 0
	for i := 0; i < 4; i++ {
		e.advance(24 * time.Hour)
		if _, err := e.engine.Execute(context.Background(), ticker); err != nil {
			t.Fatalf("execute round %d: %v", i, err)
		}
		sev, _ := e.engine.Severity(ticker)
		if sev < prev {
			t.Fatalf("severity regressed: %d → %d", prev, sev)
		}
		prev = sev
	}
	if prev < model.SeverityWarning {
		t.Fatalf("sustained capped funding should have escalated, still %d", prev)
	}

	// The LP pulls most liquidity: cumulative usage now dwarfs the pool,
	// so the next round must go critical and auto-pause.
	if _, err := e.book.RemoveLiquidity(ticker, "lp", d(9000)); err != nil {
		t.Fatalf("remove liquidity: %v", err)
	}
	e.advance(24 * time.Hour)
	if _, err := e.engine.Execute(context.Background(), ticker); err != nil {
		t.Fatalf("final execute: %v", err)
	}
	if sev, _ := e.engine.Severity(ticker); sev != model.SeverityCritical {
		t.Fatalf("severity = %d, want critical", sev)
	}
	if paused, _ := e.engine.Paused(ticker); !paused {
		t.Error("critical severity should pause funding")
	}
	if _, err := e.engine.Execute(context.Background(), ticker); !errors.Is(err, ErrPaused) {
		t.Errorf("paused instrument should reject execution, got %v", err)
	}
}

func TestTriggerEmergencyProtocol(t *testing.T) {
	e := newEnv(t)

	if err := e.engine.TriggerEmergencyProtocol(ticker, model.SeverityHigh); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if sev, _ := e.engine.Severity(ticker); sev != model.SeverityHigh {
		t.Errorf("severity = %d, want 2", sev)
	}
	// Lower severities are ignored: escalation is monotonic.
	if err := e.engine.TriggerEmergencyProtocol(ticker, model.SeverityWarning); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if sev, _ := e.engine.Severity(ticker); sev != model.SeverityHigh {
		t.Errorf("severity regressed to %d", sev)
	}
	// Critical pauses.
	e.engine.TriggerEmergencyProtocol(ticker, model.SeverityCritical)
	if paused, _ := e.engine.Paused(ticker); !paused {
		t.Error("critical trigger should pause funding")
	}
	if err := e.engine.TriggerEmergencyProtocol(ticker, 4); !errors.Is(err, ErrInvalidSeverity) {
		t.Errorf("expected ErrInvalidSeverity, got %v", err)
	}
}

// --- Registration / cap validation ---

func TestRegister_DuplicateRejected(t *testing.T) {
	e := newEnv(t)
	if err := e.engine.Register(ticker, defaultCap()); !errors.Is(err, ErrAlreadyRegistered) {
		t.Errorf("expected ErrAlreadyRegistered, got %v", err)
	}
}

func TestRegister_InvalidCapRejected(t *testing.T) {
	e := newEnv(t)
	bad := defaultCap()
	bad.EmergencyThreshold = d(0.5) // above cumulative cap
	err := e.engine.Register("WPX-NBA-CHI-2026", bad)
	if !errors.Is(err, instrument.ErrInvalidCap) {
		t.Errorf("expected ErrInvalidCap, got %v", err)
	}
}

func TestUpdateCap(t *testing.T) {
	e := newEnv(t)
	next := defaultCap()
	next.DailyCapPercent = d(0.05)
	if err := e.engine.UpdateCap(ticker, next); err != nil {
		t.Fatalf("update cap: %v", err)
	}
	got, _ := e.engine.Cap(ticker)
	if !got.DailyCapPercent.Equal(d(0.05)) {
		t.Errorf("daily cap = %s, want 0.05", got.DailyCapPercent)
	}
}
