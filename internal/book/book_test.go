package book

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

const instr = "WPX-NBA-BOS-2026"

func open(t *testing.T, b *Book, owner string, size float64) string {
	t.Helper()
	return b.OpenPosition(owner, instr, d(size), d(500), d(100), d(2), time.Now().UTC())
}

// --- Imbalance conservation ---

func TestNetImbalance_TracksOpenPositions(t *testing.T) {
	b := New()
	open(t, b, "alice", 1000)
	open(t, b, "bob", -400)
	open(t, b, "alice", 250)

	if got := b.NetImbalance(instr); !got.Equal(d(850)) {
		t.Errorf("imbalance = %s, want 850", got)
	}

	// Invariant: imbalance must equal the sum of open sizes at every point.
	sum := decimal.Zero
	for _, p := range b.OpenPositions(instr) {
		sum = sum.Add(p.Size)
	}
	if !b.NetImbalance(instr).Equal(sum) {
		t.Errorf("imbalance %s != Σ open sizes %s", b.NetImbalance(instr), sum)
	}
}

func TestNetImbalance_CloseRemovesContribution(t *testing.T) {
	b := New()
	id1 := open(t, b, "alice", 1000)
	open(t, b, "bob", -400)

	if _, err := b.ClosePosition(id1); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := b.NetImbalance(instr); !got.Equal(d(-400)) {
		t.Errorf("imbalance after close = %s, want -400", got)
	}

	sum := decimal.Zero
	for _, p := range b.OpenPositions(instr) {
		sum = sum.Add(p.Size)
	}
	if !b.NetImbalance(instr).Equal(sum) {
		t.Errorf("imbalance %s != Σ open sizes %s", b.NetImbalance(instr), sum)
	}
}

// --- Close semantics ---

func TestClosePosition_Terminal(t *testing.T) {
	b := New()
	id := open(t, b, "alice", 1000)

	p, err := b.ClosePosition(id)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if p.IsOpen {
		t.Error("returned record should be closed")
	}

	// Second close is rejected.
	if _, err := b.ClosePosition(id); !errors.Is(err, ErrPositionClosed) {
		t.Errorf("expected ErrPositionClosed, got %v", err)
	}
	// Funding can no longer touch it.
	if _, err := b.ApplyFunding(id, d(10)); !errors.Is(err, ErrPositionClosed) {
		t.Errorf("expected ErrPositionClosed, got %v", err)
	}
	// And it is excluded from enumeration and the trader index.
	if n := len(b.OpenPositions(instr)); n != 0 {
		t.Errorf("closed position still enumerated: %d open", n)
	}
	if n := len(b.OpenPositionsByTrader("alice")); n != 0 {
		t.Errorf("closed position still in trader index: %d", n)
	}
}

func TestClosePosition_NotFound(t *testing.T) {
	b := New()
	if _, err := b.ClosePosition("nope"); !errors.Is(err, ErrPositionNotFound) {
		t.Errorf("expected ErrPositionNotFound, got %v", err)
	}
}

func TestTraderIndex_SwapAndPop(t *testing.T) {
	b := New()
	ids := []string{
		open(t, b, "alice", 100),
		open(t, b, "alice", 200),
		open(t, b, "alice", 300),
	}

	// Remove the first; order is not preserved — only membership matters.
	if _, err := b.ClosePosition(ids[0]); err != nil {
		t.Fatalf("close: %v", err)
	}
	remaining := b.OpenPositionsByTrader("alice")
	if len(remaining) != 2 {
		t.Fatalf("expected 2 open positions, got %d", len(remaining))
	}
	seen := map[string]bool{}
	for _, p := range remaining {
		seen[p.ID] = true
	}
	if seen[ids[0]] || !seen[ids[1]] || !seen[ids[2]] {
		t.Errorf("wrong membership after removal: %v", seen)
	}
}

// --- Funding application ---

func TestApplyFunding_CreditAndDebit(t *testing.T) {
	b := New()
	id := open(t, b, "alice", 1000) // margin 100

	if forced, err := b.ApplyFunding(id, d(-40)); err != nil || forced {
		t.Fatalf("debit: forced=%v err=%v", forced, err)
	}
	if forced, err := b.ApplyFunding(id, d(15)); err != nil || forced {
		t.Fatalf("credit: forced=%v err=%v", forced, err)
	}
	p, _ := b.Get(id)
	if !p.Margin.Equal(d(75)) {
		t.Errorf("margin = %s, want 75", p.Margin)
	}
}

func TestApplyFunding_ForceCloseOnOverdraft(t *testing.T) {
	b := New()
	id := open(t, b, "alice", 1000) // margin 100

	forced, err := b.ApplyFunding(id, d(-100.01))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !forced {
		t.Fatal("debit exceeding margin should force-close")
	}
	p, _ := b.Get(id)
	if p.IsOpen {
		t.Error("force-closed position should not be open")
	}
	if p.Margin.IsNegative() {
		t.Errorf("margin must never be negative, got %s", p.Margin)
	}
	if !b.NetImbalance(instr).IsZero() {
		t.Errorf("imbalance should drop to 0 after force close, got %s",
			b.NetImbalance(instr))
	}
}

func TestApplyFunding_ExactMarginForced(t *testing.T) {
	b := New()
	id := open(t, b, "alice", 1000) // margin 100

	// A debit that consumes the margin entirely forces the close; no open
	// position is ever left with zero margin.
	forced, err := b.ApplyFunding(id, d(-100))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !forced {
		t.Fatal("debit equal to margin should force close")
	}
	p, _ := b.Get(id)
	if p.IsOpen || !p.Margin.IsZero() {
		t.Errorf("position should be closed with zero margin, got open=%v margin=%s",
			p.IsOpen, p.Margin)
	}
}

// --- Pool shares ---

func TestAddLiquidity_FirstDepositMintsOneToOne(t *testing.T) {
	b := New()
	shares, err := b.AddLiquidity(instr, "lp1", d(10000))
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if !shares.Equal(d(10000)) {
		t.Errorf("first deposit should mint 1:1, got %s", shares)
	}
}

func TestAddLiquidity_ProRataAfterPoolGain(t *testing.T) {
	b := New()
	b.AddLiquidity(instr, "lp1", d(10000))
	// Pool gains 2500 from funding; pool is now worth 12500 over 10000 shares.
	if err := b.TransferPoolFunding(instr, d(2500)); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	shares, err := b.AddLiquidity(instr, "lp2", d(2500))
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	// 2500 · 10000 / 12500 = 2000
	if !shares.Equal(d(2000)) {
		t.Errorf("expected 2000 shares, got %s", shares)
	}
}

func TestRemoveLiquidity_ProRata(t *testing.T) {
	b := New()
	b.AddLiquidity(instr, "lp1", d(10000))
	b.TransferPoolFunding(instr, d(2500))

	amount, err := b.RemoveLiquidity(instr, "lp1", d(4000))
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	// 4000 · 12500 / 10000 = 5000
	if !amount.Equal(d(5000)) {
		t.Errorf("expected 5000 out, got %s", amount)
	}
	if got := b.PoolValue(instr); !got.Equal(d(7500)) {
		t.Errorf("pool value = %s, want 7500", got)
	}
}

func TestRemoveLiquidity_RejectsOverdraw(t *testing.T) {
	b := New()
	b.AddLiquidity(instr, "lp1", d(1000))
	if _, err := b.RemoveLiquidity(instr, "lp1", d(1001)); !errors.Is(err, ErrInsufficientShares) {
		t.Errorf("expected ErrInsufficientShares, got %v", err)
	}
	// Another provider owns none of these shares.
	if _, err := b.RemoveLiquidity(instr, "lp2", d(1)); !errors.Is(err, ErrInsufficientShares) {
		t.Errorf("expected ErrInsufficientShares for stranger, got %v", err)
	}
}

func TestAddLiquidity_RejectsNonPositive(t *testing.T) {
	b := New()
	if _, err := b.AddLiquidity(instr, "lp1", decimal.Zero); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount for 0, got %v", err)
	}
	if _, err := b.AddLiquidity(instr, "lp1", d(-5)); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount for negative, got %v", err)
	}
}

func TestTransferPoolFunding_NeverNegative(t *testing.T) {
	b := New()
	b.AddLiquidity(instr, "lp1", d(100))

	if err := b.TransferPoolFunding(instr, d(-100.01)); !errors.Is(err, ErrInsufficientPool) {
		t.Errorf("expected ErrInsufficientPool, got %v", err)
	}
	// The failed transfer must not have partially applied.
	if got := b.PoolValue(instr); !got.Equal(d(100)) {
		t.Errorf("pool value changed on failed transfer: %s", got)
	}
	// Draining to exactly zero is fine.
	if err := b.TransferPoolFunding(instr, d(-100)); err != nil {
		t.Errorf("drain to zero should succeed: %v", err)
	}
}

func TestAddLiquidity_AfterFullDrain(t *testing.T) {
	b := New()
	b.AddLiquidity(instr, "lp1", d(100))
	b.TransferPoolFunding(instr, d(-100))

	// Shares exist but the pool is worth zero; a new deposit re-prices 1:1.
	shares, err := b.AddLiquidity(instr, "lp2", d(50))
	if err != nil {
		t.Fatalf("add after drain: %v", err)
	}
	if !shares.Equal(d(50)) {
		t.Errorf("deposit into drained pool should mint 1:1, got %s", shares)
	}
}
