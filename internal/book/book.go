// Package book owns the mutable position and liquidity-pool state the
// pricing and funding engines operate on: position records, per-trader and
// per-instrument indices of open positions, the incrementally maintained
// net imbalance, and pro-rata LP share accounting.
//
// Index removal uses swap-with-last, so enumeration order is not preserved
// across removals. That is a contract, not an accident: removal stays O(1).
//
// All monetary values use shopspring/decimal — never float64 for money.
package book

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/wpx/perp-engine/internal/model"
)

var (
	// ErrPositionNotFound is returned for an unknown position id.
	ErrPositionNotFound = errors.New("book: position not found")

	// ErrPositionClosed is returned when mutating an already-closed
	// position. Closed positions are terminal and immutable.
	ErrPositionClosed = errors.New("book: position is closed")

	// ErrInvalidAmount is returned for zero or negative deposit/withdraw
	// amounts.
	ErrInvalidAmount = errors.New("book: amount must be positive")

	// ErrInsufficientShares is returned when a provider burns more shares
	// than they hold.
	ErrInsufficientShares = errors.New("book: insufficient pool shares")

	// ErrInsufficientPool is returned when a pool debit exceeds total
	// liquidity. The pool never goes negative.
	ErrInsufficientPool = errors.New("book: pool liquidity insufficient")
)

// pool is the internal LP accounting for one instrument.
type pool struct {
	totalLiquidity decimal.Decimal
	totalShares    decimal.Decimal
	providerShares map[string]decimal.Decimal
}

// Book is the position and pool ledger. Safe for concurrent use.
type Book struct {
	mu        sync.RWMutex
	positions map[string]*model.Position

	// Open-position indices, swap-and-pop on removal.
	byTrader     map[string][]string
	byInstrument map[string][]string

	// Net imbalance per instrument, maintained incrementally: added on
	// open, inverse removed on close. Must equal the sum of open sizes.
	imbalance map[string]decimal.Decimal

	pools map[string]*pool
}

// New creates an empty book.
func New() *Book {
	return &Book{
		positions:    make(map[string]*model.Position),
		byTrader:     make(map[string][]string),
		byInstrument: make(map[string][]string),
		imbalance:    make(map[string]decimal.Decimal),
		pools:        make(map[string]*pool),
	}
}

// OpenPosition records a new open position and returns its id.
func (b *Book) OpenPosition(owner, instrument string, size, entryPrice, margin, leverage decimal.Decimal, openedAt time.Time) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := uuid.New().String()
	b.positions[id] = &model.Position{
		ID:         id,
		Owner:      owner,
		Instrument: instrument,
		Size:       size,
		EntryPrice: entryPrice,
		Margin:     margin,
		Leverage:   leverage,
		OpenedAt:   openedAt,
		IsOpen:     true,
	}
	b.byTrader[owner] = append(b.byTrader[owner], id)
	b.byInstrument[instrument] = append(b.byInstrument[instrument], id)
	b.imbalance[instrument] = b.imbalance[instrument].Add(size)
	return id
}

// Get returns a copy of the position.
func (b *Book) Get(id string) (model.Position, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	p, ok := b.positions[id]
	if !ok {
		return model.Position{}, fmt.Errorf("%w: %s", ErrPositionNotFound, id)
	}
	return *p, nil
}

// ClosePosition marks the position closed, removes it from the indices and
// backs its size out of the net imbalance. Returns the closed record.
func (b *Book) ClosePosition(id string) (model.Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closeLocked(id)
}

func (b *Book) closeLocked(id string) (model.Position, error) {
	p, ok := b.positions[id]
	if !ok {
		return model.Position{}, fmt.Errorf("%w: %s", ErrPositionNotFound, id)
	}
	if !p.IsOpen {
		return model.Position{}, fmt.Errorf("%w: %s", ErrPositionClosed, id)
	}

	p.IsOpen = false
	b.imbalance[p.Instrument] = b.imbalance[p.Instrument].Sub(p.Size)
	b.byTrader[p.Owner] = removeID(b.byTrader[p.Owner], id)
	b.byInstrument[p.Instrument] = removeID(b.byInstrument[p.Instrument], id)
	return *p, nil
}

// removeID deletes id from ids by swapping with the last element.
func removeID(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			ids[i] = ids[len(ids)-1]
			return ids[:len(ids)-1]
		}
	}
	return ids
}

// ApplyFunding adds the signed amount to the position's margin. If the
// debit consumes the margin entirely the position is force-closed through
// the standard close path instead, with its remaining margin consumed.
// No negative margin is ever persisted and no debt is recorded.
func (b *Book) ApplyFunding(id string, amount decimal.Decimal) (forcedClose bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.positions[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrPositionNotFound, id)
	}
	if !p.IsOpen {
		return false, fmt.Errorf("%w: %s", ErrPositionClosed, id)
	}

	next := p.Margin.Add(amount)
	if next.LessThanOrEqual(decimal.Zero) {
		p.Margin = decimal.Zero
		if _, err := b.closeLocked(id); err != nil {
			return false, err
		}
		return true, nil
	}
	p.Margin = next
	return false, nil
}

// NetImbalance returns the signed sum of open position sizes for the
// instrument.
func (b *Book) NetImbalance(instrument string) decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.imbalance[instrument]
}

// OpenPositions returns copies of all open positions for the instrument.
// Order is unspecified.
func (b *Book) OpenPositions(instrument string) []model.Position {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ids := b.byInstrument[instrument]
	out := make([]model.Position, 0, len(ids))
	for _, id := range ids {
		out = append(out, *b.positions[id])
	}
	return out
}

// OpenPositionsByTrader returns copies of all open positions owned by the
// trader, across instruments. Order is unspecified.
func (b *Book) OpenPositionsByTrader(trader string) []model.Position {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ids := b.byTrader[trader]
	out := make([]model.Position, 0, len(ids))
	for _, id := range ids {
		out = append(out, *b.positions[id])
	}
	return out
}

// --- Liquidity pool ---

func (b *Book) poolLocked(instrument string) *pool {
	p, ok := b.pools[instrument]
	if !ok {
		p = &pool{providerShares: make(map[string]decimal.Decimal)}
		b.pools[instrument] = p
	}
	return p
}

// AddLiquidity deposits amount into the instrument's pool and mints shares
// pro-rata: amount itself for an empty pool, amount·totalShares/liquidity
// otherwise. Returns the shares minted.
func (b *Book) AddLiquidity(instrument, provider string, amount decimal.Decimal) (decimal.Decimal, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, ErrInvalidAmount
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	p := b.poolLocked(instrument)
	var shares decimal.Decimal
	if p.totalShares.IsZero() || p.totalLiquidity.IsZero() {
		// Fresh pool, or a pool fully drained by funding: existing shares
		// have zero value, so the deposit prices shares 1:1 again.
		shares = amount
	} else {
		shares = amount.Mul(p.totalShares).Div(p.totalLiquidity)
	}

	p.totalLiquidity = p.totalLiquidity.Add(amount)
	p.totalShares = p.totalShares.Add(shares)
	p.providerShares[provider] = p.providerShares[provider].Add(shares)
	return shares, nil
}

// RemoveLiquidity burns the provider's shares pro-rata and returns the
// amount withdrawn.
func (b *Book) RemoveLiquidity(instrument, provider string, shares decimal.Decimal) (decimal.Decimal, error) {
	if shares.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, ErrInvalidAmount
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	p := b.poolLocked(instrument)
	held := p.providerShares[provider]
	if shares.GreaterThan(held) {
		return decimal.Zero, ErrInsufficientShares
	}

	amount := shares.Mul(p.totalLiquidity).Div(p.totalShares)
	p.totalLiquidity = p.totalLiquidity.Sub(amount)
	p.totalShares = p.totalShares.Sub(shares)
	p.providerShares[provider] = held.Sub(shares)
	return amount, nil
}

// TransferPoolFunding applies a signed funding amount to the pool. A debit
// larger than total liquidity fails whole rather than partially applying:
// the pool cannot go negative.
func (b *Book) TransferPoolFunding(instrument string, amount decimal.Decimal) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	p := b.poolLocked(instrument)
	if amount.IsNegative() && amount.Abs().GreaterThan(p.totalLiquidity) {
		return ErrInsufficientPool
	}
	p.totalLiquidity = p.totalLiquidity.Add(amount)
	return nil
}

// PoolValue returns the instrument pool's total liquidity.
func (b *Book) PoolValue(instrument string) decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if p, ok := b.pools[instrument]; ok {
		return p.totalLiquidity
	}
	return decimal.Zero
}

// Pool returns a snapshot of the instrument's pool state.
func (b *Book) Pool(instrument string) model.PoolState {
	b.mu.RLock()
	defer b.mu.RUnlock()

	p, ok := b.pools[instrument]
	if !ok {
		return model.PoolState{ProviderShares: map[string]decimal.Decimal{}}
	}
	shares := make(map[string]decimal.Decimal, len(p.providerShares))
	for k, v := range p.providerShares {
		shares[k] = v
	}
	return model.PoolState{
		TotalLiquidity: p.totalLiquidity,
		TotalShares:    p.totalShares,
		ProviderShares: shares,
	}
}
