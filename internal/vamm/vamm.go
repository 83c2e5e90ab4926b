// Package vamm implements the virtual automated market maker that prices
// win-percentage perpetuals. The mark price is a bounded curve over the
// signed open-position imbalance:
//
//	price = 500 + 500 · tanh(β · netImbalance / totalLiquidity)
//
// clamped to [0, 1000], centered at 500 when the book is balanced or the
// pool is empty. tanh is the bounded rational approximation from package
// fixedpoint, so pricing is deterministic with no transcendental math.
//
// The engine is stateless with respect to market quantities — imbalance and
// liquidity are passed as arguments, not stored. Only the tunable parameter
// set lives here.
//
// All monetary values use shopspring/decimal — never float64 for money.
package vamm

import (
	"errors"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/wpx/perp-engine/internal/fixedpoint"
)

var (
	// ErrZeroSize is returned when a quote or open is requested for size 0.
	ErrZeroSize = errors.New("vamm: size must be non-zero")

	// ErrInvalidLeverage is returned when leverage is outside the
	// configured [MinLeverage, MaxLeverage] bounds.
	ErrInvalidLeverage = errors.New("vamm: leverage outside allowed bounds")

	// ErrParamOutOfRange is returned when a parameter update violates the
	// fixed min/max constants.
	ErrParamOutOfRange = errors.New("vamm: parameter out of range")
)

// Price domain constants. The index is a win percentage scaled to [0, 1000].
var (
	PriceMin    = decimal.Zero
	PriceCenter = decimal.NewFromInt(500)
	PriceMax    = decimal.NewFromInt(1000)
)

// Hard bounds for tunable parameters. Admin updates outside these are
// rejected regardless of capability.
var (
	MinSensitivity = decimal.RequireFromString("0.000000000000000001")
	MaxSensitivity = decimal.NewFromInt(100)

	MinFundingFactor = decimal.Zero
	MaxFundingFactor = decimal.NewFromInt(1)

	MinMarginRatioFloor = decimal.RequireFromString("0.01")
	MinMarginRatioCeil  = decimal.NewFromInt(1)

	MaxTradingFeeRate = decimal.RequireFromString("0.05")

	// LeverageCeiling is the hard maximum no configuration may exceed.
	LeverageCeiling = decimal.NewFromInt(100)

	MinMaintenanceRatio = decimal.RequireFromString("0.1")
	MaxMaintenanceRatio = decimal.NewFromInt(1)
)

// Params is the tunable parameter set for pricing, margining and funding.
type Params struct {
	// Sensitivity is β: how strongly imbalance moves the mark price.
	Sensitivity decimal.Decimal `json:"sensitivity"`

	// FundingFactor scales the premium into a funding rate. Stored here
	// alongside the AMM parameters; consumed by the funding engine.
	FundingFactor decimal.Decimal `json:"funding_factor"`

	// MinMarginRatio is the initial margin requirement as a fraction of
	// notional at 1× leverage.
	MinMarginRatio decimal.Decimal `json:"min_margin_ratio"`

	// TradingFeeRate is charged on notional at open and close.
	TradingFeeRate decimal.Decimal `json:"trading_fee_rate"`

	MinLeverage decimal.Decimal `json:"min_leverage"`
	MaxLeverage decimal.Decimal `json:"max_leverage"`

	// MaintenanceRatio scales the initial requirement down to the
	// maintenance threshold. Looser than entry on purpose, to avoid
	// margin-call thrashing right after open.
	MaintenanceRatio decimal.Decimal `json:"maintenance_ratio"`
}

// DefaultParams returns the production defaults: 1×–5× leverage, 10%
// initial margin at 1×, 0.3% trading fee, maintenance at 80% of initial.
func DefaultParams() Params {
	return Params{
		Sensitivity:      decimal.NewFromInt(1),
		FundingFactor:    decimal.RequireFromString("0.05"),
		MinMarginRatio:   decimal.RequireFromString("0.1"),
		TradingFeeRate:   decimal.RequireFromString("0.003"),
		MinLeverage:      decimal.NewFromInt(1),
		MaxLeverage:      decimal.NewFromInt(5),
		MaintenanceRatio: decimal.RequireFromString("0.8"),
	}
}

// Validate checks every field against the hard bounds.
func (p Params) Validate() error {
	switch {
	case p.Sensitivity.LessThan(MinSensitivity),
		p.Sensitivity.GreaterThan(MaxSensitivity):
		return ErrParamOutOfRange
	case p.FundingFactor.LessThan(MinFundingFactor),
		p.FundingFactor.GreaterThan(MaxFundingFactor):
		return ErrParamOutOfRange
	case p.MinMarginRatio.LessThan(MinMarginRatioFloor),
		p.MinMarginRatio.GreaterThan(MinMarginRatioCeil):
		return ErrParamOutOfRange
	case p.TradingFeeRate.IsNegative(),
		p.TradingFeeRate.GreaterThan(MaxTradingFeeRate):
		return ErrParamOutOfRange
	case p.MinLeverage.LessThan(decimal.NewFromInt(1)),
		p.MaxLeverage.LessThan(p.MinLeverage),
		p.MaxLeverage.GreaterThan(LeverageCeiling):
		return ErrParamOutOfRange
	case p.MaintenanceRatio.LessThan(MinMaintenanceRatio),
		p.MaintenanceRatio.GreaterThan(MaxMaintenanceRatio):
		return ErrParamOutOfRange
	}
	return nil
}

// ParamUpdate is a batch parameter update. Nil fields are left unchanged.
type ParamUpdate struct {
	Sensitivity      *decimal.Decimal `json:"sensitivity,omitempty"`
	FundingFactor    *decimal.Decimal `json:"funding_factor,omitempty"`
	MinMarginRatio   *decimal.Decimal `json:"min_margin_ratio,omitempty"`
	TradingFeeRate   *decimal.Decimal `json:"trading_fee_rate,omitempty"`
	MinLeverage      *decimal.Decimal `json:"min_leverage,omitempty"`
	MaxLeverage      *decimal.Decimal `json:"max_leverage,omitempty"`
	MaintenanceRatio *decimal.Decimal `json:"maintenance_ratio,omitempty"`
}

// Engine is the pricing engine. Safe for concurrent reads; parameter
// updates take the write lock.
type Engine struct {
	mu     sync.RWMutex
	params Params
}

// NewEngine creates a pricing engine with the given parameters.
func NewEngine(p Params) (*Engine, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &Engine{params: p}, nil
}

// Params returns a copy of the current parameter set.
func (e *Engine) Params() Params {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.params
}

// UpdateParams applies a batch update. All-or-nothing: if any supplied
// field violates its bounds, no field changes.
func (e *Engine) UpdateParams(u ParamUpdate) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	next := e.params
	if u.Sensitivity != nil {
		next.Sensitivity = *u.Sensitivity
	}
	if u.FundingFactor != nil {
		next.FundingFactor = *u.FundingFactor
	}
	if u.MinMarginRatio != nil {
		next.MinMarginRatio = *u.MinMarginRatio
	}
	if u.TradingFeeRate != nil {
		next.TradingFeeRate = *u.TradingFeeRate
	}
	if u.MinLeverage != nil {
		next.MinLeverage = *u.MinLeverage
	}
	if u.MaxLeverage != nil {
		next.MaxLeverage = *u.MaxLeverage
	}
	if u.MaintenanceRatio != nil {
		next.MaintenanceRatio = *u.MaintenanceRatio
	}

	if err := next.Validate(); err != nil {
		return err
	}
	e.params = next
	return nil
}

// MarkPrice maps the signed imbalance and pool liquidity to the bounded
// mark price. An empty pool prices at center: with no counter-liquidity
// there is no curve to lean on.
func (e *Engine) MarkPrice(imbalance, liquidity decimal.Decimal) decimal.Decimal {
	if liquidity.IsZero() || liquidity.IsNegative() {
		return PriceCenter
	}

	e.mu.RLock()
	beta := e.params.Sensitivity
	e.mu.RUnlock()

	x := fixedpoint.MulDiv(beta, imbalance, liquidity)
	price := PriceCenter.Add(fixedpoint.Mul(PriceCenter, fixedpoint.Tanh(x)))
	return fixedpoint.Clamp(price, PriceMin, PriceMax)
}

// Quote is the result of pricing a prospective trade.
type Quote struct {
	CurrentPrice   decimal.Decimal `json:"current_price"`
	NewPrice       decimal.Decimal `json:"new_price"`   // mark after the trade
	ExecPrice      decimal.Decimal `json:"exec_price"`  // average of the two
	PriceImpact    decimal.Decimal `json:"price_impact"`
	Notional       decimal.Decimal `json:"notional"`
	RequiredMargin decimal.Decimal `json:"required_margin"`
	Fee            decimal.Decimal `json:"fee"`
}

// GetQuote prices a trade of the given signed size at the given leverage
// against the current imbalance and liquidity. The execution price is the
// midpoint of the pre- and post-trade mark prices.
func (e *Engine) GetQuote(imbalance, liquidity, size, leverage decimal.Decimal) (Quote, error) {
	if size.IsZero() {
		return Quote{}, ErrZeroSize
	}

	e.mu.RLock()
	p := e.params
	e.mu.RUnlock()

	if leverage.LessThan(p.MinLeverage) || leverage.GreaterThan(p.MaxLeverage) {
		return Quote{}, ErrInvalidLeverage
	}

	current := e.MarkPrice(imbalance, liquidity)
	after := e.MarkPrice(imbalance.Add(size), liquidity)
	exec := fixedpoint.Div(current.Add(after), decimal.NewFromInt(2))

	notional := fixedpoint.MulDiv(size.Abs(), exec, PriceMax)
	required := fixedpoint.MulDiv(notional, p.MinMarginRatio, leverage)
	fee := fixedpoint.Mul(notional, p.TradingFeeRate)

	return Quote{
		CurrentPrice:   current,
		NewPrice:       after,
		ExecPrice:      exec,
		PriceImpact:    after.Sub(current).Abs(),
		Notional:       notional,
		RequiredMargin: required,
		Fee:            fee,
	}, nil
}

// PnL is the unrealized profit of a position at the given mark price:
// size·(price − entry)/1000. Longs profit from upward moves.
func (e *Engine) PnL(size, entry, price decimal.Decimal) decimal.Decimal {
	return fixedpoint.MulDiv(size, price.Sub(entry), PriceMax)
}

// Notional is the exposure of a position at the given price.
func (e *Engine) Notional(size, price decimal.Decimal) decimal.Decimal {
	return fixedpoint.MulDiv(size.Abs(), price, PriceMax)
}

// CloseFee is the fee charged on the current notional when closing.
func (e *Engine) CloseFee(size, price decimal.Decimal) decimal.Decimal {
	e.mu.RLock()
	rate := e.params.TradingFeeRate
	e.mu.RUnlock()
	return fixedpoint.Mul(e.Notional(size, price), rate)
}

// maintenanceMargin is the threshold below which a position is
// liquidatable: the initial requirement scaled by MaintenanceRatio.
func (e *Engine) maintenanceMargin(size, price, leverage decimal.Decimal) decimal.Decimal {
	e.mu.RLock()
	p := e.params
	e.mu.RUnlock()

	initial := fixedpoint.MulDiv(e.Notional(size, price), p.MinMarginRatio, leverage)
	return fixedpoint.Mul(initial, p.MaintenanceRatio)
}

// HasAdequateMargin reports whether margin plus unrealized PnL covers the
// maintenance threshold at the given mark price.
func (e *Engine) HasAdequateMargin(size, entry, margin, leverage, price decimal.Decimal) bool {
	equity := margin.Add(e.PnL(size, entry, price))
	return equity.GreaterThanOrEqual(e.maintenanceMargin(size, price, leverage))
}

// LiquidationPrice is the closed-form inverse of the maintenance condition:
// the mark price at which equity equals the maintenance threshold. Longs
// liquidate on downward moves, shorts on upward moves. Clamped to the
// price domain.
func (e *Engine) LiquidationPrice(size, entry, margin, leverage decimal.Decimal) decimal.Decimal {
	if size.IsZero() {
		return decimal.Zero
	}

	e.mu.RLock()
	p := e.params
	e.mu.RUnlock()

	// k = minMarginRatio · maintenanceRatio / leverage.
	k := fixedpoint.MulDiv(p.MinMarginRatio, p.MaintenanceRatio, leverage)
	s := size.Abs()
	scaledMargin := fixedpoint.Mul(PriceMax, margin)

	var liq decimal.Decimal
	if size.IsPositive() {
		// margin + s(P−E)/1000 = sPk/1000  ⇒  P = (sE − 1000m) / (s(1−k))
		den := fixedpoint.Mul(s, decimal.NewFromInt(1).Sub(k))
		if den.LessThanOrEqual(decimal.Zero) {
			return PriceMin
		}
		liq = fixedpoint.Div(fixedpoint.Mul(s, entry).Sub(scaledMargin), den)
	} else {
		// margin − s(P−E)/1000 = sPk/1000  ⇒  P = (sE + 1000m) / (s(1+k))
		den := fixedpoint.Mul(s, decimal.NewFromInt(1).Add(k))
		liq = fixedpoint.Div(fixedpoint.Mul(s, entry).Add(scaledMargin), den)
	}
	return fixedpoint.Clamp(liq, PriceMin, PriceMax)
}
