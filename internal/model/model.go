// Package model defines the core domain types shared across the perp engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position is a leveraged perpetual position. Created on open, its margin is
// mutated only by funding settlement, and close is terminal: a closed
// position is immutable and excluded from every aggregate.
type Position struct {
	ID         string          `json:"id" db:"id"`
	Owner      string          `json:"owner" db:"owner"`
	Instrument string          `json:"instrument" db:"instrument"`
	Size       decimal.Decimal `json:"size" db:"size"` // signed: +long, -short
	EntryPrice decimal.Decimal `json:"entry_price" db:"entry_price"`
	Margin     decimal.Decimal `json:"margin" db:"margin"`
	Leverage   decimal.Decimal `json:"leverage" db:"leverage"`
	OpenedAt   time.Time       `json:"opened_at" db:"opened_at"`
	IsOpen     bool            `json:"is_open" db:"is_open"`
}

// PoolState holds liquidity-pool accounting for one instrument.
// Shares are minted pro-rata on deposit and burned pro-rata on withdrawal;
// TotalLiquidity is the funding-obligation base and never goes negative.
type PoolState struct {
	TotalLiquidity decimal.Decimal            `json:"total_liquidity"`
	TotalShares    decimal.Decimal            `json:"total_shares"`
	ProviderShares map[string]decimal.Decimal `json:"provider_shares"`
}

// FundingRateSnapshot is the most recent funding-rate computation for an
// instrument. It is overwritten on each update, never retained historically
// (the settlement audit trail lives in the store).
type FundingRateSnapshot struct {
	Rate       decimal.Decimal `json:"rate"`
	Premium    decimal.Decimal `json:"premium"`
	MarkPrice  decimal.Decimal `json:"mark_price"`
	IndexPrice decimal.Decimal `json:"index_price"`
	Timestamp  time.Time       `json:"timestamp"`
}

// FundingCap is the per-instrument risk limit on pool funding exposure.
// Percentages are fractions in (0, 1]; the emergency threshold must not
// exceed the cumulative cap.
type FundingCap struct {
	DailyCapPercent      decimal.Decimal `json:"daily_cap_percent" db:"daily_cap_percent"`
	CumulativeCapPercent decimal.Decimal `json:"cumulative_cap_percent" db:"cumulative_cap_percent"`
	EmergencyThreshold   decimal.Decimal `json:"emergency_threshold_percent" db:"emergency_threshold_percent"`
	MaxDebtAgeSeconds    int64           `json:"max_debt_age_seconds" db:"max_debt_age_seconds"`
}

// Severity levels for the funding emergency escalation.
const (
	SeverityNone     = 0
	SeverityWarning  = 1
	SeverityHigh     = 2
	SeverityCritical = 3
)

// Instrument is a registered perpetual market over one team's win-percentage
// index. Ticker format: WPX-{LEAGUE}-{TEAM}-{SEASON}.
type Instrument struct {
	Ticker          string           `json:"ticker" db:"ticker"`
	League          string           `json:"league" db:"league"`
	Team            string           `json:"team" db:"team"`
	Season          string           `json:"season" db:"season"`
	Cap             FundingCap       `json:"cap"`
	Paused          bool             `json:"paused" db:"paused"`
	OverrideRate    *decimal.Decimal `json:"override_rate,omitempty" db:"override_rate"`
	LastFundingTime time.Time        `json:"last_funding_time" db:"last_funding_time"`
	Severity        int              `json:"severity" db:"severity"`
	CreatedAt       time.Time        `json:"created_at" db:"created_at"`
}

// FundingSettlement is an immutable audit record of one funding execution.
// Once written, these are never modified or deleted.
type FundingSettlement struct {
	ID           string          `json:"id" db:"id"`
	Instrument   string          `json:"instrument" db:"instrument"`
	Rate         decimal.Decimal `json:"rate" db:"rate"`
	MarkPrice    decimal.Decimal `json:"mark_price" db:"mark_price"`
	IndexPrice   decimal.Decimal `json:"index_price" db:"index_price"`
	ElapsedSec   int64           `json:"elapsed_sec" db:"elapsed_sec"`
	Obligation   decimal.Decimal `json:"obligation" db:"obligation"`   // raw pool obligation
	Transferred  decimal.Decimal `json:"transferred" db:"transferred"` // signed amount applied to pool
	CapReached   bool            `json:"cap_reached" db:"cap_reached"`
	ForcedCloses int             `json:"forced_closes" db:"forced_closes"`
	Severity     int             `json:"severity" db:"severity"`
	Timestamp    time.Time       `json:"timestamp" db:"timestamp"`
}

// PositionView is a read model of one position with live valuation.
type PositionView struct {
	Position
	MarkPrice        decimal.Decimal `json:"mark_price"`
	Notional         decimal.Decimal `json:"notional"`
	UnrealizedPnL    decimal.Decimal `json:"unrealized_pnl"`
	LiquidationPrice decimal.Decimal `json:"liquidation_price"`
	AdequateMargin   bool            `json:"adequate_margin"`
}

// Portfolio aggregates a trader's open positions across instruments.
type Portfolio struct {
	Trader           string                     `json:"trader"`
	Positions        []PositionView             `json:"positions"`
	TotalMargin      decimal.Decimal            `json:"total_margin"`
	TotalPnL         decimal.Decimal            `json:"total_pnl"`
	TotalExposure    decimal.Decimal            `json:"total_exposure"` // Σ |size|
	ExposureByLeague map[string]decimal.Decimal `json:"exposure_by_league"`
}
