// Package store defines the persistence interface for the perp engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/wpx/perp-engine/internal/model"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer. The in-memory position book is
// authoritative for live positions; the store holds instrument registrations
// and the immutable funding settlement trail.
type Store interface {
	// --- Instrument operations ---

	// CreateInstrument persists a newly registered instrument.
	CreateInstrument(ctx context.Context, inst *model.Instrument) error

	// GetInstrument retrieves an instrument by ticker.
	GetInstrument(ctx context.Context, ticker string) (*model.Instrument, error)

	// ListInstruments returns all registered instruments.
	ListInstruments(ctx context.Context) ([]model.Instrument, error)

	// UpdateInstrumentState updates the mutable funding fields after a
	// settlement round or an operational action.
	UpdateInstrumentState(ctx context.Context, ticker string, paused bool, overrideRate *decimal.Decimal, lastFundingTime time.Time, severity int) error

	// UpdateInstrumentCap replaces the funding cap configuration.
	UpdateInstrumentCap(ctx context.Context, ticker string, cap model.FundingCap) error

	// --- Immutable settlement trail ---

	// InsertSettlement appends an immutable funding settlement record.
	InsertSettlement(ctx context.Context, s *model.FundingSettlement) error

	// GetSettlementsByInstrument returns all settlements for an instrument,
	// oldest first.
	GetSettlementsByInstrument(ctx context.Context, ticker string) ([]model.FundingSettlement, error)

	// LatestSettlement returns the most recent settlement for an instrument.
	LatestSettlement(ctx context.Context, ticker string) (*model.FundingSettlement, error)
}
