package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/wpx/perp-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu          sync.RWMutex
	instruments map[string]*model.Instrument
	settlements []model.FundingSettlement
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instruments: make(map[string]*model.Instrument),
	}
}

func (s *MemoryStore) CreateInstrument(_ context.Context, inst *model.Instrument) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.instruments[inst.Ticker]; ok {
		return fmt.Errorf("instrument %s already exists", inst.Ticker)
	}

	// Store a copy to avoid external mutation.
	copy := *inst
	if inst.OverrideRate != nil {
		r := *inst.OverrideRate
		copy.OverrideRate = &r
	}
	s.instruments[inst.Ticker] = &copy
	return nil
}

func (s *MemoryStore) GetInstrument(_ context.Context, ticker string) (*model.Instrument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instruments[ticker]
	if !ok {
		return nil, fmt.Errorf("instrument %s: %w", ticker, ErrNotFound)
	}
	copy := *inst
	if inst.OverrideRate != nil {
		r := *inst.OverrideRate
		copy.OverrideRate = &r
	}
	return &copy, nil
}

func (s *MemoryStore) ListInstruments(_ context.Context) ([]model.Instrument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	instruments := make([]model.Instrument, 0, len(s.instruments))
	for _, inst := range s.instruments {
		instruments = append(instruments, *inst)
	}
	return instruments, nil
}

func (s *MemoryStore) UpdateInstrumentState(_ context.Context, ticker string, paused bool, overrideRate *decimal.Decimal, lastFundingTime time.Time, severity int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instruments[ticker]
	if !ok {
		return fmt.Errorf("instrument %s: %w", ticker, ErrNotFound)
	}
	inst.Paused = paused
	if overrideRate != nil {
		r := *overrideRate
		inst.OverrideRate = &r
	} else {
		inst.OverrideRate = nil
	}
	inst.LastFundingTime = lastFundingTime
	inst.Severity = severity
	return nil
}

func (s *MemoryStore) UpdateInstrumentCap(_ context.Context, ticker string, cap model.FundingCap) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instruments[ticker]
	if !ok {
		return fmt.Errorf("instrument %s: %w", ticker, ErrNotFound)
	}
	inst.Cap = cap
	return nil
}

func (s *MemoryStore) InsertSettlement(_ context.Context, rec *model.FundingSettlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.settlements = append(s.settlements, *rec)
	return nil
}

func (s *MemoryStore) GetSettlementsByInstrument(_ context.Context, ticker string) ([]model.FundingSettlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.FundingSettlement
	for _, rec := range s.settlements {
		if rec.Instrument == ticker {
			result = append(result, rec)
		}
	}
	return result, nil
}

func (s *MemoryStore) LatestSettlement(_ context.Context, ticker string) (*model.FundingSettlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := len(s.settlements) - 1; i >= 0; i-- {
		if s.settlements[i].Instrument == ticker {
			rec := s.settlements[i]
			return &rec, nil
		}
	}
	return nil, fmt.Errorf("settlements for %s: %w", ticker, ErrNotFound)
}
