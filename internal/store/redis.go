package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/wpx/perp-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, refresh or invalidate cache) ---

func (s *CachedStore) CreateInstrument(ctx context.Context, inst *model.Instrument) error {
	if err := s.primary.CreateInstrument(ctx, inst); err != nil {
		return err
	}
	s.cacheInstrument(ctx, inst)
	return nil
}

func (s *CachedStore) UpdateInstrumentState(ctx context.Context, ticker string, paused bool, overrideRate *decimal.Decimal, lastFundingTime time.Time, severity int) error {
	if err := s.primary.UpdateInstrumentState(ctx, ticker, paused, overrideRate, lastFundingTime, severity); err != nil {
		return err
	}
	// Invalidate cache; next read will re-populate.
	s.rdb.Del(ctx, instrumentKey(ticker))
	return nil
}

func (s *CachedStore) UpdateInstrumentCap(ctx context.Context, ticker string, cap model.FundingCap) error {
	if err := s.primary.UpdateInstrumentCap(ctx, ticker, cap); err != nil {
		return err
	}
	s.rdb.Del(ctx, instrumentKey(ticker))
	return nil
}

func (s *CachedStore) InsertSettlement(ctx context.Context, rec *model.FundingSettlement) error {
	if err := s.primary.InsertSettlement(ctx, rec); err != nil {
		return err
	}
	// The latest-settlement cache for this instrument is now stale.
	s.rdb.Del(ctx, latestSettlementKey(rec.Instrument))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetInstrument(ctx context.Context, ticker string) (*model.Instrument, error) {
	// Try cache.
	data, err := s.rdb.Get(ctx, instrumentKey(ticker)).Bytes()
	if err == nil {
		var inst model.Instrument
		if json.Unmarshal(data, &inst) == nil {
			return &inst, nil
		}
	}

	// Cache miss: read from primary.
	inst, err := s.primary.GetInstrument(ctx, ticker)
	if err != nil {
		return nil, err
	}

	s.cacheInstrument(ctx, inst)
	return inst, nil
}

func (s *CachedStore) LatestSettlement(ctx context.Context, ticker string) (*model.FundingSettlement, error) {
	data, err := s.rdb.Get(ctx, latestSettlementKey(ticker)).Bytes()
	if err == nil {
		var rec model.FundingSettlement
		if json.Unmarshal(data, &rec) == nil {
			return &rec, nil
		}
	}

	rec, err := s.primary.LatestSettlement(ctx, ticker)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(rec); err == nil {
		s.rdb.Set(ctx, latestSettlementKey(ticker), data, s.ttl)
	}
	return rec, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListInstruments(ctx context.Context) ([]model.Instrument, error) {
	return s.primary.ListInstruments(ctx)
}

func (s *CachedStore) GetSettlementsByInstrument(ctx context.Context, ticker string) ([]model.FundingSettlement, error) {
	return s.primary.GetSettlementsByInstrument(ctx, ticker)
}

// --- Cache helpers ---

func (s *CachedStore) cacheInstrument(ctx context.Context, inst *model.Instrument) {
	if data, err := json.Marshal(inst); err == nil {
		s.rdb.Set(ctx, instrumentKey(inst.Ticker), data, s.ttl)
	}
}

func instrumentKey(ticker string) string       { return fmt.Sprintf("instrument:%s", ticker) }
func latestSettlementKey(ticker string) string { return fmt.Sprintf("settlement:latest:%s", ticker) }
