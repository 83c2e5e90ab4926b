// Package oracle consumes the external win-percentage feed. The feed is
// authoritative and assumed available; no retry logic lives here. Index
// prices are integers in [0, 1000] — a team's win percentage times ten.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

var (
	// ErrNoIndexPrice is returned when the feed has no price for the
	// instrument.
	ErrNoIndexPrice = errors.New("oracle: no index price for instrument")

	// ErrIndexOutOfRange is returned when the feed supplies a price
	// outside [0, 1000].
	ErrIndexOutOfRange = errors.New("oracle: index price outside [0,1000]")

	indexMax = decimal.NewFromInt(1000)
)

// Feed supplies the authoritative index price for an instrument.
type Feed interface {
	IndexPrice(ctx context.Context, instrument string) (decimal.Decimal, error)
}

// MemoryFeed is a settable in-memory feed for development and tests.
type MemoryFeed struct {
	mu     sync.RWMutex
	prices map[string]decimal.Decimal
}

// NewMemoryFeed creates an empty feed.
func NewMemoryFeed() *MemoryFeed {
	return &MemoryFeed{prices: make(map[string]decimal.Decimal)}
}

// Set stores an index price for the instrument.
func (f *MemoryFeed) Set(instrument string, price decimal.Decimal) error {
	if price.IsNegative() || price.GreaterThan(indexMax) {
		return ErrIndexOutOfRange
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[instrument] = price
	return nil
}

func (f *MemoryFeed) IndexPrice(_ context.Context, instrument string) (decimal.Decimal, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	p, ok := f.prices[instrument]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrNoIndexPrice, instrument)
	}
	return p, nil
}

// RedisFeed reads index prices published by the stats pipeline under
// index:{instrument} keys.
type RedisFeed struct {
	rdb *redis.Client
}

// NewRedisFeed creates a feed backed by the given Redis client.
func NewRedisFeed(rdb *redis.Client) *RedisFeed {
	return &RedisFeed{rdb: rdb}
}

func (f *RedisFeed) IndexPrice(ctx context.Context, instrument string) (decimal.Decimal, error) {
	val, err := f.rdb.Get(ctx, "index:"+instrument).Result()
	if err == redis.Nil {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrNoIndexPrice, instrument)
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("oracle: redis get: %w", err)
	}

	p, err := decimal.NewFromString(val)
	if err != nil {
		return decimal.Zero, fmt.Errorf("oracle: malformed index price %q: %w", val, err)
	}
	if p.IsNegative() || p.GreaterThan(indexMax) {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrIndexOutOfRange, p)
	}
	return p, nil
}
