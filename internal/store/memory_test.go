package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/wpx/perp-engine/internal/model"
)

func testInstrument(ticker string) *model.Instrument {
	return &model.Instrument{
		Ticker: ticker,
		League: "NBA",
		Team:   "BOS",
		Season: "2026",
		Cap: model.FundingCap{
			DailyCapPercent:      decimal.NewFromFloat(0.02),
			CumulativeCapPercent: decimal.NewFromFloat(0.10),
			EmergencyThreshold:   decimal.NewFromFloat(0.04),
			MaxDebtAgeSeconds:    7 * 86400,
		},
		CreatedAt: time.Unix(1_700_000_000, 0).UTC(),
	}
}

func TestMemoryStore_InstrumentRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	inst := testInstrument("WPX-NBA-BOS-2026")
	if err := s.CreateInstrument(ctx, inst); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.CreateInstrument(ctx, inst); err == nil {
		t.Error("duplicate ticker should be rejected")
	}

	got, err := s.GetInstrument(ctx, inst.Ticker)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.League != "NBA" || !got.Cap.DailyCapPercent.Equal(decimal.NewFromFloat(0.02)) {
		t.Errorf("round trip mismatch: %+v", got)
	}

	// Mutating the returned copy must not touch the stored record.
	got.League = "NFL"
	again, _ := s.GetInstrument(ctx, inst.Ticker)
	if again.League != "NBA" {
		t.Error("stored instrument mutated through returned copy")
	}

	if _, err := s.GetInstrument(ctx, "WPX-NBA-LAL-2026"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing instrument should be ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_UpdateState(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	inst := testInstrument("WPX-NHL-BOS-2026")
	if err := s.CreateInstrument(ctx, inst); err != nil {
		t.Fatalf("create: %v", err)
	}

	override := decimal.NewFromFloat(0.001)
	ts := time.Unix(1_700_100_000, 0).UTC()
	if err := s.UpdateInstrumentState(ctx, inst.Ticker, true, &override, ts, model.SeverityHigh); err != nil {
		t.Fatalf("update state: %v", err)
	}

	got, _ := s.GetInstrument(ctx, inst.Ticker)
	if !got.Paused || got.Severity != model.SeverityHigh || !got.LastFundingTime.Equal(ts) {
		t.Errorf("state not applied: %+v", got)
	}
	if got.OverrideRate == nil || !got.OverrideRate.Equal(override) {
		t.Errorf("override rate = %v, want %s", got.OverrideRate, override)
	}

	// Clearing the override.
	if err := s.UpdateInstrumentState(ctx, inst.Ticker, false, nil, ts, model.SeverityNone); err != nil {
		t.Fatalf("clear: %v", err)
	}
	got, _ = s.GetInstrument(ctx, inst.Ticker)
	if got.OverrideRate != nil || got.Paused {
		t.Errorf("override/pause not cleared: %+v", got)
	}
}

func TestMemoryStore_SettlementTrail(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	ticker := "WPX-MLB-NYY-2026"

	if _, err := s.LatestSettlement(ctx, ticker); !errors.Is(err, ErrNotFound) {
		t.Errorf("empty trail should be ErrNotFound, got %v", err)
	}

	for i := 0; i < 3; i++ {
		rec := &model.FundingSettlement{
			ID:          string(rune('a' + i)),
			Instrument:  ticker,
			Rate:        decimal.NewFromFloat(0.001),
			Obligation:  decimal.NewFromInt(int64(100 * (i + 1))),
			Transferred: decimal.NewFromInt(int64(100 * (i + 1))),
			Timestamp:   time.Unix(1_700_000_000+int64(i)*3600, 0).UTC(),
		}
		if err := s.InsertSettlement(ctx, rec); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	s.InsertSettlement(ctx, &model.FundingSettlement{ID: "x", Instrument: "WPX-NFL-NE-2026"})

	trail, err := s.GetSettlementsByInstrument(ctx, ticker)
	if err != nil {
		t.Fatalf("trail: %v", err)
	}
	if len(trail) != 3 {
		t.Fatalf("trail length = %d, want 3", len(trail))
	}

	latest, err := s.LatestSettlement(ctx, ticker)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if !latest.Obligation.Equal(decimal.NewFromInt(300)) {
		t.Errorf("latest obligation = %s, want 300", latest.Obligation)
	}
}
