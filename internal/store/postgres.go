package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/wpx/perp-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) CreateInstrument(ctx context.Context, inst *model.Instrument) error {
	var override *string
	if inst.OverrideRate != nil {
		v := inst.OverrideRate.String()
		override = &v
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO instruments (ticker, league, team, season,
		         daily_cap_percent, cumulative_cap_percent, emergency_threshold_percent, max_debt_age_seconds,
		         paused, override_rate, last_funding_time, severity, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8, $9, $10::NUMERIC, $11, $12, $13)`,
		inst.Ticker, inst.League, inst.Team, inst.Season,
		inst.Cap.DailyCapPercent.String(), inst.Cap.CumulativeCapPercent.String(),
		inst.Cap.EmergencyThreshold.String(), inst.Cap.MaxDebtAgeSeconds,
		inst.Paused, override, inst.LastFundingTime, inst.Severity, inst.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetInstrument(ctx context.Context, ticker string) (*model.Instrument, error) {
	rows, err := s.pool.Query(ctx, instrumentSelect+` WHERE ticker = $1`, ticker)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	instruments, err := scanInstruments(rows)
	if err != nil {
		return nil, err
	}
	if len(instruments) == 0 {
		return nil, fmt.Errorf("get instrument %s: %w", ticker, ErrNotFound)
	}
	return &instruments[0], nil
}

func (s *PostgresStore) ListInstruments(ctx context.Context) ([]model.Instrument, error) {
	rows, err := s.pool.Query(ctx, instrumentSelect+` ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanInstruments(rows)
}

func (s *PostgresStore) UpdateInstrumentState(ctx context.Context, ticker string, paused bool, overrideRate *decimal.Decimal, lastFundingTime time.Time, severity int) error {
	var override *string
	if overrideRate != nil {
		v := overrideRate.String()
		override = &v
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE instruments
		 SET paused = $2, override_rate = $3::NUMERIC, last_funding_time = $4, severity = $5
		 WHERE ticker = $1`,
		ticker, paused, override, lastFundingTime, severity,
	)
	return err
}

func (s *PostgresStore) UpdateInstrumentCap(ctx context.Context, ticker string, cap model.FundingCap) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE instruments
		 SET daily_cap_percent = $2::NUMERIC, cumulative_cap_percent = $3::NUMERIC,
		     emergency_threshold_percent = $4::NUMERIC, max_debt_age_seconds = $5
		 WHERE ticker = $1`,
		ticker, cap.DailyCapPercent.String(), cap.CumulativeCapPercent.String(),
		cap.EmergencyThreshold.String(), cap.MaxDebtAgeSeconds,
	)
	return err
}

func (s *PostgresStore) InsertSettlement(ctx context.Context, rec *model.FundingSettlement) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO funding_settlements (id, instrument, rate, mark_price, index_price, elapsed_sec,
		         obligation, transferred, cap_reached, forced_closes, severity, timestamp)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6, $7::NUMERIC, $8::NUMERIC, $9, $10, $11, $12)`,
		rec.ID, rec.Instrument, rec.Rate.String(), rec.MarkPrice.String(), rec.IndexPrice.String(),
		rec.ElapsedSec, rec.Obligation.String(), rec.Transferred.String(),
		rec.CapReached, rec.ForcedCloses, rec.Severity, rec.Timestamp,
	)
	return err
}

func (s *PostgresStore) GetSettlementsByInstrument(ctx context.Context, ticker string) ([]model.FundingSettlement, error) {
	rows, err := s.pool.Query(ctx, settlementSelect+` WHERE instrument = $1 ORDER BY timestamp`, ticker)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanSettlements(rows)
}

func (s *PostgresStore) LatestSettlement(ctx context.Context, ticker string) (*model.FundingSettlement, error) {
	rows, err := s.pool.Query(ctx, settlementSelect+` WHERE instrument = $1 ORDER BY timestamp DESC LIMIT 1`, ticker)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	settlements, err := scanSettlements(rows)
	if err != nil {
		return nil, err
	}
	if len(settlements) == 0 {
		return nil, fmt.Errorf("latest settlement for %s: %w", ticker, ErrNotFound)
	}
	return &settlements[0], nil
}

const instrumentSelect = `SELECT ticker, league, team, season,
        daily_cap_percent::TEXT, cumulative_cap_percent::TEXT, emergency_threshold_percent::TEXT, max_debt_age_seconds,
        paused, override_rate::TEXT, last_funding_time, severity, created_at
 FROM instruments`

const settlementSelect = `SELECT id, instrument, rate::TEXT, mark_price::TEXT, index_price::TEXT, elapsed_sec,
        obligation::TEXT, transferred::TEXT, cap_reached, forced_closes, severity, timestamp
 FROM funding_settlements`

// pgxRows is the subset of pgx.Rows the scanners need.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanInstruments(rows pgxRows) ([]model.Instrument, error) {
	var instruments []model.Instrument
	for rows.Next() {
		var inst model.Instrument
		var dailyS, cumS, threshS string
		var overrideS *string

		if err := rows.Scan(&inst.Ticker, &inst.League, &inst.Team, &inst.Season,
			&dailyS, &cumS, &threshS, &inst.Cap.MaxDebtAgeSeconds,
			&inst.Paused, &overrideS, &inst.LastFundingTime, &inst.Severity, &inst.CreatedAt); err != nil {
			return nil, err
		}

		inst.Cap.DailyCapPercent, _ = decimal.NewFromString(dailyS)
		inst.Cap.CumulativeCapPercent, _ = decimal.NewFromString(cumS)
		inst.Cap.EmergencyThreshold, _ = decimal.NewFromString(threshS)
		if overrideS != nil {
			r, _ := decimal.NewFromString(*overrideS)
			inst.OverrideRate = &r
		}

		instruments = append(instruments, inst)
	}
	return instruments, rows.Err()
}

func scanSettlements(rows pgxRows) ([]model.FundingSettlement, error) {
	var settlements []model.FundingSettlement
	for rows.Next() {
		var rec model.FundingSettlement
		var rateS, markS, indexS, oblS, transS string

		if err := rows.Scan(&rec.ID, &rec.Instrument, &rateS, &markS, &indexS, &rec.ElapsedSec,
			&oblS, &transS, &rec.CapReached, &rec.ForcedCloses, &rec.Severity, &rec.Timestamp); err != nil {
			return nil, err
		}

		rec.Rate, _ = decimal.NewFromString(rateS)
		rec.MarkPrice, _ = decimal.NewFromString(markS)
		rec.IndexPrice, _ = decimal.NewFromString(indexS)
		rec.Obligation, _ = decimal.NewFromString(oblS)
		rec.Transferred, _ = decimal.NewFromString(transS)

		settlements = append(settlements, rec)
	}
	return settlements, rows.Err()
}
