// Package trade provides the HTTP handlers and business logic for
// registering instruments, opening and closing leveraged positions,
// managing pool liquidity, and running funding settlement.
//
// All monetary values use shopspring/decimal — never float64 for money.
package trade

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/wpx/perp-engine/internal/book"
	"github.com/wpx/perp-engine/internal/fixedpoint"
	"github.com/wpx/perp-engine/internal/funding"
	"github.com/wpx/perp-engine/internal/instrument"
	"github.com/wpx/perp-engine/internal/metrics"
	"github.com/wpx/perp-engine/internal/model"
	"github.com/wpx/perp-engine/internal/oracle"
	"github.com/wpx/perp-engine/internal/risk"
	"github.com/wpx/perp-engine/internal/store"
	"github.com/wpx/perp-engine/internal/treasury"
	"github.com/wpx/perp-engine/internal/vamm"
)

// ErrReentrant is returned when a mutating operation is entered while
// another one still holds the latch. Treasury implementations must not
// call back into the service.
var ErrReentrant = errors.New("trade: reentrant call rejected")

// feeAccount collects trading fees debited from traders.
const feeAccount = "protocol:fees"

// Service handles position and funding operations. A single mutex
// serializes mutations (single-instance); the latch guards against
// reentrancy through the treasury collaborator.
type Service struct {
	store    store.Store
	pricing  *vamm.Engine
	book     *book.Book
	funding  *funding.Engine
	treasury treasury.Transferor
	limiter  *risk.Limiter

	mu      sync.Mutex
	entered atomic.Bool

	wsHub *WSHub // optional WebSocket hub for real-time broadcasts
}

// NewService creates a new trade service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(st store.Store, pricing *vamm.Engine, bk *book.Book, fund *funding.Engine, tr treasury.Transferor, limiter *risk.Limiter, hub *WSHub) *Service {
	return &Service{
		store:    st,
		pricing:  pricing,
		book:     bk,
		funding:  fund,
		treasury: tr,
		limiter:  limiter,
		wsHub:    hub,
	}
}

// enter acquires the reentrancy latch. It is taken before the mutex so a
// treasury callback re-entering a mutating handler fails fast with
// ErrReentrant instead of blocking on the lock it already holds.
func (s *Service) enter() error {
	if !s.entered.CompareAndSwap(false, true) {
		return ErrReentrant
	}
	return nil
}

func (s *Service) exit() {
	s.entered.Store(false)
}

// --- Request/Response types ---

// QuoteRequest is the JSON body for POST /quote.
type QuoteRequest struct {
	Instrument string          `json:"instrument"`
	Size       decimal.Decimal `json:"size"` // signed: +long, -short
	Leverage   decimal.Decimal `json:"leverage"`
}

// OpenPositionRequest is the JSON body for POST /positions.
type OpenPositionRequest struct {
	Trader     string          `json:"trader"`
	Instrument string          `json:"instrument"`
	Size       decimal.Decimal `json:"size"`
	Leverage   decimal.Decimal `json:"leverage"`
	Margin     decimal.Decimal `json:"margin"` // 0 → exact requirement
}

// OpenPositionResponse is returned from POST /positions.
type OpenPositionResponse struct {
	PositionID       string          `json:"position_id"`
	ExecPrice        decimal.Decimal `json:"exec_price"`
	Notional         decimal.Decimal `json:"notional"`
	Margin           decimal.Decimal `json:"margin"`
	Fee              decimal.Decimal `json:"fee"`
	LiquidationPrice decimal.Decimal `json:"liquidation_price"`
}

// ClosePositionRequest is the JSON body for POST /positions/{id}/close.
type ClosePositionRequest struct {
	Trader string `json:"trader"`
}

// CloseResponse reports a settled close or liquidation.
type CloseResponse struct {
	PositionID string          `json:"position_id"`
	ExitPrice  decimal.Decimal `json:"exit_price"`
	PnL        decimal.Decimal `json:"pnl"`
	Fee        decimal.Decimal `json:"fee"`
	Payout     decimal.Decimal `json:"payout"`
}

// LiquidityRequest is the JSON body for POST /liquidity.
type LiquidityRequest struct {
	Provider   string          `json:"provider"`
	Instrument string          `json:"instrument"`
	Amount     decimal.Decimal `json:"amount"`
}

// WithdrawRequest is the JSON body for POST /liquidity/withdraw.
type WithdrawRequest struct {
	Provider   string          `json:"provider"`
	Instrument string          `json:"instrument"`
	Shares     decimal.Decimal `json:"shares"`
}

// RegisterInstrumentRequest is the JSON body for instrument registration.
type RegisterInstrumentRequest struct {
	Ticker string           `json:"ticker"`
	Cap    model.FundingCap `json:"cap"`
}

// OverrideRateRequest pins or clears the emergency funding rate.
type OverrideRateRequest struct {
	Rate *decimal.Decimal `json:"rate"` // null clears the override
}

// EmergencyRequest is the JSON body for the emergency trigger.
type EmergencyRequest struct {
	Severity int `json:"severity"`
}

// --- Trader surface ---

// GetQuote handles POST /api/v1/quote. Read-only price discovery.
func (s *Service) GetQuote(w http.ResponseWriter, r *http.Request) {
	var req QuoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if !s.funding.Registered(req.Instrument) {
		writeError(w, "unknown instrument: "+req.Instrument, http.StatusNotFound)
		return
	}
	leverage := req.Leverage
	if leverage.IsZero() {
		leverage = decimal.NewFromInt(1)
	}

	quote, err := s.pricing.GetQuote(
		s.book.NetImbalance(req.Instrument),
		s.book.PoolValue(req.Instrument),
		req.Size, leverage,
	)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, quote)
}

// OpenPosition handles POST /api/v1/positions.
// Debits margin plus fee from the trader's treasury account, then books
// the position at the quoted execution price.
func (s *Service) OpenPosition(w http.ResponseWriter, r *http.Request) {
	var req OpenPositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Trader == "" {
		writeError(w, "trader is required", http.StatusBadRequest)
		return
	}
	if req.Size.IsZero() {
		writeError(w, "size must be non-zero", http.StatusBadRequest)
		return
	}
	leverage := req.Leverage
	if leverage.IsZero() {
		leverage = decimal.NewFromInt(1)
	}

	ctx := r.Context()
	start := time.Now()

	if err := s.enter(); err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}
	defer s.exit()
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.funding.Registered(req.Instrument) {
		writeError(w, "unknown instrument: "+req.Instrument, http.StatusNotFound)
		return
	}
	if paused, _ := s.funding.Paused(req.Instrument); paused {
		writeError(w, "instrument is paused", http.StatusConflict)
		return
	}

	quote, err := s.pricing.GetQuote(
		s.book.NetImbalance(req.Instrument),
		s.book.PoolValue(req.Instrument),
		req.Size, leverage,
	)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	margin := req.Margin
	if margin.IsZero() {
		margin = quote.RequiredMargin
	} else if margin.LessThan(quote.RequiredMargin) {
		writeError(w, "margin below requirement "+quote.RequiredMargin.String(), http.StatusBadRequest)
		return
	}

	league := ""
	if t, err := instrument.ParseTicker(req.Instrument); err == nil {
		league = t.League
	}
	if err := s.limiter.CheckLimit(req.Instrument, league, req.Size, s.exposures(req.Trader)); err != nil {
		metrics.RiskLimitRejections.Inc()
		writeDomainError(w, err)
		return
	}

	if err := s.treasury.Debit(ctx, req.Trader, margin.Add(quote.Fee)); err != nil {
		writeDomainError(w, err)
		return
	}
	if err := s.treasury.Credit(ctx, feeAccount, quote.Fee); err != nil {
		// Refund the debit; the position was never booked.
		if rerr := s.treasury.Credit(ctx, req.Trader, margin.Add(quote.Fee)); rerr != nil {
			slog.Error("open refund failed", "trader", req.Trader, "amount", margin.Add(quote.Fee), "err", rerr)
		}
		writeDomainError(w, err)
		return
	}

	id := s.book.OpenPosition(req.Trader, req.Instrument, req.Size, quote.ExecPrice, margin, leverage, time.Now().UTC())

	direction := "long"
	if req.Size.IsNegative() {
		direction = "short"
	}
	metrics.TradesTotal.WithLabelValues("open", direction).Inc()
	metrics.TradeLatency.WithLabelValues("open").Observe(time.Since(start).Seconds())

	slog.Info("position opened",
		"position_id", id,
		"trader", req.Trader,
		"instrument", req.Instrument,
		"size", req.Size.String(),
		"exec_price", quote.ExecPrice.String(),
		"margin", margin.String(),
		"leverage", leverage.String(),
	)

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:       "position_opened",
			Ticker:     req.Instrument,
			PositionID: id,
			MarkPrice:  quote.NewPrice.String(),
			Size:       req.Size.String(),
		})
	}

	writeJSON(w, http.StatusCreated, OpenPositionResponse{
		PositionID:       id,
		ExecPrice:        quote.ExecPrice,
		Notional:         quote.Notional,
		Margin:           margin,
		Fee:              quote.Fee,
		LiquidationPrice: s.pricing.LiquidationPrice(req.Size, quote.ExecPrice, margin, leverage),
	})
}

// ClosePosition handles POST /api/v1/positions/{id}/close.
func (s *Service) ClosePosition(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "positionID")

	var req ClosePositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.enter(); err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}
	defer s.exit()
	s.mu.Lock()
	defer s.mu.Unlock()

	pos, err := s.book.Get(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if pos.Owner != req.Trader {
		writeError(w, "position is not owned by "+req.Trader, http.StatusForbidden)
		return
	}
	if !pos.IsOpen {
		writeDomainError(w, book.ErrPositionClosed)
		return
	}

	resp, err := s.settleClose(r.Context(), pos, "close")
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// LiquidatePosition handles POST /api/v1/positions/{id}/liquidate.
// Only positions below their maintenance margin may be liquidated; any
// residual margin after fees is returned to the owner.
func (s *Service) LiquidatePosition(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "positionID")

	if err := s.enter(); err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}
	defer s.exit()
	s.mu.Lock()
	defer s.mu.Unlock()

	pos, err := s.book.Get(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if !pos.IsOpen {
		writeDomainError(w, book.ErrPositionClosed)
		return
	}

	mark := s.markOf(pos.Instrument)
	if s.pricing.HasAdequateMargin(pos.Size, pos.EntryPrice, pos.Margin, pos.Leverage, mark) {
		writeError(w, "position is adequately margined", http.StatusConflict)
		return
	}

	resp, err := s.settleClose(r.Context(), pos, "liquidate")
	if err != nil {
		writeDomainError(w, err)
		return
	}

	slog.Info("position liquidated",
		"position_id", id,
		"owner", pos.Owner,
		"instrument", pos.Instrument,
		"mark_price", mark.String(),
	)
	writeJSON(w, http.StatusOK, resp)
}

// settleClose prices the opposite trade, books the close, and pays out
// margin plus PnL minus the close fee (floored at zero). Callers hold the
// mutex and the latch.
func (s *Service) settleClose(ctx context.Context, pos model.Position, action string) (CloseResponse, error) {
	start := time.Now()

	// Price the opposite trade directly off the marks: a close must never
	// be rejected by entry-time validation such as leverage bounds.
	imbalance := s.book.NetImbalance(pos.Instrument)
	liquidity := s.book.PoolValue(pos.Instrument)
	current := s.pricing.MarkPrice(imbalance, liquidity)
	after := s.pricing.MarkPrice(imbalance.Sub(pos.Size), liquidity)
	exec := fixedpoint.Div(current.Add(after), decimal.NewFromInt(2))

	pnl := s.pricing.PnL(pos.Size, pos.EntryPrice, exec)
	fee := s.pricing.CloseFee(pos.Size, exec)
	payout := pos.Margin.Add(pnl).Sub(fee)
	if payout.IsNegative() {
		payout = decimal.Zero
	}

	if _, err := s.book.ClosePosition(pos.ID); err != nil {
		return CloseResponse{}, err
	}

	if payout.IsPositive() {
		if err := s.treasury.Credit(ctx, pos.Owner, payout); err != nil {
			slog.Error("close payout failed", "position_id", pos.ID, "owner", pos.Owner, "err", err)
		}
	}
	if err := s.treasury.Credit(ctx, feeAccount, fee); err != nil {
		slog.Error("close fee credit failed", "position_id", pos.ID, "amount", fee, "err", err)
	}

	direction := "long"
	if pos.Size.IsNegative() {
		direction = "short"
	}
	metrics.TradesTotal.WithLabelValues(action, direction).Inc()
	metrics.TradeLatency.WithLabelValues(action).Observe(time.Since(start).Seconds())

	slog.Info("position closed",
		"position_id", pos.ID,
		"trader", pos.Owner,
		"instrument", pos.Instrument,
		"exit_price", exec.String(),
		"pnl", pnl.String(),
		"payout", payout.String(),
	)

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:       "position_closed",
			Ticker:     pos.Instrument,
			PositionID: pos.ID,
			MarkPrice:  after.String(),
			Size:       pos.Size.Neg().String(),
		})
	}

	return CloseResponse{
		PositionID: pos.ID,
		ExitPrice:  exec,
		PnL:        pnl,
		Fee:        fee,
		Payout:     payout,
	}, nil
}

// GetPosition handles GET /api/v1/positions/{id}.
func (s *Service) GetPosition(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "positionID")

	pos, err := s.book.Get(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.view(pos))
}

// GetPortfolio handles GET /api/v1/portfolio/{trader}.
// Aggregates open positions with live valuation and per-league exposure.
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	trader := chi.URLParam(r, "trader")

	positions := s.book.OpenPositionsByTrader(trader)
	views := make([]model.PositionView, 0, len(positions))

	totalMargin := decimal.Zero
	totalPnL := decimal.Zero
	totalExposure := decimal.Zero
	exposureByLeague := make(map[string]decimal.Decimal)

	for _, p := range positions {
		v := s.view(p)
		views = append(views, v)

		totalMargin = totalMargin.Add(p.Margin)
		totalPnL = totalPnL.Add(v.UnrealizedPnL)
		totalExposure = totalExposure.Add(p.Size.Abs())

		if t, err := instrument.ParseTicker(p.Instrument); err == nil {
			exposureByLeague[t.League] = exposureByLeague[t.League].Add(p.Size)
		}
	}

	writeJSON(w, http.StatusOK, model.Portfolio{
		Trader:           trader,
		Positions:        views,
		TotalMargin:      totalMargin,
		TotalPnL:         totalPnL,
		TotalExposure:    totalExposure,
		ExposureByLeague: exposureByLeague,
	})
}

// AddLiquidity handles POST /api/v1/liquidity.
func (s *Service) AddLiquidity(w http.ResponseWriter, r *http.Request) {
	var req LiquidityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Provider == "" {
		writeError(w, "provider is required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()

	if err := s.enter(); err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}
	defer s.exit()
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.funding.Registered(req.Instrument) {
		writeError(w, "unknown instrument: "+req.Instrument, http.StatusNotFound)
		return
	}

	if err := s.treasury.Debit(ctx, req.Provider, req.Amount); err != nil {
		writeDomainError(w, err)
		return
	}

	shares, err := s.book.AddLiquidity(req.Instrument, req.Provider, req.Amount)
	if err != nil {
		if rerr := s.treasury.Credit(ctx, req.Provider, req.Amount); rerr != nil {
			slog.Error("liquidity refund failed", "provider", req.Provider, "amount", req.Amount, "err", rerr)
		}
		writeDomainError(w, err)
		return
	}

	slog.Info("liquidity added",
		"provider", req.Provider,
		"instrument", req.Instrument,
		"amount", req.Amount.String(),
		"shares", shares.String(),
	)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"shares": shares,
		"pool":   s.book.Pool(req.Instrument),
	})
}

// WithdrawLiquidity handles POST /api/v1/liquidity/withdraw.
func (s *Service) WithdrawLiquidity(w http.ResponseWriter, r *http.Request) {
	var req WithdrawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ctx := r.Context()

	if err := s.enter(); err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}
	defer s.exit()
	s.mu.Lock()
	defer s.mu.Unlock()

	amount, err := s.book.RemoveLiquidity(req.Instrument, req.Provider, req.Shares)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	if err := s.treasury.Credit(ctx, req.Provider, amount); err != nil {
		slog.Error("withdrawal credit failed", "provider", req.Provider, "amount", amount.String(), "err", err)
	}

	slog.Info("liquidity withdrawn",
		"provider", req.Provider,
		"instrument", req.Instrument,
		"shares", req.Shares.String(),
		"amount", amount.String(),
	)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"amount": amount,
		"pool":   s.book.Pool(req.Instrument),
	})
}

// --- Instrument surface ---

// RegisterInstrument handles POST /api/v1/instruments (capability: admin).
func (s *Service) RegisterInstrument(w http.ResponseWriter, r *http.Request) {
	var req RegisterInstrumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	parsed, err := instrument.ParseTicker(req.Ticker)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if err := instrument.ValidateCap(req.Cap); err != nil {
		writeDomainError(w, err)
		return
	}

	if err := s.funding.Register(req.Ticker, req.Cap); err != nil {
		writeDomainError(w, err)
		return
	}

	inst := &model.Instrument{
		Ticker:    req.Ticker,
		League:    parsed.League,
		Team:      parsed.Team,
		Season:    parsed.Season,
		Cap:       req.Cap,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateInstrument(r.Context(), inst); err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}
	metrics.ActiveInstruments.Inc()

	slog.Info("instrument registered",
		"ticker", req.Ticker,
		"league", parsed.League,
		"team", parsed.Team,
		"season", parsed.Season,
	)

	writeJSON(w, http.StatusCreated, inst)
}

// ListInstruments handles GET /api/v1/instruments.
// Optionally filtered by ?league=NBA.
func (s *Service) ListInstruments(w http.ResponseWriter, r *http.Request) {
	instruments, err := s.store.ListInstruments(r.Context())
	if err != nil {
		writeError(w, "failed to list instruments", http.StatusInternalServerError)
		return
	}
	if instruments == nil {
		instruments = []model.Instrument{}
	}

	if league := r.URL.Query().Get("league"); league != "" {
		var filtered []model.Instrument
		for _, inst := range instruments {
			if inst.League == league {
				filtered = append(filtered, inst)
			}
		}
		if filtered == nil {
			filtered = []model.Instrument{}
		}
		instruments = filtered
	}

	writeJSON(w, http.StatusOK, instruments)
}

// GetInstrument handles GET /api/v1/instruments/{ticker}.
func (s *Service) GetInstrument(w http.ResponseWriter, r *http.Request) {
	ticker := chi.URLParam(r, "ticker")

	inst, err := s.store.GetInstrument(r.Context(), ticker)
	if err != nil {
		writeError(w, "instrument not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

// GetPrice handles GET /api/v1/instruments/{ticker}/price.
func (s *Service) GetPrice(w http.ResponseWriter, r *http.Request) {
	ticker := chi.URLParam(r, "ticker")

	if !s.funding.Registered(ticker) {
		writeError(w, "instrument not found", http.StatusNotFound)
		return
	}

	resp := map[string]interface{}{
		"mark_price":     s.markOf(ticker),
		"net_imbalance":  s.book.NetImbalance(ticker),
		"pool_liquidity": s.book.PoolValue(ticker),
	}
	if snap, err := s.funding.Snapshot(ticker); err == nil {
		resp["funding"] = snap
	}

	writeJSON(w, http.StatusOK, resp)
}

// GetFunding handles GET /api/v1/instruments/{ticker}/funding.
// Returns the latest rate snapshot and the settlement trail.
func (s *Service) GetFunding(w http.ResponseWriter, r *http.Request) {
	ticker := chi.URLParam(r, "ticker")

	if !s.funding.Registered(ticker) {
		writeError(w, "instrument not found", http.StatusNotFound)
		return
	}

	settlements, err := s.store.GetSettlementsByInstrument(r.Context(), ticker)
	if err != nil {
		writeError(w, "failed to load settlements", http.StatusInternalServerError)
		return
	}
	if settlements == nil {
		settlements = []model.FundingSettlement{}
	}

	resp := map[string]interface{}{
		"settlements": settlements,
	}
	if snap, err := s.funding.Snapshot(ticker); err == nil {
		resp["snapshot"] = snap
	} else if last, serr := s.store.LatestSettlement(r.Context(), ticker); serr == nil {
		// No in-memory snapshot yet (fresh process); rebuild one from the
		// most recent persisted settlement.
		resp["snapshot"] = model.FundingRateSnapshot{
			Rate:       last.Rate,
			MarkPrice:  last.MarkPrice,
			IndexPrice: last.IndexPrice,
			Timestamp:  last.Timestamp,
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// --- Admin surface ---

// UpdateCap handles PUT /api/v1/instruments/{ticker}/cap (capability: admin).
func (s *Service) UpdateCap(w http.ResponseWriter, r *http.Request) {
	ticker := chi.URLParam(r, "ticker")

	var cap model.FundingCap
	if err := json.NewDecoder(r.Body).Decode(&cap); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := instrument.ValidateCap(cap); err != nil {
		writeDomainError(w, err)
		return
	}
	if err := s.funding.UpdateCap(ticker, cap); err != nil {
		writeDomainError(w, err)
		return
	}
	if err := s.store.UpdateInstrumentCap(r.Context(), ticker, cap); err != nil {
		slog.Error("cap persistence failed", "ticker", ticker, "err", err)
	}

	slog.Info("funding cap updated", "ticker", ticker,
		"daily", cap.DailyCapPercent.String(),
		"cumulative", cap.CumulativeCapPercent.String(),
	)
	writeJSON(w, http.StatusOK, cap)
}

// UpdateParams handles PUT /api/v1/params (capability: admin).
// Nil fields are left unchanged; the whole batch is validated before any
// field is applied.
func (s *Service) UpdateParams(w http.ResponseWriter, r *http.Request) {
	var u vamm.ParamUpdate
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.pricing.UpdateParams(u); err != nil {
		writeDomainError(w, err)
		return
	}

	p := s.pricing.Params()
	slog.Info("params updated",
		"sensitivity", p.Sensitivity.String(),
		"funding_factor", p.FundingFactor.String(),
		"min_margin_ratio", p.MinMarginRatio.String(),
		"max_leverage", p.MaxLeverage.String(),
	)
	writeJSON(w, http.StatusOK, p)
}

// PauseInstrument handles POST /api/v1/instruments/{ticker}/pause
// (capability: pauser).
func (s *Service) PauseInstrument(w http.ResponseWriter, r *http.Request) {
	s.setPaused(w, r, true)
}

// UnpauseInstrument handles POST /api/v1/instruments/{ticker}/unpause
// (capability: pauser).
func (s *Service) UnpauseInstrument(w http.ResponseWriter, r *http.Request) {
	s.setPaused(w, r, false)
}

func (s *Service) setPaused(w http.ResponseWriter, r *http.Request, paused bool) {
	ticker := chi.URLParam(r, "ticker")

	if err := s.funding.SetPaused(ticker, paused); err != nil {
		writeDomainError(w, err)
		return
	}
	s.persistState(r.Context(), ticker)

	slog.Info("instrument pause state changed", "ticker", ticker, "paused", paused)
	writeJSON(w, http.StatusOK, map[string]bool{"paused": paused})
}

// SetOverrideRate handles POST /api/v1/instruments/{ticker}/override-rate
// (capability: emergency). A null rate restores premium-derived rates.
func (s *Service) SetOverrideRate(w http.ResponseWriter, r *http.Request) {
	ticker := chi.URLParam(r, "ticker")

	var req OverrideRateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.funding.SetOverrideRate(ticker, req.Rate); err != nil {
		writeDomainError(w, err)
		return
	}
	s.persistState(r.Context(), ticker)

	if req.Rate != nil {
		slog.Warn("funding rate override pinned", "ticker", ticker, "rate", req.Rate.String())
	} else {
		slog.Info("funding rate override cleared", "ticker", ticker)
	}
	writeJSON(w, http.StatusOK, req)
}

// --- Operational surface ---

// UpdateFundingRate handles POST /api/v1/funding/{ticker}/rate
// (capability: funding-executor).
func (s *Service) UpdateFundingRate(w http.ResponseWriter, r *http.Request) {
	ticker := chi.URLParam(r, "ticker")

	snap, err := s.funding.UpdateRate(r.Context(), ticker)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:       "funding_rate",
			Ticker:     ticker,
			Rate:       snap.Rate.String(),
			MarkPrice:  snap.MarkPrice.String(),
			IndexPrice: snap.IndexPrice.String(),
		})
	}

	writeJSON(w, http.StatusOK, snap)
}

// ExecuteFunding handles POST /api/v1/funding/{ticker}/execute
// (capability: funding-executor). Runs one full settlement round and
// appends the audit record.
func (s *Service) ExecuteFunding(w http.ResponseWriter, r *http.Request) {
	ticker := chi.URLParam(r, "ticker")
	ctx := r.Context()

	if err := s.enter(); err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}
	defer s.exit()
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.funding.Execute(ctx, ticker)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	if err := s.store.InsertSettlement(ctx, &res.Settlement); err != nil {
		slog.Error("settlement persistence failed", "ticker", ticker, "err", err)
	}
	s.persistState(ctx, ticker)

	metrics.FundingRounds.WithLabelValues(ticker).Inc()
	if res.Settlement.CapReached {
		metrics.FundingCapHits.WithLabelValues(ticker).Inc()
	}
	if n := len(res.ForcedCloses); n > 0 {
		metrics.ForcedCloses.WithLabelValues(ticker).Add(float64(n))
	}
	metrics.EmergencySeverity.WithLabelValues(ticker).Set(float64(res.Settlement.Severity))

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:       "funding_settled",
			Ticker:     ticker,
			Rate:       res.Settlement.Rate.String(),
			MarkPrice:  res.Settlement.MarkPrice.String(),
			IndexPrice: res.Settlement.IndexPrice.String(),
		})
	}

	writeJSON(w, http.StatusOK, res)
}

// TriggerEmergency handles POST /api/v1/funding/{ticker}/emergency
// (capability: emergency). Severity only escalates; critical pauses the
// instrument.
func (s *Service) TriggerEmergency(w http.ResponseWriter, r *http.Request) {
	ticker := chi.URLParam(r, "ticker")

	var req EmergencyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.funding.TriggerEmergencyProtocol(ticker, req.Severity); err != nil {
		writeDomainError(w, err)
		return
	}
	s.persistState(r.Context(), ticker)

	severity, _ := s.funding.Severity(ticker)
	paused, _ := s.funding.Paused(ticker)
	metrics.EmergencySeverity.WithLabelValues(ticker).Set(float64(severity))

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"severity": severity,
		"paused":   paused,
	})
}

// --- Helpers ---

// markOf returns the live mark price for an instrument.
func (s *Service) markOf(ticker string) decimal.Decimal {
	return s.pricing.MarkPrice(s.book.NetImbalance(ticker), s.book.PoolValue(ticker))
}

// view builds a read model for one position at the live mark.
func (s *Service) view(pos model.Position) model.PositionView {
	mark := s.markOf(pos.Instrument)
	return model.PositionView{
		Position:         pos,
		MarkPrice:        mark,
		Notional:         s.pricing.Notional(pos.Size, mark),
		UnrealizedPnL:    s.pricing.PnL(pos.Size, pos.EntryPrice, mark),
		LiquidationPrice: s.pricing.LiquidationPrice(pos.Size, pos.EntryPrice, pos.Margin, pos.Leverage),
		AdequateMargin:   s.pricing.HasAdequateMargin(pos.Size, pos.EntryPrice, pos.Margin, pos.Leverage, mark),
	}
}

// exposures aggregates the trader's open positions for the risk limiter.
func (s *Service) exposures(trader string) []risk.Exposure {
	agg := make(map[string]*risk.Exposure)
	for _, p := range s.book.OpenPositionsByTrader(trader) {
		e, ok := agg[p.Instrument]
		if !ok {
			league := ""
			if t, err := instrument.ParseTicker(p.Instrument); err == nil {
				league = t.League
			}
			e = &risk.Exposure{Instrument: p.Instrument, League: league}
			agg[p.Instrument] = e
		}
		e.Net = e.Net.Add(p.Size)
	}

	out := make([]risk.Exposure, 0, len(agg))
	for _, e := range agg {
		out = append(out, *e)
	}
	return out
}

// persistState mirrors the funding engine's live instrument state into
// the store. Persistence failures are logged, not fatal: the engine is
// authoritative while the process lives.
func (s *Service) persistState(ctx context.Context, ticker string) {
	paused, err := s.funding.Paused(ticker)
	if err != nil {
		return
	}
	override, _ := s.funding.OverrideRate(ticker)
	last, _ := s.funding.LastFundingTime(ticker)
	severity, _ := s.funding.Severity(ticker)

	if err := s.store.UpdateInstrumentState(ctx, ticker, paused, override, last, severity); err != nil {
		slog.Error("instrument state persistence failed", "ticker", ticker, "err", err)
	}
}

// writeJSON writes a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeDomainError maps domain errors onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	writeError(w, err.Error(), statusFor(err))
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, funding.ErrUnknownInstrument),
		errors.Is(err, book.ErrPositionNotFound),
		errors.Is(err, store.ErrNotFound),
		errors.Is(err, oracle.ErrNoIndexPrice):
		return http.StatusNotFound
	case errors.Is(err, funding.ErrPaused),
		errors.Is(err, funding.ErrAlreadyRegistered),
		errors.Is(err, book.ErrPositionClosed),
		errors.Is(err, book.ErrInsufficientShares),
		errors.Is(err, book.ErrInsufficientPool),
		errors.Is(err, treasury.ErrInsufficientFunds),
		errors.Is(err, risk.ErrPerInstrumentLimitExceeded),
		errors.Is(err, risk.ErrCorrelatedLimitExceeded),
		errors.Is(err, ErrReentrant):
		return http.StatusConflict
	case errors.Is(err, vamm.ErrZeroSize),
		errors.Is(err, vamm.ErrInvalidLeverage),
		errors.Is(err, vamm.ErrParamOutOfRange),
		errors.Is(err, instrument.ErrInvalidTicker),
		errors.Is(err, instrument.ErrInvalidLeague),
		errors.Is(err, instrument.ErrInvalidCap),
		errors.Is(err, book.ErrInvalidAmount),
		errors.Is(err, treasury.ErrInvalidAmount),
		errors.Is(err, funding.ErrInvalidSeverity),
		errors.Is(err, funding.ErrZeroIndexPrice),
		errors.Is(err, oracle.ErrIndexOutOfRange):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
