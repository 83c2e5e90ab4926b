package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/wpx/perp-engine/internal/auth"
	"github.com/wpx/perp-engine/internal/book"
	"github.com/wpx/perp-engine/internal/funding"
	"github.com/wpx/perp-engine/internal/metrics"
	"github.com/wpx/perp-engine/internal/oracle"
	"github.com/wpx/perp-engine/internal/risk"
	"github.com/wpx/perp-engine/internal/store"
	"github.com/wpx/perp-engine/internal/trade"
	"github.com/wpx/perp-engine/internal/treasury"
	"github.com/wpx/perp-engine/internal/vamm"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// --- Initialize store ---
	var st store.Store
	var rdb *redis.Client
	var cleanup []func()

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pool, err := pgxpool.New(context.Background(), dbURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, 30*time.Second)
		slog.Info("Redis cache enabled")
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Pricing engine ---
	pricing, err := vamm.NewEngine(vamm.DefaultParams())
	if err != nil {
		slog.Error("pricing engine init failed", "err", err)
		os.Exit(1)
	}

	// --- Index price feed ---
	var feed oracle.Feed
	if rdb != nil {
		feed = oracle.NewRedisFeed(rdb)
		slog.Info("Redis index feed enabled")
	} else {
		slog.Warn("no Redis configured, using in-memory index feed")
		feed = oracle.NewMemoryFeed()
	}

	// --- Position book and funding engine ---
	bk := book.New()
	fund := funding.NewEngine(pricing, bk, feed, time.Now)

	// Re-register persisted instruments so funding state survives restarts.
	if instruments, err := st.ListInstruments(context.Background()); err == nil {
		for _, inst := range instruments {
			if err := fund.Register(inst.Ticker, inst.Cap); err != nil {
				slog.Error("instrument restore failed", "ticker", inst.Ticker, "err", err)
				continue
			}
			if inst.Paused {
				fund.SetPaused(inst.Ticker, true)
			}
			if inst.OverrideRate != nil {
				fund.SetOverrideRate(inst.Ticker, inst.OverrideRate)
			}
		}
		metrics.ActiveInstruments.Set(float64(len(instruments)))
		slog.Info("instruments restored", "count", len(instruments))
	}

	// --- Treasury ---
	// The production transferor is an external service; the in-memory
	// ledger keeps single-node deployments self-contained.
	ledger := treasury.NewMemoryLedger()

	// --- Risk limits ---
	maxPerInstrument := envDecimal("MAX_POSITION_PER_INSTRUMENT", decimal.NewFromInt(100000))
	maxCorrelated := envDecimal("MAX_CORRELATED_EXPOSURE", decimal.NewFromInt(500000))
	limiter := risk.NewLimiter(maxPerInstrument, maxCorrelated)

	// --- Capability tokens ---
	authz := auth.NewRegistry()
	grantFromEnv(authz, "ADMIN_TOKEN", auth.CapAdmin)
	grantFromEnv(authz, "FUNDING_EXECUTOR_TOKEN", auth.CapFundingExecutor)
	grantFromEnv(authz, "EMERGENCY_TOKEN", auth.CapEmergency)
	grantFromEnv(authz, "PAUSER_TOKEN", auth.CapPauser)
	grantFromEnv(authz, "LIQUIDATOR_TOKEN", auth.CapLiquidator)

	// --- WebSocket hub ---
	wsHub := trade.NewWSHub()
	go wsHub.Run()

	// --- Trade service ---
	svc := trade.NewService(st, pricing, bk, fund, ledger, limiter, wsHub)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)
	r.Use(auth.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"perp-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time mark and funding updates.
		r.Get("/ws", wsHub.HandleWS)

		// Trading.
		r.Post("/quote", svc.GetQuote)
		r.Post("/positions", svc.OpenPosition)
		r.Get("/positions/{positionID}", svc.GetPosition)
		r.Post("/positions/{positionID}/close", svc.ClosePosition)
		r.Post("/positions/{positionID}/liquidate", authz.Require(auth.CapLiquidator, svc.LiquidatePosition))
		r.Get("/portfolio/{trader}", svc.GetPortfolio)

		// Liquidity.
		r.Post("/liquidity", svc.AddLiquidity)
		r.Post("/liquidity/withdraw", svc.WithdrawLiquidity)

		// Instruments.
		r.Get("/instruments", svc.ListInstruments)
		r.Post("/instruments", authz.Require(auth.CapAdmin, svc.RegisterInstrument))
		r.Get("/instruments/{ticker}", svc.GetInstrument)
		r.Get("/instruments/{ticker}/price", svc.GetPrice)
		r.Get("/instruments/{ticker}/funding", svc.GetFunding)
		r.Put("/instruments/{ticker}/cap", authz.Require(auth.CapAdmin, svc.UpdateCap))
		r.Post("/instruments/{ticker}/pause", authz.Require(auth.CapPauser, svc.PauseInstrument))
		r.Post("/instruments/{ticker}/unpause", authz.Require(auth.CapPauser, svc.UnpauseInstrument))
		r.Post("/instruments/{ticker}/override-rate", authz.Require(auth.CapEmergency, svc.SetOverrideRate))

		// Engine parameters.
		r.Put("/params", authz.Require(auth.CapAdmin, svc.UpdateParams))

		// Funding operations.
		r.Post("/funding/{ticker}/rate", authz.Require(auth.CapFundingExecutor, svc.UpdateFundingRate))
		r.Post("/funding/{ticker}/execute", authz.Require(auth.CapFundingExecutor, svc.ExecuteFunding))
		r.Post("/funding/{ticker}/emergency", authz.Require(auth.CapEmergency, svc.TriggerEmergency))
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("perp-engine listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down perp-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("perp-engine stopped")
}

// envDecimal reads a decimal from the environment, falling back to def.
func envDecimal(key string, def decimal.Decimal) decimal.Decimal {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	dec, err := decimal.NewFromString(v)
	if err != nil {
		slog.Warn("invalid decimal in environment", "key", key, "value", v)
		return def
	}
	return dec
}

// grantFromEnv grants a capability to the token named by the env var.
func grantFromEnv(r *auth.Registry, key, capability string) {
	if token := os.Getenv(key); token != "" {
		r.Grant(token, capability)
	} else {
		slog.Warn("capability token not configured", "env", key, "capability", capability)
	}
}
