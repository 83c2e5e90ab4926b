// Package metrics provides Prometheus instrumentation for the perp engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TradesTotal counts positions opened and closed, partitioned by action
	// (open, close, liquidate, force_close) and direction.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wpx_trades_total",
		Help: "Total number of position operations executed",
	}, []string{"action", "direction"})

	// TradeLatency tracks position operation latency in seconds.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "wpx_trade_latency_seconds",
		Help:    "Position operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"action"})

	// ActiveInstruments tracks the number of registered instruments.
	ActiveInstruments = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wpx_active_instruments",
		Help: "Number of registered instruments",
	})

	// FundingRounds counts funding executions per instrument.
	FundingRounds = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wpx_funding_rounds_total",
		Help: "Total funding settlement rounds executed",
	}, []string{"instrument"})

	// FundingCapHits counts rounds where the pool obligation was clamped.
	FundingCapHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wpx_funding_cap_hits_total",
		Help: "Funding rounds where the pool obligation hit the cap",
	}, []string{"instrument"})

	// ForcedCloses counts positions force-closed during funding settlement.
	ForcedCloses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wpx_forced_closes_total",
		Help: "Positions force-closed by funding settlement",
	}, []string{"instrument"})

	// EmergencySeverity exposes the current escalation level per instrument.
	EmergencySeverity = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "wpx_emergency_severity",
		Help: "Current funding emergency severity (0=none, 3=critical)",
	}, []string{"instrument"})

	// RiskLimitRejections counts opens rejected by the exposure limiter.
	RiskLimitRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wpx_risk_limit_rejections_total",
		Help: "Position opens rejected by the exposure limiter",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wpx_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wpx_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "wpx_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
