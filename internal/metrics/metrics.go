package metrics

import (
	"context"
	"net/http"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/elys-network/rwavault/internal/events"
	"github.com/elys-network/rwavault/internal/logger"
	"github.com/elys-network/rwavault/internal/types"
	"github.com/elys-network/rwavault/internal/utils"
	"github.com/elys-network/rwavault/internal/vault"
)

// VaultReader is the read side of the vault the gauges are sampled from.
type VaultReader interface {
	TotalAssets(ctx context.Context) (sdkmath.Int, error)
	SharePrice(ctx context.Context) (sdkmath.Int, error)
	TotalSupply() sdkmath.Int
	IdleAssets() sdkmath.Int
	ManagedAssets() sdkmath.Int
	TotalLockedShares() sdkmath.Int
	Paused() bool
	EmergencyWithdrawEnabled() bool
	CircuitBreaker() vault.CircuitBreakerState
}

// HoldingReader exposes the per-holding valuation.
type HoldingReader interface {
	HoldingValues(ctx context.Context) ([]types.HoldingValue, error)
}

// Registry holds all Prometheus metrics of the vault engine.
type Registry struct {
	reg *prometheus.Registry

	assetDecimals uint8

	TotalAssets    prometheus.Gauge
	IdleAssets     prometheus.Gauge
	ManagedAssets  prometheus.Gauge
	SharePrice     prometheus.Gauge
	TotalSupply    prometheus.Gauge
	LockedShares   prometheus.Gauge
	Paused         prometheus.Gauge
	Emergency      prometheus.Gauge
	BreakerActive  prometheus.Gauge
	HoldingValue   *prometheus.GaugeVec
	HoldingBalance *prometheus.GaugeVec

	Events        *prometheus.CounterVec
	Cycles        *prometheus.CounterVec
	CycleDuration prometheus.Histogram
	SampleErrors  prometheus.Counter
}

var metricsLogger = logger.GetForComponent("metrics")

// NewRegistry creates the vault metrics on a private Prometheus registry.
func NewRegistry(assetDecimals uint8) *Registry {
	r := &Registry{
		reg:           prometheus.NewRegistry(),
		assetDecimals: assetDecimals,

		TotalAssets: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rwavault_total_assets",
			Help: "Idle plus managed plus RWA value, in whole vault asset units",
		}),
		IdleAssets: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rwavault_idle_assets",
			Help: "Vault asset held uninvested, in whole units",
		}),
		ManagedAssets: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rwavault_managed_assets",
			Help: "Off-ledger assets reported by the manager, in whole units",
		}),
		SharePrice: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rwavault_share_price",
			Help: "Vault asset per share",
		}),
		TotalSupply: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rwavault_share_supply",
			Help: "Outstanding shares, in whole share units",
		}),
		LockedShares: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rwavault_locked_shares",
			Help: "Shares held in custody for queued withdrawals",
		}),
		Paused: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rwavault_paused",
			Help: "1 when the vault is paused",
		}),
		Emergency: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rwavault_emergency_withdraw",
			Help: "1 when emergency withdrawals are enabled",
		}),
		BreakerActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rwavault_circuit_breaker_active",
			Help: "1 when the circuit breaker is active",
		}),
		HoldingValue: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rwavault_holding_value",
			Help: "Oracle value of each RWA holding, in whole vault asset units",
		}, []string{"token", "symbol"}),
		HoldingBalance: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rwavault_holding_balance",
			Help: "Custody balance of each RWA holding, in whole token units",
		}, []string{"token", "symbol"}),

		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rwavault_events_total",
			Help: "Committed vault events by type",
		}, []string{"type"}),
		Cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rwavault_keeper_cycles_total",
			Help: "Keeper cycles by result",
		}, []string{"result"}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "rwavault_keeper_cycle_duration_seconds",
			Help:    "Duration of a keeper cycle",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		SampleErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rwavault_metrics_sample_errors_total",
			Help: "Failed samples of vault state",
		}),
	}

	r.reg.MustRegister(
		r.TotalAssets, r.IdleAssets, r.ManagedAssets, r.SharePrice, r.TotalSupply, r.LockedShares,
		r.Paused, r.Emergency, r.BreakerActive, r.HoldingValue, r.HoldingBalance,
		r.Events, r.Cycles, r.CycleDuration, r.SampleErrors,
		collectors.NewGoCollector(),
	)
	return r
}

// Gatherer exposes the underlying registry, mostly for tests.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// Handler serves the registry in the Prometheus text format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Publish counts committed events; it makes the registry an events.Sink.
func (r *Registry) Publish(_ context.Context, e events.Event) error {
	r.Events.WithLabelValues(string(e.Type)).Inc()
	return nil
}

// ObserveCycle records the outcome of one keeper cycle.
func (r *Registry) ObserveCycle(d time.Duration, result string) {
	r.Cycles.WithLabelValues(result).Inc()
	r.CycleDuration.Observe(d.Seconds())
}

// Sample refreshes every gauge from the vault. Valuation failures leave the affected gauges untouched.
func (r *Registry) Sample(ctx context.Context, v VaultReader, h HoldingReader) error {
	r.setAmount(r.IdleAssets, v.IdleAssets(), r.assetDecimals)
	r.setAmount(r.ManagedAssets, v.ManagedAssets(), r.assetDecimals)
	r.setAmount(r.TotalSupply, v.TotalSupply(), r.assetDecimals)
	r.setAmount(r.LockedShares, v.TotalLockedShares(), r.assetDecimals)
	r.Paused.Set(boolGauge(v.Paused()))
	r.Emergency.Set(boolGauge(v.EmergencyWithdrawEnabled()))
	r.BreakerActive.Set(boolGauge(v.CircuitBreaker().Active))

	total, err := v.TotalAssets(ctx)
	if err != nil {
		r.SampleErrors.Inc()
		metricsLogger.Warn().Err(err).Msg("Failed to sample total assets")
		return err
	}
	r.setAmount(r.TotalAssets, total, r.assetDecimals)

	price, err := v.SharePrice(ctx)
	if err != nil {
		r.SampleErrors.Inc()
		return err
	}
	r.setAmount(r.SharePrice, price, 18)

	if h == nil {
		return nil
	}
	values, err := h.HoldingValues(ctx)
	if err != nil {
		r.SampleErrors.Inc()
		return err
	}
	for _, hv := range values {
		labels := []string{hv.Token.Hex(), hv.Symbol}
		r.setAmount(r.HoldingValue.WithLabelValues(labels...), hv.Value, r.assetDecimals)
		r.setAmount(r.HoldingBalance.WithLabelValues(labels...), hv.Balance, hv.Decimals)
	}
	return nil
}

func (r *Registry) setAmount(g prometheus.Gauge, amount sdkmath.Int, decimals uint8) {
	f, err := utils.SDKIntToFloat64(amount, decimals)
	if err != nil {
		metricsLogger.Debug().Err(err).Msg("Skipping gauge update")
		return
	}
	g.Set(f)
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
