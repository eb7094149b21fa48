package metrics

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// VaultMetrics exposes engine activity through a dedicated Prometheus
// registry.
type VaultMetrics struct {
	namespace string
	registry  *prometheus.Registry
	gatherer  prometheus.Gatherer
	logger    log.Logger

	// Share ledger metrics
	deposits         prometheus.Counter
	withdrawals      prometheus.Counter
	withdrawRequests prometheus.Counter
	depositVolume    prometheus.Counter
	withdrawVolume   prometheus.Counter
	rebases          prometheus.Counter

	// Fee metrics
	managementFeesPaid prometheus.Counter
	protocolFeesPaid   prometheus.Counter
	profitSharesPaid   prometheus.Counter

	// Liquidation metrics
	liquidationsStarted  prometheus.Counter
	liquidationsFinished prometheus.Counter

	// Venue metrics
	ordersPlaced   prometheus.Counter
	takerFills     prometheus.Counter
	takerBaseFees  prometheus.Counter
	takerQuoteFees prometheus.Counter

	// System metrics
	vaultCount  prometheus.Gauge
	memoryUsage prometheus.Gauge
	goroutines  prometheus.Gauge
}

// NewVaultMetrics builds a registry-backed metrics set under namespace.
func NewVaultMetrics(namespace string) (*VaultMetrics, error) {
	logger := log.Root().New("module", "metrics")

	registry := prometheus.NewRegistry()

	m := &VaultMetrics{
		namespace: namespace,
		registry:  registry,
		gatherer:  registry,
		logger:    logger,

		deposits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deposits_total",
			Help:      "Total number of deposits processed",
		}),
		withdrawals: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "withdrawals_total",
			Help:      "Total number of withdrawals fulfilled",
		}),
		withdrawRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "withdraw_requests_total",
			Help:      "Total number of withdraw requests opened",
		}),
		depositVolume: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deposit_volume_atoms",
			Help:      "Cumulative deposit volume in settlement atoms",
		}),
		withdrawVolume: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "withdraw_volume_atoms",
			Help:      "Cumulative withdrawal volume in settlement atoms",
		}),
		rebases: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rebases_total",
			Help:      "Total number of share rebases applied",
		}),
		managementFeesPaid: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "management_fees_atoms",
			Help:      "Cumulative management fees crystallized in settlement atoms",
		}),
		protocolFeesPaid: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_fees_atoms",
			Help:      "Cumulative protocol fees crystallized in settlement atoms",
		}),
		profitSharesPaid: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "profit_shares_atoms",
			Help:      "Cumulative profit share assessed in settlement atoms",
		}),
		liquidationsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "liquidations_started_total",
			Help:      "Total number of liquidator appointments",
		}),
		liquidationsFinished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "liquidations_finished_total",
			Help:      "Total number of liquidations completed",
		}),
		ordersPlaced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_placed_total",
			Help:      "Total number of limit orders placed",
		}),
		takerFills: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "taker_fills_total",
			Help:      "Total number of taker crossings",
		}),
		takerBaseFees: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "taker_base_fees_atoms",
			Help:      "Cumulative taker fees collected in base atoms",
		}),
		takerQuoteFees: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "taker_quote_fees_atoms",
			Help:      "Cumulative taker fees collected in quote atoms",
		}),
		vaultCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "vaults",
			Help:      "Number of initialized vaults",
		}),
		memoryUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_bytes",
			Help:      "Current memory usage in bytes",
		}),
		goroutines: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "goroutines",
			Help:      "Current number of goroutines",
		}),
	}

	collectors := []prometheus.Collector{
		m.deposits, m.withdrawals, m.withdrawRequests,
		m.depositVolume, m.withdrawVolume, m.rebases,
		m.managementFeesPaid, m.protocolFeesPaid, m.profitSharesPaid,
		m.liquidationsStarted, m.liquidationsFinished,
		m.ordersPlaced, m.takerFills, m.takerBaseFees, m.takerQuoteFees,
		m.vaultCount, m.memoryUsage, m.goroutines,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// RecordDeposit counts one deposit of amount settlement atoms.
func (m *VaultMetrics) RecordDeposit(amount uint64) {
	if m == nil {
		return
	}
	m.deposits.Inc()
	m.depositVolume.Add(float64(amount))
}

// RecordWithdrawRequest counts one withdraw request.
func (m *VaultMetrics) RecordWithdrawRequest() {
	if m == nil {
		return
	}
	m.withdrawRequests.Inc()
}

// RecordWithdraw counts one fulfilled withdrawal of amount settlement atoms.
func (m *VaultMetrics) RecordWithdraw(amount uint64) {
	if m == nil {
		return
	}
	m.withdrawals.Inc()
	m.withdrawVolume.Add(float64(amount))
}

// RecordRebase counts one share rebase.
func (m *VaultMetrics) RecordRebase() {
	if m == nil {
		return
	}
	m.rebases.Inc()
}

// RecordFees accumulates crystallized fee payments.
func (m *VaultMetrics) RecordFees(management int64, protocol int64) {
	if m == nil {
		return
	}
	if management > 0 {
		m.managementFeesPaid.Add(float64(management))
	}
	if protocol > 0 {
		m.protocolFeesPaid.Add(float64(protocol))
	}
}

// RecordProfitShare accumulates assessed profit share.
func (m *VaultMetrics) RecordProfitShare(amount uint64) {
	if m == nil || amount == 0 {
		return
	}
	m.profitSharesPaid.Add(float64(amount))
}

// RecordLiquidationStarted counts a liquidator appointment.
func (m *VaultMetrics) RecordLiquidationStarted() {
	if m == nil {
		return
	}
	m.liquidationsStarted.Inc()
}

// RecordLiquidationFinished counts a completed liquidation.
func (m *VaultMetrics) RecordLiquidationFinished() {
	if m == nil {
		return
	}
	m.liquidationsFinished.Inc()
}

// RecordOrderPlaced counts a resting order.
func (m *VaultMetrics) RecordOrderPlaced() {
	if m == nil {
		return
	}
	m.ordersPlaced.Inc()
}

// RecordTakerFill accumulates one taker crossing and its fees.
func (m *VaultMetrics) RecordTakerFill(baseFee, quoteFee uint64) {
	if m == nil {
		return
	}
	m.takerFills.Inc()
	m.takerBaseFees.Add(float64(baseFee))
	m.takerQuoteFees.Add(float64(quoteFee))
}

// SetVaultCount updates the vault gauge.
func (m *VaultMetrics) SetVaultCount(n int) {
	if m == nil {
		return
	}
	m.vaultCount.Set(float64(n))
}

// StartSystemCollector samples runtime stats until ctx is done.
func (m *VaultMetrics) StartSystemCollector(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				var ms runtime.MemStats
				runtime.ReadMemStats(&ms)
				m.memoryUsage.Set(float64(ms.Alloc))
				m.goroutines.Set(float64(runtime.NumGoroutine()))
			}
		}
	}()
}

// Handler serves the registry in Prometheus exposition format.
func (m *VaultMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Serve runs a metrics HTTP server on addr until ctx is done.
func (m *VaultMetrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	m.logger.Info("metrics server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
