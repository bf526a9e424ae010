package observability

import (
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"

	nativecommon "yieldvault/native/common"
)

const namespace = "yieldvault"

type moduleMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	moduleMetricsOnce sync.Once
	moduleRegistry    *moduleMetrics

	vaultMetricsOnce sync.Once
	vaultRegistry    *VaultMetrics
)

// ModuleMetrics returns the lazily-initialised registry recording API activity.
func ModuleMetrics() *moduleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = &moduleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "Total API requests segmented by module and method.",
			}, []string{"module", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "errors_total",
				Help:      "Total API errors segmented by module, method, and status code.",
			}, []string{"module", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"module", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "throttles_total",
				Help:      "Count of API requests rejected due to throttling policies.",
			}, []string{"module", "reason"}),
		}
		prometheus.MustRegister(
			moduleRegistry.requests,
			moduleRegistry.errors,
			moduleRegistry.latency,
			moduleRegistry.throttles,
		)
	})
	return moduleRegistry
}

// Observe records the outcome of an API request. The status code should be
// the HTTP status that was ultimately written to the response writer.
func (m *moduleMetrics) Observe(module, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(module, method, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(module, method, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(module, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for the supplied module and
// reason.
func (m *moduleMetrics) RecordThrottle(module, reason string) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(module, reason).Inc()
}

// VaultMetrics captures ledger activity for the vault, distribution and
// harvest engines. Amounts are exported in asset units.
type VaultMetrics struct {
	operations *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	errors     *prometheus.CounterVec

	deposited    prometheus.Counter
	sharesMinted prometheus.Counter
	deployed     prometheus.Counter
	rebalances   *prometheus.CounterVec
	recovered    prometheus.Counter
	unwindFails  prometheus.Counter

	harvested    prometheus.Counter
	harvestFails prometheus.Counter

	epochs      *prometheus.CounterVec
	distributed prometheus.Counter
	fees        prometheus.Counter
	claims      *prometheus.CounterVec
	claimed     prometheus.Counter

	idle    prometheus.Gauge
	nav     prometheus.Gauge
	supply  prometheus.Gauge
	pending prometheus.Gauge
}

// Vault returns the singleton ledger metrics registry.
func Vault() *VaultMetrics {
	vaultMetricsOnce.Do(func() {
		counter := func(subsystem, name, help string) prometheus.Counter {
			return prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Subsystem: subsystem, Name: name, Help: help})
		}
		gauge := func(subsystem, name, help string) prometheus.Gauge {
			return prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Subsystem: subsystem, Name: name, Help: help})
		}
		vaultRegistry = &VaultMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "operations_total",
				Help:      "Ledger entry point invocations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution for ledger entry points.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "errors_total",
				Help:      "Ledger failures segmented by operation and error class.",
			}, []string{"operation", "class"}),
			deposited:    counter("vault", "deposited_assets_total", "Asset units deposited."),
			sharesMinted: counter("vault", "shares_minted_total", "Receipt shares minted."),
			deployed:     counter("vault", "deployed_assets_total", "Asset units deployed into strategies."),
			rebalances: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "vault",
				Name:      "rebalances_total",
				Help:      "Rebalance outcomes.",
			}, []string{"outcome"}),
			recovered:    counter("vault", "emergency_recovered_assets_total", "Asset units recovered by emergency withdrawal."),
			unwindFails:  counter("vault", "emergency_unwind_failures_total", "Strategies skipped during emergency withdrawal."),
			harvested:    counter("harvest", "collected_assets_total", "Asset units received from strategy harvests."),
			harvestFails: counter("harvest", "failures_total", "Strategy harvests that failed."),
			epochs: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "distribution",
				Name:      "epochs_total",
				Help:      "Epoch close attempts segmented by outcome.",
			}, []string{"outcome"}),
			distributed: counter("distribution", "distributed_assets_total", "Net asset units distributed across closed epochs."),
			fees:        counter("distribution", "fees_assets_total", "Performance fees paid to the treasury."),
			claims: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "distribution",
				Name:      "claims_total",
				Help:      "Claims processed segmented by settlement mode.",
			}, []string{"mode"}),
			claimed: counter("distribution", "claimed_assets_total", "Asset units claimed."),
			idle:    gauge("vault", "idle_assets", "Idle asset units held by the vault."),
			nav:     gauge("vault", "total_assets", "Vault net asset value in asset units."),
			supply:  gauge("vault", "share_supply", "Outstanding receipt shares."),
			pending: gauge("distribution", "pending_assets", "Value carried forward to the next epoch."),
		}
		prometheus.MustRegister(
			vaultRegistry.operations,
			vaultRegistry.latency,
			vaultRegistry.errors,
			vaultRegistry.deposited,
			vaultRegistry.sharesMinted,
			vaultRegistry.deployed,
			vaultRegistry.rebalances,
			vaultRegistry.recovered,
			vaultRegistry.unwindFails,
			vaultRegistry.harvested,
			vaultRegistry.harvestFails,
			vaultRegistry.epochs,
			vaultRegistry.distributed,
			vaultRegistry.fees,
			vaultRegistry.claims,
			vaultRegistry.claimed,
			vaultRegistry.idle,
			vaultRegistry.nav,
			vaultRegistry.supply,
			vaultRegistry.pending,
		)
	})
	return vaultRegistry
}

// Observe records latency and outcome for a ledger entry point.
func (m *VaultMetrics) Observe(operation string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	op := strings.TrimSpace(operation)
	if op == "" {
		op = "unknown"
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
		m.errors.WithLabelValues(op, nativecommon.Classify(err).String()).Inc()
	}
	m.operations.WithLabelValues(op, outcome).Inc()
	m.latency.WithLabelValues(op).Observe(duration.Seconds())
}

func (m *VaultMetrics) RecordDeposit(assets, shares *uint256.Int) {
	if m == nil {
		return
	}
	m.deposited.Add(amountFloat(assets))
	m.sharesMinted.Add(amountFloat(shares))
}

func (m *VaultMetrics) RecordRebalance(outcome string, deployed *uint256.Int) {
	if m == nil {
		return
	}
	m.rebalances.WithLabelValues(outcome).Inc()
	m.deployed.Add(amountFloat(deployed))
}

func (m *VaultMetrics) RecordEmergency(recovered *uint256.Int, failed int) {
	if m == nil {
		return
	}
	m.recovered.Add(amountFloat(recovered))
	m.unwindFails.Add(float64(failed))
}

func (m *VaultMetrics) RecordHarvest(received *uint256.Int, failed int) {
	if m == nil {
		return
	}
	m.harvested.Add(amountFloat(received))
	m.harvestFails.Add(float64(failed))
}

func (m *VaultMetrics) RecordEpoch(outcome string, net, fee *uint256.Int) {
	if m == nil {
		return
	}
	m.epochs.WithLabelValues(outcome).Inc()
	m.distributed.Add(amountFloat(net))
	m.fees.Add(amountFloat(fee))
}

func (m *VaultMetrics) RecordClaim(compounded bool, value *uint256.Int) {
	if m == nil {
		return
	}
	mode := "transfer"
	if compounded {
		mode = "compound"
	}
	m.claims.WithLabelValues(mode).Inc()
	m.claimed.Add(amountFloat(value))
}

// SetVaultState publishes the current vault gauges.
func (m *VaultMetrics) SetVaultState(idle, totalAssets, supply *uint256.Int) {
	if m == nil {
		return
	}
	m.idle.Set(amountFloat(idle))
	m.nav.Set(amountFloat(totalAssets))
	m.supply.Set(amountFloat(supply))
}

func (m *VaultMetrics) SetPending(pending *uint256.Int) {
	if m == nil {
		return
	}
	m.pending.Set(amountFloat(pending))
}

func amountFloat(v *uint256.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(v.ToBig()).Float64()
	return f
}
