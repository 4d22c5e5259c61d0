package observability

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type moduleMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

// LedgerMetrics tracks lifecycle activity across the lending ledger.
type LedgerMetrics struct {
	loansOpened  prometheus.Counter
	repayments   prometheus.Counter
	liquidations prometheus.Counter
	fundBalance  prometheus.Gauge
	utilization  prometheus.Gauge
}

var (
	moduleMetricsOnce sync.Once
	moduleRegistry    *moduleMetrics

	ledgerMetricsOnce sync.Once
	ledgerRegistry    *LedgerMetrics
)

// ModuleMetrics returns the lazily-initialised module metrics registry used to
// record RPC module activity.
func ModuleMetrics() *moduleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = &moduleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "credline",
				Subsystem: "module",
				Name:      "requests_total",
				Help:      "Total JSON-RPC module requests segmented by module and method.",
			}, []string{"module", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "credline",
				Subsystem: "module",
				Name:      "errors_total",
				Help:      "Total JSON-RPC module errors segmented by module, method, and status code.",
			}, []string{"module", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "credline",
				Subsystem: "module",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for JSON-RPC module handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"module", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "credline",
				Subsystem: "module",
				Name:      "throttles_total",
				Help:      "Count of module requests rejected due to throttling policies.",
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

// Observe records the outcome of a module request. The status code should be
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
// reason. Reasons should be stable strings such as "rate_limit" so dashboards
// and alerts remain consistent.
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

// Ledger returns the singleton metrics registry for loan lifecycle activity.
func Ledger() *LedgerMetrics {
	ledgerMetricsOnce.Do(func() {
		ledgerRegistry = &LedgerMetrics{
			loansOpened: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "credline",
				Subsystem: "ledger",
				Name:      "loans_opened_total",
				Help:      "Total loans opened since process start.",
			}),
			repayments: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "credline",
				Subsystem: "ledger",
				Name:      "repayments_total",
				Help:      "Total repayment applications since process start.",
			}),
			liquidations: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "credline",
				Subsystem: "ledger",
				Name:      "liquidations_total",
				Help:      "Total liquidation settlements since process start.",
			}),
			fundBalance: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "credline",
				Subsystem: "fund",
				Name:      "balance_microusd",
				Help:      "Current loss-absorption fund balance in micro-USD.",
			}),
			utilization: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "credline",
				Subsystem: "pool",
				Name:      "utilization_ratio",
				Help:      "Borrowed over supplied liquidity, 0 through 1.",
			}),
		}
		prometheus.MustRegister(
			ledgerRegistry.loansOpened,
			ledgerRegistry.repayments,
			ledgerRegistry.liquidations,
			ledgerRegistry.fundBalance,
			ledgerRegistry.utilization,
		)
	})
	return ledgerRegistry
}

// LoanOpened increments the opened-loan counter.
func (m *LedgerMetrics) LoanOpened() {
	if m == nil {
		return
	}
	m.loansOpened.Inc()
}

// RepaymentApplied increments the repayment counter.
func (m *LedgerMetrics) RepaymentApplied() {
	if m == nil {
		return
	}
	m.repayments.Inc()
}

// LiquidationSettled increments the liquidation counter.
func (m *LedgerMetrics) LiquidationSettled() {
	if m == nil {
		return
	}
	m.liquidations.Inc()
}

// SetFundBalance records the current fund balance.
func (m *LedgerMetrics) SetFundBalance(balance float64) {
	if m == nil {
		return
	}
	m.fundBalance.Set(balance)
}

// SetUtilization records current pool utilization.
func (m *LedgerMetrics) SetUtilization(ratio float64) {
	if m == nil {
		return
	}
	m.utilization.Set(ratio)
}
