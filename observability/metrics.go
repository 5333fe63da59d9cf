package observability

import (
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"bookingescrow/core/events"
	"bookingescrow/native/escrow"
)

type moduleMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	moduleMetricsOnce sync.Once
	moduleRegistry    *moduleMetrics

	escrowMetricsOnce sync.Once
	escrowRegistry    *EscrowMetrics
)

// ModuleMetrics returns the lazily-initialised module metrics registry used to
// record RPC module activity.
func ModuleMetrics() *moduleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = &moduleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "rpc",
				Name:      "requests_total",
				Help:      "Total JSON-RPC requests segmented by module and method.",
			}, []string{"module", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "rpc",
				Name:      "errors_total",
				Help:      "Total JSON-RPC errors segmented by module, method, and status code.",
			}, []string{"module", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "escrow",
				Subsystem: "rpc",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for JSON-RPC handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"module", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "rpc",
				Name:      "throttles_total",
				Help:      "Count of requests rejected due to throttling policies.",
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

// EscrowMetrics tracks ledger transitions and the value flowing through
// custody.
type EscrowMetrics struct {
	transitions *prometheus.CounterVec
	payouts     *prometheus.CounterVec
	custody     prometheus.Gauge

	mu      sync.Mutex
	balance *big.Int
}

// NewEscrowMetrics builds the collectors and registers them with reg.
func NewEscrowMetrics(reg prometheus.Registerer) *EscrowMetrics {
	m := &EscrowMetrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "escrow",
			Name:      "transitions_total",
			Help:      "Booking operations segmented by operation and outcome.",
		}, []string{"operation", "outcome"}),
		payouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "escrow",
			Name:      "payout_amount_total",
			Help:      "Value released from custody segmented by recipient side.",
		}, []string{"recipient"}),
		custody: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "escrow",
			Name:      "custody_balance",
			Help:      "Value currently held in custody as observed from ledger events.",
		}),
		balance: big.NewInt(0),
	}
	if reg != nil {
		reg.MustRegister(m.transitions, m.payouts, m.custody)
	}
	return m
}

// Escrow returns the process-wide escrow metrics registered with the default
// prometheus registry.
func Escrow() *EscrowMetrics {
	escrowMetricsOnce.Do(func() {
		escrowRegistry = NewEscrowMetrics(prometheus.DefaultRegisterer)
	})
	return escrowRegistry
}

// RecordTransition counts an attempted operation. Outcome should be a stable
// label such as "ok" or an error class.
func (m *EscrowMetrics) RecordTransition(operation, outcome string) {
	if m == nil {
		return
	}
	if operation == "" {
		operation = "unknown"
	}
	if outcome == "" {
		outcome = "ok"
	}
	m.transitions.WithLabelValues(operation, outcome).Inc()
}

// SetCustody seeds the gauge from the ledger, typically at start-up.
func (m *EscrowMetrics) SetCustody(amount *big.Int) {
	if m == nil || amount == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balance = new(big.Int).Set(amount)
	m.custody.Set(toFloat(m.balance))
}

// Emit implements events.Emitter by folding deposits and payouts into the
// custody gauge and payout counters.
func (m *EscrowMetrics) Emit(evt events.Event) {
	if m == nil || evt == nil {
		return
	}
	payload, ok := evt.(events.Payload)
	if !ok || payload.Event() == nil {
		return
	}
	attrs := payload.Event().Attributes
	amount, ok := new(big.Int).SetString(attrs[escrow.AttrAmount], 10)
	if !ok {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	switch evt.EventType() {
	case escrow.EventTypeDeposited:
		m.balance.Add(m.balance, amount)
	case escrow.EventTypePaidOut:
		m.balance.Sub(m.balance, amount)
		m.payouts.WithLabelValues("payee").Add(toFloat(amount))
	case escrow.EventTypeRefunded:
		m.balance.Sub(m.balance, amount)
		m.payouts.WithLabelValues("payer").Add(toFloat(amount))
	default:
		return
	}
	m.custody.Set(toFloat(m.balance))
}

func toFloat(v *big.Int) float64 {
	f, _ := new(big.Float).SetInt(v).Float64()
	return f
}
