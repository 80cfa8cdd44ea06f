package observability

import (
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// CDPMetrics tracks engine calls, liquidations and oracle freshness.
type CDPMetrics struct {
	requests     *prometheus.CounterVec
	latency      *prometheus.HistogramVec
	operations   *prometheus.CounterVec
	liquidations *prometheus.CounterVec
	seized       *prometheus.CounterVec
	rounds       *prometheus.CounterVec
	roundAge     *prometheus.GaugeVec
	throttles    *prometheus.CounterVec
}

var (
	cdpMetricsOnce sync.Once
	cdpRegistry    *CDPMetrics
)

// CDP returns the lazily-initialised metrics registry of the engine daemon.
func CDP() *CDPMetrics {
	cdpMetricsOnce.Do(func() {
		cdpRegistry = &CDPMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stbl",
				Subsystem: "cdpd",
				Name:      "requests_total",
				Help:      "Total HTTP requests segmented by route and status class.",
			}, []string{"route", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "stbl",
				Subsystem: "cdpd",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for HTTP handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route"}),
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stbl",
				Subsystem: "engine",
				Name:      "operations_total",
				Help:      "Engine operations segmented by operation and failure reason.",
			}, []string{"operation", "reason"}),
			liquidations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stbl",
				Subsystem: "engine",
				Name:      "liquidations_total",
				Help:      "Successful liquidations segmented by collateral asset.",
			}, []string{"asset"}),
			seized: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stbl",
				Subsystem: "engine",
				Name:      "collateral_seized_total",
				Help:      "Whole units of collateral transferred to liquidators, bonus included.",
			}, []string{"asset"}),
			rounds: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stbl",
				Subsystem: "oracle",
				Name:      "rounds_total",
				Help:      "Oracle rounds published segmented by symbol.",
			}, []string{"symbol"}),
			roundAge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "stbl",
				Subsystem: "oracle",
				Name:      "round_age_seconds",
				Help:      "Age of the latest round per symbol at the time of the last observation.",
			}, []string{"symbol"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stbl",
				Subsystem: "cdpd",
				Name:      "throttles_total",
				Help:      "Count of requests rejected by the rate limiter.",
			}, []string{"reason"}),
		}
		prometheus.MustRegister(
			cdpRegistry.requests,
			cdpRegistry.latency,
			cdpRegistry.operations,
			cdpRegistry.liquidations,
			cdpRegistry.seized,
			cdpRegistry.rounds,
			cdpRegistry.roundAge,
			cdpRegistry.throttles,
		)
	})
	return cdpRegistry
}

// ObserveRequest records the outcome of an HTTP request.
func (m *CDPMetrics) ObserveRequest(route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	route = normaliseLabel(route)
	m.requests.WithLabelValues(route, statusClass(status)).Inc()
	m.latency.WithLabelValues(route).Observe(duration.Seconds())
}

// ObserveOperation records an engine call. reason is "ok" on success.
func (m *CDPMetrics) ObserveOperation(operation, reason string) {
	if m == nil {
		return
	}
	if strings.TrimSpace(reason) == "" {
		reason = "ok"
	}
	m.operations.WithLabelValues(normaliseLabel(operation), normaliseLabel(reason)).Inc()
}

// RecordLiquidation counts a liquidation and the collateral it moved.
// seized is expressed in base units with decimals fractional digits.
func (m *CDPMetrics) RecordLiquidation(asset string, seized *big.Int, decimals uint8) {
	if m == nil {
		return
	}
	asset = normaliseLabel(asset)
	m.liquidations.WithLabelValues(asset).Inc()
	if seized == nil || seized.Sign() <= 0 {
		return
	}
	scale := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	whole, _ := new(big.Float).Quo(new(big.Float).SetInt(seized), scale).Float64()
	m.seized.WithLabelValues(asset).Add(whole)
}

// RecordRound counts a published oracle round.
func (m *CDPMetrics) RecordRound(symbol string) {
	if m == nil {
		return
	}
	m.rounds.WithLabelValues(strings.ToUpper(strings.TrimSpace(symbol))).Inc()
}

// ObserveRoundAge records how old the latest round of symbol is.
func (m *CDPMetrics) ObserveRoundAge(symbol string, age time.Duration) {
	if m == nil {
		return
	}
	if age < 0 {
		age = 0
	}
	m.roundAge.WithLabelValues(strings.ToUpper(strings.TrimSpace(symbol))).Set(age.Seconds())
}

// RecordThrottle increments the throttle counter for the supplied reason.
func (m *CDPMetrics) RecordThrottle(reason string) {
	if m == nil {
		return
	}
	m.throttles.WithLabelValues(normaliseLabel(reason)).Inc()
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

func normaliseLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return strings.ToLower(trimmed)
}
