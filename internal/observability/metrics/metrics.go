// Package metrics exposes the engine's Prometheus collectors and the /metrics endpoint.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "cryptoreason"

var (
	registry = prometheus.NewRegistry()

	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests served by the control API.",
	}, []string{"handler", "method", "code"})

	httpLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Latency of control API requests.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"handler", "method"})

	sendAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "messaging",
		Name:      "send_attempts_total",
		Help:      "Publish attempts per message type and result.",
	}, []string{"type", "result"})

	awaitOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "messaging",
		Name:      "await_total",
		Help:      "Correlated waits per message type and outcome.",
	}, []string{"type", "outcome"})

	inboundMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "runtime",
		Name:      "inbound_messages_total",
		Help:      "Inbound envelopes per type and route.",
	}, []string{"type", "route"})

	cycles = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "orchestrator",
		Name:      "cycles_total",
		Help:      "Trading cycles by outcome.",
	}, []string{"outcome"})

	cycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "orchestrator",
		Name:      "cycle_duration_seconds",
		Help:      "Wall time of trading cycles.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
	})

	consensusRounds = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "orchestrator",
		Name:      "consensus_rounds_total",
		Help:      "Reasoning round-trips performed.",
	})

	signals = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "orchestrator",
		Name:      "signals_total",
		Help:      "Final signals by value.",
	}, []string{"signal"})

	escrowEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "escrow",
		Name:      "events_total",
		Help:      "Escrow lifecycle events.",
	}, []string{"event"})
)

func init() {
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		httpRequests, httpLatency,
		sendAttempts, awaitOutcomes, inboundMessages,
		cycles, cycleDuration, consensusRounds, signals,
		escrowEvents,
	)
}

// Registry returns the registry backing Handler.
func Registry() *prometheus.Registry {
	return registry
}

// ObserveHTTPRequest records one control API request.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	httpLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// SendAttempt records a publish attempt. result is "ok", "retry" or "failed".
func SendAttempt(msgType, result string) {
	sendAttempts.WithLabelValues(msgType, result).Inc()
}

// AwaitOutcome records how a correlated wait ended.
func AwaitOutcome(msgType, outcome string) {
	awaitOutcomes.WithLabelValues(msgType, outcome).Inc()
}

// Inbound records an envelope accepted by a runtime. route is "reply", "dispatch" or "dropped".
func Inbound(msgType, route string) {
	inboundMessages.WithLabelValues(msgType, route).Inc()
}

// CycleFinished records a completed or aborted trading cycle.
func CycleFinished(outcome string, duration time.Duration) {
	cycles.WithLabelValues(outcome).Inc()
	cycleDuration.Observe(duration.Seconds())
}

// ConsensusRound counts a reasoning round-trip.
func ConsensusRound() {
	consensusRounds.Inc()
}

// Signal counts a final decision.
func Signal(signal string) {
	signals.WithLabelValues(signal).Inc()
}

// EscrowEvent counts escrow transitions such as "created", "consumed" or "restored".
func EscrowEvent(event string) {
	escrowEvents.WithLabelValues(event).Inc()
}
