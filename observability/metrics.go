// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package observability wires the gateway's circuit breaker, router,
// budget ledger, and event broker into prometheus/client_golang
// collectors.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/relaycore/gateway/broker"
	"github.com/relaycore/gateway/llm/circuitbreaker"
)

// Metrics bundles the collectors this package registers.
type Metrics struct {
	breakerTransitions *prometheus.CounterVec
	breakerState       *prometheus.GaugeVec
	dispatchOutcomes   *prometheus.CounterVec
	dispatchLatency    *prometheus.HistogramVec
	budgetDecisions    *prometheus.CounterVec
	brokerDelivered    *prometheus.CounterVec
	brokerDropped      *prometheus.CounterVec
	brokerActiveSubs   prometheus.Gauge
}

// New constructs and registers every collector against reg. Pass
// prometheus.NewRegistry() in tests to avoid colliding with the
// global DefaultRegisterer across package-level New calls.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		breakerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Subsystem: "circuit_breaker",
			Name:      "transitions_total",
			Help:      "Circuit breaker state transitions by provider and target state.",
		}, []string{"provider", "to_state"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "gateway",
			Subsystem: "circuit_breaker",
			Name:      "state",
			Help:      "Current circuit breaker state by provider (0=closed, 1=half_open, 2=open).",
		}, []string{"provider"}),
		dispatchOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Subsystem: "router",
			Name:      "dispatch_outcomes_total",
			Help:      "Router dispatch attempts by provider and outcome.",
		}, []string{"provider", "outcome"}),
		dispatchLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "gateway",
			Subsystem: "router",
			Name:      "dispatch_latency_seconds",
			Help:      "Time from dispatch start to first chunk or completion.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider"}),
		budgetDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Subsystem: "ledger",
			Name:      "preflight_decisions_total",
			Help:      "Budget preflight decisions by decision.",
		}, []string{"decision"}),
		brokerDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Subsystem: "broker",
			Name:      "delivered_total",
			Help:      "Events delivered to subscribers by topic prefix.",
		}, []string{"topic_prefix"}),
		brokerDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Subsystem: "broker",
			Name:      "dropped_total",
			Help:      "Events dropped from overflowing subscription queues by topic prefix.",
		}, []string{"topic_prefix"}),
		brokerActiveSubs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gateway",
			Subsystem: "broker",
			Name:      "active_subscriptions",
			Help:      "Currently active broker subscriptions.",
		}),
	}

	reg.MustRegister(
		m.breakerTransitions,
		m.breakerState,
		m.dispatchOutcomes,
		m.dispatchLatency,
		m.budgetDecisions,
		m.brokerDelivered,
		m.brokerDropped,
		m.brokerActiveSubs,
	)
	return m
}

func stateValue(s circuitbreaker.State) float64 {
	switch s {
	case circuitbreaker.Closed:
		return 0
	case circuitbreaker.HalfOpen:
		return 1
	case circuitbreaker.Open:
		return 2
	default:
		return -1
	}
}

// BreakerObserver returns a circuitbreaker.TransitionObserver that
// records transitions and the current state gauge. Wire this into
// llm.NewRegistry.
func (m *Metrics) BreakerObserver() circuitbreaker.TransitionObserver {
	return func(provider string, from, to circuitbreaker.State) {
		m.breakerTransitions.WithLabelValues(provider, string(to)).Inc()
		m.breakerState.WithLabelValues(provider).Set(stateValue(to))
	}
}

// ObserveDispatch records a router dispatch attempt's outcome and
// latency for provider.
func (m *Metrics) ObserveDispatch(provider, outcome string, latencySeconds float64) {
	m.dispatchOutcomes.WithLabelValues(provider, outcome).Inc()
	m.dispatchLatency.WithLabelValues(provider).Observe(latencySeconds)
}

// ObserveBudgetDecision records a ledger preflight decision ("allow",
// "warn", or "deny").
func (m *Metrics) ObserveBudgetDecision(decision string) {
	m.budgetDecisions.WithLabelValues(decision).Inc()
}

// SampleBroker snapshots b's delivered/dropped/active counters under
// topicPrefix (e.g. "resource", "workflow", "llm", "cost") into the
// gauge/counter collectors. Call periodically from a background
// refresh loop, since broker.Stats() is a point-in-time aggregate
// rather than an event stream the collectors can observe directly.
func (m *Metrics) SampleBroker(topicPrefix string, stats broker.Stats) {
	m.brokerDelivered.WithLabelValues(topicPrefix).Add(float64(stats.Delivered))
	m.brokerDropped.WithLabelValues(topicPrefix).Add(float64(stats.Dropped))
	m.brokerActiveSubs.Set(float64(stats.ActiveSubscriptions))
}
