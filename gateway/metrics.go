package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics prometheus instruments of one gateway process
type Metrics struct {
	// ActiveConnections number of live client connections
	ActiveConnections prometheus.Gauge
	// ActiveSubscriptions number of live visitor subscriptions
	ActiveSubscriptions prometheus.Gauge
	// EventsProcessed inbound events by event name and outcome
	EventsProcessed *prometheus.CounterVec
	// RateLimitRejections events denied by admission control
	RateLimitRejections prometheus.Counter
	// BreakerState current enrichment breaker state (0 closed, 1 open, 2 half-open)
	BreakerState prometheus.Gauge
	// BreakerTransitions breaker state transitions by from / to state
	BreakerTransitions *prometheus.CounterVec
}

// GetMetrics define and register the gateway instruments
func GetMetrics(registry prometheus.Registerer) (*Metrics, error) {
	metrics := &Metrics{
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vistrack_gateway_active_connections",
			Help: "Number of live client connections",
		}),
		ActiveSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vistrack_gateway_active_subscriptions",
			Help: "Number of live visitor subscriptions",
		}),
		EventsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vistrack_gateway_events_total",
			Help: "Inbound events processed",
		}, []string{"event", "outcome"}),
		RateLimitRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vistrack_gateway_rate_limit_rejections_total",
			Help: "Events denied by admission control",
		}),
		BreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vistrack_gateway_breaker_state",
			Help: "Enrichment breaker state (0 closed, 1 open, 2 half-open)",
		}),
		BreakerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vistrack_gateway_breaker_transitions_total",
			Help: "Enrichment breaker state transitions",
		}, []string{"from", "to"}),
	}
	for _, collector := range []prometheus.Collector{
		metrics.ActiveConnections,
		metrics.ActiveSubscriptions,
		metrics.EventsProcessed,
		metrics.RateLimitRejections,
		metrics.BreakerState,
		metrics.BreakerTransitions,
	} {
		if err := registry.Register(collector); err != nil {
			return nil, err
		}
	}
	return metrics, nil
}

// ObserveBreakerTransition record one breaker state transition
func (m *Metrics) ObserveBreakerTransition(from, to CircuitState) {
	m.BreakerState.Set(float64(to))
	m.BreakerTransitions.WithLabelValues(from.String(), to.String()).Inc()
}

// ObserveEvent record one processed inbound event
func (m *Metrics) ObserveEvent(event, outcome string) {
	m.EventsProcessed.WithLabelValues(event, outcome).Inc()
}
