package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "wayfinder"

// Metrics holds the Prometheus collectors of the session layer. A nil *Metrics
// is valid and records nothing, so components never need to check for it.
type Metrics struct {
	registry *prometheus.Registry

	SessionsActive     prometheus.Gauge
	Navigations        *prometheus.CounterVec
	NavigationDuration prometheus.Histogram
	Interactions       *prometheus.CounterVec
	InteractionRetries prometheus.Counter
	Captures           *prometheus.CounterVec
	ChangeSets         prometheus.Counter
	ChangeSetsDropped  prometheus.Counter
}

// NewMetrics registers every collector on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "sessions_active",
			Help:      "Number of open browser sessions.",
		}),
		Navigations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "navigations_total",
			Help:      "Smart navigations by readiness verdict.",
		}, []string{"verdict"}),
		NavigationDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "navigation_duration_seconds",
			Help:      "Time from navigation command to readiness verdict.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		Interactions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "interactions_total",
			Help:      "Interactions by action and outcome.",
		}, []string{"action", "outcome"}),
		InteractionRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "interaction_retries_total",
			Help:      "Interaction attempts beyond the first.",
		}),
		Captures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "dom_captures_total",
			Help:      "DOM captures by result.",
		}, []string{"result"}),
		ChangeSets: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "changesets_published_total",
			Help:      "Non-empty change sets published by the monitor.",
		}),
		ChangeSetsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "changesets_dropped_total",
			Help:      "Change sets dropped because a subscriber was not keeping up.",
		}),
	}
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.SessionsActive.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
}

// ObserveNavigation records a navigation outcome and its latency.
func (m *Metrics) ObserveNavigation(verdict string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Navigations.WithLabelValues(verdict).Inc()
	m.NavigationDuration.Observe(elapsed.Seconds())
}

// ObserveInteraction records the final outcome of one Act call.
func (m *Metrics) ObserveInteraction(action, outcome string, attempts int) {
	if m == nil {
		return
	}
	m.Interactions.WithLabelValues(action, outcome).Inc()
	if attempts > 1 {
		m.InteractionRetries.Add(float64(attempts - 1))
	}
}

func (m *Metrics) ObserveCapture(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.Captures.WithLabelValues("ok").Inc()
		return
	}
	m.Captures.WithLabelValues("stale").Inc()
}

func (m *Metrics) ChangeSetPublished() {
	if m == nil {
		return
	}
	m.ChangeSets.Inc()
}

func (m *Metrics) ChangeSetDropped() {
	if m == nil {
		return
	}
	m.ChangeSetsDropped.Inc()
}
