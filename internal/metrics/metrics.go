// Package metrics exposes the security pipeline counters in Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "bastion"

// Metrics owns a private registry so tests can build as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	rateLimited     *prometheus.CounterVec
	threatDenials   *prometheus.CounterVec
	suspicious      *prometheus.CounterVec
	circuitChanges  *prometheus.CounterVec
	circuitsOpen    prometheus.Gauge
	cacheRefreshes  *prometheus.CounterVec
	escalations     *prometheus.CounterVec
	escalationDrops prometheus.Counter
	auditAppends    *prometheus.CounterVec
	loadFactor      prometheus.Gauge
	observedLoad    prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Requests that passed through the guard, by route class and final status class.",
		}, []string{"route_class", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Upstream handling time by route class.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route_class"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_denials_total",
			Help:      "Requests denied by the adaptive rate limiter.",
		}, []string{"route_class", "severity"}),
		threatDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "threat_denials_total",
			Help:      "Requests denied by the threat cache.",
		}, []string{"reason"}),
		suspicious: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "suspicious_requests_total",
			Help:      "Advisory heuristic matches.",
		}, []string{"indicator"}),
		circuitChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_transitions_total",
			Help:      "Circuit breaker phase changes.",
		}, []string{"from", "to"}),
		circuitsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuits_open",
			Help:      "Routes whose circuit is currently open.",
		}),
		cacheRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "threat_cache_refreshes_total",
			Help:      "Threat cache refresh attempts.",
		}, []string{"result"}),
		escalations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalations_total",
			Help:      "Threat escalation deliveries per sink.",
		}, []string{"sink", "result"}),
		escalationDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalations_dropped_total",
			Help:      "Detached escalations dropped because the queue was full.",
		}),
		auditAppends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_appends_total",
			Help:      "Audit chain appends.",
		}, []string{"result"}),
		loadFactor: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "load_factor",
			Help:      "Global rate limit multiplier derived from host load.",
		}),
		observedLoad: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "observed_load",
			Help:      "Last sampled host load, normalized per CPU.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requests,
		m.requestDuration,
		m.rateLimited,
		m.threatDenials,
		m.suspicious,
		m.circuitChanges,
		m.circuitsOpen,
		m.cacheRefreshes,
		m.escalations,
		m.escalationDrops,
		m.auditAppends,
		m.loadFactor,
		m.observedLoad,
	)
	m.loadFactor.Set(1)
	return m
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) ObserveRequest(routeClass string, status int, d time.Duration) {
	m.requests.WithLabelValues(routeClass, statusClass(status)).Inc()
	m.requestDuration.WithLabelValues(routeClass).Observe(d.Seconds())
}

func (m *Metrics) RateLimited(routeClass, severity string) {
	m.rateLimited.WithLabelValues(routeClass, severity).Inc()
}

func (m *Metrics) ThreatDenied(reason string) {
	m.threatDenials.WithLabelValues(reason).Inc()
}

func (m *Metrics) Suspicious(indicator string) {
	m.suspicious.WithLabelValues(indicator).Inc()
}

// CircuitTransition records a phase change and keeps the open gauge current.
func (m *Metrics) CircuitTransition(from, to string) {
	m.circuitChanges.WithLabelValues(from, to).Inc()
	if to == "open" {
		m.circuitsOpen.Inc()
	}
	if from == "open" {
		m.circuitsOpen.Dec()
	}
}

func (m *Metrics) CacheRefresh(err error) {
	m.cacheRefreshes.WithLabelValues(result(err)).Inc()
}

func (m *Metrics) Escalation(sink string, err error) {
	m.escalations.WithLabelValues(sink, result(err)).Inc()
}

// EscalationDropped counts a threat rejected by a full escalation queue.
func (m *Metrics) EscalationDropped() {
	m.escalationDrops.Inc()
}

// AuditAppend records an append outcome.
func (m *Metrics) AuditAppend(ok bool) {
	if ok {
		m.auditAppends.WithLabelValues("ok").Inc()
		return
	}
	m.auditAppends.WithLabelValues("error").Inc()
}

func (m *Metrics) Load(observed float64, factor float64) {
	m.observedLoad.Set(observed)
	m.loadFactor.Set(factor)
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
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
