package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/triage-ai/arbiter/internal/model"
)

// Prom exports service metrics to Prometheus.
type Prom struct {
	registry        *prometheus.Registry
	decisions       *prometheus.CounterVec
	decisionLatency *prometheus.HistogramVec
	mutations       *prometheus.CounterVec
	policyVersion   prometheus.Gauge
	policies        prometheus.Gauge
	logFailures     prometheus.Counter
	requests        *prometheus.CounterVec
	requestLatency  *prometheus.HistogramVec
}

// NewProm registers all collectors on a fresh registry, along with the Go
// runtime and process collectors.
func NewProm(namespace string) *Prom {
	p := &Prom{
		registry: prometheus.NewRegistry(),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Decisions by result and component",
		}, []string{"result", "component"}),
		decisionLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "decision_duration_seconds",
			Help:      "Rule evaluation time by result",
			Buckets:   []float64{.00005, .0001, .00025, .0005, .001, .0025, .005, .01, .025, .05},
		}, []string{"result"}),
		mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "policy_mutations_total",
			Help:      "Committed policy store mutations by action",
		}, []string{"action"}),
		policyVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "policy_version",
			Help:      "Current policy store version",
		}),
		policies: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "policies",
			Help:      "Number of stored policies",
		}),
		logFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decision_log_failures_total",
			Help:      "Decisions that could not be logged and were not returned",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method/route/status",
		}, []string{"method", "route", "status"}),
		requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method/route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	p.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		p.decisions, p.decisionLatency, p.mutations, p.policyVersion, p.policies,
		p.logFailures, p.requests, p.requestLatency,
	)
	return p
}

// ObserveDecision counts a logged decision.
func (p *Prom) ObserveDecision(d *model.Decision) {
	p.decisions.WithLabelValues(string(d.Result), d.Component).Inc()
	p.decisionLatency.WithLabelValues(string(d.Result)).Observe(d.ExecutionTime.Seconds())
}

// IncDecisionLogFailure counts a decision dropped because the log write failed.
func (p *Prom) IncDecisionLogFailure() {
	p.logFailures.Inc()
}

// ObserveCommit records a committed mutation and the resulting store state.
func (p *Prom) ObserveCommit(entry model.HistoryEntry, snap *model.Snapshot) {
	p.mutations.WithLabelValues(string(entry.Action)).Inc()
	p.SetStoreState(snap)
}

// SetStoreState sets the version and policy count gauges.
func (p *Prom) SetStoreState(snap *model.Snapshot) {
	p.policyVersion.Set(float64(snap.Version))
	p.policies.Set(float64(snap.Len()))
}

// ObserveRequest records one HTTP request.
func (p *Prom) ObserveRequest(method, route, status string, d time.Duration) {
	p.requests.WithLabelValues(method, route, status).Inc()
	p.requestLatency.WithLabelValues(method, route).Observe(d.Seconds())
}

// Registry exposes the underlying registry, mainly for tests.
func (p *Prom) Registry() *prometheus.Registry {
	return p.registry
}

// Handler returns an HTTP handler for /metrics.
func (p *Prom) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}
