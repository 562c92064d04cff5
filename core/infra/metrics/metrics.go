package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// JobMetrics defines counters for the job engine.
type JobMetrics interface {
	IncJobsSubmitted(task, jobType string)
	IncJobsCompleted(task, status string)
	IncJobsCancelled(task string)
}

// GatewayMetrics captures request metrics for the HTTP façade.
type GatewayMetrics interface {
	ObserveRequest(method, route, status string, durationSeconds float64)
	IncProxyAttempts(outcome string)
}

// Noop implements JobMetrics without emitting anything.
type Noop struct{}

func (Noop) IncJobsSubmitted(string, string) {}
func (Noop) IncJobsCompleted(string, string) {}
func (Noop) IncJobsCancelled(string)         {}

// NoopGateway implements GatewayMetrics without emitting anything.
type NoopGateway struct{}

func (NoopGateway) ObserveRequest(string, string, string, float64) {}
func (NoopGateway) IncProxyAttempts(string)                        {}

// Prom implements JobMetrics backed by Prometheus counters.
type Prom struct {
	jobsSubmitted *prometheus.CounterVec
	jobsCompleted *prometheus.CounterVec
	jobsCancelled *prometheus.CounterVec
	once          sync.Once
}

func NewProm(namespace string) *Prom {
	p := &Prom{
		jobsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_submitted_total",
			Help:      "Jobs submitted by task and job type",
		}, []string{"task", "job_type"}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_completed_total",
			Help:      "Jobs reaching a terminal status by task and status",
		}, []string{"task", "status"}),
		jobsCancelled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_cancelled_total",
			Help:      "Jobs cancelled by task",
		}, []string{"task"}),
	}
	p.once.Do(func() {
		prometheus.MustRegister(p.jobsSubmitted, p.jobsCompleted, p.jobsCancelled)
	})
	return p
}

func (p *Prom) IncJobsSubmitted(task, jobType string) {
	p.jobsSubmitted.WithLabelValues(task, jobType).Inc()
}

func (p *Prom) IncJobsCompleted(task, status string) {
	p.jobsCompleted.WithLabelValues(task, status).Inc()
}

func (p *Prom) IncJobsCancelled(task string) {
	p.jobsCancelled.WithLabelValues(task).Inc()
}

// Handler returns an HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// --- Gateway metrics ---

type gatewayProm struct {
	requests      *prometheus.CounterVec
	latency       *prometheus.HistogramVec
	proxyAttempts *prometheus.CounterVec
	once          sync.Once
}

// NewGatewayProm constructs a GatewayMetrics with counters/histograms.
func NewGatewayProm(namespace string) GatewayMetrics {
	g := &gatewayProm{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method/route/status",
		}, []string{"method", "route", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method/route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		proxyAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxy_attempts_total",
			Help:      "Reverse-proxy send attempts by outcome",
		}, []string{"outcome"}),
	}
	g.once.Do(func() {
		prometheus.MustRegister(g.requests, g.latency, g.proxyAttempts)
	})
	return g
}

func (g *gatewayProm) ObserveRequest(method, route, status string, durationSeconds float64) {
	g.requests.WithLabelValues(method, route, status).Inc()
	g.latency.WithLabelValues(method, route).Observe(durationSeconds)
}

func (g *gatewayProm) IncProxyAttempts(outcome string) {
	g.proxyAttempts.WithLabelValues(outcome).Inc()
}
