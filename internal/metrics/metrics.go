package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics defines the counters emitted by the service.
type Metrics interface {
	IncUploaded()
	ObserveTransform(operation, status string, durationSeconds float64)
	AddSwept(count int)
	ObserveRequest(method, route, status string, durationSeconds float64)
}

// Noop implements Metrics without emitting anything.
type Noop struct{}

func (Noop) IncUploaded()                                   {}
func (Noop) ObserveTransform(string, string, float64)       {}
func (Noop) AddSwept(int)                                   {}
func (Noop) ObserveRequest(string, string, string, float64) {}

// Prom implements Metrics backed by Prometheus collectors.
type Prom struct {
	uploaded          prometheus.Counter
	transforms        *prometheus.CounterVec
	transformDuration *prometheus.HistogramVec
	swept             prometheus.Counter
	requests          *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	reg               prometheus.Registerer
	once              sync.Once
}

// NewProm registers the collectors with reg, or with the default registerer
// when reg is nil.
func NewProm(namespace string, reg prometheus.Registerer) *Prom {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	p := &Prom{
		reg: reg,
		uploaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "Images uploaded",
		}),
		transforms: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transforms_total",
			Help:      "Transforms by operation and outcome",
		}, []string{"operation", "status"}),
		transformDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transform_duration_seconds",
			Help:      "Transform latency by operation",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"operation"}),
		swept: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "artifacts_swept_total",
			Help:      "Artifacts deleted by the janitor",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method/route/status",
		}, []string{"method", "route", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method/route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	p.register()
	return p
}

func (p *Prom) register() {
	p.once.Do(func() {
		p.reg.MustRegister(p.uploaded, p.transforms, p.transformDuration, p.swept, p.requests, p.requestDuration)
	})
}

func (p *Prom) IncUploaded() {
	p.uploaded.Inc()
}

func (p *Prom) ObserveTransform(operation, status string, durationSeconds float64) {
	p.transforms.WithLabelValues(operation, status).Inc()
	p.transformDuration.WithLabelValues(operation).Observe(durationSeconds)
}

func (p *Prom) AddSwept(count int) {
	if count > 0 {
		p.swept.Add(float64(count))
	}
}

func (p *Prom) ObserveRequest(method, route, status string, durationSeconds float64) {
	p.requests.WithLabelValues(method, route, status).Inc()
	p.requestDuration.WithLabelValues(method, route).Observe(durationSeconds)
}

// Handler returns an HTTP handler for /metrics backed by the default gatherer.
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor serves the metrics gathered from g.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
