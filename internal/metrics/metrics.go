package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chaitrack"

// Recorder owns a private registry so tests can build as many as they like.
type Recorder struct {
	registry  *prometheus.Registry
	mutations *prometheus.CounterVec
	refetches *prometheus.CounterVec
	requests  *prometheus.HistogramVec
}

func New() *Recorder {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	r := &Recorder{
		registry: registry,
		mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mutations_total",
			Help:      "Record store writes by operation and result.",
		}, []string{"op", "result"}),
		refetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refetches_total",
			Help:      "Collection reloads by table and result.",
		}, []string{"table", "result"}),
		requests: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
	registry.MustRegister(r.mutations, r.refetches, r.requests)
	return r
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// Mutation counts one write. A nil Recorder is a no-op.
func (r *Recorder) Mutation(op string, err error) {
	if r == nil {
		return
	}
	r.mutations.WithLabelValues(op, result(err)).Inc()
}

func (r *Recorder) Refetch(table string, err error) {
	if r == nil {
		return
	}
	r.refetches.WithLabelValues(table, result(err)).Inc()
}

func (r *Recorder) Request(method string, route string, status int, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.requests.WithLabelValues(method, route, strconv.Itoa(status)).Observe(elapsed.Seconds())
}

func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
