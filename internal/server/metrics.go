package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/torosent/gateprobe/internal/gate"
)

// serverMetrics holds one registry per server so tests can run many servers
// in one process.
type serverMetrics struct {
	registry        *prometheus.Registry
	requests        *prometheus.CounterVec
	durations       *prometheus.HistogramVec
	blocks          *prometheus.CounterVec
	releases        prometheus.Counter
	releasedWaiters prometheus.Counter
	subscribers     prometheus.Gauge
}

func newServerMetrics(g gate.Gate) *serverMetrics {
	m := &serverMetrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateserver_http_requests_total",
			Help: "HTTP requests handled, by handler, method and status code.",
		}, []string{"handler", "code", "method"}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateserver_http_request_duration_seconds",
			Help:    "HTTP request latency, by handler, method and status code.",
			Buckets: []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"handler", "code", "method"}),
		blocks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateserver_gate_blocks_total",
			Help: "Block calls that left the gate, by outcome.",
		}, []string{"outcome"}),
		releases: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateserver_gate_releases_total",
			Help: "Release calls that opened the gate.",
		}),
		releasedWaiters: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateserver_gate_released_waiters_total",
			Help: "Waiters woken by releases.",
		}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateserver_event_subscribers",
			Help: "Open event feed connections.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		m.requests,
		m.durations,
		m.blocks,
		m.releases,
		m.releasedWaiters,
		m.subscribers,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "gateserver_gate_waiting",
			Help: "Callers currently registered at the gate.",
		}, func() float64 { return float64(g.State().Waiting) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "gateserver_gate_round",
			Help: "Current gate round.",
		}, func() float64 { return float64(g.State().Round) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "gateserver_gate_open",
			Help: "1 while the gate is open.",
		}, func() float64 {
			if g.State().Open {
				return 1
			}
			return 0
		}),
	)
	return m
}

func (m *serverMetrics) instrument(handler string, h http.Handler) http.Handler {
	labels := prometheus.Labels{"handler": handler}
	return promhttp.InstrumentHandlerDuration(m.durations.MustCurryWith(labels),
		promhttp.InstrumentHandlerCounter(m.requests.MustCurryWith(labels), h))
}

func (m *serverMetrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *serverMetrics) blockDone(err error) {
	switch {
	case err == nil:
		m.blocks.WithLabelValues("released").Inc()
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		m.blocks.WithLabelValues("abandoned").Inc()
	default:
		m.blocks.WithLabelValues("error").Inc()
	}
}

func (m *serverMetrics) released(waiters int) {
	m.releases.Inc()
	m.releasedWaiters.Add(float64(waiters))
}
