// Package metrics exposes the Prometheus collectors for HTTP requests and
// model calls.
package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/chriskillpack/ecotask/chat"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "ecotask"

type Metrics struct {
	requests        *prometheus.CounterVec
	modelCalls      *prometheus.CounterVec
	modelDuration   *prometheus.HistogramVec
	malformedOutput *prometheus.CounterVec
}

var (
	defaultOnce sync.Once
	shared      *Metrics
)

// Default returns the Metrics registered with the global Prometheus
// registry. The collectors are only created once.
func Default() *Metrics {
	defaultOnce.Do(func() {
		shared = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return shared
}

// MustNewMetrics creates the collectors and registers them with reg. Tests
// should pass a fresh prometheus.NewRegistry(). Registration errors panic.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
		modelCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "model",
			Name:      "calls_total",
			Help:      "Model completion calls by backend, model and outcome.",
		}, []string{"backend", "model", "outcome"}),
		modelDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "model",
			Name:      "call_duration_seconds",
			Help:      "Latency of model completion calls.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 80},
		}, []string{"backend", "model"}),
		malformedOutput: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "model",
			Name:      "malformed_output_total",
			Help:      "Model outputs that could not be parsed, by field.",
		}, []string{"field"}),
	}
	reg.MustRegister(m.requests, m.modelCalls, m.modelDuration, m.malformedOutput)

	return m
}

func (m *Metrics) ObserveRequest(route string, code string) {
	m.requests.WithLabelValues(route, code).Inc()
}

func (m *Metrics) MalformedOutput(field string) {
	m.malformedOutput.WithLabelValues(field).Inc()
}

// Instrument wraps c so every Complete call is counted and timed.
func (m *Metrics) Instrument(c chat.Completer) chat.Completer {
	return &instrumented{Completer: c, m: m}
}

type instrumented struct {
	chat.Completer
	m *Metrics
}

func (i *instrumented) Complete(ctx context.Context, req chat.Request) (string, error) {
	start := time.Now()
	text, err := i.Completer.Complete(ctx, req)

	backend := i.Completer.Name()
	i.m.modelDuration.WithLabelValues(backend, req.Model).Observe(time.Since(start).Seconds())
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	i.m.modelCalls.WithLabelValues(backend, req.Model, outcome).Inc()

	return text, err
}
