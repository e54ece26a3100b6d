// Package metrics turns executor events into Prometheus metrics.
package metrics

import (
	"context"
	"net/http"

	"github.com/nidhogg/taskforge/internal/executor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector is an executor.Observer. Each Collector owns its registry so
// several can coexist in one process (tests, embedded agents).
//
// Metrics:
//   - taskforge_runs_total{result} - finished runs by success or failure reason
//   - taskforge_run_duration_seconds{result} - run wall-clock time
//   - taskforge_steps_total{kind,status} - finished or skipped steps
//   - taskforge_step_duration_seconds{kind} - step dispatch time
//   - taskforge_runs_in_flight - runs started but not finished
type Collector struct {
	registry     *prometheus.Registry
	runsTotal    *prometheus.CounterVec
	runDuration  *prometheus.HistogramVec
	stepsTotal   *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec
	inFlight     prometheus.Gauge
}

// NewCollector creates a collector with Go and process collectors registered.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Collector{
		registry: reg,
		runsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskforge_runs_total",
				Help: "Total number of plan executions by result",
			},
			[]string{"result"}, // "success", "step_error", "timeout", "deadlock", "canceled"
		),
		runDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "taskforge_run_duration_seconds",
				Help:    "Duration of plan executions in seconds",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
			},
			[]string{"result"},
		),
		stepsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskforge_steps_total",
				Help: "Total number of plan steps by dispatch kind and final status",
			},
			[]string{"kind", "status"},
		),
		stepDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "taskforge_step_duration_seconds",
				Help:    "Duration of step dispatches in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"kind"},
		),
		inFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "taskforge_runs_in_flight",
			Help: "Number of plan executions currently running",
		}),
	}
}

// Observe implements executor.Observer.
func (c *Collector) Observe(_ context.Context, ev executor.Event) {
	switch ev.Type {
	case executor.EventPlanStarted:
		c.inFlight.Inc()
	case executor.EventStepFinished:
		kind := stepKind(ev)
		c.stepsTotal.WithLabelValues(kind, string(ev.Status)).Inc()
		if ev.Duration > 0 {
			c.stepDuration.WithLabelValues(kind).Observe(ev.Duration.Seconds())
		}
	case executor.EventStepSkipped:
		c.stepsTotal.WithLabelValues(stepKind(ev), string(ev.Status)).Inc()
	case executor.EventRunFinished:
		c.inFlight.Dec()
		result := "success"
		if !ev.Success {
			result = string(ev.Reason)
		}
		c.runsTotal.WithLabelValues(result).Inc()
		c.runDuration.WithLabelValues(result).Observe(ev.Duration.Seconds())
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

func stepKind(ev executor.Event) string {
	if ev.Capability != "" {
		return "capability"
	}
	return "reasoning"
}
