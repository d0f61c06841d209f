// Package metrics exposes Prometheus collectors for the task manager and
// session hub.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/GoCodeAlone/companion/task"
)

// Sources are the live values sampled at scrape time.
type Sources struct {
	Stats    func() task.Stats
	Sessions func() int
}

// Metrics holds the collectors on a private registry.
type Metrics struct {
	reg *prometheus.Registry

	TasksSubmitted prometheus.Counter
	TasksFinished  *prometheus.CounterVec
	TaskDuration   prometheus.Histogram
}

// New registers every collector under namespace.
func New(namespace string, src Sources) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	m := &Metrics{
		reg: reg,
		TasksSubmitted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_submitted_total",
			Help:      "Total number of tasks accepted by the manager",
		}),
		TasksFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_finished_total",
			Help:      "Total number of tasks that reached a terminal state",
		}, []string{"status"}),
		TaskDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Run time of tasks from start to terminal state",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 16),
		}),
	}

	if src.Stats != nil {
		byStatus := map[task.Status]func(task.Stats) int{
			task.StatusPending:   func(s task.Stats) int { return s.Pending },
			task.StatusRunning:   func(s task.Stats) int { return s.Running },
			task.StatusCompleted: func(s task.Stats) int { return s.Completed },
			task.StatusFailed:    func(s task.Stats) int { return s.Failed },
			task.StatusCancelled: func(s task.Stats) int { return s.Cancelled },
		}
		for status, pick := range byStatus {
			f.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace:   namespace,
				Name:        "tasks",
				Help:        "Number of tasks in the registry by status",
				ConstLabels: prometheus.Labels{"status": string(status)},
			}, func() float64 { return float64(pick(src.Stats())) })
		}
	}
	if src.Sessions != nil {
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_sessions",
			Help:      "Number of connected WebSocket sessions",
		}, func() float64 { return float64(src.Sessions()) })
	}
	return m
}

// Handle updates the counters from one lifecycle event. It has the events
// bus handler signature.
func (m *Metrics) Handle(_ context.Context, ev task.Event) error {
	switch ev.Type {
	case task.EventSubmitted:
		m.TasksSubmitted.Inc()
	case task.EventCompleted, task.EventFailed, task.EventCancelled:
		m.TasksFinished.WithLabelValues(string(ev.Task.Status)).Inc()
		if ev.Duration > 0 {
			m.TaskDuration.Observe(ev.Duration.Seconds())
		}
	}
	return nil
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}
