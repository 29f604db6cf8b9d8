package service

import (
	"github.com/ignatij/taskflow/pkg/models"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes executor activity to prometheus. A nil *Metrics records nothing.
type Metrics struct {
	executions   *prometheus.CounterVec
	duration     prometheus.Histogram
	taskFailures *prometheus.CounterVec
	busyWorkers  prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskflow",
			Name:      "executions_total",
			Help:      "Finished executions by status.",
		}, []string{"status"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "taskflow",
			Name:      "execution_duration_seconds",
			Help:      "Wall clock duration of executions.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}),
		taskFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskflow",
			Name:      "task_failures_total",
			Help:      "Executions aborted by a failing task, by task name.",
		}, []string{"task"}),
		busyWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "taskflow",
			Name:      "busy_workers",
			Help:      "Workers currently running an execution.",
		}),
	}
	for _, c := range []prometheus.Collector{m.executions, m.duration, m.taskFailures, m.busyWorkers} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) observe(e models.Execution) {
	if m == nil {
		return
	}
	m.executions.WithLabelValues(string(e.Status)).Inc()
	m.duration.Observe(e.Duration.Seconds())
	if e.FailedTask != "" {
		m.taskFailures.WithLabelValues(e.FailedTask).Inc()
	}
}

func (m *Metrics) workerBusy(busy bool) {
	if m == nil {
		return
	}
	if busy {
		m.busyWorkers.Inc()
	} else {
		m.busyWorkers.Dec()
	}
}

