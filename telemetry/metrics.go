package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Task results recorded in TasksTotal.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultDropped = "dropped"
)

// Metrics holds the Prometheus collectors for one registry instance.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	TasksTotal        *prometheus.CounterVec
	TaskRetries       *prometheus.CounterVec
	TaskDuration      *prometheus.HistogramVec
	ReconnectAttempts *prometheus.CounterVec
	Registrations     prometheus.Gauge
	Subscriptions     *prometheus.GaugeVec
	UpdatesRejected   *prometheus.CounterVec
	BackupsTotal      *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg.
// If reg is nil the collectors are created but not registered.
func NewMetrics(reg prometheus.Registerer, registry string) (*Metrics, error) {
	labels := prometheus.Labels{"registry": registry}
	m := &Metrics{
		TasksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   "regsync",
				Name:        "tasks_total",
				Help:        "Backend tasks executed by the dispatcher",
				ConstLabels: labels,
			},
			[]string{"op", "result"},
		),
		TaskRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   "regsync",
				Name:        "task_retries_total",
				Help:        "Backend tasks re-queued after a failure",
				ConstLabels: labels,
			},
			[]string{"op"},
		),
		TaskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace:   "regsync",
				Name:        "task_duration_seconds",
				Help:        "Latency of backend tasks",
				Buckets:     []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
				ConstLabels: labels,
			},
			[]string{"op"},
		),
		ReconnectAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   "regsync",
				Name:        "connect_attempts_total",
				Help:        "Backend connect attempts",
				ConstLabels: labels,
			},
			[]string{"result"},
		),
		Registrations: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace:   "regsync",
				Name:        "registrations",
				Help:        "Live registrations held by the client",
				ConstLabels: labels,
			},
		),
		Subscriptions: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace:   "regsync",
				Name:        "subscriptions",
				Help:        "Live subscriptions held by the client",
				ConstLabels: labels,
			},
			[]string{"kind"},
		),
		UpdatesRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   "regsync",
				Name:        "updates_rejected_total",
				Help:        "Cluster updates rejected by null-datum protection",
				ConstLabels: labels,
			},
			[]string{"key"},
		),
		BackupsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   "regsync",
				Name:        "backups_total",
				Help:        "Backup and restore operations",
				ConstLabels: labels,
			},
			[]string{"op", "result"},
		),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.TasksTotal,
		m.TaskRetries,
		m.TaskDuration,
		m.ReconnectAttempts,
		m.Registrations,
		m.Subscriptions,
		m.UpdatesRejected,
		m.BackupsTotal,
	}
}

// ObserveTask records the outcome and latency of one backend task.
func (m *Metrics) ObserveTask(op string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.TasksTotal.WithLabelValues(op, result(err)).Inc()
	m.TaskDuration.WithLabelValues(op).Observe(elapsed.Seconds())
}

// TaskDropped records a task abandoned without a backend call.
func (m *Metrics) TaskDropped(op string) {
	if m == nil {
		return
	}
	m.TasksTotal.WithLabelValues(op, ResultDropped).Inc()
}

// TaskRetried records a task re-queued for retry.
func (m *Metrics) TaskRetried(op string) {
	if m == nil {
		return
	}
	m.TaskRetries.WithLabelValues(op).Inc()
}

// ConnectAttempt records one connect attempt.
func (m *Metrics) ConnectAttempt(err error) {
	if m == nil {
		return
	}
	m.ReconnectAttempts.WithLabelValues(result(err)).Inc()
}

// SetRegistrations sets the live registration count.
func (m *Metrics) SetRegistrations(n int) {
	if m == nil {
		return
	}
	m.Registrations.Set(float64(n))
}

// SetSubscriptions sets the live subscription count for kind ("cluster" or "config").
func (m *Metrics) SetSubscriptions(kind string, n int) {
	if m == nil {
		return
	}
	m.Subscriptions.WithLabelValues(kind).Set(float64(n))
}

// UpdateRejected records a cluster update dropped by null-datum protection.
func (m *Metrics) UpdateRejected(key string) {
	if m == nil {
		return
	}
	m.UpdatesRejected.WithLabelValues(key).Inc()
}

// Backup records a backup ("backup") or restore ("restore") outcome.
func (m *Metrics) Backup(op string, err error) {
	if m == nil {
		return
	}
	m.BackupsTotal.WithLabelValues(op, result(err)).Inc()
}

func result(err error) string {
	if err != nil {
		return ResultFailure
	}
	return ResultSuccess
}
