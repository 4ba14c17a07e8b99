package monitor

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/joescharf/agentsafe/internal/models"
)

const namespace = "agentsafe"

// Metrics holds the Prometheus collectors for the reliability subsystem. A
// nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	resources     *prometheus.GaugeVec
	safeMode      prometheus.Gauge
	alerts        *prometheus.CounterVec
	agentErrors   *prometheus.CounterVec
	fileConflicts prometheus.Counter
	pollFailures  prometheus.Counter
	tasks         *prometheus.CounterVec
	fileLocks     prometheus.Gauge
}

// NewMetrics registers collectors on a private registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		resources: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "resource_usage",
			Help: "Latest host resource reading (percent, load average or degrees C).",
		}, []string{"resource"}),
		safeMode: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "safe_mode",
			Help: "1 while safe mode is active.",
		}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "alerts_total",
			Help: "Safety alerts raised.",
		}, []string{"event_type", "level"}),
		agentErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "agent_errors_total",
			Help: "Errors reported by agents.",
		}, []string{"agent"}),
		fileConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "file_conflicts_total",
			Help: "File lock requests refused because another agent held the file.",
		}),
		pollFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "resource_poll_failures_total",
			Help: "Resource polls that returned an error.",
		}),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "task_transitions_total",
			Help: "Task status transitions performed through the adapter.",
		}, []string{"status"}),
		fileLocks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "file_locks",
			Help: "Files currently locked by agents.",
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.resources, m.safeMode, m.alerts, m.agentErrors,
		m.fileConflicts, m.pollFailures, m.tasks, m.fileLocks,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) observeSnapshot(s ResourceSnapshot) {
	if m == nil {
		return
	}
	m.resources.WithLabelValues("cpu").Set(s.CPU)
	m.resources.WithLabelValues("memory").Set(s.Memory)
	m.resources.WithLabelValues("disk").Set(s.Disk)
	m.resources.WithLabelValues("load1").Set(s.Load1)
	if s.Temperature != nil {
		m.resources.WithLabelValues("temperature").Set(*s.Temperature)
	}
}

func (m *Metrics) setSafeMode(on bool) {
	if m == nil {
		return
	}
	if on {
		m.safeMode.Set(1)
	} else {
		m.safeMode.Set(0)
	}
}

func (m *Metrics) alertRaised(a *models.Alert) {
	if m == nil {
		return
	}
	m.alerts.WithLabelValues(string(a.EventType), string(a.Level)).Inc()
}

func (m *Metrics) fileConflict() {
	if m == nil {
		return
	}
	m.fileConflicts.Inc()
}

func (m *Metrics) agentError(agent string) {
	if m == nil {
		return
	}
	m.agentErrors.WithLabelValues(agent).Inc()
}

func (m *Metrics) pollFailed() {
	if m == nil {
		return
	}
	m.pollFailures.Inc()
}

func (m *Metrics) setFileLocks(n int) {
	if m == nil {
		return
	}
	m.fileLocks.Set(float64(n))
}

// TaskTransition counts a task entering status.
func (m *Metrics) TaskTransition(status models.TaskStatus) {
	if m == nil {
		return
	}
	m.tasks.WithLabelValues(string(status)).Inc()
}
