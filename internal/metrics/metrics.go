// Package metrics exposes Prometheus instrumentation for the feed server:
// command latency, connection counts, and archive/scheduler activity. It is
// additive to the get_stats wire command, not a replacement for it.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds the collectors registered for one server process.
type Registry struct {
	CommandLatency *prometheus.HistogramVec
	CommandErrors  *prometheus.CounterVec
	Connections    prometheus.Gauge
	ConnectionsTot prometheus.Counter
	ArchiveRuns    *prometheus.CounterVec
	MtimeStaleness prometheus.Gauge
}

// NewRegistry builds and registers all collectors against reg.
func NewRegistry(reg prometheus.Registerer) *Registry {
	m := &Registry{
		CommandLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "quotefeed",
			Subsystem: "command",
			Name:      "latency_seconds",
			Help:      "Command execution latency by command name.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"command"}),
		CommandErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quotefeed",
			Subsystem: "command",
			Name:      "errors_total",
			Help:      "Commands whose execution returned an error (such as a failed reply write), by command name.",
		}, []string{"command"}),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "quotefeed",
			Subsystem: "server",
			Name:      "connections_open",
			Help:      "Currently open client connections.",
		}),
		ConnectionsTot: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quotefeed",
			Subsystem: "server",
			Name:      "connections_accepted_total",
			Help:      "Total client connections accepted since start.",
		}),
		ArchiveRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quotefeed",
			Subsystem: "scheduler",
			Name:      "archive_runs_total",
			Help:      "Completed scheduler runs, by kind (minute, day, crontab).",
		}, []string{"kind"}),
		MtimeStaleness: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "quotefeed",
			Subsystem: "store",
			Name:      "mtime_staleness_seconds",
			Help:      "Seconds between now and the store's last-write watermark.",
		}),
	}

	reg.MustRegister(
		m.CommandLatency,
		m.CommandErrors,
		m.Connections,
		m.ConnectionsTot,
		m.ArchiveRuns,
		m.MtimeStaleness,
	)
	return m
}

// ObserveCommand records one command's execution latency and, when err is
// non-nil, increments its error counter.
func (m *Registry) ObserveCommand(name string, d time.Duration, err error) {
	m.CommandLatency.WithLabelValues(name).Observe(d.Seconds())
	if err != nil {
		m.CommandErrors.WithLabelValues(name).Inc()
	}
}

// ConnectionOpened records a newly accepted connection.
func (m *Registry) ConnectionOpened() {
	m.Connections.Inc()
	m.ConnectionsTot.Inc()
}

// ConnectionClosed records a connection going away.
func (m *Registry) ConnectionClosed() {
	m.Connections.Dec()
}

// ArchiveRun records one completed scheduler action (kind is "minute",
// "day", or "crontab").
func (m *Registry) ArchiveRun(kind string) {
	m.ArchiveRuns.WithLabelValues(kind).Inc()
}

// SetMtimeStaleness reports how far behind now the store's watermark is.
func (m *Registry) SetMtimeStaleness(now time.Time, mtime int64) {
	if mtime == 0 {
		m.MtimeStaleness.Set(0)
		return
	}
	staleness := now.Unix() - mtime
	if staleness < 0 {
		staleness = 0
	}
	m.MtimeStaleness.Set(float64(staleness))
}
