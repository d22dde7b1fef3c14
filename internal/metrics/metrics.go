// Package metrics exports dispatch and notifier counters to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "shoutbot"

// Metrics implements dispatch.Observer and notifier.Observer.
type Metrics struct {
	reg *prometheus.Registry

	messages     *prometheus.CounterVec
	runs         *prometheus.CounterVec
	runDuration  *prometheus.HistogramVec
	skips        *prometheus.CounterVec
	lastRun      *prometheus.GaugeVec
	notifySent   *prometheus.CounterVec
	notifyFailed *prometheus.CounterVec
	notifyDrop   prometheus.Counter
}

// New registers every collector on a fresh registry together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		messages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Shoutbox messages attempted, by plugin, site and result.",
		}, []string{"plugin", "site", "result"}),
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Dispatch runs that went through to the end.",
		}, []string{"plugin"}),
		runDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of finished dispatch runs.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"plugin"}),
		skips: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_skipped_total",
			Help:      "Dispatch runs skipped before sending, by reason.",
		}, []string{"plugin", "reason"}),
		lastRun: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the last dispatch run finished.",
		}, []string{"plugin"}),
		notifySent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_sent_total",
			Help:      "Notifications delivered, by sink.",
		}, []string{"sink"}),
		notifyFailed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_failed_total",
			Help:      "Notifications given up on after retries, by sink.",
		}, []string{"sink"}),
		notifyDrop: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_dropped_total",
			Help:      "Notifications dropped by a full queue.",
		}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) MessageSent(plugin, site string, ok bool) {
	result := "ok"
	if !ok {
		result = "fail"
	}
	m.messages.WithLabelValues(plugin, site, result).Inc()
}

func (m *Metrics) RunFinished(plugin string, _, _ int, took time.Duration) {
	m.runs.WithLabelValues(plugin).Inc()
	m.runDuration.WithLabelValues(plugin).Observe(took.Seconds())
	m.lastRun.WithLabelValues(plugin).SetToCurrentTime()
}

func (m *Metrics) RunSkipped(plugin, reason string) {
	m.skips.WithLabelValues(plugin, reason).Inc()
}

func (m *Metrics) NotifySent(sink string)   { m.notifySent.WithLabelValues(sink).Inc() }
func (m *Metrics) NotifyFailed(sink string) { m.notifyFailed.WithLabelValues(sink).Inc() }
func (m *Metrics) NotifyDropped()           { m.notifyDrop.Inc() }
