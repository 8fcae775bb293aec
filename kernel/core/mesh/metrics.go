package mesh

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/nmxmxh/geomesh/kernel/utils"
)

const metricsNamespace = "geomesh"

// Metrics are the prometheus instruments of one node. Every series carries a
// constant node label so several nodes can share a registry.
type Metrics struct {
	Sent         *prometheus.CounterVec // by kind
	Received     *prometheus.CounterVec // by kind
	Rejected     *prometheus.CounterVec // by reason code
	BudgetDenied *prometheus.CounterVec // by budget kind
	SendFailures prometheus.Counter
	Failovers    prometheus.Counter

	Convergence  prometheus.Gauge
	PrimaryPeers prometheus.Gauge
	BackupPeers  prometheus.Gauge
	KnownPeers   prometheus.Gauge
	ModelVersion prometheus.Gauge

	TickDuration prometheus.Histogram
}

// NewMetrics registers the node's instruments on reg. A nil reg builds
// unregistered instruments.
func NewMetrics(reg prometheus.Registerer, nodeID string) *Metrics {
	f := promauto.With(reg)
	labels := prometheus.Labels{"node": utils.ShortID(nodeID)}

	counterVec := func(name, help, label string) *prometheus.CounterVec {
		return f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "sync", Name: name, Help: help, ConstLabels: labels,
		}, []string{label})
	}
	counter := func(name, help string) prometheus.Counter {
		return f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "sync", Name: name, Help: help, ConstLabels: labels,
		})
	}
	gauge := func(subsystem, name, help string) prometheus.Gauge {
		return f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace, Subsystem: subsystem, Name: name, Help: help, ConstLabels: labels,
		})
	}

	return &Metrics{
		Sent:         counterVec("messages_sent_total", "Gossip messages handed to the transport.", "kind"),
		Received:     counterVec("messages_received_total", "Gossip messages applied from peers.", "kind"),
		Rejected:     counterVec("messages_rejected_total", "Inbound messages dropped.", "reason"),
		BudgetDenied: counterVec("budget_denied_total", "Sends or accepts refused by the bandwidth window.", "budget"),
		SendFailures: counter("send_failures_total", "Sends the transport reported as failed."),
		Failovers:    counter("failovers_total", "Peers marked unreachable by transport failure or circuit breaker."),

		Convergence:  gauge("model", "convergence_score", "Convergence score in [0,1]."),
		ModelVersion: gauge("model", "version", "Local tensor version."),
		PrimaryPeers: gauge("topology", "primary_peers", "Primary neighbours."),
		BackupPeers:  gauge("topology", "backup_peers", "Backup pool size."),
		KnownPeers:   gauge("topology", "known_peers", "Peers in the candidate pool."),

		TickDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace:   metricsNamespace,
			Subsystem:   "sync",
			Name:        "tick_duration_seconds",
			Help:        "Wall time of one tick.",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
	}
}
