// Package metrics holds the prometheus collectors for the collaboration core.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	ChannelDials      *prometheus.CounterVec
	ChannelOpen       *prometheus.GaugeVec
	DuplicatesDropped *prometheus.CounterVec
	ResyncTotal       *prometheus.CounterVec
	EscrowTransitions *prometheus.CounterVec
	ArtifactBytes     prometheus.Counter
	PayoutsReleased   prometheus.Counter
	DisputesOpened    prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ChannelDials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dealroom",
			Subsystem: "channel",
			Name:      "dials_total",
			Help:      "Socket dial attempts by stream kind and result.",
		}, []string{"stream", "result"}),
		ChannelOpen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "dealroom",
			Subsystem: "channel",
			Name:      "open",
			Help:      "Currently open sockets by stream kind.",
		}, []string{"stream"}),
		DuplicatesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dealroom",
			Subsystem: "reconcile",
			Name:      "duplicates_dropped_total",
			Help:      "Inbound events dropped as duplicates.",
		}, []string{"kind"}),
		ResyncTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dealroom",
			Subsystem: "reconcile",
			Name:      "resync_total",
			Help:      "Snapshot resynchronisations by result.",
		}, []string{"result"}),
		EscrowTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dealroom",
			Subsystem: "escrow",
			Name:      "transitions_total",
			Help:      "Escrow workflow stage transitions.",
		}, []string{"stage"}),
		ArtifactBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dealroom",
			Subsystem: "delivery",
			Name:      "artifact_bytes_total",
			Help:      "Artifact bytes transferred to storage.",
		}),
		PayoutsReleased: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dealroom",
			Subsystem: "escrow",
			Name:      "payouts_released_total",
			Help:      "Payouts released.",
		}),
		DisputesOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dealroom",
			Subsystem: "dispute",
			Name:      "opened_total",
			Help:      "Disputes opened.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.ChannelDials, m.ChannelOpen, m.DuplicatesDropped, m.ResyncTotal,
			m.EscrowTransitions, m.ArtifactBytes, m.PayoutsReleased, m.DisputesOpened,
		)
	}
	return m
}

func (m *Metrics) Dial(stream, result string) {
	if m != nil {
		m.ChannelDials.WithLabelValues(stream, result).Inc()
	}
}

func (m *Metrics) SetOpen(stream string, open bool) {
	if m == nil {
		return
	}
	if open {
		m.ChannelOpen.WithLabelValues(stream).Inc()
	} else {
		m.ChannelOpen.WithLabelValues(stream).Dec()
	}
}

func (m *Metrics) Duplicate(kind string) {
	if m != nil {
		m.DuplicatesDropped.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) Resync(result string) {
	if m != nil {
		m.ResyncTotal.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) Transition(stage string) {
	if m != nil {
		m.EscrowTransitions.WithLabelValues(stage).Inc()
	}
}

func (m *Metrics) Transferred(n int64) {
	if m != nil {
		m.ArtifactBytes.Add(float64(n))
	}
}

func (m *Metrics) Payout() {
	if m != nil {
		m.PayoutsReleased.Inc()
	}
}

func (m *Metrics) Dispute() {
	if m != nil {
		m.DisputesOpened.Inc()
	}
}
