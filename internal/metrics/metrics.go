// Package metrics exposes optional Prometheus counters and a health
// endpoint for the sender, receiver and broker binaries. Nothing in the
// protocol core depends on this package; it is wired in only when a binary
// is started with a metrics listen address.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Transfer collects the counters common to the sender and receiver: packets
// sent/received, retransmits, drops and bytes moved.
type Transfer struct {
	PacketsSent       prometheus.Counter
	PacketsReceived   prometheus.Counter
	PacketsDropped    *prometheus.CounterVec
	Retransmits       prometheus.Counter
	BytesTransferred  prometheus.Counter
	ActiveConnections prometheus.Gauge
}

// NewTransfer creates a Transfer metric set and registers it on reg. role is
// "sender" or "receiver" and becomes a constant label.
func NewTransfer(reg prometheus.Registerer, role string) *Transfer {
	labels := prometheus.Labels{"role": role}
	t := &Transfer{
		PacketsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "udpxfer",
			Name:        "packets_sent_total",
			Help:        "Datagrams sent by this endpoint.",
			ConstLabels: labels,
		}),
		PacketsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "udpxfer",
			Name:        "packets_received_total",
			Help:        "Datagrams received by this endpoint.",
			ConstLabels: labels,
		}),
		PacketsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "udpxfer",
			Name:        "packets_dropped_total",
			Help:        "Datagrams dropped, by reason (too_short, bad_checksum, unknown_kind, wrong_conn_id).",
			ConstLabels: labels,
		}, []string{"reason"}),
		Retransmits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "udpxfer",
			Name:        "retransmits_total",
			Help:        "DATA/END packets retransmitted after a timeout.",
			ConstLabels: labels,
		}),
		BytesTransferred: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "udpxfer",
			Name:        "bytes_transferred_total",
			Help:        "Payload bytes sent (sender) or delivered (receiver).",
			ConstLabels: labels,
		}),
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "udpxfer",
			Name:        "active_connections",
			Help:        "Connections currently negotiated and not yet Done/Failed.",
			ConstLabels: labels,
		}),
	}
	reg.MustRegister(t.PacketsSent, t.PacketsReceived, t.PacketsDropped, t.Retransmits, t.BytesTransferred, t.ActiveConnections)
	return t
}

// BrokerStats collects the fault-injection pipeline's counters.
type BrokerStats struct {
	Relayed  *prometheus.CounterVec
	Dropped  *prometheus.CounterVec
	Mutated  *prometheus.CounterVec
	QueueLen *prometheus.GaugeVec
}

// NewBrokerStats creates and registers a BrokerStats set.
func NewBrokerStats(reg prometheus.Registerer) *BrokerStats {
	b := &BrokerStats{
		Relayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "udpxfer_broker",
			Name:      "relayed_total",
			Help:      "Datagrams forwarded, by direction.",
		}, []string{"direction"}),
		Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "udpxfer_broker",
			Name:      "dropped_total",
			Help:      "Datagrams discarded by the drop filter, by direction.",
		}, []string{"direction"}),
		Mutated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "udpxfer_broker",
			Name:      "mutated_bytes_total",
			Help:      "Payload bytes flipped by the mutation filter, by direction.",
		}, []string{"direction"}),
		QueueLen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "udpxfer_broker",
			Name:      "delay_queue_length",
			Help:      "Datagrams currently waiting in the delay queue, by direction.",
		}, []string{"direction"}),
	}
	reg.MustRegister(b.Relayed, b.Dropped, b.Mutated, b.QueueLen)
	return b
}
