package mplsim

import (
	"github.com/prometheus/client_golang/prometheus"
)

// discardReasons are the reasons a packet can be discarded for.  Any other detail
// is counted as "other" so the reason label stays bounded
var discardReasons = map[string]bool{
	"buffer overflow": true, "port not connected": true, "link broken": true, "destination detached": true,
	"no such port": true, "outgoing link down": true, "no outgoing port": true, "no route": true,
	"ttl expired": true, "label ttl expired": true, "empty label stack": true, "unknown label": true,
	"label not assigned": true, "fec not assigned": true, "no label operation": true,
	"operation on unlabeled packet": true, "unlabeled packet in core": true, "malformed packet": true,
	"gpsrp addressed to node": true, "tldp without payload": true, "tldp not enabled": true,
	"unknown tldp message": true,
}

// discardReason maps the detail of a discard event onto the reason label
func discardReason(detail string) string {
	if discardReasons[detail] {
		return detail
	}
	return "other"
}

// PrometheusSink counts simulation events in prometheus metrics
type PrometheusSink struct {
	events    *prometheus.CounterVec
	instant   prometheus.Gauge
	discarded *prometheus.CounterVec
}

// CreatePrometheusSink builds the metrics of the sink and registers them with reg
func CreatePrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	ps := &PrometheusSink{
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mplsim",
				Name:      "events_total",
				Help:      "Simulation events by kind and element.",
			},
			[]string{"kind", "element"},
		),
		instant: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "mplsim",
				Name:      "instant_nanoseconds",
				Help:      "Latest simulation instant seen in an event.",
			},
		),
		discarded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mplsim",
				Name:      "discarded_packets_total",
				Help:      "Discarded packets by element and reason.",
			},
			[]string{"element", "reason"},
		),
	}
	for _, col := range []prometheus.Collector{ps.events, ps.instant, ps.discarded} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return ps, nil
}

// Emit counts the event.  PacketOnFly events are frequent and only move the instant gauge
func (ps *PrometheusSink) Emit(ev SimEvent) {
	ps.instant.Set(float64(ev.Instant))
	if ev.Kind == PacketOnFly {
		return
	}
	ps.events.WithLabelValues(ev.Kind.String(), ev.Element).Inc()
	if ev.Kind == PacketDiscarded {
		ps.discarded.WithLabelValues(ev.Element, discardReason(ev.Detail)).Inc()
	}
}
