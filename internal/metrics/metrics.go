// Package metrics holds the Prometheus collectors of a chat session.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics groups the collectors. Each Metrics owns its registry so tests
// and multiple sessions in one process do not collide.
type Metrics struct {
	Registry *prometheus.Registry

	Dials         *prometheus.CounterVec
	Connected     prometheus.Gauge
	FramesIn      *prometheus.CounterVec
	FramesOut     *prometheus.CounterVec
	FramesDropped *prometheus.CounterVec
	Appends       *prometheus.CounterVec
	Recalls       *prometheus.CounterVec
	OutboxDepth   prometheus.Gauge
	ViewClients   prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Dials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "portal_chat", Subsystem: "transport", Name: "dials_total",
			Help: "Dial attempts by result.",
		}, []string{"result"}),
		Connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "portal_chat", Subsystem: "transport", Name: "connected",
			Help: "1 while the server connection is open.",
		}),
		FramesIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "portal_chat", Subsystem: "dispatch", Name: "frames_in_total",
			Help: "Frames dispatched, by type.",
		}, []string{"type"}),
		FramesOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "portal_chat", Subsystem: "dispatch", Name: "frames_out_total",
			Help: "Frames sent, by type.",
		}, []string{"type"}),
		FramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "portal_chat", Subsystem: "dispatch", Name: "frames_dropped_total",
			Help: "Frames dropped before dispatch, by reason.",
		}, []string{"reason"}),
		Appends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "portal_chat", Subsystem: "log", Name: "appends_total",
			Help: "Log appends by outcome.",
		}, []string{"result"}),
		Recalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "portal_chat", Subsystem: "log", Name: "recalls_total",
			Help: "Recall events by outcome.",
		}, []string{"result"}),
		OutboxDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "portal_chat", Subsystem: "session", Name: "outbox_depth",
			Help: "Frames waiting for the connection to come back.",
		}),
		ViewClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "portal_chat", Subsystem: "view", Name: "live_clients",
			Help: "Connected live view websockets.",
		}),
	}
	m.Registry.MustRegister(
		m.Dials, m.Connected, m.FramesIn, m.FramesOut, m.FramesDropped,
		m.Appends, m.Recalls, m.OutboxDepth, m.ViewClients,
		collectors.NewGoCollector(),
	)
	return m
}
