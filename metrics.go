package vynqtalk

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the client's Prometheus collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	connectionState *prometheus.GaugeVec
	reconnects      prometheus.Counter
	refreshes       *prometheus.CounterVec
	logouts         *prometheus.CounterVec
	droppedFrames   *prometheus.CounterVec
	publishes       *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg when reg is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connectionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "vynqtalk",
			Subsystem: "realtime",
			Name:      "connection_state",
			Help:      "1 for the current realtime connection state, 0 for the others.",
		}, []string{"state"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vynqtalk",
			Subsystem: "realtime",
			Name:      "reconnect_attempts_total",
			Help:      "Reconnect attempts scheduled after transport errors.",
		}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vynqtalk",
			Subsystem: "auth",
			Name:      "refresh_exchanges_total",
			Help:      "Refresh token exchanges by outcome.",
		}, []string{"outcome"}),
		logouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vynqtalk",
			Subsystem: "auth",
			Name:      "logouts_total",
			Help:      "Logouts by reason.",
		}, []string{"reason"}),
		droppedFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vynqtalk",
			Subsystem: "realtime",
			Name:      "dropped_frames_total",
			Help:      "Realtime frames dropped because their payload did not parse.",
		}, []string{"topic"}),
		publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vynqtalk",
			Subsystem: "realtime",
			Name:      "publishes_total",
			Help:      "Outbound publishes by destination and outcome.",
		}, []string{"destination", "outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.connectionState, m.reconnects, m.refreshes, m.logouts, m.droppedFrames, m.publishes)
	}
	return m
}

func (m *Metrics) setState(s ConnectionState) {
	if m == nil {
		return
	}
	for _, st := range allStates {
		v := 0.0
		if st == s {
			v = 1
		}
		m.connectionState.WithLabelValues(string(st)).Set(v)
	}
}

func (m *Metrics) reconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) refresh(outcome string) {
	if m == nil {
		return
	}
	m.refreshes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) logout(reason string) {
	if m == nil {
		return
	}
	m.logouts.WithLabelValues(reason).Inc()
}

func (m *Metrics) dropped(topic string) {
	if m == nil {
		return
	}
	m.droppedFrames.WithLabelValues(topic).Inc()
}

func (m *Metrics) published(destination string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.publishes.WithLabelValues(destination, outcome).Inc()
}
