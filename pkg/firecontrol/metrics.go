package firecontrol

import (
	"net/http"

	"github.com/ivanvanderbyl/faber-itc/pkg/protocol"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRegistry returns a registry with the Go and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// Metrics are the session counters. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	BytesReceived prometheus.Counter
	FramesDecoded *prometheus.CounterVec // labels: class
	FramesDropped *prometheus.CounterVec // labels: reason
	CommandsSent  *prometheus.CounterVec // labels: opcode
	Reconnects    *prometheus.CounterVec // labels: cause
	EventsDropped prometheus.Counter
	Connected     prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		BytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "faber_itc_bytes_received_total",
			Help: "Bytes read from the controller socket.",
		}),
		FramesDecoded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "faber_itc_frames_decoded_total",
			Help: "Frames decoded, by opcode class.",
		}, []string{"class"}),
		FramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "faber_itc_frames_dropped_total",
			Help: "Frames or buffered bytes discarded, by reason.",
		}, []string{"reason"}),
		CommandsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "faber_itc_commands_sent_total",
			Help: "Frames written to the controller, by opcode.",
		}, []string{"opcode"}),
		Reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "faber_itc_reconnects_total",
			Help: "Successful reconnects, by cause.",
		}, []string{"cause"}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "faber_itc_events_dropped_total",
			Help: "Events not delivered because a subscriber was full.",
		}),
		Connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "faber_itc_connected",
			Help: "1 while a session to the controller is open.",
		}),
	}
	reg.MustRegister(
		m.BytesReceived,
		m.FramesDecoded,
		m.FramesDropped,
		m.CommandsSent,
		m.Reconnects,
		m.EventsDropped,
		m.Connected,
	)
	return m
}

func (m *Metrics) bytesReceived(n int) {
	if m == nil {
		return
	}
	m.BytesReceived.Add(float64(n))
}

func (m *Metrics) frameDecoded(c protocol.Class) {
	if m == nil {
		return
	}
	m.FramesDecoded.WithLabelValues(c.String()).Inc()
}

func (m *Metrics) frameDropped(reason string) {
	if m == nil {
		return
	}
	m.FramesDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) commandSent(op protocol.Opcode) {
	if m == nil {
		return
	}
	m.CommandsSent.WithLabelValues(op.String()).Inc()
}

func (m *Metrics) reconnected(cause string) {
	if m == nil {
		return
	}
	m.Reconnects.WithLabelValues(cause).Inc()
}

func (m *Metrics) eventDropped() {
	if m == nil {
		return
	}
	m.EventsDropped.Inc()
}

func (m *Metrics) setConnected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.Connected.Set(1)
		return
	}
	m.Connected.Set(0)
}
