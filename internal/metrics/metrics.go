// Package metrics exports session, transport and media activity as
// Prometheus metrics. A Collector is passed to the session controller as its
// Observer and served over HTTP through Handler.
package metrics

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sebas/captionrelay/internal/media"
)

const DefaultNamespace = "captionrelay"

// PinholeSource reports RTP keepalive counters.
type PinholeSource interface {
	Stats() media.Stats
}

// Counters is a plain copy of the totals for the status API.
type Counters struct {
	PacketsIn      uint64
	PacketsOut     uint64
	Reconnects     uint64
	ProtocolErrors uint64
	Events         uint64
	Transitions    uint64
}

// Collector implements session.Observer. Every metric lives in the
// collector's own registry.
type Collector struct {
	registry *prometheus.Registry

	transitions    *prometheus.CounterVec
	state          *prometheus.GaugeVec
	events         *prometheus.CounterVec
	packetsIn      *prometheus.CounterVec
	packetsOut     *prometheus.CounterVec
	reconnects     prometheus.Counter
	attempt        prometheus.Gauge
	protocolErrors *prometheus.CounterVec

	in, out, reconnectN, errorN, eventN, transitionN atomic.Uint64
}

// New creates a collector under namespace, DefaultNamespace when empty.
func New(namespace string) *Collector {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	f := promauto.With(reg)

	return &Collector{
		registry: reg,
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "state_transitions_total",
			Help:      "Session lifecycle transitions",
		}, []string{"from", "to"}),
		state: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "state",
			Help:      "1 for the current session state",
		}, []string{"state"}),
		events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "events_total",
			Help:      "Events reported to the client callback",
		}, []string{"event"}),
		packetsIn: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "packets_received_total",
			Help:      "Inbound commands by kind",
		}, []string{"kind"}),
		packetsOut: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "packets_sent_total",
			Help:      "Outbound commands by method",
		}, []string{"method"}),
		reconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "reconnects_total",
			Help:      "Reconnect attempts scheduled",
		}),
		attempt: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "reconnect_attempt",
			Help:      "Most recent reconnect attempt number",
		}),
		protocolErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "protocol_errors_total",
			Help:      "Errors reported to the client callback by code",
		}, []string{"code"}),
	}
}

func (c *Collector) StateChanged(from, to string) {
	c.transitions.WithLabelValues(from, to).Inc()
	c.state.WithLabelValues(from).Set(0)
	c.state.WithLabelValues(to).Set(1)
	c.transitionN.Add(1)
}

func (c *Collector) EventReported(ev string) {
	c.events.WithLabelValues(ev).Inc()
	c.eventN.Add(1)
}

func (c *Collector) PacketIn(kind string) {
	c.packetsIn.WithLabelValues(kind).Inc()
	c.in.Add(1)
}

func (c *Collector) PacketOut(method string) {
	c.packetsOut.WithLabelValues(method).Inc()
	c.out.Add(1)
}

func (c *Collector) Reconnect(attempt int) {
	c.reconnects.Inc()
	c.attempt.Set(float64(attempt))
	c.reconnectN.Add(1)
}

func (c *Collector) ProtocolError(code string) {
	c.protocolErrors.WithLabelValues(code).Inc()
	c.errorN.Add(1)
}

// WatchPinhole exports src's counters, read at scrape time.
func (c *Collector) WatchPinhole(namespace string, src PinholeSource) {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	read := func(pick func(media.Stats) uint64) func() float64 {
		return func() float64 { return float64(pick(src.Stats())) }
	}
	c.registry.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "media", Name: "rtp_sent_total",
			Help: "RTP keepalive packets sent",
		}, read(func(s media.Stats) uint64 { return s.Sent })),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "media", Name: "rtp_received_total",
			Help: "RTP packets received on the pinhole port",
		}, read(func(s media.Stats) uint64 { return s.Received })),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "media", Name: "rtp_lost_total",
			Help: "RTP packets inferred lost from sequence gaps",
		}, read(func(s media.Stats) uint64 { return s.Lost })),
	)
}

// WatchState exports a labelled gauge whose value comes from fn at scrape
// time, e.g. the SIP leg state.
func (c *Collector) WatchState(namespace, subsystem, name string, fn func() string) {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	c.registry.MustRegister(&stateGauge{
		desc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, name),
			"Current "+subsystem+" state as a label",
			[]string{"state"}, nil),
		fn: fn,
	})
}

// Counters returns the running totals.
func (c *Collector) Counters() Counters {
	return Counters{
		PacketsIn:      c.in.Load(),
		PacketsOut:     c.out.Load(),
		Reconnects:     c.reconnectN.Load(),
		ProtocolErrors: c.errorN.Load(),
		Events:         c.eventN.Load(),
		Transitions:    c.transitionN.Load(),
	}
}

// Registry exposes the registry for tests and extra collectors.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

type stateGauge struct {
	desc *prometheus.Desc
	fn   func() string
}

func (g *stateGauge) Describe(ch chan<- *prometheus.Desc) { ch <- g.desc }

func (g *stateGauge) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(g.desc, prometheus.GaugeValue, 1, g.fn())
}
