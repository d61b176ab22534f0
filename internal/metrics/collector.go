// Package secmetrics exposes secprofd's Prometheus metrics.
package secmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "secprofd"
)

// Label names for secprofd metrics.
const (
	labelInterface = "interface"
	labelEvent     = "event"
	labelSource    = "source"
	labelOp        = "op"
	labelResult    = "result"
)

// Collector holds all secprofd Prometheus metrics.
type Collector struct {
	// Connections tracks the number of stations currently known to the
	// state store.
	Connections prometheus.Gauge

	// Rules tracks the number of filter rules currently applied.
	Rules prometheus.Gauge

	// WifiEvents counts hostapd station events by interface and kind
	// (connected / disconnected).
	WifiEvents *prometheus.CounterVec

	// AddrEvents counts accepted address-observer lines.
	AddrEvents prometheus.Counter

	// ParseErrors counts event lines that could not be parsed, by
	// source stream.
	ParseErrors *prometheus.CounterVec

	// FilterCommands counts packet-filter CLI invocations by operation
	// (add / delete).
	FilterCommands *prometheus.CounterVec

	// ReconcileCycles counts completed reconciler cycles.
	ReconcileCycles prometheus.Counter

	// ConfigReloads counts SIGHUP reload attempts by result.
	ConfigReloads *prometheus.CounterVec
}

// NewCollector creates a Collector with all metrics registered against
// the provided prometheus.Registerer. If reg is nil,
// prometheus.DefaultRegisterer is used.
//
// All metrics carry the "secprofd_" prefix to avoid collisions with
// other exporters on the gateway.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.Connections,
		c.Rules,
		c.WifiEvents,
		c.AddrEvents,
		c.ParseErrors,
		c.FilterCommands,
		c.ReconcileCycles,
		c.ConfigReloads,
	)

	return c
}

// newMetrics creates all Prometheus metric vectors without registering them.
func newMetrics() *Collector {
	return &Collector{
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Number of stations currently tracked.",
		}),

		Rules: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rules",
			Help:      "Number of filter rules currently applied.",
		}),

		WifiEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "wifi_events_total",
			Help:      "Total hostapd station events observed.",
		}, []string{labelInterface, labelEvent}),

		AddrEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "addr_events_total",
			Help:      "Total accepted address observer events.",
		}),

		ParseErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "parse_errors_total",
			Help:      "Total event lines skipped because they did not parse.",
		}, []string{labelSource}),

		FilterCommands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "filter_commands_total",
			Help:      "Total packet-filter CLI commands issued.",
		}, []string{labelOp}),

		ReconcileCycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_cycles_total",
			Help:      "Total completed reconciler cycles.",
		}),

		ConfigReloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_reloads_total",
			Help:      "Total SIGHUP configuration reload attempts.",
		}, []string{labelResult}),
	}
}
