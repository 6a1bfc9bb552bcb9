// Package metrics exposes the tuner's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EncoderSpawns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "multiview_encoder_spawns_total",
		Help: "Encoder spawn attempts by outcome.",
	}, []string{"outcome"})

	ActiveClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "multiview_active_clients",
		Help: "Number of currently attached stream clients.",
	})

	SinkEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "multiview_sink_evictions_total",
		Help: "Number of client sinks dropped for falling behind.",
	})

	LayoutSwitchSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "multiview_layout_switch_seconds",
		Help:    "Time from apply-layout request to the new encoder going live.",
		Buckets: prometheus.DefBuckets,
	})

	SessionMode = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "multiview_session_mode",
		Help: "Current session mode: 0=idle, 1=starting, 2=live.",
	})
)

// ModeValue maps a session mode name to the numeric gauge value.
func ModeValue(mode string) float64 {
	switch mode {
	case "starting":
		return 1
	case "live":
		return 2
	default:
		return 0
	}
}
