package coherence

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var publishLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "scb_publish_latency_seconds",
	Help:    "histogram of publish latency on the coherence bus, by channel",
	Buckets: prometheus.DefBuckets,
}, []string{"channel"})

var publishTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "scb_publish_total",
	Help: "counter of successful publishes to the coherence bus, by channel",
}, []string{"channel"})

var publishErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "scb_publish_errors_total",
	Help: "counter of failed publishes to the coherence bus, by channel and error kind",
}, []string{"channel", "kind"})

var breakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "scb_breaker_state",
	Help: "circuit breaker state by name: 0 closed, 1 half-open, 2 open",
}, []string{"name"})

var channelLength = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "scb_channel_length",
	Help: "current stream length per channel",
}, []string{"channel"})

var commitLag = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "scb_commit_lag_seconds",
	Help: "seconds since the last committed tree update",
})

var driftEWMA = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "scb_drift_ewma",
	Help: "exponential moving average of observed drift magnitudes",
})

func stateValue(state string) float64 {
	switch state {
	case "open":
		return 2
	case "half_open":
		return 1
	default:
		return 0
	}
}
