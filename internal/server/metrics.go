package server

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are registered on their own registry so several servers can
// live in one process (tests).
type Metrics struct {
	Registry *prometheus.Registry

	Sessions             prometheus.Gauge
	Requests             *prometheus.CounterVec
	Acquisitions         *prometheus.CounterVec
	AcquisitionSamples   prometheus.Histogram
	WatchableUpdatesSent prometheus.Counter
}

func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scrutiny_sessions",
			Help: "Number of connected websocket clients.",
		}),
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scrutiny_requests_total",
			Help: "Requests handled, by command and result.",
		}, []string{"cmd", "result"}),
		Acquisitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scrutiny_acquisitions_total",
			Help: "Datalogging acquisitions finished, by outcome.",
		}, []string{"outcome"}),
		AcquisitionSamples: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "scrutiny_acquisition_samples",
			Help:    "Number of samples in completed acquisitions.",
			Buckets: prometheus.ExponentialBuckets(16, 2, 10),
		}),
		WatchableUpdatesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scrutiny_watchable_updates_total",
			Help: "Value updates pushed to clients.",
		}),
	}
	m.Registry.MustRegister(m.Sessions, m.Requests, m.Acquisitions, m.AcquisitionSamples, m.WatchableUpdatesSent)
	return m
}
