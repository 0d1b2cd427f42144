package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the orchestrator's Prometheus instruments.
type Metrics struct {
	Cells         *prometheus.CounterVec   // status
	Calls         *prometheus.CounterVec   // op, outcome
	CallDuration  *prometheus.HistogramVec // op
	SteerInFlight prometheus.Gauge
	TestInFlight  prometheus.Gauge
}

// NewMetrics registers the instruments on reg. A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Cells: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "steereval",
			Name:      "cells_total",
			Help:      "Terminal cells recorded, by status.",
		}, []string{"status"}),
		Calls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "steereval",
			Name:      "provider_calls_total",
			Help:      "Provider calls, by operation and outcome.",
		}, []string{"op", "outcome"}),
		CallDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "steereval",
			Name:      "provider_call_duration_seconds",
			Help:      "Latency of single provider call attempts.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"op"}),
		SteerInFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "steereval",
			Name:      "steer_in_flight",
			Help:      "Steer calls currently holding a steer pool slot.",
		}),
		TestInFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "steereval",
			Name:      "test_in_flight",
			Help:      "Cells currently holding a test pool slot.",
		}),
	}
}
