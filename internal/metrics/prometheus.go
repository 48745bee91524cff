package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vision_runs_total",
		Help: "Total number of analysis runs, by final status",
	}, []string{"status"})

	RunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "vision_run_duration_seconds",
		Help:    "Duration of complete analysis runs",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
	})

	FramesDecodedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vision_frames_decoded_total",
		Help: "Total number of frames decoded across all runs",
	})

	FramesDescribedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vision_frames_described_total",
		Help: "Total number of sampled frames covered by a successful description",
	})

	DescriberCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vision_describer_calls_total",
		Help: "Describer calls, by outcome",
	}, []string{"outcome"})

	DescriberDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "vision_describer_duration_seconds",
		Help:    "Latency of single describer calls",
		Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
	})

	ActiveRuns = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vision_active_runs",
		Help: "Number of analysis runs in progress",
	})
)
