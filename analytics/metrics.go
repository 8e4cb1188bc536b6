package analytics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	readingsProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "energy_readings_processed_total",
			Help: "Readings handled by the ingest engine by result",
		},
		[]string{"result"},
	)

	anomaliesDetectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anomalies_detected_total",
			Help: "Total number of anomalies detected",
		},
		[]string{"type"},
	)

	processingDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "energy_reading_processing_seconds",
			Help:    "Time spent processing one reading",
			Buckets: prometheus.DefBuckets,
		},
	)

	queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "energy_ingest_queue_depth",
			Help: "Readings waiting in the worker queues",
		},
	)
)
