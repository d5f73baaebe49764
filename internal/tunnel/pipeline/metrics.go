package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// scansProcessed counts scans by mode and outcome (ok, error).
	scansProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tunnel",
		Subsystem: "pipeline",
		Name:      "scans_total",
		Help:      "Scans processed by mode and outcome",
	}, []string{"mode", "outcome"})

	// scanDuration measures end-to-end processing time per scan.
	scanDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "tunnel",
		Subsystem: "pipeline",
		Name:      "scan_duration_seconds",
		Help:      "Scan processing latency in seconds",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"mode"})

	// anomaliesDetected counts anomalous cells by severity.
	anomaliesDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tunnel",
		Subsystem: "pipeline",
		Name:      "anomalies_total",
		Help:      "Anomalous cells detected by severity",
	}, []string{"severity"})

	// pointsDropped counts points outside the structure grid.
	pointsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tunnel",
		Subsystem: "pipeline",
		Name:      "points_dropped_total",
		Help:      "Points dropped for lying outside the grid",
	}, []string{"device"})

	// initDisagreements counts scans whose is_init flag disagrees with the
	// series row-count signal.
	initDisagreements = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tunnel",
		Subsystem: "pipeline",
		Name:      "init_disagreements_total",
		Help:      "Scans whose init flag disagrees with the series row count",
	}, []string{"device"})

	// sideEffectErrors counts failures of the metadata store and mirror,
	// which do not fail the scan.
	sideEffectErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tunnel",
		Subsystem: "pipeline",
		Name:      "side_effect_errors_total",
		Help:      "Metadata store and mirror failures by sink",
	}, []string{"sink"})
)
