package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "statbase_cube_build_info",
			Help: "Build information of the cube services",
		},
		[]string{"version", "commit", "date"},
	)

	CubeBuildsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "statbase_cube_builds_total",
			Help: "Total number of cube builds",
		},
		[]string{"mode", "status"},
	)

	CubeBuildDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "statbase_cube_build_duration_seconds",
			Help:    "Duration of cube builds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 0.1s to ~410s (~6.8 minutes)
		},
		[]string{"mode"},
	)

	UploadsFoldedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "statbase_cube_uploads_folded_total",
			Help: "Total number of fact-table uploads folded during reconciliation",
		},
		[]string{"action", "status"},
	)

	UploadRowsLoaded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "statbase_cube_upload_rows_loaded_total",
			Help: "Total number of fact rows loaded from uploads",
		},
		[]string{"action"},
	)

	ArtifactBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "statbase_cube_artifact_bytes",
			Help:    "Size of materialized cube artifacts",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 10), // 1KiB to ~256MiB
		},
	)
)
