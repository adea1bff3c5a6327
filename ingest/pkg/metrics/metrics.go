package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tide_ingest_build_info",
			Help: "Build information of the Tide ingestion service",
		},
		[]string{"version", "commit", "date"},
	)

	FilesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tide_ingest_files_total",
			Help: "Total number of files processed",
		},
		[]string{"kind", "status"},
	)

	FileFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tide_ingest_file_failures_total",
			Help: "Total number of failed files by error code",
		},
		[]string{"code"},
	)

	FileDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tide_ingest_file_duration_seconds",
			Help:    "Duration of per-file ingestion",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 0.01s to ~164s
		},
		[]string{"kind"},
	)

	RowsExtractedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tide_ingest_rows_extracted_total",
			Help: "Total number of rows extracted from source files",
		},
	)

	RowsInsertedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tide_ingest_rows_inserted_total",
			Help: "Total number of rows inserted into storage",
		},
	)

	RowsSkippedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tide_ingest_rows_skipped_total",
			Help: "Total number of rows skipped",
		},
		[]string{"reason"},
	)

	BatchFallbacksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tide_ingest_batch_fallbacks_total",
			Help: "Total number of bulk inserts degraded to row-by-row replay",
		},
	)

	RecordFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tide_ingest_record_failures_total",
			Help: "Total number of individual records dropped during persistence",
		},
	)

	MappingsSynthesizedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tide_ingest_mappings_synthesized_total",
			Help: "Total number of parameter mappings synthesized for unknown names",
		},
	)
)
