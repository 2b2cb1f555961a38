package gc

import (
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds reclamation OpenTelemetry metric instruments.
type Metrics struct {
	runsTotal          metric.Int64Counter
	runDuration        metric.Float64Histogram
	budgetEvicted      metric.Int64Counter
	expiredEvicted     metric.Int64Counter
	orphanBlobsDeleted metric.Int64Counter
	staleTempDeleted   metric.Int64Counter
	bytesReclaimed     metric.Int64Counter
	errorsTotal        metric.Int64Counter
	lastRunTimestamp   metric.Float64Gauge
	lastRunSuccess     metric.Float64Gauge
}

// NewMetrics creates a new Metrics instance with the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	runsTotal, err := meter.Int64Counter(
		"artifact_cache_gc_runs_total",
		metric.WithDescription("Total number of reclamation runs"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, err
	}

	runDuration, err := meter.Float64Histogram(
		"artifact_cache_gc_run_duration_seconds",
		metric.WithDescription("Reclamation run duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.1, 0.5, 1, 5, 10, 30, 60, 120, 300),
	)
	if err != nil {
		return nil, err
	}

	budgetEvicted, err := meter.Int64Counter(
		"artifact_cache_gc_budget_evicted_total",
		metric.WithDescription("Total number of entries evicted to stay within the size budget"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, err
	}

	expiredEvicted, err := meter.Int64Counter(
		"artifact_cache_gc_expired_evicted_total",
		metric.WithDescription("Total number of entries evicted for being unused too long"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, err
	}

	orphanBlobsDeleted, err := meter.Int64Counter(
		"artifact_cache_gc_orphan_blobs_deleted_total",
		metric.WithDescription("Total number of blobs deleted because no entry referenced them"),
		metric.WithUnit("{blob}"),
	)
	if err != nil {
		return nil, err
	}

	staleTempDeleted, err := meter.Int64Counter(
		"artifact_cache_gc_stale_temp_deleted_total",
		metric.WithDescription("Total number of abandoned temporary files deleted"),
		metric.WithUnit("{file}"),
	)
	if err != nil {
		return nil, err
	}

	bytesReclaimed, err := meter.Int64Counter(
		"artifact_cache_gc_bytes_reclaimed_total",
		metric.WithDescription("Total blob bytes reclaimed"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	errorsTotal, err := meter.Int64Counter(
		"artifact_cache_gc_errors_total",
		metric.WithDescription("Total number of reclamation errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	lastRunTimestamp, err := meter.Float64Gauge(
		"artifact_cache_gc_last_run_timestamp_seconds",
		metric.WithDescription("Unix timestamp of last reclamation run"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	lastRunSuccess, err := meter.Float64Gauge(
		"artifact_cache_gc_last_run_success",
		metric.WithDescription("Whether last reclamation run was successful (1=success, 0=failure)"),
		metric.WithUnit("{status}"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		runsTotal:          runsTotal,
		runDuration:        runDuration,
		budgetEvicted:      budgetEvicted,
		expiredEvicted:     expiredEvicted,
		orphanBlobsDeleted: orphanBlobsDeleted,
		staleTempDeleted:   staleTempDeleted,
		bytesReclaimed:     bytesReclaimed,
		errorsTotal:        errorsTotal,
		lastRunTimestamp:   lastRunTimestamp,
		lastRunSuccess:     lastRunSuccess,
	}, nil
}
