package ports

// Metric names understood by the Prometheus observability adapter.
const (
	MetricSamplesPublished  = "labflow_samples_published_total"
	MetricSamplesDropped    = "labflow_bus_dropped_total"
	MetricSamplesRecorded   = "labflow_samples_recorded_total"
	MetricRetries           = "labflow_measurement_retries_total"
	MetricStaleReads        = "labflow_stale_reads_total"
	MetricMalformed         = "labflow_malformed_responses_total"
	MetricFaults            = "labflow_instrument_faults_total"
	MetricSequenceGaps      = "labflow_sequence_gaps_total"
	MetricDLQ               = "labflow_dlq_total"
	MetricQueueDropped      = "labflow_queue_dropped_total"
	MetricQueueLength       = "labflow_queue_length"
	MetricWALSize           = "labflow_wal_size_bytes"
	MetricActiveInstruments = "labflow_active_instruments"
	MetricMeasureLatency    = "labflow_measurement_seconds"
	MetricSinkLatency       = "labflow_sink_latency_seconds"
	MetricIntegrationRatio  = "labflow_integration_efficiency_ratio"
)
