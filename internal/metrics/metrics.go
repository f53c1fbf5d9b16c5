// Package metrics provides Prometheus metrics for kmzproc.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for kmzproc. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	// Batch metrics
	BatchesProcessed *prometheus.CounterVec
	BatchesFailed    *prometheus.CounterVec
	LastCounter      prometheus.Gauge

	// File metrics
	FilesProcessed *prometheus.CounterVec
	FilesFailed    *prometheus.CounterVec

	// Geometry metrics
	PolygonsGenerated  *prometheus.CounterVec
	PlacemarksMerged   *prometheus.CounterVec
	PlacemarksSkipped  *prometheus.CounterVec
	CDATABlocksRemoved prometheus.Counter

	// Timing metrics
	BatchDuration *prometheus.HistogramVec
	StageDuration *prometheus.HistogramVec

	// Size metrics
	ArtifactBytes *prometheus.HistogramVec

	// Error metrics
	StorageErrors *prometheus.CounterVec
}

// Config holds metrics configuration.
type Config struct {
	Enabled bool
	Address string // Address for metrics HTTP server (e.g., ":9090")
}

var defaultMetrics *Metrics

// Init registers the metrics with the default Prometheus registry.
// Call this once at startup.
func Init(namespace string) *Metrics {
	defaultMetrics = New(namespace, prometheus.DefaultRegisterer)
	return defaultMetrics
}

// Get returns the global metrics instance.
// Returns nil if Init has not been called.
func Get() *Metrics {
	return defaultMetrics
}

// New creates metrics registered with reg.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "kmzproc"
	}
	factory := promauto.With(reg)

	return &Metrics{
		BatchesProcessed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batches_processed_total",
				Help:      "Total number of batches processed",
			},
			[]string{"city"},
		),
		BatchesFailed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batches_failed_total",
				Help:      "Total number of batches that failed processing",
			},
			[]string{"city"},
		),
		LastCounter: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_counter",
				Help:      "Sequence counter value after the last committed batch",
			},
		),
		FilesProcessed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "files_processed_total",
				Help:      "Total number of uploaded files processed",
			},
			[]string{"format"},
		),
		FilesFailed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "files_failed_total",
				Help:      "Total number of uploaded files rejected",
			},
			[]string{"kind"},
		),
		PolygonsGenerated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "polygons_generated_total",
				Help:      "Total number of polygon insert statements generated",
			},
			[]string{"city"},
		),
		PlacemarksMerged: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "placemarks_merged_total",
				Help:      "Total number of placemarks written to merged documents",
			},
			[]string{"city"},
		),
		PlacemarksSkipped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "placemarks_skipped_total",
				Help:      "Total number of placemarks skipped for malformed geometry",
			},
			[]string{"city"},
		),
		CDATABlocksRemoved: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cdata_blocks_removed_total",
				Help:      "Total number of CDATA sections stripped during sanitizing",
			},
		),
		BatchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "batch_duration_seconds",
				Help:      "Time to process a batch end to end",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
			},
			[]string{"city"},
		),
		StageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Time spent in each processing stage",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~16s
			},
			[]string{"stage"},
		),
		ArtifactBytes: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "artifact_bytes",
				Help:      "Size of published artifacts in bytes",
				Buckets:   prometheus.ExponentialBuckets(1024, 2, 15), // 1KB to ~32MB
			},
			[]string{"artifact"},
		),
		StorageErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "storage_errors_total",
				Help:      "Total number of artifact store errors",
			},
			[]string{"backend"},
		),
	}
}

// StartServer starts an HTTP server for Prometheus metrics scraping.
// Blocks until the server exits.
func StartServer(address string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return http.ListenAndServe(address, mux)
}

// IncBatchesProcessed increments the batches processed counter.
func (m *Metrics) IncBatchesProcessed(city string) {
	if m == nil {
		return
	}
	m.BatchesProcessed.WithLabelValues(city).Inc()
}

// IncBatchesFailed increments the batches failed counter.
func (m *Metrics) IncBatchesFailed(city string) {
	if m == nil {
		return
	}
	m.BatchesFailed.WithLabelValues(city).Inc()
}

// SetLastCounter sets the committed counter value.
func (m *Metrics) SetLastCounter(v int64) {
	if m == nil {
		return
	}
	m.LastCounter.Set(float64(v))
}

// IncFilesProcessed increments the files processed counter.
func (m *Metrics) IncFilesProcessed(format string) {
	if m == nil {
		return
	}
	m.FilesProcessed.WithLabelValues(format).Inc()
}

// IncFilesFailed increments the files failed counter for an error kind.
func (m *Metrics) IncFilesFailed(kind string) {
	if m == nil {
		return
	}
	m.FilesFailed.WithLabelValues(kind).Inc()
}

// AddPolygonsGenerated adds to the polygons generated counter.
func (m *Metrics) AddPolygonsGenerated(city string, n int) {
	if m == nil {
		return
	}
	m.PolygonsGenerated.WithLabelValues(city).Add(float64(n))
}

// AddPlacemarksMerged adds to the placemarks merged counter.
func (m *Metrics) AddPlacemarksMerged(city string, n int) {
	if m == nil {
		return
	}
	m.PlacemarksMerged.WithLabelValues(city).Add(float64(n))
}

// AddPlacemarksSkipped adds to the placemarks skipped counter.
func (m *Metrics) AddPlacemarksSkipped(city string, n int) {
	if m == nil {
		return
	}
	m.PlacemarksSkipped.WithLabelValues(city).Add(float64(n))
}

// AddCDATABlocksRemoved adds to the stripped CDATA counter.
func (m *Metrics) AddCDATABlocksRemoved(n int) {
	if m == nil {
		return
	}
	m.CDATABlocksRemoved.Add(float64(n))
}

// ObserveBatchDuration records the batch processing time.
func (m *Metrics) ObserveBatchDuration(city string, seconds float64) {
	if m == nil {
		return
	}
	m.BatchDuration.WithLabelValues(city).Observe(seconds)
}

// ObserveStageDuration records the time spent in one stage.
func (m *Metrics) ObserveStageDuration(stage string, seconds float64) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(seconds)
}

// ObserveArtifactBytes records the size of a published artifact.
func (m *Metrics) ObserveArtifactBytes(artifact string, bytes int) {
	if m == nil {
		return
	}
	m.ArtifactBytes.WithLabelValues(artifact).Observe(float64(bytes))
}

// IncStorageErrors increments the storage errors counter.
func (m *Metrics) IncStorageErrors(backend string) {
	if m == nil {
		return
	}
	m.StorageErrors.WithLabelValues(backend).Inc()
}
