package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// IndexerMetrics observes folder scans. All methods are nil-safe.
type IndexerMetrics struct {
	filesScanned  prometheus.Counter
	bytesHashed   prometheus.Counter
	scanDuration  prometheus.Histogram
	changesByKind *prometheus.CounterVec
}

// NewIndexerMetrics returns nil when metrics are disabled.
func NewIndexerMetrics() *IndexerMetrics {
	if !IsEnabled() {
		return nil
	}
	reg := GetRegistry()
	return &IndexerMetrics{
		filesScanned: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "usenetsync_indexer_files_scanned_total",
			Help: "Total number of files scanned by the indexer",
		}),
		bytesHashed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "usenetsync_indexer_bytes_hashed_total",
			Help: "Total bytes hashed by the indexer",
		}),
		scanDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "usenetsync_indexer_scan_duration_seconds",
			Help:    "Duration of complete folder scans",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 900},
		}),
		changesByKind: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "usenetsync_indexer_changes_total",
			Help: "File changes detected by kind",
		}, []string{"kind"}),
	}
}

// ObserveFile records one scanned file.
func (m *IndexerMetrics) ObserveFile(size int64) {
	if m == nil {
		return
	}
	m.filesScanned.Inc()
	m.bytesHashed.Add(float64(size))
}

// ObserveScan records one completed scan.
func (m *IndexerMetrics) ObserveScan(d time.Duration) {
	if m == nil {
		return
	}
	m.scanDuration.Observe(d.Seconds())
}

// ObserveChange records one detected change by kind.
func (m *IndexerMetrics) ObserveChange(kind string) {
	if m == nil {
		return
	}
	m.changesByKind.WithLabelValues(kind).Inc()
}

// UploaderMetrics observes the upload queue and posting throughput.
type UploaderMetrics struct {
	queueDepth     *prometheus.GaugeVec
	articlesPosted prometheus.Counter
	bytesPosted    prometheus.Counter
	postDuration   prometheus.Histogram
	jobFailures    prometheus.Counter
}

// NewUploaderMetrics returns nil when metrics are disabled.
func NewUploaderMetrics() *UploaderMetrics {
	if !IsEnabled() {
		return nil
	}
	reg := GetRegistry()
	return &UploaderMetrics{
		queueDepth: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "usenetsync_uploader_queue_depth",
			Help: "Upload queue depth by state",
		}, []string{"state"}),
		articlesPosted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "usenetsync_uploader_articles_posted_total",
			Help: "Total articles accepted by a server",
		}),
		bytesPosted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "usenetsync_uploader_bytes_posted_total",
			Help: "Total article bytes accepted by a server",
		}),
		postDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "usenetsync_uploader_post_duration_seconds",
			Help:    "Duration of a single article post",
			Buckets: prometheus.DefBuckets,
		}),
		jobFailures: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "usenetsync_uploader_job_failures_total",
			Help: "Queue items that exhausted their retries",
		}),
	}
}

// SetQueueDepth publishes the current queue depth for one state.
func (m *UploaderMetrics) SetQueueDepth(state string, n int64) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(state).Set(float64(n))
}

// ObservePost records one accepted article.
func (m *UploaderMetrics) ObservePost(bytes int64, d time.Duration) {
	if m == nil {
		return
	}
	m.articlesPosted.Inc()
	m.bytesPosted.Add(float64(bytes))
	m.postDuration.Observe(d.Seconds())
}

// ObserveJobFailure records one exhausted queue item.
func (m *UploaderMetrics) ObserveJobFailure() {
	if m == nil {
		return
	}
	m.jobFailures.Inc()
}

// PoolMetrics observes the connection pool and server health.
type PoolMetrics struct {
	activeConns   *prometheus.GaugeVec
	idleConns     *prometheus.GaugeVec
	serverHealthy *prometheus.GaugeVec
	failureRate   *prometheus.GaugeVec
}

// NewPoolMetrics returns nil when metrics are disabled.
func NewPoolMetrics() *PoolMetrics {
	if !IsEnabled() {
		return nil
	}
	reg := GetRegistry()
	return &PoolMetrics{
		activeConns: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "usenetsync_pool_active_connections",
			Help: "Connections currently borrowed from the pool",
		}, []string{"server"}),
		idleConns: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "usenetsync_pool_idle_connections",
			Help: "Warm connections waiting in the pool",
		}, []string{"server"}),
		serverHealthy: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "usenetsync_pool_server_healthy",
			Help: "Whether the server is currently usable (1) or cooling down (0)",
		}, []string{"server"}),
		failureRate: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "usenetsync_pool_server_failure_rate",
			Help: "Exponential moving average of the server failure rate",
		}, []string{"server"}),
	}
}

// SetServer publishes one server's pool snapshot.
func (m *PoolMetrics) SetServer(server string, active int64, idle int, healthy bool, failureRate float64) {
	if m == nil {
		return
	}
	m.activeConns.WithLabelValues(server).Set(float64(active))
	m.idleConns.WithLabelValues(server).Set(float64(idle))
	h := 0.0
	if healthy {
		h = 1.0
	}
	m.serverHealthy.WithLabelValues(server).Set(h)
	m.failureRate.WithLabelValues(server).Set(failureRate)
}

// RetrieverMetrics observes downloads.
type RetrieverMetrics struct {
	segmentsFetched   prometheus.Counter
	bytesFetched      prometheus.Counter
	redundancyFallbacks prometheus.Counter
	integrityFailures prometheus.Counter
	fetchDuration     prometheus.Histogram
}

// NewRetrieverMetrics returns nil when metrics are disabled.
func NewRetrieverMetrics() *RetrieverMetrics {
	if !IsEnabled() {
		return nil
	}
	reg := GetRegistry()
	return &RetrieverMetrics{
		segmentsFetched: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "usenetsync_retriever_segments_fetched_total",
			Help: "Segments successfully fetched and decrypted",
		}),
		bytesFetched: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "usenetsync_retriever_bytes_fetched_total",
			Help: "Plaintext bytes recovered by the retriever",
		}),
		redundancyFallbacks: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "usenetsync_retriever_redundancy_fallbacks_total",
			Help: "Times a redundancy copy beyond the first was needed",
		}),
		integrityFailures: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "usenetsync_retriever_integrity_failures_total",
			Help: "Files whose final hash did not match the record",
		}),
		fetchDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "usenetsync_retriever_fetch_duration_seconds",
			Help:    "Duration of a single segment fetch",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// ObserveSegment records one recovered segment.
func (m *RetrieverMetrics) ObserveSegment(plainBytes int64, d time.Duration) {
	if m == nil {
		return
	}
	m.segmentsFetched.Inc()
	m.bytesFetched.Add(float64(plainBytes))
	m.fetchDuration.Observe(d.Seconds())
}

// ObserveFallback records the use of a redundancy copy beyond the first.
func (m *RetrieverMetrics) ObserveFallback() {
	if m == nil {
		return
	}
	m.redundancyFallbacks.Inc()
}

// ObserveIntegrityFailure records one file failing its final hash check.
func (m *RetrieverMetrics) ObserveIntegrityFailure() {
	if m == nil {
		return
	}
	m.integrityFailures.Inc()
}

// CacheMetrics observes the local article cache.
type CacheMetrics struct {
	hits   prometheus.Counter
	misses prometheus.Counter
	writes prometheus.Counter
	size   prometheus.Gauge
}

// NewCacheMetrics returns nil when metrics are disabled.
func NewCacheMetrics() *CacheMetrics {
	if !IsEnabled() {
		return nil
	}
	reg := GetRegistry()
	return &CacheMetrics{
		hits: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "usenetsync_cache_hits_total",
			Help: "Article cache hits",
		}),
		misses: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "usenetsync_cache_misses_total",
			Help: "Article cache misses",
		}),
		writes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "usenetsync_cache_writes_total",
			Help: "Article cache writes",
		}),
		size: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "usenetsync_cache_size_bytes",
			Help: "Approximate on-disk size of the article cache",
		}),
	}
}

// ObserveHit records a cache hit.
func (m *CacheMetrics) ObserveHit() {
	if m == nil {
		return
	}
	m.hits.Inc()
}

// ObserveMiss records a cache miss.
func (m *CacheMetrics) ObserveMiss() {
	if m == nil {
		return
	}
	m.misses.Inc()
}

// ObserveWrite records a cache write.
func (m *CacheMetrics) ObserveWrite() {
	if m == nil {
		return
	}
	m.writes.Inc()
}

// SetSize publishes the cache's approximate on-disk size.
func (m *CacheMetrics) SetSize(bytes int64) {
	if m == nil {
		return
	}
	m.size.Set(float64(bytes))
}
