// Package metrics exposes the Encryption Key Proxy's counter and
// histogram set through Prometheus, the promauto/CounterVec/HistogramVec
// idiom used throughout this codebase.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var defaultRegistry = prometheus.DefaultRegisterer

// Metrics holds every counter, gauge, and histogram the EKP emits. The
// names mirror the original's CounterCollection fields
// (baseCipherKeyIdCacheHits, baseCipherDomainIdCacheMisses,
// numResponseWithErrors, numEncryptionKeyRefreshErrors,
// blobMetadataCacheHits/Misses, blobMetadataRefreshed,
// numBlobMetadataRefreshErrors) one-for-one.
type Metrics struct {
	byIDCacheHits     prometheus.Counter
	byIDCacheMisses   prometheus.Counter
	latestCacheHits   prometheus.Counter
	latestCacheMisses prometheus.Counter
	blobCacheHits     prometheus.Counter
	blobCacheMisses   prometheus.Counter

	responsesWithErrors *prometheus.CounterVec
	kmsRetries          *prometheus.CounterVec
	kmsLookupDuration   *prometheus.HistogramVec

	latestEvictions prometheus.Counter
	blobEvictions   prometheus.Counter

	keyRefreshErrors  prometheus.Counter
	blobRefreshErrors prometheus.Counter
	blobRefreshed     prometheus.Counter

	poolConnectionsOpen *prometheus.GaugeVec

	gatherer prometheus.Gatherer
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// NewMetrics registers the default metric set against the global
// Prometheus registry. The set is registered once per process; later
// calls return the same Metrics.
func NewMetrics() *Metrics {
	defaultOnce.Do(func() { defaultMetrics = newMetricsWithRegistry(defaultRegistry) })
	return defaultMetrics
}

func newMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	gatherer, _ := reg.(prometheus.Gatherer)
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	m := &Metrics{
		byIDCacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "ekp_by_id_cache_hits_total",
			Help: "Cache hits against the by-(domain,baseCipherId) cipher key cache.",
		}),
		byIDCacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "ekp_by_id_cache_misses_total",
			Help: "Cache misses against the by-(domain,baseCipherId) cipher key cache.",
		}),
		latestCacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "ekp_latest_cache_hits_total",
			Help: "Cache hits against the latest-base-cipher-key-per-domain cache.",
		}),
		latestCacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "ekp_latest_cache_misses_total",
			Help: "Cache misses against the latest-base-cipher-key-per-domain cache.",
		}),
		blobCacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "ekp_blob_metadata_cache_hits_total",
			Help: "Cache hits against the blob metadata cache.",
		}),
		blobCacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "ekp_blob_metadata_cache_misses_total",
			Help: "Cache misses against the blob metadata cache.",
		}),
		responsesWithErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ekp_responses_with_errors_total",
			Help: "Handler replies carrying a client-replyable error, by endpoint.",
		}, []string{"endpoint"}),
		kmsRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ekp_kms_retries_total",
			Help: "Retry attempts issued by the KMS retry wrapper, by operation.",
		}, []string{"op"}),
		kmsLookupDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ekp_kms_lookup_duration_seconds",
			Help:    "KMS round-trip duration, by operation.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		latestEvictions: factory.NewCounter(prometheus.CounterOpts{
			Name: "ekp_latest_cache_evictions_total",
			Help: "Entries evicted from the latest-cache by the cipher-key refresher's GC sweep.",
		}),
		blobEvictions: factory.NewCounter(prometheus.CounterOpts{
			Name: "ekp_blob_metadata_cache_evictions_total",
			Help: "Entries evicted from the blob metadata cache by the blob-metadata refresher's GC sweep.",
		}),
		keyRefreshErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "ekp_encryption_key_refresh_errors_total",
			Help: "Retryable errors swallowed by the cipher-key refresher.",
		}),
		blobRefreshErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "ekp_blob_metadata_refresh_errors_total",
			Help: "Retryable errors swallowed by the blob-metadata refresher.",
		}),
		blobRefreshed: factory.NewCounter(prometheus.CounterOpts{
			Name: "ekp_blob_metadata_refreshed_total",
			Help: "Blob metadata entries successfully refreshed.",
		}),
		poolConnectionsOpen: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ekp_pool_connections_open",
			Help: "Live pooled connections per (host,service) pool key.",
		}, []string{"host", "service"}),
	}
	m.gatherer = gatherer
	return m
}

// RecordByIDCache records a by-id cache probe outcome.
func (m *Metrics) RecordByIDCache(hit bool) {
	if hit {
		m.byIDCacheHits.Inc()
		return
	}
	m.byIDCacheMisses.Inc()
}

// RecordLatestCache records a latest-cache probe outcome.
func (m *Metrics) RecordLatestCache(hit bool) {
	if hit {
		m.latestCacheHits.Inc()
		return
	}
	m.latestCacheMisses.Inc()
}

// RecordBlobCache records a blob-metadata cache probe outcome.
func (m *Metrics) RecordBlobCache(hit bool) {
	if hit {
		m.blobCacheHits.Inc()
		return
	}
	m.blobCacheMisses.Inc()
}

// RecordResponseError increments the error-reply counter for an endpoint.
func (m *Metrics) RecordResponseError(endpoint string) {
	m.responsesWithErrors.WithLabelValues(endpoint).Inc()
}

// RecordKMSRetry increments the retry counter for a KMS operation.
func (m *Metrics) RecordKMSRetry(op string) {
	m.kmsRetries.WithLabelValues(op).Inc()
}

// ObserveKMSLookup records how long a KMS round-trip took.
func (m *Metrics) ObserveKMSLookup(op string, d time.Duration) {
	m.kmsLookupDuration.WithLabelValues(op).Observe(d.Seconds())
}

// RecordLatestEvictions adds n to the latest-cache eviction counter.
func (m *Metrics) RecordLatestEvictions(n int) {
	if n > 0 {
		m.latestEvictions.Add(float64(n))
	}
}

// RecordBlobEvictions adds n to the blob-metadata eviction counter.
func (m *Metrics) RecordBlobEvictions(n int) {
	if n > 0 {
		m.blobEvictions.Add(float64(n))
	}
}

// RecordKeyRefreshError increments the swallowed cipher-key refresh error counter.
func (m *Metrics) RecordKeyRefreshError() { m.keyRefreshErrors.Inc() }

// RecordBlobRefreshError increments the swallowed blob refresh error counter.
func (m *Metrics) RecordBlobRefreshError() { m.blobRefreshErrors.Inc() }

// RecordBlobRefreshed adds n to the successfully-refreshed blob metadata counter.
func (m *Metrics) RecordBlobRefreshed(n int) {
	if n > 0 {
		m.blobRefreshed.Add(float64(n))
	}
}

// SetPoolConnectionsOpen reports the current queue length for a pool key.
func (m *Metrics) SetPoolConnectionsOpen(host, service string, n int) {
	m.poolConnectionsOpen.WithLabelValues(host, service).Set(float64(n))
}

// Handler returns the HTTP handler serving the Prometheus exposition format
// for the registry this Metrics set was created against.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
