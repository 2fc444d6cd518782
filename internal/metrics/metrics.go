package metrics

import (
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kenneth/sharecrypt/internal/crypto"
)

const namespace = "sharecrypt"

// Metrics holds all application metrics.
type Metrics struct {
	gatherer prometheus.Gatherer

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	blocksTotal         *prometheus.CounterVec
	blockBytesTotal     *prometheus.CounterVec
	cryptoErrors        *prometheus.CounterVec
	shareKeysWritten    prometheus.Counter
	keyWrapDuration     *prometheus.HistogramVec
	storageOperations   *prometheus.CounterVec
	storageDuration     *prometheus.HistogramVec
	storageErrors       *prometheus.CounterVec
	activeStreams       prometheus.Gauge
	goroutines          prometheus.Gauge
	memoryAllocBytes    prometheus.Gauge
}

var _ crypto.Recorder = (*Metrics)(nil)

// NewMetrics creates metrics registered with the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

// NewMetricsWithRegistry creates metrics on a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		gatherer: gatherer,
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		blocksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "blocks_total",
				Help:      "Total number of blocks encrypted or decrypted",
			},
			[]string{"operation"}, // "encrypt" or "decrypt"
		),
		blockBytesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "block_bytes_total",
				Help:      "Total plaintext bytes encrypted or decrypted",
			},
			[]string{"operation"},
		),
		cryptoErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "crypto_errors_total",
				Help:      "Total number of cryptographic failures",
			},
			[]string{"operation", "error_type"},
		),
		shareKeysWritten: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "share_keys_written_total",
				Help:      "Total number of share keys persisted",
			},
		),
		keyWrapDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "key_wrap_duration_seconds",
				Help:      "Duration of wrapping a file key for all recipients",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
			},
			[]string{"recipients"},
		),
		storageOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "storage_operations_total",
				Help:      "Total number of storage backend operations",
			},
			[]string{"operation", "backend"},
		),
		storageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "storage_operation_duration_seconds",
				Help:      "Storage backend operation duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation", "backend"},
		),
		storageErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "storage_errors_total",
				Help:      "Total number of storage backend errors",
			},
			[]string{"operation", "backend"},
		),
		activeStreams: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_streams",
				Help:      "Number of open encryption streams",
			},
		),
		goroutines: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "goroutines",
				Help:      "Number of goroutines",
			},
		),
		memoryAllocBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "memory_alloc_bytes",
				Help:      "Number of bytes allocated and not yet freed",
			},
		),
	}
}

// RecordHTTPRequest records an HTTP request metric.
func (m *Metrics) RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordBlock implements crypto.Recorder.
func (m *Metrics) RecordBlock(operation string, bytes int) {
	m.blocksTotal.WithLabelValues(operation).Inc()
	m.blockBytesTotal.WithLabelValues(operation).Add(float64(bytes))
}

// RecordCryptoError implements crypto.Recorder.
func (m *Metrics) RecordCryptoError(operation, errorType string) {
	m.cryptoErrors.WithLabelValues(operation, errorType).Inc()
}

// RecordShareKeys implements crypto.Recorder.
func (m *Metrics) RecordShareKeys(count int) {
	m.shareKeysWritten.Add(float64(count))
}

// RecordKeyWrap implements crypto.Recorder. Recipient counts are bucketed
// to keep label cardinality bounded.
func (m *Metrics) RecordKeyWrap(recipients int, duration time.Duration) {
	m.keyWrapDuration.WithLabelValues(recipientBucket(recipients)).Observe(duration.Seconds())
}

func recipientBucket(n int) string {
	switch {
	case n <= 1:
		return "1"
	case n <= 5:
		return "2-5"
	case n <= 20:
		return "6-20"
	default:
		return "21+"
	}
}

// RecordStorageOperation records a storage backend operation.
func (m *Metrics) RecordStorageOperation(operation, backend string, duration time.Duration, err error) {
	m.storageOperations.WithLabelValues(operation, backend).Inc()
	m.storageDuration.WithLabelValues(operation, backend).Observe(duration.Seconds())
	if err != nil {
		m.storageErrors.WithLabelValues(operation, backend).Inc()
	}
}

// StreamOpened increments the open stream gauge.
func (m *Metrics) StreamOpened() {
	m.activeStreams.Inc()
}

// StreamClosed decrements the open stream gauge.
func (m *Metrics) StreamClosed() {
	m.activeStreams.Dec()
}

// UpdateSystemMetrics updates system-level metrics (goroutines, memory).
func (m *Metrics) UpdateSystemMetrics() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.goroutines.Set(float64(runtime.NumGoroutine()))
	m.memoryAllocBytes.Set(float64(memStats.Alloc))
}

// StartSystemMetricsCollector updates system metrics every interval until
// stop is closed.
func (m *Metrics) StartSystemMetricsCollector(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.UpdateSystemMetrics()
			case <-stop:
				return
			}
		}
	}()
}

// Handler returns the HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
