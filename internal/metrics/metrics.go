// Package metrics は暗号化サービスのPrometheusメトリクスを提供する。
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OperationsTotal は暗号化・復号操作の総数。
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "encryption_operations_total",
			Help: "Total number of encryption operations by operation and result",
		},
		[]string{"operation", "result"},
	)

	// OperationDuration は暗号化・復号操作の所要時間。
	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "encryption_operation_duration_seconds",
			Help:    "Duration of encryption operations in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// DecryptFallbackAttempts は復号で試行した候補鍵の数。
	// 1は既定鍵で復号できたことを意味し、増加は非推奨鍵への依存を示す。
	DecryptFallbackAttempts = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "decrypt_fallback_attempts",
			Help:    "Number of candidate keys tried per decrypt operation",
			Buckets: prometheus.LinearBuckets(1, 1, 10),
		},
	)

	// KeyCacheHits は鍵キャッシュのヒット数。
	KeyCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "key_cache_hits_total",
			Help: "Total number of key cache hits",
		},
	)

	// KeyCacheMisses は鍵キャッシュのミス数。
	KeyCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "key_cache_misses_total",
			Help: "Total number of key cache misses",
		},
	)

	// KeysByStatus は鍵種別・状態ごとの鍵数。
	KeysByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "keys_by_status",
			Help: "Number of keys by key type and status",
		},
		[]string{"key_type", "status"},
	)

	// KeyRotationsTotal は鍵ローテーションの総数。
	KeyRotationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "key_rotations_total",
			Help: "Total number of key rotations by result",
		},
		[]string{"result"},
	)
)

// RecordOperation は操作の結果と所要時間を記録する。
func RecordOperation(operation string, err error, duration time.Duration) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	OperationsTotal.WithLabelValues(operation, result).Inc()
	OperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordFallbackAttempts は復号で試行した候補鍵の数を記録する。
func RecordFallbackAttempts(attempts int) {
	DecryptFallbackAttempts.Observe(float64(attempts))
}

// RecordCacheHit は鍵キャッシュのヒットを記録する。
func RecordCacheHit() {
	KeyCacheHits.Inc()
}

// RecordCacheMiss は鍵キャッシュのミスを記録する。
func RecordCacheMiss() {
	KeyCacheMisses.Inc()
}

// RecordRotation は鍵ローテーションの結果を記録する。
func RecordRotation(err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	KeyRotationsTotal.WithLabelValues(result).Inc()
}

// SetKeysByStatus は鍵種別・状態ごとの鍵数を設定する。
func SetKeysByStatus(keyType, status string, count int64) {
	KeysByStatus.WithLabelValues(keyType, status).Set(float64(count))
}
