// Package config はアプリケーション設定の読み込みを提供する。
package config

import (
	"os"
	"strconv"
)

// Config はアプリケーション設定を表す。
type Config struct {
	Port        string
	DatabaseURL string
	LogLevel    string

	// KEK設定
	KEKProvider string // "gcpkms" または "local"
	KMSKeyName  string
	LocalKEKKey string

	// 鍵キャッシュ設定
	KeyCacheTTLSeconds int
	KeyCacheMaxSize    int

	// ローテーションポリシー
	DefaultRotationIntervalDays int

	// 暗号化ファイルの保存先
	BlobBackend string // "fs" または "s3"
	BlobDir     string
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	S3Bucket    string
	S3UseSSL    bool

	// コンプライアンス
	FIPSMode bool

	// 可観測性
	OtelEnabled        bool
	OtelEndpoint       string
	OtelServiceName    string
	OtelSamplingRate   float64
	GoogleCloudProject string

	MigrationsDir string
}

// Load は環境変数から設定を読み込む。
func Load() *Config {
	return &Config{
		Port:        getEnv("PORT", "8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		LogLevel:    getEnv("LOG_LEVEL", "INFO"),

		KEKProvider: getEnv("KEK_PROVIDER", "local"),
		KMSKeyName:  os.Getenv("KMS_KEY_NAME"),
		LocalKEKKey: os.Getenv("LOCAL_KEK_KEY"),

		KeyCacheTTLSeconds: getEnvInt("KEY_CACHE_TTL_SECONDS", 300),
		KeyCacheMaxSize:    getEnvInt("KEY_CACHE_MAX_SIZE", 1000),

		DefaultRotationIntervalDays: getEnvInt("DEFAULT_ROTATION_INTERVAL_DAYS", 90),

		BlobBackend: getEnv("BLOB_BACKEND", "fs"),
		BlobDir:     getEnv("BLOB_DIR", "/var/lib/encryption-service/blobs"),
		S3Endpoint:  os.Getenv("S3_ENDPOINT"),
		S3AccessKey: os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey: os.Getenv("S3_SECRET_KEY"),
		S3Bucket:    getEnv("S3_BUCKET", "encrypted-files"),
		S3UseSSL:    getEnvBool("S3_USE_SSL", true),

		FIPSMode: getEnvBool("FIPS_MODE", false),

		OtelEnabled:        getEnvBool("OTEL_ENABLED", false),
		OtelEndpoint:       getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		OtelServiceName:    getEnv("OTEL_SERVICE_NAME", "encryption-service"),
		OtelSamplingRate:   getEnvFloat("OTEL_SAMPLING_RATE", 0.1),
		GoogleCloudProject: os.Getenv("GOOGLE_CLOUD_PROJECT"),

		MigrationsDir: getEnv("MIGRATIONS_DIR", "migrations"),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}
