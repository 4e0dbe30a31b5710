// Package main はAPIサーバーのエントリポイント。
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"encryption-service/config"
	"encryption-service/internal/blobstore"
	"encryption-service/internal/domain"
	"encryption-service/internal/handler"
	"encryption-service/internal/infra"
	"encryption-service/internal/repository"
	"encryption-service/internal/usecase"
)

func main() {
	ctx := context.Background()

	// .envファイルを読み込む（存在しない場合は無視）
	// 既存の環境変数は上書きしない
	_ = godotenv.Load()

	// 設定読み込み
	cfg := config.Load()

	// ログレベル設定
	var logLevel slog.Level
	switch cfg.LogLevel {
	case "DEBUG":
		logLevel = slog.LevelDebug
	case "WARN":
		logLevel = slog.LevelWarn
	case "ERROR":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	// トレーサー初期化（ロガー設定の前に実行）
	tp, err := infra.InitTracer(ctx, cfg)
	if err != nil {
		slog.Error("failed to init tracer", "error", err)
		os.Exit(1)
	}
	if tp != nil {
		defer func() {
			if err := tp.Shutdown(ctx); err != nil {
				slog.Error("failed to shutdown tracer", "error", err)
			}
		}()
	}

	// トレース情報付きロガーを設定
	infra.SetupLogger(cfg, logLevel)

	// DB初期化
	if cfg.DatabaseURL == "" {
		slog.Error("DATABASE_URL is not set")
		os.Exit(1)
	}
	db, err := infra.NewDB(cfg.DatabaseURL, cfg)
	if err != nil {
		slog.Error("failed to init database", "error", err)
		os.Exit(1)
	}

	// KEKプロバイダー初期化
	wrapper, err := infra.NewKeyWrapper(ctx, cfg)
	if err != nil {
		slog.Error("failed to init KEK provider", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := wrapper.Close(); closeErr != nil {
			slog.Error("failed to close KEK provider", "error", closeErr)
		}
	}()
	if cfg.FIPSMode && wrapper.Name() == "local" {
		slog.Warn("FIPS mode is enabled but the local KEK provider uses XChaCha20-Poly1305")
	}

	// ブロブストア初期化
	var blobs usecase.BlobStore
	switch cfg.BlobBackend {
	case "fs":
		store, err := blobstore.NewFSStore(cfg.BlobDir)
		if err != nil {
			slog.Error("failed to init blob store", "error", err)
			os.Exit(1)
		}
		blobs = store
	case "s3":
		store, err := blobstore.NewS3Store(ctx, blobstore.S3Config{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			UseSSL:    cfg.S3UseSSL,
		})
		if err != nil {
			slog.Error("failed to init blob store", "error", err)
			os.Exit(1)
		}
		blobs = store
	default:
		slog.Error("unknown blob backend", "backend", cfg.BlobBackend)
		os.Exit(1)
	}

	// DI
	repo := repository.NewKeyRepository(db)
	service := usecase.NewKeyService(repo, wrapper, cfg.DefaultRotationIntervalDays)
	cache := usecase.NewKeyCache(time.Duration(cfg.KeyCacheTTLSeconds)*time.Second, cfg.KeyCacheMaxSize)
	encryption := usecase.NewEncryptionService(service, cache, blobs, cfg.BlobBackend, cfg.FIPSMode)
	keyHandler := handler.NewKeyHandler(service, encryption)
	encryptionHandler := handler.NewEncryptionHandler(encryption)
	router := handler.NewRouter(keyHandler, encryptionHandler, cfg)

	// 起動時にENCRYPTION鍵のACTIVE世代を保証する
	if _, err := service.EnsureActiveKey(ctx, domain.KeyTypeEncryption); err != nil {
		slog.Error("failed to ensure active encryption key", "error", err)
		os.Exit(1)
	}

	// サーバー起動
	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		<-sigCh

		slog.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("starting server", "port", cfg.Port, "kek_provider", wrapper.Name(), "blob_backend", cfg.BlobBackend)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}
