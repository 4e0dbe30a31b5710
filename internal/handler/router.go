package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"encryption-service/config"
)

// NewRouter はルーターを生成する。
func NewRouter(keys *KeyHandler, encryption *EncryptionHandler, cfg *config.Config) http.Handler {
	r := chi.NewRouter()

	// ミドルウェア
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	// 運用エンドポイント
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	// ルート定義
	r.Route("/v1", func(r chi.Router) {
		r.Route("/keys", func(r chi.Router) {
			r.Post("/", keys.CreateKey)
			r.Get("/", keys.ListKeys)
			r.Get("/current", keys.GetCurrentKey)
			r.Post("/rotate-expired", keys.RotateExpired)
			r.Get("/{key_id}", keys.GetKey)
			r.Post("/{key_id}/rotate", keys.RotateKey)
			r.Post("/{key_id}/revoke", keys.RevokeKey)
		})
		r.Route("/columns", func(r chi.Router) {
			r.Post("/encrypt", encryption.EncryptColumn)
			r.Post("/decrypt", encryption.DecryptColumn)
		})
		r.Route("/files", func(r chi.Router) {
			r.Put("/{name}", encryption.UploadFile)
			r.Get("/{name}", encryption.DownloadFile)
		})
		r.Route("/encryption", func(r chi.Router) {
			r.Get("/metadata", encryption.GetMetadata)
			r.Get("/status", encryption.GetStatus)
		})
	})

	if cfg.OtelEnabled {
		return otelhttp.NewHandler(r, cfg.OtelServiceName)
	}
	return r
}
