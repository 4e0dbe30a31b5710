package handler

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"github.com/go-chi/chi/v5"

	"encryption-service/internal/blobstore"
	"encryption-service/internal/middleware"
	"encryption-service/internal/usecase"
	"encryption-service/pkg/httputil"
)

// maxColumnBody はカラム暗号化・復号リクエストボディの上限。
const maxColumnBody = 1 << 20

// ブロブ名は英数字始まりに限定する。FSStoreの一時ファイルと衝突しない。
var blobNameRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// EncryptionHandler は暗号化・復号のHTTPハンドラを提供する。
type EncryptionHandler struct {
	service *usecase.EncryptionService
}

// NewEncryptionHandler は新しいEncryptionHandlerを生成する。
func NewEncryptionHandler(service *usecase.EncryptionService) *EncryptionHandler {
	return &EncryptionHandler{service: service}
}

func validateBlobName(name string) error {
	if name == "" || len(name) > 255 || !blobNameRegex.MatchString(name) {
		return errors.New("invalid file name")
	}
	return nil
}

// EncryptColumnRequest はカラム暗号化リクエストの形式。平文はbase64で渡す。
type EncryptColumnRequest struct {
	Plaintext string `json:"plaintext"`
	KeyID     string `json:"key_id"`
}

// EncryptColumnResponse はカラム暗号化レスポンスの形式。
type EncryptColumnResponse struct {
	Envelope string `json:"envelope"`
	KeyID    string `json:"key_id"`
}

// DecryptColumnRequest はカラム復号リクエストの形式。key_idは省略可能な
// ヒントで、復号は候補鍵の探索で行われる。
type DecryptColumnRequest struct {
	Envelope string `json:"envelope"`
	KeyID    string `json:"key_id"`
}

// DecryptColumnResponse はカラム復号レスポンスの形式。
type DecryptColumnResponse struct {
	Plaintext string `json:"plaintext"`
	KeyID     string `json:"key_id"`
}

// FileResponse はファイル暗号化レスポンスの形式。
type FileResponse struct {
	Name  string `json:"name"`
	KeyID string `json:"key_id"`
}

// EncryptColumn はカラム値を暗号化する。
func (h *EncryptionHandler) EncryptColumn(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxColumnBody)

	var req EncryptColumnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid request body")
		return
	}
	if req.KeyID != "" {
		if err := validateKeyID(req.KeyID); err != nil {
			httputil.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid key ID format")
			return
		}
	}
	plaintext, err := base64.StdEncoding.DecodeString(req.Plaintext)
	if err != nil {
		httputil.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "plaintext must be base64 encoded")
		return
	}

	env, usedID, err := h.service.EncryptColumn(r.Context(), plaintext, req.KeyID)
	if err != nil {
		middleware.WriteAuditLog(r.Context(), "ENCRYPT_COLUMN", req.KeyID, "FAILED")
		writeKeyError(w, err)
		return
	}

	middleware.WriteAuditLog(r.Context(), "ENCRYPT_COLUMN", usedID, "SUCCESS")
	httputil.JSON(w, http.StatusOK, EncryptColumnResponse{
		Envelope: env,
		KeyID:    usedID,
	})
}

// DecryptColumn はカラムエンベロープを復号する。
func (h *EncryptionHandler) DecryptColumn(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxColumnBody)

	var req DecryptColumnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid request body")
		return
	}
	if req.Envelope == "" {
		httputil.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "envelope is required")
		return
	}
	if req.KeyID != "" {
		if err := validateKeyID(req.KeyID); err != nil {
			httputil.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid key ID format")
			return
		}
	}

	plaintext, usedID, err := h.service.DecryptColumn(r.Context(), req.Envelope, req.KeyID)
	if err != nil {
		middleware.WriteAuditLog(r.Context(), "DECRYPT_COLUMN", req.KeyID, "FAILED")
		writeKeyError(w, err)
		return
	}

	middleware.WriteAuditLog(r.Context(), "DECRYPT_COLUMN", usedID, "SUCCESS")
	httputil.JSON(w, http.StatusOK, DecryptColumnResponse{
		Plaintext: base64.StdEncoding.EncodeToString(plaintext),
		KeyID:     usedID,
	})
}

// UploadFile はリクエストボディを暗号化してブロブストアへ保存する。
func (h *EncryptionHandler) UploadFile(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := validateBlobName(name); err != nil {
		httputil.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid file name")
		return
	}

	usedID, err := h.service.EncryptFile(r.Context(), name, r.Body)
	if err != nil {
		middleware.WriteAuditLog(r.Context(), "ENCRYPT_FILE", "", "FAILED")
		writeKeyError(w, err)
		return
	}

	middleware.WriteAuditLog(r.Context(), "ENCRYPT_FILE", usedID, "SUCCESS")
	httputil.JSON(w, http.StatusCreated, FileResponse{
		Name:  name,
		KeyID: usedID,
	})
}

// countingWriter は書き出し済みバイト数を追跡する。レスポンスボディへの
// 書き込みが始まった後はステータスコードを変更できないため、エラー処理の
// 分岐に使う。
type countingWriter struct {
	w http.ResponseWriter
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// DownloadFile はブロブストアの暗号化済みファイルを復号して返す。
// 平文は検証済みチャンクごとに逐次送出される。途中のチャンクで検証に
// 失敗した場合、レスポンスは切り捨てられる。
func (h *EncryptionHandler) DownloadFile(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := validateBlobName(name); err != nil {
		httputil.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid file name")
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	cw := &countingWriter{w: w}
	usedID, err := h.service.DecryptFile(r.Context(), name, cw)
	if err != nil {
		middleware.WriteAuditLog(r.Context(), "DECRYPT_FILE", usedID, "FAILED")
		if cw.n > 0 {
			// ボディ送出後はエラーレスポンスへ変更できない
			slog.ErrorContext(r.Context(), "file decryption failed mid-stream",
				"name", name,
				"bytes_written", cw.n,
				"error", err,
			)
			return
		}
		if errors.Is(err, blobstore.ErrNotFound) {
			httputil.Error(w, http.StatusNotFound, "NOT_FOUND", "file not found")
			return
		}
		writeKeyError(w, err)
		return
	}

	middleware.WriteAuditLog(r.Context(), "DECRYPT_FILE", usedID, "SUCCESS")
}

// EncryptionMetadataResponse は暗号化メタデータのレスポンス形式。
type EncryptionMetadataResponse struct {
	Algorithm    string           `json:"algorithm"`
	FIPSMode     bool             `json:"fips_mode"`
	TotalKeys    int64            `json:"total_keys"`
	KeysByStatus map[string]int64 `json:"keys_by_status"`
	NextExpiry   string           `json:"next_expiry,omitempty"`
	GeneratedAt  string           `json:"generated_at"`
}

// GetMetadata は暗号化基盤のメタデータを返す。
func (h *EncryptionHandler) GetMetadata(w http.ResponseWriter, r *http.Request) {
	metadata, err := h.service.GetEncryptionMetadata(r.Context())
	if err != nil {
		writeKeyError(w, err)
		return
	}

	byStatus := make(map[string]int64, len(metadata.KeysByStatus))
	for status, count := range metadata.KeysByStatus {
		byStatus[string(status)] = count
	}
	resp := EncryptionMetadataResponse{
		Algorithm:    metadata.Algorithm,
		FIPSMode:     metadata.FIPSMode,
		TotalKeys:    metadata.TotalKeys,
		KeysByStatus: byStatus,
		GeneratedAt:  metadata.GeneratedAt.Format(time.RFC3339),
	}
	if !metadata.NextExpiry.IsZero() {
		resp.NextExpiry = metadata.NextExpiry.Format(time.RFC3339)
	}
	httputil.JSON(w, http.StatusOK, resp)
}

// EncryptionStatusResponse は保存時暗号化の状態レスポンス形式。
type EncryptionStatusResponse struct {
	Enabled          bool   `json:"enabled"`
	ActiveKeyID      string `json:"active_key_id,omitempty"`
	ActiveGeneration uint   `json:"active_generation,omitempty"`
	ActiveKeyAgeDays int    `json:"active_key_age_days"`
	RotationDue      bool   `json:"rotation_due"`
	CachedKeys       int    `json:"cached_keys"`
	KEKProvider      string `json:"kek_provider"`
	BlobBackend      string `json:"blob_backend"`
	CheckedAt        string `json:"checked_at"`
}

// GetStatus は保存時暗号化の現在の状態を返す。
func (h *EncryptionHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.service.GetDatabaseEncryptionStatus(r.Context())
	if err != nil {
		writeKeyError(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, EncryptionStatusResponse{
		Enabled:          status.Enabled,
		ActiveKeyID:      status.ActiveKeyID,
		ActiveGeneration: status.ActiveGeneration,
		ActiveKeyAgeDays: status.ActiveKeyAgeDays,
		RotationDue:      status.RotationDue,
		CachedKeys:       status.CachedKeys,
		KEKProvider:      status.KEKProvider,
		BlobBackend:      status.BlobBackend,
		CheckedAt:        status.CheckedAt.Format(time.RFC3339),
	})
}
