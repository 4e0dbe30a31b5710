// Package handler はHTTPハンドラを提供する。
package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"regexp"
	"time"

	"github.com/go-chi/chi/v5"

	"encryption-service/internal/domain"
	"encryption-service/internal/middleware"
	"encryption-service/internal/usecase"
	"encryption-service/pkg/httputil"
)

var keyIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// KeyHandler は鍵ライフサイクルのHTTPハンドラを提供する。
// ローテーションと失効は鍵キャッシュの無効化を伴うためEncryptionService経由で行う。
type KeyHandler struct {
	service    *usecase.KeyService
	encryption *usecase.EncryptionService
}

// NewKeyHandler は新しいKeyHandlerを生成する。
func NewKeyHandler(service *usecase.KeyService, encryption *usecase.EncryptionService) *KeyHandler {
	return &KeyHandler{service: service, encryption: encryption}
}

func validateKeyID(keyID string) error {
	if keyID == "" || len(keyID) > 64 || !keyIDRegex.MatchString(keyID) {
		return errors.New("invalid key ID format")
	}
	return nil
}

func parseKeyType(value string) (domain.KeyType, error) {
	switch value {
	case "":
		return domain.KeyTypeEncryption, nil
	case string(domain.KeyTypeEncryption):
		return domain.KeyTypeEncryption, nil
	case string(domain.KeyTypeSigning):
		return domain.KeyTypeSigning, nil
	default:
		return "", errors.New("unknown key type")
	}
}

func parseKeyStatus(value string) (domain.KeyStatus, error) {
	switch value {
	case "":
		return "", nil
	case string(domain.KeyStatusActive):
		return domain.KeyStatusActive, nil
	case string(domain.KeyStatusDeprecated):
		return domain.KeyStatusDeprecated, nil
	case string(domain.KeyStatusRevoked):
		return domain.KeyStatusRevoked, nil
	default:
		return "", errors.New("unknown key status")
	}
}

// writeKeyError はドメインエラーをHTTPエラーレスポンスへ変換する。
func writeKeyError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrKeyNotFound):
		httputil.Error(w, http.StatusNotFound, "KEY_NOT_FOUND", "key not found")
	case errors.Is(err, domain.ErrActiveKeyExists):
		httputil.Error(w, http.StatusConflict, "KEY_ALREADY_EXISTS", "an active key already exists for this key type")
	case errors.Is(err, domain.ErrKeyNotActive):
		httputil.Error(w, http.StatusConflict, "KEY_NOT_ACTIVE", "key is not active")
	case errors.Is(err, domain.ErrKeyRevoked):
		httputil.Error(w, http.StatusGone, "KEY_REVOKED", "key has been revoked")
	case errors.Is(err, domain.ErrKeyUnavailable):
		httputil.Error(w, http.StatusServiceUnavailable, "KEY_UNAVAILABLE", "key material is unavailable")
	case errors.Is(err, domain.ErrUnsupportedAlgorithm):
		httputil.Error(w, http.StatusBadRequest, "UNSUPPORTED_ALGORITHM", "unsupported algorithm or key parameters")
	case errors.Is(err, domain.ErrMalformedEnvelope):
		httputil.Error(w, http.StatusBadRequest, "MALFORMED_ENVELOPE", "envelope is malformed")
	case errors.Is(err, domain.ErrDecryptionExhausted):
		httputil.Error(w, http.StatusUnprocessableEntity, "DECRYPTION_EXHAUSTED", "no candidate key could decrypt the data")
	case errors.Is(err, domain.ErrIntegrityFailure):
		httputil.Error(w, http.StatusUnprocessableEntity, "INTEGRITY_FAILURE", "integrity check failed")
	default:
		httputil.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
	}
}

// CreateKeyRequest は鍵生成リクエストの形式。
type CreateKeyRequest struct {
	KeyType              string `json:"key_type"`
	KeyLength            int    `json:"key_length"`
	RotationIntervalDays int    `json:"rotation_interval_days"`
	HSMBacked            bool   `json:"hsm_backed"`
	Escrow               bool   `json:"escrow"`
}

// KeyMetadataResponse は鍵メタデータのレスポンス形式。ラップ済み鍵素材は含まない。
type KeyMetadataResponse struct {
	KeyID                string `json:"key_id"`
	KeyType              string `json:"key_type"`
	Generation           uint   `json:"generation"`
	Status               string `json:"status"`
	Algorithm            string `json:"algorithm"`
	KeyLength            int    `json:"key_length"`
	RotationIntervalDays int    `json:"rotation_interval_days"`
	HSMBacked            bool   `json:"hsm_backed"`
	Escrow               bool   `json:"escrow"`
	UsageCount           uint64 `json:"usage_count"`
	CreatedAt            string `json:"created_at"`
	ExpiresAt            string `json:"expires_at,omitempty"`
}

// KeyListResponse は鍵一覧のレスポンス形式。
type KeyListResponse struct {
	Keys []KeyMetadataResponse `json:"keys"`
}

// RotatedKeysResponse は期限切れローテーションのレスポンス形式。
type RotatedKeysResponse struct {
	RotatedKeyIDs []string `json:"rotated_key_ids"`
	Count         int      `json:"count"`
}

func toKeyMetadataResponse(m *domain.KeyMetadata) KeyMetadataResponse {
	resp := KeyMetadataResponse{
		KeyID:                m.ID,
		KeyType:              string(m.KeyType),
		Generation:           m.Generation,
		Status:               string(m.Status),
		Algorithm:            m.Algorithm,
		KeyLength:            m.KeyLength,
		RotationIntervalDays: m.RotationIntervalDays,
		HSMBacked:            m.HSMBacked,
		Escrow:               m.Escrow,
		UsageCount:           m.UsageCount,
		CreatedAt:            m.CreatedAt.Format(time.RFC3339),
	}
	if !m.ExpiresAt.IsZero() {
		resp.ExpiresAt = m.ExpiresAt.Format(time.RFC3339)
	}
	return resp
}

// CreateKey は新しい暗号鍵を生成する。ボディは省略可能で、省略時は既定の
// ENCRYPTION/AES-256鍵を生成する。
func (h *KeyHandler) CreateKey(w http.ResponseWriter, r *http.Request) {
	var req CreateKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		httputil.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid request body")
		return
	}
	if req.RotationIntervalDays < 0 {
		httputil.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "rotation_interval_days must not be negative")
		return
	}
	keyType, err := parseKeyType(req.KeyType)
	if err != nil {
		httputil.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "unknown key type")
		return
	}

	key, err := h.service.GenerateKey(r.Context(), usecase.GenerateKeyParams{
		KeyType:              keyType,
		KeyLength:            req.KeyLength,
		RotationIntervalDays: req.RotationIntervalDays,
		HSMBacked:            req.HSMBacked,
		Escrow:               req.Escrow,
	})
	if err != nil {
		middleware.WriteAuditLog(r.Context(), "CREATE_KEY", "", "FAILED")
		writeKeyError(w, err)
		return
	}

	middleware.WriteAuditLog(r.Context(), "CREATE_KEY", key.ID, "SUCCESS")
	httputil.JSON(w, http.StatusCreated, toKeyMetadataResponse(key.Metadata()))
}

// ListKeys は鍵メタデータの一覧を取得する。typeとstatusクエリで絞り込める。
func (h *KeyHandler) ListKeys(w http.ResponseWriter, r *http.Request) {
	keyType, err := parseKeyType(r.URL.Query().Get("type"))
	if err != nil {
		httputil.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "unknown key type")
		return
	}
	status, err := parseKeyStatus(r.URL.Query().Get("status"))
	if err != nil {
		httputil.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "unknown key status")
		return
	}

	keys, err := h.service.ListKeys(r.Context(), keyType, status)
	if err != nil {
		writeKeyError(w, err)
		return
	}

	response := KeyListResponse{Keys: make([]KeyMetadataResponse, len(keys))}
	for i, key := range keys {
		response.Keys[i] = toKeyMetadataResponse(key)
	}
	httputil.JSON(w, http.StatusOK, response)
}

// GetCurrentKey は現行ACTIVE鍵のメタデータを取得する。
func (h *KeyHandler) GetCurrentKey(w http.ResponseWriter, r *http.Request) {
	keyType, err := parseKeyType(r.URL.Query().Get("type"))
	if err != nil {
		httputil.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "unknown key type")
		return
	}

	key, err := h.service.GetActiveKey(r.Context(), keyType)
	if err != nil {
		middleware.WriteAuditLog(r.Context(), "GET_CURRENT_KEY", "", "FAILED")
		writeKeyError(w, err)
		return
	}

	middleware.WriteAuditLog(r.Context(), "GET_CURRENT_KEY", key.ID, "SUCCESS")
	httputil.JSON(w, http.StatusOK, toKeyMetadataResponse(key.Metadata()))
}

// GetKey は指定されたIDの鍵メタデータを取得する。
func (h *KeyHandler) GetKey(w http.ResponseWriter, r *http.Request) {
	keyID := chi.URLParam(r, "key_id")
	if err := validateKeyID(keyID); err != nil {
		httputil.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid key ID format")
		return
	}

	key, err := h.service.GetKey(r.Context(), keyID)
	if err != nil {
		writeKeyError(w, err)
		return
	}
	httputil.JSON(w, http.StatusOK, toKeyMetadataResponse(key.Metadata()))
}

// RotateKey は指定された鍵をローテーションする。force=trueクエリで
// ACTIVEでない鍵も起点にできる。
func (h *KeyHandler) RotateKey(w http.ResponseWriter, r *http.Request) {
	keyID := chi.URLParam(r, "key_id")
	if err := validateKeyID(keyID); err != nil {
		httputil.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid key ID format")
		return
	}
	force := r.URL.Query().Get("force") == "true"

	newKey, err := h.encryption.RotateEncryptionKey(r.Context(), keyID, force)
	if err != nil {
		middleware.WriteAuditLog(r.Context(), "ROTATE_KEY", keyID, "FAILED")
		writeKeyError(w, err)
		return
	}

	middleware.WriteAuditLog(r.Context(), "ROTATE_KEY", newKey.ID, "SUCCESS")
	httputil.JSON(w, http.StatusCreated, toKeyMetadataResponse(newKey.Metadata()))
}

// RevokeKey は指定された鍵を失効させる。
func (h *KeyHandler) RevokeKey(w http.ResponseWriter, r *http.Request) {
	keyID := chi.URLParam(r, "key_id")
	if err := validateKeyID(keyID); err != nil {
		httputil.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid key ID format")
		return
	}

	if err := h.encryption.RevokeEncryptionKey(r.Context(), keyID); err != nil {
		middleware.WriteAuditLog(r.Context(), "REVOKE_KEY", keyID, "FAILED")
		writeKeyError(w, err)
		return
	}

	middleware.WriteAuditLog(r.Context(), "REVOKE_KEY", keyID, "SUCCESS")
	w.WriteHeader(http.StatusAccepted)
}

// RotateExpired は期限超過の全ACTIVE鍵をローテーションする。
func (h *KeyHandler) RotateExpired(w http.ResponseWriter, r *http.Request) {
	newIDs, err := h.encryption.RotateExpiredKeys(r.Context())
	if err != nil {
		middleware.WriteAuditLog(r.Context(), "ROTATE_EXPIRED", "", "FAILED")
		writeKeyError(w, err)
		return
	}

	middleware.WriteAuditLog(r.Context(), "ROTATE_EXPIRED", "", "SUCCESS")
	httputil.JSON(w, http.StatusOK, RotatedKeysResponse{
		RotatedKeyIDs: newIDs,
		Count:         len(newIDs),
	})
}
