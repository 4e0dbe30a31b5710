package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"encryption-service/internal/blobstore"
	"encryption-service/internal/domain"
	"encryption-service/internal/usecase"
)

// mockKeyRepository はテスト用のモックリポジトリ。
type mockKeyRepository struct {
	createErr           error
	findByIDResult      *domain.EncryptionKey
	findByIDErr         error
	findActiveResult    *domain.EncryptionKey
	findActiveErr       error
	findByTypeResult    []*domain.EncryptionKey
	findByStatusResult  []*domain.EncryptionKey
	findAllActiveResult []*domain.EncryptionKey
	maxGenResult        uint
	updateStatusErr     error
	countResult         map[domain.KeyStatus]int64
	rotateErr           error
	createdKeys         []*domain.EncryptionKey
	rotatedFrom         []string
}

func (m *mockKeyRepository) Create(ctx context.Context, key *domain.EncryptionKey) error {
	if m.createErr != nil {
		return m.createErr
	}
	key.ID = "key-created"
	key.CreatedAt = time.Now()
	key.UpdatedAt = key.CreatedAt
	m.createdKeys = append(m.createdKeys, key)
	return nil
}

func (m *mockKeyRepository) FindByID(ctx context.Context, id string) (*domain.EncryptionKey, error) {
	return m.findByIDResult, m.findByIDErr
}

func (m *mockKeyRepository) FindActiveByType(ctx context.Context, keyType domain.KeyType) (*domain.EncryptionKey, error) {
	return m.findActiveResult, m.findActiveErr
}

func (m *mockKeyRepository) FindByType(ctx context.Context, keyType domain.KeyType) ([]*domain.EncryptionKey, error) {
	return m.findByTypeResult, nil
}

func (m *mockKeyRepository) FindByTypeAndStatus(ctx context.Context, keyType domain.KeyType, status domain.KeyStatus) ([]*domain.EncryptionKey, error) {
	return m.findByStatusResult, nil
}

func (m *mockKeyRepository) FindAllActive(ctx context.Context) ([]*domain.EncryptionKey, error) {
	return m.findAllActiveResult, nil
}

func (m *mockKeyRepository) GetMaxGeneration(ctx context.Context, keyType domain.KeyType) (uint, error) {
	return m.maxGenResult, nil
}

func (m *mockKeyRepository) UpdateStatus(ctx context.Context, id string, status domain.KeyStatus) error {
	return m.updateStatusErr
}

func (m *mockKeyRepository) IncrementUsageCount(ctx context.Context, id string) error {
	return nil
}

func (m *mockKeyRepository) CountByTypeAndStatus(ctx context.Context, keyType domain.KeyType) (map[domain.KeyStatus]int64, error) {
	return m.countResult, nil
}

func (m *mockKeyRepository) Rotate(ctx context.Context, oldKeyID string, force bool, newKey *domain.EncryptionKey) error {
	if m.rotateErr != nil {
		return m.rotateErr
	}
	m.rotatedFrom = append(m.rotatedFrom, oldKeyID)
	newKey.ID = "key-rotated"
	newKey.Generation = m.maxGenResult + 1
	newKey.CreatedAt = time.Now()
	newKey.UpdatedAt = newKey.CreatedAt
	return nil
}

// mockKeyWrapper はテスト用のKEKラッパー。
type mockKeyWrapper struct {
	wrapErr   error
	unwrapErr error
}

func (m *mockKeyWrapper) Wrap(ctx context.Context, plaintext []byte) ([]byte, error) {
	if m.wrapErr != nil {
		return nil, m.wrapErr
	}
	return append([]byte("wrapped:"), plaintext...), nil
}

func (m *mockKeyWrapper) Unwrap(ctx context.Context, wrapped []byte) ([]byte, error) {
	if m.unwrapErr != nil {
		return nil, m.unwrapErr
	}
	if !bytes.HasPrefix(wrapped, []byte("wrapped:")) {
		return nil, errors.New("unexpected wrapped format")
	}
	return append([]byte(nil), wrapped[len("wrapped:"):]...), nil
}

func (m *mockKeyWrapper) Name() string { return "mock" }

func wrapMaterial(material []byte) []byte {
	return append([]byte("wrapped:"), material...)
}

// activeTestKey は復号可能な素材を持つACTIVE鍵のフィクスチャを返す。
func activeTestKey() *domain.EncryptionKey {
	return &domain.EncryptionKey{
		ID:                   "key-0001",
		KeyType:              domain.KeyTypeEncryption,
		Generation:           1,
		Status:               domain.KeyStatusActive,
		Algorithm:            domain.AlgorithmAES256GCM,
		KeyLength:            domain.KeyLengthAES256,
		WrappedKey:           wrapMaterial(bytes.Repeat([]byte{0x5a}, 32)),
		RotationIntervalDays: 90,
		CreatedAt:            time.Now(),
		UpdatedAt:            time.Now(),
	}
}

func newTestServices(t *testing.T, repo *mockKeyRepository) (*usecase.KeyService, *usecase.EncryptionService) {
	t.Helper()
	keys := usecase.NewKeyService(repo, &mockKeyWrapper{}, 90)
	store, err := blobstore.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create blob store: %v", err)
	}
	encryption := usecase.NewEncryptionService(keys, usecase.NewKeyCache(time.Minute, 100), store, "fs", false)
	return keys, encryption
}

func setupKeyHandler(t *testing.T, repo *mockKeyRepository) *KeyHandler {
	t.Helper()
	keys, encryption := newTestServices(t, repo)
	return NewKeyHandler(keys, encryption)
}

// withURLParam はchiのルートパラメータをリクエストに注入する。
func withURLParam(req *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var resp map[string]interface{}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return resp
}

func TestCreateKey_Success(t *testing.T) {
	repo := &mockKeyRepository{}
	h := setupKeyHandler(t, repo)

	req := httptest.NewRequest(http.MethodPost, "/v1/keys", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	h.CreateKey(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("want status 201, got %d", rec.Code)
	}
	resp := decodeBody(t, rec)
	if resp["key_id"] != "key-created" {
		t.Errorf("want key_id key-created, got %v", resp["key_id"])
	}
	if resp["status"] != "active" {
		t.Errorf("want status active, got %v", resp["status"])
	}
	if resp["algorithm"] != "AES-256-GCM" {
		t.Errorf("want algorithm AES-256-GCM, got %v", resp["algorithm"])
	}
}

func TestCreateKey_EmptyBody(t *testing.T) {
	repo := &mockKeyRepository{}
	h := setupKeyHandler(t, repo)

	req := httptest.NewRequest(http.MethodPost, "/v1/keys", nil)
	rec := httptest.NewRecorder()
	h.CreateKey(rec, req)

	if rec.Code != http.StatusCreated {
		t.Errorf("want status 201 for empty body, got %d", rec.Code)
	}
}

func TestCreateKey_ActiveExists(t *testing.T) {
	repo := &mockKeyRepository{findActiveResult: activeTestKey()}
	h := setupKeyHandler(t, repo)

	req := httptest.NewRequest(http.MethodPost, "/v1/keys", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	h.CreateKey(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("want status 409, got %d", rec.Code)
	}
	resp := decodeBody(t, rec)
	if resp["code"] != "KEY_ALREADY_EXISTS" {
		t.Errorf("want code KEY_ALREADY_EXISTS, got %v", resp["code"])
	}
}

func TestCreateKey_InvalidBody(t *testing.T) {
	repo := &mockKeyRepository{}
	h := setupKeyHandler(t, repo)

	req := httptest.NewRequest(http.MethodPost, "/v1/keys", strings.NewReader(`{bad json`))
	rec := httptest.NewRecorder()
	h.CreateKey(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("want status 400, got %d", rec.Code)
	}
}

func TestCreateKey_UnsupportedType(t *testing.T) {
	repo := &mockKeyRepository{}
	h := setupKeyHandler(t, repo)

	req := httptest.NewRequest(http.MethodPost, "/v1/keys", strings.NewReader(`{"key_type":"SIGNING"}`))
	rec := httptest.NewRecorder()
	h.CreateKey(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("want status 400, got %d", rec.Code)
	}
	resp := decodeBody(t, rec)
	if resp["code"] != "UNSUPPORTED_ALGORITHM" {
		t.Errorf("want code UNSUPPORTED_ALGORITHM, got %v", resp["code"])
	}
}

func TestCreateKey_UnknownType(t *testing.T) {
	repo := &mockKeyRepository{}
	h := setupKeyHandler(t, repo)

	req := httptest.NewRequest(http.MethodPost, "/v1/keys", strings.NewReader(`{"key_type":"RSA"}`))
	rec := httptest.NewRecorder()
	h.CreateKey(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("want status 400, got %d", rec.Code)
	}
	resp := decodeBody(t, rec)
	if resp["code"] != "VALIDATION_ERROR" {
		t.Errorf("want code VALIDATION_ERROR, got %v", resp["code"])
	}
}

func TestGetKey_Success(t *testing.T) {
	repo := &mockKeyRepository{findByIDResult: activeTestKey()}
	h := setupKeyHandler(t, repo)

	req := withURLParam(httptest.NewRequest(http.MethodGet, "/v1/keys/key-0001", nil), "key_id", "key-0001")
	rec := httptest.NewRecorder()
	h.GetKey(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("want status 200, got %d", rec.Code)
	}
	resp := decodeBody(t, rec)
	if resp["key_id"] != "key-0001" {
		t.Errorf("want key_id key-0001, got %v", resp["key_id"])
	}
	if _, ok := resp["wrapped_key"]; ok {
		t.Error("wrapped key material must not appear in responses")
	}
}

func TestGetKey_NotFound(t *testing.T) {
	repo := &mockKeyRepository{}
	h := setupKeyHandler(t, repo)

	req := withURLParam(httptest.NewRequest(http.MethodGet, "/v1/keys/key-missing", nil), "key_id", "key-missing")
	rec := httptest.NewRecorder()
	h.GetKey(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("want status 404, got %d", rec.Code)
	}
}

func TestGetKey_InvalidID(t *testing.T) {
	repo := &mockKeyRepository{}
	h := setupKeyHandler(t, repo)

	req := withURLParam(httptest.NewRequest(http.MethodGet, "/v1/keys/bad@id", nil), "key_id", "bad@id")
	rec := httptest.NewRecorder()
	h.GetKey(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("want status 400, got %d", rec.Code)
	}
}

func TestGetCurrentKey_Success(t *testing.T) {
	repo := &mockKeyRepository{findActiveResult: activeTestKey()}
	h := setupKeyHandler(t, repo)

	req := httptest.NewRequest(http.MethodGet, "/v1/keys/current", nil)
	rec := httptest.NewRecorder()
	h.GetCurrentKey(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("want status 200, got %d", rec.Code)
	}
	resp := decodeBody(t, rec)
	if resp["key_id"] != "key-0001" {
		t.Errorf("want key_id key-0001, got %v", resp["key_id"])
	}
}

func TestGetCurrentKey_NotFound(t *testing.T) {
	repo := &mockKeyRepository{}
	h := setupKeyHandler(t, repo)

	req := httptest.NewRequest(http.MethodGet, "/v1/keys/current", nil)
	rec := httptest.NewRecorder()
	h.GetCurrentKey(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("want status 404, got %d", rec.Code)
	}
}

func TestListKeys_Success(t *testing.T) {
	second := activeTestKey()
	second.ID = "key-0002"
	second.Generation = 2
	first := activeTestKey()
	first.Status = domain.KeyStatusDeprecated
	repo := &mockKeyRepository{findByTypeResult: []*domain.EncryptionKey{second, first}}
	h := setupKeyHandler(t, repo)

	req := httptest.NewRequest(http.MethodGet, "/v1/keys", nil)
	rec := httptest.NewRecorder()
	h.ListKeys(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("want status 200, got %d", rec.Code)
	}
	var resp KeyListResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.Keys) != 2 {
		t.Fatalf("want 2 keys, got %d", len(resp.Keys))
	}
	if resp.Keys[0].KeyID != "key-0002" {
		t.Errorf("want key-0002 first, got %s", resp.Keys[0].KeyID)
	}
}

func TestListKeys_UnknownStatus(t *testing.T) {
	repo := &mockKeyRepository{}
	h := setupKeyHandler(t, repo)

	req := httptest.NewRequest(http.MethodGet, "/v1/keys?status=frozen", nil)
	rec := httptest.NewRecorder()
	h.ListKeys(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("want status 400, got %d", rec.Code)
	}
}

func TestRotateKey_Success(t *testing.T) {
	repo := &mockKeyRepository{findByIDResult: activeTestKey(), maxGenResult: 1}
	h := setupKeyHandler(t, repo)

	req := withURLParam(httptest.NewRequest(http.MethodPost, "/v1/keys/key-0001/rotate", nil), "key_id", "key-0001")
	rec := httptest.NewRecorder()
	h.RotateKey(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("want status 201, got %d", rec.Code)
	}
	resp := decodeBody(t, rec)
	if resp["key_id"] != "key-rotated" {
		t.Errorf("want key_id key-rotated, got %v", resp["key_id"])
	}
	if resp["generation"] != float64(2) {
		t.Errorf("want generation 2, got %v", resp["generation"])
	}
	if len(repo.rotatedFrom) != 1 || repo.rotatedFrom[0] != "key-0001" {
		t.Errorf("want rotation anchored on key-0001, got %v", repo.rotatedFrom)
	}
}

func TestRotateKey_NotActive(t *testing.T) {
	deprecated := activeTestKey()
	deprecated.Status = domain.KeyStatusDeprecated
	repo := &mockKeyRepository{findByIDResult: deprecated}
	h := setupKeyHandler(t, repo)

	req := withURLParam(httptest.NewRequest(http.MethodPost, "/v1/keys/key-0001/rotate", nil), "key_id", "key-0001")
	rec := httptest.NewRecorder()
	h.RotateKey(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("want status 409, got %d", rec.Code)
	}
	resp := decodeBody(t, rec)
	if resp["code"] != "KEY_NOT_ACTIVE" {
		t.Errorf("want code KEY_NOT_ACTIVE, got %v", resp["code"])
	}
}

func TestRotateKey_Force(t *testing.T) {
	deprecated := activeTestKey()
	deprecated.Status = domain.KeyStatusDeprecated
	repo := &mockKeyRepository{findByIDResult: deprecated, maxGenResult: 2}
	h := setupKeyHandler(t, repo)

	req := withURLParam(httptest.NewRequest(http.MethodPost, "/v1/keys/key-0001/rotate?force=true", nil), "key_id", "key-0001")
	rec := httptest.NewRecorder()
	h.RotateKey(rec, req)

	if rec.Code != http.StatusCreated {
		t.Errorf("want status 201, got %d", rec.Code)
	}
}

func TestRotateKey_NotFound(t *testing.T) {
	repo := &mockKeyRepository{}
	h := setupKeyHandler(t, repo)

	req := withURLParam(httptest.NewRequest(http.MethodPost, "/v1/keys/key-missing/rotate", nil), "key_id", "key-missing")
	rec := httptest.NewRecorder()
	h.RotateKey(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("want status 404, got %d", rec.Code)
	}
}

func TestRevokeKey_Success(t *testing.T) {
	repo := &mockKeyRepository{findByIDResult: activeTestKey()}
	h := setupKeyHandler(t, repo)

	req := withURLParam(httptest.NewRequest(http.MethodPost, "/v1/keys/key-0001/revoke", nil), "key_id", "key-0001")
	rec := httptest.NewRecorder()
	h.RevokeKey(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Errorf("want status 202, got %d", rec.Code)
	}
}

func TestRevokeKey_AlreadyRevoked(t *testing.T) {
	revoked := activeTestKey()
	revoked.Status = domain.KeyStatusRevoked
	repo := &mockKeyRepository{findByIDResult: revoked}
	h := setupKeyHandler(t, repo)

	req := withURLParam(httptest.NewRequest(http.MethodPost, "/v1/keys/key-0001/revoke", nil), "key_id", "key-0001")
	rec := httptest.NewRecorder()
	h.RevokeKey(rec, req)

	if rec.Code != http.StatusGone {
		t.Fatalf("want status 410, got %d", rec.Code)
	}
	resp := decodeBody(t, rec)
	if resp["code"] != "KEY_REVOKED" {
		t.Errorf("want code KEY_REVOKED, got %v", resp["code"])
	}
}

func TestRotateExpired_Success(t *testing.T) {
	expired := activeTestKey()
	expired.CreatedAt = time.Now().AddDate(0, 0, -120)
	repo := &mockKeyRepository{
		findAllActiveResult: []*domain.EncryptionKey{expired},
		findByIDResult:      expired,
		maxGenResult:        1,
	}
	h := setupKeyHandler(t, repo)

	req := httptest.NewRequest(http.MethodPost, "/v1/keys/rotate-expired", nil)
	rec := httptest.NewRecorder()
	h.RotateExpired(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("want status 200, got %d", rec.Code)
	}
	var resp RotatedKeysResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Count != 1 || len(resp.RotatedKeyIDs) != 1 {
		t.Fatalf("want 1 rotated key, got %d", resp.Count)
	}
	if resp.RotatedKeyIDs[0] != "key-rotated" {
		t.Errorf("want key-rotated, got %s", resp.RotatedKeyIDs[0])
	}
}

func TestRotateExpired_NoneDue(t *testing.T) {
	repo := &mockKeyRepository{findAllActiveResult: []*domain.EncryptionKey{activeTestKey()}}
	h := setupKeyHandler(t, repo)

	req := httptest.NewRequest(http.MethodPost, "/v1/keys/rotate-expired", nil)
	rec := httptest.NewRecorder()
	h.RotateExpired(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("want status 200, got %d", rec.Code)
	}
	var resp RotatedKeysResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Count != 0 {
		t.Errorf("want 0 rotated keys, got %d", resp.Count)
	}
}
