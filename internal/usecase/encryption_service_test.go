package usecase

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"encryption-service/internal/domain"
)

// memBlobStore はテスト用のインメモリブロブストア。
type memBlobStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func newMemBlobStore() *memBlobStore {
	return &memBlobStore{blobs: make(map[string][]byte)}
}

func (m *memBlobStore) Put(ctx context.Context, name string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[name] = data
	return nil
}

func (m *memBlobStore) Get(ctx context.Context, name string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.blobs[name]
	if !ok {
		return nil, errors.New("blob not found")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memBlobStore) Delete(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blobs[name]; !ok {
		return errors.New("blob not found")
	}
	delete(m.blobs, name)
	return nil
}

func newTestEncryptionService(t *testing.T) (*EncryptionService, *KeyService, *KeyCache) {
	t.Helper()
	repo := newMemKeyRepository()
	keys := NewKeyService(repo, &mockKeyWrapper{}, 90)
	cache := NewKeyCache(time.Minute, 100)
	svc := NewEncryptionService(keys, cache, newMemBlobStore(), "memory", false)
	return svc, keys, cache
}

func TestEncryptionService_EncryptDecryptColumn(t *testing.T) {
	svc, keys, _ := newTestEncryptionService(t)
	ctx := context.Background()

	active, err := keys.EnsureActiveKey(ctx, domain.KeyTypeEncryption)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	env, usedID, err := svc.EncryptColumn(ctx, []byte("hello world"), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if usedID != active.ID {
		t.Errorf("want key %s, got %s", active.ID, usedID)
	}
	if env == "" {
		t.Fatal("expected non-empty envelope")
	}

	plaintext, decID, err := svc.DecryptColumn(ctx, env, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(plaintext) != "hello world" {
		t.Errorf("want hello world, got %s", plaintext)
	}
	if decID != active.ID {
		t.Errorf("want key %s, got %s", active.ID, decID)
	}
}

func TestEncryptionService_EncryptColumn_NoActiveKey(t *testing.T) {
	svc, _, _ := newTestEncryptionService(t)

	_, _, err := svc.EncryptColumn(context.Background(), []byte("data"), "")
	if !errors.Is(err, domain.ErrKeyNotFound) {
		t.Errorf("want ErrKeyNotFound, got %v", err)
	}
}

func TestEncryptionService_EncryptColumn_DeprecatedKeyRejected(t *testing.T) {
	svc, keys, _ := newTestEncryptionService(t)
	ctx := context.Background()

	old, err := keys.EnsureActiveKey(ctx, domain.KeyTypeEncryption)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := svc.RotateEncryptionKey(ctx, old.ID, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, _, err = svc.EncryptColumn(ctx, []byte("data"), old.ID)
	if !errors.Is(err, domain.ErrKeyNotActive) {
		t.Errorf("want ErrKeyNotActive, got %v", err)
	}
}

func TestEncryptionService_RotationPreservesDecryptability(t *testing.T) {
	svc, keys, _ := newTestEncryptionService(t)
	ctx := context.Background()

	oldKey, err := keys.EnsureActiveKey(ctx, domain.KeyTypeEncryption)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	oldEnv, _, err := svc.EncryptColumn(ctx, []byte("seed data"), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	newKey, err := svc.RotateEncryptionKey(ctx, oldKey.ID, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// 新しいデータは新しいACTIVE鍵で暗号化される
	newEnv, usedID, err := svc.EncryptColumn(ctx, []byte("fresh data"), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if usedID != newKey.ID {
		t.Errorf("want new key %s, got %s", newKey.ID, usedID)
	}

	// 古いエンベロープはDEPRECATED鍵へのフォールバックで復号できる
	plaintext, decID, err := svc.DecryptColumn(ctx, oldEnv, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(plaintext) != "seed data" {
		t.Errorf("want seed data, got %s", plaintext)
	}
	if decID != oldKey.ID {
		t.Errorf("want old key %s, got %s", oldKey.ID, decID)
	}

	plaintext, decID, err = svc.DecryptColumn(ctx, newEnv, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(plaintext) != "fresh data" {
		t.Errorf("want fresh data, got %s", plaintext)
	}
	if decID != newKey.ID {
		t.Errorf("want new key %s, got %s", newKey.ID, decID)
	}
}

func TestEncryptionService_MultipleRotations(t *testing.T) {
	svc, keys, _ := newTestEncryptionService(t)
	ctx := context.Background()

	current, err := keys.EnsureActiveKey(ctx, domain.KeyTypeEncryption)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	type era struct {
		keyID string
		env   string
		data  string
	}
	var eras []era

	for i := 0; i < 4; i++ {
		data := string(rune('a'+i)) + "-generation-data"
		env, usedID, err := svc.EncryptColumn(ctx, []byte(data), "")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		eras = append(eras, era{keyID: usedID, env: env, data: data})

		if i < 3 {
			current, err = svc.RotateEncryptionKey(ctx, current.ID, false)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		}
	}

	counts, err := keys.CountKeysByStatus(ctx, domain.KeyTypeEncryption)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if counts[domain.KeyStatusActive] != 1 {
		t.Errorf("want 1 active key, got %d", counts[domain.KeyStatusActive])
	}
	if counts[domain.KeyStatusDeprecated] != 3 {
		t.Errorf("want 3 deprecated keys, got %d", counts[domain.KeyStatusDeprecated])
	}

	// 全世代のエンベロープがそれぞれ当時の鍵で復号できる
	for _, e := range eras {
		plaintext, decID, err := svc.DecryptColumn(ctx, e.env, "")
		if err != nil {
			t.Fatalf("failed to decrypt era %s: %v", e.keyID, err)
		}
		if string(plaintext) != e.data {
			t.Errorf("want %s, got %s", e.data, plaintext)
		}
		if decID != e.keyID {
			t.Errorf("want key %s, got %s", e.keyID, decID)
		}
	}
}

func TestEncryptionService_DecryptColumn_WithHint(t *testing.T) {
	svc, keys, _ := newTestEncryptionService(t)
	ctx := context.Background()

	oldKey, err := keys.EnsureActiveKey(ctx, domain.KeyTypeEncryption)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	env, _, err := svc.EncryptColumn(ctx, []byte("hinted"), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := svc.RotateEncryptionKey(ctx, oldKey.ID, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	plaintext, decID, err := svc.DecryptColumn(ctx, env, oldKey.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(plaintext) != "hinted" {
		t.Errorf("want hinted, got %s", plaintext)
	}
	if decID != oldKey.ID {
		t.Errorf("want hinted key %s, got %s", oldKey.ID, decID)
	}
}

func TestEncryptionService_DecryptColumn_StaleHintFallsBack(t *testing.T) {
	svc, keys, _ := newTestEncryptionService(t)
	ctx := context.Background()

	oldKey, err := keys.EnsureActiveKey(ctx, domain.KeyTypeEncryption)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	newKey, err := svc.RotateEncryptionKey(ctx, oldKey.ID, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	env, _, err := svc.EncryptColumn(ctx, []byte("current era"), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// 誤ったヒントを渡しても他の候補で復号できる
	plaintext, decID, err := svc.DecryptColumn(ctx, env, oldKey.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(plaintext) != "current era" {
		t.Errorf("want current era, got %s", plaintext)
	}
	if decID != newKey.ID {
		t.Errorf("want key %s, got %s", newKey.ID, decID)
	}
}

func TestEncryptionService_RevokedKeyExcluded(t *testing.T) {
	svc, keys, _ := newTestEncryptionService(t)
	ctx := context.Background()

	oldKey, err := keys.EnsureActiveKey(ctx, domain.KeyTypeEncryption)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	env, _, err := svc.EncryptColumn(ctx, []byte("doomed"), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := svc.RotateEncryptionKey(ctx, oldKey.ID, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := svc.RevokeEncryptionKey(ctx, oldKey.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, _, err = svc.DecryptColumn(ctx, env, "")
	if !errors.Is(err, domain.ErrDecryptionExhausted) {
		t.Errorf("want ErrDecryptionExhausted, got %v", err)
	}

	// ヒント付きでもREVOKED鍵は候補にならない
	_, _, err = svc.DecryptColumn(ctx, env, oldKey.ID)
	if !errors.Is(err, domain.ErrDecryptionExhausted) {
		t.Errorf("want ErrDecryptionExhausted with hint, got %v", err)
	}
}

func TestEncryptionService_DecryptColumn_Malformed(t *testing.T) {
	svc, keys, _ := newTestEncryptionService(t)
	ctx := context.Background()

	if _, err := keys.EnsureActiveKey(ctx, domain.KeyTypeEncryption); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, _, err := svc.DecryptColumn(ctx, "not-base64!!", "")
	if !errors.Is(err, domain.ErrMalformedEnvelope) {
		t.Errorf("want ErrMalformedEnvelope, got %v", err)
	}
}

func TestEncryptionService_CacheInvalidatedOnRotation(t *testing.T) {
	svc, keys, cache := newTestEncryptionService(t)
	ctx := context.Background()

	active, err := keys.EnsureActiveKey(ctx, domain.KeyTypeEncryption)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, _, err := svc.EncryptColumn(ctx, []byte("warm the cache"), ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cache.Len() == 0 {
		t.Fatal("expected cache to hold key material after encrypt")
	}

	if _, err := svc.RotateEncryptionKey(ctx, active.ID, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cache.Len() != 0 {
		t.Errorf("want empty cache after rotation, got %d entries", cache.Len())
	}
}

func TestEncryptionService_FileRoundTrip(t *testing.T) {
	svc, keys, _ := newTestEncryptionService(t)
	ctx := context.Background()

	active, err := keys.EnsureActiveKey(ctx, domain.KeyTypeEncryption)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// 複数チャンクにまたがるサイズ
	plaintext := make([]byte, 150*1024)
	if _, err := rand.Read(plaintext); err != nil {
		t.Fatalf("failed to generate plaintext: %v", err)
	}

	usedID, err := svc.EncryptFile(ctx, "report.enc", bytes.NewReader(plaintext))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if usedID != active.ID {
		t.Errorf("want key %s, got %s", active.ID, usedID)
	}

	var got bytes.Buffer
	decID, err := svc.DecryptFile(ctx, "report.enc", &got)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decID != active.ID {
		t.Errorf("want key %s, got %s", active.ID, decID)
	}
	if !bytes.Equal(got.Bytes(), plaintext) {
		t.Error("decrypted file does not match plaintext")
	}
}

func TestEncryptionService_FileDecryptAfterRotation(t *testing.T) {
	svc, keys, _ := newTestEncryptionService(t)
	ctx := context.Background()

	oldKey, err := keys.EnsureActiveKey(ctx, domain.KeyTypeEncryption)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	plaintext := []byte("file body from the previous key era")
	if _, err := svc.EncryptFile(ctx, "old.enc", bytes.NewReader(plaintext)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := svc.RotateEncryptionKey(ctx, oldKey.ID, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var got bytes.Buffer
	decID, err := svc.DecryptFile(ctx, "old.enc", &got)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decID != oldKey.ID {
		t.Errorf("want old key %s, got %s", oldKey.ID, decID)
	}
	if !bytes.Equal(got.Bytes(), plaintext) {
		t.Error("decrypted file does not match plaintext")
	}
}

func TestEncryptionService_FileNotFound(t *testing.T) {
	svc, keys, _ := newTestEncryptionService(t)
	ctx := context.Background()

	if _, err := keys.EnsureActiveKey(ctx, domain.KeyTypeEncryption); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var got bytes.Buffer
	if _, err := svc.DecryptFile(ctx, "missing.enc", &got); err == nil {
		t.Error("expected error for missing file, got nil")
	}
}

func TestEncryptionService_DeleteFile(t *testing.T) {
	svc, keys, _ := newTestEncryptionService(t)
	ctx := context.Background()

	if _, err := keys.EnsureActiveKey(ctx, domain.KeyTypeEncryption); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := svc.EncryptFile(ctx, "gone.enc", strings.NewReader("bye")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := svc.DeleteFile(ctx, "gone.enc"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var got bytes.Buffer
	if _, err := svc.DecryptFile(ctx, "gone.enc", &got); err == nil {
		t.Error("expected error after delete, got nil")
	}
}

func TestEncryptionService_StreamEmptyPayload(t *testing.T) {
	svc, keys, _ := newTestEncryptionService(t)
	ctx := context.Background()

	active, err := keys.EnsureActiveKey(ctx, domain.KeyTypeEncryption)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var envelope bytes.Buffer
	if _, err := svc.EncryptStream(ctx, &envelope, bytes.NewReader(nil), ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var got bytes.Buffer
	usedID, err := svc.DecryptStream(ctx, &got, &envelope, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Len() != 0 {
		t.Errorf("want empty plaintext, got %d bytes", got.Len())
	}
	if usedID != active.ID {
		t.Errorf("want key %s, got %s", active.ID, usedID)
	}
}

func TestEncryptionService_DecryptStream_TamperedLaterChunk(t *testing.T) {
	svc, keys, _ := newTestEncryptionService(t)
	ctx := context.Background()

	if _, err := keys.EnsureActiveKey(ctx, domain.KeyTypeEncryption); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// 2チャンク分の平文
	plaintext := make([]byte, 70*1024)
	if _, err := rand.Read(plaintext); err != nil {
		t.Fatalf("failed to generate plaintext: %v", err)
	}

	var envelope bytes.Buffer
	if _, err := svc.EncryptStream(ctx, &envelope, bytes.NewReader(plaintext), ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	data := envelope.Bytes()
	data[len(data)-1] ^= 0x01

	var got bytes.Buffer
	_, err := svc.DecryptStream(ctx, &got, bytes.NewReader(data), "")
	if !errors.Is(err, domain.ErrIntegrityFailure) {
		t.Fatalf("want ErrIntegrityFailure, got %v", err)
	}
	// 改ざん前のチャンクの平文は既に書き出されている
	if got.Len() != 64*1024 {
		t.Errorf("want 65536 bytes of verified plaintext, got %d", got.Len())
	}
}

func TestEncryptionService_DecryptStream_TamperedFirstChunk(t *testing.T) {
	svc, keys, _ := newTestEncryptionService(t)
	ctx := context.Background()

	if _, err := keys.EnsureActiveKey(ctx, domain.KeyTypeEncryption); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var envelope bytes.Buffer
	if _, err := svc.EncryptStream(ctx, &envelope, strings.NewReader("single chunk"), ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	data := envelope.Bytes()
	data[len(data)-1] ^= 0x01

	// 最初のチャンクで全候補が失敗した場合は候補探索の失敗になる
	var got bytes.Buffer
	_, err := svc.DecryptStream(ctx, &got, bytes.NewReader(data), "")
	if !errors.Is(err, domain.ErrDecryptionExhausted) {
		t.Fatalf("want ErrDecryptionExhausted, got %v", err)
	}
	if got.Len() != 0 {
		t.Errorf("want no plaintext output, got %d bytes", got.Len())
	}
}

func TestEncryptionService_GetEncryptionMetadata(t *testing.T) {
	svc, keys, _ := newTestEncryptionService(t)
	ctx := context.Background()

	first, err := keys.EnsureActiveKey(ctx, domain.KeyTypeEncryption)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := svc.RotateEncryptionKey(ctx, first.ID, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := svc.RotateEncryptionKey(ctx, second.ID, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := svc.RevokeEncryptionKey(ctx, first.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	metadata, err := svc.GetEncryptionMetadata(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if metadata.Algorithm != domain.AlgorithmAES256GCM {
		t.Errorf("want algorithm AES-256-GCM, got %s", metadata.Algorithm)
	}
	if metadata.TotalKeys != 3 {
		t.Errorf("want 3 total keys, got %d", metadata.TotalKeys)
	}
	if metadata.KeysByStatus[domain.KeyStatusActive] != 1 {
		t.Errorf("want 1 active, got %d", metadata.KeysByStatus[domain.KeyStatusActive])
	}
	if metadata.KeysByStatus[domain.KeyStatusDeprecated] != 1 {
		t.Errorf("want 1 deprecated, got %d", metadata.KeysByStatus[domain.KeyStatusDeprecated])
	}
	if metadata.KeysByStatus[domain.KeyStatusRevoked] != 1 {
		t.Errorf("want 1 revoked, got %d", metadata.KeysByStatus[domain.KeyStatusRevoked])
	}
	if metadata.NextExpiry.IsZero() {
		t.Error("expected next expiry to be set")
	}
}

func TestEncryptionService_GetDatabaseEncryptionStatus(t *testing.T) {
	svc, keys, _ := newTestEncryptionService(t)
	ctx := context.Background()

	status, err := svc.GetDatabaseEncryptionStatus(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status.Enabled {
		t.Error("want disabled status without an active key")
	}
	if status.KEKProvider != "mock" {
		t.Errorf("want KEK provider mock, got %s", status.KEKProvider)
	}
	if status.BlobBackend != "memory" {
		t.Errorf("want blob backend memory, got %s", status.BlobBackend)
	}

	active, err := keys.EnsureActiveKey(ctx, domain.KeyTypeEncryption)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	status, err = svc.GetDatabaseEncryptionStatus(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !status.Enabled {
		t.Error("want enabled status with an active key")
	}
	if status.ActiveKeyID != active.ID {
		t.Errorf("want active key %s, got %s", active.ID, status.ActiveKeyID)
	}
	if status.ActiveGeneration != 1 {
		t.Errorf("want generation 1, got %d", status.ActiveGeneration)
	}
	if status.RotationDue {
		t.Error("want rotation not due for a fresh key")
	}
}

func TestEncryptionService_RotateExpiredKeys(t *testing.T) {
	repo := newMemKeyRepository()
	keys := NewKeyService(repo, &mockKeyWrapper{}, 90)
	cache := NewKeyCache(time.Minute, 100)
	svc := NewEncryptionService(keys, cache, newMemBlobStore(), "memory", false)
	ctx := context.Background()

	material := bytes.Repeat([]byte{0x42}, 32)
	repo.seed(&domain.EncryptionKey{
		ID:                   "key-expired",
		KeyType:              domain.KeyTypeEncryption,
		Generation:           1,
		Status:               domain.KeyStatusActive,
		Algorithm:            domain.AlgorithmAES256GCM,
		KeyLength:            domain.KeyLengthAES256,
		WrappedKey:           wrapMaterial(material),
		RotationIntervalDays: 90,
		CreatedAt:            time.Now().AddDate(0, 0, -120),
	})

	env, _, err := svc.EncryptColumn(ctx, []byte("pre-rotation"), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	newIDs, err := svc.RotateExpiredKeys(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(newIDs) != 1 {
		t.Fatalf("want 1 rotated key, got %d", len(newIDs))
	}
	if cache.Len() != 0 {
		t.Errorf("want empty cache after rotation, got %d entries", cache.Len())
	}

	plaintext, decID, err := svc.DecryptColumn(ctx, env, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(plaintext) != "pre-rotation" {
		t.Errorf("want pre-rotation, got %s", plaintext)
	}
	if decID != "key-expired" {
		t.Errorf("want key-expired, got %s", decID)
	}
}
