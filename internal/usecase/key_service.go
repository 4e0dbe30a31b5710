// Package usecase はアプリケーションのユースケースを実装する。
package usecase

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"time"

	"encryption-service/internal/domain"
)

// KeyRepository はデータアクセスのインターフェース。
type KeyRepository interface {
	Create(ctx context.Context, key *domain.EncryptionKey) error
	FindByID(ctx context.Context, id string) (*domain.EncryptionKey, error)
	FindActiveByType(ctx context.Context, keyType domain.KeyType) (*domain.EncryptionKey, error)
	FindByType(ctx context.Context, keyType domain.KeyType) ([]*domain.EncryptionKey, error)
	FindByTypeAndStatus(ctx context.Context, keyType domain.KeyType, status domain.KeyStatus) ([]*domain.EncryptionKey, error)
	FindAllActive(ctx context.Context) ([]*domain.EncryptionKey, error)
	GetMaxGeneration(ctx context.Context, keyType domain.KeyType) (uint, error)
	UpdateStatus(ctx context.Context, id string, status domain.KeyStatus) error
	IncrementUsageCount(ctx context.Context, id string) error
	CountByTypeAndStatus(ctx context.Context, keyType domain.KeyType) (map[domain.KeyStatus]int64, error)
	Rotate(ctx context.Context, oldKeyID string, force bool, newKey *domain.EncryptionKey) error
}

// KeyWrapper は鍵素材のラップ・アンラップのインターフェース。
type KeyWrapper interface {
	Wrap(ctx context.Context, plaintext []byte) ([]byte, error)
	Unwrap(ctx context.Context, wrapped []byte) ([]byte, error)
	Name() string
}

// GenerateKeyParams は鍵生成のパラメータを表す。
type GenerateKeyParams struct {
	KeyType              domain.KeyType
	KeyLength            int
	RotationIntervalDays int
	HSMBacked            bool
	Escrow               bool
}

// KeyService は鍵ライフサイクル管理を提供する。
// key_typeごとにACTIVE鍵が1つだけ存在するという不変条件を維持する。
type KeyService struct {
	repo    KeyRepository
	wrapper KeyWrapper

	defaultRotationIntervalDays int
}

// NewKeyService は新しいKeyServiceを生成する。
func NewKeyService(repo KeyRepository, wrapper KeyWrapper, defaultRotationIntervalDays int) *KeyService {
	return &KeyService{
		repo:                        repo,
		wrapper:                     wrapper,
		defaultRotationIntervalDays: defaultRotationIntervalDays,
	}
}

// generateKeyMaterial はAES-256鍵素材をCSPRNGから生成する。
func generateKeyMaterial() ([]byte, error) {
	key := make([]byte, domain.KeyLengthAES256)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating random key: %w", err)
	}
	return key, nil
}

// GenerateKey は新しいACTIVE鍵を生成する。
// サポート対象はAES-256のENCRYPTION鍵のみで、それ以外はErrUnsupportedAlgorithm。
// 既にACTIVE鍵が存在するタイプにはErrActiveKeyExistsを返す（ローテーションを使う）。
func (s *KeyService) GenerateKey(ctx context.Context, params GenerateKeyParams) (*domain.EncryptionKey, error) {
	if params.KeyType == "" {
		params.KeyType = domain.KeyTypeEncryption
	}
	if params.KeyType != domain.KeyTypeEncryption {
		return nil, fmt.Errorf("%w: key type %s", domain.ErrUnsupportedAlgorithm, params.KeyType)
	}
	if params.KeyLength == 0 {
		params.KeyLength = domain.KeyLengthAES256
	}
	if params.KeyLength != domain.KeyLengthAES256 {
		return nil, fmt.Errorf("%w: key length %d", domain.ErrUnsupportedAlgorithm, params.KeyLength)
	}
	if params.RotationIntervalDays < 0 {
		return nil, fmt.Errorf("invalid rotation interval: %d", params.RotationIntervalDays)
	}
	if params.RotationIntervalDays == 0 {
		params.RotationIntervalDays = s.defaultRotationIntervalDays
	}

	existing, err := s.repo.FindActiveByType(ctx, params.KeyType)
	if err != nil {
		return nil, fmt.Errorf("checking existing active key: %w", err)
	}
	if existing != nil {
		return nil, domain.ErrActiveKeyExists
	}

	material, err := generateKeyMaterial()
	if err != nil {
		return nil, err
	}
	wrapped, err := s.wrapper.Wrap(ctx, material)
	if err != nil {
		return nil, fmt.Errorf("wrapping key material: %w", err)
	}

	maxGen, err := s.repo.GetMaxGeneration(ctx, params.KeyType)
	if err != nil {
		return nil, fmt.Errorf("getting max generation: %w", err)
	}

	key := &domain.EncryptionKey{
		KeyType:              params.KeyType,
		Generation:           maxGen + 1,
		Status:               domain.KeyStatusActive,
		Algorithm:            domain.AlgorithmAES256GCM,
		KeyLength:            params.KeyLength,
		WrappedKey:           wrapped,
		RotationIntervalDays: params.RotationIntervalDays,
		HSMBacked:            params.HSMBacked,
		Escrow:               params.Escrow,
	}
	if err := s.repo.Create(ctx, key); err != nil {
		return nil, fmt.Errorf("creating key: %w", err)
	}
	return key, nil
}

// GetKey は指定されたIDの鍵を取得する。
func (s *KeyService) GetKey(ctx context.Context, keyID string) (*domain.EncryptionKey, error) {
	key, err := s.repo.FindByID(ctx, keyID)
	if err != nil {
		return nil, fmt.Errorf("finding key: %w", err)
	}
	if key == nil {
		return nil, domain.ErrKeyNotFound
	}
	return key, nil
}

// GetActiveKey は指定されたタイプの現行ACTIVE鍵を取得する。
func (s *KeyService) GetActiveKey(ctx context.Context, keyType domain.KeyType) (*domain.EncryptionKey, error) {
	key, err := s.repo.FindActiveByType(ctx, keyType)
	if err != nil {
		return nil, fmt.Errorf("finding active key: %w", err)
	}
	if key == nil {
		return nil, domain.ErrKeyNotFound
	}
	return key, nil
}

// EnsureActiveKey は指定されたタイプのACTIVE鍵を返し、存在しない場合は
// 既定ポリシーで作成する。起動時に一度呼び出すことで、以後の呼び出し経路での
// 遅延作成を不要にする。
func (s *KeyService) EnsureActiveKey(ctx context.Context, keyType domain.KeyType) (*domain.EncryptionKey, error) {
	key, err := s.repo.FindActiveByType(ctx, keyType)
	if err != nil {
		return nil, fmt.Errorf("finding active key: %w", err)
	}
	if key != nil {
		return key, nil
	}

	created, err := s.GenerateKey(ctx, GenerateKeyParams{
		KeyType:              keyType,
		KeyLength:            domain.KeyLengthAES256,
		RotationIntervalDays: s.defaultRotationIntervalDays,
	})
	if err != nil {
		// 併走する初期化が先に作成した場合はその鍵を使う
		if existing, findErr := s.repo.FindActiveByType(ctx, keyType); findErr == nil && existing != nil {
			return existing, nil
		}
		return nil, err
	}
	slog.InfoContext(ctx, "created initial active key",
		"key_type", created.KeyType,
		"key_id", created.ID,
		"generation", created.Generation,
	)
	return created, nil
}

// GetKeyMaterial は鍵素材をアンラップして返す。
// REVOKED鍵の素材は返さない。存在しない鍵はErrKeyNotFoundとする。
func (s *KeyService) GetKeyMaterial(ctx context.Context, keyID string) ([]byte, error) {
	key, err := s.repo.FindByID(ctx, keyID)
	if err != nil {
		return nil, fmt.Errorf("finding key: %w", err)
	}
	if key == nil {
		return nil, domain.ErrKeyNotFound
	}
	if key.Status == domain.KeyStatusRevoked {
		return nil, fmt.Errorf("%w: key %s is revoked", domain.ErrKeyUnavailable, keyID)
	}

	material, err := s.wrapper.Unwrap(ctx, key.WrappedKey)
	if err != nil {
		return nil, fmt.Errorf("%w: unwrapping key material: %v", domain.ErrKeyUnavailable, err)
	}
	return material, nil
}

// ListKeys は指定されたタイプの鍵メタデータを新しい世代順で取得する。
// statusが空の場合は全ステータスを対象とする。
func (s *KeyService) ListKeys(ctx context.Context, keyType domain.KeyType, status domain.KeyStatus) ([]*domain.KeyMetadata, error) {
	var (
		keys []*domain.EncryptionKey
		err  error
	)
	if status == "" {
		keys, err = s.repo.FindByType(ctx, keyType)
	} else {
		keys, err = s.repo.FindByTypeAndStatus(ctx, keyType, status)
	}
	if err != nil {
		return nil, fmt.Errorf("finding keys: %w", err)
	}

	metadata := make([]*domain.KeyMetadata, len(keys))
	for i, k := range keys {
		metadata[i] = k.Metadata()
	}
	return metadata, nil
}

// DeprecatedKeys は指定されたタイプのDEPRECATED鍵を新しい世代順で返す。
// 復号フォールバック探索の候補列として使われる。REVOKED鍵は含まれない。
func (s *KeyService) DeprecatedKeys(ctx context.Context, keyType domain.KeyType) ([]*domain.EncryptionKey, error) {
	keys, err := s.repo.FindByTypeAndStatus(ctx, keyType, domain.KeyStatusDeprecated)
	if err != nil {
		return nil, fmt.Errorf("finding deprecated keys: %w", err)
	}
	return keys, nil
}

// ActiveKeys は全タイプのACTIVE鍵を返す。
func (s *KeyService) ActiveKeys(ctx context.Context) ([]*domain.EncryptionKey, error) {
	keys, err := s.repo.FindAllActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("finding active keys: %w", err)
	}
	return keys, nil
}

// RotateKey は指定された鍵をDEPRECATEDへ遷移させ、同一タイプ・同一ポリシーの
// 新しいACTIVE鍵を作成する。両者は単一トランザクションで実行される。
// 鍵素材は引き継がれず、新しい素材が生成される。
// ACTIVEでない鍵はforceの場合のみローテーションできる。REVOKED鍵は不可。
func (s *KeyService) RotateKey(ctx context.Context, keyID string, force bool) (*domain.EncryptionKey, error) {
	oldKey, err := s.repo.FindByID(ctx, keyID)
	if err != nil {
		return nil, fmt.Errorf("finding key: %w", err)
	}
	if oldKey == nil {
		return nil, domain.ErrKeyNotFound
	}
	if oldKey.Status == domain.KeyStatusRevoked {
		return nil, domain.ErrKeyRevoked
	}
	if oldKey.Status != domain.KeyStatusActive && !force {
		return nil, domain.ErrKeyNotActive
	}

	material, err := generateKeyMaterial()
	if err != nil {
		return nil, err
	}
	wrapped, err := s.wrapper.Wrap(ctx, material)
	if err != nil {
		return nil, fmt.Errorf("wrapping key material: %w", err)
	}

	newKey := &domain.EncryptionKey{
		KeyType:              oldKey.KeyType,
		Status:               domain.KeyStatusActive,
		Algorithm:            oldKey.Algorithm,
		KeyLength:            oldKey.KeyLength,
		WrappedKey:           wrapped,
		RotationIntervalDays: oldKey.RotationIntervalDays,
		HSMBacked:            oldKey.HSMBacked,
		Escrow:               oldKey.Escrow,
	}
	if err := s.repo.Rotate(ctx, keyID, force, newKey); err != nil {
		return nil, fmt.Errorf("rotating key: %w", err)
	}

	slog.InfoContext(ctx, "key rotated",
		"key_type", newKey.KeyType,
		"old_key_id", keyID,
		"new_key_id", newKey.ID,
		"new_generation", newKey.Generation,
	)
	return newKey, nil
}

// CheckRotationNeeded はローテーション期限を過ぎたACTIVE鍵のIDを返す。
func (s *KeyService) CheckRotationNeeded(ctx context.Context) ([]string, error) {
	keys, err := s.repo.FindAllActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("finding active keys: %w", err)
	}

	now := time.Now()
	var due []string
	for _, key := range keys {
		if key.RotationDue(now) {
			due = append(due, key.ID)
		}
	}
	return due, nil
}

// AutoRotateExpiredKeys は期限超過の全ACTIVE鍵をローテーションし、
// 新しい鍵のIDを返す。個別の失敗はログに残してスキップする。
func (s *KeyService) AutoRotateExpiredKeys(ctx context.Context) ([]string, error) {
	due, err := s.CheckRotationNeeded(ctx)
	if err != nil {
		return nil, err
	}

	newIDs := make([]string, 0, len(due))
	for _, keyID := range due {
		newKey, err := s.RotateKey(ctx, keyID, false)
		if err != nil {
			slog.ErrorContext(ctx, "failed to auto-rotate key",
				"operation", "auto_rotate_expired_keys",
				"key_id", keyID,
				"error", err,
			)
			continue
		}
		newIDs = append(newIDs, newKey.ID)
	}
	return newIDs, nil
}

// RevokeKey は指定された鍵をREVOKEDへ遷移させる。ACTIVEへ戻す遷移は存在しない。
// 失効した鍵は復号フォールバック探索からも除外されるため、その鍵でのみ
// 暗号化されたデータは復号できなくなる。
func (s *KeyService) RevokeKey(ctx context.Context, keyID string) error {
	key, err := s.repo.FindByID(ctx, keyID)
	if err != nil {
		return fmt.Errorf("finding key: %w", err)
	}
	if key == nil {
		return domain.ErrKeyNotFound
	}
	if key.Status == domain.KeyStatusRevoked {
		return domain.ErrKeyRevoked
	}

	if err := s.repo.UpdateStatus(ctx, keyID, domain.KeyStatusRevoked); err != nil {
		return fmt.Errorf("updating status: %w", err)
	}

	slog.WarnContext(ctx, "key revoked: data encrypted only under this key can no longer be decrypted",
		"key_type", key.KeyType,
		"key_id", keyID,
		"generation", key.Generation,
	)
	return nil
}

// RecordKeyUsage は鍵の使用回数を加算する。計測専用であり、失敗しても
// 呼び出し元の操作は継続する。
func (s *KeyService) RecordKeyUsage(ctx context.Context, keyID string) {
	_ = s.repo.IncrementUsageCount(ctx, keyID)
}

// CountKeysByStatus は指定されたタイプの鍵数をステータス別に集計する。
func (s *KeyService) CountKeysByStatus(ctx context.Context, keyType domain.KeyType) (map[domain.KeyStatus]int64, error) {
	counts, err := s.repo.CountByTypeAndStatus(ctx, keyType)
	if err != nil {
		return nil, fmt.Errorf("counting keys: %w", err)
	}
	return counts, nil
}

// WrapperName はKEKプロバイダ名を返す。
func (s *KeyService) WrapperName() string {
	return s.wrapper.Name()
}
