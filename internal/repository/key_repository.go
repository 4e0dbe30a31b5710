// Package repository はデータアクセス層の実装を提供する。
package repository

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"encryption-service/internal/domain"
)

// EncryptionKeyModel はgorm用のモデル定義。
// (key_type, generation)の一意インデックスがローテーションの直列化を保証する。
type EncryptionKeyModel struct {
	ID                   string    `gorm:"type:char(36);primaryKey"`
	KeyType              string    `gorm:"type:varchar(32);not null;uniqueIndex:uk_key_type_generation;index:idx_type_status"`
	Generation           uint      `gorm:"not null;uniqueIndex:uk_key_type_generation"`
	Status               string    `gorm:"type:enum('active','deprecated','revoked');not null;default:'active';index:idx_type_status"`
	Algorithm            string    `gorm:"type:varchar(32);not null"`
	KeyLength            int       `gorm:"not null"`
	WrappedKey           []byte    `gorm:"type:blob;not null"`
	RotationIntervalDays int       `gorm:"not null;default:0"`
	HSMBacked            bool      `gorm:"column:hsm_backed;not null;default:false"`
	Escrow               bool      `gorm:"not null;default:false"`
	UsageCount           uint64    `gorm:"not null;default:0"`
	CreatedAt            time.Time `gorm:"type:datetime(6);not null;autoCreateTime"`
	UpdatedAt            time.Time `gorm:"type:datetime(6);not null;autoUpdateTime"`
}

// TableName はテーブル名を返す。
func (EncryptionKeyModel) TableName() string {
	return "encryption_keys"
}

// BeforeCreate はレコード作成前にUUIDを生成する。
func (e *EncryptionKeyModel) BeforeCreate(tx *gorm.DB) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	return nil
}

// toDomain はモデルをドメインエンティティに変換する。
func (e *EncryptionKeyModel) toDomain() *domain.EncryptionKey {
	return &domain.EncryptionKey{
		ID:                   e.ID,
		KeyType:              domain.KeyType(e.KeyType),
		Generation:           e.Generation,
		Status:               domain.KeyStatus(e.Status),
		Algorithm:            e.Algorithm,
		KeyLength:            e.KeyLength,
		WrappedKey:           e.WrappedKey,
		RotationIntervalDays: e.RotationIntervalDays,
		HSMBacked:            e.HSMBacked,
		Escrow:               e.Escrow,
		UsageCount:           e.UsageCount,
		CreatedAt:            e.CreatedAt,
		UpdatedAt:            e.UpdatedAt,
	}
}

// fromDomain はドメインエンティティをモデルに変換する。
func fromDomain(key *domain.EncryptionKey) *EncryptionKeyModel {
	return &EncryptionKeyModel{
		ID:                   key.ID,
		KeyType:              string(key.KeyType),
		Generation:           key.Generation,
		Status:               string(key.Status),
		Algorithm:            key.Algorithm,
		KeyLength:            key.KeyLength,
		WrappedKey:           key.WrappedKey,
		RotationIntervalDays: key.RotationIntervalDays,
		HSMBacked:            key.HSMBacked,
		Escrow:               key.Escrow,
		UsageCount:           key.UsageCount,
	}
}

// KeyRepository は暗号鍵レコードのデータアクセスを提供する。
type KeyRepository struct {
	db *gorm.DB
}

// NewKeyRepository は新しいKeyRepositoryを生成する。
func NewKeyRepository(db *gorm.DB) *KeyRepository {
	return &KeyRepository{db: db}
}

// Create は新しい暗号鍵レコードを保存する。
func (r *KeyRepository) Create(ctx context.Context, key *domain.EncryptionKey) error {
	model := fromDomain(key)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		slog.ErrorContext(ctx, "failed to create key",
			"operation", "create",
			"key_type", key.KeyType,
			"generation", key.Generation,
			"error", err,
		)
		return err
	}
	// gormで設定された値をドメインエンティティに反映
	key.ID = model.ID
	key.CreatedAt = model.CreatedAt
	key.UpdatedAt = model.UpdatedAt
	return nil
}

// FindByID は指定されたIDの鍵を取得する。存在しない場合は(nil, nil)を返す。
func (r *KeyRepository) FindByID(ctx context.Context, id string) (*domain.EncryptionKey, error) {
	var model EncryptionKeyModel
	err := r.db.WithContext(ctx).
		Where("id = ?", id).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find key",
			"operation", "find_by_id",
			"key_id", id,
			"error", err,
		)
		return nil, err
	}
	return model.toDomain(), nil
}

// FindActiveByType は指定されたタイプの現行ACTIVE鍵を取得する。
// 存在しない場合は(nil, nil)を返す。
func (r *KeyRepository) FindActiveByType(ctx context.Context, keyType domain.KeyType) (*domain.EncryptionKey, error) {
	var model EncryptionKeyModel
	err := r.db.WithContext(ctx).
		Where("key_type = ? AND status = ?", string(keyType), string(domain.KeyStatusActive)).
		Order("generation DESC").
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find active key",
			"operation", "find_active_by_type",
			"key_type", keyType,
			"error", err,
		)
		return nil, err
	}
	return model.toDomain(), nil
}

// FindByType は指定されたタイプの全鍵を新しい世代順で取得する。
func (r *KeyRepository) FindByType(ctx context.Context, keyType domain.KeyType) ([]*domain.EncryptionKey, error) {
	var models []EncryptionKeyModel
	err := r.db.WithContext(ctx).
		Where("key_type = ?", string(keyType)).
		Order("generation DESC").
		Find(&models).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to find keys by type",
			"operation", "find_by_type",
			"key_type", keyType,
			"error", err,
		)
		return nil, err
	}
	return toDomainList(models), nil
}

// FindByTypeAndStatus は指定されたタイプ・ステータスの鍵を新しい世代順で取得する。
// DEPRECATED鍵のフォールバック探索はこの並び順に依存する。
func (r *KeyRepository) FindByTypeAndStatus(ctx context.Context, keyType domain.KeyType, status domain.KeyStatus) ([]*domain.EncryptionKey, error) {
	var models []EncryptionKeyModel
	err := r.db.WithContext(ctx).
		Where("key_type = ? AND status = ?", string(keyType), string(status)).
		Order("generation DESC").
		Find(&models).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to find keys by type and status",
			"operation", "find_by_type_and_status",
			"key_type", keyType,
			"status", status,
			"error", err,
		)
		return nil, err
	}
	return toDomainList(models), nil
}

// FindAllActive は全タイプのACTIVE鍵を取得する。ローテーション期限の確認に使う。
func (r *KeyRepository) FindAllActive(ctx context.Context) ([]*domain.EncryptionKey, error) {
	var models []EncryptionKeyModel
	err := r.db.WithContext(ctx).
		Where("status = ?", string(domain.KeyStatusActive)).
		Order("key_type ASC, generation DESC").
		Find(&models).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to find active keys",
			"operation", "find_all_active",
			"error", err,
		)
		return nil, err
	}
	return toDomainList(models), nil
}

// GetMaxGeneration は指定されたタイプの最大世代番号を取得する。
func (r *KeyRepository) GetMaxGeneration(ctx context.Context, keyType domain.KeyType) (uint, error) {
	var maxGen *uint
	err := r.db.WithContext(ctx).
		Model(&EncryptionKeyModel{}).
		Where("key_type = ?", string(keyType)).
		Select("MAX(generation)").
		Scan(&maxGen).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to get max generation",
			"operation", "get_max_generation",
			"key_type", keyType,
			"error", err,
		)
		return 0, err
	}
	if maxGen == nil {
		return 0, nil
	}
	return *maxGen, nil
}

// UpdateStatus は指定されたIDの鍵のステータスを更新する。
func (r *KeyRepository) UpdateStatus(ctx context.Context, id string, status domain.KeyStatus) error {
	err := r.db.WithContext(ctx).
		Model(&EncryptionKeyModel{}).
		Where("id = ?", id).
		Update("status", string(status)).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to update status",
			"operation", "update_status",
			"key_id", id,
			"status", status,
			"error", err,
		)
		return err
	}
	return nil
}

// IncrementUsageCount は指定されたIDの鍵の使用回数を1増やす。
func (r *KeyRepository) IncrementUsageCount(ctx context.Context, id string) error {
	err := r.db.WithContext(ctx).
		Model(&EncryptionKeyModel{}).
		Where("id = ?", id).
		UpdateColumn("usage_count", gorm.Expr("usage_count + 1")).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to increment usage count",
			"operation", "increment_usage_count",
			"key_id", id,
			"error", err,
		)
		return err
	}
	return nil
}

// CountByTypeAndStatus は指定されたタイプの鍵数をステータス別に集計する。
func (r *KeyRepository) CountByTypeAndStatus(ctx context.Context, keyType domain.KeyType) (map[domain.KeyStatus]int64, error) {
	var rows []struct {
		Status string
		Count  int64
	}
	err := r.db.WithContext(ctx).
		Model(&EncryptionKeyModel{}).
		Where("key_type = ?", string(keyType)).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to count keys by status",
			"operation", "count_by_type_and_status",
			"key_type", keyType,
			"error", err,
		)
		return nil, err
	}
	counts := make(map[domain.KeyStatus]int64, len(rows))
	for _, row := range rows {
		counts[domain.KeyStatus(row.Status)] = row.Count
	}
	return counts, nil
}

// Rotate は鍵ローテーションを単一トランザクションで実行する。
// 旧鍵をDEPRECATEDへ遷移させ、同一タイプの新しいACTIVE鍵を作成する。
// 旧鍵が既にACTIVEでない場合、forceでなければErrKeyNotActiveを返す。
// forceの場合は該当タイプの現行ACTIVE鍵をDEPRECATEDへ落としてから作成する。
// 新しい世代番号はトランザクション内で採番され、(key_type, generation)の
// 一意インデックスが競合するローテーションの一方を失敗させる。
func (r *KeyRepository) Rotate(ctx context.Context, oldKeyID string, force bool, newKey *domain.EncryptionKey) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&EncryptionKeyModel{}).
			Where("id = ? AND status = ?", oldKeyID, string(domain.KeyStatusActive)).
			Update("status", string(domain.KeyStatusDeprecated))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			if !force {
				return domain.ErrKeyNotActive
			}
			if err := tx.Model(&EncryptionKeyModel{}).
				Where("key_type = ? AND status = ?", string(newKey.KeyType), string(domain.KeyStatusActive)).
				Update("status", string(domain.KeyStatusDeprecated)).Error; err != nil {
				return err
			}
		}

		var maxGen *uint
		if err := tx.Model(&EncryptionKeyModel{}).
			Where("key_type = ?", string(newKey.KeyType)).
			Select("MAX(generation)").
			Scan(&maxGen).Error; err != nil {
			return err
		}
		newKey.Generation = 1
		if maxGen != nil {
			newKey.Generation = *maxGen + 1
		}

		model := fromDomain(newKey)
		if err := tx.Create(model).Error; err != nil {
			return err
		}
		newKey.ID = model.ID
		newKey.CreatedAt = model.CreatedAt
		newKey.UpdatedAt = model.UpdatedAt
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrKeyNotActive) {
			return err
		}
		slog.ErrorContext(ctx, "failed to rotate key",
			"operation", "rotate",
			"key_id", oldKeyID,
			"error", err,
		)
		return err
	}
	return nil
}

func toDomainList(models []EncryptionKeyModel) []*domain.EncryptionKey {
	keys := make([]*domain.EncryptionKey, len(models))
	for i, m := range models {
		keys[i] = m.toDomain()
	}
	return keys
}
