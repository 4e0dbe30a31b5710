// Package domain はドメインモデルとビジネスルールを定義する。
package domain

import "time"

// KeyType は鍵の用途を表す。
type KeyType string

const (
	// KeyTypeEncryption はデータ暗号化用の鍵を表す。
	KeyTypeEncryption KeyType = "ENCRYPTION"
	// KeyTypeSigning は署名用の鍵を表す。このサブシステムでは生成をサポートしない。
	KeyTypeSigning KeyType = "SIGNING"
)

// KeyStatus は暗号鍵のステータスを表す。
type KeyStatus string

const (
	// KeyStatusActive は現行の鍵を表す。key_typeごとに常に1つだけ存在する。
	KeyStatusActive KeyStatus = "active"
	// KeyStatusDeprecated はローテーション済みの鍵を表す。既存データの復号にのみ使用される。
	KeyStatusDeprecated KeyStatus = "deprecated"
	// KeyStatusRevoked は失効した鍵を表す。以後の暗号化・復号のいずれにも使用されない。
	KeyStatusRevoked KeyStatus = "revoked"
)

const (
	// AlgorithmAES256GCM はこのサブシステムが唯一サポートするAEADアルゴリズム。
	AlgorithmAES256GCM = "AES-256-GCM"
	// KeyLengthAES256 はAES-256の鍵長（バイト）。
	KeyLengthAES256 = 32
)

// EncryptionKey は暗号鍵エンティティを表す。鍵素材はKEKでラップした状態でのみ保持する。
// 鍵素材は生成後に変更されない。ローテーションはステータス変更と新規レコード作成のみを行う。
type EncryptionKey struct {
	ID                   string
	KeyType              KeyType
	Generation           uint
	Status               KeyStatus
	Algorithm            string
	KeyLength            int
	WrappedKey           []byte
	RotationIntervalDays int
	HSMBacked            bool
	Escrow               bool
	UsageCount           uint64
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// ExpiresAt はローテーション期限を返す。期限を持たない鍵はゼロ値を返す。
func (k *EncryptionKey) ExpiresAt() time.Time {
	if k.RotationIntervalDays <= 0 {
		return time.Time{}
	}
	return k.CreatedAt.AddDate(0, 0, k.RotationIntervalDays)
}

// RotationDue は指定時刻でローテーション期限を過ぎているかを返す。
func (k *EncryptionKey) RotationDue(now time.Time) bool {
	exp := k.ExpiresAt()
	return !exp.IsZero() && now.After(exp)
}

// Metadata は鍵素材を含まないメタデータ表現を返す。
func (k *EncryptionKey) Metadata() *KeyMetadata {
	return &KeyMetadata{
		ID:                   k.ID,
		KeyType:              k.KeyType,
		Generation:           k.Generation,
		Status:               k.Status,
		Algorithm:            k.Algorithm,
		KeyLength:            k.KeyLength,
		RotationIntervalDays: k.RotationIntervalDays,
		HSMBacked:            k.HSMBacked,
		Escrow:               k.Escrow,
		UsageCount:           k.UsageCount,
		CreatedAt:            k.CreatedAt,
		ExpiresAt:            k.ExpiresAt(),
	}
}

// KeyMetadata は暗号鍵のメタデータを表す（鍵素材を含まない）。
type KeyMetadata struct {
	ID                   string
	KeyType              KeyType
	Generation           uint
	Status               KeyStatus
	Algorithm            string
	KeyLength            int
	RotationIntervalDays int
	HSMBacked            bool
	Escrow               bool
	UsageCount           uint64
	CreatedAt            time.Time
	ExpiresAt            time.Time
}
