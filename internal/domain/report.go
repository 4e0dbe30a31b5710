package domain

import "time"

// EncryptionMetadata は鍵の統計とコンプライアンス情報を表す。
type EncryptionMetadata struct {
	Algorithm    string
	FIPSMode     bool
	TotalKeys    int64
	KeysByStatus map[KeyStatus]int64
	// NextExpiry はACTIVE鍵のうち最も近いローテーション期限。期限なしの場合はゼロ値。
	NextExpiry  time.Time
	GeneratedAt time.Time
}

// DatabaseEncryptionStatus はカラム暗号化の運用状態を表す。
type DatabaseEncryptionStatus struct {
	Enabled          bool
	ActiveKeyID      string
	ActiveGeneration uint
	ActiveKeyAgeDays int
	RotationDue      bool
	CachedKeys       int
	KEKProvider      string
	BlobBackend      string
	CheckedAt        time.Time
}
