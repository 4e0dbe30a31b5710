package domain

import "errors"

var (
	// ErrKeyNotFound は指定された鍵が存在しない場合のエラー。
	ErrKeyNotFound = errors.New("key not found")

	// ErrKeyUnavailable は鍵素材を取得できない場合のエラー（失効済み・ストア障害など）。
	ErrKeyUnavailable = errors.New("key material unavailable")

	// ErrKeyNotActive はACTIVEでない鍵に対する操作のエラー。
	ErrKeyNotActive = errors.New("key is not active")

	// ErrActiveKeyExists は既にACTIVE鍵が存在するタイプへの新規生成のエラー。
	ErrActiveKeyExists = errors.New("active key already exists for key type")

	// ErrKeyRevoked は失効済みの鍵に対する操作のエラー。
	ErrKeyRevoked = errors.New("key is revoked")

	// ErrUnsupportedAlgorithm はサポート外のアルゴリズム・鍵種別・鍵長が指定された場合のエラー。
	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")

	// ErrInvalidKeyLength は鍵素材が32バイトでない場合のエラー。
	ErrInvalidKeyLength = errors.New("invalid key length")

	// ErrIntegrityFailure はAEADタグの検証に失敗した場合のエラー。
	// 改ざん・鍵違い・関連データ違いのいずれかであり、区別はできない。
	ErrIntegrityFailure = errors.New("integrity check failed")

	// ErrDecryptionExhausted は全候補鍵で復号に失敗した場合のエラー。
	ErrDecryptionExhausted = errors.New("decryption exhausted all candidate keys")

	// ErrMalformedEnvelope はエンベロープのバイト列が不正・切り詰められている場合のエラー。
	ErrMalformedEnvelope = errors.New("malformed envelope")

	// ErrMigrationFailed はマイグレーション実行時のエラー。
	ErrMigrationFailed = errors.New("migration failed")

	// ErrMigrationFileNotFound はマイグレーションファイルが見つからない場合のエラー。
	ErrMigrationFileNotFound = errors.New("migration file not found")

	// ErrInvalidMigrationFile はマイグレーションファイルのフォーマットが不正な場合のエラー。
	ErrInvalidMigrationFile = errors.New("invalid migration file")
)
