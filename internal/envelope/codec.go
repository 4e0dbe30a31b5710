// Package envelope は認証付き暗号エンベロープの生成・解析を行う。
// すべての関数は純粋であり、共有状態を持たない。
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"encryption-service/internal/domain"
)

const (
	// NonceSize はAES-GCMのノンス長（バイト）。
	NonceSize = 12
	// KeySize はAES-256の鍵長（バイト）。
	KeySize = 32
	// TagSize はGCM認証タグ長（バイト）。
	TagSize = 16
)

// newAEAD は32バイト鍵からAES-256-GCMを構築する。
func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", domain.ErrInvalidKeyLength, len(key), KeySize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return aead, nil
}

// EncryptValue は平文をAES-256-GCMで暗号化し、nonce || ciphertext_with_tag を
// URLセーフなBase64文字列として返す。ノンスは暗号化のたびにCSPRNGから生成する。
// aadは暗号文には含まれず、認証によってのみエンベロープに結び付けられる。
func EncryptValue(plaintext, key, aad []byte) (string, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, plaintext, aad)
	return base64.URLEncoding.EncodeToString(sealed), nil
}

// DecryptValue はEncryptValueが生成したエンベロープを復号する。
// タグ検証に失敗した場合はErrIntegrityFailureを返し、部分的な平文は一切返さない。
func DecryptValue(envelope string, key, aad []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	raw, err := base64.URLEncoding.DecodeString(envelope)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedEnvelope, err)
	}
	if len(raw) < NonceSize+TagSize {
		return nil, fmt.Errorf("%w: payload too short (%d bytes)", domain.ErrMalformedEnvelope, len(raw))
	}
	nonce, ciphertext := raw[:NonceSize], raw[NonceSize:]
	plaintext, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, domain.ErrIntegrityFailure
	}
	return plaintext, nil
}
