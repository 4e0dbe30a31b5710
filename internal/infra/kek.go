package infra

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/chacha20poly1305"

	"encryption-service/config"
)

// KeyWrapper は鍵素材のラップ・アンラップを行うKEKプロバイダー。
type KeyWrapper interface {
	Wrap(ctx context.Context, plaintext []byte) ([]byte, error)
	Unwrap(ctx context.Context, wrapped []byte) ([]byte, error)
	Name() string
	Close() error
}

// NewKeyWrapper は設定のKEKProviderに応じたKeyWrapperを生成する。
func NewKeyWrapper(ctx context.Context, cfg *config.Config) (KeyWrapper, error) {
	switch cfg.KEKProvider {
	case "gcpkms":
		return NewGCPKMSClient(ctx, cfg)
	case "local":
		return NewLocalKEK(cfg.LocalKEKKey)
	default:
		return nil, fmt.Errorf("unknown KEK provider %q", cfg.KEKProvider)
	}
}

// LocalKEK はXChaCha20-Poly1305によるローカルKEKラップを提供する。
// KEKはmemguardのエンクレーブに封入し、使用する瞬間だけ平文化する。
// 開発環境およびCloud KMSを利用しないセルフホスト構成向け。
type LocalKEK struct {
	enclave *memguard.Enclave
}

// NewLocalKEK はBase64エンコードされた32バイトKEKからLocalKEKを生成する。
func NewLocalKEK(encodedKey string) (*LocalKEK, error) {
	if encodedKey == "" {
		return nil, fmt.Errorf("LOCAL_KEK_KEY environment variable is required")
	}
	raw, err := base64.StdEncoding.DecodeString(encodedKey)
	if err != nil {
		return nil, fmt.Errorf("decoding KEK: %w", err)
	}
	if len(raw) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("KEK must be %d bytes, got %d", chacha20poly1305.KeySize, len(raw))
	}
	// NewEnclaveは封入後に元のバッファをゼロ化する
	return &LocalKEK{enclave: memguard.NewEnclave(raw)}, nil
}

func (l *LocalKEK) open() (*memguard.LockedBuffer, error) {
	buf, err := l.enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("opening KEK enclave: %w", err)
	}
	return buf, nil
}

// Wrap は鍵素材をXChaCha20-Poly1305で暗号化し、nonce || ciphertextを返す。
func (l *LocalKEK) Wrap(ctx context.Context, plaintext []byte) ([]byte, error) {
	buf, err := l.open()
	if err != nil {
		return nil, err
	}
	defer buf.Destroy()

	aead, err := chacha20poly1305.NewX(buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("creating aead: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Unwrap はWrapが生成したラップ済み鍵素材を復号する。
func (l *LocalKEK) Unwrap(ctx context.Context, wrapped []byte) ([]byte, error) {
	if len(wrapped) < chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return nil, fmt.Errorf("wrapped key too short: %d bytes", len(wrapped))
	}
	buf, err := l.open()
	if err != nil {
		return nil, err
	}
	defer buf.Destroy()

	aead, err := chacha20poly1305.NewX(buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("creating aead: %w", err)
	}
	nonce, ciphertext := wrapped[:chacha20poly1305.NonceSizeX], wrapped[chacha20poly1305.NonceSizeX:]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("unwrapping key material: %w", err)
	}
	return plaintext, nil
}

// Name はプロバイダー名を返す。
func (l *LocalKEK) Name() string {
	return "local"
}

// Close は保持しているKEKを破棄する。
func (l *LocalKEK) Close() error {
	memguard.Purge()
	return nil
}
