package infra

import (
	"context"
	"fmt"

	kms "cloud.google.com/go/kms/apiv1"
	kmspb "cloud.google.com/go/kms/apiv1/kmspb"

	"encryption-service/config"
)

// GCPKMSClient はCloud KMSによるKEKラップを提供する。
// 鍵素材はCloud KMS側のKEKで暗号化され、平文素材がストアに残ることはない。
type GCPKMSClient struct {
	client  *kms.KeyManagementClient
	keyName string
}

// NewGCPKMSClient は設定のKMSKeyNameを使ってGCPKMSClientを生成する。
func NewGCPKMSClient(ctx context.Context, cfg *config.Config) (*GCPKMSClient, error) {
	if cfg.KMSKeyName == "" {
		return nil, fmt.Errorf("KMS_KEY_NAME environment variable is required")
	}

	client, err := kms.NewKeyManagementClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating KMS client: %w", err)
	}

	return &GCPKMSClient{
		client:  client,
		keyName: cfg.KMSKeyName,
	}, nil
}

// Wrap は鍵素材をCloud KMSで暗号化する。
func (c *GCPKMSClient) Wrap(ctx context.Context, plaintext []byte) ([]byte, error) {
	req := &kmspb.EncryptRequest{
		Name:      c.keyName,
		Plaintext: plaintext,
	}
	resp, err := c.client.Encrypt(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("wrapping key material: %w", err)
	}
	return resp.Ciphertext, nil
}

// Unwrap はラップ済み鍵素材をCloud KMSで復号する。
func (c *GCPKMSClient) Unwrap(ctx context.Context, wrapped []byte) ([]byte, error) {
	req := &kmspb.DecryptRequest{
		Name:       c.keyName,
		Ciphertext: wrapped,
	}
	resp, err := c.client.Decrypt(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("unwrapping key material: %w", err)
	}
	return resp.Plaintext, nil
}

// Name はプロバイダー名を返す。
func (c *GCPKMSClient) Name() string {
	return "gcpkms"
}

// Close はKMSクライアントを閉じる。
func (c *GCPKMSClient) Close() error {
	return c.client.Close()
}
