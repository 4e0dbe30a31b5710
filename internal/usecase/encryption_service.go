package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"encryption-service/internal/domain"
	"encryption-service/internal/envelope"
	"encryption-service/internal/metrics"
)

// BlobStore は暗号化済みファイルエンベロープの保存先のインターフェース。
type BlobStore interface {
	Put(ctx context.Context, name string, r io.Reader) error
	Get(ctx context.Context, name string) (io.ReadCloser, error)
	Delete(ctx context.Context, name string) error
}

// EncryptionService はカラム・ファイルの暗号化と復号を提供する。
// 暗号化は常に現行ACTIVE鍵で行い、復号は候補鍵を順に試すことで
// ローテーション後も既存データを読めることを保証する。
type EncryptionService struct {
	keys  *KeyService
	cache *KeyCache
	blobs BlobStore

	blobBackend string
	fipsMode    bool
}

// NewEncryptionService は新しいEncryptionServiceを生成する。
func NewEncryptionService(keys *KeyService, cache *KeyCache, blobs BlobStore, blobBackend string, fipsMode bool) *EncryptionService {
	return &EncryptionService{
		keys:        keys,
		cache:       cache,
		blobs:       blobs,
		blobBackend: blobBackend,
		fipsMode:    fipsMode,
	}
}

// resolveMaterial は鍵素材をキャッシュ経由で解決する。
func (s *EncryptionService) resolveMaterial(ctx context.Context, keyID string) ([]byte, error) {
	if material, ok := s.cache.Get(keyID); ok {
		metrics.RecordCacheHit()
		return material, nil
	}
	metrics.RecordCacheMiss()

	material, err := s.keys.GetKeyMaterial(ctx, keyID)
	if err != nil {
		return nil, err
	}
	s.cache.Set(keyID, material)
	return material, nil
}

// encryptionKey は暗号化に使う鍵を解決する。keyIDが空の場合は現行ACTIVE鍵。
// 明示されたkeyIDがACTIVEでない場合はErrKeyNotActiveを返す。
// 非推奨鍵で新しいデータを暗号化することはできない。
func (s *EncryptionService) encryptionKey(ctx context.Context, keyID string) (*domain.EncryptionKey, error) {
	if keyID == "" {
		return s.keys.GetActiveKey(ctx, domain.KeyTypeEncryption)
	}
	key, err := s.keys.GetKey(ctx, keyID)
	if err != nil {
		return nil, err
	}
	if key.Status != domain.KeyStatusActive {
		return nil, domain.ErrKeyNotActive
	}
	return key, nil
}

// decryptCandidates は復号で試す候補鍵を優先順に返す。
// keyIDが指定されていればその鍵、次に現行ACTIVE鍵、残りはDEPRECATED鍵を
// 新しい世代順に並べる。REVOKED鍵は候補に含まれない。
func (s *EncryptionService) decryptCandidates(ctx context.Context, keyID string) ([]*domain.EncryptionKey, error) {
	var candidates []*domain.EncryptionKey
	seen := make(map[string]struct{})

	add := func(key *domain.EncryptionKey) {
		if key == nil || key.Status == domain.KeyStatusRevoked {
			return
		}
		if _, ok := seen[key.ID]; ok {
			return
		}
		seen[key.ID] = struct{}{}
		candidates = append(candidates, key)
	}

	if keyID != "" {
		key, err := s.keys.GetKey(ctx, keyID)
		if err != nil && !errors.Is(err, domain.ErrKeyNotFound) {
			return nil, err
		}
		add(key)
	}

	active, err := s.keys.GetActiveKey(ctx, domain.KeyTypeEncryption)
	if err != nil && !errors.Is(err, domain.ErrKeyNotFound) {
		return nil, err
	}
	add(active)

	deprecated, err := s.keys.DeprecatedKeys(ctx, domain.KeyTypeEncryption)
	if err != nil {
		return nil, err
	}
	for _, key := range deprecated {
		add(key)
	}

	if len(candidates) == 0 {
		return nil, domain.ErrKeyNotFound
	}
	return candidates, nil
}

// EncryptColumn は平文をカラムエンベロープへ暗号化する。
// 使用した鍵のIDを関連データとしてエンベロープに結び付け、あわせて返す。
func (s *EncryptionService) EncryptColumn(ctx context.Context, plaintext []byte, keyID string) (env string, usedKeyID string, err error) {
	start := time.Now()
	defer func() { metrics.RecordOperation("encrypt_column", err, time.Since(start)) }()

	key, err := s.encryptionKey(ctx, keyID)
	if err != nil {
		return "", "", err
	}
	material, err := s.resolveMaterial(ctx, key.ID)
	if err != nil {
		return "", "", err
	}
	env, err = envelope.EncryptValue(plaintext, material, []byte(key.ID))
	if err != nil {
		return "", "", err
	}
	s.keys.RecordKeyUsage(ctx, key.ID)
	return env, key.ID, nil
}

// DecryptColumn はカラムエンベロープを復号する。候補鍵を順に試し、
// それぞれの鍵IDを関連データとして検証する。どの候補でも復号できない
// 場合はErrDecryptionExhaustedを返す。
func (s *EncryptionService) DecryptColumn(ctx context.Context, env string, keyID string) (plaintext []byte, usedKeyID string, err error) {
	start := time.Now()
	defer func() { metrics.RecordOperation("decrypt_column", err, time.Since(start)) }()

	candidates, err := s.decryptCandidates(ctx, keyID)
	if err != nil {
		return nil, "", err
	}

	attempts := 0
	for _, key := range candidates {
		material, merr := s.resolveMaterial(ctx, key.ID)
		if merr != nil {
			slog.WarnContext(ctx, "skipping candidate key without material",
				"key_id", key.ID,
				"error", merr,
			)
			continue
		}
		attempts++
		plaintext, derr := envelope.DecryptValue(env, material, []byte(key.ID))
		if derr == nil {
			metrics.RecordFallbackAttempts(attempts)
			if attempts > 1 {
				slog.InfoContext(ctx, "decrypted with fallback key",
					"key_id", key.ID,
					"generation", key.Generation,
					"attempts", attempts,
				)
			}
			s.keys.RecordKeyUsage(ctx, key.ID)
			return plaintext, key.ID, nil
		}
		// 復号失敗が鍵に依存しない場合は以降の候補を試しても無駄
		if errors.Is(derr, domain.ErrMalformedEnvelope) {
			return nil, "", derr
		}
	}

	metrics.RecordFallbackAttempts(attempts)
	return nil, "", fmt.Errorf("tried %d candidate keys: %w", attempts, domain.ErrDecryptionExhausted)
}

// EncryptStream はsrcの平文をFileEnvelopeとしてdstへ逐次暗号化する。
// 使用した鍵のIDを返す。
func (s *EncryptionService) EncryptStream(ctx context.Context, dst io.Writer, src io.Reader, keyID string) (usedKeyID string, err error) {
	start := time.Now()
	defer func() { metrics.RecordOperation("encrypt_stream", err, time.Since(start)) }()

	return s.encryptStream(ctx, dst, src, keyID)
}

func (s *EncryptionService) encryptStream(ctx context.Context, dst io.Writer, src io.Reader, keyID string) (string, error) {
	key, err := s.encryptionKey(ctx, keyID)
	if err != nil {
		return "", err
	}
	material, err := s.resolveMaterial(ctx, key.ID)
	if err != nil {
		return "", err
	}
	enc, err := envelope.NewStreamEncryptor(material, 0)
	if err != nil {
		return "", err
	}
	if err := enc.Encrypt(dst, src); err != nil {
		return "", err
	}
	s.keys.RecordKeyUsage(ctx, key.ID)
	return key.ID, nil
}

// DecryptStream はsrcのFileEnvelopeを復号して平文をdstへ書き出す。
// 最初のチャンクで復号できた候補鍵を確定し、以降のチャンクはその鍵のみで
// 検証する。1ファイルは単一の鍵で暗号化されているため、途中のチャンクの
// 検証失敗は改ざんを意味しErrIntegrityFailureで打ち切る。
func (s *EncryptionService) DecryptStream(ctx context.Context, dst io.Writer, src io.Reader, keyID string) (usedKeyID string, err error) {
	start := time.Now()
	defer func() { metrics.RecordOperation("decrypt_stream", err, time.Since(start)) }()

	return s.decryptStream(ctx, dst, src, keyID)
}

func (s *EncryptionService) decryptStream(ctx context.Context, dst io.Writer, src io.Reader, keyID string) (string, error) {
	header, err := envelope.ReadHeader(src)
	if err != nil {
		return "", err
	}
	candidates, err := s.decryptCandidates(ctx, keyID)
	if err != nil {
		return "", err
	}

	var (
		dec  *envelope.StreamDecryptor
		used string
	)
	attempts := 0
	for {
		chunk, err := envelope.ReadChunk(src)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return used, err
		}

		if dec == nil {
			for _, key := range candidates {
				material, merr := s.resolveMaterial(ctx, key.ID)
				if merr != nil {
					slog.WarnContext(ctx, "skipping candidate key without material",
						"key_id", key.ID,
						"error", merr,
					)
					continue
				}
				attempts++
				candidate, derr := envelope.NewStreamDecryptor(material)
				if derr != nil {
					continue
				}
				plaintext, derr := candidate.OpenChunk(header.FileNonce, chunk)
				if derr != nil {
					continue
				}
				dec = candidate
				used = key.ID
				if _, werr := dst.Write(plaintext); werr != nil {
					return used, fmt.Errorf("writing plaintext: %w", werr)
				}
				break
			}
			metrics.RecordFallbackAttempts(attempts)
			if dec == nil {
				return "", fmt.Errorf("tried %d candidate keys: %w", attempts, domain.ErrDecryptionExhausted)
			}
			if attempts > 1 {
				slog.InfoContext(ctx, "decrypted with fallback key",
					"key_id", used,
					"attempts", attempts,
				)
			}
			s.keys.RecordKeyUsage(ctx, used)
			continue
		}

		plaintext, derr := dec.OpenChunk(header.FileNonce, chunk)
		if derr != nil {
			return used, derr
		}
		if _, werr := dst.Write(plaintext); werr != nil {
			return used, fmt.Errorf("writing plaintext: %w", werr)
		}
	}

	// チャンクを持たない空のエンベロープは鍵を確定できないため、
	// 先頭候補を使用鍵として報告する
	if used == "" && len(candidates) > 0 {
		used = candidates[0].ID
	}
	return used, nil
}

// EncryptFile はsrcの平文を暗号化してブロブストアへ保存する。
// 保存は完全に書き込まれた場合のみ可視化される。使用した鍵のIDを返す。
func (s *EncryptionService) EncryptFile(ctx context.Context, name string, src io.Reader) (usedKeyID string, err error) {
	start := time.Now()
	defer func() { metrics.RecordOperation("encrypt_file", err, time.Since(start)) }()

	pr, pw := io.Pipe()
	done := make(chan string, 1)
	go func() {
		keyID, err := s.encryptStream(ctx, pw, src, "")
		pw.CloseWithError(err)
		done <- keyID
	}()

	if err := s.blobs.Put(ctx, name, pr); err != nil {
		pr.Close()
		<-done
		return "", fmt.Errorf("storing encrypted file: %w", err)
	}
	return <-done, nil
}

// DecryptFile はブロブストアから暗号化済みファイルを読み出し、復号した
// 平文をdstへ書き出す。使用した鍵のIDを返す。
func (s *EncryptionService) DecryptFile(ctx context.Context, name string, dst io.Writer) (usedKeyID string, err error) {
	start := time.Now()
	defer func() { metrics.RecordOperation("decrypt_file", err, time.Since(start)) }()

	rc, err := s.blobs.Get(ctx, name)
	if err != nil {
		return "", fmt.Errorf("loading encrypted file: %w", err)
	}
	defer rc.Close()

	return s.decryptStream(ctx, dst, rc, "")
}

// DeleteFile は暗号化済みファイルをブロブストアから削除する。
func (s *EncryptionService) DeleteFile(ctx context.Context, name string) error {
	return s.blobs.Delete(ctx, name)
}

// RotateEncryptionKey は指定された鍵をローテーションし、鍵キャッシュを
// 無効化する。以降の暗号化は新しいACTIVE鍵で行われる。
func (s *EncryptionService) RotateEncryptionKey(ctx context.Context, keyID string, force bool) (*domain.EncryptionKey, error) {
	newKey, err := s.keys.RotateKey(ctx, keyID, force)
	metrics.RecordRotation(err)
	if err != nil {
		return nil, err
	}
	s.cache.Invalidate()
	return newKey, nil
}

// RotateExpiredKeys は期限超過の全ACTIVE鍵をローテーションする。
// 1つでもローテーションされた場合は鍵キャッシュを無効化する。
func (s *EncryptionService) RotateExpiredKeys(ctx context.Context) ([]string, error) {
	newIDs, err := s.keys.AutoRotateExpiredKeys(ctx)
	if err != nil {
		return nil, err
	}
	if len(newIDs) > 0 {
		s.cache.Invalidate()
	}
	return newIDs, nil
}

// RevokeEncryptionKey は指定された鍵を失効させ、鍵キャッシュから素材を
// 取り除くために全体を無効化する。
func (s *EncryptionService) RevokeEncryptionKey(ctx context.Context, keyID string) error {
	if err := s.keys.RevokeKey(ctx, keyID); err != nil {
		return err
	}
	s.cache.Invalidate()
	return nil
}

// GetEncryptionMetadata は暗号化基盤のメタデータを集計して返す。
func (s *EncryptionService) GetEncryptionMetadata(ctx context.Context) (*domain.EncryptionMetadata, error) {
	counts, err := s.keys.CountKeysByStatus(ctx, domain.KeyTypeEncryption)
	if err != nil {
		return nil, err
	}
	var total int64
	for status, count := range counts {
		total += count
		metrics.SetKeysByStatus(string(domain.KeyTypeEncryption), string(status), count)
	}

	actives, err := s.keys.ActiveKeys(ctx)
	if err != nil {
		return nil, err
	}
	var nextExpiry time.Time
	for _, key := range actives {
		expires := key.ExpiresAt()
		if expires.IsZero() {
			continue
		}
		if nextExpiry.IsZero() || expires.Before(nextExpiry) {
			nextExpiry = expires
		}
	}

	return &domain.EncryptionMetadata{
		Algorithm:    domain.AlgorithmAES256GCM,
		FIPSMode:     s.fipsMode,
		TotalKeys:    total,
		KeysByStatus: counts,
		NextExpiry:   nextExpiry,
		GeneratedAt:  time.Now(),
	}, nil
}

// GetDatabaseEncryptionStatus は保存時暗号化の現在の状態を返す。
// ACTIVE鍵が存在しない場合はEnabled=falseの状態を返す。
func (s *EncryptionService) GetDatabaseEncryptionStatus(ctx context.Context) (*domain.DatabaseEncryptionStatus, error) {
	status := &domain.DatabaseEncryptionStatus{
		KEKProvider: s.keys.WrapperName(),
		BlobBackend: s.blobBackend,
		CachedKeys:  s.cache.Len(),
		CheckedAt:   time.Now(),
	}

	active, err := s.keys.GetActiveKey(ctx, domain.KeyTypeEncryption)
	if err != nil {
		if errors.Is(err, domain.ErrKeyNotFound) {
			return status, nil
		}
		return nil, err
	}
	status.Enabled = true
	status.ActiveKeyID = active.ID
	status.ActiveGeneration = active.Generation
	status.ActiveKeyAgeDays = int(time.Since(active.CreatedAt).Hours() / 24)
	status.RotationDue = active.RotationDue(time.Now())
	return status, nil
}
