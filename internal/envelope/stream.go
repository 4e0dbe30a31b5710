package envelope

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"encryption-service/internal/domain"
)

const (
	// FormatVersion はFileEnvelopeレイアウトの現行バージョン。
	FormatVersion byte = 0x01
	// DefaultChunkSize はストリーム暗号化の平文チャンクサイズ。
	DefaultChunkSize = 64 * 1024
	// maxChunkCiphertext は復号時に受け入れるチャンク暗号文長の上限。
	// 不正なchunk_lenによる巨大アロケーションを弾く。
	maxChunkCiphertext = 16 * 1024 * 1024
)

// FileHeader はFileEnvelopeの先頭部（バージョンとファイルノンス）を表す。
type FileHeader struct {
	Version   byte
	FileNonce []byte
}

// Chunk は読み取られた単一チャンクを表す。Ciphertextは認証タグを含む。
type Chunk struct {
	Nonce      []byte
	Ciphertext []byte
}

// StreamEncryptor はFileEnvelopeレイアウトで逐次暗号化を行う。
// 各チャンクはチャンクノンスで暗号化され、ファイルノンスを関連データとして
// ファイル全体に結び付けられる。
type StreamEncryptor struct {
	aead      cipher.AEAD
	chunkSize int
}

// NewStreamEncryptor はStreamEncryptorを生成する。
// chunkSizeが0以下の場合はDefaultChunkSizeを使用する。
func NewStreamEncryptor(key []byte, chunkSize int) (*StreamEncryptor, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &StreamEncryptor{aead: aead, chunkSize: chunkSize}, nil
}

// Encrypt はsrcの平文を固定長チャンクで読み取り、FileEnvelopeをdstへ書き出す。
// メモリ使用量はチャンクサイズで抑えられ、入力サイズに依存しない。
// 最終チャンクはチャンクサイズより短くてよい。空の入力はヘッダのみを書き出す。
func (e *StreamEncryptor) Encrypt(dst io.Writer, src io.Reader) error {
	fileNonce := make([]byte, NonceSize)
	if _, err := rand.Read(fileNonce); err != nil {
		return fmt.Errorf("generate file nonce: %w", err)
	}
	if _, err := dst.Write([]byte{FormatVersion}); err != nil {
		return fmt.Errorf("write version: %w", err)
	}
	if _, err := dst.Write(fileNonce); err != nil {
		return fmt.Errorf("write file nonce: %w", err)
	}

	buf := make([]byte, e.chunkSize)
	chunkNonce := make([]byte, NonceSize)
	var lenBuf [4]byte
	for {
		n, err := io.ReadFull(src, buf)
		if n > 0 {
			if _, err := rand.Read(chunkNonce); err != nil {
				return fmt.Errorf("generate chunk nonce: %w", err)
			}
			sealed := e.aead.Seal(nil, chunkNonce, buf[:n], fileNonce)
			if _, err := dst.Write(chunkNonce); err != nil {
				return fmt.Errorf("write chunk nonce: %w", err)
			}
			binary.BigEndian.PutUint32(lenBuf[:], uint32(len(sealed)))
			if _, err := dst.Write(lenBuf[:]); err != nil {
				return fmt.Errorf("write chunk length: %w", err)
			}
			if _, err := dst.Write(sealed); err != nil {
				return fmt.Errorf("write chunk: %w", err)
			}
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read plaintext: %w", err)
		}
	}
}

// ReadHeader はFileEnvelopeの先頭からバージョンとファイルノンスを読み取る。
// 未知のバージョンはErrMalformedEnvelopeとして拒否する。
func ReadHeader(r io.Reader) (*FileHeader, error) {
	var version [1]byte
	if _, err := io.ReadFull(r, version[:]); err != nil {
		return nil, fmt.Errorf("%w: missing version byte", domain.ErrMalformedEnvelope)
	}
	if version[0] != FormatVersion {
		return nil, fmt.Errorf("%w: unknown format version 0x%02x", domain.ErrMalformedEnvelope, version[0])
	}
	fileNonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(r, fileNonce); err != nil {
		return nil, fmt.Errorf("%w: truncated file nonce", domain.ErrMalformedEnvelope)
	}
	return &FileHeader{Version: version[0], FileNonce: fileNonce}, nil
}

// ReadChunk は次のチャンクを読み取る。正常な終端ではio.EOFを返す。
func ReadChunk(r io.Reader) (*Chunk, error) {
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(r, nonce); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("%w: truncated chunk nonce", domain.ErrMalformedEnvelope)
	}
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("%w: truncated chunk length", domain.ErrMalformedEnvelope)
	}
	chunkLen := binary.BigEndian.Uint32(lenBuf[:])
	if chunkLen < TagSize || chunkLen > maxChunkCiphertext {
		return nil, fmt.Errorf("%w: invalid chunk length %d", domain.ErrMalformedEnvelope, chunkLen)
	}
	ciphertext := make([]byte, chunkLen)
	if _, err := io.ReadFull(r, ciphertext); err != nil {
		return nil, fmt.Errorf("%w: truncated chunk ciphertext", domain.ErrMalformedEnvelope)
	}
	return &Chunk{Nonce: nonce, Ciphertext: ciphertext}, nil
}

// StreamDecryptor は単一の鍵でFileEnvelopeを復号する。
type StreamDecryptor struct {
	aead cipher.AEAD
}

// NewStreamDecryptor はStreamDecryptorを生成する。
func NewStreamDecryptor(key []byte) (*StreamDecryptor, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	return &StreamDecryptor{aead: aead}, nil
}

// OpenChunk は単一チャンクを認証・復号する。タグ検証失敗はErrIntegrityFailure。
func (d *StreamDecryptor) OpenChunk(fileNonce []byte, c *Chunk) ([]byte, error) {
	plaintext, err := d.aead.Open(nil, c.Nonce, c.Ciphertext, fileNonce)
	if err != nil {
		return nil, domain.ErrIntegrityFailure
	}
	return plaintext, nil
}

// Decrypt はsrcのFileEnvelope全体を復号し、平文を検証済みチャンクごとにdstへ
// 書き出す。チャンクkで失敗した場合、チャンク1..k-1の平文は既に書き出されている。
func (d *StreamDecryptor) Decrypt(dst io.Writer, src io.Reader) error {
	header, err := ReadHeader(src)
	if err != nil {
		return err
	}
	for {
		chunk, err := ReadChunk(src)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		plaintext, err := d.OpenChunk(header.FileNonce, chunk)
		if err != nil {
			return err
		}
		if _, err := dst.Write(plaintext); err != nil {
			return fmt.Errorf("write plaintext: %w", err)
		}
	}
}
