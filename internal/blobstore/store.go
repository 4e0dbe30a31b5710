// Package blobstore は暗号化済みファイルエンベロープの保存先を提供する。
package blobstore

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound は指定された名前のオブジェクトが存在しない場合のエラー。
var ErrNotFound = errors.New("blob not found")

// Store は暗号化済みエンベロープの保存先。
// Putは完全に書き込まれたオブジェクトだけを可視化する。途中で失敗した
// 書き込みが読み出されることはない。
type Store interface {
	Put(ctx context.Context, name string, r io.Reader) error
	Get(ctx context.Context, name string) (io.ReadCloser, error)
	Delete(ctx context.Context, name string) error
}
