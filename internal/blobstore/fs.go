package blobstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// FSStore はローカルファイルシステム上のStore実装。
// 一時ファイルへ書き切ってからrenameすることで、完全に書き込まれた
// オブジェクトだけを公開する。
type FSStore struct {
	dir string
}

// NewFSStore は保存先ディレクトリを作成してFSStoreを生成する。
func NewFSStore(dir string) (*FSStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("creating blob directory: %w", err)
	}
	return &FSStore{dir: dir}, nil
}

// path はオブジェクト名を検証して保存先パスへ解決する。
// パス区切りを含む名前はディレクトリ外への書き込みになるため拒否する。
func (s *FSStore) path(name string) (string, error) {
	if name == "" || name == "." || name == ".." ||
		strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("invalid blob name %q", name)
	}
	return filepath.Join(s.dir, name), nil
}

// Put は一時ファイルへ書き込み、syncしてからrenameで公開する。
func (s *FSStore) Put(_ context.Context, name string, r io.Reader) error {
	target, err := s.path(name)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, ".put-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing blob: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("syncing blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0600); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("setting blob permissions: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("publishing blob: %w", err)
	}
	return nil
}

// Get は保存済みオブジェクトを開く。
func (s *FSStore) Get(_ context.Context, name string) (io.ReadCloser, error) {
	target, err := s.path(name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(target)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("opening blob: %w", err)
	}
	return f, nil
}

// Delete は保存済みオブジェクトを削除する。
func (s *FSStore) Delete(_ context.Context, name string) error {
	target, err := s.path(name)
	if err != nil {
		return err
	}
	if err := os.Remove(target); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("deleting blob: %w", err)
	}
	return nil
}
