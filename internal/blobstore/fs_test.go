package blobstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"testing"
)

type failingReader struct{}

func (failingReader) Read(p []byte) (int, error) {
	return 0, errors.New("read failed")
}

func TestFSStore_PutGet(t *testing.T) {
	store, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	content := []byte("encrypted payload")

	if err := store.Put(ctx, "report.enc", bytes.NewReader(content)); err != nil {
		t.Fatalf("failed to put blob: %v", err)
	}

	rc, err := store.Get(ctx, "report.enc")
	if err != nil {
		t.Fatalf("failed to get blob: %v", err)
	}
	defer rc.Close()

	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("failed to read blob: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("expected %q, got %q", content, got)
	}
}

func TestFSStore_PutOverwrites(t *testing.T) {
	store, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Put(ctx, "doc.enc", strings.NewReader("old")); err != nil {
		t.Fatalf("failed to put blob: %v", err)
	}
	if err := store.Put(ctx, "doc.enc", strings.NewReader("new")); err != nil {
		t.Fatalf("failed to overwrite blob: %v", err)
	}

	rc, err := store.Get(ctx, "doc.enc")
	if err != nil {
		t.Fatalf("failed to get blob: %v", err)
	}
	defer rc.Close()

	got, _ := io.ReadAll(rc)
	if string(got) != "new" {
		t.Errorf("expected new, got %s", got)
	}
}

func TestFSStore_GetNotFound(t *testing.T) {
	store, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	_, err = store.Get(context.Background(), "missing.enc")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestFSStore_Delete(t *testing.T) {
	store, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Put(ctx, "doc.enc", strings.NewReader("data")); err != nil {
		t.Fatalf("failed to put blob: %v", err)
	}
	if err := store.Delete(ctx, "doc.enc"); err != nil {
		t.Fatalf("failed to delete blob: %v", err)
	}

	if _, err := store.Get(ctx, "doc.enc"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}

	if err := store.Delete(ctx, "doc.enc"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for second delete, got %v", err)
	}
}

func TestFSStore_FailedPutLeavesNothing(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFSStore(dir)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Put(ctx, "doc.enc", failingReader{}); err == nil {
		t.Fatal("expected error from failing reader, got nil")
	}

	if _, err := store.Get(ctx, "doc.enc"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after failed put, got %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("failed to read dir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected empty directory after failed put, got %d entries", len(entries))
	}
}

func TestFSStore_FailedPutKeepsExisting(t *testing.T) {
	store, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Put(ctx, "doc.enc", strings.NewReader("original")); err != nil {
		t.Fatalf("failed to put blob: %v", err)
	}
	if err := store.Put(ctx, "doc.enc", failingReader{}); err == nil {
		t.Fatal("expected error from failing reader, got nil")
	}

	rc, err := store.Get(ctx, "doc.enc")
	if err != nil {
		t.Fatalf("failed to get blob: %v", err)
	}
	defer rc.Close()

	got, _ := io.ReadAll(rc)
	if string(got) != "original" {
		t.Errorf("expected original content to survive failed put, got %s", got)
	}
}

func TestFSStore_InvalidName(t *testing.T) {
	store, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	names := []string{"", ".", "..", "a/b", `a\b`, "../escape"}
	for _, name := range names {
		if err := store.Put(ctx, name, strings.NewReader("x")); err == nil {
			t.Errorf("expected error for name %q, got nil", name)
		}
		if _, err := store.Get(ctx, name); err == nil {
			t.Errorf("expected error for name %q, got nil", name)
		}
	}
}
