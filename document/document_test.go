package document

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestFileLoader(t *testing.T) {
	root := t.TempDir()

	if err := os.WriteFile(filepath.Join(root, "doc.txt"), []byte("contents"), 0644); err != nil {
		t.Fatalf("expected err to be nil, got %v", err)
	}

	loader := &FileLoader{Root: root}

	data, err := loader.Load(context.Background(), "doc.txt")

	if err != nil {
		t.Fatalf("expected err to be nil, got %v", err)
	}

	if diff := cmp.Diff([]byte("contents"), data); diff != "" {
		t.Fatalf("data mismatch (-want +got):\n%s", diff)
	}

	if _, err := loader.Load(context.Background(), "missing.txt"); err == nil {
		t.Fatalf("expected err to not be nil")
	}
}

func TestFileLoaderStaysUnderRoot(t *testing.T) {
	root := t.TempDir()

	outside := filepath.Join(filepath.Dir(root), "secret.txt")

	if err := os.WriteFile(outside, []byte("secret"), 0644); err != nil {
		t.Fatalf("expected err to be nil, got %v", err)
	}

	defer os.Remove(outside)

	loader := &FileLoader{Root: root}

	if _, err := loader.Load(context.Background(), "../secret.txt"); err == nil {
		t.Fatalf("expected err to not be nil")
	}
}

func TestFileLoaderCanceledContext(t *testing.T) {
	loader := &FileLoader{Root: t.TempDir()}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := loader.Load(ctx, "doc.txt"); err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
