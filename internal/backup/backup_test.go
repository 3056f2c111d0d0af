package backup

import (
	"bytes"
	"context"
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestPutGet(t *testing.T) {
	s, err := NewFileStore(filepath.Join(t.TempDir(), "backups"))
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	ctx := context.Background()
	image := bytes.Repeat([]byte("stock calibration "), 512)

	ref, err := s.Put(ctx, "sess-1", image)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if !strings.HasPrefix(ref.URL, "file://") || !strings.HasSuffix(ref.URL, "sess-1.bin.xz") {
		t.Errorf("unexpected URL %s", ref.URL)
	}
	if ref.Size != int64(len(image)) || ref.Checksum != Checksum(image) {
		t.Errorf("unexpected ref %+v", ref)
	}

	got, err := s.Get(ctx, ref)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, image) {
		t.Error("round trip changed the image")
	}
}

func TestGetDetectsCorruption(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	ctx := context.Background()

	ref, err := s.Put(ctx, "sess-1", []byte("stock image"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	wrong := ref
	wrong.Checksum = Checksum([]byte("other image"))
	if _, err := s.Get(ctx, wrong); !errors.Is(err, ErrBackupCorrupt) {
		t.Errorf("expected ErrBackupCorrupt for checksum mismatch, got %v", err)
	}

	u, _ := url.Parse(ref.URL)
	if err := os.WriteFile(filepath.FromSlash(u.Path), []byte("not xz"), 0o600); err != nil {
		t.Fatalf("overwrite backup: %v", err)
	}
	if _, err := s.Get(ctx, ref); !errors.Is(err, ErrBackupCorrupt) {
		t.Errorf("expected ErrBackupCorrupt for damaged file, got %v", err)
	}
}

func TestPutRejects(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	ctx := context.Background()

	if _, err := s.Put(ctx, "sess-1", nil); !errors.Is(err, ErrEmptyBackup) {
		t.Errorf("expected ErrEmptyBackup, got %v", err)
	}
	if _, err := s.Put(ctx, "../escape", []byte("x")); err == nil {
		t.Error("expected error for path-like session id")
	}
	if _, err := s.Get(ctx, Ref{URL: "https://example.com/b.xz"}); err == nil {
		t.Error("expected error for non-file URL")
	}
}

func TestHealthy(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if err := s.Healthy(context.Background()); err != nil {
		t.Errorf("Healthy: %v", err)
	}
	entries, _ := os.ReadDir(s.Dir())
	if len(entries) != 0 {
		t.Errorf("probe left files behind: %v", entries)
	}
}
