// Package backup stores the ECU images read off a device before it is
// flashed, so that a failed write can be rolled back.
package backup

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"

	"github.com/ulikunitz/xz"
	"lukechampine.com/blake3"
)

var (
	// ErrBackupCorrupt is returned when a stored image no longer matches
	// its recorded checksum.
	ErrBackupCorrupt = errors.New("backup corrupt")
	// ErrEmptyBackup is returned when asked to store an empty image.
	ErrEmptyBackup = errors.New("backup image is empty")
)

// Ref locates a stored backup and pins its content.
type Ref struct {
	URL      string `json:"url"`
	Checksum string `json:"checksum"`
	Size     int64  `json:"size"`
}

// Store keeps backup images.
type Store interface {
	Put(ctx context.Context, sessionID string, blob []byte) (Ref, error)
	Get(ctx context.Context, ref Ref) ([]byte, error)
}

// Checksum returns the hex BLAKE3-256 digest of b.
func Checksum(b []byte) string {
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// FileStore writes xz-compressed images under a directory.
type FileStore struct {
	dir string
}

// NewFileStore creates dir if needed and returns a store rooted there.
func NewFileStore(dir string) (*FileStore, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve backup dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o700); err != nil {
		return nil, fmt.Errorf("create backup dir: %w", err)
	}
	return &FileStore{dir: abs}, nil
}

// Dir returns the store's root directory.
func (s *FileStore) Dir() string { return s.dir }

// Put compresses blob and writes it as <sessionID>.bin.xz.
func (s *FileStore) Put(ctx context.Context, sessionID string, blob []byte) (Ref, error) {
	if err := ctx.Err(); err != nil {
		return Ref{}, err
	}
	if len(blob) == 0 {
		return Ref{}, ErrEmptyBackup
	}
	if sessionID == "" || filepath.Base(sessionID) != sessionID {
		return Ref{}, fmt.Errorf("invalid session id %q", sessionID)
	}

	compressed, err := compressXZ(blob)
	if err != nil {
		return Ref{}, err
	}

	path := filepath.Join(s.dir, sessionID+".bin.xz")
	tmp, err := os.CreateTemp(s.dir, sessionID+".*.tmp")
	if err != nil {
		return Ref{}, fmt.Errorf("create backup file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(compressed); err != nil {
		_ = tmp.Close()
		return Ref{}, fmt.Errorf("write backup file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return Ref{}, fmt.Errorf("sync backup file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return Ref{}, fmt.Errorf("close backup file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return Ref{}, fmt.Errorf("rename backup file: %w", err)
	}

	return Ref{
		URL:      (&url.URL{Scheme: "file", Path: filepath.ToSlash(path)}).String(),
		Checksum: Checksum(blob),
		Size:     int64(len(blob)),
	}, nil
}

// Get reads the image behind ref and verifies it against ref.Checksum.
func (s *FileStore) Get(ctx context.Context, ref Ref) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	u, err := url.Parse(ref.URL)
	if err != nil {
		return nil, fmt.Errorf("parse backup url: %w", err)
	}
	if u.Scheme != "file" {
		return nil, fmt.Errorf("unsupported backup url scheme %q", u.Scheme)
	}

	compressed, err := os.ReadFile(filepath.FromSlash(u.Path))
	if err != nil {
		return nil, fmt.Errorf("read backup file: %w", err)
	}
	blob, err := decompressXZ(compressed)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBackupCorrupt, err)
	}
	if got := Checksum(blob); got != ref.Checksum {
		return nil, fmt.Errorf("%w: checksum %s, expected %s", ErrBackupCorrupt, got, ref.Checksum)
	}
	if ref.Size > 0 && int64(len(blob)) != ref.Size {
		return nil, fmt.Errorf("%w: size %d, expected %d", ErrBackupCorrupt, len(blob), ref.Size)
	}
	return blob, nil
}

// Healthy reports whether new backups can be written.
func (s *FileStore) Healthy(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f, err := os.CreateTemp(s.dir, ".probe-*")
	if err != nil {
		return fmt.Errorf("backup dir not writable: %w", err)
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}

func compressXZ(image []byte) ([]byte, error) {
	var compressed bytes.Buffer
	w, err := xz.NewWriter(&compressed)
	if err != nil {
		return nil, fmt.Errorf("create xz writer: %w", err)
	}
	if _, err := w.Write(image); err != nil {
		return nil, fmt.Errorf("compress backup: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("finish backup compression: %w", err)
	}
	return compressed.Bytes(), nil
}

func decompressXZ(b []byte) ([]byte, error) {
	r, err := xz.ReaderConfig{SingleStream: true}.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("create xz reader: %w", err)
	}
	var out bytes.Buffer
	if _, err := io.Copy(&out, r); err != nil {
		return nil, fmt.Errorf("decompress backup: %w", err)
	}
	return out.Bytes(), nil
}
