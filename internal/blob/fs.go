package blob

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("blob not found")
	ErrTooLarge = errors.New("blob exceeds size limit")
)

// Store keeps file bytes on the local filesystem, fanned out over a two-level
// prefix directory derived from the storage key. It supplies the byte counts
// the quota engine charges; it knows nothing about quotas itself.
type Store struct {
	root string
}

func NewStore(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir blob dir: %w", err)
	}
	return &Store{root: root}, nil
}

// Save streams r to disk under a fresh storage key, writing to a temp file
// and renaming so readers never observe a partial blob. maxBytes caps the
// write; exceeding it aborts with ErrTooLarge.
func (s *Store) Save(r io.Reader, maxBytes int64) (key string, size int64, err error) {
	key = uuid.NewString()
	dst := s.path(key)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", 0, fmt.Errorf("mkdir blob prefix: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return "", 0, err
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	size, err = io.Copy(tmp, io.LimitReader(r, maxBytes+1))
	if err != nil {
		return "", 0, err
	}
	if size > maxBytes {
		err = ErrTooLarge
		return "", 0, err
	}
	if err = tmp.Close(); err != nil {
		return "", 0, err
	}
	if err = os.Rename(tmp.Name(), dst); err != nil {
		return "", 0, err
	}
	return key, size, nil
}

func (s *Store) Open(key string) (io.ReadCloser, int64, error) {
	f, err := os.Open(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, err
	}
	return f, info.Size(), nil
}

// Delete removes the blob. A missing blob is not an error; deletion events
// can arrive more than once.
func (s *Store) Delete(key string) error {
	err := os.Remove(s.path(key))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *Store) path(key string) string {
	key = strings.ReplaceAll(key, "/", "")
	prefix := "00"
	if len(key) >= 2 {
		prefix = key[:2]
	}
	return filepath.Join(s.root, prefix, key)
}
