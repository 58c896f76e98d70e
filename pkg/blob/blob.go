// Package blob stores attachment bytes. The store is a collaborator behind
// an interface; only file metadata lives in the ConversationStore.
package blob

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Store writes and removes attachment payloads addressed by a relative path.
type Store interface {
	Save(path string, r io.Reader) error
	Remove(path string) error
}

// DiskStore keeps blobs under a base directory, one subdirectory per
// conversation.
type DiskStore struct {
	base string
}

func NewDiskStore(base string) (*DiskStore, error) {
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	return &DiskStore{base: base}, nil
}

func (d *DiskStore) Save(path string, r io.Reader) error {
	full := filepath.Join(d.base, filepath.Clean(path))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("create attachment dir: %w", err)
	}
	f, err := os.Create(full)
	if err != nil {
		return fmt.Errorf("create attachment file: %w", err)
	}
	defer f.Close()
	if _, err := io.Copy(f, r); err != nil {
		return fmt.Errorf("write attachment: %w", err)
	}
	return nil
}

func (d *DiskStore) Remove(path string) error {
	return os.Remove(filepath.Join(d.base, filepath.Clean(path)))
}
