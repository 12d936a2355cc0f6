package resource

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Storage lays out resource files under a root directory, one subdirectory
// per tag.
type Storage struct {
	root string
}

// NewStorage creates a storage rooted at root. The directory is created lazily.
func NewStorage(root string) *Storage {
	return &Storage{root: root}
}

// Root returns the storage root.
func (s *Storage) Root() string {
	return s.root
}

// WorkDir returns the directory for tag, creating it if needed.
func (s *Storage) WorkDir(tag string) (string, error) {
	if err := ValidateName(tag); err != nil {
		return "", fmt.Errorf("tag %q: %w", tag, err)
	}
	dir := filepath.Join(s.root, tag)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("failed to create directory: %w", err)
	}
	return dir, nil
}

// Path returns the deterministic location of resource name under tag.
// It does not touch the filesystem.
func (s *Storage) Path(name, tag string) string {
	return filepath.Join(s.root, tag, name)
}

// write stores data at Path(name, tag) atomically.
func (s *Storage) write(name, tag string, data []byte) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	dir, err := s.WorkDir(tag)
	if err != nil {
		return "", err
	}

	path := filepath.Join(dir, name)
	tmp, err := os.CreateTemp(dir, "."+name+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to rename temp file: %w", err)
	}
	return path, nil
}

// ValidateName rejects anything but a single path element.
func ValidateName(name string) error {
	if name == "" || name == "." || name == ".." {
		return ErrInvalidName
	}
	if strings.ContainsAny(name, `/\`) || filepath.Base(name) != name {
		return ErrInvalidName
	}
	return nil
}
