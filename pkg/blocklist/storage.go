package blocklist

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const (
	currentVersion = 1

	tempFileSuffix   = ".tmp"
	backupFileSuffix = ".bak"
	lockFileSuffix   = ".lock"
)

// storage persists the block list as a JSON file. Reads and writes hold an
// inter-process lock on a sibling .lock file; writes go through a temporary
// file and an atomic rename.
type storage struct {
	path string
	mu   sync.Mutex
}

func newStorage(path string) *storage {
	return &storage{path: path}
}

func emptyData() *listData {
	return &listData{
		Version: currentVersion,
		Peers:   make(map[string]*Entry),
	}
}

// withLock runs fn while holding both the in-process mutex and the file lock.
func (s *storage) withLock(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ensureDir(s.path); err != nil {
		return err
	}
	f, err := lockFile(s.path + lockFileSuffix)
	if err != nil {
		return err
	}
	defer unlockFile(f)

	return fn()
}

// load reads the block list. A missing or empty file yields an empty list; a
// corrupted file is moved aside to .bak and also yields an empty list.
func (s *storage) load() (*listData, error) {
	var out *listData
	err := s.withLock(func() error {
		data, err := os.ReadFile(s.path)
		if err != nil {
			if os.IsNotExist(err) {
				out = emptyData()
				return nil
			}
			return fmt.Errorf("failed to read block list: %w", err)
		}
		if len(data) == 0 {
			out = emptyData()
			return nil
		}

		var list listData
		if err := json.Unmarshal(data, &list); err != nil {
			if backupErr := os.Rename(s.path, s.path+backupFileSuffix); backupErr != nil {
				return fmt.Errorf("failed to parse block list and backup failed: parse error: %w, backup error: %v", err, backupErr)
			}
			out = emptyData()
			return nil
		}
		if list.Peers == nil {
			list.Peers = make(map[string]*Entry)
		}
		for key, e := range list.Peers {
			if e == nil {
				delete(list.Peers, key)
			}
		}
		out = &list
		return nil
	})
	return out, err
}

// save writes the block list atomically.
func (s *storage) save(list *listData) error {
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal block list: %w", err)
	}

	return s.withLock(func() error {
		tempPath := s.path + tempFileSuffix
		f, err := os.OpenFile(tempPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
		if err != nil {
			return fmt.Errorf("failed to create temporary file: %w", err)
		}
		if _, err := f.Write(data); err != nil {
			f.Close()
			os.Remove(tempPath)
			return fmt.Errorf("failed to write temporary file: %w", err)
		}
		if err := f.Sync(); err != nil {
			f.Close()
			os.Remove(tempPath)
			return fmt.Errorf("failed to sync temporary file: %w", err)
		}
		if err := f.Close(); err != nil {
			os.Remove(tempPath)
			return fmt.Errorf("failed to close temporary file: %w", err)
		}
		if err := os.Rename(tempPath, s.path); err != nil {
			os.Remove(tempPath)
			return fmt.Errorf("failed to rename temporary file: %w", err)
		}
		return nil
	})
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	return nil
}
