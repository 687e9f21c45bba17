package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/jaliph/snow-session/models"
)

const credentialExt = ".json"

// FileStore keeps one JSON file per session under dir. Writes go to a
// temporary file in the same directory and are published with rename, so
// readers never observe a partially written record.
type FileStore struct {
	dir   string
	locks *keyLock
}

// NewFileStore creates a file-backed credential store
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create credential directory: %w", err)
	}
	return &FileStore{dir: dir, locks: newKeyLock()}, nil
}

func (s *FileStore) path(sessionID string) string {
	return filepath.Join(s.dir, sessionID+credentialExt)
}

func (s *FileStore) Load(sessionID string) (*models.CredentialRecord, error) {
	data, err := os.ReadFile(s.path(sessionID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials for %s: %w", sessionID, err)
	}
	return decodeRecord(sessionID, data)
}

func (s *FileStore) Save(record models.CredentialRecord) error {
	data, err := encodeRecord(record)
	if err != nil {
		return err
	}

	unlock := s.locks.Lock(record.SessionID)
	defer unlock()

	tmp, err := os.CreateTemp(s.dir, "."+record.SessionID+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp credentials for %s: %w", record.SessionID, err)
	}
	tmpName := tmp.Name()
	published := false
	defer func() {
		if !published {
			os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write credentials for %s: %w", record.SessionID, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync credentials for %s: %w", record.SessionID, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close credentials for %s: %w", record.SessionID, err)
	}
	if err := os.Rename(tmpName, s.path(record.SessionID)); err != nil {
		return fmt.Errorf("failed to publish credentials for %s: %w", record.SessionID, err)
	}
	published = true

	// Persist the rename itself. Not every platform can fsync a directory.
	if d, err := os.Open(s.dir); err == nil {
		d.Sync()
		d.Close()
	}
	return nil
}

func (s *FileStore) Delete(sessionID string) error {
	unlock := s.locks.Lock(sessionID)
	defer unlock()

	err := os.Remove(s.path(sessionID))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete credentials for %s: %w", sessionID, err)
	}
	return nil
}

func (s *FileStore) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, credentialExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, credentialExt))
	}
	return ids, nil
}

func (s *FileStore) Close() error {
	return nil
}
