package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/jaliph/snow-session/models"
)

// ErrNotFound is returned when no credentials are stored for a session
var ErrNotFound = errors.New("credentials not found")

// CredentialStore persists one credential record per session. Save replaces
// the stored record atomically: a concurrent Load sees either the previous
// record or the new one, never a mix.
type CredentialStore interface {
	Load(sessionID string) (*models.CredentialRecord, error)
	Save(record models.CredentialRecord) error
	Delete(sessionID string) error
	// List returns the ids of every session with stored credentials
	List() ([]string, error)
	Close() error
}

const (
	BackendFile = "file"
	BackendBolt = "bolt"
)

// OpenCredentialStore opens the configured backend rooted at dir
func OpenCredentialStore(backend, dir string) (CredentialStore, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", BackendFile:
		return NewFileStore(dir)
	case BackendBolt:
		return NewBoltStore(filepath.Join(dir, "credentials.bolt"))
	default:
		return nil, fmt.Errorf("unknown credential backend %q", backend)
	}
}

func encodeRecord(record models.CredentialRecord) ([]byte, error) {
	data, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("failed to encode credentials for %s: %w", record.SessionID, err)
	}
	return data, nil
}

func decodeRecord(sessionID string, data []byte) (*models.CredentialRecord, error) {
	var record models.CredentialRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to decode credentials for %s: %w", sessionID, err)
	}
	return &record, nil
}
