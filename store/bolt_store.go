package store

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/jaliph/snow-session/models"
)

var credentialsBucket = []byte("credentials")

// BoltStore keeps credential records in a single bbolt file. Every write is
// its own transaction.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the bbolt file at path
func NewBoltStore(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create credential directory: %w", err)
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open credential db %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(credentialsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create credentials bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Load(sessionID string) (*models.CredentialRecord, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(credentialsBucket).Get([]byte(sessionID))
		if v == nil {
			return ErrNotFound
		}
		// values are only valid inside the transaction
		data = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return decodeRecord(sessionID, data)
}

func (s *BoltStore) Save(record models.CredentialRecord) error {
	data, err := encodeRecord(record)
	if err != nil {
		return err
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(credentialsBucket).Put([]byte(record.SessionID), data)
	})
	if err != nil {
		return fmt.Errorf("failed to save credentials for %s: %w", record.SessionID, err)
	}
	return nil
}

func (s *BoltStore) Delete(sessionID string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(credentialsBucket).Delete([]byte(sessionID))
	})
	if err != nil {
		return fmt.Errorf("failed to delete credentials for %s: %w", sessionID, err)
	}
	return nil
}

func (s *BoltStore) List() ([]string, error) {
	var ids []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(credentialsBucket).ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	return ids, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
