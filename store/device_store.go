package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	waStore "go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	waLog "go.mau.fi/whatsmeow/util/log"
	_ "modernc.org/sqlite"
)

// DeviceStoreManager manages one whatsmeow key store per session. The
// protocol library keeps its signal keys there; the credential store only
// holds the exported identity of the linked device.
type DeviceStoreManager struct {
	dir        string
	log        waLog.Logger
	mu         sync.Mutex
	containers map[string]*sqlstore.Container // session id -> container
}

// NewDeviceStoreManager creates a device store manager rooted at dir
func NewDeviceStoreManager(dir string, log waLog.Logger) (*DeviceStoreManager, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create device directory: %w", err)
	}
	if log == nil {
		log = waLog.Noop
	}
	return &DeviceStoreManager{
		dir:        dir,
		log:        log,
		containers: make(map[string]*sqlstore.Container),
	}, nil
}

func (m *DeviceStoreManager) dbPath(sessionID string) string {
	return filepath.Join(m.dir, fmt.Sprintf("session_%s.db", sessionID))
}

// Device returns the device of a session, creating an empty one when the
// session was never paired
func (m *DeviceStoreManager) Device(ctx context.Context, sessionID string) (*waStore.Device, error) {
	container, err := m.container(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load device for %s: %w", sessionID, err)
	}
	if device == nil {
		device = container.NewDevice()
	}
	return device, nil
}

func (m *DeviceStoreManager) container(ctx context.Context, sessionID string) (*sqlstore.Container, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.containers[sessionID]; ok {
		return c, nil
	}

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", m.dbPath(sessionID))
	c, err := sqlstore.New(ctx, "sqlite", dsn, m.log.Sub(sessionID))
	if err != nil {
		return nil, fmt.Errorf("failed to create device store for %s: %w", sessionID, err)
	}
	m.containers[sessionID] = c
	return c, nil
}

// Remove closes and deletes the key store of a session
func (m *DeviceStoreManager) Remove(sessionID string) error {
	m.mu.Lock()
	c, ok := m.containers[sessionID]
	delete(m.containers, sessionID)
	m.mu.Unlock()

	if ok {
		if err := c.Close(); err != nil {
			return fmt.Errorf("failed to close device store for %s: %w", sessionID, err)
		}
	}
	base := m.dbPath(sessionID)
	for _, path := range []string{base, base + "-wal", base + "-shm"} {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to delete device store for %s: %w", sessionID, err)
		}
	}
	return nil
}

// CloseAll closes every open key store
func (m *DeviceStoreManager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, c := range m.containers {
		if err := c.Close(); err != nil {
			m.log.Warnf("Failed to close device store for %s: %v", id, err)
		}
	}
	m.containers = make(map[string]*sqlstore.Container)
}
