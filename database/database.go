package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jaliph/snow-session/models"
	"github.com/jaliph/snow-session/utils"
)

// ErrSessionNotFound is returned when no status row exists for a session
var ErrSessionNotFound = errors.New("session status not found")

// mirrorQueueSize bounds the pending MSSQL writes. Overflow is picked up by
// the periodic force sync.
const mirrorQueueSize = 256

type mirrorOp struct {
	sessionID string
	remove    bool
}

// Database keeps one status row per session in a local sqlite file and
// mirrors every change to MSSQL when a mirror is configured. Mirror writes
// run on a background worker so callers only wait for sqlite.
type Database struct {
	db     *sql.DB
	gormDB *GormDB
	now    func() time.Time

	mirrorMu   sync.RWMutex
	mirror     chan mirrorOp
	mirrorDone chan struct{}
}

// NewDatabase opens (creating if needed) the sqlite status database at path.
// gormDB may be nil.
func NewDatabase(ctx context.Context, path string, gormDB *GormDB) (*Database, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite allows a single writer
	db.SetMaxOpenConns(1)

	if err := utils.WithRetry(ctx, func() error { return db.PingContext(ctx) }, utils.DefaultRetryConfig()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}

	database := &Database{db: db, gormDB: gormDB, now: time.Now}
	if err := database.init(); err != nil {
		db.Close()
		return nil, err
	}
	if gormDB != nil {
		database.mirror = make(chan mirrorOp, mirrorQueueSize)
		database.mirrorDone = make(chan struct{})
		go database.runMirror()
	}
	return database, nil
}

// runMirror applies queued mirror writes in order until Close
func (d *Database) runMirror() {
	defer close(d.mirrorDone)
	for op := range d.mirror {
		if err := d.applyMirror(op); err != nil {
			utils.Logger.Warn("Failed to mirror session to MSSQL", "session", op.sessionID, "error", err)
		}
	}
}

// applyMirror copies the current row, so a late write never regresses the mirror
func (d *Database) applyMirror(op mirrorOp) error {
	if op.remove {
		return d.gormDB.DeleteSession(op.sessionID)
	}
	rec, err := d.GetSession(op.sessionID)
	if errors.Is(err, ErrSessionNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return d.gormDB.SyncSessionToMSSQL(rec)
}

func (d *Database) enqueueMirror(op mirrorOp) {
	d.mirrorMu.RLock()
	defer d.mirrorMu.RUnlock()
	if d.mirror == nil {
		return
	}
	select {
	case d.mirror <- op:
	default:
		utils.Logger.Warn("MSSQL mirror queue full, leaving session to periodic sync", "session", op.sessionID)
	}
}

// init initializes the database tables
func (d *Database) init() error {
	_, err := d.db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			phone TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'disconnected',
			created_at INTEGER NOT NULL,
			opened_at INTEGER,
			closed_at INTEGER
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create sessions table: %w", err)
	}

	utils.Logger.Info("Database initialized successfully")
	return nil
}

// RecordStatus upserts the status row of a session. An empty phone keeps
// the stored one. Open and closed transitions stamp their timestamps.
func (d *Database) RecordStatus(sessionID, status, phone string) error {
	now := d.now().UTC().UnixMilli()
	var openedAt, closedAt sql.NullInt64
	switch status {
	case models.StateOpen.String():
		openedAt = sql.NullInt64{Int64: now, Valid: true}
	case models.StateClosed.String():
		closedAt = sql.NullInt64{Int64: now, Valid: true}
	}

	_, err := d.db.Exec(`
		INSERT INTO sessions (id, phone, status, created_at, opened_at, closed_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			phone = CASE WHEN excluded.phone <> '' THEN excluded.phone ELSE sessions.phone END,
			opened_at = COALESCE(excluded.opened_at, sessions.opened_at),
			closed_at = COALESCE(excluded.closed_at, sessions.closed_at)
	`, sessionID, phone, status, now, openedAt, closedAt)
	if err != nil {
		return fmt.Errorf("failed to record session status: %w", err)
	}

	d.enqueueMirror(mirrorOp{sessionID: sessionID})
	return nil
}

const sessionColumns = "id, phone, status, created_at, opened_at, closed_at"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.SessionRecord, error) {
	var (
		s                  models.SessionRecord
		createdAt          int64
		openedAt, closedAt sql.NullInt64
	)
	if err := row.Scan(&s.ID, &s.Phone, &s.Status, &createdAt, &openedAt, &closedAt); err != nil {
		return nil, err
	}
	s.CreatedAt = time.UnixMilli(createdAt).UTC()
	if openedAt.Valid {
		t := time.UnixMilli(openedAt.Int64).UTC()
		s.OpenedAt = &t
	}
	if closedAt.Valid {
		t := time.UnixMilli(closedAt.Int64).UTC()
		s.ClosedAt = &t
	}
	return &s, nil
}

// GetSession retrieves the status row of a session
func (d *Database) GetSession(sessionID string) (*models.SessionRecord, error) {
	s, err := scanSession(d.db.QueryRow("SELECT "+sessionColumns+" FROM sessions WHERE id = ?", sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return s, nil
}

// GetAllSessions retrieves every status row, newest first
func (d *Database) GetAllSessions() ([]*models.SessionRecord, error) {
	rows, err := d.db.Query("SELECT " + sessionColumns + " FROM sessions ORDER BY created_at DESC, id")
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*models.SessionRecord
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			utils.Logger.Warn("Failed to scan session", "error", err)
			continue
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// DeleteSession removes the status row of a session here and in the mirror
func (d *Database) DeleteSession(sessionID string) error {
	if _, err := d.db.Exec("DELETE FROM sessions WHERE id = ?", sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	d.enqueueMirror(mirrorOp{sessionID: sessionID, remove: true})
	return nil
}

// Close drains pending mirror writes and closes the database connection
func (d *Database) Close() error {
	d.mirrorMu.Lock()
	mirror := d.mirror
	d.mirror = nil
	d.mirrorMu.Unlock()
	if mirror != nil {
		close(mirror)
		<-d.mirrorDone
	}
	return d.db.Close()
}
