package database

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/sqlserver"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jaliph/snow-session/models"
	"github.com/jaliph/snow-session/utils"
)

// GormDB is the MSSQL mirror of the session status table
type GormDB struct {
	db *gorm.DB
}

// NewGormDB connects to MSSQL and migrates the mirror table
func NewGormDB(server, database, username, password string) (*GormDB, error) {
	dsn := fmt.Sprintf("sqlserver://%s:%s@%s?database=%s", username, password, server, database)

	db, err := gorm.Open(sqlserver.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MSSQL: %w", err)
	}

	gormDB := &GormDB{db: db}
	if err := gormDB.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	utils.Logger.Info("GORM database connected successfully")
	return gormDB, nil
}

func (gdb *GormDB) migrate() error {
	return gdb.db.AutoMigrate(&models.SessionStatus{})
}

// toStatus maps a local status row onto the mirror model
func toStatus(rec *models.SessionRecord) *models.SessionStatus {
	return &models.SessionStatus{
		SessionID: rec.ID,
		Phone:     rec.Phone,
		Status:    rec.Status,
		CreatedAt: rec.CreatedAt,
		OpenedAt:  rec.OpenedAt,
		ClosedAt:  rec.ClosedAt,
		SyncedAt:  time.Now().UTC(),
	}
}

// SyncSessionToMSSQL creates or updates the mirror row of one session
func (gdb *GormDB) SyncSessionToMSSQL(rec *models.SessionRecord) error {
	status := toStatus(rec)

	var existing models.SessionStatus
	result := gdb.db.Where("session_id = ?", rec.ID).First(&existing)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return gdb.db.Create(status).Error
		}
		return result.Error
	}

	return gdb.db.Model(&models.SessionStatus{}).Where("session_id = ?", rec.ID).Updates(map[string]interface{}{
		"phone":     status.Phone,
		"status":    status.Status,
		"opened_at": status.OpenedAt,
		"closed_at": status.ClosedAt,
		"synced_at": status.SyncedAt,
	}).Error
}

// SyncAllSessionsToMSSQL mirrors every given row, stopping at the first failure
func (gdb *GormDB) SyncAllSessionsToMSSQL(sessions []*models.SessionRecord) error {
	for _, rec := range sessions {
		if err := gdb.SyncSessionToMSSQL(rec); err != nil {
			return fmt.Errorf("failed to sync session %s: %w", rec.ID, err)
		}
	}
	return nil
}

// ForceSyncAllSessions copies the whole local status table to MSSQL
func (gdb *GormDB) ForceSyncAllSessions(sqliteDB interface {
	GetAllSessions() ([]*models.SessionRecord, error)
}) error {
	sessions, err := sqliteDB.GetAllSessions()
	if err != nil {
		return fmt.Errorf("failed to get sessions from SQLite: %w", err)
	}

	utils.Logger.Info("Force syncing sessions to MSSQL", "count", len(sessions))
	return gdb.SyncAllSessionsToMSSQL(sessions)
}

// DeleteSession deletes the mirror row of a session
func (gdb *GormDB) DeleteSession(sessionID string) error {
	result := gdb.db.Where("session_id = ?", sessionID).Delete(&models.SessionStatus{})
	if result.Error != nil {
		return fmt.Errorf("failed to delete session from MSSQL: %w", result.Error)
	}
	return nil
}

// Close closes the database connection
func (gdb *GormDB) Close() error {
	sqlDB, err := gdb.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
