package models

import "time"

// SessionStatus is the MSSQL mirror of a session status row
type SessionStatus struct {
	SessionID string     `gorm:"primaryKey;size:128" json:"session_id"`
	Phone     string     `gorm:"size:20;index" json:"phone"`
	Status    string     `gorm:"size:32;not null;index" json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	OpenedAt  *time.Time `json:"opened_at,omitempty"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
	SyncedAt  time.Time  `gorm:"not null" json:"synced_at"`
}

// TableName specifies the table name for the SessionStatus model
func (SessionStatus) TableName() string {
	return "whatsapp_sessions"
}
