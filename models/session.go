package models

import "time"

// ConnectionState is the observable connection state of a session
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateAwaitingQR
	StateAwaitingPairingCode
	StateOpen
	StateClosed
)

var stateNames = map[ConnectionState]string{
	StateDisconnected:        "disconnected",
	StateConnecting:          "connecting",
	StateAwaitingQR:          "awaiting_qr",
	StateAwaitingPairingCode: "awaiting_pairing_code",
	StateOpen:                "open",
	StateClosed:              "closed",
}

func (s ConnectionState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// MarshalText encodes the state by name so JSON and the status table stay readable
func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// PairingMode selects how a device is linked to a session
type PairingMode int

const (
	PairingQR PairingMode = iota
	PairingPhoneNumber
)

func (m PairingMode) String() string {
	if m == PairingPhoneNumber {
		return "phone_number"
	}
	return "qr"
}

func (m PairingMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// CredentialRecord is the persisted authentication material of one session.
// Data is opaque to everything but the transport that produced it.
type CredentialRecord struct {
	SessionID string    `json:"session_id"`
	Data      []byte    `json:"data"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AttemptInfo summarizes the active pairing attempt of a session
type AttemptInfo struct {
	ID          string      `json:"attemptId"`
	Mode        PairingMode `json:"mode"`
	PhoneNumber string      `json:"phoneNumber,omitempty"`
	StartedAt   time.Time   `json:"startedAt"`
	ExpiresAt   time.Time   `json:"expiresAt"`
	HasCode     bool        `json:"hasCode"`
}

// SessionSnapshot is a point-in-time view of a session
type SessionSnapshot struct {
	ID        string          `json:"sessionId"`
	State     ConnectionState `json:"state"`
	HasQR     bool            `json:"hasQr"`
	Condition string          `json:"condition,omitempty"`
	Attempt   *AttemptInfo    `json:"attempt,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// SessionRecord is a row of the local session status table
type SessionRecord struct {
	ID        string     `json:"session_id"`
	Phone     string     `json:"phone,omitempty"`
	Status    string     `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	OpenedAt  *time.Time `json:"opened_at,omitempty"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
}
