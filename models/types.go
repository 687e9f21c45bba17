package models

import "time"

// APIResponse represents a standard API response
type APIResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// CreateSessionRequest represents a session creation request
type CreateSessionRequest struct {
	SessionID string `json:"sessionId"`
}

// CreateSessionResponse is returned once a session exists
type CreateSessionResponse struct {
	Status    string          `json:"status"`
	SessionID string          `json:"sessionId"`
	State     ConnectionState `json:"state"`
}

// QRPairingResponse is returned when a QR attempt starts. The caller polls
// GET /sessions/{id}/pair/qr until a payload is available.
type QRPairingResponse struct {
	Status    string    `json:"status"`
	AttemptID string    `json:"attemptId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// QRCodeResponse represents a QR code poll response
type QRCodeResponse struct {
	Status    string `json:"status"`
	QRPayload string `json:"qrPayload"`
	QRCodePNG string `json:"qrCodePng,omitempty"` // Base64 encoded PNG image
}

// PhonePairingRequest represents a phone-number pairing request
type PhonePairingRequest struct {
	PhoneNumber string `json:"phoneNumber"`
}

// PhonePairingResponse carries the code the user types into WhatsApp
type PhonePairingResponse struct {
	Status      string    `json:"status"`
	AttemptID   string    `json:"attemptId"`
	PairingCode string    `json:"pairingCode"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// CredentialExportResponse carries the encoded credential bundle of a session
type CredentialExportResponse struct {
	Status      string    `json:"status"`
	SessionID   string    `json:"sessionId"`
	UpdatedAt   time.Time `json:"updatedAt"`
	SessionCode string    `json:"sessionCode"`
}

// SessionListResponse lists every live session
type SessionListResponse struct {
	Status   string            `json:"status"`
	Sessions []SessionSnapshot `json:"sessions"`
}
