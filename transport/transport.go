// Package transport defines the boundary between the session engine and the
// protocol library that owns the actual WhatsApp connection. The engine never
// interprets protocol bytes: it reacts to four event kinds and issues a
// handful of commands.
package transport

import (
	"context"
	"fmt"
)

// EventKind enumerates the events a transport emits
type EventKind int

const (
	EventQRAvailable EventKind = iota
	EventCredentialsUpdated
	EventConnectionOpened
	EventConnectionClosed
)

func (k EventKind) String() string {
	switch k {
	case EventQRAvailable:
		return "qr_available"
	case EventCredentialsUpdated:
		return "credentials_updated"
	case EventConnectionOpened:
		return "connection_opened"
	case EventConnectionClosed:
		return "connection_closed"
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// CloseReason explains why a connection closed
type CloseReason int

const (
	// CloseConnectionLost is a transient network level disconnect
	CloseConnectionLost CloseReason = iota
	// CloseTransportError is a failure reported by the protocol library
	CloseTransportError
	// CloseLoggedOut means the device was unlinked; the session is over
	CloseLoggedOut
	// CloseCredentialsInvalid means stored credentials can no longer
	// authenticate and a fresh pairing is required
	CloseCredentialsInvalid
	// ClosePairingTimeout means the transport stopped offering QR codes
	ClosePairingTimeout
	// CloseReplaced means another client took over the stream
	CloseReplaced
)

func (r CloseReason) String() string {
	switch r {
	case CloseConnectionLost:
		return "connection_lost"
	case CloseTransportError:
		return "transport_error"
	case CloseLoggedOut:
		return "logged_out"
	case CloseCredentialsInvalid:
		return "credentials_invalid"
	case ClosePairingTimeout:
		return "pairing_timeout"
	case CloseReplaced:
		return "replaced"
	}
	return fmt.Sprintf("reason(%d)", int(r))
}

// Event is one item of a transport's event stream
type Event struct {
	Kind EventKind
	// QR is the scannable payload of an EventQRAvailable
	QR string
	// Credentials is the opaque blob of an EventCredentialsUpdated
	Credentials []byte
	// Reason and Err describe an EventConnectionClosed
	Reason CloseReason
	Err    error
}

func QRAvailable(payload string) Event {
	return Event{Kind: EventQRAvailable, QR: payload}
}

func CredentialsUpdated(blob []byte) Event {
	return Event{Kind: EventCredentialsUpdated, Credentials: blob}
}

func ConnectionOpened() Event {
	return Event{Kind: EventConnectionOpened}
}

func ConnectionClosed(reason CloseReason, err error) Event {
	return Event{Kind: EventConnectionClosed, Reason: reason, Err: err}
}

// Handle is one underlying connection owned by a session. A handle outlives
// individual connections: Connect may be called again after a close, and
// the event stream stays valid until Close.
type Handle interface {
	// Events yields events in emission order
	Events() <-chan Event
	// Connect starts a connection attempt and returns once it is underway
	Connect(ctx context.Context) error
	// RequestPairingCode asks the remote side for a phone-number pairing code.
	// Only valid once a connection attempt is underway.
	RequestPairingCode(ctx context.Context, phoneNumber string) (string, error)
	// Close terminates the connection and releases the handle
	Close() error
}

// LogoutHandle is implemented by transports that can unlink the device
// from the remote side before the handle is closed
type LogoutHandle interface {
	Logout(ctx context.Context) error
}

// Factory opens handles. credentials is the last persisted blob for the
// session, or nil when the session was never paired.
type Factory interface {
	Open(ctx context.Context, sessionID string, credentials []byte) (Handle, error)
}
