package session

import (
	"errors"
	"fmt"

	"github.com/jaliph/snow-session/store"
)

var (
	ErrInvalidPhoneNumber = errors.New("invalid phone number")
	ErrInvalidSessionID   = errors.New("invalid session id")
	ErrPairingBusy        = errors.New("pairing already in progress")
	ErrPairingExpired     = errors.New("pairing attempt expired")
	ErrPairingCancelled   = errors.New("pairing attempt cancelled")
	ErrNotAvailable       = errors.New("qr code not available")
	ErrAlreadyClosing     = errors.New("session is closing")
	ErrAlreadyPaired      = errors.New("session is already paired")
	ErrSessionNotFound    = errors.New("session not found")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	ErrLoggedOut          = errors.New("session logged out")
	ErrSessionReplaced    = errors.New("session opened elsewhere")
	ErrCredentialsInvalid = errors.New("stored credentials are no longer valid")
)

// TransportError wraps a failure of the protocol library or of credential
// persistence. It is always recoverable by retrying or pairing again.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Code returns the stable name of the condition behind err
func Code(err error) string {
	var te *TransportError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidPhoneNumber):
		return "InvalidPhoneNumber"
	case errors.Is(err, ErrInvalidSessionID):
		return "InvalidSessionID"
	case errors.Is(err, ErrPairingBusy):
		return "PairingBusy"
	case errors.Is(err, ErrPairingExpired):
		return "PairingExpired"
	case errors.Is(err, ErrPairingCancelled):
		return "PairingCancelled"
	case errors.Is(err, ErrNotAvailable):
		return "NotAvailable"
	case errors.Is(err, ErrAlreadyClosing):
		return "AlreadyClosing"
	case errors.Is(err, ErrAlreadyPaired):
		return "AlreadyPaired"
	case errors.Is(err, ErrSessionNotFound):
		return "SessionNotFound"
	case errors.Is(err, ErrReconnectExhausted):
		return "ReconnectExhausted"
	case errors.Is(err, ErrLoggedOut):
		return "LoggedOut"
	case errors.Is(err, ErrSessionReplaced):
		return "SessionReplaced"
	case errors.Is(err, ErrCredentialsInvalid):
		return "CredentialsInvalid"
	case errors.Is(err, store.ErrNotFound):
		return "NotFound"
	case errors.As(err, &te):
		return "TransportError"
	}
	return "InternalError"
}
