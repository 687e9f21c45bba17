package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jaliph/snow-session/models"
)

// Attempt is one in-flight pairing operation. Its context is cancelled when
// the attempt ends for any reason; context.Cause reports why.
type Attempt struct {
	ID          string
	SessionID   string
	Mode        models.PairingMode
	PhoneNumber string
	StartedAt   time.Time
	ExpiresAt   time.Time

	ctx    context.Context
	cancel context.CancelCauseFunc
	timer  *time.Timer

	mu         sync.Mutex
	resultCode string
}

// Context is cancelled once the attempt is released or expires
func (a *Attempt) Context() context.Context {
	return a.ctx
}

func (a *Attempt) Done() <-chan struct{} {
	return a.ctx.Done()
}

// Cause returns why the attempt ended, or nil while it is active
func (a *Attempt) Cause() error {
	if a.ctx.Err() == nil {
		return nil
	}
	return context.Cause(a.ctx)
}

func (a *Attempt) SetResultCode(code string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resultCode = code
}

func (a *Attempt) ResultCode() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.resultCode
}

func (a *Attempt) Info() models.AttemptInfo {
	return models.AttemptInfo{
		ID:          a.ID,
		Mode:        a.Mode,
		PhoneNumber: a.PhoneNumber,
		StartedAt:   a.StartedAt,
		ExpiresAt:   a.ExpiresAt,
		HasCode:     a.ResultCode() != "",
	}
}

// PairingCoordinator allows at most one active attempt per session. Claims on
// different sessions never contend with each other.
type PairingCoordinator struct {
	attempts sync.Map // session id -> *Attempt
	timeout  time.Duration
	now      func() time.Time
}

// NewPairingCoordinator creates a coordinator whose attempts expire after timeout
func NewPairingCoordinator(timeout time.Duration) *PairingCoordinator {
	return &PairingCoordinator{timeout: timeout, now: time.Now}
}

// Claim starts an attempt for sessionID, or fails with ErrPairingBusy when
// one is already active. The check and the insert are a single atomic step.
func (c *PairingCoordinator) Claim(sessionID string, mode models.PairingMode, phoneNumber string) (*Attempt, error) {
	now := c.now()
	ctx, cancel := context.WithCancelCause(context.Background())
	a := &Attempt{
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		Mode:        mode,
		PhoneNumber: phoneNumber,
		StartedAt:   now,
		ExpiresAt:   now.Add(c.timeout),
		ctx:         ctx,
		cancel:      cancel,
	}

	if _, loaded := c.attempts.LoadOrStore(sessionID, a); loaded {
		cancel(ErrPairingBusy)
		return nil, ErrPairingBusy
	}

	// the timer is armed after publication; Finish tolerates a nil timer
	a.mu.Lock()
	a.timer = time.AfterFunc(c.timeout, func() {
		c.Finish(a, ErrPairingExpired)
	})
	a.mu.Unlock()

	pairingAttempts.WithLabelValues(mode.String()).Inc()
	return a, nil
}

// Active returns the active attempt of a session
func (c *PairingCoordinator) Active(sessionID string) (*Attempt, bool) {
	v, ok := c.attempts.Load(sessionID)
	if !ok {
		return nil, false
	}
	return v.(*Attempt), true
}

// Finish ends attempt a with cause if it is still the active attempt of its
// session. A nil cause marks a successful pairing.
func (c *PairingCoordinator) Finish(a *Attempt, cause error) bool {
	if !c.attempts.CompareAndDelete(a.SessionID, a) {
		return false
	}
	a.mu.Lock()
	if a.timer != nil {
		a.timer.Stop()
	}
	a.mu.Unlock()

	outcome := "paired"
	if cause != nil {
		outcome = Code(cause)
	} else {
		cause = context.Canceled
	}
	a.cancel(cause)
	pairingOutcomes.WithLabelValues(a.Mode.String(), outcome).Inc()
	return true
}

// Release clears whatever attempt is active for sessionID
func (c *PairingCoordinator) Release(sessionID string, cause error) bool {
	a, ok := c.Active(sessionID)
	if !ok {
		return false
	}
	return c.Finish(a, cause)
}
