package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jaliph/snow-session/models"
	"github.com/jaliph/snow-session/store"
	"github.com/jaliph/snow-session/transport"
	"github.com/jaliph/snow-session/utils"
)

// Config tunes every manager created by a registry
type Config struct {
	PairingTimeout     time.Duration
	PhoneCodeTimeout   time.Duration
	ConnectTimeout     time.Duration
	Reconnect          ReconnectPolicy
	SaveRetry          utils.RetryConfig
	RestoreConcurrency int
}

func DefaultConfig() Config {
	return Config{
		PairingTimeout:     3 * time.Minute,
		PhoneCodeTimeout:   30 * time.Second,
		ConnectTimeout:     30 * time.Second,
		Reconnect:          DefaultReconnectPolicy(),
		SaveRetry:          utils.DefaultRetryConfig(),
		RestoreConcurrency: 4,
	}
}

// StatusRecorder receives best-effort status updates for the session table
type StatusRecorder interface {
	RecordStatus(sessionID, status, phone string) error
	DeleteSession(sessionID string) error
}

// PairingResult is returned by RequestPairing. Code is set for phone-number
// attempts only; QR callers poll GetQR instead.
type PairingResult struct {
	Attempt models.AttemptInfo
	Code    string
}

type afterFunc func(d time.Duration, f func()) (stop func() bool)

func realAfterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

// Manager owns the lifecycle of one session: its transport handle, the event
// loop consuming that handle and the reconnect schedule.
type Manager struct {
	id        string
	cfg       Config
	factory   transport.Factory
	creds     store.CredentialStore
	coord     *PairingCoordinator
	recorder  StatusRecorder
	after     afterFunc
	onEnd     func(id string, m *Manager)
	log       *slog.Logger
	createdAt time.Time

	// openMu serializes connection attempts started by callers and by the
	// reconnect timer
	openMu sync.Mutex
	// credMu orders credential writes against purges so a late save never
	// resurrects a deleted record
	credMu sync.Mutex

	mu            sync.Mutex
	state         models.ConnectionState
	latestQR      string
	phone         string
	handle        transport.Handle
	stopLoop      context.CancelFunc
	closing       bool
	condition     error
	attempt       *Attempt
	schedule      *reconnectSchedule
	reconnectGen  uint64
	stopReconnect func() bool
}

func newManager(id string, r *Registry) *Manager {
	return &Manager{
		id:        id,
		cfg:       r.cfg,
		factory:   r.factory,
		creds:     r.creds,
		coord:     r.coord,
		recorder:  r.recorder,
		after:     r.after,
		onEnd:     r.evict,
		log:       utils.Logger.With("session", id),
		createdAt: time.Now(),
		state:     models.StateDisconnected,
		schedule:  newReconnectSchedule(r.cfg.Reconnect),
	}
}

func (m *Manager) ID() string {
	return m.id
}

// Open makes sure the session has a handle that is connecting or connected.
// On an active session it only reports the current state. A closed or
// disconnected session starts over with a fresh reconnect schedule.
func (m *Manager) Open(ctx context.Context) (models.ConnectionState, error) {
	m.openMu.Lock()
	defer m.openMu.Unlock()

	m.mu.Lock()
	if m.closing {
		st := m.state
		m.mu.Unlock()
		return st, ErrAlreadyClosing
	}
	if m.handle != nil && m.isActiveLocked() {
		st := m.state
		m.mu.Unlock()
		return st, nil
	}
	m.cancelReconnectLocked()
	m.schedule.Reset()
	m.condition = nil
	h := m.handle
	m.mu.Unlock()

	if h == nil {
		var err error
		if h, err = m.openHandle(ctx); err != nil {
			return models.StateDisconnected, err
		}
	}

	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		return models.StateClosed, ErrAlreadyClosing
	}
	m.setStateLocked(models.StateConnecting)
	m.mu.Unlock()
	m.recordStatus(models.StateConnecting)

	if err := h.Connect(ctx); err != nil {
		te := &TransportError{Op: "connect", Err: err}
		m.mu.Lock()
		if h == m.handle && m.state == models.StateConnecting {
			m.setStateLocked(models.StateDisconnected)
			m.condition = te
		}
		st := m.state
		m.mu.Unlock()
		m.log.Warn("Connect failed", "error", err)
		return st, te
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, nil
}

// openHandle loads persisted credentials, asks the factory for a handle and
// starts its event loop
func (m *Manager) openHandle(ctx context.Context) (transport.Handle, error) {
	var blob []byte
	rec, err := m.creds.Load(m.id)
	switch {
	case err == nil:
		blob = rec.Data
	case errors.Is(err, store.ErrNotFound):
	default:
		return nil, &TransportError{Op: "load credentials", Err: err}
	}

	h, err := m.factory.Open(ctx, m.id, blob)
	if err != nil {
		return nil, &TransportError{Op: "open", Err: err}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closing {
		_ = h.Close()
		return nil, ErrAlreadyClosing
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	m.handle = h
	m.stopLoop = cancel
	go m.run(loopCtx, h)
	return h, nil
}

// run consumes the handle's events one at a time, in emission order
func (m *Manager) run(ctx context.Context, h transport.Handle) {
	events := h.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			m.handleEvent(ctx, h, ev)
		}
	}
}

func (m *Manager) handleEvent(ctx context.Context, h transport.Handle, ev transport.Event) {
	m.log.Debug("Transport event", "kind", ev.Kind.String())

	if ev.Kind == transport.EventCredentialsUpdated {
		m.saveCredentials(ctx, h, ev.Credentials)
		return
	}

	m.mu.Lock()
	if h != m.handle || m.closing {
		m.mu.Unlock()
		return
	}
	before := m.state
	var after func()
	switch ev.Kind {
	case transport.EventQRAvailable:
		m.qrAvailableLocked(ev.QR)
	case transport.EventConnectionOpened:
		m.connectionOpenedLocked()
	case transport.EventConnectionClosed:
		after = m.connectionClosedLocked(ev.Reason, ev.Err)
	}
	st, closing := m.state, m.closing
	m.mu.Unlock()

	if after != nil {
		after()
	}
	// a logged out session has been purged from the status table
	if st != before && !closing {
		m.recordStatus(st)
	}
}

func (m *Manager) qrAvailableLocked(payload string) {
	if m.state == models.StateOpen {
		return
	}
	if a := m.attempt; a != nil && a.Cause() == nil && a.Mode == models.PairingPhoneNumber {
		return
	}
	m.latestQR = payload
	m.setStateLocked(models.StateAwaitingQR)
}

func (m *Manager) connectionOpenedLocked() {
	m.latestQR = ""
	m.finishAttemptLocked(nil)
	m.schedule.Reset()
	m.cancelReconnectLocked()
	m.condition = nil
	m.setStateLocked(models.StateOpen)
	m.log.Info("Session connected")
}

// connectionClosedLocked applies a close and returns work that must run
// after the lock is released
func (m *Manager) connectionClosedLocked(reason transport.CloseReason, cause error) func() {
	m.latestQR = ""
	m.log.Info("Connection closed", "reason", reason.String(), "error", cause)

	switch reason {
	case transport.CloseLoggedOut:
		m.closing = true
		m.condition = ErrLoggedOut
		m.cancelReconnectLocked()
		m.finishAttemptLocked(ErrLoggedOut)
		h := m.detachLocked()
		m.setStateLocked(models.StateClosed)
		return func() {
			if err := m.deleteCredentials(); err != nil {
				m.log.Error("Failed to delete credentials of logged out session", "error", err)
			}
			_ = h.Close()
			if m.onEnd != nil {
				m.onEnd(m.id, m)
			}
		}

	case transport.CloseCredentialsInvalid:
		m.condition = ErrCredentialsInvalid
		m.finishAttemptLocked(ErrCredentialsInvalid)
		h := m.detachLocked()
		m.setStateLocked(models.StateDisconnected)
		return func() {
			if err := m.deleteCredentials(); err != nil {
				m.log.Error("Failed to discard invalid credentials", "error", err)
			}
			_ = h.Close()
		}

	case transport.ClosePairingTimeout:
		m.finishAttemptLocked(ErrPairingExpired)
		m.setStateLocked(models.StateDisconnected)
		return nil

	case transport.CloseReplaced:
		m.condition = ErrSessionReplaced
		m.finishAttemptLocked(ErrSessionReplaced)
		m.setStateLocked(models.StateClosed)
		return nil
	}

	// one drop may be reported more than once; a pending retry covers it
	if m.state == models.StateClosed && m.stopReconnect != nil {
		return nil
	}
	m.setStateLocked(models.StateClosed)
	m.scheduleReconnectLocked()
	return nil
}

// saveCredentials persists a credential update with bounded retries. A
// failed write leaves the previous record in place.
func (m *Manager) saveCredentials(ctx context.Context, h transport.Handle, blob []byte) {
	rec := models.CredentialRecord{
		SessionID: m.id,
		Data:      blob,
		UpdatedAt: time.Now().UTC(),
	}
	m.credMu.Lock()
	defer m.credMu.Unlock()
	m.mu.Lock()
	stale := h != m.handle || m.closing
	m.mu.Unlock()
	if stale {
		return
	}

	err := utils.WithRetry(ctx, func() error {
		return m.creds.Save(rec)
	}, m.cfg.SaveRetry)
	if err == nil {
		return
	}

	credentialSaveFailures.Inc()
	m.log.Error("Failed to persist credentials", "error", err)
	m.mu.Lock()
	if h == m.handle {
		m.condition = &TransportError{Op: "save credentials", Err: err}
	}
	m.mu.Unlock()
}

func (m *Manager) scheduleReconnectLocked() {
	d, ok := m.schedule.Next()
	if !ok {
		m.condition = ErrReconnectExhausted
		m.finishAttemptLocked(ErrReconnectExhausted)
		reconnectExhausted.Inc()
		m.log.Warn("Reconnect attempts exhausted", "attempts", m.schedule.Attempts())
		return
	}
	m.cancelReconnectLocked()
	gen := m.reconnectGen
	m.stopReconnect = m.after(d, func() { m.reconnect(gen) })
	m.log.Info("Reconnect scheduled", "attempt", m.schedule.Attempts(), "delay", d)
}

func (m *Manager) cancelReconnectLocked() {
	m.reconnectGen++
	if m.stopReconnect != nil {
		m.stopReconnect()
		m.stopReconnect = nil
	}
}

// reconnect runs one scheduled attempt, reusing the handle and therefore the
// persisted credentials
func (m *Manager) reconnect(gen uint64) {
	m.openMu.Lock()
	defer m.openMu.Unlock()

	m.mu.Lock()
	if m.closing || gen != m.reconnectGen || m.handle == nil || m.state != models.StateClosed {
		m.mu.Unlock()
		return
	}
	h := m.handle
	m.stopReconnect = nil
	m.setStateLocked(models.StateConnecting)
	m.mu.Unlock()
	m.recordStatus(models.StateConnecting)
	reconnectAttempts.Inc()

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ConnectTimeout)
	err := h.Connect(ctx)
	cancel()
	if err == nil {
		return
	}

	m.log.Warn("Reconnect failed", "error", err)
	m.mu.Lock()
	if m.closing || gen != m.reconnectGen || h != m.handle || m.state != models.StateConnecting {
		m.mu.Unlock()
		return
	}
	m.condition = &TransportError{Op: "reconnect", Err: err}
	m.setStateLocked(models.StateClosed)
	m.scheduleReconnectLocked()
	m.mu.Unlock()
	m.recordStatus(models.StateClosed)
}

// RequestPairing claims a pairing attempt and starts the matching flow. For
// phone-number attempts it waits for the transport to hand out a code.
func (m *Manager) RequestPairing(ctx context.Context, mode models.PairingMode, phoneNumber string) (*PairingResult, error) {
	var phone string
	if mode == models.PairingPhoneNumber {
		var err error
		if phone, err = CanonicalPhoneNumber(phoneNumber); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	switch {
	case m.closing:
		m.mu.Unlock()
		return nil, ErrAlreadyClosing
	case m.state == models.StateOpen:
		m.mu.Unlock()
		return nil, ErrAlreadyPaired
	}
	m.mu.Unlock()

	a, err := m.coord.Claim(m.id, mode, phone)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		m.coord.Finish(a, ErrAlreadyClosing)
		return nil, ErrAlreadyClosing
	}
	m.attempt = a
	m.latestQR = ""
	if mode == models.PairingPhoneNumber {
		m.phone = phone
	}
	m.mu.Unlock()
	context.AfterFunc(a.Context(), func() { m.attemptEnded(a) })

	if _, err := m.Open(ctx); err != nil {
		m.coord.Finish(a, err)
		return nil, err
	}
	if mode == models.PairingQR {
		return &PairingResult{Attempt: a.Info()}, nil
	}

	m.mu.Lock()
	h := m.handle
	if h == nil || m.state == models.StateOpen {
		m.mu.Unlock()
		m.coord.Finish(a, ErrAlreadyPaired)
		return nil, ErrAlreadyPaired
	}
	m.setStateLocked(models.StateAwaitingPairingCode)
	m.mu.Unlock()

	reqCtx, cancel := context.WithTimeout(a.Context(), m.cfg.PhoneCodeTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	code, err := h.RequestPairingCode(reqCtx, phone)
	if err != nil {
		if cause := a.Cause(); cause != nil {
			return nil, cause
		}
		if ctx.Err() != nil {
			m.coord.Finish(a, ErrPairingCancelled)
			return nil, ctx.Err()
		}
		te := &TransportError{Op: "request pairing code", Err: err}
		m.coord.Finish(a, te)
		m.log.Warn("Pairing code request failed", "error", err)
		return nil, te
	}
	a.SetResultCode(code)
	m.log.Info("Pairing code issued", "attempt", a.ID)
	return &PairingResult{Attempt: a.Info(), Code: code}, nil
}

// attemptEnded drops pairing state left behind by an attempt that expired,
// failed or was cancelled
func (m *Manager) attemptEnded(a *Attempt) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.attempt != a {
		return
	}
	if m.closing || m.state == models.StateOpen {
		return
	}
	m.latestQR = ""
	if m.state == models.StateAwaitingQR || m.state == models.StateAwaitingPairingCode {
		m.setStateLocked(models.StateConnecting)
	}
	m.log.Debug("Pairing attempt ended", "attempt", a.ID, "cause", a.Cause())
}

// CancelPairing abandons the active attempt. The handle stays connected so
// the next attempt can reuse it.
func (m *Manager) CancelPairing() error {
	m.mu.Lock()
	a := m.attempt
	m.mu.Unlock()
	if a == nil || !m.coord.Finish(a, ErrPairingCancelled) {
		return ErrNotAvailable
	}
	return nil
}

// GetQR returns the latest QR payload without blocking on the transport
func (m *Manager) GetQR() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.latestQR == "" || m.state != models.StateAwaitingQR {
		return "", ErrNotAvailable
	}
	return m.latestQR, nil
}

func (m *Manager) State() models.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Condition returns the last error surfaced for the session, if any
func (m *Manager) Condition() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.condition
}

func (m *Manager) Snapshot() models.SessionSnapshot {
	m.mu.Lock()
	snap := models.SessionSnapshot{
		ID:        m.id,
		State:     m.state,
		HasQR:     m.latestQR != "" && m.state == models.StateAwaitingQR,
		Condition: Code(m.condition),
		CreatedAt: m.createdAt,
	}
	a := m.attempt
	m.mu.Unlock()
	if a != nil && a.Cause() == nil {
		info := a.Info()
		snap.Attempt = &info
	}
	return snap
}

// shutdown closes the handle for good. With logout set the device is
// unlinked and the persisted credentials are purged.
func (m *Manager) shutdown(ctx context.Context, logout bool) error {
	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		return ErrAlreadyClosing
	}
	m.closing = true
	m.cancelReconnectLocked()
	h := m.detachLocked()
	m.latestQR = ""
	m.setStateLocked(models.StateClosed)
	a := m.attempt
	m.mu.Unlock()

	// only this manager's own attempt; a successor may already hold the id
	if a != nil {
		m.coord.Finish(a, ErrPairingCancelled)
	}

	var errs []error
	if h != nil {
		if lh, ok := h.(transport.LogoutHandle); ok && logout {
			if err := lh.Logout(ctx); err != nil {
				m.log.Warn("Logout failed", "error", err)
			}
		}
		if err := h.Close(); err != nil {
			errs = append(errs, &TransportError{Op: "close", Err: err})
		}
	}
	if logout {
		if err := m.deleteCredentials(); err != nil {
			errs = append(errs, err)
		}
	}
	m.recordStatus(models.StateClosed)
	return errors.Join(errs...)
}

// finishAttemptLocked ends the attempt this manager claimed, if it is still
// active. A nil cause marks it paired.
func (m *Manager) finishAttemptLocked(cause error) {
	if m.attempt != nil {
		m.coord.Finish(m.attempt, cause)
	}
}

func (m *Manager) deleteCredentials() error {
	m.credMu.Lock()
	defer m.credMu.Unlock()
	return m.creds.Delete(m.id)
}

// detachLocked stops the event loop and hands back the handle for closing
func (m *Manager) detachLocked() transport.Handle {
	h := m.handle
	m.handle = nil
	if m.stopLoop != nil {
		m.stopLoop()
		m.stopLoop = nil
	}
	return h
}

func (m *Manager) isActiveLocked() bool {
	switch m.state {
	case models.StateConnecting, models.StateAwaitingQR, models.StateAwaitingPairingCode, models.StateOpen:
		return true
	}
	return false
}

func (m *Manager) setStateLocked(s models.ConnectionState) {
	if s == m.state {
		return
	}
	if m.state == models.StateOpen {
		openSessions.Dec()
	}
	if s == models.StateOpen {
		openSessions.Inc()
	}
	m.log.Debug("State transition", "from", m.state.String(), "to", s.String())
	m.state = s
}

func (m *Manager) recordStatus(s models.ConnectionState) {
	if m.recorder == nil {
		return
	}
	m.mu.Lock()
	phone := m.phone
	m.mu.Unlock()
	if err := m.recorder.RecordStatus(m.id, s.String(), phone); err != nil {
		m.log.Warn("Failed to record session status", "error", err)
	}
}
