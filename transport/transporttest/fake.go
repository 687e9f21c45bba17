// Package transporttest provides an in-memory transport for tests
package transporttest

import (
	"context"
	"errors"
	"sync"

	"github.com/jaliph/snow-session/transport"
)

var ErrClosed = errors.New("transporttest: handle closed")

// Factory records every handle it opens
type Factory struct {
	mu      sync.Mutex
	handles map[string][]*Handle

	// OpenErr fails every Open call when set
	OpenErr error
	// Configure runs on each new handle before it is returned
	Configure func(h *Handle)
}

func NewFactory() *Factory {
	return &Factory{handles: make(map[string][]*Handle)}
}

func (f *Factory) Open(_ context.Context, sessionID string, credentials []byte) (transport.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.OpenErr != nil {
		return nil, f.OpenErr
	}
	h := &Handle{
		SessionID:   sessionID,
		Credentials: credentials,
		PairingCode: "ABCD-1234",
		events:      make(chan transport.Event, 64),
		closed:      make(chan struct{}),
	}
	if f.Configure != nil {
		f.Configure(h)
	}
	f.handles[sessionID] = append(f.handles[sessionID], h)
	return h, nil
}

// Last returns the most recent handle opened for a session
func (f *Factory) Last(sessionID string) *Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	hs := f.handles[sessionID]
	if len(hs) == 0 {
		return nil
	}
	return hs[len(hs)-1]
}

// Opened returns how many handles were opened for a session
func (f *Factory) Opened(sessionID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handles[sessionID])
}

// Handle is a scriptable transport.Handle
type Handle struct {
	SessionID   string
	Credentials []byte

	mu          sync.Mutex
	events      chan transport.Event
	closed      chan struct{}
	closeOnce   sync.Once
	connects    int
	loggedOut   bool
	pairings    []string
	connectErrs []error

	// PairingCode is returned by RequestPairingCode
	PairingCode string
	// PairingErr fails RequestPairingCode when set
	PairingErr error
	// BlockPairing makes RequestPairingCode wait for ctx cancellation
	BlockPairing bool
}

func (h *Handle) Events() <-chan transport.Event {
	return h.events
}

// FailConnects makes the next len(errs) Connect calls fail in order
func (h *Handle) FailConnects(errs ...error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connectErrs = append(h.connectErrs, errs...)
}

func (h *Handle) SetBlockPairing(block bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.BlockPairing = block
}

func (h *Handle) Connect(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.isClosed() {
		return ErrClosed
	}
	h.connects++
	if len(h.connectErrs) > 0 {
		err := h.connectErrs[0]
		h.connectErrs = h.connectErrs[1:]
		return err
	}
	return nil
}

func (h *Handle) RequestPairingCode(ctx context.Context, phoneNumber string) (string, error) {
	h.mu.Lock()
	h.pairings = append(h.pairings, phoneNumber)
	block, code, err := h.BlockPairing, h.PairingCode, h.PairingErr
	h.mu.Unlock()

	if block {
		select {
		case <-ctx.Done():
			return "", context.Cause(ctx)
		case <-h.closed:
			return "", ErrClosed
		}
	}
	if err != nil {
		return "", err
	}
	return code, nil
}

func (h *Handle) Logout(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.loggedOut = true
	return nil
}

func (h *Handle) Close() error {
	h.closeOnce.Do(func() { close(h.closed) })
	return nil
}

// Emit delivers an event as the protocol library would
func (h *Handle) Emit(ev transport.Event) {
	select {
	case h.events <- ev:
	case <-h.closed:
	}
}

func (h *Handle) Connects() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connects
}

// PairingRequests returns the phone numbers passed to RequestPairingCode
func (h *Handle) PairingRequests() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.pairings...)
}

func (h *Handle) Closed() bool {
	return h.isClosed()
}

func (h *Handle) LoggedOut() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.loggedOut
}

func (h *Handle) isClosed() bool {
	select {
	case <-h.closed:
		return true
	default:
		return false
	}
}
