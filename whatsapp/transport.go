// Package whatsapp adapts whatsmeow clients to the transport boundary used
// by the session engine.
package whatsapp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.mau.fi/whatsmeow"
	waStore "go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"github.com/jaliph/snow-session/store"
	"github.com/jaliph/snow-session/transport"
	"github.com/jaliph/snow-session/utils"
)

var (
	ErrHandleClosed     = errors.New("whatsapp: handle closed")
	ErrNoPairingSession = errors.New("whatsapp: no pairing connection underway")
	ErrDeviceMismatch   = errors.New("whatsapp: stored device does not match credentials")
	ErrClientOutdated   = errors.New("whatsapp: client version outdated")
)

// Identity is the credential blob persisted for a linked device. The signal
// keys stay in the per-session device store; this record names the device
// those keys belong to.
type Identity struct {
	JID          string `json:"jid"`
	Platform     string `json:"platform,omitempty"`
	BusinessName string `json:"business_name,omitempty"`
	PushName     string `json:"push_name,omitempty"`
}

// FactoryOptions configures the whatsmeow clients a factory creates
type FactoryOptions struct {
	// ClientName is shown on the phone for phone-number pairing, formatted as
	// "Browser (OS)"
	ClientName string
	// OSName is reported to WhatsApp as the companion device OS
	OSName string
	// QROutput receives a terminal rendering of every QR code when set
	QROutput io.Writer
	Log      waLog.Logger
}

// Factory opens whatsmeow backed handles
type Factory struct {
	devices *store.DeviceStoreManager
	opts    FactoryOptions
}

func NewFactory(devices *store.DeviceStoreManager, opts FactoryOptions) *Factory {
	if opts.ClientName == "" {
		opts.ClientName = "Chrome (Linux)"
	}
	if opts.Log == nil {
		opts.Log = waLog.Noop
	}
	if opts.OSName != "" {
		waStore.DeviceProps.Os = proto.String(opts.OSName)
	}
	return &Factory{devices: devices, opts: opts}
}

// Open builds a client for sessionID. Without credentials any stale device
// store is wiped so the session pairs from scratch.
func (f *Factory) Open(ctx context.Context, sessionID string, credentials []byte) (transport.Handle, error) {
	var invalid error
	if credentials == nil {
		if err := f.devices.Remove(sessionID); err != nil {
			return nil, err
		}
	}

	device, err := f.devices.Device(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if credentials != nil {
		var id Identity
		switch {
		case json.Unmarshal(credentials, &id) != nil:
			invalid = fmt.Errorf("%w: unreadable credentials", ErrDeviceMismatch)
		case device.ID == nil || device.ID.String() != id.JID:
			invalid = ErrDeviceMismatch
		}
	}

	client := whatsmeow.NewClient(device, f.opts.Log.Sub(sessionID))
	// reconnects are scheduled by the session manager
	client.EnableAutoReconnect = false

	h := &Handle{
		sessionID: sessionID,
		client:    client,
		devices:   f.devices,
		opts:      f.opts,
		invalid:   invalid,
		events:    make(chan transport.Event, 32),
		closed:    make(chan struct{}),
	}
	h.handlerID = client.AddEventHandler(h.onEvent)
	return h, nil
}

// Handle wraps one whatsmeow client
type Handle struct {
	sessionID string
	client    *whatsmeow.Client
	devices   *store.DeviceStoreManager
	opts      FactoryOptions
	handlerID uint32

	events    chan transport.Event
	closed    chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	invalid  error
	cancelQR context.CancelFunc
	qrReady  chan struct{}
	purge    bool
}

func (h *Handle) Events() <-chan transport.Event {
	return h.events
}

// Connect dials WhatsApp. An unpaired device gets a QR channel first, which
// also gates phone-number pairing.
func (h *Handle) Connect(ctx context.Context) error {
	if h.isClosed() {
		return ErrHandleClosed
	}
	if err := h.invalidCredentials(); err != nil {
		go h.emit(transport.ConnectionClosed(transport.CloseCredentialsInvalid, err))
		return nil
	}
	if h.client.IsConnected() {
		return nil
	}

	if h.client.Store.ID == nil {
		qrCtx, cancel := context.WithCancel(context.Background())
		ch, err := h.client.GetQRChannel(qrCtx)
		if err != nil {
			cancel()
			return fmt.Errorf("failed to get QR channel: %w", err)
		}
		ready := make(chan struct{})
		h.mu.Lock()
		if h.cancelQR != nil {
			h.cancelQR()
		}
		h.cancelQR = cancel
		h.qrReady = ready
		h.mu.Unlock()
		go h.forwardQR(ch, ready)
	}

	if err := h.client.Connect(); err != nil {
		return err
	}
	return ctx.Err()
}

// forwardQR relays QR channel items until the channel closes
func (h *Handle) forwardQR(ch <-chan whatsmeow.QRChannelItem, ready chan struct{}) {
	var once sync.Once
	for item := range ch {
		switch item.Event {
		case whatsmeow.QRChannelEventCode:
			once.Do(func() { close(ready) })
			if h.opts.QROutput != nil {
				PrintQR(h.opts.QROutput, item.Code)
			}
			h.emit(transport.QRAvailable(item.Code))
		case whatsmeow.QRChannelTimeout.Event:
			h.emit(transport.ConnectionClosed(transport.ClosePairingTimeout, nil))
		case whatsmeow.QRChannelSuccess.Event:
			utils.Logger.Debug("QR pairing succeeded", "session", h.sessionID)
		case whatsmeow.QRChannelEventError:
			h.emit(transport.ConnectionClosed(transport.CloseTransportError, item.Error))
		default:
			utils.Logger.Debug("QR channel event", "session", h.sessionID, "event", item.Event)
		}
	}
}

// RequestPairingCode links the device by phone number. WhatsApp only accepts
// the request once the connection has offered its first QR code.
func (h *Handle) RequestPairingCode(ctx context.Context, phoneNumber string) (string, error) {
	h.mu.Lock()
	ready := h.qrReady
	h.mu.Unlock()
	if ready == nil {
		return "", ErrNoPairingSession
	}

	select {
	case <-ready:
	case <-ctx.Done():
		return "", context.Cause(ctx)
	case <-h.closed:
		return "", ErrHandleClosed
	}
	return h.client.PairPhone(ctx, phoneNumber, true, whatsmeow.PairClientChrome, h.opts.ClientName)
}

// Logout unlinks the device remotely, or forgets it locally when the client
// is offline. The device store is deleted when the handle closes.
func (h *Handle) Logout(ctx context.Context) error {
	h.mu.Lock()
	h.purge = true
	h.mu.Unlock()

	if h.client.Store.ID == nil {
		return nil
	}
	if h.client.IsConnected() {
		err := h.client.Logout(ctx)
		if err == nil {
			return nil
		}
		utils.Logger.Warn("Remote logout failed, deleting device locally", "session", h.sessionID, "error", err)
	}
	return h.client.Store.Delete(ctx)
}

func (h *Handle) Close() error {
	var err error
	h.closeOnce.Do(func() {
		h.mu.Lock()
		if h.cancelQR != nil {
			h.cancelQR()
		}
		purge := h.purge
		h.mu.Unlock()

		h.client.RemoveEventHandler(h.handlerID)
		h.client.Disconnect()
		close(h.closed)
		if purge {
			err = h.devices.Remove(h.sessionID)
		}
	})
	return err
}

func (h *Handle) invalidCredentials() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.invalid
}

func (h *Handle) onEvent(evt interface{}) {
	ev, ok := mapEvent(evt)
	if !ok {
		return
	}
	if ev.Kind == transport.EventCredentialsUpdated {
		blob, err := h.identity()
		if err != nil {
			utils.Logger.Error("Failed to snapshot credentials", "session", h.sessionID, "error", err)
			return
		}
		ev.Credentials = blob
	}
	h.emit(ev)
}

// identity snapshots the linked device for the credential store
func (h *Handle) identity() ([]byte, error) {
	s := h.client.Store
	if s.ID == nil {
		return nil, errors.New("device is not paired")
	}
	return json.Marshal(Identity{
		JID:          s.ID.String(),
		Platform:     s.Platform,
		BusinessName: s.BusinessName,
		PushName:     s.PushName,
	})
}

func (h *Handle) emit(ev transport.Event) {
	select {
	case h.events <- ev:
	case <-h.closed:
	}
}

func (h *Handle) isClosed() bool {
	select {
	case <-h.closed:
		return true
	default:
		return false
	}
}

// mapEvent translates a whatsmeow event into a transport event. Credential
// events come back without their blob.
func mapEvent(evt interface{}) (transport.Event, bool) {
	switch v := evt.(type) {
	case *events.PairSuccess, *events.PushNameSetting:
		return transport.CredentialsUpdated(nil), true
	case *events.Connected:
		return transport.ConnectionOpened(), true
	case *events.LoggedOut:
		return transport.ConnectionClosed(transport.CloseLoggedOut, fmt.Errorf("logged out: reason %d", int(v.Reason))), true
	case *events.StreamReplaced:
		return transport.ConnectionClosed(transport.CloseReplaced, nil), true
	case *events.Disconnected:
		return transport.ConnectionClosed(transport.CloseConnectionLost, nil), true
	case *events.ConnectFailure:
		return transport.ConnectionClosed(transport.CloseTransportError, fmt.Errorf("connect failure %d: %s", int(v.Reason), v.Message)), true
	case *events.TemporaryBan:
		return transport.ConnectionClosed(transport.CloseTransportError, errors.New(v.String())), true
	case *events.ClientOutdated:
		return transport.ConnectionClosed(transport.CloseTransportError, ErrClientOutdated), true
	case *events.PairError:
		return transport.ConnectionClosed(transport.CloseTransportError, v.Error), true
	}
	return transport.Event{}, false
}
