package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jaliph/snow-session/models"
	"github.com/jaliph/snow-session/store"
	"github.com/jaliph/snow-session/transport"
	"github.com/jaliph/snow-session/transport/transporttest"
	"github.com/jaliph/snow-session/utils"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type fixture struct {
	reg     *Registry
	factory *transporttest.Factory
	creds   store.CredentialStore
	timers  *fakeTimers
}

// fakeTimers fires reconnect timers immediately and records their delays.
// With hold set, timers are recorded but never fire.
type fakeTimers struct {
	mu     sync.Mutex
	delays []time.Duration
	hold   bool
}

func (ft *fakeTimers) after(d time.Duration, f func()) func() bool {
	ft.mu.Lock()
	ft.delays = append(ft.delays, d)
	hold := ft.hold
	ft.mu.Unlock()
	if !hold {
		go f()
	}
	return func() bool { return hold }
}

func (ft *fakeTimers) Hold() {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.hold = true
}

func (ft *fakeTimers) Delays() []time.Duration {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return append([]time.Duration(nil), ft.delays...)
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	cfg := DefaultConfig()
	cfg.SaveRetry = utils.RetryConfig{InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond, MaxRetries: 2}
	if mutate != nil {
		mutate(&cfg)
	}
	creds, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)

	f := &fixture{
		factory: transporttest.NewFactory(),
		creds:   creds,
		timers:  &fakeTimers{},
	}
	f.reg = NewRegistry(cfg, f.factory, creds, nil)
	f.reg.after = f.timers.after
	t.Cleanup(func() {
		_ = f.reg.Shutdown(context.Background())
		_ = creds.Close()
	})
	return f
}

// open creates and opens a session, returning its manager and live handle
func (f *fixture) open(t *testing.T, id string) (*Manager, *transporttest.Handle) {
	t.Helper()
	m, _, err := f.reg.GetOrCreate(id)
	require.NoError(t, err)
	_, err = m.Open(context.Background())
	require.NoError(t, err)
	h := f.factory.Last(id)
	require.NotNil(t, h)
	return m, h
}

// sync emits a credential update and waits until it is stored. Events are
// handled in order, so everything emitted before has been processed too.
func (f *fixture) sync(t *testing.T, h *transporttest.Handle, marker string) {
	t.Helper()
	h.Emit(transport.CredentialsUpdated([]byte(marker)))
	require.Eventually(t, func() bool {
		rec, err := f.creds.Load(h.SessionID)
		return err == nil && string(rec.Data) == marker
	}, waitFor, tick)
}

func TestOpenIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	m, h := f.open(t, "s1")

	st, err := m.Open(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.StateConnecting, st)
	assert.Equal(t, 1, f.factory.Opened("s1"))
	assert.Equal(t, 1, h.Connects())
}

func TestOpenLoadsPersistedCredentials(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.creds.Save(models.CredentialRecord{SessionID: "s1", Data: []byte("creds")}))

	_, h := f.open(t, "s1")
	assert.Equal(t, []byte("creds"), h.Credentials)
}

func TestOpenConnectFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.factory.Configure = func(h *transporttest.Handle) {
		h.FailConnects(errors.New("dial tcp: refused"))
	}
	m, _, err := f.reg.GetOrCreate("s1")
	require.NoError(t, err)

	st, err := m.Open(context.Background())
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, models.StateDisconnected, st)

	// the handle is reused on the next attempt
	st, err = m.Open(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.StateConnecting, st)
	assert.Equal(t, 1, f.factory.Opened("s1"))
}

func TestGetQRStaleness(t *testing.T) {
	f := newFixture(t, nil)
	m, h := f.open(t, "s1")

	_, err := m.GetQR()
	require.ErrorIs(t, err, ErrNotAvailable)

	h.Emit(transport.QRAvailable("ABC"))
	require.Eventually(t, func() bool {
		qr, err := m.GetQR()
		return err == nil && qr == "ABC"
	}, waitFor, tick)
	assert.Equal(t, models.StateAwaitingQR, m.State())

	h.Emit(transport.QRAvailable("DEF"))
	h.Emit(transport.ConnectionOpened())
	require.Eventually(t, func() bool { return m.State() == models.StateOpen }, waitFor, tick)
	_, err = m.GetQR()
	assert.ErrorIs(t, err, ErrNotAvailable)

	// a late QR after open is never exposed
	h.Emit(transport.QRAvailable("GHI"))
	f.sync(t, h, "after-open")
	_, err = m.GetQR()
	assert.ErrorIs(t, err, ErrNotAvailable)
	assert.Equal(t, models.StateOpen, m.State())
}

func TestQRAttemptClearsEarlierPayload(t *testing.T) {
	f := newFixture(t, nil)
	m, h := f.open(t, "s1")

	h.Emit(transport.QRAvailable("OLD"))
	require.Eventually(t, func() bool { _, err := m.GetQR(); return err == nil }, waitFor, tick)

	res, err := m.RequestPairing(context.Background(), models.PairingQR, "")
	require.NoError(t, err)
	assert.NotEmpty(t, res.Attempt.ID)
	assert.Empty(t, res.Code)
	_, err = m.GetQR()
	assert.ErrorIs(t, err, ErrNotAvailable)

	h.Emit(transport.QRAvailable("NEW"))
	require.Eventually(t, func() bool {
		qr, err := m.GetQR()
		return err == nil && qr == "NEW"
	}, waitFor, tick)
}

func TestConcurrentRequestPairingHasOneWinner(t *testing.T) {
	f := newFixture(t, nil)
	m, _, err := f.reg.GetOrCreate("s1")
	require.NoError(t, err)

	const callers = 32
	var (
		wg    sync.WaitGroup
		ok    atomic.Int32
		busy  atomic.Int32
		start = make(chan struct{})
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			mode := models.PairingQR
			if i%2 == 1 {
				mode = models.PairingPhoneNumber
			}
			_, err := m.RequestPairing(context.Background(), mode, "2348000000000")
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ErrPairingBusy):
				busy.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, int32(callers-1), busy.Load())
	assert.Equal(t, 1, f.factory.Opened("s1"))
}

func TestPhonePairingReturnsCode(t *testing.T) {
	f := newFixture(t, nil)
	m, _, err := f.reg.GetOrCreate("s1")
	require.NoError(t, err)

	res, err := m.RequestPairing(context.Background(), models.PairingPhoneNumber, "+234 800-000-0000")
	require.NoError(t, err)
	assert.Equal(t, "ABCD-1234", res.Code)
	assert.True(t, res.Attempt.HasCode)
	assert.Equal(t, "2348000000000", res.Attempt.PhoneNumber)
	assert.Equal(t, models.StateAwaitingPairingCode, m.State())

	h := f.factory.Last("s1")
	assert.Equal(t, []string{"2348000000000"}, h.PairingRequests())

	_, err = m.RequestPairing(context.Background(), models.PairingPhoneNumber, "2348000000000")
	assert.ErrorIs(t, err, ErrPairingBusy)

	// QR codes are not exposed while a phone-number attempt is active
	h.Emit(transport.QRAvailable("ABC"))
	f.sync(t, h, "marker")
	_, err = m.GetQR()
	assert.ErrorIs(t, err, ErrNotAvailable)

	h.Emit(transport.ConnectionOpened())
	require.Eventually(t, func() bool { return m.State() == models.StateOpen }, waitFor, tick)
	_, active := f.reg.Coordinator().Active("s1")
	assert.False(t, active)

	_, err = m.RequestPairing(context.Background(), models.PairingQR, "")
	assert.ErrorIs(t, err, ErrAlreadyPaired)
}

func TestInvalidPhoneNumberNeverReachesTransport(t *testing.T) {
	f := newFixture(t, nil)
	m, _, err := f.reg.GetOrCreate("s1")
	require.NoError(t, err)

	_, err = m.RequestPairing(context.Background(), models.PairingPhoneNumber, "12ab")
	assert.ErrorIs(t, err, ErrInvalidPhoneNumber)
	assert.Equal(t, 0, f.factory.Opened("s1"))
	_, active := f.reg.Coordinator().Active("s1")
	assert.False(t, active)
}

func TestPairingCodeFailureReleasesAttempt(t *testing.T) {
	f := newFixture(t, nil)
	f.factory.Configure = func(h *transporttest.Handle) {
		h.PairingErr = errors.New("websocket not connected")
	}
	m, _, err := f.reg.GetOrCreate("s1")
	require.NoError(t, err)

	_, err = m.RequestPairing(context.Background(), models.PairingPhoneNumber, "2348000000000")
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "TransportError", Code(err))
	_, active := f.reg.Coordinator().Active("s1")
	assert.False(t, active)

	// the handle survives a failed attempt
	assert.False(t, f.factory.Last("s1").Closed())
}

func TestExpiredAttemptAbandonsPairingRequest(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.PairingTimeout = 40 * time.Millisecond })
	f.factory.Configure = func(h *transporttest.Handle) { h.BlockPairing = true }
	m, _, err := f.reg.GetOrCreate("s1")
	require.NoError(t, err)

	_, err = m.RequestPairing(context.Background(), models.PairingPhoneNumber, "2348000000000")
	require.ErrorIs(t, err, ErrPairingExpired)
	require.Eventually(t, func() bool { return m.State() == models.StateConnecting }, waitFor, tick)

	f.factory.Last("s1").SetBlockPairing(false)
	_, err = m.RequestPairing(context.Background(), models.PairingPhoneNumber, "2348000000000")
	require.NoError(t, err)
	assert.Equal(t, 1, f.factory.Opened("s1"))
}

func TestCancelPairing(t *testing.T) {
	f := newFixture(t, nil)
	f.factory.Configure = func(h *transporttest.Handle) { h.BlockPairing = true }
	m, _, err := f.reg.GetOrCreate("s1")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := m.RequestPairing(context.Background(), models.PairingPhoneNumber, "2348000000000")
		done <- err
	}()
	require.Eventually(t, func() bool {
		h := f.factory.Last("s1")
		return h != nil && len(h.PairingRequests()) == 1
	}, waitFor, tick)

	require.NoError(t, m.CancelPairing())
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrPairingCancelled)
	case <-time.After(waitFor):
		t.Fatal("pairing request was not abandoned")
	}

	assert.ErrorIs(t, m.CancelPairing(), ErrNotAvailable)
	assert.False(t, f.factory.Last("s1").Closed())
}

func TestCallerContextAbandonsPairingRequest(t *testing.T) {
	f := newFixture(t, nil)
	f.factory.Configure = func(h *transporttest.Handle) { h.BlockPairing = true }
	m, _, err := f.reg.GetOrCreate("s1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = m.RequestPairing(ctx, models.PairingPhoneNumber, "2348000000000")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	_, active := f.reg.Coordinator().Active("s1")
	assert.False(t, active)
}

func TestCredentialsUpdatedIsPersisted(t *testing.T) {
	f := newFixture(t, nil)
	m, h := f.open(t, "s1")

	f.sync(t, h, "v1")
	f.sync(t, h, "v2")
	assert.Equal(t, models.StateConnecting, m.State())

	rec, err := f.reg.Credentials("s1")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), rec.Data)
}

type flakyStore struct {
	store.CredentialStore
	fail atomic.Bool
}

func (s *flakyStore) Save(rec models.CredentialRecord) error {
	if s.fail.Load() {
		return errors.New("disk full")
	}
	return s.CredentialStore.Save(rec)
}

func TestCredentialSaveFailureSurfacesTransportError(t *testing.T) {
	f := newFixture(t, nil)
	flaky := &flakyStore{CredentialStore: f.creds}
	f.reg.creds = flaky
	m, h := f.open(t, "s1")

	f.sync(t, h, "good")
	flaky.fail.Store(true)
	h.Emit(transport.CredentialsUpdated([]byte("bad")))

	require.Eventually(t, func() bool {
		var te *TransportError
		return errors.As(m.Condition(), &te)
	}, waitFor, tick)
	rec, err := f.creds.Load("s1")
	require.NoError(t, err)
	assert.Equal(t, []byte("good"), rec.Data)
	assert.Equal(t, "TransportError", m.Snapshot().Condition)
}

func TestLoggedOutDestroysSession(t *testing.T) {
	f := newFixture(t, nil)
	m, h := f.open(t, "s1")
	f.sync(t, h, "creds")
	h.Emit(transport.ConnectionOpened())

	h.Emit(transport.ConnectionClosed(transport.CloseLoggedOut, nil))
	require.Eventually(t, func() bool {
		_, err := f.creds.Load("s1")
		_, live := f.reg.Get("s1")
		return errors.Is(err, store.ErrNotFound) && !live
	}, waitFor, tick)

	assert.True(t, h.Closed())
	assert.Equal(t, models.StateClosed, m.State())
	assert.ErrorIs(t, m.Condition(), ErrLoggedOut)
	assert.Empty(t, f.timers.Delays())

	_, err := m.Open(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyClosing)
}

func TestTransientCloseReconnectsWithBoundedBackoff(t *testing.T) {
	policy := ReconnectPolicy{BaseDelay: 10 * time.Millisecond, MaxDelay: 80 * time.Millisecond, Multiplier: 2, MaxAttempts: 6}
	f := newFixture(t, func(c *Config) { c.Reconnect = policy })
	m, h := f.open(t, "s1")
	f.sync(t, h, "creds")
	h.Emit(transport.ConnectionOpened())
	require.Eventually(t, func() bool { return m.State() == models.StateOpen }, waitFor, tick)

	fail := make([]error, policy.MaxAttempts)
	for i := range fail {
		fail[i] = errors.New("network unreachable")
	}
	h.FailConnects(fail...)
	h.Emit(transport.ConnectionClosed(transport.CloseConnectionLost, errors.New("read: connection reset")))

	require.Eventually(t, func() bool {
		return errors.Is(m.Condition(), ErrReconnectExhausted)
	}, waitFor, tick)

	delays := f.timers.Delays()
	require.Len(t, delays, policy.MaxAttempts)
	for i := 1; i < len(delays); i++ {
		assert.GreaterOrEqual(t, delays[i], delays[i-1])
		assert.LessOrEqual(t, delays[i], policy.MaxDelay)
	}
	assert.Equal(t, policy.BaseDelay, delays[0])
	assert.Equal(t, 1+policy.MaxAttempts, h.Connects())

	// never destroyed by this path
	assert.Equal(t, models.StateClosed, m.State())
	_, live := f.reg.Get("s1")
	assert.True(t, live)
	rec, err := f.creds.Load("s1")
	require.NoError(t, err)
	assert.Equal(t, []byte("creds"), rec.Data)
	assert.False(t, h.Closed())
	assert.Equal(t, "ReconnectExhausted", m.Snapshot().Condition)

	// a caller Open starts over with the same handle
	st, err := m.Open(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.StateConnecting, st)
	assert.NoError(t, m.Condition())
	assert.Equal(t, 1, f.factory.Opened("s1"))
}

func TestReconnectScheduleResetsOnOpen(t *testing.T) {
	policy := ReconnectPolicy{BaseDelay: 10 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2, MaxAttempts: 5}
	f := newFixture(t, func(c *Config) { c.Reconnect = policy })
	m, h := f.open(t, "s1")

	h.FailConnects(errors.New("timeout"), errors.New("timeout"))
	h.Emit(transport.ConnectionClosed(transport.CloseConnectionLost, nil))
	require.Eventually(t, func() bool { return h.Connects() == 4 }, waitFor, tick)
	require.Eventually(t, func() bool { return m.State() == models.StateConnecting }, waitFor, tick)

	h.Emit(transport.ConnectionOpened())
	require.Eventually(t, func() bool { return m.State() == models.StateOpen }, waitFor, tick)

	h.Emit(transport.ConnectionClosed(transport.CloseConnectionLost, nil))
	require.Eventually(t, func() bool { return h.Connects() == 5 }, waitFor, tick)

	delays := f.timers.Delays()
	require.Len(t, delays, 4)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond, 10 * time.Millisecond}, delays)
}

func TestCredentialsInvalidRequiresFreshPairing(t *testing.T) {
	f := newFixture(t, nil)
	m, h := f.open(t, "s1")
	f.sync(t, h, "stale")

	h.Emit(transport.ConnectionClosed(transport.CloseCredentialsInvalid, errors.New("401")))
	require.Eventually(t, func() bool { return h.Closed() }, waitFor, tick)
	require.Eventually(t, func() bool {
		_, err := f.creds.Load("s1")
		return errors.Is(err, store.ErrNotFound)
	}, waitFor, tick)
	assert.Equal(t, models.StateDisconnected, m.State())
	assert.ErrorIs(t, m.Condition(), ErrCredentialsInvalid)
	assert.Empty(t, f.timers.Delays())
	_, live := f.reg.Get("s1")
	assert.True(t, live)

	_, err := m.RequestPairing(context.Background(), models.PairingQR, "")
	require.NoError(t, err)
	assert.Equal(t, 2, f.factory.Opened("s1"))
	assert.Nil(t, f.factory.Last("s1").Credentials)
}

func TestReplacedStopsReconnecting(t *testing.T) {
	f := newFixture(t, nil)
	m, h := f.open(t, "s1")
	h.Emit(transport.ConnectionOpened())

	h.Emit(transport.ConnectionClosed(transport.CloseReplaced, nil))
	require.Eventually(t, func() bool { return errors.Is(m.Condition(), ErrSessionReplaced) }, waitFor, tick)
	assert.Equal(t, models.StateClosed, m.State())
	assert.Empty(t, f.timers.Delays())
	assert.False(t, h.Closed())
}

func TestPairingTimeoutCloseClearsQR(t *testing.T) {
	f := newFixture(t, nil)
	m, h := f.open(t, "s1")
	_, err := m.RequestPairing(context.Background(), models.PairingQR, "")
	require.NoError(t, err)
	h.Emit(transport.QRAvailable("ABC"))
	require.Eventually(t, func() bool { _, err := m.GetQR(); return err == nil }, waitFor, tick)

	h.Emit(transport.ConnectionClosed(transport.ClosePairingTimeout, nil))
	require.Eventually(t, func() bool { return m.State() == models.StateDisconnected }, waitFor, tick)
	_, err = m.GetQR()
	assert.ErrorIs(t, err, ErrNotAvailable)
	_, active := f.reg.Coordinator().Active("s1")
	assert.False(t, active)
	assert.Empty(t, f.timers.Delays())
}

func TestSnapshot(t *testing.T) {
	f := newFixture(t, nil)
	m, h := f.open(t, "s1")
	_, err := m.RequestPairing(context.Background(), models.PairingQR, "")
	require.NoError(t, err)
	h.Emit(transport.QRAvailable("ABC"))
	require.Eventually(t, func() bool { return m.Snapshot().HasQR }, waitFor, tick)

	snap := m.Snapshot()
	assert.Equal(t, "s1", snap.ID)
	assert.Equal(t, models.StateAwaitingQR, snap.State)
	require.NotNil(t, snap.Attempt)
	assert.Equal(t, models.PairingQR, snap.Attempt.Mode)
	assert.Empty(t, snap.Condition)
}

func TestRepeatedClosesScheduleOneReconnect(t *testing.T) {
	policy := ReconnectPolicy{BaseDelay: 10 * time.Millisecond, MaxDelay: 80 * time.Millisecond, Multiplier: 2, MaxAttempts: 3}
	f := newFixture(t, func(c *Config) { c.Reconnect = policy })
	f.timers.Hold()
	m, h := f.open(t, "s1")
	h.Emit(transport.ConnectionOpened())
	require.Eventually(t, func() bool { return m.State() == models.StateOpen }, waitFor, tick)

	for i := 0; i < 4; i++ {
		h.Emit(transport.ConnectionClosed(transport.CloseConnectionLost, errors.New("read: connection reset")))
	}
	f.sync(t, h, "after-closes")

	assert.Equal(t, []time.Duration{policy.BaseDelay}, f.timers.Delays())
	assert.Equal(t, models.StateClosed, m.State())
	assert.NoError(t, m.Condition())
	assert.Equal(t, 1, h.Connects())
}

func TestShutdownLeavesSuccessorAttemptAlone(t *testing.T) {
	f := newFixture(t, nil)
	old, _, err := f.reg.GetOrCreate("s1")
	require.NoError(t, err)
	_, err = old.RequestPairing(context.Background(), models.PairingQR, "")
	require.NoError(t, err)

	// the id is taken over while the old manager is still winding down
	f.reg.mu.Lock()
	delete(f.reg.sessions, "s1")
	f.reg.mu.Unlock()
	require.NoError(t, old.CancelPairing())

	next, created, err := f.reg.GetOrCreate("s1")
	require.NoError(t, err)
	require.True(t, created)
	res, err := next.RequestPairing(context.Background(), models.PairingQR, "")
	require.NoError(t, err)

	require.NoError(t, old.shutdown(context.Background(), false))

	a, ok := f.reg.Coordinator().Active("s1")
	require.True(t, ok)
	assert.Equal(t, res.Attempt.ID, a.ID)
	assert.NoError(t, a.Cause())
}

func TestClaimOnClosingManagerIsReleased(t *testing.T) {
	f := newFixture(t, nil)
	m, _, err := f.reg.GetOrCreate("s1")
	require.NoError(t, err)
	require.NoError(t, m.shutdown(context.Background(), false))

	_, err = m.RequestPairing(context.Background(), models.PairingQR, "")
	require.ErrorIs(t, err, ErrAlreadyClosing)
	_, ok := f.reg.Coordinator().Active("s1")
	assert.False(t, ok)
}
