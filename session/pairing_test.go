package session

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jaliph/snow-session/models"
)

func TestClaimIsExclusivePerSession(t *testing.T) {
	c := NewPairingCoordinator(time.Minute)

	const workers = 64
	var (
		wg      sync.WaitGroup
		won     atomic.Int32
		busy    atomic.Int32
		start   = make(chan struct{})
		winners = make(chan *Attempt, workers)
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			a, err := c.Claim("s1", models.PairingQR, "")
			switch {
			case err == nil:
				won.Add(1)
				winners <- a
			case errors.Is(err, ErrPairingBusy):
				busy.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()
	close(winners)

	assert.Equal(t, int32(1), won.Load())
	assert.Equal(t, int32(workers-1), busy.Load())

	a := <-winners
	active, ok := c.Active("s1")
	require.True(t, ok)
	assert.Same(t, a, active)
}

func TestClaimsOnDifferentSessionsDoNotContend(t *testing.T) {
	c := NewPairingCoordinator(time.Minute)
	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := c.Claim(fmt.Sprintf("s%d", i), models.PairingQR, ""); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("claim failed: %v", err)
	}
}

func TestReleaseAllowsNewClaim(t *testing.T) {
	c := NewPairingCoordinator(time.Minute)
	a, err := c.Claim("s1", models.PairingPhoneNumber, "2348000000000")
	require.NoError(t, err)

	require.True(t, c.Release("s1", ErrPairingCancelled))
	assert.ErrorIs(t, a.Cause(), ErrPairingCancelled)
	assert.False(t, c.Release("s1", ErrPairingCancelled))

	b, err := c.Claim("s1", models.PairingQR, "")
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)

	// finishing a superseded attempt must not clear the new one
	assert.False(t, c.Finish(a, nil))
	_, ok := c.Active("s1")
	assert.True(t, ok)
}

func TestAttemptExpires(t *testing.T) {
	c := NewPairingCoordinator(30 * time.Millisecond)
	a, err := c.Claim("s1", models.PairingQR, "")
	require.NoError(t, err)
	assert.Nil(t, a.Cause())

	select {
	case <-a.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("attempt did not expire")
	}
	assert.ErrorIs(t, a.Cause(), ErrPairingExpired)
	_, ok := c.Active("s1")
	assert.False(t, ok)

	_, err = c.Claim("s1", models.PairingQR, "")
	assert.NoError(t, err)
}

func TestAttemptInfo(t *testing.T) {
	c := NewPairingCoordinator(time.Minute)
	a, err := c.Claim("s1", models.PairingPhoneNumber, "2348000000000")
	require.NoError(t, err)

	info := a.Info()
	assert.Equal(t, a.ID, info.ID)
	assert.Equal(t, models.PairingPhoneNumber, info.Mode)
	assert.False(t, info.HasCode)
	assert.Equal(t, time.Minute, info.ExpiresAt.Sub(info.StartedAt))

	a.SetResultCode("ABCD-1234")
	assert.True(t, a.Info().HasCode)
}
