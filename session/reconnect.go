package session

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ReconnectPolicy bounds how a closed session retries its connection
type ReconnectPolicy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	MaxAttempts int
}

// DefaultReconnectPolicy doubles from 2s up to 2m and gives up after 10 tries
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		BaseDelay:   2 * time.Second,
		MaxDelay:    2 * time.Minute,
		Multiplier:  2,
		MaxAttempts: 10,
	}
}

// reconnectSchedule yields the delays of successive reconnect attempts.
// Randomization is off, so delays never decrease.
type reconnectSchedule struct {
	policy   ReconnectPolicy
	backoff  *backoff.ExponentialBackOff
	attempts int
}

func newReconnectSchedule(p ReconnectPolicy) *reconnectSchedule {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.MaxInterval = p.MaxDelay
	b.Multiplier = p.Multiplier
	if b.Multiplier < 1 {
		b.Multiplier = 1
	}
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return &reconnectSchedule{policy: p, backoff: b}
}

// Next returns the delay before the next attempt, or false once the attempt
// budget is spent
func (s *reconnectSchedule) Next() (time.Duration, bool) {
	if s.policy.MaxAttempts > 0 && s.attempts >= s.policy.MaxAttempts {
		return 0, false
	}
	s.attempts++
	d := s.backoff.NextBackOff()
	if s.policy.MaxDelay > 0 && d > s.policy.MaxDelay {
		d = s.policy.MaxDelay
	}
	return d, true
}

func (s *reconnectSchedule) Attempts() int {
	return s.attempts
}

func (s *reconnectSchedule) Reset() {
	s.attempts = 0
	s.backoff.Reset()
}
