package accounts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/R3E-Network/custody_layer/internal/app/domain/account"
	"github.com/R3E-Network/custody_layer/internal/app/services/custody"
)

// ErrConfirmationTimeout is returned when the owner does not add the expected
// keys within PollPolicy.MaxWait.
var ErrConfirmationTimeout = errors.New("timed out waiting for owner confirmation")

// PollPolicy controls how often an undocking run checks for owner keys.
type PollPolicy struct {
	Interval    time.Duration
	MaxInterval time.Duration
	Multiplier  float64
	// MaxWait bounds a single wait. Zero waits until the run is cancelled.
	MaxWait time.Duration
}

// DefaultPollPolicy returns the stock policy: 5s growing to 1m, unbounded.
func DefaultPollPolicy() PollPolicy {
	return PollPolicy{
		Interval:    5 * time.Second,
		MaxInterval: time.Minute,
		Multiplier:  1.5,
	}
}

func (p PollPolicy) normalize() PollPolicy {
	def := DefaultPollPolicy()
	if p.Interval <= 0 {
		p.Interval = def.Interval
	}
	if p.MaxInterval < p.Interval {
		p.MaxInterval = p.Interval
	}
	if p.Multiplier < 1 {
		p.Multiplier = 1
	}
	if p.MaxWait < 0 {
		p.MaxWait = 0
	}
	return p
}

// delay returns the pause before check number attempt (1-based).
func (p PollPolicy) delay(attempt int) time.Duration {
	if attempt <= 1 {
		return p.Interval
	}
	d := float64(p.Interval)
	for i := 1; i < attempt; i++ {
		d *= p.Multiplier
		if d > float64(p.MaxInterval) {
			return p.MaxInterval
		}
	}
	return time.Duration(d)
}

// awaitNewKeys blocks until the owner has added at least minCount full-access
// keys besides the custodial ones.
func (s *Service) awaitNewKeys(ctx context.Context, acct account.Account, minCount int) error {
	policy := s.poll
	start := time.Now()
	for attempt := 1; ; attempt++ {
		ok, err := s.facade.CountNewFullAccessKeys(ctx, acct.AccountID, acct.CustodialPublicKeys(), minCount)
		switch {
		case err == nil && ok:
			return nil
		case err == nil:
		case errors.Is(err, custody.ErrRemoteUnavailable) && ctx.Err() == nil:
			s.log.WithError(err).
				WithField("account_id", acct.AccountID).
				WithField("attempt", attempt).
				Warn("key check failed, retrying")
		default:
			return fmt.Errorf("check owner keys: %w", err)
		}

		delay := policy.delay(attempt)
		if policy.MaxWait > 0 && time.Since(start)+delay > policy.MaxWait {
			return fmt.Errorf("%w: %d new keys on %s after %s", ErrConfirmationTimeout, minCount, acct.AccountID, policy.MaxWait)
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}
