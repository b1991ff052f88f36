package llm

import (
	"context"
	"errors"
	"time"
)

// Policy controls retries of transient provider failures.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		Multiplier:  2,
		MaxDelay:    30 * time.Second,
	}
}

// Retry runs fn up to p.MaxAttempts times with exponential backoff between
// attempts. Only transient provider errors are retried; fatal errors and
// anything that is not a provider error return immediately. Cancellation
// aborts the backoff wait and returns ctx.Err().
func Retry(ctx context.Context, p Policy, fn func() error) error {
	delay := p.BaseDelay
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		var perr *ProviderError
		if !errors.As(err, &perr) || perr.Kind != Transient {
			return err
		}
		if attempt >= p.MaxAttempts {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay = time.Duration(float64(delay) * p.Multiplier)
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
}
