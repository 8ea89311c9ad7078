package webhooks

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"time"
)

// permanentError marks a delivery failure that must not be retried, such as
// a 4xx response.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func permanent(err error) error { return &permanentError{err: err} }

// withBackoff calls fn up to cfg.MaxAttempts times, doubling cfg.BaseDelay
// between attempts with +-25% jitter.
func withBackoff(ctx context.Context, cfg RetryConfig, fn func() error) error {
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	delay := cfg.BaseDelay

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		var pe *permanentError
		if errors.As(err, &pe) {
			return pe.err
		}
		if attempt == attempts-1 {
			break
		}

		jitter := delay / 4
		sleep := delay - jitter + time.Duration(randInt63n(int64(2*jitter+1)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
		delay *= 2
	}
	return err
}

func randInt63n(n int64) int64 {
	if n <= 0 {
		return 0
	}
	var b [8]byte
	_, _ = rand.Read(b[:])
	return int64(binary.LittleEndian.Uint64(b[:])>>1) % n
}
