package service

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/gatewarden/gatewarden/internal/zerotrust/zterr"
)

// withRetry runs fn up to attempts times, backing off exponentially with
// jitter between tries. Only transient errors are retried; validation,
// not-found, and every other error returns immediately. The caller's context
// cancels the wait.
func withRetry(ctx context.Context, attempts int, base time.Duration, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		err = fn()
		if err == nil || !errors.Is(err, zterr.ErrTransient) {
			return err
		}
		if i == attempts-1 {
			break
		}
		delay := base << i
		delay += rand.N(base) // jitter, up to one base step
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}
