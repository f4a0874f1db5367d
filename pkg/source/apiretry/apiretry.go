// Package apiretry implements the bounded exponential backoff contract API
// source adapters must apply to page fetches and token refreshes (§4.1:
// "retry transient network failures with bounded exponential backoff,
// initial delay 1-2s, cap 3 attempts per page"). Grounded on the teacher's
// pkg/streams RetryManager interface (ShouldRetry/GetDelay/Reset), reworked
// from a per-stream retry manager into a stateless call-site helper since
// API adapters retry one page fetch at a time rather than a long-lived
// stream.
package apiretry

import (
	"context"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"
)

// MaxAttempts is the hard cap on attempts per page (§4.1).
const MaxAttempts = 3

// InitialDelay is the base backoff before the first retry.
const InitialDelay = 1500 * time.Millisecond

// IsTransient classifies errors this package will retry. Callers typically
// wrap it; passing a nil classifier retries everything, which is
// what API adapters do for network/5xx failures.
type IsTransient func(err error) bool

// Do calls fn up to MaxAttempts times, doubling the delay from InitialDelay
// between attempts (with jitter) while transient(err) reports true. It
// returns the last error if every attempt failed.
func Do(ctx context.Context, op string, transient IsTransient, fn func() error) error {
	var lastErr error
	delay := InitialDelay
	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if transient != nil && !transient(err) {
			return err
		}
		if attempt == MaxAttempts {
			break
		}
		jitter := time.Duration(rand.Int63n(int64(delay) / 2))
		wait := delay + jitter
		log.Warn().Str("op", op).Int("attempt", attempt).Dur("wait", wait).Err(err).
			Msg("retrying after transient failure")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		delay *= 2
	}
	return lastErr
}
