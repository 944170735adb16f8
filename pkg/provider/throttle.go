package provider

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Throttle suspends remote calls after the provider reports a rate limit
type Throttle struct {
	err   error
	until time.Time
	mu    sync.Mutex
}

// CheckRateLimitError checks whether the given error is a RateLimitError,
// and if so, ensures Err() returns a non-nil error until the holdoff period
// expires.
func (thr *Throttle) CheckRateLimitError(err error, logger zerolog.Logger, callType string) {
	var rle RateLimitError
	if !errors.As(err, &rle) {
		return
	}
	until := rle.EarliestRetry()
	if !until.After(time.Now()) {
		return
	}
	dur := time.Until(until)
	logger.Info().
		Str("call_type", callType).
		Dur("duration", dur).
		Time("resume_at", until).
		Msg("Suspending remote calls due to rate-limit error")
	thr.ErrorUntil(fmt.Errorf("%w for %s, until %s", ErrThrottled, dur.Round(time.Millisecond), until.Format(time.RFC3339)), until)
}

// ErrorUntil makes Err() return err until the given time
func (thr *Throttle) ErrorUntil(err error, until time.Time) {
	thr.mu.Lock()
	defer thr.mu.Unlock()
	thr.err, thr.until = err, until
}

// Err returns the current holdoff error, or nil once it has expired
func (thr *Throttle) Err() error {
	thr.mu.Lock()
	defer thr.mu.Unlock()
	if thr.err != nil && time.Now().After(thr.until) {
		thr.err = nil
	}
	return thr.err
}
