package orchestrator

import (
	"errors"
	"math/rand/v2"
	"time"

	"droplift/internal/provisioning"

	"github.com/hashicorp/go-retryablehttp"
)

// Backoff produces retry delays for one retry sequence. The exponential
// ceiling follows retryablehttp.DefaultBackoff (base * 2^attempt, capped).
// With jitter each delay is drawn from [previous delay, ceiling], so delays
// never decrease within a sequence.
type Backoff struct {
	Base   time.Duration
	Cap    time.Duration
	Jitter bool

	prev  time.Duration
	randN func(n int64) int64
}

// NewBackoff returns a backoff for a single retry sequence.
func NewBackoff(base, maxDelay time.Duration, jitter bool) *Backoff {
	if base <= 0 {
		base = DefaultBackoffBase
	}
	if maxDelay < base {
		maxDelay = base
	}
	return &Backoff{Base: base, Cap: maxDelay, Jitter: jitter, randN: rand.Int64N}
}

// Next returns the delay before retry number attempt (0 based).
func (b *Backoff) Next(attempt int) time.Duration {
	ceiling := retryablehttp.DefaultBackoff(b.Base, b.Cap, attempt, nil)
	d := ceiling
	if b.Jitter && ceiling > b.prev {
		d = b.prev + time.Duration(b.randN(int64(ceiling-b.prev)+1))
	}
	return b.keep(d)
}

// After returns the delay for a failed call, preferring the provider's own
// hint (Retry-After or an exhausted rate limit window) over the curve.
func (b *Backoff) After(attempt int, err error) time.Duration {
	if hint := rateLimitHint(err); hint > 0 {
		return b.keep(hint)
	}
	return b.Next(attempt)
}

// Reset starts a new sequence.
func (b *Backoff) Reset() {
	b.prev = 0
}

func (b *Backoff) keep(d time.Duration) time.Duration {
	if d < b.prev {
		d = b.prev
	}
	if d > b.Cap {
		d = b.Cap
	}
	b.prev = d
	return d
}

// rateLimitHint reads the wait a provider asked for.
func rateLimitHint(err error) time.Duration {
	apiErr, ok := asAPIError(err)
	if !ok {
		return 0
	}
	if apiErr.RetryAfter > 0 {
		return apiErr.RetryAfter
	}
	if apiErr.RateRemaining == 0 && !apiErr.RateReset.IsZero() {
		return time.Until(apiErr.RateReset)
	}
	return 0
}

func asAPIError(err error) (*provisioning.APIError, bool) {
	var apiErr *provisioning.APIError
	if err == nil || !errors.As(err, &apiErr) {
		return nil, false
	}
	return apiErr, true
}
