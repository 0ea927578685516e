package transport

import (
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultInitialDelay = time.Second
	DefaultMaxDelay     = 60 * time.Second

	// jitterFraction bounds the random extra delay when jitter is enabled.
	jitterFraction = 0.2
)

// Backoff is the delay schedule between retries: Initial for the first retry,
// doubling on every further retry, capped at Max.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	// Jitter adds up to 20% of the delay at random so concurrent downloads
	// hitting the same failure do not retry in lockstep.
	Jitter bool

	rand func() float64
}

// NewBackoff returns the default 1s doubling schedule capped at 60s.
func NewBackoff(jitter bool) Backoff {
	return Backoff{Initial: DefaultInitialDelay, Max: DefaultMaxDelay, Jitter: jitter}
}

// Delay returns the wait before the given retry; retry 1 is the first retry.
func (b Backoff) Delay(retry int) time.Duration {
	if retry < 1 {
		return 0
	}

	d := b.Initial
	for i := 1; i < retry && d < b.Max; i++ {
		d *= 2
	}

	if d > b.Max {
		d = b.Max
	}

	if b.Jitter {
		r := rand.Float64
		if b.rand != nil {
			r = b.rand
		}

		d += time.Duration(float64(d) * jitterFraction * r())
		if d > b.Max {
			d = b.Max
		}
	}

	return d
}

// RetryAfter parses a Retry-After header given either as delay seconds or
// as an HTTP date. ok is false when the header is absent or malformed.
func RetryAfter(h http.Header, now time.Time) (time.Duration, bool) {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0, false
	}

	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0, false
		}

		return time.Duration(secs) * time.Second, true
	}

	if at, err := http.ParseTime(v); err == nil {
		d := at.Sub(now)
		if d < 0 {
			d = 0
		}

		return d, true
	}

	return 0, false
}
