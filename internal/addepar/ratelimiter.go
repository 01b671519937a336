package addepar

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// RateLimiter paces outbound API requests with a local token bucket and
// honours Retry-After headers sent by the API when it throttles. It is safe
// for concurrent use.
type RateLimiter struct {
	mu sync.Mutex

	local *rate.Limiter

	// backoffUntil is the time until which requests should be held back
	// because the server asked us to slow down.
	backoffUntil time.Time

	logger *logrus.Entry
}

// NewRateLimiter creates a RateLimiter with the given requests-per-second and
// burst. A zero or negative rps disables local rate limiting.
func NewRateLimiter(rps, burst int, logger *logrus.Entry) *RateLimiter {
	var limiter *rate.Limiter
	if rps <= 0 {
		limiter = rate.NewLimiter(rate.Inf, 0)
	} else {
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
	return &RateLimiter{
		local:  limiter,
		logger: logger,
	}
}

// Wait blocks until the limiter allows one more request, honouring both the
// local token bucket and any server-requested backoff. It returns ctx.Err()
// if the context expires while waiting.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	rl.mu.Lock()
	backoff := rl.backoffUntil
	rl.mu.Unlock()

	if !backoff.IsZero() && time.Now().Before(backoff) {
		delay := time.Until(backoff)
		rl.logger.WithField("delay", delay.Round(time.Millisecond)).
			Debug("rate limiter: honouring Retry-After backoff")
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return rl.local.Wait(ctx)
}

// UpdateFromHeaders records a Retry-After header (sent on 429/503 responses)
// so that subsequent Wait calls hold back until the window passes.
func (rl *RateLimiter) UpdateFromHeaders(headers http.Header) {
	ra := headers.Get("Retry-After")
	if ra == "" {
		return
	}
	sec, err := strconv.Atoi(ra)
	if err != nil || sec <= 0 {
		return
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	until := time.Now().Add(time.Duration(sec) * time.Second)
	if until.After(rl.backoffUntil) {
		rl.backoffUntil = until
		rl.logger.WithField("until", until.Format(time.RFC3339)).
			Debug("rate limiter: backoff scheduled")
	}
}
