// Package retry implements the gateway's timeout and backoff policy for
// upstream calls: generous idle timeouts for local
// backends, exponential backoff with jitter on 429s (honoring
// Retry-After), and linear backoff on transient socket errors.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/time/rate"
)

// Local backends may sit idle for a long time processing a large prompt
// before emitting the first token — give them generous headers/body
// timeouts rather than a single end-to-end deadline.
const (
	LocalHeaderTimeout = 10 * time.Minute
	LocalBodyTimeout   = 10 * time.Minute

	maxBackoff  = 30 * time.Second
	maxAttempts = 5
)

// Classification is the outcome of inspecting a failed upstream call.
type Classification int

const (
	NonRetriable Classification = iota
	RetriableRateLimit
	RetriableTransient
)

// Outcome is returned by a single attempt function so the retrier knows
// how to classify a failure without needing typed upstream errors.
type Outcome struct {
	Err            error
	StatusCode     int           // 0 if no HTTP response was received
	RetryAfter     time.Duration // parsed from a 429's Retry-After header, if any
	Classification Classification
}

// AttemptFunc performs one upstream call and reports its outcome.
// A nil Err with Classification == NonRetriable and StatusCode 0/200
// signals success.
type AttemptFunc func(ctx context.Context) Outcome

// Policy paces retries: exponential backoff capped at maxBackoff for
// rate limits, linear backoff for transient socket errors, both bounded
// by maxAttempts. A limiter smooths the actual retry issue rate so a
// burst of concurrent requests hitting the same upstream doesn't all
// retry in lockstep.
type Policy struct {
	limiter *rate.Limiter
}

// NewPolicy returns a Policy whose limiter permits roughly rps retry
// attempts per second, bursting up to burst.
func NewPolicy(rps float64, burst int) *Policy {
	if rps <= 0 {
		rps = 5
	}
	if burst <= 0 {
		burst = 5
	}
	return &Policy{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

// Do runs attempt, retrying according to Outcome.Classification until it
// succeeds, a non-retriable failure occurs, maxAttempts is exhausted, or
// ctx is cancelled.
func (p *Policy) Do(ctx context.Context, attempt AttemptFunc) error {
	var lastOutcome Outcome

	for try := 1; try <= maxAttempts; try++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		outcome := attempt(ctx)
		if outcome.Err == nil && outcome.Classification == NonRetriable {
			return nil
		}

		lastOutcome = outcome
		if outcome.Classification == NonRetriable {
			return outcome.Err
		}
		if try == maxAttempts {
			break
		}

		delay := p.delayFor(outcome, try)
		if err := p.waitFor(ctx, delay); err != nil {
			return err
		}
	}

	return fmt.Errorf("retry: exhausted %d attempts: %w", maxAttempts, lastOutcome.Err)
}

func (p *Policy) delayFor(o Outcome, attempt int) time.Duration {
	switch o.Classification {
	case RetriableRateLimit:
		if o.RetryAfter > 0 {
			return capDuration(o.RetryAfter)
		}
		return capDuration(exponentialBackoff(attempt))
	case RetriableTransient:
		return capDuration(linearBackoff(attempt))
	default:
		return capDuration(exponentialBackoff(attempt))
	}
}

func (p *Policy) waitFor(ctx context.Context, delay time.Duration) error {
	if err := p.limiter.WaitN(ctx, 1); err != nil {
		return err
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func exponentialBackoff(attempt int) time.Duration {
	base := float64(500*time.Millisecond) * math.Pow(2, float64(attempt-1))
	jitter := base * 0.25 * rand.Float64()
	return time.Duration(base + jitter)
}

func linearBackoff(attempt int) time.Duration {
	return time.Duration(attempt) * time.Second
}

func capDuration(d time.Duration) time.Duration {
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

// ParseRetryAfter reads a Retry-After header value, which may be either
// an integer count of seconds or an HTTP-date.
func ParseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(header); err == nil {
		return time.Until(t)
	}
	return 0
}

// ClassifyHTTPStatus turns an HTTP status code into a Classification.
func ClassifyHTTPStatus(status int) Classification {
	switch {
	case status == http.StatusTooManyRequests:
		return RetriableRateLimit
	case status >= 500:
		return RetriableTransient
	default:
		return NonRetriable
	}
}

// ClassifyTransportError recognizes transient socket errors
// (ECONNRESET, ETIMEDOUT, and equivalents).
func ClassifyTransportError(err error) Classification {
	if err == nil {
		return NonRetriable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return RetriableTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return RetriableTransient
	}
	var sysErr syscall.Errno
	if errors.As(err, &sysErr) {
		switch sysErr {
		case syscall.ECONNRESET, syscall.ETIMEDOUT, syscall.ECONNREFUSED, syscall.EPIPE:
			return RetriableTransient
		}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return RetriableTransient
	}
	return NonRetriable
}
