package retry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoSucceedsFirstTry(t *testing.T) {
	p := NewPolicy(100, 100)
	attempts := 0
	err := p.Do(context.Background(), func(context.Context) Outcome {
		attempts++
		return Outcome{}
	})
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
}

func TestDoStopsImmediatelyOnNonRetriable(t *testing.T) {
	p := NewPolicy(100, 100)
	attempts := 0
	boom := errors.New("bad request")
	err := p.Do(context.Background(), func(context.Context) Outcome {
		attempts++
		return Outcome{Err: boom, Classification: NonRetriable}
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, attempts)
}

func TestDoRetriesRateLimitHonoringRetryAfter(t *testing.T) {
	p := NewPolicy(100, 100)
	attempts := 0
	err := p.Do(context.Background(), func(context.Context) Outcome {
		attempts++
		if attempts < 3 {
			return Outcome{
				Err:            errors.New("429"),
				StatusCode:     http.StatusTooManyRequests,
				RetryAfter:     time.Millisecond,
				Classification: RetriableRateLimit,
			}
		}
		return Outcome{}
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestDoGivesUpAfterMaxAttempts(t *testing.T) {
	p := NewPolicy(1000, 1000)
	attempts := 0
	err := p.Do(context.Background(), func(context.Context) Outcome {
		attempts++
		return Outcome{
			Err:            errors.New("still limited"),
			RetryAfter:     time.Millisecond,
			Classification: RetriableRateLimit,
		}
	})
	require.Error(t, err)
	assert.Equal(t, maxAttempts, attempts)
	assert.Contains(t, err.Error(), "exhausted")
}

func TestDoRespectsContextCancellation(t *testing.T) {
	p := NewPolicy(100, 100)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := p.Do(ctx, func(context.Context) Outcome {
		return Outcome{}
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClassifyHTTPStatus(t *testing.T) {
	assert.Equal(t, RetriableRateLimit, ClassifyHTTPStatus(429))
	assert.Equal(t, RetriableTransient, ClassifyHTTPStatus(500))
	assert.Equal(t, RetriableTransient, ClassifyHTTPStatus(503))
	assert.Equal(t, NonRetriable, ClassifyHTTPStatus(400))
	assert.Equal(t, NonRetriable, ClassifyHTTPStatus(404))
}

func TestClassifyTransportError(t *testing.T) {
	assert.Equal(t, NonRetriable, ClassifyTransportError(nil))
	assert.Equal(t, RetriableTransient, ClassifyTransportError(syscall.ECONNRESET))
	assert.Equal(t, RetriableTransient, ClassifyTransportError(syscall.ETIMEDOUT))
	assert.Equal(t, RetriableTransient, ClassifyTransportError(context.DeadlineExceeded))
	assert.Equal(t, RetriableTransient, ClassifyTransportError(&net.OpError{Op: "dial", Err: errors.New("refused")}))
	assert.Equal(t, NonRetriable, ClassifyTransportError(errors.New("schema mismatch")))
}

func TestParseRetryAfterSeconds(t *testing.T) {
	assert.Equal(t, 7*time.Second, ParseRetryAfter("7"))
	assert.Equal(t, time.Duration(0), ParseRetryAfter(""))
	assert.Equal(t, time.Duration(0), ParseRetryAfter("garbage"))
}

func TestParseRetryAfterHTTPDate(t *testing.T) {
	future := time.Now().Add(10 * time.Second).UTC().Format(http.TimeFormat)
	d := ParseRetryAfter(future)
	assert.Greater(t, d, 5*time.Second)
	assert.LessOrEqual(t, d, 10*time.Second)
}
