package fetch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestShouldRetryClassification(t *testing.T) {
	p := NewRetryPolicy(3, 100*time.Millisecond, time.Second)

	assert.True(t, p.ShouldRetry(markTransient(errors.New("reset")), 0))
	assert.True(t, p.ShouldRetry(serverError(503), 1))

	assert.False(t, p.ShouldRetry(nil, 0))
	assert.False(t, p.ShouldRetry(errors.New("rejected with status 404"), 0))
	assert.False(t, p.ShouldRetry(context.Canceled, 0))
	assert.False(t, p.ShouldRetry(context.DeadlineExceeded, 0))

	// Attempt budget exhausted.
	assert.False(t, p.ShouldRetry(markTransient(errors.New("reset")), 2))
}

func TestShouldRetryWrappedTransient(t *testing.T) {
	p := NewRetryPolicy(3, 100*time.Millisecond, time.Second)
	wrapped := errors.Join(errors.New("outer"), markTransient(errors.New("inner")))
	assert.True(t, p.ShouldRetry(wrapped, 0))
}

func TestBackoffGrowsAndStaysBounded(t *testing.T) {
	base := 100 * time.Millisecond
	ceiling := 800 * time.Millisecond
	p := NewRetryPolicy(6, base, ceiling)

	for attempt := 0; attempt < 6; attempt++ {
		d := p.Backoff(attempt)
		assert.GreaterOrEqual(t, d, base/2, "attempt %d below half-base", attempt)
		assert.LessOrEqual(t, d, ceiling, "attempt %d above ceiling", attempt)
	}
}

func TestNewRetryPolicyClampsBounds(t *testing.T) {
	p := NewRetryPolicy(0, -time.Second, -time.Second)
	assert.Equal(t, 1, p.MaxAttempts())
	assert.Greater(t, p.Backoff(0), time.Duration(0))
}
