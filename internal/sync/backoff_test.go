package sync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/stridekit/fitsync/internal/api"
)

func TestBackoff_Schedule(t *testing.T) {
	t.Parallel()

	base := 2 * time.Second
	maxDelay := 30 * time.Minute

	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 0},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{10, 1024 * time.Second},
		{11, maxDelay},
		{500, maxDelay},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Backoff(tt.attempts, base, maxDelay), "attempts=%d", tt.attempts)
	}
}

func TestBackoff_MonotoneAndCapped(t *testing.T) {
	t.Parallel()

	for _, base := range []time.Duration{time.Millisecond, time.Second, 7 * time.Second, time.Hour} {
		prev := time.Duration(0)

		for attempts := 1; attempts <= 200; attempts++ {
			d := Backoff(attempts, base, DefaultMaxBackoff)

			assert.GreaterOrEqual(t, d, prev, "base=%s attempts=%d", base, attempts)
			assert.LessOrEqual(t, d, DefaultMaxBackoff, "base=%s attempts=%d", base, attempts)

			prev = d
		}
	}
}

func TestCycleBackoff(t *testing.T) {
	t.Parallel()

	assert.Zero(t, cycleBackoff(0))
	assert.Zero(t, cycleBackoff(2))
	assert.Equal(t, time.Minute, cycleBackoff(3))
	assert.Equal(t, 5*time.Minute, cycleBackoff(4))
	assert.Equal(t, 15*time.Minute, cycleBackoff(5))
	assert.Equal(t, time.Hour, cycleBackoff(6))
	assert.Equal(t, time.Hour, cycleBackoff(60))
}

func TestClassify(t *testing.T) {
	t.Parallel()

	apiErr := func(code int, sentinel error) error {
		return &api.APIError{StatusCode: code, Err: sentinel}
	}

	tests := []struct {
		name string
		err  error
		want Outcome
	}{
		{"nil", nil, OutcomeApplied},
		{"network", fmt.Errorf("x: %w", api.ErrNetwork), OutcomeTransient},
		{"server error", apiErr(http.StatusBadGateway, api.ErrServerError), OutcomeTransient},
		{"throttled", apiErr(http.StatusTooManyRequests, api.ErrThrottled), OutcomeTransient},
		{"request timeout", apiErr(http.StatusRequestTimeout, api.ErrRequestTimeout), OutcomeTransient},
		{"deadline", context.DeadlineExceeded, OutcomeTransient},
		{"auth expired", fmt.Errorf("%w: gone", api.ErrAuthExpired), OutcomeAuthExpired},
		{
			"401 joined with network refresh failure",
			errors.Join(apiErr(http.StatusUnauthorized, api.ErrUnauthorized), api.ErrNetwork),
			OutcomeTransient,
		},
		{
			"401 joined with rejected refresh",
			errors.Join(apiErr(http.StatusUnauthorized, api.ErrUnauthorized), api.ErrAuthExpired),
			OutcomeAuthExpired,
		},
		{"401 after successful refresh", apiErr(http.StatusUnauthorized, api.ErrUnauthorized), OutcomeAuthExpired},
		{"422", apiErr(http.StatusUnprocessableEntity, api.ErrUnprocessable), OutcomeRejected},
		{"409", apiErr(http.StatusConflict, api.ErrConflict), OutcomeRejected},
		{"403", apiErr(http.StatusForbidden, api.ErrForbidden), OutcomeRejected},
		{"unsupported", fmt.Errorf("%w: sleep", api.ErrUnsupported), OutcomeRejected},
		{"unknown", errors.New("disk full"), OutcomeTransient},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.err), tt.name)
	}
}

func TestOutcomeString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "applied", OutcomeApplied.String())
	assert.Equal(t, "transient", OutcomeTransient.String())
	assert.Equal(t, "rejected", OutcomeRejected.String())
	assert.Equal(t, "auth_expired", OutcomeAuthExpired.String())
	assert.Equal(t, "unknown", Outcome(99).String())
}
