// Package sync drains the mutation queue against the backend and schedules
// drain cycles.
package sync

import (
	"context"
	"errors"
	"net/http"

	"github.com/stridekit/fitsync/internal/api"
)

// Outcome classifies the result of submitting one queued mutation.
type Outcome int

const (
	// OutcomeApplied: the server accepted the mutation.
	OutcomeApplied Outcome = iota
	// OutcomeTransient: retry later with backoff.
	OutcomeTransient
	// OutcomeRejected: the server refused the mutation; retrying cannot help.
	OutcomeRejected
	// OutcomeAuthExpired: the session can no longer make authenticated calls.
	OutcomeAuthExpired
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeTransient:
		return "transient"
	case OutcomeRejected:
		return "rejected"
	case OutcomeAuthExpired:
		return "auth_expired"
	default:
		return "unknown"
	}
}

// Classify maps a submission error to an Outcome. A 401 that reaches here
// already survived one refresh-and-retry in the transport. Unknown errors
// are treated as transient so nothing is discarded on a guess.
func Classify(err error) Outcome {
	if err == nil {
		return OutcomeApplied
	}

	if errors.Is(err, api.ErrAuthExpired) {
		return OutcomeAuthExpired
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || api.IsTransient(err) {
		return OutcomeTransient
	}

	if errors.Is(err, api.ErrUnauthorized) {
		return OutcomeAuthExpired
	}

	if errors.Is(err, api.ErrUnsupported) {
		return OutcomeRejected
	}

	var apiErr *api.APIError
	if errors.As(err, &apiErr) &&
		apiErr.StatusCode >= http.StatusBadRequest && apiErr.StatusCode < http.StatusInternalServerError {
		return OutcomeRejected
	}

	return OutcomeTransient
}
