package sync

import "time"

// Default retry schedule for queued mutations.
const (
	DefaultBaseBackoff = 2 * time.Second
	DefaultMaxBackoff  = 30 * time.Minute
)

// Backoff returns the delay before retrying an item that has failed
// attempts times: base * 2^(attempts-1), capped at maxDelay. The schedule
// has no jitter, so successive failures never shorten the delay.
func Backoff(attempts int, base, maxDelay time.Duration) time.Duration {
	if attempts < 1 || base <= 0 {
		return 0
	}

	if maxDelay <= 0 {
		maxDelay = DefaultMaxBackoff
	}

	d := base

	for i := 1; i < attempts; i++ {
		if d >= maxDelay/2 {
			return maxDelay
		}

		d *= 2
	}

	return min(d, maxDelay)
}

// Cycle-level backoff for the runner after consecutive failed cycles.
// Failures below cycleBackoffThreshold retry on the normal schedule.
const (
	cycleBackoffThreshold = 3
	cycleBackoffCap       = 1 * time.Hour
)

// cycleBackoffSteps maps consecutive cycle failures (starting at the
// threshold) to a pause: 3→1m, 4→5m, 5→15m, 6+→1h.
var cycleBackoffSteps = []time.Duration{
	1 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	cycleBackoffCap,
}

// cycleBackoff returns how long the runner pauses after failures
// consecutive failed cycles. Returns 0 below the threshold.
func cycleBackoff(failures int) time.Duration {
	if failures < cycleBackoffThreshold {
		return 0
	}

	idx := failures - cycleBackoffThreshold
	if idx >= len(cycleBackoffSteps) {
		return cycleBackoffCap
	}

	return cycleBackoffSteps[idx]
}
