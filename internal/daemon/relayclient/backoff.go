package relayclient

import "time"

// baseDelay and maxDelay are spec §4.3's reconnection backoff defaults
// ("delay = min(base * 2^min(consecutive_failures,7), max)").
const (
	baseDelay = 250 * time.Millisecond
	maxDelay  = 30 * time.Second
)

// Delay returns the backoff delay for the given number of consecutive
// connect failures. Pure function so the boundary law in spec §8 is
// directly unit-testable, mirroring internal/daemon/outbox/backoff.go.
func Delay(consecutiveFailures int) time.Duration {
	exp := consecutiveFailures
	if exp > 7 {
		exp = 7
	}
	d := baseDelay << exp
	if d > maxDelay {
		return maxDelay
	}
	return d
}
