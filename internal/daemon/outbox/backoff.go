package outbox

import "time"

// Delay implements spec §4.2's deterministic retry backoff:
// delay(attempt) = min(250ms · 2^min(attempt,7), 30s). attempt is the
// pre-increment retry_count, per spec's "next_retry_at = now +
// delay(prev_retry_count)".
func Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 7 {
		attempt = 7
	}
	d := 250 * time.Millisecond * time.Duration(uint64(1)<<uint(attempt))
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d
}
