package worker

import "time"

const (
	backoffBase = time.Minute
	backoffMax  = 30 * time.Minute
)

// retryBackoff returns the delay before the next attempt after the
// given number of failed attempts: 1m, 2m, 4m, ... capped at 30m.
func retryBackoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := backoffBase
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= backoffMax {
			return backoffMax
		}
	}
	return d
}
