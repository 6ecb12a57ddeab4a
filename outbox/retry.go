package outbox

import "time"

const (
	retryBase        = 5 * time.Second
	retryCap         = 1800 * time.Second
	retryMaxExponent = 8
)

// RetryDelay is how long a segment waits after its retryCount-th failure:
// min(1800s, 2^min(retryCount, 8) * 5s).
func RetryDelay(retryCount int) time.Duration {
	exp := retryCount
	if exp < 0 {
		exp = 0
	}
	if exp > retryMaxExponent {
		exp = retryMaxExponent
	}
	d := time.Duration(1<<uint(exp)) * retryBase
	if d > retryCap {
		d = retryCap
	}
	return d
}
