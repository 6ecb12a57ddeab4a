package capture

import "time"

// UntilNextBoundary is the wait from now to the next wall-clock instant
// that is a whole multiple of segmentSeconds since the Unix epoch.
// At an exact boundary it returns a full period.
func UntilNextBoundary(now time.Time, segmentSeconds int) time.Duration {
	if segmentSeconds <= 0 {
		return 0
	}
	period := int64(segmentSeconds) * int64(time.Second)
	ns := now.UnixNano()
	next := (ns/period + 1) * period
	return time.Duration(next - ns)
}
