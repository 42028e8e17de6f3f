package journey

import "time"

// Step timestamps use a 10 ms granularity: coarse enough to be cheap,
// fine enough for human-facing durations on an error page.
const clockGranularityUsec = 10_000

var clockEpoch = time.Now()

// monotonicNowUsec is swappable for tests.
var monotonicNowUsec = func() uint64 {
	return uint64(time.Since(clockEpoch) / time.Microsecond)
}

// MonotonicUsecNow returns the current monotonic clock reading in
// microseconds, truncated to the step timestamp granularity. The epoch is
// process start; readings are only meaningful relative to each other.
func MonotonicUsecNow() uint64 {
	us := monotonicNowUsec()
	return us - us%clockGranularityUsec
}
