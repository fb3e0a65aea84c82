package bulk

import "time"

// Schedule computes the wait before a status poll.
type Schedule interface {
	// Delay returns how long to wait before poll attempt n (1-indexed).
	Delay(attempt int) time.Duration
}

// Intervals waits through a fixed list of delays and then repeats the last one.
type Intervals []time.Duration

// DefaultSchedule polls quickly at first and settles at one check per minute.
func DefaultSchedule() Intervals {
	return Intervals{
		1 * time.Second,
		1 * time.Second,
		10 * time.Second,
		30 * time.Second,
		60 * time.Second,
	}
}

// Delay returns the interval for attempt, or the last interval once the list is exhausted.
func (iv Intervals) Delay(attempt int) time.Duration {
	if len(iv) == 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	if attempt > len(iv) {
		return iv[len(iv)-1]
	}
	return iv[attempt-1]
}
