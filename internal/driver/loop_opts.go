package driver

import "time"

type LoopOpt func(*Loop)

// WithInterval sets the time between tick starts. Non-positive values keep
// the default.
func WithInterval(d time.Duration) LoopOpt {
	return func(l *Loop) {
		if d > 0 {
			l.interval = d
		}
	}
}
