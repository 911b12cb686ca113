package testutil

import "time"

// ExecutionRecord holds the window of one handler invocation.
type ExecutionRecord struct {
	Start    time.Time
	End      time.Time
	WorkerID string
	Attempt  int
}

// Overlaps reports whether the two windows intersect.
func (r ExecutionRecord) Overlaps(o ExecutionRecord) bool {
	return r.Start.Before(o.End) && o.Start.Before(r.End)
}
