package domain

import "time"

// ProgressRecord is the in-memory progress snapshot for one prompt_id,
// updated by a Progress Tracker goroutine reading a worker's event
// stream and read atomically by HTTP polling handlers.
type ProgressRecord struct {
	PromptID  string
	NodeID    string
	Percent   float64
	Value     *float64
	Max       *float64
	Status    ProgressStatus
	UpdatedAt time.Time
	Message   string
}

// clampPercent keeps Percent within [0, 100] regardless of what ratio the
// worker's progress event implies.
func clampPercent(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// WithValueMax returns a copy of r updated from a "progress" event's raw
// value/max pair, recomputing Percent.
func (r ProgressRecord) WithValueMax(value, max float64) ProgressRecord {
	r.Value = &value
	r.Max = &max
	if max > 0 {
		r.Percent = clampPercent((value / max) * 100)
	}
	r.Status = ProgressStatusRunning
	r.UpdatedAt = time.Now()
	return r
}

// WithDone returns a copy of r marked complete.
func (r ProgressRecord) WithDone() ProgressRecord {
	r.Status = ProgressStatusDone
	r.Percent = 100
	r.UpdatedAt = time.Now()
	return r
}

// WithError returns a copy of r marked failed, carrying message.
func (r ProgressRecord) WithError(message string) ProgressRecord {
	r.Status = ProgressStatusError
	r.Message = message
	r.UpdatedAt = time.Now()
	return r
}

// WithDisconnected returns a copy of r with Status set to RUNNING and
// Message "disconnected" — a transport failure in the tracker never fails
// the underlying Job.
func (r ProgressRecord) WithDisconnected() ProgressRecord {
	r.Status = ProgressStatusRunning
	r.Message = "disconnected"
	r.UpdatedAt = time.Now()
	return r
}
