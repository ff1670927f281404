package reaction

import "time"

// Statistics is the audit record of one task. The scheduler hands it to
// observers once the task is finished; from then on it is read-only.
type Statistics struct {
	Identifier      []string
	ReactionID      uint64
	TaskID          uint64
	CauseReactionID uint64
	CauseTaskID     uint64

	Emitted  time.Time
	Started  time.Time
	Finished time.Time

	Err error
}

// Ran reports whether the task was executed rather than discarded.
func (s *Statistics) Ran() bool {
	return !s.Started.IsZero()
}

// Failed reports whether the callback returned an error or panicked.
func (s *Statistics) Failed() bool {
	return s.Err != nil
}

// QueueLatency is the time spent between creation and execution.
func (s *Statistics) QueueLatency() time.Duration {
	if !s.Ran() {
		return 0
	}
	return s.Started.Sub(s.Emitted)
}

// RunDuration is the time the callback took.
func (s *Statistics) RunDuration() time.Duration {
	if s.Finished.IsZero() {
		return 0
	}
	return s.Finished.Sub(s.Started)
}

// ErrorString returns the error text or "".
func (s *Statistics) ErrorString() string {
	if s.Err == nil {
		return ""
	}
	return s.Err.Error()
}
