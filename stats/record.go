package stats

import (
	"context"
	"strings"
	"time"

	"github.com/c360/reactor/reaction"
)

// Record is the exported form of a finished task's statistics.
type Record struct {
	Node            string    `json:"node"`
	Reaction        string    `json:"reaction"`
	Identifier      []string  `json:"identifier"`
	ReactionID      uint64    `json:"reaction_id"`
	TaskID          uint64    `json:"task_id"`
	CauseReactionID uint64    `json:"cause_reaction_id,omitempty"`
	CauseTaskID     uint64    `json:"cause_task_id,omitempty"`
	Emitted         time.Time `json:"emitted"`
	Started         time.Time `json:"started"`
	Finished        time.Time `json:"finished"`
	QueueLatencyNS  int64     `json:"queue_latency_ns"`
	RunDurationNS   int64     `json:"run_duration_ns"`
	Error           string    `json:"error,omitempty"`
}

// NewRecord copies s. The identifier slice is cloned so the record stays
// valid after the statistics are reused.
func NewRecord(node string, s *reaction.Statistics) Record {
	return Record{
		Node:            node,
		Reaction:        reactionName(s.Identifier),
		Identifier:      append([]string(nil), s.Identifier...),
		ReactionID:      s.ReactionID,
		TaskID:          s.TaskID,
		CauseReactionID: s.CauseReactionID,
		CauseTaskID:     s.CauseTaskID,
		Emitted:         s.Emitted,
		Started:         s.Started,
		Finished:        s.Finished,
		QueueLatencyNS:  int64(s.QueueLatency()),
		RunDurationNS:   int64(s.RunDuration()),
		Error:           s.ErrorString(),
	}
}

// Failed reports whether the task ended with an error.
func (r Record) Failed() bool { return r.Error != "" }

// Ran reports whether the task executed.
func (r Record) Ran() bool { return !r.Started.IsZero() }

// Outcome is "ok", "error" or "discarded".
func (r Record) Outcome() string {
	switch {
	case !r.Ran():
		return "discarded"
	case r.Failed():
		return "error"
	default:
		return "ok"
	}
}

func reactionName(identifier []string) string {
	if len(identifier) == 0 || identifier[0] == "" {
		return "anonymous"
	}
	return identifier[0]
}

// Sink receives records from the Recorder on its worker pool.
type Sink interface {
	Name() string
	Write(ctx context.Context, r Record) error
}

// Subject builds the NATS subject reactor.<node>.<topic>. Dots and
// wildcards in node are replaced so the node stays one token.
func Subject(node, topic string) string {
	clean := strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(node)
	return "reactor." + clean + "." + topic
}
