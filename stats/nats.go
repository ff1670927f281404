package stats

import (
	"context"
	"encoding/json"

	"github.com/c360/reactor/errors"
)

// Publisher is the part of natsclient.Client a NATSSink needs.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// NATSSink publishes each record as JSON on reactor.<node>.stats.
type NATSSink struct {
	publisher Publisher
	subject   string
}

// NewNATSSink creates a sink publishing through p.
func NewNATSSink(p Publisher, node string) *NATSSink {
	return &NATSSink{publisher: p, subject: Subject(node, "stats")}
}

func (s *NATSSink) Name() string { return "nats" }

// Subject returns the subject records are published on.
func (s *NATSSink) Subject() string { return s.subject }

func (s *NATSSink) Write(ctx context.Context, r Record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return errors.WrapInvalid(err, "NATSSink", "Write", "marshal record")
	}
	if err := s.publisher.Publish(ctx, s.subject, data); err != nil {
		return errors.Wrap(err, "NATSSink", "Write", "publish record")
	}
	return nil
}
