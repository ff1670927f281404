package network

import (
	"context"

	"github.com/c360/reactor/codec"
	"github.com/c360/reactor/errors"
	"github.com/c360/reactor/reaction"
)

// Handler receives one decoded network message.
type Handler[T any] func(ctx context.Context, src Source, msg T) error

// On subscribes fn to network messages of type T. The payload is decoded
// when the task is created; a payload that does not decode creates no task.
func On[T any](c *Controller, cd codec.Codec, label string, fn Handler[T], opts reaction.Options) *reaction.Reaction {
	gen := func(b *reaction.Binding) (reaction.Callback, error) {
		payload, err := reaction.Require[[]byte](b, KindPayload)
		if err != nil {
			return nil, err
		}
		src, err := reaction.Require[Source](b, KindSource)
		if err != nil {
			return nil, err
		}

		var msg T
		if err := cd.Unmarshal(payload, &msg); err != nil {
			return nil, errors.WrapInvalid(err, "network", "On", "decode "+codec.TypeName[T]())
		}
		return func(ctx context.Context) error {
			return fn(ctx, src, msg)
		}, nil
	}

	r := reaction.New([]string{label, "network", codec.TypeName[T]()}, gen, opts)
	c.Subscribe(codec.HashOf[T](), r)
	return r
}

// Emit encodes v and sends it to the peers named target, or to everyone
// when target is empty.
func Emit[T any](ctx context.Context, c *Controller, cd codec.Codec, v T, target string, reliable bool) error {
	payload, err := cd.Marshal(v)
	if err != nil {
		return err
	}
	return c.Send(ctx, Message{
		Payload:  payload,
		Hash:     codec.HashOf[T](),
		Target:   target,
		Reliable: reliable,
	})
}
