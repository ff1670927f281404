package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/c360/reactor/codec"
	"github.com/c360/reactor/network"
	"github.com/c360/reactor/reaction"
)

// Heartbeat is sent to every peer at a fixed interval.
type Heartbeat struct {
	Node string    `json:"node"`
	Seq  uint64    `json:"seq"`
	Sent time.Time `json:"sent"`
}

// heartbeatSender is the part of the network controller the heartbeat
// loop needs.
type heartbeatSender func(ctx context.Context, hb Heartbeat) error

func networkSender(c *network.Controller, reliable bool) heartbeatSender {
	return func(ctx context.Context, hb Heartbeat) error {
		return network.Emit[Heartbeat](ctx, c, codec.JSON{}, hb, "", reliable)
	}
}

// bindHeartbeat logs heartbeats received from peers.
func bindHeartbeat(c *network.Controller, logger *slog.Logger) *reaction.Reaction {
	return network.On[Heartbeat](c, codec.JSON{}, "heartbeat",
		func(_ context.Context, src network.Source, hb Heartbeat) error {
			logger.Debug("Heartbeat received",
				"from", src.Name,
				"address", src.Address,
				"seq", hb.Seq,
				"reliable", src.Reliable,
				"delay", time.Since(hb.Sent))
			return nil
		},
		reaction.DefaultOptions())
}

// runHeartbeat sends a heartbeat every interval until ctx is done.
func runHeartbeat(ctx context.Context, node string, interval time.Duration, send heartbeatSender, logger *slog.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var seq uint64
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			seq++
			if err := send(ctx, Heartbeat{Node: node, Seq: seq, Sent: now}); err != nil {
				logger.Debug("Heartbeat not sent", "seq", seq, "error", err)
			}
		}
	}
}
