package main

import (
	"context"
	"time"

	"github.com/c360/reactor/network"
	"github.com/c360/reactor/plant"
	"github.com/c360/reactor/reaction"
	"github.com/c360/reactor/stats"
)

// jsonPublisher is the part of natsclient.Client peer events need.
type jsonPublisher interface {
	PublishJSON(ctx context.Context, subject string, v any) error
}

// PeerEvent is published on reactor.<node>.peers when a peer joins or
// leaves.
type PeerEvent struct {
	Node    string    `json:"node"`
	Event   string    `json:"event"` // "joined" or "left"
	Peer    string    `json:"peer"`
	Address string    `json:"address"`
	TCPPort uint16    `json:"tcp_port"`
	UDPPort uint16    `json:"udp_port"`
	Time    time.Time `json:"time"`
}

// bindPeerEvents forwards the controller's peer notifications to NATS.
func bindPeerEvents(p *plant.PowerPlant, pub jsonPublisher, node string) []*reaction.Reaction {
	subject := stats.Subject(node, "peers")

	joined := plant.On[network.PeerJoined](p, "peer-events", func(ctx context.Context, e network.PeerJoined) error {
		return pub.PublishJSON(ctx, subject, PeerEvent{
			Node:    node,
			Event:   "joined",
			Peer:    e.Name,
			Address: e.Address.String(),
			TCPPort: e.TCPPort,
			UDPPort: e.UDPPort,
			Time:    time.Now().UTC(),
		})
	}, reaction.DefaultOptions())

	left := plant.On[network.PeerLeft](p, "peer-events", func(ctx context.Context, e network.PeerLeft) error {
		return pub.PublishJSON(ctx, subject, PeerEvent{
			Node:    node,
			Event:   "left",
			Peer:    e.Name,
			Address: e.Address.String(),
			TCPPort: e.TCPPort,
			UDPPort: e.UDPPort,
			Time:    time.Now().UTC(),
		})
	}, reaction.DefaultOptions())

	return []*reaction.Reaction{joined, left}
}
