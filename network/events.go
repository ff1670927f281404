package network

import (
	"net/netip"
	"time"

	"github.com/c360/reactor/reaction"
)

// Binding kinds filled in for every inbound message.
const (
	KindPayload reaction.Kind = "network.payload"
	KindSource  reaction.Kind = "network.source"
)

// Source describes where an inbound message came from.
type Source struct {
	Name      string
	Address   netip.Addr
	Port      uint16
	Reliable  bool
	Multicast bool
}

// PeerJoined is published once a peer completes its handshake.
type PeerJoined struct {
	Name    string     `json:"name"`
	Address netip.Addr `json:"address"`
	TCPPort uint16     `json:"tcp_port"`
	UDPPort uint16     `json:"udp_port"`
}

// PeerLeft is published once a peer has been torn down.
type PeerLeft struct {
	Name    string     `json:"name"`
	Address netip.Addr `json:"address"`
	TCPPort uint16     `json:"tcp_port"`
	UDPPort uint16     `json:"udp_port"`
}

// PeerInfo is a snapshot of a registered peer.
type PeerInfo struct {
	Name    string           `json:"name"`
	Address netip.Addr       `json:"address"`
	TCPPort uint16           `json:"tcp_port"`
	UDPPort uint16           `json:"udp_port"`
	UDPKeys []netip.AddrPort `json:"udp_keys"`
	State   string           `json:"state"`
	Joined  time.Time        `json:"joined"`
}
