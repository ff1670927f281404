// Package reactor is an event-driven task runtime for processes that
// cooperate over a local network.
//
// # Architecture
//
// A reactor node is built from four layers:
//
//	┌─────────────────────────────────────┐
//	│            cmd/reactor              │  Config, logging, lifecycle
//	└─────────────────────────────────────┘
//	           ↓ wires
//	┌──────────────────┐ ┌────────────────┐
//	│      plant       │ │    network     │  Local bus, peers over
//	│  (On, Emit)      │ │ (On, Emit)     │  TCP, UDP and multicast
//	└──────────────────┘ └────────────────┘
//	           ↓ create tasks from reactions
//	┌─────────────────────────────────────┐
//	│            scheduler                │  Priority queue, workers,
//	│    (Queue, Pool, observers)         │  per-task statistics
//	└─────────────────────────────────────┘
//	           ↓ reports to
//	┌─────────────────────────────────────┐
//	│        stats, statsstore            │  Prometheus, SQLite, NATS
//	└─────────────────────────────────────┘
//
// A reaction pairs an identifier with a generator. When an event arrives,
// the generator inspects the bound data and either returns a callback or
// declines. Each accepted event becomes a task, which is queued by
// priority and then by arrival. The task records which task emitted it, so
// causality can be followed across reactions and peers.
//
// # Network
//
// Peers find each other through multicast announces, or through a static
// peer list. They connect over TCP for reliable delivery and use UDP for
// unreliable messages. Large unreliable payloads are fragmented and
// reassembled with a bounded, time-limited table. Messages are routed by
// a 128-bit hash of the Go type name, so any two processes that share a
// type can exchange it.
//
// # Getting Started
//
//	reactor run -c node.yaml
//	reactor validate -c base.json -c site.yaml
//
// See the config package for the file format and REACTOR_* environment
// overrides.
package reactor
