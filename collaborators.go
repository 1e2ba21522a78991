package dht

import (
	"context"
	"time"

	"github.com/multiformats/go-multiaddr"
)

// PeerInfo is the dial-target shape the Core collaborator's peer
// directory exposes: a peer identity plus however it can currently be
// reached. This package never dials anything itself; it only threads
// multiaddr.Multiaddr values through to Core.
type PeerInfo struct {
	ID   PeerID
	Addr multiaddr.Multiaddr
}

// Core is the encrypted transport and peer-authentication layer this
// package is overlaid on. It is consumed, never implemented, here:
// the hosting daemon supplies one to Init.
type Core interface {
	// Self returns the local peer's identity.
	Self() PeerID

	// Unicast sends msg to peer p. It returns ErrTransportTransient
	// (or a wrapped form of it) if the send could not be attempted or
	// failed outright; callers treat this as transient, not fatal.
	//
	// Implementations must not re-enter this package synchronously
	// from within Unicast: the global core mutex may be held by the
	// caller (spec section 5). Queuing the send is the collaborator's
	// responsibility.
	Unicast(ctx context.Context, p PeerID, msg *Message) error

	// Connected reports whether p is currently connected at the
	// transport layer.
	Connected(p PeerID) bool

	// ConnectedPeers lists every peer currently connected at the
	// transport layer, consulted by the maintenance sweep to know who
	// to send DISCOVERY messages to.
	ConnectedPeers() []PeerID

	// OnDisconnect registers a callback invoked when a previously
	// connected peer disconnects. Used to drive PeerEntry eviction
	// (last_activity = 0, per spec section 4.1's failure semantics).
	OnDisconnect(func(PeerID))
}

// DStore is the local content-addressed ephemeral store consulted for
// GET hits and written to on PUT. It owns its own quota and expiry
// policy; this package only calls Put/Get.
type DStore interface {
	// Put stores payload under key/contentType, idempotently
	// inserting or refreshing, discarding it no later than expiresAt.
	Put(key Key, contentType uint32, expiresAt time.Time, payload []byte) error

	// Get invokes handler for each matching entry. handler returns
	// true to stop iteration early (a unique DATA block was found).
	// Get returns the number of entries it invoked handler for.
	Get(ctx context.Context, key Key, contentType uint32, handler func(payload []byte) (stop bool)) (count int, err error)
}

// PingPong is the liveness checker used to measure peer latency and
// confirm a peer is still reachable.
type PingPong interface {
	// Ping sends a liveness probe to p and reports the measured
	// round-trip latency. An error means the probe was not answered;
	// per spec section 4.1, a ping timeout does not itself remove a
	// peer.
	Ping(ctx context.Context, p PeerID) (time.Duration, error)
}

// Identity is the peer-HELLO directory: it knows how to contact peers
// this node has heard of, independent of whether a connection is
// currently open.
type Identity interface {
	// Hello returns the current contact information for p, if known.
	Hello(p PeerID) (PeerInfo, bool)
}
