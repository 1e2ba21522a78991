package dht

import "errors"

// Sentinel errors for the error kinds in the design's error-handling
// section. None of these are returned to external callers of Get/Put:
// they are logged and absorbed internally, and exported only so tests
// and internal callers can assert on them with errors.Is.
var (
	// ErrMalformedMessage is returned when a message is shorter than its
	// header, its size field is inconsistent with its length or payload,
	// its type is unknown, or a DISCOVERY carries too many or misaligned
	// peer entries. The message is dropped.
	ErrMalformedMessage = errors.New("dht: malformed message")

	// ErrCapacityExhausted is returned when the routing table is full,
	// a new (key, type) pair does not match any existing record, and
	// there is no oldest record left in the heap to evict for it.
	ErrCapacityExhausted = errors.New("dht: routing table capacity exhausted")

	// ErrNoRouteAvailable is returned when select_peer found no
	// candidate and forwarding was required.
	ErrNoRouteAvailable = errors.New("dht: no route available")

	// ErrStaleSourceRoute is returned when a SourceRoute's peer is no
	// longer connected at the transport layer.
	ErrStaleSourceRoute = errors.New("dht: stale source route")

	// ErrTransportTransient is returned when a unicast to a live peer
	// failed.
	ErrTransportTransient = errors.New("dht: transient transport failure")
)
