package dht

import "time"

// PeerEntry is a neighbor known to the local PeerTable. Field names
// and purpose carry across field-for-field from the original GNUnet
// PeerInfo: last_activity drives expiration, last_ping_sent and
// expected_latency track liveness probing, and the two counters
// accumulate request/response traffic for that peer.
type PeerEntry struct {
	ID              PeerID
	LastActivity    time.Time
	LastPingSent    time.Time
	ExpectedLatency time.Duration
	RequestCount    uint64
	ResponseCount   uint64
}

// bucket holds up to BucketSize PeerEntry values whose
// common-prefix-length with self falls in this bucket's single
// distance-bit-index. Per spec section 3, with a fixed 512-bucket
// table each bucket's [bstart, bend] range degenerates to a single
// index, so a bucket is simply "all peers at this cpl".
//
// bucket carries no lock of its own: the owning PeerTable's single
// mutex guards the whole bucket array, per the global core mutex
// model (spec section 5).
type bucket struct {
	entries []*PeerEntry
}

func newBucket() *bucket {
	return &bucket{}
}

func (b *bucket) find(id PeerID) *PeerEntry {
	for _, e := range b.entries {
		if e.ID == id {
			return e
		}
	}
	return nil
}

func (b *bucket) indexOf(id PeerID) int {
	for i, e := range b.entries {
		if e.ID == id {
			return i
		}
	}
	return -1
}

func (b *bucket) len() int { return len(b.entries) }

func (b *bucket) add(e *PeerEntry) {
	b.entries = append(b.entries, e)
}

// removeAt deletes the entry at index i without preserving order,
// matching the original's swap-with-last-and-shrink eviction.
func (b *bucket) removeAt(i int) {
	last := len(b.entries) - 1
	b.entries[i] = b.entries[last]
	b.entries[last] = nil
	b.entries = b.entries[:last]
}

func (b *bucket) remove(id PeerID) bool {
	if i := b.indexOf(id); i >= 0 {
		b.removeAt(i)
		return true
	}
	return false
}

func (b *bucket) peers() []*PeerEntry {
	return b.entries
}
