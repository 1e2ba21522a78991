package dht

import (
	"crypto/sha512"
	"encoding/hex"
	"math/bits"

	mh "github.com/multiformats/go-multihash"
)

// IDLen is the width, in bytes, of the 512-bit identifier space shared
// by peer identities and content keys.
const IDLen = 64

// NumBuckets is the number of distance-bit-index buckets tiling the
// full identifier space: one per possible leading-differing-bit index.
const NumBuckets = IDLen * 8

// ID is the common 512-bit representation underlying both PeerID and
// Key. Peer identities and content keys share one distance metric, so
// they share one underlying byte layout.
type ID [IDLen]byte

// PeerID identifies a peer: the 512-bit hash of its public key.
type PeerID ID

// Key identifies a content item by its 512-bit hash.
type Key ID

// PeerIDFromBytes copies the given hash into a PeerID. It panics if b
// is not exactly IDLen bytes, matching the teacher's ConvertPeerID
// contract of operating on a fixed-width digest rather than returning
// an error for a precondition the caller controls.
func PeerIDFromBytes(b []byte) PeerID {
	var id PeerID
	if len(b) != IDLen {
		panic("dht: peer id must be 512 bits")
	}
	copy(id[:], b)
	return id
}

// KeyFromBytes copies the given hash into a Key.
func KeyFromBytes(b []byte) Key {
	var k Key
	if len(b) != IDLen {
		panic("dht: key must be 512 bits")
	}
	copy(k[:], b)
	return k
}

// HashKey derives the 512-bit content key for arbitrary bytes. There
// is no SIMD-accelerated SHA-512 implementation anywhere in the
// example corpus (sha256-simd is 256-bit only), so this one piece of
// hashing stays on the standard library; see DESIGN.md.
func HashKey(data []byte) Key {
	sum := sha512.Sum512(data)
	return Key(sum)
}

func (id ID) bytes() []byte { return id[:] }

// Multihash wraps the identifier in a multihash envelope the way
// libp2p peer IDs are conventionally printed and parsed.
func (id ID) Multihash() (mh.Multihash, error) {
	return mh.Encode(id.bytes(), mh.SHA2_512)
}

// String renders a human-readable multihash form, falling back to hex
// if multihash encoding somehow fails (it never should for a
// fixed-width digest).
func (id ID) String() string {
	m, err := id.Multihash()
	if err != nil {
		return hex.EncodeToString(id[:])
	}
	return m.B58String()
}

func (p PeerID) String() string { return ID(p).String() }
func (k Key) String() string    { return ID(k).String() }

// bitIndex returns the index (0-based, most-significant bit first) of
// the first bit at which a and b differ, or NumBuckets if they are
// equal. This is GNUnet's get_bit_distance: the number of leading bits
// the two identifiers share.
func bitIndex(a, b ID) int {
	for byteIdx := 0; byteIdx < IDLen; byteIdx++ {
		x := a[byteIdx] ^ b[byteIdx]
		if x == 0 {
			continue
		}
		// bits.LeadingZeros8 counts from the MSB, matching bit 0 = MSB.
		return byteIdx*8 + bits.LeadingZeros8(x)
	}
	return NumBuckets
}

// CommonPrefixLen returns the number of leading bits a and b share;
// equivalently, the bucket index a peer with id b belongs to relative
// to a reference identifier a. Larger means closer.
func CommonPrefixLen(a, b ID) int { return bitIndex(a, b) }

// BucketIndex returns the index in [0, NumBuckets) of the bucket an
// identifier with the given common-prefix-length to self belongs in.
// An identical identifier (cpl == NumBuckets) clamps into the last
// bucket; callers are expected to special-case id == self themselves
// (self is never a PeerEntry, per invariant 2).
func BucketIndex(cpl int) int {
	if cpl >= NumBuckets {
		return NumBuckets - 1
	}
	return cpl
}

// closenessU32 maps a common-prefix-length to an inverse-distance
// weight: 2^(cpl*32/NumBuckets), exponentially increasing as cpl (and
// therefore closeness) grows. This mirrors GNUnet's inverse_distance,
// kept entirely in integer arithmetic per the design's "no floating
// point in the hot path" rule.
func closenessU32(cpl int) uint32 {
	if cpl > NumBuckets {
		cpl = NumBuckets
	}
	shift := (cpl * 32) / NumBuckets
	if shift > 31 {
		shift = 31
	}
	return uint32(1) << uint(shift)
}

// Distance returns the 32-bit distance metric between two
// identifiers: smaller means closer, as required by the data model.
func Distance(a, b ID) uint32 {
	cpl := bitIndex(a, b)
	return ^uint32(0) - closenessU32(cpl)
}

// invDistance implements select_peer's inv_dist(p) = MAX_U32 -
// distance(target, p.id) directly off the shared closeness helper;
// algebraically this is exactly closenessU32(cpl), so it is computed
// that way rather than via a redundant subtraction.
func invDistance(target, id ID) uint32 {
	return closenessU32(bitIndex(target, id))
}
