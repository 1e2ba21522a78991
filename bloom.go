package dht

import (
	"github.com/spaolacci/murmur3"
)

// DefaultBloomSize is the default size, in bytes, of a path bloom
// filter (BLOOM_SIZE).
const DefaultBloomSize = 4

// DefaultBloomK is the default number of hash functions a path bloom
// filter uses (BLOOM_K).
const DefaultBloomK = 16

// bloomFilter is the small, per-message probabilistic set of peers
// (or, for seen_results, of reply hashes) that have already handled a
// request. It is intentionally small: false positives are common and
// expected, since its only job is cycle suppression along a single
// request's path, not exact membership (design note in spec section
// 9). The k independent hash functions are produced by double-hashing
// two murmur3-32 digests over distinct seeds, the idiom used for
// small bloom/set-membership structures elsewhere in the corpus
// rather than a hand-rolled FNV mix.
type bloomFilter struct {
	bits []byte
	k    int
}

func newBloomFilter(sizeBytes, k int) *bloomFilter {
	if sizeBytes <= 0 {
		sizeBytes = DefaultBloomSize
	}
	if k <= 0 {
		k = DefaultBloomK
	}
	return &bloomFilter{bits: make([]byte, sizeBytes), k: k}
}

// cloneBloomFilter copies an existing filter's bit pattern into a new
// independent filter, used when a message is forwarded and the path
// bloom must travel with it. A nil filter (a message with no bloom
// attached) clones to nil, leaving call sites free to substitute a
// freshly sized one.
func cloneBloomFilter(b *bloomFilter) *bloomFilter {
	if b == nil {
		return nil
	}
	cp := &bloomFilter{bits: make([]byte, len(b.bits)), k: b.k}
	copy(cp.bits, b.bits)
	return cp
}

func bloomFromBytes(raw []byte, k int) *bloomFilter {
	bf := newBloomFilter(len(raw), k)
	copy(bf.bits, raw)
	return bf
}

func (b *bloomFilter) Bytes() []byte {
	return b.bits
}

func (b *bloomFilter) nBits() uint32 {
	return uint32(len(b.bits) * 8)
}

// indexes returns the k bit positions for data, using double hashing
// over two independent murmur3-32 seeds (Kirsch-Mitzenmacher).
func (b *bloomFilter) indexes(data []byte) []uint32 {
	h1 := seededMurmur32(data, 0)
	h2 := seededMurmur32(data, 1)
	n := b.nBits()
	idxs := make([]uint32, b.k)
	for i := 0; i < b.k; i++ {
		combined := h1 + uint32(i)*h2
		idxs[i] = combined % n
	}
	return idxs
}

// Add inserts data's bit positions into the filter.
func (b *bloomFilter) Add(data []byte) {
	for _, idx := range b.indexes(data) {
		b.bits[idx/8] |= 1 << (idx % 8)
	}
}

// Contains reports whether data's bits are all set: a true result may
// be a false positive, but a false result is definitive.
func (b *bloomFilter) Contains(data []byte) bool {
	for _, idx := range b.indexes(data) {
		if b.bits[idx/8]&(1<<(idx%8)) == 0 {
			return false
		}
	}
	return true
}

func idBytes(id ID) []byte { return id[:] }

// seededMurmur32 hashes data with a murmur3-32 digest seeded
// distinctly, giving the two independent base hashes the
// Kirsch-Mitzenmacher double-hashing scheme combines into k indexes.
func seededMurmur32(data []byte, seed uint32) uint32 {
	h := murmur3.New32WithSeed(seed)
	h.Write(data) //nolint:errcheck // hash.Hash.Write never errors
	return h.Sum32()
}
