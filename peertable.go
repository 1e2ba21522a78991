package dht

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"time"

	util "github.com/ipfs/go-ipfs-util"
	logging "github.com/ipfs/go-log"
	"github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
)

var tableLog = logging.Logger("dht/table")

// PeerTable is the routing table proper: a fixed 512-way bucket array
// plus the background maintenance that keeps it populated and pruned.
// All state is guarded by a single mutex, per the global core mutex
// model (spec section 5) — there is no per-bucket locking.
//
// PeerAdded and PeerRemoved, if set before the maintenance loop starts,
// are invoked whenever a PeerEntry is inserted or evicted, mirroring the
// teacher's notifee-callback-field idiom. PeerAdded, and PeerRemoved as
// called from the maintenance sweep, run outside the lock; when Consider
// expires stale entries to make room in a full bucket, PeerRemoved runs
// with the lock held.
type PeerTable struct {
	mu      sync.Mutex
	self    PeerID
	buckets [NumBuckets]*bucket

	cfg       *Config
	core      Core
	identity  Identity
	pingpong  PingPong
	stats     Stats
	diversity *diversityFilter

	rnd io.Reader

	PeerAdded   func(PeerID)
	PeerRemoved func(PeerID)

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPeerTable constructs a PeerTable wired to the given collaborators
// and starts no background work; call Start to begin the maintenance
// loop.
func NewPeerTable(core Core, identity Identity, pingpong PingPong, stats Stats, cfg *Config) (*PeerTable, error) {
	div, err := newDiversityFilter(cfg.BucketSize)
	if err != nil {
		return nil, err
	}
	pt := &PeerTable{
		self:      core.Self(),
		cfg:       cfg,
		core:      core,
		identity:  identity,
		pingpong:  pingpong,
		stats:     statsOrNoop(stats),
		diversity: div,
		rnd:       util.NewTimeSeededRand(),
	}
	for i := range pt.buckets {
		pt.buckets[i] = newBucket()
	}
	core.OnDisconnect(pt.handleDisconnect)
	return pt, nil
}

// Start launches the periodic maintenance sweep (DISCOVERY fan-out,
// expiry, liveness pinging). Calling Start twice is a programmer error.
func (pt *PeerTable) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	pt.cancel = cancel
	pt.wg.Add(1)
	go pt.maintenanceLoop(ctx)
}

// Stop halts the maintenance loop and waits for it to exit.
func (pt *PeerTable) Stop() {
	if pt.cancel != nil {
		pt.cancel()
	}
	pt.wg.Wait()
}

func (pt *PeerTable) bucketFor(id PeerID) *bucket {
	cpl := bitIndex(ID(pt.self), ID(id))
	return pt.buckets[BucketIndex(cpl)]
}

// handleDisconnect zeroes the affected entry's last_activity so the
// next maintenance sweep reaps it, per spec section 4.1's failure
// semantics: a disconnect does not synchronously evict, it primes the
// entry for expiry.
func (pt *PeerTable) handleDisconnect(id PeerID) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	if e := pt.bucketFor(id).find(id); e != nil {
		e.LastActivity = time.Time{}
	}
}

// Consider is called whenever the local peer learns of candidate's
// existence from sender (a DISCOVERY message, or any other peer-
// introducing event). It never returns an error: every rejection path
// (self, already known, bucket full, diversity cap, unknown HELLO, not
// yet connected) is a silent no-op or a side-effecting message send,
// matching the original considerPeer's void signature.
func (pt *PeerTable) Consider(sender, candidate PeerID) {
	if candidate == pt.self {
		return
	}

	var (
		askHello   *Message
		askTarget  PeerID
		discoverAt PeerID
		needDiscov bool
		pingTarget *PeerEntry
	)

	func() {
		pt.mu.Lock()
		defer pt.mu.Unlock()

		b := pt.bucketFor(candidate)
		if b.find(candidate) != nil {
			return
		}
		if b.len() >= pt.cfg.BucketSize {
			pt.expireBucketLocked(b)
		}
		if b.len() >= pt.cfg.BucketSize {
			return
		}

		info, known := pt.identity.Hello(candidate)
		if !known {
			askHello = &Message{Type: MsgAskHello, AskPeer: candidate}
			askTarget = sender
			return
		}

		if pt.diversity != nil {
			if !pt.diversity.Allow(candidate, extractIP(info.Addr)) {
				return
			}
		}

		if !pt.core.Connected(candidate) {
			needDiscov = true
			discoverAt = candidate
			return
		}

		entry := &PeerEntry{ID: candidate, LastActivity: time.Now()}
		b.add(entry)
		pt.stats.Counter(StatDHTTotalPeers).Add(1)
		pingTarget = entry
	}()

	switch {
	case askHello != nil:
		_ = pt.core.Unicast(context.Background(), askTarget, askHello)
	case needDiscov:
		pt.sendDiscoveryTo(discoverAt)
	case pingTarget != nil:
		if pt.PeerAdded != nil {
			pt.PeerAdded(candidate)
		}
		pt.pingEntry(pingTarget)
	}
}

// expireBucketLocked drops any already-timed-out entries from b before
// a fresh admission is attempted, so a bucket that looks full is only
// actually rejected once every entry in it is still alive.
func (pt *PeerTable) expireBucketLocked(b *bucket) {
	now := time.Now()
	for i := 0; i < len(b.entries); {
		e := b.entries[i]
		if e.LastActivity.IsZero() || now.Sub(e.LastActivity) > pt.cfg.PeerTimeout {
			pt.diversity.Release(e.ID)
			b.removeAt(i)
			pt.stats.Counter(StatDHTTotalPeers).Add(-1)
			if pt.PeerRemoved != nil {
				pt.PeerRemoved(e.ID)
			}
			continue
		}
		i++
	}
}

func extractIP(addr multiaddr.Multiaddr) net.IP {
	if addr == nil {
		return nil
	}
	ip, err := manet.ToIP(addr)
	if err != nil {
		return nil
	}
	return ip
}

// randUint64 draws from the table's time-seeded weak PRNG, the same
// quality of randomness the original uses for peer selection (not
// security-critical: it only biases a choice among already-admitted
// peers).
func (pt *PeerTable) randUint64() uint64 {
	var b [8]byte
	if _, err := io.ReadFull(pt.rnd, b[:]); err != nil {
		return uint64(time.Now().UnixNano())
	}
	return binary.BigEndian.Uint64(b[:])
}

// SelectPeer implements select_peer: an inverse-distance-weighted
// random draw over every admitted peer not present in blocked or
// already recorded in bloom. Peers closer to target get exponentially
// more weight, per closenessU32. Returns false if no eligible peer
// exists (including the total-weight-zero edge case).
func (pt *PeerTable) SelectPeer(target Key, blocked map[PeerID]bool, bloom *bloomFilter) (PeerID, bool) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	type weighted struct {
		id PeerID
		w  uint32
	}
	var candidates []weighted
	var total uint64
	for _, b := range pt.buckets {
		for _, e := range b.entries {
			if blocked != nil && blocked[e.ID] {
				continue
			}
			if bloom != nil && bloom.Contains(ID(e.ID).bytes()) {
				continue
			}
			w := invDistance(ID(target), ID(e.ID))
			candidates = append(candidates, weighted{e.ID, w})
			total += uint64(w)
		}
	}
	if total == 0 {
		return PeerID{}, false
	}
	r := pt.randUint64() % total
	for _, c := range candidates {
		if uint64(c.w) > r {
			return c.id, true
		}
		r -= uint64(c.w)
	}
	// unreachable given total > 0, but fall back to the last candidate
	// rather than claiming failure.
	return candidates[len(candidates)-1].id, true
}

// AmClosest implements am_closest: true if no admitted peer is nearer
// to key than the local identity is.
func (pt *PeerTable) AmClosest(key Key) bool {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	selfDist := Distance(ID(pt.self), ID(key))
	for _, b := range pt.buckets {
		for _, e := range b.entries {
			if Distance(ID(e.ID), ID(key)) < selfDist {
				return false
			}
		}
	}
	return true
}

// EstimateNetworkDiameter implements estimate_network_diameter: one
// more than the highest occupied bucket index, since a peer at bucket i
// shares i leading bits with self and the network is assumed to be
// roughly uniformly distributed across the id space.
func (pt *PeerTable) EstimateNetworkDiameter() int {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return pt.estimateNetworkDiameterLocked()
}

func (pt *PeerTable) estimateNetworkDiameterLocked() int {
	highest := -1
	for i := NumBuckets - 1; i >= 0; i-- {
		if pt.buckets[i].len() > 0 {
			highest = i
			break
		}
	}
	return highest + 1
}

func (pt *PeerTable) totalPeersLocked() int {
	n := 0
	for _, b := range pt.buckets {
		n += b.len()
	}
	return n
}

func (pt *PeerTable) spaceAvailableLocked() uint32 {
	used := pt.totalPeersLocked()
	if used >= pt.cfg.TableSize {
		return 0
	}
	return uint32(pt.cfg.TableSize - used)
}

// selectAdvertisePeers picks up to ADVCap peers biased toward
// recipient's own identifier, so the DISCOVERY we send it is useful for
// filling recipient's own table rather than ours.
func (pt *PeerTable) selectAdvertisePeers(recipient PeerID) []PeerID {
	blocked := map[PeerID]bool{recipient: true}
	out := make([]PeerID, 0, ADVCap)
	for len(out) < ADVCap {
		id, ok := pt.SelectPeer(Key(recipient), blocked, nil)
		if !ok {
			break
		}
		out = append(out, id)
		blocked[id] = true
	}
	return out
}

func (pt *PeerTable) sendDiscoveryTo(recipient PeerID) {
	pt.mu.Lock()
	space := pt.spaceAvailableLocked()
	pt.mu.Unlock()
	peers := pt.selectAdvertisePeers(recipient)
	msg := &Message{Type: MsgDiscovery, SpaceAvailable: space, Peers: peers}
	if err := pt.core.Unicast(context.Background(), recipient, msg); err != nil {
		return
	}
	pt.stats.Counter(StatDHTDiscoveriesSent).Add(1)
}

// HandleDiscovery processes an inbound DISCOVERY message: the sender
// itself is always considered, then each advertised peer. A DISCOVERY
// that carries no peers at all gets an unprompted reply, the same
// self-discovery bootstrap behavior the maintenance sweep uses when the
// table is otherwise empty (see SPEC_FULL.md §C.2).
func (pt *PeerTable) HandleDiscovery(sender PeerID, msg *Message) {
	pt.stats.Counter(StatDHTDiscoveriesReceived).Add(1)
	pt.Consider(sender, sender)
	for _, p := range msg.Peers {
		pt.Consider(sender, p)
	}
	if len(msg.Peers) == 0 {
		pt.sendDiscoveryTo(sender)
	}
}

// HandleAskHello processes an inbound ASK_HELLO: sender wants contact
// information for msg.AskPeer. Whether and how a HELLO is actually
// pushed back to sender is the Identity/Core collaborator's concern
// (HELLO exchange is not one of this package's five wire message
// types); this only confirms we still know the peer being asked about.
func (pt *PeerTable) HandleAskHello(sender PeerID, msg *Message) {
	pt.mu.Lock()
	known := pt.bucketFor(msg.AskPeer).find(msg.AskPeer) != nil
	pt.mu.Unlock()
	if !known {
		tableLog.Debugf("ignoring ASK_HELLO for unknown peer %s from %s", msg.AskPeer, sender)
		return
	}
	if _, ok := pt.identity.Hello(msg.AskPeer); !ok {
		tableLog.Debugf("no HELLO on file for %s, cannot answer %s's ASK_HELLO", msg.AskPeer, sender)
	}
}

func (pt *PeerTable) pingEntry(e *PeerEntry) {
	pt.mu.Lock()
	e.LastPingSent = time.Now()
	e.RequestCount++
	pt.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), pt.cfg.MaintainInterval)
	defer cancel()
	latency, err := pt.pingpong.Ping(ctx, e.ID)
	if err != nil {
		return
	}

	pt.mu.Lock()
	e.LastActivity = time.Now()
	e.ExpectedLatency = latency
	e.ResponseCount++
	pt.mu.Unlock()
}

// maintenanceLoop is the periodic sweep: fan out DISCOVERY to every
// transport-connected peer, then expire and ping admitted entries.
func (pt *PeerTable) maintenanceLoop(ctx context.Context) {
	defer pt.wg.Done()
	ticker := time.NewTicker(pt.cfg.MaintainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pt.maintainTick()
		}
	}
}

func (pt *PeerTable) maintainTick() {
	pt.mu.Lock()
	total := pt.totalPeersLocked()
	pt.mu.Unlock()

	for _, p := range pt.core.ConnectedPeers() {
		if total == 0 {
			// Self-discovery bootstrap: with nobody in the table yet,
			// the only useful thing to advertise is ourselves.
			pt.mu.Lock()
			space := pt.spaceAvailableLocked()
			pt.mu.Unlock()
			msg := &Message{Type: MsgDiscovery, SpaceAvailable: space, Peers: []PeerID{pt.self}}
			if err := pt.core.Unicast(context.Background(), p, msg); err == nil {
				pt.stats.Counter(StatDHTDiscoveriesSent).Add(1)
			}
			continue
		}
		pt.sendDiscoveryTo(p)
	}

	pt.sweepExpiryAndPing()
}

func (pt *PeerTable) sweepExpiryAndPing() {
	now := time.Now()
	var toPing []*PeerEntry
	var removed []PeerID

	pt.mu.Lock()
	for _, b := range pt.buckets {
		for i := 0; i < len(b.entries); {
			e := b.entries[i]
			if e.LastActivity.IsZero() || now.Sub(e.LastActivity) > pt.cfg.PeerTimeout {
				pt.diversity.Release(e.ID)
				b.removeAt(i)
				pt.stats.Counter(StatDHTTotalPeers).Add(-1)
				removed = append(removed, e.ID)
				continue
			}
			if now.Sub(e.LastActivity) > pt.cfg.PeerTimeout/2 && now.Sub(e.LastPingSent) > pt.cfg.PeerTimeout/2 {
				toPing = append(toPing, e)
			}
			i++
		}
	}
	pt.mu.Unlock()

	if pt.PeerRemoved != nil {
		for _, id := range removed {
			pt.PeerRemoved(id)
		}
	}
	for _, e := range toPing {
		pt.pingEntry(e)
	}
}
