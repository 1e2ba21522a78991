package dht

import (
	"container/heap"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	util "github.com/ipfs/go-ipfs-util"
	logging "github.com/ipfs/go-log"
	sha256 "github.com/minio/sha256-simd"
)

var routingLog = logging.Logger("dht/routing")

// maxResults is MAX_RESULTS: once a RouteRecord has forwarded this many
// distinct result hashes, it is retired rather than tracked further.
const maxResults = 64

// baseHopDelay mirrors the original's DHT_DELAY, the estimated per-hop
// propagation cost used only to size how long a RouteRecord is allowed
// to live before it is considered stale.
const baseHopDelay = 5 * time.Second

// ResultHandler receives payloads delivered to a local GET subscriber.
type ResultHandler func(payload []byte)

// localSink is the explicit subscription-handle model spec section 9
// calls for in place of the original's raw function-pointer closures:
// it is a value a Subscription can hold onto and that addRoute/
// routeResult can compare by identity.
type localSink struct {
	handler ResultHandler
}

// SourceRoute records one subscriber interested in results for a
// RouteRecord: either a remote peer (Peer, IsSelf == false) or the
// local node itself (IsSelf == true, optionally paired with Sink when
// a local client asked for delivery).
type SourceRoute struct {
	Peer     PeerID
	IsSelf   bool
	Sink     *localSink
	Received bool
}

// RouteRecord is the per-(key,type) bookkeeping that lets a RESULT find
// its way back to every interested subscriber.
type RouteRecord struct {
	Key           Key
	ContentType   uint32
	HopCount      uint32
	Sources       []*SourceRoute
	SeenResults   *bloomFilter
	ResultCount   int
	InsertionTime time.Time

	heapIndex int
}

type routeKey struct {
	key   Key
	ctype uint32
}

// recordHeap is the min-heap (by InsertionTime) backing eviction of the
// oldest RouteRecord once the table is at capacity (spec section 3's
// "map paired with a min-heap" routing table).
type recordHeap []*RouteRecord

func (h recordHeap) Len() int            { return len(h) }
func (h recordHeap) Less(i, j int) bool  { return h[i].InsertionTime.Before(h[j].InsertionTime) }
func (h recordHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}

func (h *recordHeap) Push(x interface{}) {
	rec := x.(*RouteRecord)
	rec.heapIndex = len(*h)
	*h = append(*h, rec)
}

func (h *recordHeap) Pop() interface{} {
	old := *h
	n := len(old)
	rec := old[n-1]
	old[n-1] = nil
	rec.heapIndex = -1
	*h = old[:n-1]
	return rec
}

// Routing runs the GET/PUT/RESULT state machine described in spec
// section 4.2 and owns the bounded routing table. Every mutation of
// records or the heap happens under mu, the same single global core
// mutex model PeerTable uses (spec section 5) — this package does not
// attempt the per-request-actor redesign spec section 9 floats as an
// alternative, since nothing in the teacher's idiom asks for it.
type Routing struct {
	mu      sync.Mutex
	self    PeerID
	cfg     *Config
	core    Core
	dstore  DStore
	table   *PeerTable
	stats   Stats
	rnd     io.Reader
	records map[routeKey]*RouteRecord
	heap    recordHeap
}

// NewRouting constructs a Routing engine wired to the given
// collaborators and PeerTable.
func NewRouting(core Core, dstore DStore, table *PeerTable, stats Stats, cfg *Config) *Routing {
	return &Routing{
		self:    core.Self(),
		cfg:     cfg,
		core:    core,
		dstore:  dstore,
		table:   table,
		stats:   statsOrNoop(stats),
		rnd:     util.NewTimeSeededRand(),
		records: make(map[routeKey]*RouteRecord),
	}
}

func (r *Routing) recordLifetimeLocked(diameter int) time.Duration {
	d := diameter
	if d < 1 {
		d = 1
	}
	return baseHopDelay * time.Duration(d) * 4
}

// addRoute implements add_route: ensure capacity (evicting the
// heap-oldest record if the table is full and this is a genuinely new
// (key,type)), then either extend a matching RouteRecord's sources or
// create one. Returns a non-nil error, and no record, when hop_count is
// already beyond 2x the diameter estimate, or (wrapping
// ErrCapacityExhausted) when the table is at capacity but the heap holds
// no record to evict.
func (r *Routing) addRoute(sender PeerID, isSelf bool, sink *localSink, get *Message) (*RouteRecord, error) {
	diameter := r.table.EstimateNetworkDiameter()
	if int(get.HopCount) > 2*diameter {
		return nil, fmt.Errorf("dht: hop_count %d exceeds 2x diameter estimate %d", get.HopCount, diameter)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rk := routeKey{get.Key, get.ContentType}
	now := time.Now()
	lifetime := r.recordLifetimeLocked(diameter)

	if rec, ok := r.records[rk]; ok {
		if now.Sub(rec.InsertionTime) > lifetime {
			rec.Sources = rec.Sources[:0]
			rec.SeenResults = newBloomFilter(r.cfg.BloomSize, r.cfg.BloomK)
			rec.ResultCount = 0
		}
		r.addSourceLocked(rec, sender, isSelf, sink)
		rec.InsertionTime = now
		heap.Fix(&r.heap, rec.heapIndex)
		r.stats.Counter(StatDHTRequestsRouted).Add(1)
		return rec, nil
	}

	if len(r.records) >= r.cfg.TableSize {
		if len(r.heap) == 0 {
			return nil, fmt.Errorf("dht: table size %d but heap empty: %w", r.cfg.TableSize, ErrCapacityExhausted)
		}
		r.evictLocked(r.heap[0])
	}

	rec := &RouteRecord{
		Key:           get.Key,
		ContentType:   get.ContentType,
		HopCount:      get.HopCount,
		SeenResults:   newBloomFilter(r.cfg.BloomSize, r.cfg.BloomK),
		InsertionTime: now,
	}
	r.addSourceLocked(rec, sender, isSelf, sink)
	r.records[rk] = rec
	heap.Push(&r.heap, rec)
	r.stats.Counter(StatDHTRequestsRouted).Add(1)
	return rec, nil
}

func (r *Routing) addSourceLocked(rec *RouteRecord, sender PeerID, isSelf bool, sink *localSink) {
	for _, sr := range rec.Sources {
		if isSelf {
			if sr.IsSelf && sr.Sink == sink {
				return
			}
			continue
		}
		if !sr.IsSelf && sr.Peer == sender {
			if sink != nil {
				sr.Sink = sink
			}
			return
		}
	}
	rec.Sources = append(rec.Sources, &SourceRoute{Peer: sender, IsSelf: isSelf, Sink: sink})
}

func (r *Routing) evictLocked(rec *RouteRecord) {
	delete(r.records, routeKey{rec.Key, rec.ContentType})
	if rec.heapIndex >= 0 && rec.heapIndex < len(r.heap) && r.heap[rec.heapIndex] == rec {
		heap.Remove(&r.heap, rec.heapIndex)
	}
}

// HandleGet implements GET handling per spec section 4.2. sender is
// the peer the message arrived from, or r.self for a locally
// originated GET (isLocal true); sink, if non-nil, is the local
// subscriber to register as a SourceRoute.
func (r *Routing) HandleGet(sender PeerID, isLocal bool, msg *Message, sink *localSink) {
	r.stats.Counter(StatDHTGetRequestsReceived).Add(1)
	if !isLocal {
		r.table.Consider(sender, sender)
	}

	if _, err := r.addRoute(sender, isLocal, sink, msg); err != nil {
		routingLog.Debugf("not routing GET for %s: %s", msg.Key, err)
		return
	}

	count, err := r.dstore.Get(context.Background(), msg.Key, msg.ContentType, func(payload []byte) bool {
		r.routeResult(msg.Key, msg.ContentType, payload, nil)
		return false
	})
	if err != nil {
		routingLog.Debugf("local store lookup failed for %s: %s", msg.Key, err)
	}
	if count >= maxResults {
		return
	}

	diameter := r.table.EstimateNetworkDiameter()
	target := forwardCount(r.rnd, msg.HopCount, float64(r.cfg.GetTries), diameter)
	if target > r.cfg.GetTries {
		target = r.cfg.GetTries
	}

	blocked := map[PeerID]bool{}
	bloom := cloneBloomFilter(msg.Bloom)
	if bloom == nil {
		bloom = newBloomFilter(r.cfg.BloomSize, r.cfg.BloomK)
	}
	bloom.Add(ID(r.self).bytes())

	for i := 0; i < target; i++ {
		next, ok := r.table.SelectPeer(msg.Key, blocked, bloom)
		if !ok {
			routingLog.Debugf("forwarding GET for %s: %s", msg.Key, ErrNoRouteAvailable)
			break
		}
		blocked[next] = true
		bloom.Add(ID(next).bytes())
		fwd := &Message{
			Type:            MsgGet,
			ContentType:     msg.ContentType,
			HopCount:        msg.HopCount + 1,
			NetworkSizeHint: msg.NetworkSizeHint + uint32(diameter),
			Key:             msg.Key,
			Bloom:           cloneBloomFilter(bloom),
		}
		_ = r.core.Unicast(context.Background(), next, fwd)
	}
}

// HandlePut implements PUT handling per spec section 4.2: forward to
// forwardCount(PUT_TRIES) peers regardless of outcome, then cache
// locally iff am_closest(key) holds and a payload was actually given.
func (r *Routing) HandlePut(sender PeerID, isLocal bool, msg *Message) {
	r.stats.Counter(StatDHTPutRequestsReceived).Add(1)
	if !isLocal {
		r.table.Consider(sender, sender)
	}

	diameter := r.table.EstimateNetworkDiameter()
	target := forwardCount(r.rnd, msg.HopCount, float64(r.cfg.PutTries), diameter)
	if target > r.cfg.PutTries {
		target = r.cfg.PutTries
	}

	blocked := map[PeerID]bool{}
	bloom := cloneBloomFilter(msg.Bloom)
	if bloom == nil {
		bloom = newBloomFilter(r.cfg.BloomSize, r.cfg.BloomK)
	}
	bloom.Add(ID(r.self).bytes())

	for i := 0; i < target; i++ {
		next, ok := r.table.SelectPeer(msg.Key, blocked, bloom)
		if !ok {
			routingLog.Debugf("forwarding PUT for %s: %s", msg.Key, ErrNoRouteAvailable)
			break
		}
		blocked[next] = true
		bloom.Add(ID(next).bytes())
		fwd := &Message{
			Type:            MsgPut,
			ContentType:     msg.ContentType,
			HopCount:        msg.HopCount + 1,
			NetworkSizeHint: msg.NetworkSizeHint + uint32(diameter),
			Key:             msg.Key,
			Bloom:           cloneBloomFilter(bloom),
			Payload:         msg.Payload,
		}
		_ = r.core.Unicast(context.Background(), next, fwd)
	}

	if len(msg.Payload) > 0 && r.table.AmClosest(msg.Key) {
		if err := r.dstore.Put(msg.Key, msg.ContentType, time.Now().Add(r.cfg.ContentLifetime), msg.Payload); err != nil {
			routingLog.Debugf("caching PUT for %s failed: %s", msg.Key, err)
		}
	}
}

// HandleResult implements RESULT handling: route the payload back
// along every tracked RouteRecord for (key, type).
func (r *Routing) HandleResult(sender PeerID, msg *Message) {
	r.stats.Counter(StatDHTResultsReceived).Add(1)
	r.routeResult(msg.Key, msg.ContentType, msg.Payload, msg.Bloom)
}

// routeResult implements route_result. replyBloom is the inbound
// message's path bloom when reusing a forwarded RESULT, or nil for a
// freshly-synthesized one sourced from a local DStore hit.
func (r *Routing) routeResult(key Key, ctype uint32, payload []byte, replyBloom *bloomFilter) {
	hc := sha256.Sum256(payload)

	var bloom *bloomFilter
	if replyBloom != nil {
		bloom = cloneBloomFilter(replyBloom)
	} else {
		bloom = newBloomFilter(r.cfg.BloomSize, r.cfg.BloomK)
	}

	r.mu.Lock()
	r.stats.Counter(StatDHTRouteLookups).Add(1)
	rec, ok := r.records[routeKey{key, ctype}]
	if !ok {
		r.mu.Unlock()
		return
	}
	if rec.SeenResults.Contains(hc[:]) {
		r.mu.Unlock()
		return
	}
	rec.SeenResults.Add(hc[:])
	rec.ResultCount++
	sources := append([]*SourceRoute(nil), rec.Sources...)
	expired := rec.ResultCount >= maxResults
	r.mu.Unlock()

	var stale []PeerID
	for _, sr := range sources {
		if !sr.IsSelf {
			if !r.core.Connected(sr.Peer) {
				routingLog.Debugf("routing result for %s: %s", key, ErrStaleSourceRoute)
				stale = append(stale, sr.Peer)
			} else if !bloom.Contains(ID(sr.Peer).bytes()) {
				r.deliverRemote(sr.Peer, key, ctype, payload, bloom)
			}
		}
		if sr.Sink != nil {
			sr.Sink.handler(payload)
			sr.Received = true
			r.stats.Counter(StatDHTRepliesRouted).Add(1)
		}
	}

	if len(stale) > 0 {
		r.pruneStaleSources(routeKey{key, ctype}, stale)
	}
	if expired {
		r.expireRecord(routeKey{key, ctype})
	}
}

// deliverRemote unicasts a RESULT to peer, growing bloom as it goes.
// A failed unicast to a live, not-yet-visited peer gets one fallback
// attempt via select_peer, per spec section 7's TransportTransient
// handling.
func (r *Routing) deliverRemote(peer PeerID, key Key, ctype uint32, payload []byte, bloom *bloomFilter) {
	fwd := &Message{Type: MsgResult, ContentType: ctype, Key: key, Bloom: cloneBloomFilter(bloom), Payload: payload}
	if err := r.core.Unicast(context.Background(), peer, fwd); err == nil {
		bloom.Add(ID(peer).bytes())
		r.stats.Counter(StatDHTRepliesRouted).Add(1)
		return
	}
	routingLog.Debugf("delivering RESULT for %s to %s: %s", key, peer, ErrTransportTransient)
	alt, ok := r.table.SelectPeer(key, nil, bloom)
	if !ok {
		return
	}
	altMsg := &Message{Type: MsgResult, ContentType: ctype, Key: key, Bloom: cloneBloomFilter(bloom), Payload: payload}
	if err := r.core.Unicast(context.Background(), alt, altMsg); err == nil {
		bloom.Add(ID(alt).bytes())
		r.stats.Counter(StatDHTRepliesRouted).Add(1)
	}
}

func (r *Routing) pruneStaleSources(rk routeKey, stale []PeerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[rk]
	if !ok {
		return
	}
	staleSet := make(map[PeerID]bool, len(stale))
	for _, p := range stale {
		staleSet[p] = true
	}
	kept := rec.Sources[:0]
	for _, sr := range rec.Sources {
		if !sr.IsSelf && staleSet[sr.Peer] {
			continue
		}
		kept = append(kept, sr)
	}
	rec.Sources = kept
	if len(rec.Sources) == 0 {
		r.evictLocked(rec)
	}
}

func (r *Routing) expireRecord(rk routeKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[rk]; ok {
		r.evictLocked(rec)
	}
}

// forwardCount implements the forward_count rounding rule from spec
// section 4.2: an integer target starting from the ceiling of
// target_replication / (target_replication*(hop_count+1) + diameter),
// with the fractional remainder resolved by a single uniform draw.
// hop_count beyond (diameter+1)*2 forwards to nobody.
func forwardCount(rnd io.Reader, hopCount uint32, targetReplication float64, diameter int) int {
	if int(hopCount) > (diameter+1)*2 {
		return 0
	}
	targetCount := targetReplication / (targetReplication*float64(hopCount+1) + float64(diameter))
	targetValue := 0
	for float64(targetValue) < targetCount {
		targetValue++
	}
	if targetCount+1-float64(targetValue) > randomUnitInterval(rnd) {
		targetValue++
	}
	return targetValue
}

// forwardCountRandomBound matches the original's LARGE_INT: the
// denominator of the uniform draw used to resolve forwardCount's
// fractional remainder.
const forwardCountRandomBound = 0xFFFFFF

func randomUnitInterval(rnd io.Reader) float64 {
	var b [4]byte
	if _, err := io.ReadFull(rnd, b[:]); err != nil {
		return 0
	}
	v := binary.BigEndian.Uint32(b[:]) % (forwardCountRandomBound + 1)
	return float64(v) / float64(forwardCountRandomBound)
}

// Subscription is the explicit, droppable handle for a locally
// originated GET, replacing the original's raw function-pointer
// SourceRoute (spec section 9's redesign note).
type Subscription struct {
	r     *Routing
	key   Key
	ctype uint32
	sink  *localSink
}

// Get starts a locally originated GET and returns a Subscription that
// will receive every distinct RESULT delivered for (key, ctype) until
// Stop is called or the underlying RouteRecord expires.
func (r *Routing) Get(key Key, ctype uint32, handler ResultHandler) *Subscription {
	sink := &localSink{handler: handler}
	msg := &Message{
		Type:            MsgGet,
		ContentType:     ctype,
		HopCount:        0,
		NetworkSizeHint: uint32(r.table.EstimateNetworkDiameter()),
		Key:             key,
		Bloom:           newBloomFilter(r.cfg.BloomSize, r.cfg.BloomK),
	}
	r.HandleGet(r.self, true, msg, sink)
	return &Subscription{r: r, key: key, ctype: ctype, sink: sink}
}

// Stop cancels this Subscription: its SourceRoute is removed from the
// RouteRecord. Remote SourceRoutes on the same record are unaffected.
func (s *Subscription) Stop() {
	s.r.mu.Lock()
	defer s.r.mu.Unlock()
	rec, ok := s.r.records[routeKey{s.key, s.ctype}]
	if !ok {
		return
	}
	kept := rec.Sources[:0]
	for _, sr := range rec.Sources {
		if sr.IsSelf && sr.Sink == s.sink {
			continue
		}
		kept = append(kept, sr)
	}
	rec.Sources = kept
	if len(rec.Sources) == 0 {
		s.r.evictLocked(rec)
	}
}

// Put performs a locally originated PUT.
func (r *Routing) Put(key Key, ctype uint32, payload []byte) {
	msg := &Message{
		Type:            MsgPut,
		ContentType:     ctype,
		HopCount:        0,
		NetworkSizeHint: uint32(r.table.EstimateNetworkDiameter()),
		Key:             key,
		Bloom:           newBloomFilter(r.cfg.BloomSize, r.cfg.BloomK),
		Payload:         payload,
	}
	r.HandlePut(r.self, true, msg)
}

// Dispatch routes an inbound wire Message from sender to the
// appropriate handler. DISCOVERY and ASK_HELLO are PeerTable's
// concern, not Routing's; callers should not pass them here.
func (r *Routing) Dispatch(sender PeerID, msg *Message) {
	switch msg.Type {
	case MsgGet:
		r.HandleGet(sender, false, msg, nil)
	case MsgPut:
		r.HandlePut(sender, false, msg)
	case MsgResult:
		r.HandleResult(sender, msg)
	default:
		r.stats.Counter(StatDHTMessagesMalformed).Add(1)
	}
}
