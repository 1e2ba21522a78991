package dht

import (
	"context"
	"sync"
	"time"
)

// sentMessage records one fakeCore.Unicast call for assertions.
type sentMessage struct {
	to  PeerID
	msg *Message
}

// fakeCore is a minimal in-memory Core collaborator: no real transport,
// just bookkeeping of who is "connected" and what got sent where.
type fakeCore struct {
	mu         sync.Mutex
	self       PeerID
	connected  map[PeerID]bool
	unicastErr map[PeerID]error
	sent       []sentMessage
	disconnect []func(PeerID)
}

func newFakeCore(self PeerID) *fakeCore {
	return &fakeCore{
		self:       self,
		connected:  make(map[PeerID]bool),
		unicastErr: make(map[PeerID]error),
	}
}

func (f *fakeCore) Self() PeerID { return f.self }

func (f *fakeCore) Unicast(ctx context.Context, p PeerID, msg *Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.unicastErr[p]; err != nil {
		return err
	}
	f.sent = append(f.sent, sentMessage{to: p, msg: msg})
	return nil
}

func (f *fakeCore) Connected(p PeerID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected[p]
}

func (f *fakeCore) ConnectedPeers() []PeerID {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]PeerID, 0, len(f.connected))
	for p, ok := range f.connected {
		if ok {
			out = append(out, p)
		}
	}
	return out
}

func (f *fakeCore) OnDisconnect(fn func(PeerID)) {
	f.disconnect = append(f.disconnect, fn)
}

func (f *fakeCore) setConnected(p PeerID, v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected[p] = v
}

func (f *fakeCore) sentTo(p PeerID) []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Message
	for _, s := range f.sent {
		if s.to == p {
			out = append(out, *s.msg)
		}
	}
	return out
}

func (f *fakeCore) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

// fakeIdentity answers Hello lookups from a fixed table.
type fakeIdentity struct {
	mu    sync.Mutex
	known map[PeerID]PeerInfo
}

func newFakeIdentity() *fakeIdentity {
	return &fakeIdentity{known: make(map[PeerID]PeerInfo)}
}

func (f *fakeIdentity) Hello(p PeerID) (PeerInfo, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.known[p]
	return info, ok
}

func (f *fakeIdentity) learn(p PeerID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.known[p] = PeerInfo{ID: p}
}

// fakePingPong always succeeds with a fixed latency unless told to fail.
type fakePingPong struct {
	mu      sync.Mutex
	latency time.Duration
	fail    map[PeerID]bool
}

func newFakePingPong() *fakePingPong {
	return &fakePingPong{latency: 10 * time.Millisecond, fail: make(map[PeerID]bool)}
}

func (f *fakePingPong) Ping(ctx context.Context, p PeerID) (time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[p] {
		return 0, context.DeadlineExceeded
	}
	return f.latency, nil
}

// fakeDStoreEntry is one stored (key, contentType) -> payload mapping.
type fakeDStoreEntry struct {
	contentType uint32
	expiresAt   time.Time
	payload     []byte
}

// fakeDStore is an in-memory DStore: no quota, no background expiry,
// just enough behavior to exercise HandleGet/HandlePut.
type fakeDStore struct {
	mu      sync.Mutex
	entries map[Key][]fakeDStoreEntry
}

func newFakeDStore() *fakeDStore {
	return &fakeDStore{entries: make(map[Key][]fakeDStoreEntry)}
}

func (f *fakeDStore) Put(key Key, contentType uint32, expiresAt time.Time, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := append([]byte(nil), payload...)
	f.entries[key] = append(f.entries[key], fakeDStoreEntry{contentType: contentType, expiresAt: expiresAt, payload: cp})
	return nil
}

func (f *fakeDStore) Get(ctx context.Context, key Key, contentType uint32, handler func(payload []byte) bool) (int, error) {
	f.mu.Lock()
	matches := make([][]byte, 0)
	for _, e := range f.entries[key] {
		if e.contentType == contentType {
			matches = append(matches, e.payload)
		}
	}
	f.mu.Unlock()

	count := 0
	for _, payload := range matches {
		count++
		if handler(payload) {
			break
		}
	}
	return count, nil
}

// fakeStat/fakeStats implement Stats with counters a test can inspect.
type fakeStat struct {
	mu    *sync.Mutex
	total *int64
}

func (s *fakeStat) Add(delta int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	*s.total += delta
}

type fakeStats struct {
	mu       sync.Mutex
	counters map[string]*int64
}

func newFakeStats() *fakeStats {
	return &fakeStats{counters: make(map[string]*int64)}
}

func (s *fakeStats) Counter(name string) Stat {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.counters[name]
	if !ok {
		var zero int64
		v = &zero
		s.counters[name] = v
	}
	return &fakeStat{mu: &s.mu, total: v}
}

func (s *fakeStats) get(name string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.counters[name]; ok {
		return *v
	}
	return 0
}
