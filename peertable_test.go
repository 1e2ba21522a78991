package dht

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPeerTable(t *testing.T, self PeerID) (*PeerTable, *fakeCore, *fakeIdentity, *fakePingPong, *fakeStats) {
	t.Helper()
	core := newFakeCore(self)
	identity := newFakeIdentity()
	ping := newFakePingPong()
	stats := newFakeStats()
	cfg, err := NewConfig(WithBucketSize(2), WithPeerTimeout(50*time.Millisecond), WithMaintainInterval(10*time.Millisecond))
	require.NoError(t, err)
	pt, err := NewPeerTable(core, identity, ping, stats, cfg)
	require.NoError(t, err)
	return pt, core, identity, ping, stats
}

func TestConsiderAddsKnownConnectedPeer(t *testing.T) {
	self := peerWith(0)
	candidate := peerWith(1)
	pt, core, identity, _, stats := newTestPeerTable(t, self)
	identity.learn(candidate)
	core.setConnected(candidate, true)

	pt.Consider(self, candidate)

	entry := pt.bucketFor(candidate).find(candidate)
	require.NotNil(t, entry)
	assert.Equal(t, candidate, entry.ID)
	assert.EqualValues(t, 1, stats.get(StatDHTTotalPeers))
}

func TestConsiderIgnoresSelf(t *testing.T) {
	self := peerWith(0)
	pt, _, _, _, _ := newTestPeerTable(t, self)
	pt.Consider(self, self)
	assert.Equal(t, 0, pt.bucketFor(self).len())
}

func TestConsiderAsksHelloForUnknownCandidate(t *testing.T) {
	self := peerWith(0)
	sender := peerWith(2)
	candidate := peerWith(1)
	pt, core, _, _, _ := newTestPeerTable(t, self)

	pt.Consider(sender, candidate)

	sent := core.sentTo(sender)
	require.Len(t, sent, 1)
	assert.Equal(t, MsgAskHello, sent[0].Type)
	assert.Equal(t, candidate, sent[0].AskPeer)
	assert.Nil(t, pt.bucketFor(candidate).find(candidate))
}

func TestConsiderSendsDiscoveryToKnownButDisconnectedCandidate(t *testing.T) {
	self := peerWith(0)
	candidate := peerWith(1)
	pt, core, identity, _, _ := newTestPeerTable(t, self)
	identity.learn(candidate)
	// not marked connected

	pt.Consider(self, candidate)

	sent := core.sentTo(candidate)
	require.Len(t, sent, 1)
	assert.Equal(t, MsgDiscovery, sent[0].Type)
	assert.Nil(t, pt.bucketFor(candidate).find(candidate))
}

func TestConsiderIsIdempotentForAlreadyKnownPeer(t *testing.T) {
	self := peerWith(0)
	candidate := peerWith(1)
	pt, core, identity, _, _ := newTestPeerTable(t, self)
	identity.learn(candidate)
	core.setConnected(candidate, true)

	pt.Consider(self, candidate)
	before := core.sentCount()
	pt.Consider(self, candidate)
	assert.Equal(t, before, core.sentCount())
	assert.Equal(t, 1, pt.bucketFor(candidate).len())
}

// sameBucketPeer builds a PeerID whose bitIndex relative to an
// all-zero self is fixed at 40 (byte 5's top bit), varying only the
// low bits of byte 5 so distinct values still land in one bucket.
func sameBucketPeer(distinguish byte) PeerID {
	var id ID
	id[5] = 0x80 | distinguish
	return PeerID(id)
}

func TestConsiderDropsWhenBucketFullOfLiveEntries(t *testing.T) {
	self := peerWith(0)
	pt, core, identity, _, _ := newTestPeerTable(t, self)

	// BucketSize is 2 in newTestPeerTable's config; fill the bucket that
	// all three sameBucketPeer values share with two live entries first.
	for _, b := range []byte{1, 2} {
		p := sameBucketPeer(b)
		identity.learn(p)
		core.setConnected(p, true)
		pt.Consider(self, p)
	}
	require.Equal(t, 2, pt.bucketFor(sameBucketPeer(1)).len())

	overflow := sameBucketPeer(3)
	identity.learn(overflow)
	core.setConnected(overflow, true)
	pt.Consider(self, overflow)

	assert.Nil(t, pt.bucketFor(overflow).find(overflow))
	assert.Equal(t, 2, pt.bucketFor(overflow).len())
}

func TestHandleDisconnectPrimesEntryForExpiry(t *testing.T) {
	self := peerWith(0)
	candidate := peerWith(1)
	pt, core, identity, _, _ := newTestPeerTable(t, self)
	identity.learn(candidate)
	core.setConnected(candidate, true)
	pt.Consider(self, candidate)

	entry := pt.bucketFor(candidate).find(candidate)
	require.NotNil(t, entry)
	require.False(t, entry.LastActivity.IsZero())

	pt.handleDisconnect(candidate)
	assert.True(t, entry.LastActivity.IsZero())
}

func TestSweepExpiryAndPingRemovesStaleEntries(t *testing.T) {
	self := peerWith(0)
	candidate := peerWith(1)
	pt, core, identity, _, stats := newTestPeerTable(t, self)
	identity.learn(candidate)
	core.setConnected(candidate, true)
	pt.Consider(self, candidate)

	var removed []PeerID
	pt.PeerRemoved = func(id PeerID) { removed = append(removed, id) }

	entry := pt.bucketFor(candidate).find(candidate)
	require.NotNil(t, entry)
	entry.LastActivity = time.Now().Add(-time.Hour)

	pt.sweepExpiryAndPing()

	assert.Nil(t, pt.bucketFor(candidate).find(candidate))
	assert.Equal(t, []PeerID{candidate}, removed)
	assert.EqualValues(t, 0, stats.get(StatDHTTotalPeers))
}

func TestSelectPeerPrefersCloserIdentifiers(t *testing.T) {
	self := peerWith(0)
	pt, core, identity, _, _ := newTestPeerTable(t, self)

	// idWith(1) shares far fewer leading bits with target idWith(0x80...)
	// than a peer identical to the target, so over many draws the closer
	// peer should win decisively more often.
	close := idWith(0x80)
	far := idWith(0x01)
	closePeer := PeerID(close)
	farPeer := PeerID(far)
	for _, p := range []PeerID{closePeer, farPeer} {
		identity.learn(p)
		core.setConnected(p, true)
		pt.Consider(self, p)
	}

	target := Key(close)
	closeWins := 0
	const trials = 200
	for i := 0; i < trials; i++ {
		picked, ok := pt.SelectPeer(target, nil, nil)
		require.True(t, ok)
		if picked == closePeer {
			closeWins++
		}
	}
	assert.Greater(t, closeWins, trials/2)
}

func TestSelectPeerReturnsFalseWhenTableEmpty(t *testing.T) {
	self := peerWith(0)
	pt, _, _, _, _ := newTestPeerTable(t, self)
	_, ok := pt.SelectPeer(Key(peerWith(9)), nil, nil)
	assert.False(t, ok)
}

func TestSelectPeerHonorsBlockedAndBloom(t *testing.T) {
	self := peerWith(0)
	pt, core, identity, _, _ := newTestPeerTable(t, self)
	only := peerWith(1)
	identity.learn(only)
	core.setConnected(only, true)
	pt.Consider(self, only)

	_, ok := pt.SelectPeer(Key(peerWith(1)), map[PeerID]bool{only: true}, nil)
	assert.False(t, ok)

	bloom := newBloomFilter(DefaultBloomSize, DefaultBloomK)
	bloom.Add(ID(only).bytes())
	_, ok = pt.SelectPeer(Key(peerWith(1)), nil, bloom)
	assert.False(t, ok)
}

func TestAmClosestTrueWithEmptyTable(t *testing.T) {
	self := peerWith(0)
	pt, _, _, _, _ := newTestPeerTable(t, self)
	assert.True(t, pt.AmClosest(Key(peerWith(5))))
}

func TestAmClosestFalseWhenCloserPeerKnown(t *testing.T) {
	self := peerWith(0x00)
	target := Key(idWith(0x80))
	closer := PeerID(idWith(0x80))
	pt, core, identity, _, _ := newTestPeerTable(t, self)
	identity.learn(closer)
	core.setConnected(closer, true)
	pt.Consider(self, closer)

	assert.False(t, pt.AmClosest(target))
}

func TestEstimateNetworkDiameterTracksHighestBucket(t *testing.T) {
	self := peerWith(0)
	pt, _, _, _, _ := newTestPeerTable(t, self)
	assert.Equal(t, 0, pt.EstimateNetworkDiameter())

	entry := &PeerEntry{ID: peerWith(1), LastActivity: time.Now()}
	pt.buckets[3].add(entry)
	assert.Equal(t, 4, pt.EstimateNetworkDiameter())
}

func TestHandleDiscoveryWithNoPeersTriggersReply(t *testing.T) {
	self := peerWith(0)
	sender := peerWith(1)
	pt, core, identity, _, stats := newTestPeerTable(t, self)
	identity.learn(sender)
	core.setConnected(sender, true)

	pt.HandleDiscovery(sender, &Message{Type: MsgDiscovery})

	sent := core.sentTo(sender)
	require.Len(t, sent, 1)
	assert.Equal(t, MsgDiscovery, sent[0].Type)
	assert.EqualValues(t, 1, stats.get(StatDHTDiscoveriesReceived))
}

func TestHandleAskHelloLogsAndReturnsWithoutReply(t *testing.T) {
	self := peerWith(0)
	sender := peerWith(1)
	pt, core, identity, _, _ := newTestPeerTable(t, self)
	candidate := peerWith(2)
	identity.learn(candidate)
	core.setConnected(candidate, true)
	pt.Consider(self, candidate)

	before := core.sentCount()
	pt.HandleAskHello(sender, &Message{Type: MsgAskHello, AskPeer: candidate})
	assert.Equal(t, before, core.sentCount())
}
