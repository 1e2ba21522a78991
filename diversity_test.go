package dht

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiversityFilterAllowsUpToMaxPerGroup(t *testing.T) {
	df, err := newDiversityFilter(2)
	require.NoError(t, err)

	ip := net.ParseIP("203.0.113.1")
	assert.True(t, df.Allow(peerWith(1), ip))
	assert.True(t, df.Allow(peerWith(2), net.ParseIP("203.0.113.2")))
	// a third distinct peer in the same /16 group exceeds maxPerGroup
	assert.False(t, df.Allow(peerWith(3), net.ParseIP("203.0.113.3")))
}

func TestDiversityFilterRejectsPrivateAddresses(t *testing.T) {
	df, err := newDiversityFilter(8)
	require.NoError(t, err)
	assert.False(t, df.Allow(peerWith(1), net.ParseIP("192.168.1.5")))
	assert.False(t, df.Allow(peerWith(2), net.ParseIP("127.0.0.1")))
}

func TestDiversityFilterSkipsAccountingForNilIP(t *testing.T) {
	df, err := newDiversityFilter(1)
	require.NoError(t, err)
	assert.True(t, df.Allow(peerWith(1), nil))
	assert.True(t, df.Allow(peerWith(2), nil))
}

func TestDiversityFilterReleaseFreesGroupCapacity(t *testing.T) {
	df, err := newDiversityFilter(1)
	require.NoError(t, err)
	ip := net.ParseIP("198.51.100.1")
	require.True(t, df.Allow(peerWith(1), ip))
	assert.False(t, df.Allow(peerWith(2), net.ParseIP("198.51.100.2")))

	df.Release(peerWith(1))
	assert.True(t, df.Allow(peerWith(2), net.ParseIP("198.51.100.2")))
}

func TestExtractIPReturnsNilForNilAddr(t *testing.T) {
	assert.Nil(t, extractIP(nil))
}
