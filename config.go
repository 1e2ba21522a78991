package dht

import (
	"fmt"
	"time"
)

// Config holds every tunable parameter named in the external
// interfaces section: table size, fanout targets, bucket capacity,
// maintenance cadence, peer/content lifetimes and the path bloom
// filter's dimensions. Construct one with NewConfig and a set of
// Option values; the zero Config is not valid on its own.
type Config struct {
	TableSize        int
	GetTries         int
	PutTries         int
	BucketSize       int
	MaintainInterval time.Duration
	PeerTimeout      time.Duration
	ContentLifetime  time.Duration
	BloomSize        int
	BloomK           int
}

// Option mutates a Config during construction, in the functional-
// options style used throughout the libp2p-kad-dht ecosystem for this
// kind of small tunable surface.
type Option func(*Config) error

// WithTableSize overrides TABLESIZE, the maximum number of routing
// table records (default 1024).
func WithTableSize(n int) Option {
	return func(c *Config) error {
		if n <= 0 {
			return fmt.Errorf("dht: table size must be positive, got %d", n)
		}
		c.TableSize = n
		return nil
	}
}

// WithGetTries overrides GET_TRIES, the target replica fanout for GET
// (default 7).
func WithGetTries(n int) Option {
	return func(c *Config) error {
		if n <= 0 {
			return fmt.Errorf("dht: get tries must be positive, got %d", n)
		}
		c.GetTries = n
		return nil
	}
}

// WithPutTries overrides PUT_TRIES, the target replica fanout for PUT
// (default 3).
func WithPutTries(n int) Option {
	return func(c *Config) error {
		if n <= 0 {
			return fmt.Errorf("dht: put tries must be positive, got %d", n)
		}
		c.PutTries = n
		return nil
	}
}

// WithBucketSize overrides BUCKET_SIZE, the maximum peers per bucket
// (default 8).
func WithBucketSize(n int) Option {
	return func(c *Config) error {
		if n <= 0 {
			return fmt.Errorf("dht: bucket size must be positive, got %d", n)
		}
		c.BucketSize = n
		return nil
	}
}

// WithMaintainInterval overrides MAINTAIN_INTERVAL, the DISCOVERY/
// expiry sweep period (default 10s).
func WithMaintainInterval(d time.Duration) Option {
	return func(c *Config) error {
		if d <= 0 {
			return fmt.Errorf("dht: maintain interval must be positive, got %s", d)
		}
		c.MaintainInterval = d
		return nil
	}
}

// WithPeerTimeout overrides PEER_TIMEOUT, the inactive-peer eviction
// threshold (default 40s, ~4x MAINTAIN_INTERVAL).
func WithPeerTimeout(d time.Duration) Option {
	return func(c *Config) error {
		if d <= 0 {
			return fmt.Errorf("dht: peer timeout must be positive, got %s", d)
		}
		c.PeerTimeout = d
		return nil
	}
}

// WithContentLifetime overrides CONTENT_LIFETIME, the absolute TTL
// applied to cached PUT data (default 12h).
func WithContentLifetime(d time.Duration) Option {
	return func(c *Config) error {
		if d <= 0 {
			return fmt.Errorf("dht: content lifetime must be positive, got %s", d)
		}
		c.ContentLifetime = d
		return nil
	}
}

// WithBloomSize overrides BLOOM_SIZE in bytes (default 4).
func WithBloomSize(n int) Option {
	return func(c *Config) error {
		if n <= 0 {
			return fmt.Errorf("dht: bloom size must be positive, got %d", n)
		}
		c.BloomSize = n
		return nil
	}
}

// WithBloomK overrides BLOOM_K, the number of bloom hash functions
// (default 16).
func WithBloomK(n int) Option {
	return func(c *Config) error {
		if n <= 0 {
			return fmt.Errorf("dht: bloom k must be positive, got %d", n)
		}
		c.BloomK = n
		return nil
	}
}

// NewConfig builds a Config from the documented defaults, applying
// opts in order.
func NewConfig(opts ...Option) (*Config, error) {
	c := &Config{
		TableSize:        1024,
		GetTries:         7,
		PutTries:         3,
		BucketSize:       8,
		MaintainInterval: 10 * time.Second,
		PeerTimeout:      40 * time.Second,
		ContentLifetime:  12 * time.Hour,
		BloomSize:        DefaultBloomSize,
		BloomK:           DefaultBloomK,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}
