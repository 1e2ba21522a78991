package dht

import (
	"fmt"
	"net"
	"sync"

	"github.com/libp2p/go-cidranger"
	asnutil "github.com/libp2p/go-libp2p-asn-util"
	logging "github.com/ipfs/go-log"
)

var diversityLog = logging.Logger("dht/diversity")

// defaultDeniedCIDRs keeps obviously-local addresses (loopback and the
// RFC1918/RFC4193 private ranges) out of the routing table: a peer
// that only offers one of these as its reachable address cannot
// usefully be dialed by anyone else on the DHT.
var defaultDeniedCIDRs = []string{
	"127.0.0.0/8",
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"::1/128",
	"fc00::/7",
}

// diversityFilter caps how many peers sharing the same IP group (an
// ASN, where resolvable, or else a coarse CIDR prefix) are admitted
// into the routing table, mitigating a single adversary that controls
// many addresses in one network from eclipsing a bucket. This mirrors
// the role of the real go-libp2p-kbucket package's (not retrieved in
// this exercise's corpus) peerdiversity sub-package; see DESIGN.md.
type diversityFilter struct {
	mu          sync.Mutex
	maxPerGroup int
	denied      cidranger.Ranger
	groupCount  map[string]int
	peerGroup   map[PeerID]string
}

func newDiversityFilter(maxPerGroup int) (*diversityFilter, error) {
	if maxPerGroup <= 0 {
		maxPerGroup = 2
	}
	ranger := cidranger.NewPCTrieRanger()
	for _, cidr := range defaultDeniedCIDRs {
		_, ipnet, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, fmt.Errorf("dht: parsing denied cidr %q: %w", cidr, err)
		}
		if err := ranger.Insert(cidranger.NewBasicRangerEntry(*ipnet)); err != nil {
			return nil, fmt.Errorf("dht: inserting denied cidr %q: %w", cidr, err)
		}
	}
	return &diversityFilter{
		maxPerGroup: maxPerGroup,
		denied:      ranger,
		groupCount:  make(map[string]int),
		peerGroup:   make(map[PeerID]string),
	}, nil
}

func (d *diversityFilter) denylisted(ip net.IP) bool {
	if ip == nil {
		return false
	}
	ok, err := d.denied.Contains(ip)
	if err != nil {
		diversityLog.Debugf("denylist lookup failed for %s: %s", ip, err)
		return false
	}
	return ok
}

func groupKey(ip net.IP) string {
	if ip4 := ip.To4(); ip4 != nil {
		return "v4:" + ip4.Mask(net.CIDRMask(16, 32)).String()
	}
	if asn, err := asnutil.Store.AsnForIPv6(ip); err == nil && asn != "" {
		return "asn:" + asn
	}
	return "v6:" + ip.Mask(net.CIDRMask(32, 128)).String()
}

// Allow reports whether id (reachable at ip) should be admitted,
// accounting it against its IP group if so. Safe to call with a nil
// ip (diversity accounting is then skipped, denylisting too).
func (d *diversityFilter) Allow(id PeerID, ip net.IP) bool {
	if ip == nil {
		return true
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.denylisted(ip) {
		return false
	}
	key := groupKey(ip)
	if d.groupCount[key] >= d.maxPerGroup {
		return false
	}
	d.groupCount[key]++
	d.peerGroup[id] = key
	return true
}

// Release drops id's accounting, called when a peer is evicted.
func (d *diversityFilter) Release(id PeerID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key, ok := d.peerGroup[id]
	if !ok {
		return
	}
	delete(d.peerGroup, id)
	d.groupCount[key]--
	if d.groupCount[key] <= 0 {
		delete(d.groupCount, key)
	}
}
