package table

import (
	"net"
	"sync"

	"github.com/eth-classic/kademlia/dht/distip"
)

// IPLimiter caps how many peers from the same IP network a single bucket
// will admit, so one host announcing many distinct ids cannot fill a
// bucket (a SPEC_FULL.md supplement, grounded on the teacher's
// p2p/discover/table.go use of distip.DistinctNetSet in table.bumpOrAdd).
// The core spec places no such requirement on Peer.Address; an IPLimiter
// is never installed unless a caller opts in via table.WithIPLimiter.
type IPLimiter struct {
	subnet uint
	limit  uint

	mu   sync.Mutex
	sets map[int]*distip.DistinctNetSet
}

// NewIPLimiter builds a limiter allowing at most limit peers per bucket
// from any single /subnet network (e.g. subnet=24, limit=2 permits at most
// two peers per /24 in a given bucket).
func NewIPLimiter(subnet, limit uint) *IPLimiter {
	return &IPLimiter{subnet: subnet, limit: limit, sets: make(map[int]*distip.DistinctNetSet)}
}

// Admit reports whether address may be added to bucketIdx, and records it
// if so. address is host:port or a bare IP; addresses that fail to parse
// as an IP are always admitted (diversity limiting is a best-effort
// supplement, not a validator of Peer.Address's format).
func (l *IPLimiter) Admit(bucketIdx int, address string) bool {
	ip := parseHostIP(address)
	if ip == nil {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	set, ok := l.sets[bucketIdx]
	if !ok {
		set = &distip.DistinctNetSet{Subnet: l.subnet, Limit: l.limit}
		l.sets[bucketIdx] = set
	}
	return set.Add(ip)
}

// Release frees the network-diversity slot address occupied in bucketIdx,
// called when a peer is evicted or removed from that bucket.
func (l *IPLimiter) Release(bucketIdx int, address string) {
	ip := parseHostIP(address)
	if ip == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if set, ok := l.sets[bucketIdx]; ok {
		set.Remove(ip)
	}
}

func parseHostIP(address string) net.IP {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		host = address
	}
	return net.ParseIP(host)
}
