package table

import (
	"time"

	"github.com/eth-classic/kademlia/dht/identifier"
)

// Peer is spec §3's Peer: a known node, its transport address, and the
// last instant it was observed alive. Address is transport-opaque (spec
// §3); this package never interprets it.
type Peer struct {
	ID       identifier.ID
	Address  string
	LastSeen time.Time
}

// bucket is a k-bucket: an ordered sequence of at most k peers, freshness
// ordered (index 0 = least-recently-seen / head, last index =
// most-recently-seen / tail). This mirrors the teacher's bucket.entries
// slice in p2p/discover/table.go, but ordered oldest-to-newest at the
// front instead of newest-to-oldest, to match spec §3's "head = LRU, tail
// = MRU" wording directly rather than translating it at every call site.
type bucket struct {
	peers []Peer
}

func newBucketEmpty() *bucket {
	return &bucket{}
}

func (b *bucket) len() int {
	return len(b.peers)
}

func (b *bucket) indexOf(id identifier.ID) int {
	for i, p := range b.peers {
		if p.ID == id {
			return i
		}
	}
	return -1
}

// head returns the least-recently-seen peer, or false if the bucket is
// empty.
func (b *bucket) head() (Peer, bool) {
	if len(b.peers) == 0 {
		return Peer{}, false
	}
	return b.peers[0], true
}

// moveToTail refreshes an existing peer's position and metadata in place
// (spec §4.2 observe() step 1). It panics if id is not present; callers
// must check indexOf first.
func (b *bucket) moveToTail(id identifier.ID, address string, lastSeen time.Time) {
	i := b.indexOf(id)
	if i < 0 {
		panic("table: moveToTail on absent peer")
	}
	p := b.peers[i]
	p.Address = address
	p.LastSeen = lastSeen
	b.peers = append(b.peers[:i], b.peers[i+1:]...)
	b.peers = append(b.peers, p)
}

// appendTail adds a new peer at the tail (most fresh). Callers must ensure
// len() < k and the id is not already present.
func (b *bucket) appendTail(p Peer) {
	b.peers = append(b.peers, p)
}

// remove drops a peer by id unconditionally, reporting whether it was
// present.
func (b *bucket) remove(id identifier.ID) bool {
	i := b.indexOf(id)
	if i < 0 {
		return false
	}
	b.peers = append(b.peers[:i], b.peers[i+1:]...)
	return true
}

// snapshot returns a copy of the bucket's peers, freshness ordered.
func (b *bucket) snapshot() []Peer {
	out := make([]Peer, len(b.peers))
	copy(out, b.peers)
	return out
}
