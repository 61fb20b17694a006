package table

import (
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/eth-classic/kademlia/dht/identifier"
)

// recentlyEvictedGuard remembers peers that were just evicted for failing a
// liveness probe (spec §4.2 on_probe_result, "not alive" branch) so a
// flurry of inbound traffic from the same unreachable peer in the next
// instant does not immediately re-queue it as an insertion candidate and
// re-trigger a probe against the bucket head. It is a bounded-memory
// courtesy, not a correctness requirement: observe() remains total and
// never fails (spec §4.2) whether or not a peer is in the guard.
//
// The teacher's own equivalent is p2p/discover/table.go's
// db.findFails/db.updateFindFails bookkeeping backed by the embedded node
// database (nodeDB), which this spec explicitly keeps out of scope
// ("on-disk persistence", §1). golang-lru's in-memory, fixed-capacity
// cache gives the same bounded-memory backoff bookkeeping the teacher's
// nodeDB incidentally provided, without pulling in an embedded database.
type recentlyEvictedGuard struct {
	cache *lru.Cache
	ttl   time.Duration
}

func newRecentlyEvictedGuard(capacity int, ttl time.Duration) *recentlyEvictedGuard {
	cache, err := lru.New(capacity)
	if err != nil {
		// Only returns an error for a non-positive size; callers pass a
		// fixed positive constant (see defaultBackoffCapacity).
		panic(err)
	}
	return &recentlyEvictedGuard{cache: cache, ttl: ttl}
}

func (g *recentlyEvictedGuard) markEvicted(id identifier.ID) {
	g.cache.Add(id, time.Now().Add(g.ttl))
}

// isBackingOff reports whether id was evicted recently enough that it
// should not be immediately re-queued as an insertion candidate.
func (g *recentlyEvictedGuard) isBackingOff(id identifier.ID) bool {
	v, ok := g.cache.Get(id)
	if !ok {
		return false
	}
	expiry := v.(time.Time)
	if time.Now().After(expiry) {
		g.cache.Remove(id)
		return false
	}
	return true
}

const defaultBackoffCapacity = 4096
const defaultBackoffTTL = 2 * time.Minute
