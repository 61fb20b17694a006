package node

import (
	"sort"
	"sync"

	"github.com/gammazero/deque"
	"go.uber.org/zap"

	"github.com/eth-classic/kademlia/dht/identifier"
	"github.com/eth-classic/kademlia/dht/table"
	"github.com/eth-classic/kademlia/kmetrics"
	"github.com/eth-classic/kademlia/mlog"
)

// lookupCandidate tracks one peer's progress through an iterative lookup:
// whether it has been queried yet, and whether that query failed.
type lookupCandidate struct {
	peer    table.Peer
	queried bool
	failed  bool
}

// IterativeFindNode is spec §4.4's canonical Kademlia lookup: starting
// from the routing table's own closest-known peers, it issues α-parallel
// FIND_NODE requests, merges returned peers into a shortlist kept sorted
// by distance to target, and terminates when either the k closest
// observed peers have all been successfully queried, or a full round
// produced no peer closer than what was already known. Non-responders are
// marked failed, excluded from the result, and reported to the routing
// table via Remove.
func (n *Node) IterativeFindNode(target identifier.ID) []table.Peer {
	known := make(map[identifier.ID]*lookupCandidate)
	var mu sync.Mutex

	addCandidate := func(p table.Peer) {
		if p.ID == n.localID {
			return
		}
		if _, exists := known[p.ID]; !exists {
			known[p.ID] = &lookupCandidate{peer: p}
		}
	}

	for _, p := range n.table.Closest(target, n.cfg.K) {
		addCandidate(p)
	}

	kmetrics.LookupsStarted.Mark(1)
	rounds := 0

	for {
		unqueried := unqueriedByDistance(known, target)
		if len(unqueried) == 0 {
			break
		}

		// The per-round dispatch queue is a plain FIFO of this round's
		// closest-first unqueried candidates (same gammazero/deque used by
		// dht/table's insertion queue): pulling from the front hands out
		// the closest candidates first while keeping the round's batch
		// selection decoupled from the ranking computation above.
		var pending deque.Deque[*lookupCandidate]
		for _, c := range unqueried {
			pending.PushBack(c)
		}
		var batch []*lookupCandidate
		for len(batch) < n.cfg.Alpha && pending.Len() > 0 {
			batch = append(batch, pending.PopFront())
		}

		before, hadBefore := closestDistance(known, target)

		var wg sync.WaitGroup
		var shuttingDown bool
		for _, c := range batch {
			c.queried = true
			wg.Add(1)
			go func(c *lookupCandidate) {
				defer wg.Done()
				peers, err := n.findNode(c.peer, target)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					c.failed = true
					if err == errNodeShutdown {
						// The node is shutting down, not the peer failing;
						// leave it in the routing table.
						shuttingDown = true
					} else {
						n.table.Remove(c.peer.ID)
					}
					return
				}
				for _, p := range peers {
					addCandidate(p)
				}
			}(c)
		}
		wg.Wait()
		rounds++

		if shuttingDown {
			break
		}

		after, hadAfter := closestDistance(known, target)
		noProgress := hadBefore && hadAfter && after.Cmp(before) >= 0

		if allClosestQueried(known, target, n.cfg.K) || noProgress {
			break
		}
	}

	kmetrics.LookupRounds.Mark(int64(rounds))
	mlog.Event(mlog.EventLookupRound).Debug("iterative lookup converged",
		zap.String("target", target.String()), zap.Int("rounds", rounds))

	closest := sortedByDistance(known, target)
	out := make([]table.Peer, 0, n.cfg.K)
	for _, c := range closest {
		if c.failed {
			continue
		}
		out = append(out, c.peer)
		if len(out) >= n.cfg.K {
			break
		}
	}
	return out
}

func sortedByDistance(known map[identifier.ID]*lookupCandidate, target identifier.ID) []*lookupCandidate {
	out := make([]*lookupCandidate, 0, len(known))
	for _, c := range known {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		di := identifier.XOR(out[i].peer.ID, target)
		dj := identifier.XOR(out[j].peer.ID, target)
		if cmp := di.Cmp(dj); cmp != 0 {
			return cmp < 0
		}
		return out[i].peer.ID.String() < out[j].peer.ID.String()
	})
	return out
}

func unqueriedByDistance(known map[identifier.ID]*lookupCandidate, target identifier.ID) []*lookupCandidate {
	var out []*lookupCandidate
	for _, c := range sortedByDistance(known, target) {
		if !c.queried && !c.failed {
			out = append(out, c)
		}
	}
	return out
}

func closestDistance(known map[identifier.ID]*lookupCandidate, target identifier.ID) (identifier.Distance, bool) {
	var best identifier.Distance
	found := false
	for _, c := range known {
		if c.failed {
			continue
		}
		d := identifier.XOR(c.peer.ID, target)
		if !found || d.Less(best) {
			best = d
			found = true
		}
	}
	return best, found
}

func allClosestQueried(known map[identifier.ID]*lookupCandidate, target identifier.ID, k int) bool {
	count := 0
	for _, c := range sortedByDistance(known, target) {
		if c.failed {
			continue
		}
		if count >= k {
			break
		}
		count++
		if !c.queried {
			return false
		}
	}
	return true
}
