// Package table implements spec §4.2's routing table: the k-bucket
// structure indexed by common-prefix length with the local id, and its
// companion insertion-queue worker.
//
// The flat, 160-bucket layout (no splitting) follows spec §9's explicit
// Open Question resolution. bucket admission/eviction mechanics — a
// freshness-ordered slice, head/tail semantics, probe-then-evict-or-refresh
// on a full bucket — are grounded on the teacher's p2p/discover/table.go
// bucket type and Table.add/bumpOrAdd, adapted from the teacher's
// synchronous ping-and-replace call into the spec's asynchronous,
// callback-driven observe()/on_probe_result() pair (spec §4.2, §5).
package table

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/eth-classic/kademlia/dht/identifier"
	"github.com/eth-classic/kademlia/kmetrics"
	"github.com/eth-classic/kademlia/mlog"
)

// Prober issues a liveness probe against a bucket head and reports the
// result asynchronously via onResult, never blocking the caller. The node
// package supplies the concrete implementation (a PING dispatched through
// dht/supervisor); this package only consumes the interface, per spec
// §4.4's note that the routing table "issues a PING... via the node's
// messaging layer."
type Prober interface {
	Probe(peer Peer, onResult func(alive bool))
}

// RoutingTable is spec §3's RoutingTable + InsertionQueue, combined: 160
// k-buckets indexed by common-prefix length with local, each with its own
// pending-candidate FIFO and at-most-one-probe-in-flight discipline.
//
// Locking: a single mutex guards buckets, the insertion queue, and the
// per-bucket probing flags (spec §5: "Insertion queue — guarded by the
// routing-table lock, same scope, same invariants"). Spec §5's re-entrancy
// note — a probe result may itself trigger further queue admission — is
// satisfied without a reentrant lock: OnProbeResult always releases mu
// before re-signaling the insertion worker, and the worker's own probe
// callback runs asynchronously in a fresh invocation rather than a nested
// call on the same goroutine's stack.
type RoutingTable struct {
	local identifier.ID
	k     int

	mu       sync.Mutex
	buckets  [identifier.NumBits]*bucket
	queue    *insertionQueue
	probing  map[int]bool
	backoff  *recentlyEvictedGuard
	ipLimits *IPLimiter // nil disables IP-diversity limiting (spec supplement, off by default)

	prober  Prober
	trigger chan int
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// Option configures optional, non-core behavior of a RoutingTable.
type Option func(*RoutingTable)

// WithIPLimiter enables the IP-diversity supplement described in
// SPEC_FULL.md (adapted from the teacher's p2p/distip package). Off by
// default: the core spec places no diversity requirement on Peer.Address.
func WithIPLimiter(l *IPLimiter) Option {
	return func(rt *RoutingTable) { rt.ipLimits = l }
}

// New creates a RoutingTable for local and starts its insertion-queue
// worker. k is the max peers per bucket (spec §6 default 20); prober is
// consulted whenever a full bucket needs its head liveness-checked.
func New(local identifier.ID, k int, prober Prober, opts ...Option) *RoutingTable {
	rt := &RoutingTable{
		local:   local,
		k:       k,
		queue:   newInsertionQueue(),
		probing: make(map[int]bool),
		backoff: newRecentlyEvictedGuard(defaultBackoffCapacity, defaultBackoffTTL),
		prober:  prober,
		trigger: make(chan int, identifier.NumBits),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	for i := range rt.buckets {
		rt.buckets[i] = newBucketEmpty()
	}
	for _, opt := range opts {
		opt(rt)
	}
	go rt.insertionWorker()
	return rt
}

// Local returns the table's own identifier.
func (rt *RoutingTable) Local() identifier.ID { return rt.local }

// Observe is spec §4.2's observe(): called on any inbound evidence of
// liveness of peer. It is total and never fails.
func (rt *RoutingTable) Observe(p Peer) {
	if p.ID == rt.local {
		return // the local id never appears in any bucket, spec §3.
	}
	if p.LastSeen.IsZero() {
		p.LastSeen = time.Now()
	}

	idx := identifier.BucketIndex(rt.local, p.ID)

	rt.mu.Lock()
	b := rt.buckets[idx]

	if b.indexOf(p.ID) >= 0 {
		b.moveToTail(p.ID, p.Address, p.LastSeen)
		rt.mu.Unlock()
		kmetrics.ObserveCalls.Mark(1)
		mlog.Event(mlog.EventObserve).Debug("refreshed existing peer",
			zap.String("peer_id", p.ID.String()), zap.Int("bucket", idx))
		return
	}

	if b.len() < rt.k {
		if rt.ipLimits != nil && !rt.ipLimits.Admit(idx, p.Address) {
			rt.mu.Unlock()
			kmetrics.ObserveCalls.Mark(1)
			mlog.Event(mlog.EventDrop).Debug("dropped peer exceeding ip diversity limit",
				zap.String("peer_id", p.ID.String()), zap.Int("bucket", idx))
			return
		}
		b.appendTail(p)
		rt.mu.Unlock()
		kmetrics.ObserveCalls.Mark(1)
		kmetrics.PeersInserted.Mark(1)
		kmetrics.RoutingTableSize.Update(int64(rt.sizeLocked()))
		mlog.Event(mlog.EventInsert).Info("inserted new peer",
			zap.String("peer_id", p.ID.String()), zap.Int("bucket", idx))
		return
	}

	// Bucket full: queue the candidate and request a probe of the head,
	// unless we just evicted this exact peer moments ago (backoff guard).
	if rt.backoff.isBackingOff(p.ID) {
		rt.mu.Unlock()
		kmetrics.ObserveCalls.Mark(1)
		mlog.Event(mlog.EventDrop).Debug("dropped recently-evicted peer candidate",
			zap.String("peer_id", p.ID.String()), zap.Int("bucket", idx))
		return
	}

	rt.queue.push(idx, p)
	kmetrics.InsertionQueueDepth.Update(int64(rt.queue.totalDepth()))
	needProbe := !rt.probing[idx]
	if needProbe {
		rt.probing[idx] = true
	}
	rt.mu.Unlock()

	kmetrics.ObserveCalls.Mark(1)
	mlog.Event(mlog.EventObserve).Debug("queued insertion candidate for full bucket",
		zap.String("peer_id", p.ID.String()), zap.Int("bucket", idx))

	if needProbe {
		rt.signalBucket(idx)
	}
}

// OnProbeResult is spec §4.2's on_probe_result(): the insertion worker
// calls this once a probe against a bucket head completes.
func (rt *RoutingTable) OnProbeResult(headPeer Peer, alive bool) {
	idx := identifier.BucketIndex(rt.local, headPeer.ID)

	rt.mu.Lock()
	b := rt.buckets[idx]

	if alive {
		if b.indexOf(headPeer.ID) >= 0 {
			b.moveToTail(headPeer.ID, headPeer.Address, time.Now())
		}
		rt.queue.popFront(idx) // oldest candidate cannot be admitted, discard
		kmetrics.ProbeAliveCount.Mark(1)
	} else {
		if b.remove(headPeer.ID) {
			rt.backoff.markEvicted(headPeer.ID)
			if rt.ipLimits != nil {
				rt.ipLimits.Release(idx, headPeer.Address)
			}
			kmetrics.PeersEvicted.Mark(1)
		}
		if cand, ok := rt.queue.popFront(idx); ok {
			if b.indexOf(cand.ID) < 0 && b.len() < rt.k {
				if rt.ipLimits == nil || rt.ipLimits.Admit(idx, cand.Address) {
					b.appendTail(cand)
					kmetrics.PeersInserted.Mark(1)
				}
			}
		}
		kmetrics.ProbeDeadCount.Mark(1)
	}

	moreWork := rt.queue.depth(idx) > 0
	rt.probing[idx] = moreWork
	kmetrics.InsertionQueueDepth.Update(int64(rt.queue.totalDepth()))
	kmetrics.RoutingTableSize.Update(int64(rt.sizeLocked()))
	rt.mu.Unlock()

	kmetrics.ProbeResults.Mark(1)
	mlog.Event(mlog.EventProbeResult).Info("liveness probe resolved",
		zap.String("peer_id", headPeer.ID.String()), zap.Bool("alive", alive), zap.Int("bucket", idx))

	if moreWork {
		rt.signalBucket(idx)
	}
}

// Remove unconditionally drops peerID from the table (spec §4.2), used on
// definitive failures such as a FIND_NODE that fails during an iterative
// lookup.
func (rt *RoutingTable) Remove(peerID identifier.ID) {
	if peerID == rt.local {
		return
	}
	idx := identifier.BucketIndex(rt.local, peerID)
	rt.mu.Lock()
	var addr string
	if i := rt.buckets[idx].indexOf(peerID); i >= 0 {
		addr = rt.buckets[idx].peers[i].Address
	}
	removed := rt.buckets[idx].remove(peerID)
	rt.queue.removeID(idx, peerID)
	if removed {
		if rt.ipLimits != nil {
			rt.ipLimits.Release(idx, addr)
		}
		kmetrics.RoutingTableSize.Update(int64(rt.sizeLocked()))
	}
	rt.mu.Unlock()
	if removed {
		kmetrics.PeersEvicted.Mark(1)
		mlog.Event(mlog.EventEvict).Info("peer removed", zap.String("peer_id", peerID.String()))
	}
}

type peerDistance struct {
	peer Peer
	d    identifier.Distance
}

// Closest is spec §4.2's closest(): up to count peers ordered by ascending
// distance to target. Consistent: repeated calls against unchanged state
// return identical ordering (spec §8 invariant 5), since distance between
// distinct ids can never tie (XOR is a bijection for a fixed target).
func (rt *RoutingTable) Closest(target identifier.ID, count int) []Peer {
	rt.mu.Lock()
	all := make([]peerDistance, 0, rt.sizeLocked())
	for _, b := range rt.buckets {
		for _, p := range b.peers {
			all = append(all, peerDistance{peer: p, d: identifier.XOR(p.ID, target)})
		}
	}
	rt.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		if cmp := all[i].d.Cmp(all[j].d); cmp != 0 {
			return cmp < 0
		}
		return all[i].peer.ID.String() < all[j].peer.ID.String()
	})

	if count > len(all) {
		count = len(all)
	}
	out := make([]Peer, count)
	for i := 0; i < count; i++ {
		out[i] = all[i].peer
	}
	return out
}

// AllPeers is spec §4.2's all_peers(): a snapshot for CRON refresh.
func (rt *RoutingTable) AllPeers() []Peer {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	out := make([]Peer, 0, rt.sizeLocked())
	for _, b := range rt.buckets {
		out = append(out, b.snapshot()...)
	}
	return out
}

// BucketSnapshot returns a copy of bucket i's peers in freshness order,
// used by CRON's per-bucket staleness check (spec §4.4).
func (rt *RoutingTable) BucketSnapshot(i int) []Peer {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.buckets[i].snapshot()
}

// Size returns the total number of peers held across all buckets.
func (rt *RoutingTable) Size() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.sizeLocked()
}

func (rt *RoutingTable) sizeLocked() int {
	n := 0
	for _, b := range rt.buckets {
		n += b.len()
	}
	return n
}

// signalBucket wakes the insertion worker for idx. Callers must already
// hold (or have held, within the same critical section as their decision
// to signal) rt.probing[idx] = true before invoking this — signalBucket
// itself only performs the non-blocking channel send, so that the decision
// to probe and the flag marking a probe as owed flip atomically together
// (spec §4.2: at most one probe per bucket in flight at any time).
func (rt *RoutingTable) signalBucket(idx int) {
	select {
	case rt.trigger <- idx:
	default:
		// Channel is sized to NumBits and probing[idx] already gates
		// duplicate signals per bucket, so this should never fire; if it
		// does, the next completed probe's re-signal (see
		// OnProbeResult/processBucket) will eventually pick the bucket
		// back up.
	}
}

func (rt *RoutingTable) insertionWorker() {
	defer close(rt.doneCh)
	for {
		select {
		case idx := <-rt.trigger:
			rt.processBucket(idx)
		case <-rt.stopCh:
			// Drain without issuing new probes (spec §5 shutdown step 4):
			// queued candidates are discarded.
			rt.mu.Lock()
			rt.queue = newInsertionQueue()
			rt.probing = make(map[int]bool)
			kmetrics.InsertionQueueDepth.Update(0)
			rt.mu.Unlock()
			return
		}
	}
}

func (rt *RoutingTable) processBucket(idx int) {
	rt.mu.Lock()
	b := rt.buckets[idx]

	if b.len() < rt.k {
		// Space freed up since the candidate was queued (peer removed, or
		// head evicted by another path): admit directly without probing.
		cand, ok := rt.queue.popFront(idx)
		if !ok {
			rt.probing[idx] = false
			rt.mu.Unlock()
			return
		}
		admitted := false
		if b.indexOf(cand.ID) < 0 {
			if rt.ipLimits == nil || rt.ipLimits.Admit(idx, cand.Address) {
				b.appendTail(cand)
				admitted = true
			}
		}
		stillHasWork := b.len() < rt.k && rt.queue.depth(idx) > 0
		if !stillHasWork {
			rt.probing[idx] = false
		}
		kmetrics.InsertionQueueDepth.Update(int64(rt.queue.totalDepth()))
		if admitted {
			kmetrics.PeersInserted.Mark(1)
			kmetrics.RoutingTableSize.Update(int64(rt.sizeLocked()))
		}
		rt.mu.Unlock()
		if admitted {
			mlog.Event(mlog.EventInsert).Info("admitted queued candidate without probing",
				zap.String("peer_id", cand.ID.String()), zap.Int("bucket", idx))
		}
		if stillHasWork {
			rt.signalBucket(idx)
		}
		return
	}

	head, ok := b.head()
	if !ok {
		rt.probing[idx] = false
		rt.mu.Unlock()
		return
	}
	rt.mu.Unlock()

	kmetrics.ProbesSent.Mark(1)
	mlog.Event(mlog.EventProbeSent).Info("probing bucket head",
		zap.String("peer_id", head.ID.String()), zap.Int("bucket", idx))
	rt.prober.Probe(head, func(alive bool) {
		rt.OnProbeResult(head, alive)
	})
}

// Shutdown stops the insertion-queue worker, which discards every queued
// candidate without probing it. It does not block on any
// in-flight probe (those complete asynchronously and call OnProbeResult,
// which remains safe to call after Shutdown — it only touches in-memory
// state).
func (rt *RoutingTable) Shutdown() {
	close(rt.stopCh)
	<-rt.doneCh
}
