package table

import (
	"github.com/gammazero/deque"

	"github.com/eth-classic/kademlia/dht/identifier"
)

// insertionQueue is spec §3's InsertionQueue: a per-bucket FIFO of
// candidates awaiting the outcome of a liveness probe on that bucket's
// head. Duplicate candidates for the same peer id collapse to one entry,
// most recent wins (spec §4.2).
//
// gammazero/deque gives O(1) push/pop at both ends, which this package
// uses purely as a FIFO (PushBack/PopFront); the queue is also walked
// linearly on every push to enforce the collapse-duplicates rule, which is
// fine at k-bucket scale (a handful of pending candidates per bucket at
// most).
type insertionQueue struct {
	byBucket map[int]*deque.Deque[Peer]
}

func newInsertionQueue() *insertionQueue {
	return &insertionQueue{byBucket: make(map[int]*deque.Deque[Peer])}
}

func (q *insertionQueue) queueFor(bucketIdx int) *deque.Deque[Peer] {
	dq, ok := q.byBucket[bucketIdx]
	if !ok {
		dq = new(deque.Deque[Peer])
		q.byBucket[bucketIdx] = dq
	}
	return dq
}

// push enqueues candidate for bucketIdx, collapsing any existing entry for
// the same peer id (most recent observation wins) rather than queuing a
// second entry behind it.
func (q *insertionQueue) push(bucketIdx int, candidate Peer) {
	dq := q.queueFor(bucketIdx)
	for i := 0; i < dq.Len(); i++ {
		if dq.At(i).ID == candidate.ID {
			dq.Set(i, candidate)
			return
		}
	}
	dq.PushBack(candidate)
}

// popFront removes and returns the oldest queued candidate for bucketIdx,
// if any.
func (q *insertionQueue) popFront(bucketIdx int) (Peer, bool) {
	dq, ok := q.byBucket[bucketIdx]
	if !ok || dq.Len() == 0 {
		return Peer{}, false
	}
	return dq.PopFront(), true
}

// depth returns the number of candidates currently queued for bucketIdx.
func (q *insertionQueue) depth(bucketIdx int) int {
	dq, ok := q.byBucket[bucketIdx]
	if !ok {
		return 0
	}
	return dq.Len()
}

// totalDepth sums queue depth across all buckets, for metrics.
func (q *insertionQueue) totalDepth() int {
	n := 0
	for _, dq := range q.byBucket {
		n += dq.Len()
	}
	return n
}

// removeID drops any queued candidate matching id from bucketIdx's queue,
// used when a peer that was waiting in the insertion queue is separately
// removed or superseded.
func (q *insertionQueue) removeID(bucketIdx int, id identifier.ID) {
	dq, ok := q.byBucket[bucketIdx]
	if !ok {
		return
	}
	for i := 0; i < dq.Len(); i++ {
		if dq.At(i).ID == id {
			dq.Remove(i)
			return
		}
	}
}
