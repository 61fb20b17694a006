package table

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eth-classic/kademlia/dht/identifier"
)

// fakeProber lets tests control the outcome of every probe deterministically
// instead of racing a real network round trip.
type fakeProber struct {
	result func(peer Peer) bool
	probed chan Peer
}

func newFakeProber(alive bool) *fakeProber {
	return &fakeProber{result: func(Peer) bool { return alive }, probed: make(chan Peer, 64)}
}

func (f *fakeProber) Probe(peer Peer, onResult func(alive bool)) {
	f.probed <- peer
	go onResult(f.result(peer))
}

func flipIDBit(local identifier.ID, bit int) identifier.ID {
	id := local
	byteIdx := bit / 8
	bitIdx := 7 - (bit % 8)
	id[byteIdx] ^= 1 << bitIdx
	return id
}

// samePrefixPeer returns an id sharing exactly bucketIdx leading bits with
// local, so identifier.BucketIndex(local, id) == bucketIdx, with the
// remaining low bits varied by seed to produce distinct ids within the
// bucket.
func samePrefixPeer(t *testing.T, local identifier.ID, bucketIdx int, seed byte) identifier.ID {
	t.Helper()
	id := flipIDBit(local, bucketIdx)
	id[identifier.Size-1] ^= seed
	require.Equal(t, bucketIdx, identifier.BucketIndex(local, id))
	return id
}

// S1 — fresh insert into a bucket with free space is unconditional.
func TestObserveFreshInsert(t *testing.T) {
	local := identifier.MustRandom()
	rt := New(local, 20, newFakeProber(true))
	defer rt.Shutdown()

	p := Peer{ID: samePrefixPeer(t, local, 5, 1), Address: "10.0.0.1:30303"}
	rt.Observe(p)

	require.Eventually(t, func() bool { return rt.Size() == 1 }, time.Second, time.Millisecond)
	peers := rt.BucketSnapshot(5)
	require.Len(t, peers, 1)
	assert.Equal(t, p.ID, peers[0].ID)
}

// S2 — re-observing an existing peer refreshes it to the tail without
// growing the bucket.
func TestObserveRefreshOrdering(t *testing.T) {
	local := identifier.MustRandom()
	rt := New(local, 20, newFakeProber(true))
	defer rt.Shutdown()

	a := Peer{ID: samePrefixPeer(t, local, 3, 1), Address: "10.0.0.1:1"}
	b := Peer{ID: samePrefixPeer(t, local, 3, 2), Address: "10.0.0.2:1"}
	rt.Observe(a)
	rt.Observe(b)
	require.Eventually(t, func() bool { return rt.Size() == 2 }, time.Second, time.Millisecond)

	rt.Observe(Peer{ID: a.ID, Address: "10.0.0.1:2"})

	peers := rt.BucketSnapshot(3)
	require.Len(t, peers, 2)
	assert.Equal(t, b.ID, peers[0].ID, "b remains head (least recently seen)")
	assert.Equal(t, a.ID, peers[1].ID, "a moved to tail after refresh")
	assert.Equal(t, "10.0.0.1:2", peers[1].Address)
}

// S3 — a full bucket's head is probed on overflow; if the head answers,
// the candidate is discarded and the head is refreshed to the tail.
func TestObserveFullBucketHeadAlive(t *testing.T) {
	local := identifier.MustRandom()
	const k = 4
	prober := newFakeProber(true)
	rt := New(local, k, prober)
	defer rt.Shutdown()

	var first Peer
	for i := 0; i < k; i++ {
		p := Peer{ID: samePrefixPeer(t, local, 7, byte(i+1)), Address: "10.0.1.1:1"}
		if i == 0 {
			first = p
		}
		rt.Observe(p)
	}
	require.Eventually(t, func() bool { return rt.Size() == k }, time.Second, time.Millisecond)

	candidate := Peer{ID: samePrefixPeer(t, local, 7, 99), Address: "10.0.1.99:1"}
	rt.Observe(candidate)

	select {
	case probed := <-prober.probed:
		assert.Equal(t, first.ID, probed.ID, "head of the bucket is probed")
	case <-time.After(time.Second):
		t.Fatal("expected a probe to be issued")
	}

	require.Eventually(t, func() bool { return rt.Size() == k }, time.Second, time.Millisecond)
	peers := rt.BucketSnapshot(7)
	require.Len(t, peers, k)
	assert.Equal(t, first.ID, peers[k-1].ID, "alive head moved to tail")
	for _, p := range peers {
		assert.NotEqual(t, candidate.ID, p.ID, "candidate discarded when head answers")
	}
}

// S4 — if the head does not answer, it is evicted and the queued
// candidate is admitted in its place.
func TestObserveFullBucketHeadDead(t *testing.T) {
	local := identifier.MustRandom()
	const k = 4
	prober := newFakeProber(false)
	rt := New(local, k, prober)
	defer rt.Shutdown()

	var first Peer
	for i := 0; i < k; i++ {
		p := Peer{ID: samePrefixPeer(t, local, 9, byte(i+1)), Address: "10.0.2.1:1"}
		if i == 0 {
			first = p
		}
		rt.Observe(p)
	}
	require.Eventually(t, func() bool { return rt.Size() == k }, time.Second, time.Millisecond)

	candidate := Peer{ID: samePrefixPeer(t, local, 9, 99), Address: "10.0.2.99:1"}
	rt.Observe(candidate)

	<-prober.probed

	require.Eventually(t, func() bool {
		peers := rt.BucketSnapshot(9)
		for _, p := range peers {
			if p.ID == candidate.ID {
				return true
			}
		}
		return false
	}, time.Second, time.Millisecond)

	peers := rt.BucketSnapshot(9)
	require.Len(t, peers, k)
	for _, p := range peers {
		assert.NotEqual(t, first.ID, p.ID, "dead head evicted")
	}
}

func TestObserveIgnoresLocalID(t *testing.T) {
	local := identifier.MustRandom()
	rt := New(local, 20, newFakeProber(true))
	defer rt.Shutdown()

	rt.Observe(Peer{ID: local, Address: "127.0.0.1:1"})
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 0, rt.Size())
}

func TestClosestOrderingIsDeterministicAndAscending(t *testing.T) {
	local := identifier.MustRandom()
	rt := New(local, 20, newFakeProber(true))
	defer rt.Shutdown()

	for bucketIdx := 0; bucketIdx < 10; bucketIdx++ {
		for seed := byte(1); seed <= 3; seed++ {
			rt.Observe(Peer{ID: samePrefixPeer(t, local, bucketIdx, seed), Address: "10.0.3.1:1"})
		}
	}
	require.Eventually(t, func() bool { return rt.Size() == 30 }, time.Second, time.Millisecond)

	target := identifier.MustRandom()
	first := rt.Closest(target, 10)
	second := rt.Closest(target, 10)
	require.Equal(t, first, second, "closest() is deterministic for unchanged state")

	for i := 1; i < len(first); i++ {
		d1 := identifier.XOR(first[i-1].ID, target)
		d2 := identifier.XOR(first[i].ID, target)
		assert.True(t, d1.Cmp(d2) <= 0, "closest() must be ascending-distance ordered")
	}
}

func TestRemoveDropsFromBucket(t *testing.T) {
	local := identifier.MustRandom()
	rt := New(local, 20, newFakeProber(true))
	defer rt.Shutdown()

	p := Peer{ID: samePrefixPeer(t, local, 2, 1), Address: "10.0.4.1:1"}
	rt.Observe(p)
	require.Eventually(t, func() bool { return rt.Size() == 1 }, time.Second, time.Millisecond)

	rt.Remove(p.ID)
	assert.Equal(t, 0, rt.Size())
}

// Invariant: no bucket ever exceeds k, and no id appears twice (spec §8).
func TestInvariantBucketNeverExceedsKAndNoDuplicates(t *testing.T) {
	local := identifier.MustRandom()
	const k = 3
	rt := New(local, k, newFakeProber(true))
	defer rt.Shutdown()

	for i := 0; i < 10; i++ {
		p := Peer{ID: samePrefixPeer(t, local, 11, byte(i+1)), Address: "10.0.5.1:1"}
		rt.Observe(p)
		rt.Observe(p) // repeated observe of the same id must stay idempotent
	}
	require.Eventually(t, func() bool { return len(rt.BucketSnapshot(11)) <= k }, time.Second, time.Millisecond)

	seen := make(map[identifier.ID]bool)
	for _, p := range rt.BucketSnapshot(11) {
		assert.False(t, seen[p.ID], "duplicate id in bucket")
		seen[p.ID] = true
	}
	assert.LessOrEqual(t, len(rt.BucketSnapshot(11)), k)
}
