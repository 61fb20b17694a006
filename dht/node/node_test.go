package node

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eth-classic/kademlia/config"
	"github.com/eth-classic/kademlia/dht/identifier"
	"github.com/eth-classic/kademlia/dht/protocol"
	"github.com/eth-classic/kademlia/dht/table"
	"github.com/eth-classic/kademlia/dht/transport"
)

func newTestNode(t *testing.T) *Node {
	t.Helper()
	tr, err := transport.ListenUDP("127.0.0.1:0")
	require.NoError(t, err)

	cfg := config.Default()
	cfg.TCron = time.Hour // tests drive lookups directly, not via CRON
	cfg.TReq = 200 * time.Millisecond
	cfg.TSweep = 20 * time.Millisecond

	n, err := New(cfg, tr, protocol.GobCodec{})
	require.NoError(t, err)
	return n
}

// Two real nodes over loopback UDP: PING/PONG round trip, and b's
// routing-table observation of a from the inbound PING.
func TestNodePingPongOverLoopback(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)
	a.Start()
	b.Start()
	defer a.Shutdown()
	defer b.Shutdown()

	done := make(chan bool, 1)
	a.Probe(table.Peer{ID: b.LocalID(), Address: b.transport.LocalAddr()}, func(alive bool) {
		done <- alive
	})

	select {
	case alive := <-done:
		assert.True(t, alive, "b should answer a's PING")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for PONG")
	}

	require.Eventually(t, func() bool { return b.Table().Size() == 1 }, time.Second, 10*time.Millisecond,
		"b should have observed a from the inbound PING")
}

// S5 — iterative lookup convergence: a seed bootstrap node returns peers
// closer to target in its first round, and reports no closer peers on the
// next; the lookup terminates with the closest observed peers, distance
// sorted.
func TestIterativeFindNodeConverges(t *testing.T) {
	seeker := newTestNode(t)
	seed := newTestNode(t)
	target := newTestNode(t)

	seeker.Start()
	seed.Start()
	target.Start()
	defer seeker.Shutdown()
	defer seed.Shutdown()
	defer target.Shutdown()

	// Populate the seed's own table with the target so that when seeker
	// asks the seed a FIND_NODE(target.LocalID), the seed's closest()
	// surfaces target directly.
	seed.Table().Observe(table.Peer{ID: target.LocalID(), Address: target.transport.LocalAddr()})
	require.Eventually(t, func() bool { return seed.Table().Size() == 1 }, time.Second, 10*time.Millisecond)

	seeker.Table().Observe(table.Peer{ID: seed.LocalID(), Address: seed.transport.LocalAddr()})
	require.Eventually(t, func() bool { return seeker.Table().Size() == 1 }, time.Second, 10*time.Millisecond)

	result := seeker.IterativeFindNode(target.LocalID())

	var found bool
	for _, p := range result {
		if p.ID == target.LocalID() {
			found = true
		}
	}
	assert.True(t, found, "iterative lookup should discover the target via the seed")

	for i := 1; i < len(result); i++ {
		d1 := identifier.XOR(result[i-1].ID, target.LocalID())
		d2 := identifier.XOR(result[i].ID, target.LocalID())
		assert.True(t, d1.Cmp(d2) <= 0)
	}
}

func TestIterativeFindNodeWithNoKnownPeersReturnsEmpty(t *testing.T) {
	seeker := newTestNode(t)
	seeker.Start()
	defer seeker.Shutdown()

	result := seeker.IterativeFindNode(identifier.MustRandom())
	assert.Empty(t, result)
}

func TestShutdownQuiescesBackgroundActivity(t *testing.T) {
	n := newTestNode(t)
	n.Start()
	assert.NotPanics(t, func() { n.Shutdown() })
	assert.Equal(t, 0, n.supervisor.Len())
}

// Shutdown must not deadlock while a lookup is blocked mid-flight waiting
// on a peer that never answers: findNode's select must observe n.stopCh
// rather than rely solely on a response or a supervisor timeout that will
// never fire once the supervisor itself has been shut down.
func TestShutdownDuringInFlightLookupDoesNotDeadlock(t *testing.T) {
	tr, err := transport.ListenUDP("127.0.0.1:0")
	require.NoError(t, err)
	cfg := config.Default()
	cfg.TCron = time.Hour
	cfg.TReq = 10 * time.Second // far longer than this test's patience
	cfg.TSweep = 20 * time.Millisecond
	seeker, err := New(cfg, tr, protocol.GobCodec{})
	require.NoError(t, err)
	seeker.Start()

	// An address nothing listens on: the FIND_NODE is sent but never
	// answered, so findNode blocks until either the (very long) request
	// timeout or shutdown.
	seeker.Table().Observe(table.Peer{ID: identifier.MustRandom(), Address: "127.0.0.1:1"})
	require.Eventually(t, func() bool { return seeker.Table().Size() == 1 }, time.Second, 10*time.Millisecond)

	lookupDone := make(chan []table.Peer, 1)
	go func() {
		lookupDone <- seeker.IterativeFindNode(identifier.MustRandom())
	}()

	// Give the lookup goroutine time to register its request and block in
	// findNode's select before shutting down underneath it.
	time.Sleep(50 * time.Millisecond)

	shutdownDone := make(chan struct{})
	go func() {
		seeker.Shutdown()
		close(shutdownDone)
	}()

	select {
	case <-shutdownDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown deadlocked with a lookup in flight")
	}

	select {
	case <-lookupDone:
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight lookup never returned after shutdown")
	}
}
