package supervisor

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eth-classic/kademlia/dht/identifier"
)

// S6 — Supervisor timeout fires exactly once: register a token with a
// short timeout, never deliver it, and expect on_timeout to fire once;
// a subsequent Deliver is then a no-op.
func TestTimeoutFiresExactlyOnce(t *testing.T) {
	s := New(3 * time.Millisecond)
	defer s.Shutdown()

	peer := identifier.MustRandom()
	var timeouts int32
	var responses int32

	tok := s.NextToken()
	err := s.Register(tok, peer, 10*time.Millisecond,
		func(interface{}) { atomic.AddInt32(&responses, 1) },
		func(identifier.ID) { atomic.AddInt32(&timeouts, 1) },
	)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&timeouts) == 1
	}, time.Second, time.Millisecond)

	s.Deliver(tok, "late")
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, int32(1), atomic.LoadInt32(&timeouts))
	assert.Equal(t, int32(0), atomic.LoadInt32(&responses))
}

func TestDeliverInvokesOnResponseExactlyOnce(t *testing.T) {
	s := New(50 * time.Millisecond)
	defer s.Shutdown()

	peer := identifier.MustRandom()
	var responses int32
	var timeouts int32

	tok := s.NextToken()
	require.NoError(t, s.Register(tok, peer, time.Second,
		func(interface{}) { atomic.AddInt32(&responses, 1) },
		func(identifier.ID) { atomic.AddInt32(&timeouts, 1) },
	))

	s.Deliver(tok, "pong")
	// second delivery for the same (now-unregistered) token is a silent no-op
	s.Deliver(tok, "pong-again")

	assert.Equal(t, int32(1), atomic.LoadInt32(&responses))
	assert.Equal(t, int32(0), atomic.LoadInt32(&timeouts))
	assert.Equal(t, 0, s.Len())
}

func TestDeliverUnknownTokenIsSilentlyDropped(t *testing.T) {
	s := New(50 * time.Millisecond)
	defer s.Shutdown()

	assert.NotPanics(t, func() {
		s.Deliver(Token(999), "whatever")
	})
}

func TestRegisterDuplicateTokenFails(t *testing.T) {
	s := New(50 * time.Millisecond)
	defer s.Shutdown()

	peer := identifier.MustRandom()
	tok := s.NextToken()
	noop := func(interface{}) {}
	noopT := func(identifier.ID) {}

	require.NoError(t, s.Register(tok, peer, time.Second, noop, noopT))
	err := s.Register(tok, peer, time.Second, noop, noopT)
	assert.ErrorIs(t, err, ErrDuplicateToken)
}

func TestCancelSuppressesBothCallbacks(t *testing.T) {
	s := New(3 * time.Millisecond)
	defer s.Shutdown()

	peer := identifier.MustRandom()
	var fired int32
	tok := s.NextToken()
	require.NoError(t, s.Register(tok, peer, 10*time.Millisecond,
		func(interface{}) { atomic.AddInt32(&fired, 1) },
		func(identifier.ID) { atomic.AddInt32(&fired, 1) },
	))

	s.Cancel(tok)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&fired))
}

func TestShutdownCancelsOutstandingWithoutCallbacks(t *testing.T) {
	s := New(time.Hour)
	peer := identifier.MustRandom()
	var fired int32
	tok := s.NextToken()
	require.NoError(t, s.Register(tok, peer, time.Hour,
		func(interface{}) { atomic.AddInt32(&fired, 1) },
		func(identifier.ID) { atomic.AddInt32(&fired, 1) },
	))

	s.Shutdown()
	assert.Equal(t, int32(0), atomic.LoadInt32(&fired))

	err := s.Register(s.NextToken(), peer, time.Second, func(interface{}) {}, func(identifier.ID) {})
	assert.ErrorIs(t, err, ErrShutdown)
}

// Concurrency smoke test: many goroutines registering/delivering distinct
// tokens concurrently must never race (run with -race) and every request
// must reach exactly one terminal callback.
func TestConcurrentRegisterAndDeliver(t *testing.T) {
	s := New(5 * time.Millisecond)
	defer s.Shutdown()

	const n = 200
	var wg sync.WaitGroup
	var responses, timeouts int32

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			peer := identifier.MustRandom()
			tok := s.NextToken()
			deliverImmediately := i%2 == 0
			timeout := 50 * time.Millisecond
			if !deliverImmediately {
				timeout = 2 * time.Millisecond
			}
			err := s.Register(tok, peer, timeout,
				func(interface{}) { atomic.AddInt32(&responses, 1) },
				func(identifier.ID) { atomic.AddInt32(&timeouts, 1) },
			)
			if err != nil {
				return
			}
			if deliverImmediately {
				s.Deliver(tok, "ok")
			}
		}(i)
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&responses)+atomic.LoadInt32(&timeouts) == n
	}, 2*time.Second, 5*time.Millisecond)
}
