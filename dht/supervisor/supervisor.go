// Package supervisor implements the message supervisor of spec §4.3: it
// registers every request the node emits, indexes it by a correlation
// token, and invokes a caller-supplied recovery callback if no response
// arrives before a deadline.
//
// The correlation map itself follows the teacher's bonding map
// (p2p/discover/table.go's `bonding map[NodeID]*bondproc`, guarded by
// `bondmu`): a plain mutex-guarded map from an in-flight key to request
// state, with terminal completion funneled through one place. This package
// generalizes that pattern from the teacher's single bonding use case to
// the spec's general register/deliver/cancel contract, and runs callbacks
// outside the lock per spec §5.
package supervisor

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eth-classic/kademlia/dht/identifier"
	"github.com/eth-classic/kademlia/kmetrics"
	"github.com/eth-classic/kademlia/mlog"
	"go.uber.org/zap"
)

// Token is the correlation token tying a response to the request that
// elicited it (spec §3, §4.3). Tokens are drawn from each Supervisor's own
// monotonic counter: unique for that Supervisor's lifetime, which is stronger
// than the spec's minimum bar of "vanishingly unlikely collisions".
type Token uint64

// ErrDuplicateToken is returned by Register when token is already
// registered (spec §4.3).
var ErrDuplicateToken = errors.New("supervisor: duplicate token")

// ErrShutdown is returned by Register after the supervisor has been
// stopped (spec §7, "Shutdown-race": operations after shutdown return
// benignly without side effects).
var ErrShutdown = errors.New("supervisor: shut down")

// OnResponse is invoked exactly once, with no supervisor lock held, when a
// registered token's response arrives.
type OnResponse func(message interface{})

// OnTimeout is invoked exactly once, with no supervisor lock held, when a
// registered token's deadline elapses without a response.
type OnTimeout func(peerID identifier.ID)

type outstanding struct {
	token      Token
	peerID     identifier.ID
	sentAt     time.Time
	deadline   time.Time
	onResponse OnResponse
	onTimeout  OnTimeout
}

// Supervisor tracks every in-flight request the node has emitted (spec
// §3's SupervisorState) and sweeps expired ones on a fixed period.
type Supervisor struct {
	sweepPeriod time.Duration
	nextToken   uint64

	mu      sync.Mutex
	pending map[Token]*outstanding
	closed  bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a Supervisor and starts its cleaner loop. sweepPeriod should
// be roughly one quarter of the shortest expected request timeout (spec
// §4.3).
func New(sweepPeriod time.Duration) *Supervisor {
	s := &Supervisor{
		sweepPeriod: sweepPeriod,
		pending:     make(map[Token]*outstanding),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
	go s.cleanerLoop()
	return s
}

// NextToken returns a correlation token not yet issued by this Supervisor.
// It does not register anything; callers pass the result to Register before
// sending the request, so a fast response always finds its entry.
func (s *Supervisor) NextToken() Token {
	return Token(atomic.AddUint64(&s.nextToken, 1))
}

// Register inserts an OutstandingRequest (spec §3). It fails with
// ErrDuplicateToken if token is already registered, and with ErrShutdown
// if the supervisor has been stopped.
func (s *Supervisor) Register(token Token, peerID identifier.ID, timeout time.Duration, onResponse OnResponse, onTimeout OnTimeout) error {
	now := time.Now()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrShutdown
	}
	if _, exists := s.pending[token]; exists {
		s.mu.Unlock()
		return ErrDuplicateToken
	}
	s.pending[token] = &outstanding{
		token:      token,
		peerID:     peerID,
		sentAt:     now,
		deadline:   now.Add(timeout),
		onResponse: onResponse,
		onTimeout:  onTimeout,
	}
	kmetrics.OutstandingRequests.Update(int64(len(s.pending)))
	s.mu.Unlock()

	kmetrics.RequestsSent.Mark(1)
	mlog.Event(mlog.EventRequestSent).Info("request registered",
		zap.Uint64("token", uint64(token)),
		zap.String("peer_id", peerID.String()),
		zap.Duration("timeout", timeout),
	)
	return nil
}

// Deliver is called by the listener when a correlated response arrives
// (spec §4.3). If token is registered, it is atomically removed and
// on_response is invoked outside the lock. If token is unknown — never
// registered, already delivered, or already timed out — the message is
// dropped silently (beyond the log line below), per spec §4.3 and the
// "Protocol-violation" error class of §7.
func (s *Supervisor) Deliver(token Token, message interface{}) {
	s.mu.Lock()
	req, ok := s.pending[token]
	if ok {
		delete(s.pending, token)
		kmetrics.OutstandingRequests.Update(int64(len(s.pending)))
	}
	s.mu.Unlock()

	if !ok {
		kmetrics.UnsolicitedDrops.Mark(1)
		mlog.Event(mlog.EventDrop).Debug("dropped unsolicited or stale response",
			zap.Uint64("token", uint64(token)))
		return
	}

	kmetrics.ResponsesHandled.Mark(1)
	kmetrics.RequestLatency.UpdateSince(req.sentAt)
	mlog.Event(mlog.EventResponse).Info("response delivered",
		zap.Uint64("token", uint64(token)),
		zap.String("peer_id", req.peerID.String()),
		zap.Duration("rtt", time.Since(req.sentAt)),
	)
	req.onResponse(message)
}

// Cancel removes an entry without invoking either callback (spec §4.3),
// used on node shutdown and by callers that no longer care about a
// request's outcome.
func (s *Supervisor) Cancel(token Token) {
	s.mu.Lock()
	if _, ok := s.pending[token]; ok {
		delete(s.pending, token)
		kmetrics.OutstandingRequests.Update(int64(len(s.pending)))
	}
	s.mu.Unlock()
}

// Len returns the number of currently outstanding requests. Intended for
// tests and metrics, not for control flow.
func (s *Supervisor) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *Supervisor) cleanerLoop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.sweepPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stopCh:
			return
		}
	}
}

// sweep scans for expired entries, atomically removes them, and invokes
// each on_timeout outside the lock (spec §4.3: "callbacks run outside the
// lock to avoid back-pressure on the supervisor"). Invocation order within
// a sweep is unspecified, matching the spec.
func (s *Supervisor) sweep() {
	now := time.Now()
	var expired []*outstanding

	s.mu.Lock()
	for token, req := range s.pending {
		if !now.Before(req.deadline) {
			expired = append(expired, req)
			delete(s.pending, token)
		}
	}
	if len(expired) > 0 {
		kmetrics.OutstandingRequests.Update(int64(len(s.pending)))
	}
	s.mu.Unlock()

	for _, req := range expired {
		kmetrics.RequestTimeouts.Mark(1)
		mlog.Event(mlog.EventTimeout).Warn("request timed out",
			zap.Uint64("token", uint64(req.token)),
			zap.String("peer_id", req.peerID.String()),
			zap.Duration("waited", now.Sub(req.sentAt)),
		)
		req.onTimeout(req.peerID)
	}
}

// Shutdown stops the cleaner loop and cancels every outstanding request
// without invoking its callbacks (spec §5: "supervisor to cancel all
// outstanding entries without firing callbacks"). It blocks until the
// cleaner loop has exited (join-based shutdown, spec §5).
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.pending = make(map[Token]*outstanding)
	s.mu.Unlock()

	close(s.stopCh)
	<-s.doneCh
}
