// Package node implements spec §4.4's Node façade: the local identity,
// transport endpoint, routing table, supervisor, and protocol-handler
// wiring, plus the listener and CRON loops that drive them.
//
// Construction and shutdown sequencing follow the teacher's own
// p2p.Server pattern (start background loops, join-based shutdown). The
// transport is closed at the start of Shutdown, because closing it is what
// unblocks the listener's pending receive; background activity is joined
// after that, so it does not quiesce before the transport closes.
package node

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/eth-classic/kademlia/config"
	"github.com/eth-classic/kademlia/dht/identifier"
	"github.com/eth-classic/kademlia/dht/protocol"
	"github.com/eth-classic/kademlia/dht/supervisor"
	"github.com/eth-classic/kademlia/dht/table"
	"github.com/eth-classic/kademlia/dht/transport"
	"github.com/eth-classic/kademlia/kmetrics"
	"github.com/eth-classic/kademlia/mlog"
)

var errRequestTimeout = errors.New("node: request timed out")
var errNodeShutdown = errors.New("node: shut down while request was in flight")

// Node owns the local identifier, transport, routing table, supervisor,
// and config (spec §3's Node data model), and runs the listener and CRON
// loops for its lifetime.
type Node struct {
	localID identifier.ID
	cfg     config.Config

	transport transport.Transport
	codec     protocol.Codec
	responder protocol.Responder

	table      *table.RoutingTable
	supervisor *supervisor.Supervisor

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Node around an already-bound Transport. It does not
// start any background loop; call Start for that. codec encodes and
// decodes wire frames; protocol.GobCodec{} is the default.
func New(cfg config.Config, tr transport.Transport, codec protocol.Codec) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	localID := identifier.MustRandom()
	if cfg.LocalID != nil {
		localID = *cfg.LocalID
	}

	n := &Node{
		localID:   localID,
		cfg:       cfg,
		transport: tr,
		codec:     codec,
		responder: transport.NewResponder(tr, codec),
		stopCh:    make(chan struct{}),
	}
	n.supervisor = supervisor.New(cfg.TSweep)

	var tableOpts []table.Option
	if cfg.IPDiversityLimit > 0 {
		limiter := table.NewIPLimiter(cfg.IPDiversitySubnet, cfg.IPDiversityLimit)
		tableOpts = append(tableOpts, table.WithIPLimiter(limiter))
	}
	n.table = table.New(localID, cfg.K, n, tableOpts...)
	return n, nil
}

// LocalID returns the node's own identifier.
func (n *Node) LocalID() identifier.ID { return n.localID }

// Table returns the node's routing table, for callers that need direct
// read access (e.g. an application layer built atop this core).
func (n *Node) Table() *table.RoutingTable { return n.table }

func (n *Node) deps() protocol.Deps {
	return protocol.Deps{
		LocalID:    n.localID,
		Table:      n.table,
		Supervisor: n.supervisor,
		Responder:  n.responder,
		K:          n.cfg.K,
	}
}

// Start launches the listener and CRON loops and seeds the routing table
// with the configured bootstrap peers.
func (n *Node) Start() {
	for _, b := range n.cfg.Bootstrap {
		n.table.Observe(table.Peer{ID: b.ID, Address: b.Address, LastSeen: time.Now()})
	}

	n.wg.Add(2)
	go n.listenLoop()
	go n.cronLoop()
}

func (n *Node) listenLoop() {
	defer n.wg.Done()
	for {
		frame, senderAddress, err := n.transport.Recv()
		if err != nil {
			select {
			case <-n.stopCh:
				return
			default:
			}
			if senderAddress != "" {
				// A datagram arrived but could not be unframed: drop it
				// and keep listening.
				kmetrics.FramesDropped.Mark(1)
				mlog.Event(mlog.EventDrop).Debug("dropped unframeable datagram",
					zap.String("address", senderAddress), zap.Error(err))
				continue
			}
			mlog.Event(mlog.EventDrop).Warn("transport receive failed", zap.Error(err))
			return
		}

		msg, err := n.codec.Decode(frame)
		if err != nil {
			kmetrics.FramesDropped.Mark(1)
			mlog.Event(mlog.EventDrop).Debug("dropped undecodable frame",
				zap.String("address", senderAddress), zap.Error(err))
			continue
		}

		protocol.Handle(n.deps(), senderAddress, msg)
	}
}

// Probe implements table.Prober by issuing a PING and reporting the
// result once the supervisor resolves it (response or timeout), never
// blocking the caller.
func (n *Node) Probe(peer table.Peer, onResult func(alive bool)) {
	tok := n.supervisor.NextToken()
	err := n.supervisor.Register(tok, peer.ID, n.cfg.TReq,
		func(interface{}) { onResult(true) },
		func(identifier.ID) { onResult(false) },
	)
	if err != nil {
		onResult(false)
		return
	}
	msg := protocol.Message{Kind: protocol.KindPing, SenderID: n.localID, Token: tok}
	if err := n.responder.Respond(peer.Address, msg); err != nil {
		n.supervisor.Cancel(tok)
		onResult(false)
	}
}

// findNode issues a FIND_NODE to peer and blocks until the supervisor
// resolves it (response or timeout), translating the NODES reply into
// routing-table peers.
func (n *Node) findNode(peer table.Peer, target identifier.ID) ([]table.Peer, error) {
	tok := n.supervisor.NextToken()
	resultCh := make(chan []table.Peer, 1)
	errCh := make(chan error, 1)

	err := n.supervisor.Register(tok, peer.ID, n.cfg.TReq,
		func(raw interface{}) {
			m, ok := raw.(protocol.Message)
			if !ok {
				errCh <- errRequestTimeout
				return
			}
			peers := make([]table.Peer, len(m.Peers))
			for i, p := range m.Peers {
				peers[i] = table.Peer{ID: p.ID, Address: p.Address, LastSeen: time.Now()}
			}
			resultCh <- peers
		},
		func(identifier.ID) { errCh <- errRequestTimeout },
	)
	if err != nil {
		return nil, err
	}

	msg := protocol.Message{Kind: protocol.KindFindNode, SenderID: n.localID, Token: tok, TargetID: target}
	if err := n.responder.Respond(peer.Address, msg); err != nil {
		n.supervisor.Cancel(tok)
		return nil, err
	}

	select {
	case peers := <-resultCh:
		return peers, nil
	case err := <-errCh:
		return nil, err
	case <-n.stopCh:
		n.supervisor.Cancel(tok)
		return nil, errNodeShutdown
	}
}

// Shutdown stops both loops, cancels outstanding requests, drains the
// insertion queue, and joins every background activity before returning
// (spec §5's shutdown sequence). It closes the underlying Transport itself,
// since that is what unblocks listenLoop's in-flight Recv; Transport.Close
// is idempotent, so callers may also close it directly without harm.
func (n *Node) Shutdown() {
	close(n.stopCh)
	n.transport.Close()
	n.supervisor.Shutdown()
	n.table.Shutdown()
	n.wg.Wait()
	mlog.Event(mlog.EventShutdown).Info("node shut down", zap.String("local_id", n.localID.String()))
}
