package protocol

import (
	"time"

	"go.uber.org/zap"

	"github.com/eth-classic/kademlia/dht/identifier"
	"github.com/eth-classic/kademlia/dht/supervisor"
	"github.com/eth-classic/kademlia/dht/table"
	"github.com/eth-classic/kademlia/kmetrics"
	"github.com/eth-classic/kademlia/mlog"
)

// Responder sends an encoded reply back to a sender address. The node
// package's transport binding is the concrete implementation; handlers
// never talk to a socket directly (spec §4.5: handlers are "pure functions
// in contract", mutating only the routing table and supervisor).
type Responder interface {
	Respond(address string, m Message) error
}

// Deps bundles the collaborators a handler consults, per spec §4.5's
// `handle(inbound, routing_table, supervisor, transport)` contract. K
// bounds how many peers a FIND_NODE reply returns.
type Deps struct {
	LocalID    identifier.ID
	Table      *table.RoutingTable
	Supervisor *supervisor.Supervisor
	Responder  Responder
	K          int
}

// Handle dispatches one decoded inbound message per spec §4.4's listener
// dispatch table. It always observes the sender first, then acts on Kind.
// It never returns an error: decode failures are the listener's concern
// (spec §4.4: "decoding failures log and drop; they never abort the
// listener"); once a message has been decoded, dispatch here cannot fail
// in a way the caller must react to (spec §4.5/§7).
func Handle(d Deps, senderAddress string, m Message) {
	d.Table.Observe(table.Peer{ID: m.SenderID, Address: senderAddress, LastSeen: time.Now()})

	switch m.Kind {
	case KindPing:
		reply := Message{Kind: KindPong, SenderID: d.LocalID, Token: m.Token}
		if err := d.Responder.Respond(senderAddress, reply); err != nil {
			mlog.Event(mlog.EventDrop).Warn("failed to send PONG",
				zap.String("address", senderAddress), zap.Error(err))
		}

	case KindPong:
		d.Supervisor.Deliver(m.Token, m)

	case KindFindNode:
		closest := d.Table.Closest(m.TargetID, d.K)
		reply := Message{Kind: KindNodes, SenderID: d.LocalID, Token: m.Token, Peers: toNodeInfos(closest)}
		if err := d.Responder.Respond(senderAddress, reply); err != nil {
			mlog.Event(mlog.EventDrop).Warn("failed to send NODES",
				zap.String("address", senderAddress), zap.Error(err))
		}

	case KindNodes:
		d.Supervisor.Deliver(m.Token, m)

	default:
		kmetrics.FramesDropped.Mark(1)
		mlog.Event(mlog.EventDrop).Warn("dropped frame of unknown kind",
			zap.Uint8("kind", uint8(m.Kind)), zap.String("address", senderAddress))
	}
}

func toNodeInfos(peers []table.Peer) []NodeInfo {
	out := make([]NodeInfo, len(peers))
	for i, p := range peers {
		out[i] = NodeInfo{ID: p.ID, Address: p.Address}
	}
	return out
}
