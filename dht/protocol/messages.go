// Package protocol implements spec §6's wire messages and spec §4.5's
// stateless protocol handlers.
//
// Wire encoding is explicitly "not mandated" by the spec (§6), and the
// teacher's own codec (RLP, package rlp) is itself named in SPEC_FULL.md as
// an out-of-scope external collaborator for this exercise. encoding/gob is
// used here instead: it is the standard library's native solution to
// exactly this problem (self-describing, versionable Go struct encoding)
// and every field below is a plain fixed-size array, integer, string, or
// slice thereof — nothing gob cannot already express faithfully.
package protocol

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/eth-classic/kademlia/dht/identifier"
	"github.com/eth-classic/kademlia/dht/supervisor"
)

// Kind discriminates the wire message kinds of spec §6.
type Kind uint8

const (
	KindPing Kind = iota + 1
	KindPong
	KindFindNode
	KindNodes
)

func (k Kind) String() string {
	switch k {
	case KindPing:
		return "PING"
	case KindPong:
		return "PONG"
	case KindFindNode:
		return "FIND_NODE"
	case KindNodes:
		return "NODES"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(k))
	}
}

// NodeInfo is one entry of a NODES reply: a peer's id and transport
// address (spec §6: "list<(peer_id, peer_address)> ≤ k").
type NodeInfo struct {
	ID      identifier.ID
	Address string
}

// Message is the union of every spec §6 wire kind. Fields irrelevant to a
// given Kind are left zero; handlers only read the fields their Kind
// defines.
type Message struct {
	Kind     Kind
	SenderID identifier.ID
	Token    supervisor.Token

	TargetID identifier.ID // FIND_NODE only
	Peers    []NodeInfo    // NODES only, length ≤ k
}

// Codec encodes and decodes a single Message to/from a length-framed
// payload. The framing itself (varint-prefixed, via dht/transport) lives
// outside this package; Codec only handles the payload bytes.
type Codec interface {
	Encode(m Message) ([]byte, error)
	Decode(data []byte) (Message, error)
}

// GobCodec is the default Codec (see package doc for the encoding choice).
type GobCodec struct{}

func (GobCodec) Encode(m Message) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(m); err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", m.Kind, err)
	}
	return buf.Bytes(), nil
}

func (GobCodec) Decode(data []byte) (Message, error) {
	var m Message
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&m); err != nil {
		return Message{}, fmt.Errorf("protocol: decode: %w", err)
	}
	return m, nil
}
