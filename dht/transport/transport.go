// Package transport implements the length-framed, peer-addressed
// transport spec §1 assumes ("the spec assumes a transport that delivers
// length-framed messages to/from peer addresses"). UDPTransport is the
// concrete binding, grounded on the teacher's p2p/discover datagram-based
// discovery transport; framing itself is delegated to go-msgio (used
// throughout the libp2p stack represented elsewhere in the example pack)
// rather than hand-rolled, so the same frame codec could later back a
// stream transport without change.
package transport

import "github.com/eth-classic/kademlia/dht/protocol"

// Transport is the minimal contract dht/node depends on: send one
// encoded frame to a peer address, and receive frames as they arrive.
// Neither method interprets frame contents; protocol.Codec does that.
type Transport interface {
	Send(address string, frame []byte) error
	Recv() (frame []byte, senderAddress string, err error)
	LocalAddr() string
	Close() error
}

// codecBound is satisfied by any Transport paired with a protocol.Codec;
// it is the shape dht/node's Responder adapter wraps.
type codecBound struct {
	transport Transport
	codec     protocol.Codec
}

// Respond implements protocol.Responder by encoding m and sending it over
// the wrapped Transport.
func (c *codecBound) Respond(address string, m protocol.Message) error {
	data, err := c.codec.Encode(m)
	if err != nil {
		return err
	}
	return c.transport.Send(address, data)
}

// NewResponder adapts a Transport+Codec pair into a protocol.Responder.
func NewResponder(t Transport, codec protocol.Codec) protocol.Responder {
	return &codecBound{transport: t, codec: codec}
}
