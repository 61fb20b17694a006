package transport

import (
	"bytes"
	"fmt"

	"github.com/libp2p/go-msgio"
)

// frameEncode prepends a varint length prefix to payload using go-msgio,
// the same length-delimited framing convention the wider libp2p stack
// uses for its streams. Over UDP a datagram is already self-delimiting,
// but framing the payload this way keeps the wire format identical to
// what a stream-oriented Transport would need, so Codec and handlers stay
// transport-agnostic.
func frameEncode(payload []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := msgio.NewVarintWriter(&buf)
	if err := w.WriteMsg(payload); err != nil {
		return nil, fmt.Errorf("transport: frame encode: %w", err)
	}
	return buf.Bytes(), nil
}

// frameDecode strips the varint length prefix written by frameEncode and
// returns the original payload.
func frameDecode(data []byte) ([]byte, error) {
	r := msgio.NewVarintReader(bytes.NewReader(data))
	defer r.Close()
	payload, err := r.ReadMsg()
	if err != nil {
		return nil, fmt.Errorf("transport: frame decode: %w", err)
	}
	return payload, nil
}
