package transport

import (
	"fmt"
	"net"
	"sync"
)

// maxDatagramSize bounds a single frame, comfortably under the practical
// UDP payload ceiling used by the teacher's own discovery transport.
const maxDatagramSize = 4096

// UDPTransport implements Transport over a UDP socket. Each Recv call
// returns exactly one peer's frame; UDP's own datagram boundaries are
// the "length framing" spec §1 assumes at the network level, with
// frameEncode/frameDecode layered on top for wire-format parity with a
// stream transport (see frame.go).
type UDPTransport struct {
	conn      *net.UDPConn
	closeOnce sync.Once
}

// ListenUDP opens a UDP socket bound to address (host:port, or ":0" for an
// ephemeral port).
func ListenUDP(address string) (*UDPTransport, error) {
	addr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve %s: %w", address, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", address, err)
	}
	return &UDPTransport{conn: conn}, nil
}

// LocalAddr returns the address the socket is bound to.
func (t *UDPTransport) LocalAddr() string {
	return t.conn.LocalAddr().String()
}

// Send frames payload and writes it as a single datagram to address.
func (t *UDPTransport) Send(address string, payload []byte) error {
	raddr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return fmt.Errorf("transport: resolve %s: %w", address, err)
	}
	framed, err := frameEncode(payload)
	if err != nil {
		return err
	}
	if len(framed) > maxDatagramSize {
		return fmt.Errorf("transport: frame of %d bytes exceeds %d byte limit", len(framed), maxDatagramSize)
	}
	_, err = t.conn.WriteToUDP(framed, raddr)
	if err != nil {
		return fmt.Errorf("transport: send to %s: %w", address, err)
	}
	return nil
}

// Recv blocks until a datagram arrives, unframes it, and returns the
// payload and sender address. It returns an error once the socket is
// closed, which Close triggers to unblock any pending Recv (the idiom the
// teacher's own listener loop uses to make a blocking read
// shutdown-responsive without a separate cancellation channel). A datagram
// that cannot be unframed yields an error together with its non-empty
// sender address.
func (t *UDPTransport) Recv() ([]byte, string, error) {
	buf := make([]byte, maxDatagramSize)
	n, raddr, err := t.conn.ReadFromUDP(buf)
	if err != nil {
		return nil, "", err
	}
	payload, err := frameDecode(buf[:n])
	if err != nil {
		return nil, raddr.String(), err
	}
	return payload, raddr.String(), nil
}

// Close closes the underlying socket. Safe to call more than once.
func (t *UDPTransport) Close() error {
	var err error
	t.closeOnce.Do(func() { err = t.conn.Close() })
	return err
}
