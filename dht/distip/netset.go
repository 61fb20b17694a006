// Package distip tracks IP-network diversity, adapted from the teacher's
// p2p/distip package for the IP-diversity supplement described in
// SPEC_FULL.md (an optional extension the core spec does not require:
// spec §3 treats Peer.Address as transport-opaque).
package distip

import (
	"bytes"
	"fmt"
	"net"
	"sort"
)

// DistinctNetSet tracks IPs, ensuring that at most Limit of them fall into
// the same Subnet-bit network range. Used per bucket by dht/table's
// IPLimiter so a single host announcing many ids cannot fill a bucket.
type DistinctNetSet struct {
	Subnet uint // number of common prefix bits
	Limit  uint // maximum number of IPs in each subnet

	members map[string]uint
	buf     net.IP
}

// Add adds an IP address to the set. It returns false (and doesn't add the
// IP) if the defined range already holds Limit IPs.
func (s *DistinctNetSet) Add(ip net.IP) bool {
	key := string(s.key(ip))
	n := s.members[key]
	if n < s.Limit {
		s.members[key] = n + 1
		return true
	}
	return false
}

// Remove removes an IP from the set.
func (s *DistinctNetSet) Remove(ip net.IP) {
	key := string(s.key(ip))
	if n, ok := s.members[key]; ok {
		if n == 1 {
			delete(s.members, key)
		} else {
			s.members[key] = n - 1
		}
	}
}

// Contains reports whether the given IP is contained in the set.
func (s DistinctNetSet) Contains(ip net.IP) bool {
	key := string(s.key(ip))
	_, ok := s.members[key]
	return ok
}

// Len returns the number of tracked IPs.
func (s DistinctNetSet) Len() uint {
	n := uint(0)
	for _, i := range s.members {
		n += i
	}
	return n
}

// key encodes the map key for an address into a temporary buffer. The
// first byte distinguishes IPv4 ('4') from IPv6 ('6'); the remainder is the
// IP truncated to Subnet bits.
func (s *DistinctNetSet) key(ip net.IP) net.IP {
	if s.members == nil {
		s.members = make(map[string]uint)
		s.buf = make(net.IP, 17)
	}
	typ := byte('6')
	if ip4 := ip.To4(); ip4 != nil {
		typ, ip = '4', ip4
	}
	bits := s.Subnet
	if bits > uint(len(ip)*8) {
		bits = uint(len(ip) * 8)
	}
	nb := int(bits / 8)
	mask := ^byte(0xFF >> (bits % 8))
	s.buf[0] = typ
	buf := append(s.buf[:1], ip[:nb]...)
	if nb < len(ip) && mask != 0 {
		buf = append(buf, ip[nb]&mask)
	}
	return buf
}

// String implements fmt.Stringer.
func (s DistinctNetSet) String() string {
	var buf bytes.Buffer
	buf.WriteString("{")
	keys := make([]string, 0, len(s.members))
	for k := range s.members {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for i, k := range keys {
		var ip net.IP
		if k[0] == '4' {
			ip = make(net.IP, 4)
		} else {
			ip = make(net.IP, 16)
		}
		copy(ip, k[1:])
		fmt.Fprintf(&buf, "%v×%d", ip, s.members[k])
		if i != len(keys)-1 {
			buf.WriteString(" ")
		}
	}
	buf.WriteString("}")
	return buf.String()
}
