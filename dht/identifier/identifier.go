// Package identifier implements the 160-bit node-identifier and XOR-distance
// algebra that the rest of the DHT core is built on. The distance and
// prefix functions are pure, with no I/O and no shared state; BucketIndex
// panics when other == local. Random reads crypto/rand and, like ParseHex,
// returns an error on failure.
package identifier

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/bits"
)

// Size is the width of a NodeId in bytes (160 bits).
const Size = 20

// NumBits is the width of a NodeId in bits.
const NumBits = Size * 8

// ID is a 160-bit node identifier, stored big-endian (byte 0 is the most
// significant).
type ID [Size]byte

// String renders the id as lowercase hex.
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// Distance is the XOR metric between two ids, itself a 160-bit unsigned
// integer stored big-endian. Total order by magnitude follows byte-wise
// lexicographic comparison since the width is fixed.
type Distance [Size]byte

// String renders the distance as lowercase hex.
func (d Distance) String() string {
	return hex.EncodeToString(d[:])
}

// Less reports whether d is strictly smaller than other, treating both as
// unsigned 160-bit integers.
func (d Distance) Less(other Distance) bool {
	for i := 0; i < Size; i++ {
		if d[i] != other[i] {
			return d[i] < other[i]
		}
	}
	return false
}

// Cmp returns -1, 0, or 1 as d is less than, equal to, or greater than other.
func (d Distance) Cmp(other Distance) int {
	for i := 0; i < Size; i++ {
		if d[i] != other[i] {
			if d[i] < other[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// XOR returns the XOR distance between a and b: d(a,b) = a XOR b.
func XOR(a, b ID) Distance {
	var d Distance
	for i := 0; i < Size; i++ {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// CommonPrefixLen returns the number of leading bits on which a and b agree,
// in the range [0, NumBits]. A return value of NumBits means a == b.
func CommonPrefixLen(a, b ID) int {
	for i := 0; i < Size; i++ {
		x := a[i] ^ b[i]
		if x != 0 {
			return i*8 + bits.LeadingZeros8(x)
		}
	}
	return NumBits
}

// BucketIndex returns the index of the k-bucket that other belongs in,
// relative to local, defined as CommonPrefixLen(local, other) (spec §4.1).
// It panics if other == local: callers must exclude the local id from
// bucket membership, per spec §3's invariant that the local id never
// appears in any bucket.
func BucketIndex(local, other ID) int {
	if local == other {
		panic("identifier: BucketIndex called with other == local")
	}
	return CommonPrefixLen(local, other)
}

// Random returns a cryptographically random 160-bit identifier. Ids need
// not be unpredictable for correctness (peers are not authenticated, per
// spec §1's Non-goals), but crypto/rand avoids correlated ids across
// processes started at the same wall-clock instant, which math/rand would
// not.
func Random() (ID, error) {
	var id ID
	if _, err := rand.Read(id[:]); err != nil {
		return ID{}, fmt.Errorf("identifier: generating random id: %w", err)
	}
	return id, nil
}

// MustRandom is Random, panicking on failure. Intended for tests and for
// one-time node-startup paths where entropy exhaustion is already fatal.
func MustRandom() ID {
	id, err := Random()
	if err != nil {
		panic(err)
	}
	return id
}

// ParseHex parses a hex-encoded 160-bit identifier.
func ParseHex(s string) (ID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return ID{}, fmt.Errorf("identifier: %w", err)
	}
	if len(b) != Size {
		return ID{}, fmt.Errorf("identifier: want %d bytes, got %d", Size, len(b))
	}
	var id ID
	copy(id[:], b)
	return id, nil
}
