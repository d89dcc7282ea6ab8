// Package nodeid defines the fixed-width overlay identifier and the XOR
// distance ordering used for all routing decisions.
package nodeid

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
)

// Size is the identifier width in bytes (512 bits).
const Size = 64

// ID names a peer in the overlay's metric space. The zero value is the
// anonymous identifier used by ephemeral sessions.
type ID [Size]byte

var zero ID

// ErrBadLength is returned when constructing an ID from a byte slice of the
// wrong width.
var ErrBadLength = errors.New("nodeid: identifier must be 64 bytes")

// NewRandom returns a uniformly random identifier.
func NewRandom() ID {
	var id ID
	if _, err := rand.Read(id[:]); err != nil {
		panic(err) // crypto/rand never fails on supported platforms
	}
	return id
}

// FromBytes copies b into an ID. b must be exactly Size bytes.
func FromBytes(b []byte) (ID, error) {
	var id ID
	if len(b) != Size {
		return id, ErrBadLength
	}
	copy(id[:], b)
	return id, nil
}

// FromHex parses a full-width hex string.
func FromHex(s string) (ID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return zero, fmt.Errorf("nodeid: %w", err)
	}
	return FromBytes(b)
}

// Bytes returns a copy of the identifier bytes.
func (id ID) Bytes() []byte {
	out := make([]byte, Size)
	copy(out, id[:])
	return out
}

func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// ShortString renders the leading bytes for log lines.
func (id ID) ShortString() string {
	if id.IsZero() {
		return "<anon>"
	}
	return hex.EncodeToString(id[:4]) + ".."
}

// IsZero reports whether id is the anonymous identifier.
func (id ID) IsZero() bool {
	return id == zero
}

func (id ID) Equal(other ID) bool {
	return id == other
}

// Distance returns the raw XOR distance between a and b.
func Distance(a, b ID) []byte {
	out := make([]byte, Size)
	for i := 0; i < Size; i++ {
		out[i] = a[i] ^ b[i]
	}
	return out
}

// CloserToTarget reports whether lhs is strictly closer to target than rhs
// under XOR-then-lexicographic comparison. The induced ordering is total and
// transitive for any fixed target, which the routing table relies on for sort
// stability and eviction.
func CloserToTarget(lhs, rhs, target ID) bool {
	for i := 0; i < Size; i++ {
		dl := lhs[i] ^ target[i]
		dr := rhs[i] ^ target[i]
		if dl != dr {
			return dl < dr
		}
	}
	return false
}

// CompareToTarget returns -1, 0 or 1 ordering lhs against rhs by distance to
// target.
func CompareToTarget(lhs, rhs, target ID) int {
	return bytes.Compare(Distance(lhs, target), Distance(rhs, target))
}
