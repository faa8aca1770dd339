package syncer

import (
	"math/bits"
	"strconv"
	"strings"

	"github.com/vango-dev/scenesync/pkg/protocol"
)

// MaxHosts is the number of peer slots.
const MaxHosts = protocol.MaxHosts

// PeerSet is a set of connection indices.
type PeerSet [1]uint32

// Peers returns a set holding the given indices.
func Peers(idx ...int) PeerSet {
	var s PeerSet
	for _, i := range idx {
		s.Add(i)
	}
	return s
}

// Add inserts i. Indices outside [0, MaxHosts) are ignored.
func (s *PeerSet) Add(i int) {
	if i < 0 || i >= MaxHosts {
		return
	}
	s[0] |= 1 << uint(i)
}

// Remove deletes i.
func (s *PeerSet) Remove(i int) {
	if i < 0 || i >= MaxHosts {
		return
	}
	s[0] &^= 1 << uint(i)
}

// Has reports whether i is in the set.
func (s PeerSet) Has(i int) bool {
	return i >= 0 && i < MaxHosts && s[0]&(1<<uint(i)) != 0
}

// Union returns s ∪ o.
func (s PeerSet) Union(o PeerSet) PeerSet { return PeerSet{s[0] | o[0]} }

// Intersect returns s ∩ o.
func (s PeerSet) Intersect(o PeerSet) PeerSet { return PeerSet{s[0] & o[0]} }

// Without returns s minus o.
func (s PeerSet) Without(o PeerSet) PeerSet { return PeerSet{s[0] &^ o[0]} }

// Empty reports whether the set has no members.
func (s PeerSet) Empty() bool { return s[0] == 0 }

// Len returns the number of members.
func (s PeerSet) Len() int { return bits.OnesCount32(s[0]) }

// Mask returns the set as a wire mask.
func (s PeerSet) Mask() uint32 { return s[0] }

// First returns the lowest member, or -1.
func (s PeerSet) First() int {
	if s[0] == 0 {
		return -1
	}
	return bits.TrailingZeros32(s[0])
}

// Each calls fn for every member in ascending order until fn returns false.
func (s PeerSet) Each(fn func(i int) bool) {
	for m := s[0]; m != 0; m &= m - 1 {
		if !fn(bits.TrailingZeros32(m)) {
			return
		}
	}
}

func (s PeerSet) String() string {
	var sb strings.Builder
	sb.WriteByte('{')
	first := true
	s.Each(func(i int) bool {
		if !first {
			sb.WriteByte(',')
		}
		first = false
		sb.WriteString(strconv.Itoa(i))
		return true
	})
	sb.WriteByte('}')
	return sb.String()
}
