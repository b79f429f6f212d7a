// Package visited provides a reusable visited-node set for graph traversal.
package visited

import "github.com/velodb/velo/core"

// Set tracks visited nodes using a bitset plus a dirty list so Reset is
// proportional to the number of nodes actually touched, not the capacity.
type Set struct {
	bits  []uint64
	dirty []core.LocalID
}

// New creates a set sized for the given number of nodes.
func New(capacity int) *Set {
	return &Set{
		bits:  make([]uint64, (capacity+63)/64),
		dirty: make([]core.LocalID, 0, 128),
	}
}

// Visit marks a node as visited.
func (s *Set) Visit(id core.LocalID) {
	word := int(id >> 6)
	mask := uint64(1) << (id & 63)

	if word >= len(s.bits) {
		s.grow(word + 1)
	}

	if s.bits[word]&mask == 0 {
		s.bits[word] |= mask
		s.dirty = append(s.dirty, id)
	}
}

// Visited returns true if the node has been visited since the last Reset.
func (s *Set) Visited(id core.LocalID) bool {
	word := int(id >> 6)
	if word >= len(s.bits) {
		return false
	}
	return s.bits[word]&(uint64(1)<<(id&63)) != 0
}

// Reset clears the visited marks of the current traversal.
func (s *Set) Reset() {
	for _, id := range s.dirty {
		s.bits[id>>6] &^= uint64(1) << (id & 63)
	}
	s.dirty = s.dirty[:0]
}

func (s *Set) grow(words int) {
	next := len(s.bits) * 2
	if next < words {
		next = words
	}
	bits := make([]uint64, next)
	copy(bits, s.bits)
	s.bits = bits
}
