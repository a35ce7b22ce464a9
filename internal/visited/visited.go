// Package visited tracks visited node slots during graph traversal.
package visited

import "github.com/bits-and-blooms/bitset"

// Set is a reusable visited-slot set backed by a bitset.
type Set struct {
	bits *bitset.BitSet
}

// New creates a Set sized for the given number of slots. The set grows
// on demand.
func New(size uint) *Set {
	return &Set{bits: bitset.New(size)}
}

// Visit marks slot as visited.
func (s *Set) Visit(slot uint32) { s.bits.Set(uint(slot)) }

// Visited reports whether slot was visited.
func (s *Set) Visited(slot uint32) bool { return s.bits.Test(uint(slot)) }

// Reset clears the set, retaining capacity.
func (s *Set) Reset() { s.bits.ClearAll() }
