// Package bitset provides the chunk-indexed read/write bitsets used by
// internal/chunkedfile and internal/openfile, plus the textual
// little-endian hex serialization spec §9 requires for resume records.
// Built atop github.com/willf/bitset (pulled into this module's
// dependency surface the same way grailbio-base's go.mod does) rather
// than hand-rolled, per the rule that a real pack library always wins
// over a stdlib-only reimplementation.
package bitset

import (
	"encoding/hex"
	"fmt"

	wbs "github.com/willf/bitset"
)

// Set is a dynamic bitset indexed by chunk number.
type Set struct {
	bits *wbs.BitSet
	len  uint
}

// New creates a Set able to address indices [0, length).
func New(length uint) *Set {
	return &Set{bits: wbs.New(length), len: length}
}

// Len returns the number of addressable bits (ceil(size/chunk_size)).
func (s *Set) Len() uint {
	return s.len
}

func (s *Set) Test(i uint) bool {
	if s == nil || i >= s.len {
		return false
	}
	return s.bits.Test(i)
}

func (s *Set) Set(i uint) {
	if i >= s.len {
		return
	}
	s.bits.Set(i)
}

func (s *Set) Clear(i uint) {
	if i >= s.len {
		return
	}
	s.bits.Clear(i)
}

// All reports whether every addressable bit is set. An empty (zero
// length) set is vacuously "all set" per spec §3 "handles bitsets that
// are empty... without special cases at use sites".
func (s *Set) All() bool {
	if s == nil || s.len == 0 {
		return true
	}
	return s.bits.Count() == uint(s.len)
}

// IsSubsetOf reports whether every bit set in s is also set in other —
// used to check the write_state ⊆ read_state invariant (spec §8 #1).
func (s *Set) IsSubsetOf(other *Set) bool {
	if s == nil || s.len == 0 {
		return true
	}
	n := s.len
	if other == nil {
		return false
	}
	for i := uint(0); i < n; i++ {
		if s.Test(i) && !other.Test(i) {
			return false
		}
	}
	return true
}

// Resize grows or shrinks the set in place, preserving existing bits
// in the retained range and zeroing any newly added range.
func (s *Set) Resize(newLen uint) {
	if newLen == s.len {
		return
	}
	nb := wbs.New(newLen)
	limit := newLen
	if s.len < limit {
		limit = s.len
	}
	for i := uint(0); i < limit; i++ {
		if s.bits.Test(i) {
			nb.Set(i)
		}
	}
	s.bits = nb
	s.len = newLen
}

// ToHex serializes the set as a textual little-endian hex string, one
// byte per 8 chunks, low bit = lowest chunk index in that byte (spec §9).
func (s *Set) ToHex() string {
	if s == nil || s.len == 0 {
		return ""
	}
	nbytes := (s.len + 7) / 8
	buf := make([]byte, nbytes)
	for i := uint(0); i < s.len; i++ {
		if s.bits.Test(i) {
			buf[i/8] |= 1 << (i % 8)
		}
	}
	return hex.EncodeToString(buf)
}

// FromHex reconstructs a Set of the given length from a string
// produced by ToHex. An empty string with length 0 is valid.
func FromHex(length uint, s string) (*Set, error) {
	out := New(length)
	if length == 0 {
		return out, nil
	}
	buf, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("bitset: invalid hex: %w", err)
	}
	for i := uint(0); i < length; i++ {
		byteIdx := i / 8
		if byteIdx >= uint(len(buf)) {
			break
		}
		if buf[byteIdx]&(1<<(i%8)) != 0 {
			out.bits.Set(i)
		}
	}
	return out, nil
}
