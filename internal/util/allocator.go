// Package util holds small data structures shared by the client engine.
package util

import "math/bits"

// IntAllocator hands out integers from [min, max], lowest free first.
// It is not safe for concurrent use.
type IntAllocator struct {
	min, max int
	words    []uint64 // set bit = allocated
	used     int
}

// NewIntAllocator creates a new integer allocator
func NewIntAllocator(min, max int) *IntAllocator {
	if max < min {
		max = min - 1
	}
	return &IntAllocator{
		min:   min,
		max:   max,
		words: make([]uint64, (max-min+64)/64),
	}
}

// Allocate returns the lowest free integer, or false when none remain.
func (a *IntAllocator) Allocate() (int, bool) {
	for w, word := range a.words {
		if word == ^uint64(0) {
			continue
		}
		bit := bits.TrailingZeros64(^word)
		n := a.min + w*64 + bit
		if n > a.max {
			return 0, false
		}
		a.words[w] |= 1 << bit
		a.used++
		return n, true
	}
	return 0, false
}

// Free releases an integer back to the pool
func (a *IntAllocator) Free(n int) bool {
	w, mask, ok := a.locate(n)
	if !ok || a.words[w]&mask == 0 {
		return false
	}
	a.words[w] &^= mask
	a.used--
	return true
}

// Reserve marks a specific integer as allocated
func (a *IntAllocator) Reserve(n int) bool {
	w, mask, ok := a.locate(n)
	if !ok || a.words[w]&mask != 0 {
		return false
	}
	a.words[w] |= mask
	a.used++
	return true
}

// Available returns number of available integers
func (a *IntAllocator) Available() int {
	return a.max - a.min + 1 - a.used
}

func (a *IntAllocator) locate(n int) (int, uint64, bool) {
	if n < a.min || n > a.max {
		return 0, 0, false
	}
	off := n - a.min
	return off / 64, 1 << (off % 64), true
}
