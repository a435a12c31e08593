// Package xslices holds small generic slice helpers used across the
// runtime.
package xslices

import (
	"golang.org/x/exp/constraints"
)

// Map executes the given function sequentially for every element on in, and
// returns a mapped slice.
func Map[In, Out any](in []In, fn func(e In) Out) (out []Out) {
	out = make([]Out, len(in))
	for i, e := range in {
		out[i] = fn(e)
	}
	return
}

// Iota returns a slice of the given size with values {start, start+1, ...}.
func Iota[T constraints.Integer | constraints.Float](start T, size int) []T {
	s := make([]T, size)
	for i := range s {
		s[i] = start + T(i)
	}
	return s
}
