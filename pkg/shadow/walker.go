package shadow

import "fmt"

// Walker enumerates the blocks contained in a memory region using only the
// metadata present in the shadow, without any per-block bookkeeping. It
// reports the granule aligned beginning of each block, which may not be
// the block header itself.
type Walker struct {
	s          *Shadow
	lowerBound uintptr
	upperBound uintptr
	next       uintptr
}

// NewWalker returns a Walker covering [lowerBound, upperBound) of the
// application address space.
func NewWalker(s *Shadow, lowerBound, upperBound uintptr) (*Walker, error) {
	if lowerBound > upperBound || upperBound > s.UpperBound() {
		return nil, fmt.Errorf("shadow: walker bounds [%#x, %#x) out of range", lowerBound, upperBound)
	}
	w := &Walker{s: s, lowerBound: lowerBound, upperBound: upperBound}
	w.Reset()
	return w, nil
}

// Next returns the beginning of the next block in the region, or false
// when no block remains. Nested blocks are reported in address order,
// outer block first.
func (w *Walker) Next() (uintptr, bool) {
	for w.next < w.upperBound {
		addr := w.next
		w.next += ShadowRatio
		if w.s.MarkerAt(addr).IsBlockStart() {
			return addr, true
		}
	}
	return 0, false
}

// Reset rewinds the walker to its initial state.
func (w *Walker) Reset() {
	w.next = w.lowerBound &^ uintptr(ShadowRatio-1)
}
