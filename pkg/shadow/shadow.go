// Package shadow maintains the shadow memory table of the sawbuck heap
// instrumentation runtime. Every eight byte aligned group of application
// bytes (a granule) is described by one shadow byte, which records whether
// those bytes may be accessed and, when they may not, why. Block layout is
// recoverable from the shadow alone, without reading the blocks themselves.
//
// The table is not internally synchronized. The owning allocator must
// serialize mutations of overlapping ranges; concurrent reads racing a
// write to the same granule may observe either value.
package shadow

import (
	"fmt"
	"os"

	"github.com/BMGburger/sawbuck/pkg/logflags"
)

const (
	// shadowRatioLog is the log2 of the number of application bytes
	// covered by one shadow byte.
	shadowRatioLog = 3

	// ShadowRatio is the number of application bytes covered by one
	// shadow byte.
	ShadowRatio = 1 << shadowRatioLog

	// AddressLowerBound is the lowest valid application address. The
	// first 64k of the address space are never addressable.
	AddressLowerBound uintptr = 0x10000

	// DefaultShadowSize covers a 2G address space at the 8:1 ratio.
	DefaultShadowSize uintptr = 1 << (31 - shadowRatioLog)
)

// Shadow holds one shadow table and answers accessibility queries against
// it. The zero value is not usable; use New.
type Shadow struct {
	table []byte
	mem   MemoryReader
}

// New returns a Shadow whose table is size bytes long, covering application
// addresses [0, size*8). size must be a non-zero multiple of the system
// page size. mem is used to read application memory during terminator
// scans; if nil, the current process' memory is read directly.
func New(size uintptr, mem MemoryReader) (*Shadow, error) {
	pgsz := uintptr(os.Getpagesize())
	if size == 0 || size%pgsz != 0 {
		return nil, fmt.Errorf("shadow table size %#x is not a multiple of the page size %#x", size, pgsz)
	}
	if size<<shadowRatioLog < AddressLowerBound {
		return nil, fmt.Errorf("shadow table size %#x does not cover the address lower bound", size)
	}
	table, err := allocTable(size)
	if err != nil {
		return nil, err
	}
	if mem == nil {
		mem = Native()
	}
	s := &Shadow{table: table, mem: mem}
	s.Reset()
	return s, nil
}

// Close releases the shadow table. The Shadow must not be used afterwards.
func (s *Shadow) Close() error {
	table := s.table
	s.table = nil
	return freeTable(table)
}

// UpperBound returns the first application address past the range covered
// by this shadow table.
func (s *Shadow) UpperBound() uintptr {
	return uintptr(len(s.table)) << shadowRatioLog
}

// Reset reinitializes the whole table: everything addressable except the
// reserved low pages, which are marked invalid.
func (s *Shadow) Reset() {
	for i := range s.table {
		s.table[i] = 0
	}
	for i := uintptr(0); i < AddressLowerBound>>shadowRatioLog; i++ {
		s.table[i] = byte(InvalidAddressMarker)
	}
}

// index returns the table index of the granule containing addr, panicking
// if addr is outside the covered range. Mutating operations must keep the
// index in range; going out of range is a caller bug.
func (s *Shadow) index(addr uintptr) uintptr {
	index := addr >> shadowRatioLog
	if index >= uintptr(len(s.table)) {
		panic(fmt.Sprintf("shadow: address %#x outside of the covered range [0, %#x)", addr, s.UpperBound()))
	}
	return index
}

// Poison marks size bytes starting at addr with the given marker. The end
// of the range must fall on a granule boundary. If addr is not granule
// aligned the leading granule is marked partially accessible instead, with
// its first addr%8 bytes remaining accessible.
func (s *Shadow) Poison(addr, size uintptr, marker Marker) {
	if (addr+size)&(ShadowRatio-1) != 0 {
		panic(fmt.Sprintf("shadow: Poison range end %#x not granule aligned", addr+size))
	}
	index := s.index(addr)
	start := addr & (ShadowRatio - 1)
	if start != 0 {
		s.table[index] = byte(start)
		index++
	}
	n := size >> shadowRatioLog
	if index+n > uintptr(len(s.table)) {
		panic(fmt.Sprintf("shadow: Poison range [%#x, %#x) outside of the covered range", addr, addr+size))
	}
	for i := uintptr(0); i < n; i++ {
		s.table[index+i] = byte(marker)
	}
}

// Unpoison marks size bytes starting at addr as accessible. addr must be
// granule aligned. A trailing partial granule is marked partially
// accessible.
func (s *Shadow) Unpoison(addr, size uintptr) {
	if addr&(ShadowRatio-1) != 0 {
		panic(fmt.Sprintf("shadow: Unpoison address %#x not granule aligned", addr))
	}
	index := s.index(addr)
	remainder := size & (ShadowRatio - 1)
	n := size >> shadowRatioLog
	if index+n > uintptr(len(s.table)) {
		panic(fmt.Sprintf("shadow: Unpoison range [%#x, %#x) outside of the covered range", addr, addr+size))
	}
	for i := uintptr(0); i < n; i++ {
		s.table[index+i] = byte(AddressableMarker)
	}
	if remainder != 0 {
		s.table[index+n] = byte(remainder)
	}
}

// MarkAsFreed marks every granule touched by [addr, addr+size) with the
// freed body marker.
func (s *Shadow) MarkAsFreed(addr, size uintptr) {
	index := s.index(addr)
	end := (addr + size + ShadowRatio - 1) >> shadowRatioLog
	if end > uintptr(len(s.table)) {
		panic(fmt.Sprintf("shadow: MarkAsFreed range [%#x, %#x) outside of the covered range", addr, addr+size))
	}
	for i := index; i < end; i++ {
		s.table[i] = byte(HeapFreedMarker)
	}
}

// IsAccessible returns true if the byte at addr may be accessed.
func (s *Shadow) IsAccessible(addr uintptr) bool {
	index := addr >> shadowRatioLog
	if index >= uintptr(len(s.table)) {
		return false
	}
	m := s.table[index]
	if m == 0 {
		return true
	}
	if m < ShadowRatio {
		// Partially accessible granule, the first m bytes are valid.
		return addr&(ShadowRatio-1) < uintptr(m)
	}
	return false
}

// MarkerAt returns the raw marker of the granule containing addr.
// Addresses outside the covered range report as invalid.
func (s *Shadow) MarkerAt(addr uintptr) Marker {
	index := addr >> shadowRatioLog
	if index >= uintptr(len(s.table)) {
		return InvalidAddressMarker
	}
	return Marker(s.table[index])
}

// CloneShadowRange copies the shadow state of [src, src+size) over the
// shadow state of [dst, dst+size). Both addresses and the size must be
// granule aligned. Used when a block's underlying memory is relocated.
func (s *Shadow) CloneShadowRange(src, dst, size uintptr) {
	if src&(ShadowRatio-1) != 0 || dst&(ShadowRatio-1) != 0 || size&(ShadowRatio-1) != 0 {
		panic(fmt.Sprintf("shadow: CloneShadowRange src %#x dst %#x size %#x not granule aligned", src, dst, size))
	}
	n := size >> shadowRatioLog
	si := s.index(src)
	di := s.index(dst)
	if si+n > uintptr(len(s.table)) || di+n > uintptr(len(s.table)) {
		panic("shadow: CloneShadowRange outside of the covered range")
	}
	copy(s.table[di:di+n], s.table[si:si+n])
}

// NullTerminatedArraySize scans forward from addr in steps of width bytes
// looking for an element of width zero bytes inside a contiguous
// accessible region. On success it returns the length of the array
// including the terminator, and true. If an inaccessible byte is reached
// first it returns the offset of that byte and false. A non-zero maxSize
// bounds the scan; the terminator must appear within it. width must be
// 1, 2, 4 or 8.
func (s *Shadow) NullTerminatedArraySize(addr, maxSize uintptr, width int) (uintptr, bool) {
	switch width {
	case 1, 2, 4, 8:
	default:
		panic(fmt.Sprintf("shadow: invalid element width %d", width))
	}
	buf := make([]byte, width)
	var size uintptr
	for {
		for i := uintptr(0); i < uintptr(width); i++ {
			if !s.IsAccessible(addr + size + i) {
				return size + i, false
			}
		}
		if maxSize != 0 && size+uintptr(width) > maxSize {
			return maxSize, false
		}
		if _, err := s.mem.ReadMemory(buf, addr+size); err != nil {
			return size, false
		}
		size += uintptr(width)
		zero := true
		for _, b := range buf {
			if b != 0 {
				zero = false
				break
			}
		}
		if zero {
			return size, true
		}
	}
}

// The process wide shadow instance, explicitly constructed so tests can
// run private instances side by side.
var defaultShadow *Shadow

// SetUp initializes the process wide shadow table.
func SetUp() error {
	if defaultShadow != nil {
		return fmt.Errorf("shadow: already set up")
	}
	s, err := New(DefaultShadowSize, nil)
	if err != nil {
		return err
	}
	defaultShadow = s
	if logflags.Shadow() {
		logflags.ShadowLogger().Debugf("shadow table set up: %d bytes covering [0, %#x)", len(s.table), s.UpperBound())
	}
	return nil
}

// TearDown releases the process wide shadow table.
func TearDown() error {
	if defaultShadow == nil {
		return fmt.Errorf("shadow: not set up")
	}
	s := defaultShadow
	defaultShadow = nil
	return s.Close()
}

// Default returns the process wide shadow instance, or nil before SetUp.
func Default() *Shadow {
	return defaultShadow
}
