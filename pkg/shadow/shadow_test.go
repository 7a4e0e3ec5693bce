package shadow_test

import (
	"fmt"
	"testing"

	"github.com/BMGburger/sawbuck/pkg/shadow"
)

// testMem is a synthetic application memory region. The test shadow tables
// cover low addresses that do not exist in the test process, so reads go
// through this instead of real memory.
type testMem struct {
	base uintptr
	data []byte
}

func (m *testMem) ReadMemory(buf []byte, addr uintptr) (int, error) {
	if addr < m.base || addr+uintptr(len(buf)) > m.base+uintptr(len(m.data)) {
		return 0, fmt.Errorf("read outside of test region at %#x", addr)
	}
	copy(buf, m.data[addr-m.base:])
	return len(buf), nil
}

// newTestShadow returns a shadow covering an 8M address space, reading
// application memory from mem.
func newTestShadow(t *testing.T, mem shadow.MemoryReader) *shadow.Shadow {
	t.Helper()
	s, err := shadow.New(1<<20, mem)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNewRejectsUnalignedSize(t *testing.T) {
	if _, err := shadow.New(12345, nil); err == nil {
		t.Errorf("New(12345) = nil error; want page size error")
	}
}

func TestPoisonUnpoison(t *testing.T) {
	s := newTestShadow(t, nil)
	const addr, size = uintptr(0x20000), uintptr(64)

	s.Poison(addr, size, shadow.UserRedzoneMarker)
	for a := addr; a < addr+size; a++ {
		if m := s.MarkerAt(a); m != shadow.UserRedzoneMarker {
			t.Fatalf("MarkerAt(%#x) = %#x; want %#x", a, byte(m), byte(shadow.UserRedzoneMarker))
		}
		if s.IsAccessible(a) {
			t.Fatalf("IsAccessible(%#x) = true after Poison", a)
		}
	}
	if !s.IsAccessible(addr - 1) {
		t.Errorf("IsAccessible(%#x) = false outside the poisoned range", addr-1)
	}
	if !s.IsAccessible(addr + size) {
		t.Errorf("IsAccessible(%#x) = false outside the poisoned range", addr+size)
	}

	s.Unpoison(addr, size)
	for a := addr; a < addr+size; a++ {
		if !s.IsAccessible(a) {
			t.Fatalf("IsAccessible(%#x) = false after Unpoison", a)
		}
	}
}

func TestPoisonUnalignedStart(t *testing.T) {
	s := newTestShadow(t, nil)
	const addr = uintptr(0x20004)

	// [0x20004, 0x20010): the first granule keeps its first 4 bytes.
	s.Poison(addr, 12, shadow.UserRedzoneMarker)
	for off := uintptr(0); off < 4; off++ {
		if !s.IsAccessible(0x20000 + off) {
			t.Errorf("IsAccessible(%#x) = false; want true (before the poisoned range)", 0x20000+off)
		}
	}
	for off := uintptr(4); off < 8; off++ {
		if s.IsAccessible(0x20000 + off) {
			t.Errorf("IsAccessible(%#x) = true; want false", 0x20000+off)
		}
	}
	if m := s.MarkerAt(0x20000); m != shadow.Marker(4) {
		t.Errorf("MarkerAt(0x20000) = %#x; want the partial marker 04", byte(m))
	}
	if m := s.MarkerAt(0x20008); m != shadow.UserRedzoneMarker {
		t.Errorf("MarkerAt(0x20008) = %#x; want %#x", byte(m), byte(shadow.UserRedzoneMarker))
	}
}

func TestPoisonPanicsOnUnalignedEnd(t *testing.T) {
	s := newTestShadow(t, nil)
	defer func() {
		if recover() == nil {
			t.Errorf("Poison with an unaligned range end did not panic")
		}
	}()
	s.Poison(0x20000, 13, shadow.UserRedzoneMarker)
}

func TestUnpoisonTrailingRemainder(t *testing.T) {
	s := newTestShadow(t, nil)
	const addr = uintptr(0x20000)
	s.Poison(addr, 16, shadow.UserRedzoneMarker)

	s.Unpoison(addr, 11)
	for off := uintptr(0); off < 11; off++ {
		if !s.IsAccessible(addr + off) {
			t.Errorf("IsAccessible(%#x) = false after Unpoison", addr+off)
		}
	}
	for off := uintptr(11); off < 16; off++ {
		if s.IsAccessible(addr + off) {
			t.Errorf("IsAccessible(%#x) = true past the unpoisoned range", addr+off)
		}
	}
	if m := s.MarkerAt(addr + 8); m != shadow.Marker(3) {
		t.Errorf("MarkerAt(%#x) = %#x; want the partial marker 03", addr+8, byte(m))
	}
}

func TestMarkAsFreed(t *testing.T) {
	s := newTestShadow(t, nil)
	const addr = uintptr(0x20000)

	// 27 bytes touch four granules.
	s.MarkAsFreed(addr, 27)
	for a := addr; a < addr+32; a++ {
		if m := s.MarkerAt(a); m != shadow.HeapFreedMarker {
			t.Fatalf("MarkerAt(%#x) = %#x; want %#x", a, byte(m), byte(shadow.HeapFreedMarker))
		}
		if s.IsAccessible(a) {
			t.Fatalf("IsAccessible(%#x) = true for freed memory", a)
		}
	}
	if m := s.MarkerAt(addr + 32); m != shadow.AddressableMarker {
		t.Errorf("MarkerAt(%#x) = %#x; want addressable", addr+32, byte(m))
	}
}

func TestLowAddressesAreInvalid(t *testing.T) {
	s := newTestShadow(t, nil)
	for _, a := range []uintptr{0, 8, shadow.AddressLowerBound - 1} {
		if s.IsAccessible(a) {
			t.Errorf("IsAccessible(%#x) = true below the address lower bound", a)
		}
		if m := s.MarkerAt(a); m != shadow.InvalidAddressMarker {
			t.Errorf("MarkerAt(%#x) = %#x; want invalid", a, byte(m))
		}
	}
	if m := s.MarkerAt(s.UpperBound() + 123); m != shadow.InvalidAddressMarker {
		t.Errorf("MarkerAt above the upper bound = %#x; want invalid", byte(m))
	}
}

func TestReset(t *testing.T) {
	s := newTestShadow(t, nil)
	s.Poison(0x20000, 64, shadow.ReservedMarker)
	s.Reset()
	if m := s.MarkerAt(0x20000); m != shadow.AddressableMarker {
		t.Errorf("MarkerAt(0x20000) = %#x after Reset; want addressable", byte(m))
	}
	if m := s.MarkerAt(0); m != shadow.InvalidAddressMarker {
		t.Errorf("MarkerAt(0) = %#x after Reset; want invalid", byte(m))
	}
}

func TestCloneShadowRange(t *testing.T) {
	s := newTestShadow(t, nil)
	const src, dst = uintptr(0x20000), uintptr(0x30000)

	s.Poison(src, 8, shadow.UserRedzoneMarker)
	s.Unpoison(src+8, 3) // partial granule
	s.Poison(src+16, 8, shadow.ReservedMarker)

	s.CloneShadowRange(src, dst, 24)
	for off := uintptr(0); off < 24; off++ {
		if got, want := s.MarkerAt(dst+off), s.MarkerAt(src+off); got != want {
			t.Errorf("MarkerAt(%#x) = %#x; want %#x", dst+off, byte(got), byte(want))
		}
	}
}

func TestCloneShadowRangePanicsOnUnaligned(t *testing.T) {
	s := newTestShadow(t, nil)
	defer func() {
		if recover() == nil {
			t.Errorf("CloneShadowRange with unaligned size did not panic")
		}
	}()
	s.CloneShadowRange(0x20000, 0x30000, 12)
}

func TestNullTerminatedArraySize(t *testing.T) {
	mem := &testMem{base: 0x20000, data: make([]byte, 0x100)}
	s := newTestShadow(t, mem)
	const addr = uintptr(0x20000)

	copy(mem.data, "abc\x00")
	size, ok := s.NullTerminatedArraySize(addr, 0, 1)
	if !ok || size != 4 {
		t.Errorf("NullTerminatedArraySize(%q) = %d, %v; want 4, true", "abc\\0", size, ok)
	}
}

func TestNullTerminatedArraySizeInaccessible(t *testing.T) {
	mem := &testMem{base: 0x20000, data: make([]byte, 0x100)}
	s := newTestShadow(t, mem)
	const addr = uintptr(0x20000)

	copy(mem.data, "abcdef")
	// Only the first 3 bytes of the granule are accessible.
	s.Poison(addr+3, 5, shadow.UserRedzoneMarker)
	size, ok := s.NullTerminatedArraySize(addr, 0, 1)
	if ok || size != 3 {
		t.Errorf("NullTerminatedArraySize = %d, %v; want 3, false", size, ok)
	}
}

func TestNullTerminatedArraySizeWide(t *testing.T) {
	mem := &testMem{base: 0x20000, data: make([]byte, 0x100)}
	s := newTestShadow(t, mem)
	const addr = uintptr(0x20000)

	copy(mem.data, []byte{'a', 'b', 0, 0})
	size, ok := s.NullTerminatedArraySize(addr, 0, 2)
	if !ok || size != 4 {
		t.Errorf("NullTerminatedArraySize(width 2) = %d, %v; want 4, true", size, ok)
	}
}

func TestNullTerminatedArraySizeMaxSize(t *testing.T) {
	mem := &testMem{base: 0x20000, data: make([]byte, 0x100)}
	s := newTestShadow(t, mem)
	const addr = uintptr(0x20000)

	copy(mem.data, "aaaaaaaaaaaaaaaa")
	size, ok := s.NullTerminatedArraySize(addr, 8, 1)
	if ok || size != 8 {
		t.Errorf("NullTerminatedArraySize(maxSize 8) = %d, %v; want 8, false", size, ok)
	}
}
