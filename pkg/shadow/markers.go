package shadow

// Marker is the value of one shadow byte. It describes the accessibility
// of the eight bytes of application memory covered by that shadow byte,
// and for inaccessible ranges encodes why they are inaccessible.
//
// The values of AddressableMarker, the partial range 0x01-0x07,
// HeapLeftRedzoneMarker, HeapRightRedzoneMarker and HeapFreedMarker match
// the encoding used by ASan itself and must not be changed: external
// tooling built against that encoding reads this table directly.
type Marker byte

const (
	// AddressableMarker marks a range of bytes that is either unknown or
	// explicitly accessible.
	AddressableMarker Marker = 0x00

	// Values 0x01 through 0x07 indicate that a range of bytes is partially
	// accessible: value k means the first k bytes of the granule are
	// accessible and the remaining 8-k are not.

	// NonAccessibleMask is set on every marker describing a completely
	// inaccessible range of bytes. The remaining bits encode additional
	// metadata about why the bytes are inaccessible.
	NonAccessibleMask Marker = 0xe0

	// Markers 0xe8 through 0xef mark the first granule of a block. The
	// trailing 3 bits encode the offset of the block header within that
	// granule, which allows full introspection of blocks via the shadow.
	BlockStartMarker0 Marker = 0xe8
	BlockStartMarker1 Marker = 0xe9
	BlockStartMarker2 Marker = 0xea
	BlockStartMarker3 Marker = 0xeb
	BlockStartMarker4 Marker = 0xec
	BlockStartMarker5 Marker = 0xed
	BlockStartMarker6 Marker = 0xee
	BlockStartMarker7 Marker = 0xef

	// RuntimeMemoryMarker covers memory used by the runtime's own
	// bookkeeping structures.
	RuntimeMemoryMarker Marker = 0xf1

	// InvalidAddressMarker covers addresses that are simply invalid and
	// can never be accessed by user code.
	InvalidAddressMarker Marker = 0xf2

	// UserRedzoneMarker covers bytes of a live allocation that were
	// redzoned through the runtime API.
	UserRedzoneMarker Marker = 0xf3

	// HeapBlockEndMarker marks the last granule of a block. It is part of
	// the right redzone.
	HeapBlockEndMarker Marker = 0xf4

	// HeapLeftRedzoneMarker covers the left redzone (block header padding).
	HeapLeftRedzoneMarker Marker = 0xfa

	// HeapRightRedzoneMarker covers the right redzone (block trailer and
	// padding).
	HeapRightRedzoneMarker Marker = 0xfb

	// ReservedMarker covers memory reserved from the OS for the heap but
	// not yet handed out.
	ReservedMarker Marker = 0xfc

	// HeapFreedMarker covers the body of a block that has been freed.
	HeapFreedMarker Marker = 0xfd
)

// blockStartOffsetMask extracts the header offset bits of a block start marker.
const blockStartOffsetMask Marker = 0x07

// IsBlockStart returns true if m is one of the eight block start markers.
func (m Marker) IsBlockStart() bool {
	return m&^blockStartOffsetMask == BlockStartMarker0
}

// IsAccessible returns true if m covers a granule that is at least
// partially accessible.
func (m Marker) IsAccessible() bool {
	return m&NonAccessibleMask == 0
}

// HeaderOffset returns the offset of the block header within the granule
// marked by a block start marker.
func (m Marker) HeaderOffset() uintptr {
	return uintptr(m & blockStartOffsetMask)
}

func (m Marker) String() string {
	switch {
	case m == AddressableMarker:
		return "addressable"
	case m.IsAccessible():
		return "partially addressable"
	case m.IsBlockStart():
		return "block start"
	}
	switch m {
	case RuntimeMemoryMarker:
		return "runtime memory"
	case InvalidAddressMarker:
		return "invalid address"
	case UserRedzoneMarker:
		return "user redzone"
	case HeapBlockEndMarker:
		return "block end"
	case HeapLeftRedzoneMarker:
		return "left redzone"
	case HeapRightRedzoneMarker:
		return "right redzone"
	case ReservedMarker:
		return "reserved"
	case HeapFreedMarker:
		return "freed"
	}
	return "unknown"
}
