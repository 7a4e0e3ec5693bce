package shadow

import "fmt"

// BlockInfo describes the physical layout of one tracked heap block. It is
// the contract between the allocator and the shadow: the allocator fills
// one in when poisoning a fresh block, and BlockInfoFromShadow rebuilds an
// identical one from shadow state alone.
//
// A block is laid out as header granules (the block start granule plus
// left redzone), the user body, and a right redzone holding the trailer.
// The header struct itself may sit HeaderOffset bytes into the first
// granule to satisfy alignment requirements.
type BlockInfo struct {
	// Block is the granule aligned address of the whole allocation.
	Block uintptr
	// BlockSize is the total size of the allocation, a multiple of the
	// granule size.
	BlockSize uintptr
	// HeaderOffset is the offset of the block header within the first
	// granule, in [0, 8).
	HeaderOffset uintptr
	// Body is the granule aligned address of the user visible body.
	Body uintptr
	// BodySize is the usable size requested by the instrumented code. It
	// need not be a multiple of the granule size.
	BodySize uintptr
	// TrailerSize is the number of bytes between the end of the body and
	// the end of the block.
	TrailerSize uintptr
}

// Header returns the address of the block header.
func (b *BlockInfo) Header() uintptr {
	return b.Block + b.HeaderOffset
}

// Trailer returns the address of the first byte past the body.
func (b *BlockInfo) Trailer() uintptr {
	return b.Body + b.BodySize
}

func (b *BlockInfo) validate() error {
	switch {
	case b.Block&(ShadowRatio-1) != 0:
		return fmt.Errorf("block %#x not granule aligned", b.Block)
	case b.BlockSize&(ShadowRatio-1) != 0:
		return fmt.Errorf("block size %#x not a granule multiple", b.BlockSize)
	case b.HeaderOffset >= ShadowRatio:
		return fmt.Errorf("header offset %d out of range", b.HeaderOffset)
	case b.Body&(ShadowRatio-1) != 0:
		return fmt.Errorf("body %#x not granule aligned", b.Body)
	case b.Body < b.Block+ShadowRatio:
		return fmt.Errorf("block needs at least one header granule")
	case b.TrailerSize != b.Block+b.BlockSize-b.Body-b.BodySize:
		return fmt.Errorf("trailer size %d inconsistent with block layout", b.TrailerSize)
	case b.Block+b.BlockSize < roundUp(b.Body+b.BodySize)+ShadowRatio:
		return fmt.Errorf("right redzone needs at least one full granule")
	}
	return nil
}

func roundUp(addr uintptr) uintptr {
	return (addr + ShadowRatio - 1) &^ uintptr(ShadowRatio-1)
}

// PoisonAllocatedBlock writes the shadow state for a freshly allocated
// block: a block start marker carrying the header offset, left redzone
// over the remaining header granules, an accessible body with a partial
// marker on a trailing incomplete granule, and right redzone over the
// trailer with the final granule carrying the block end marker. Nothing is
// read or written in the block itself.
func (s *Shadow) PoisonAllocatedBlock(info BlockInfo) {
	if err := info.validate(); err != nil {
		panic("shadow: PoisonAllocatedBlock: " + err.Error())
	}
	first := s.index(info.Block)
	last := s.index(info.Block + info.BlockSize - 1)

	s.table[first] = byte(BlockStartMarker0 | Marker(info.HeaderOffset))
	bodyIdx := info.Body >> shadowRatioLog
	for i := first + 1; i < bodyIdx; i++ {
		s.table[i] = byte(HeapLeftRedzoneMarker)
	}
	for i := bodyIdx; i < (info.Body+info.BodySize)>>shadowRatioLog; i++ {
		s.table[i] = byte(AddressableMarker)
	}
	rightIdx := (info.Body + info.BodySize) >> shadowRatioLog
	if mod := info.BodySize & (ShadowRatio - 1); mod != 0 {
		s.table[rightIdx] = byte(mod)
		rightIdx++
	}
	for i := rightIdx; i < last; i++ {
		s.table[i] = byte(HeapRightRedzoneMarker)
	}
	s.table[last] = byte(HeapBlockEndMarker)
}

// BlockInfoFromShadow inspects the shadow to determine the layout of the
// block containing addr, reading nothing from the block itself. Returns
// false if addr is not inside a recognizable block.
//
// For a block nested inside another tracked block this returns the
// innermost containing block; layouts beyond the innermost match are not
// recoverable. This is a known limitation.
func (s *Shadow) BlockInfoFromShadow(addr uintptr) (BlockInfo, bool) {
	var info BlockInfo
	idx := addr >> shadowRatioLog
	limit := uintptr(len(s.table))
	if idx >= limit {
		return info, false
	}

	// Walk left to the innermost block start marker.
	low := AddressLowerBound >> shadowRatioLog
	for !Marker(s.table[idx]).IsBlockStart() {
		if idx <= low {
			return info, false
		}
		idx--
	}
	start := idx
	info.Block = start << shadowRatioLog
	info.HeaderOffset = Marker(s.table[start]).HeaderOffset()

	// Header granules up to the first accessible or freed granule.
	i := start + 1
	for i < limit && Marker(s.table[i]) == HeapLeftRedzoneMarker {
		i++
	}
	if i == limit {
		return BlockInfo{}, false
	}
	info.Body = i << shadowRatioLog

	// Body granules. A freed block's body reads back granule rounded,
	// since the partial marker is overwritten when it is freed.
	for i < limit && (Marker(s.table[i]) == AddressableMarker || Marker(s.table[i]) == HeapFreedMarker) {
		info.BodySize += ShadowRatio
		i++
	}
	if i < limit && Marker(s.table[i]).IsAccessible() && s.table[i] != 0 {
		info.BodySize += uintptr(s.table[i])
		i++
	}

	// Right redzone up to and including the block end marker.
	for i < limit && Marker(s.table[i]) == HeapRightRedzoneMarker {
		i++
	}
	if i == limit || Marker(s.table[i]) != HeapBlockEndMarker {
		return BlockInfo{}, false
	}
	i++

	end := i << shadowRatioLog
	if addr >= end {
		return BlockInfo{}, false
	}
	info.BlockSize = end - info.Block
	info.TrailerSize = end - (info.Body + info.BodySize)
	return info, true
}

// AllocSize calculates the total allocation size of the block containing
// addr from the shadow. Returns 0 if no valid block is found. Does not
// work for nested blocks.
func (s *Shadow) AllocSize(addr uintptr) uintptr {
	info, ok := s.BlockInfoFromShadow(addr)
	if !ok {
		return 0
	}
	return info.BlockSize
}

// BlockBeginning finds the granule aligned beginning of the block
// containing addr. This may not be the block header itself, depending on
// alignment requirements. Does not work for nested blocks.
func (s *Shadow) BlockBeginning(addr uintptr) (uintptr, bool) {
	info, ok := s.BlockInfoFromShadow(addr)
	if !ok {
		return 0, false
	}
	return info.Block, true
}

// BlockHeader returns the address of the header of the block containing
// addr, recovered from the offset bits of the block start marker. Does not
// work for nested blocks.
func (s *Shadow) BlockHeader(addr uintptr) (uintptr, bool) {
	info, ok := s.BlockInfoFromShadow(addr)
	if !ok {
		return 0, false
	}
	return info.Header(), true
}

// IsBlockStart returns true if addr falls in the starting granule of a
// block.
func (s *Shadow) IsBlockStart(addr uintptr) bool {
	return s.MarkerAt(addr).IsBlockStart()
}

// IsLeftRedzone returns true if addr falls in the left redzone of a block,
// including its header.
func (s *Shadow) IsLeftRedzone(addr uintptr) bool {
	m := s.MarkerAt(addr)
	return m == HeapLeftRedzoneMarker || m.IsBlockStart()
}

// IsRightRedzone returns true if addr falls in the right redzone of a
// block, including its trailer.
func (s *Shadow) IsRightRedzone(addr uintptr) bool {
	m := s.MarkerAt(addr)
	return m == HeapRightRedzoneMarker || m == HeapBlockEndMarker
}
