package stackcapture

import (
	"fmt"
	"os"
	"unsafe"
)

// DefaultCachePageSize is the default size of one capture page, in bytes.
// Page sizes in the hundreds of KB or low MBs give a pooled allocator that
// holds hundreds to thousands of captures while keeping incremental growth
// small.
const DefaultCachePageSize = 1024 * 1024

// CachePage is a fixed capacity bump allocated arena of stack captures.
// Pages form a singly linked list so the whole pool can be torn down at
// once; within a page only the most recently allocated capture can be
// returned.
type CachePage struct {
	next      *CachePage
	bytesUsed uintptr
	data      []byte
}

// newCachePage links a new page in front of next. size must be a non-zero
// multiple of the system page size; the cache validates its configured
// size once at construction, so violations here are internal bugs.
func newCachePage(next *CachePage, size int) *CachePage {
	pgsz := os.Getpagesize()
	if size <= 0 || size%pgsz != 0 {
		panic(fmt.Sprintf("stackcapture: page size %d is not a multiple of the system page size %d", size, pgsz))
	}
	return &CachePage{next: next, data: make([]byte, size)}
}

// GetNextStackCapture allocates a capture able to hold maxNumFrames frames
// from this page, or returns nil if the remaining capacity is too small.
func (p *CachePage) GetNextStackCapture(maxNumFrames int) *StackCapture {
	size := captureSize(maxNumFrames)
	if p.bytesUsed+size > uintptr(len(p.data)) {
		return nil
	}
	c := (*StackCapture)(unsafe.Pointer(&p.data[p.bytesUsed]))
	*c = StackCapture{maxNumFrames: uint16(maxNumFrames)}
	p.bytesUsed += size
	return c
}

// ReleaseStackCapture returns a capture's bytes to the page. c must be the
// most recently allocated capture of this page; anything else is a caller
// bug.
func (p *CachePage) ReleaseStackCapture(c *StackCapture) {
	if !p.isLastAllocated(c) {
		panic("stackcapture: ReleaseStackCapture of a capture that is not the most recent allocation")
	}
	p.bytesUsed -= c.Size()
}

// isLastAllocated reports whether c is the most recently allocated capture
// of this page.
func (p *CachePage) isLastAllocated(c *StackCapture) bool {
	if c == nil || p.bytesUsed < c.Size() {
		return false
	}
	return unsafe.Pointer(c) == unsafe.Pointer(&p.data[p.bytesUsed-c.Size()])
}

// BytesUsed returns the number of arena bytes currently allocated.
func (p *CachePage) BytesUsed() uintptr {
	return p.bytesUsed
}
