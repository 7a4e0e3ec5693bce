// Package stackcapture deduplicates and reference counts the call stacks
// responsible for heap allocation and free events. Each unique stack is
// stored once, in a bump allocated page arena, and handed out as a stable
// pointer that reports can carry without copying the frames.
package stackcapture

import (
	"encoding/binary"
	"math"
	"unsafe"

	"github.com/cespare/xxhash/v2"
)

// StackID uniquely identifies a stack trace. Identical stack traces have
// identical ids.
type StackID = uint64

// maxRefCount is the saturation point of a capture's reference count. A
// capture that reaches it is retained for the life of the cache.
const maxRefCount = math.MaxUint16

// StackCapture is one deduplicated stack trace. Captures live inside a
// CachePage's arena and their frames are stored inline immediately after
// the struct, so a *StackCapture stays valid for as long as it holds
// references (or forever, once saturated). Captures are only mutated by
// the owning cache, under its lock.
type StackCapture struct {
	stackID      StackID
	refCount     uint16
	numFrames    uint16
	maxNumFrames uint16
	_            uint16
}

const captureHeaderSize = unsafe.Sizeof(StackCapture{})

// captureSize returns the number of arena bytes needed for a capture able
// to hold maxNumFrames frames, including alignment padding.
func captureSize(maxNumFrames int) uintptr {
	size := captureHeaderSize + uintptr(maxNumFrames)*unsafe.Sizeof(uintptr(0))
	return (size + 7) &^ uintptr(7)
}

// StackID returns the identifier of this stack trace.
func (c *StackCapture) StackID() StackID {
	return c.stackID
}

// NumFrames returns the number of valid frames in this capture.
func (c *StackCapture) NumFrames() int {
	return int(c.numFrames)
}

// MaxNumFrames returns the number of frames this capture can hold.
func (c *StackCapture) MaxNumFrames() int {
	return int(c.maxNumFrames)
}

// RefCount returns the current reference count.
func (c *StackCapture) RefCount() int {
	return int(c.refCount)
}

// Saturated returns true once the reference count has reached its maximum.
// A saturated capture is never reclaimed.
func (c *StackCapture) Saturated() bool {
	return c.refCount == maxRefCount
}

// Frames returns the captured return addresses. The slice aliases the
// arena and must not be modified.
func (c *StackCapture) Frames() []uintptr {
	return c.frames()[:c.numFrames]
}

// Size returns the number of arena bytes occupied by this capture.
func (c *StackCapture) Size() uintptr {
	return captureSize(int(c.maxNumFrames))
}

func (c *StackCapture) frames() []uintptr {
	base := unsafe.Add(unsafe.Pointer(c), captureHeaderSize)
	return unsafe.Slice((*uintptr)(base), int(c.maxNumFrames))
}

// initFromStack fills a freshly allocated capture. frames longer than the
// capture's capacity are truncated.
func (c *StackCapture) initFromStack(id StackID, frames []uintptr) {
	if len(frames) > int(c.maxNumFrames) {
		frames = frames[:c.maxNumFrames]
	}
	c.stackID = id
	c.refCount = 0
	c.numFrames = uint16(len(frames))
	copy(c.frames(), frames)
}

// addRef increments the reference count, sticking at the saturation point.
func (c *StackCapture) addRef() {
	if c.refCount == maxRefCount {
		return
	}
	c.refCount++
}

// removeRef decrements the reference count. Saturated captures are never
// decremented. Decrementing past zero is a caller bug.
func (c *StackCapture) removeRef() {
	if c.refCount == maxRefCount {
		return
	}
	if c.refCount == 0 {
		panic("stackcapture: reference count underflow")
	}
	c.refCount--
}

// matches reports whether this capture records exactly the given stack.
func (c *StackCapture) matches(id StackID, frames []uintptr) bool {
	if c.stackID != id || int(c.numFrames) != len(frames) {
		return false
	}
	for i, pc := range c.Frames() {
		if pc != frames[i] {
			return false
		}
	}
	return true
}

// ComputeStackID derives a StackID from a sequence of return addresses.
// Callers that obtain frames from runtime.Callers use this to produce the
// id passed to SaveStackTrace.
func ComputeStackID(frames []uintptr) StackID {
	var d xxhash.Digest
	d.Reset()
	var buf [8]byte
	for _, pc := range frames {
		binary.LittleEndian.PutUint64(buf[:], uint64(pc))
		d.Write(buf[:])
	}
	return d.Sum64()
}

// hashStack combines a stack id and frame sequence into the dedup set key.
func hashStack(id StackID, frames []uintptr) uint64 {
	var d xxhash.Digest
	d.Reset()
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], id)
	d.Write(buf[:])
	for _, pc := range frames {
		binary.LittleEndian.PutUint64(buf[:], uint64(pc))
		d.Write(buf[:])
	}
	return d.Sum64()
}
