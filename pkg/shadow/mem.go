package shadow

import "unsafe"

// MemoryReader reads application memory. It is like io.ReaderAt, but the
// offset is a uintptr so that it can address all of memory. The terminator
// scan reads the inspected arrays through this interface, which lets tests
// supply synthetic address spaces.
type MemoryReader interface {
	// ReadMemory is just like io.ReaderAt.ReadAt.
	ReadMemory(buf []byte, addr uintptr) (n int, err error)
}

type nativeMem struct{}

// Native returns a MemoryReader that reads the current process' memory
// directly. The caller is responsible for only reading addresses the
// shadow reports as accessible.
func Native() MemoryReader {
	return nativeMem{}
}

func (nativeMem) ReadMemory(buf []byte, addr uintptr) (int, error) {
	src := unsafe.Slice((*byte)(unsafe.Pointer(addr)), len(buf))
	copy(buf, src)
	return len(buf), nil
}
