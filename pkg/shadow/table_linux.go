package shadow

import (
	sys "golang.org/x/sys/unix"
)

// The shadow table is a large, mostly untouched array. Backing it with an
// anonymous NORESERVE mapping keeps the resident cost proportional to the
// poisoned portion of the address space.
func allocTable(size uintptr) ([]byte, error) {
	return sys.Mmap(-1, 0, int(size),
		sys.PROT_READ|sys.PROT_WRITE,
		sys.MAP_PRIVATE|sys.MAP_ANON|sys.MAP_NORESERVE)
}

func freeTable(table []byte) error {
	if table == nil {
		return nil
	}
	return sys.Munmap(table)
}
