//go:build !linux

package shadow

func allocTable(size uintptr) ([]byte, error) {
	return make([]byte, size), nil
}

func freeTable(table []byte) error {
	return nil
}
