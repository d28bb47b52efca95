//go:build windows

package renderhost

func createRegion(name string, size int) (*SharedRegion, error) {
	return nil, ErrSharedMemoryNotAvailable
}

func openRegion(name string, size int) (*SharedRegion, error) {
	return nil, ErrSharedMemoryNotAvailable
}

func unmapRegion(data []byte) error {
	return ErrSharedMemoryNotAvailable
}
