//go:build !windows

package renderhost

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"golang.org/x/sys/unix"
)

// regionDir is where region backing files live. /dev/shm gives a RAM-backed
// mapping on Linux; elsewhere the OS page cache makes a temp file close
// enough.
func regionDir() string {
	if runtime.GOOS == "linux" {
		return "/dev/shm"
	}
	return os.TempDir()
}

func createRegion(name string, size int) (*SharedRegion, error) {
	path := filepath.Join(regionDir(), name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create shared region %s: %w", name, err)
	}
	defer f.Close()
	if err := f.Truncate(int64(size)); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("size shared region %s: %w", name, err)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("map shared region %s: %w", name, err)
	}
	return &SharedRegion{name: name, path: path, data: data, owner: true}, nil
}

func openRegion(name string, size int) (*SharedRegion, error) {
	path := filepath.Join(regionDir(), name)
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open shared region %s: %w", name, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() < int64(size) {
		return nil, fmt.Errorf("shared region %s is %d bytes, expected %d", name, info.Size(), size)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("map shared region %s: %w", name, err)
	}
	return &SharedRegion{name: name, path: path, data: data, owner: false}, nil
}

func unmapRegion(data []byte) error {
	return unix.Munmap(data)
}
