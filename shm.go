package renderhost

import (
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
)

// ErrSharedMemoryNotAvailable is returned for shared-region operations on
// platforms without an implementation. Senders fall back to inline frames.
var ErrSharedMemoryNotAvailable = errors.New("shared memory regions are not supported on this platform")

// SharedRegion is a named shared memory region for bulk payload transfer.
// Control messages stay inline in frames; image and font bytes above
// BulkThreshold are staged in a region and cross the process boundary as a
// BulkRef, avoiding a second copy through the pipe.
//
// The creating side owns the region's lifetime: Close on the creator unlinks
// the backing object, Close on an opener only unmaps it.
type SharedRegion struct {
	name  string
	path  string
	data  []byte
	owner bool
}

// CreateSharedRegion creates and maps a region of the given size. The name
// must be unique among live regions; use StageBulk for an auto-named one.
func CreateSharedRegion(name string, size int) (*SharedRegion, error) {
	if size <= 0 {
		return nil, fmt.Errorf("shared region size must be positive")
	}
	return createRegion(name, size)
}

// OpenSharedRegion maps an existing region by name. The size must match the
// creator's.
func OpenSharedRegion(name string, size int) (*SharedRegion, error) {
	if size <= 0 {
		return nil, fmt.Errorf("shared region size must be positive")
	}
	return openRegion(name, size)
}

// Name returns the identifier a peer uses to open this region.
func (r *SharedRegion) Name() string {
	return r.name
}

// Bytes returns the mapped memory. The slice is valid until Close; the peer
// sees writes immediately.
func (r *SharedRegion) Bytes() []byte {
	return r.data
}

// Ref returns the wire reference for this region.
func (r *SharedRegion) Ref() BulkRef {
	return BulkRef{Region: r.name, Length: len(r.data)}
}

// Close unmaps the region and, on the creating side, unlinks it.
func (r *SharedRegion) Close() error {
	if r.data == nil {
		return nil
	}
	err := unmapRegion(r.data)
	r.data = nil
	if r.owner {
		if rmErr := os.Remove(r.path); err == nil {
			err = rmErr
		}
	}
	return err
}

// StageBulk copies data into a fresh auto-named region and returns the wire
// reference. The caller sends the BulkRef in a control message and closes
// the region once the peer has confirmed receipt.
func StageBulk(data []byte) (*SharedRegion, BulkRef, error) {
	name := "renderhost-" + uuid.NewString()
	region, err := createRegion(name, len(data))
	if err != nil {
		return nil, BulkRef{}, err
	}
	copy(region.data, data)
	return region, region.Ref(), nil
}

// FetchBulk copies the referenced region's contents out and releases the
// mapping.
func FetchBulk(ref BulkRef) ([]byte, error) {
	region, err := openRegion(ref.Region, ref.Length)
	if err != nil {
		return nil, err
	}
	defer region.Close()
	data := make([]byte, ref.Length)
	copy(data, region.data)
	return data, nil
}
