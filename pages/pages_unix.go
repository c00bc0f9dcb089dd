//go:build unix

package pages

import (
	"os"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/hexbyte/halloc/memutils"
)

// OSProvider maps regions with mmap. Requested sizes are rounded up to the
// platform page size, and the backing slices are retained so munmap can
// release exactly what the kernel handed out.
type OSProvider struct {
	pageSize int
	mappings map[uintptr][]byte
}

var _ Provider = &OSProvider{}

func NewOSProvider() *OSProvider {
	pageSize := os.Getpagesize()
	if err := memutils.CheckPow2(pageSize, "page size"); err != nil {
		panic(err)
	}

	return &OSProvider{
		pageSize: pageSize,
		mappings: make(map[uintptr][]byte),
	}
}

func (p *OSProvider) Map(bytes int) (unsafe.Pointer, error) {
	if bytes < 1 {
		return nil, errors.Errorf("invalid mapping size: %d", bytes)
	}

	length := memutils.AlignUp(bytes, p.pageSize)
	data, err := unix.Mmap(-1, 0, length,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to map an anonymous region of %d bytes", length)
	}

	addr := unsafe.Pointer(&data[0])
	p.mappings[uintptr(addr)] = data

	return addr, nil
}

func (p *OSProvider) Unmap(addr unsafe.Pointer, bytes int) error {
	data, ok := p.mappings[uintptr(addr)]
	if !ok {
		return errors.Errorf("address %x does not correspond to a live mapping", uintptr(addr))
	}

	delete(p.mappings, uintptr(addr))

	err := unix.Munmap(data)
	if err != nil {
		return errors.Wrapf(err, "failed to unmap the region at %x", uintptr(addr))
	}

	return nil
}

// MappingCount returns the number of regions currently mapped through this
// provider.
func (p *OSProvider) MappingCount() int {
	return len(p.mappings)
}
