// Package pages abstracts the acquisition of raw anonymous memory regions
// from the operating system. The allocator core talks only to the Provider
// interface, which keeps Block construction testable and keeps the single
// mmap-shaped dependency at the edge of the module.
package pages

import "unsafe"

//go:generate mockgen -source pages.go -destination mock_pages/mock_provider.go

// Provider supplies page-granular anonymous memory regions.
type Provider interface {
	// Map returns a pointer to a newly mapped, readable and writable,
	// private, anonymous region of at least bytes bytes. The returned
	// address is aligned at least as strictly as the platform page.
	Map(bytes int) (unsafe.Pointer, error)

	// Unmap releases a region. The addr and bytes pair must match a prior
	// successful Map on this Provider.
	Unmap(addr unsafe.Pointer, bytes int) error
}
