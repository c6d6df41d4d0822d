// Package vmem defines the virtual memory contract consumed by segments, along with a portable provider
// that emulates it over Go-managed memory.
package vmem

import (
	"unsafe"
)

//go:generate mockgen -destination mocks/vmem.go -package mocks github.com/vkngwrapper/mmapseg/vmem VirtualMemory

// MinPageSize is the smallest page size a provider may report
const MinPageSize = 4096

// Region is a contiguous, page-aligned range of reserved address space. Nothing inside a freshly
// reserved region is committed.
type Region struct {
	Data unsafe.Pointer
	Size int
}

// Contains reports whether addr lies inside the region
func (r Region) Contains(addr unsafe.Pointer) bool {
	start := uintptr(r.Data)
	return uintptr(addr) >= start && uintptr(addr) < start+uintptr(r.Size)
}

// End returns the first address past the region. The returned value must not be dereferenced.
func (r Region) End() uintptr {
	return uintptr(r.Data) + uintptr(r.Size)
}

// VirtualMemory reserves address space and commits or decommits it at page granularity. A region
// handed to a segment is owned by that segment until it is destroyed: nothing else may commit or
// decommit inside it.
type VirtualMemory interface {
	// PageSize returns the commit granularity. It must be a power of two, at least MinPageSize, and must
	// never change.
	PageSize() int
	// ReserveRegion reserves at least minBytes of address space. The returned size is page aligned.
	ReserveRegion(minBytes int) (Region, error)
	// Commit backs the page aligned range [addr, addr+size) with memory
	Commit(region Region, addr unsafe.Pointer, size int) error
	// Decommit returns the memory behind [addr, addr+size) while keeping the address space reserved
	Decommit(region Region, addr unsafe.Pointer, size int) error
	// DestroyRegion releases the whole reservation
	DestroyRegion(region Region) error
}
