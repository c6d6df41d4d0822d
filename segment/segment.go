package segment

import (
	"context"
	"io"
	"math/bits"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/mmapseg/memutils"
	"github.com/vkngwrapper/mmapseg/vmem"
	"golang.org/x/exp/slog"
)

const (
	// DefaultUnusedThreshold is the number of Unused pages a segment retains when CreateOptions does not
	// specify a threshold
	DefaultUnusedThreshold = 256
)

// CreateOptions contains optional settings when creating a segment. It is valid to leave every field blank.
type CreateOptions struct {
	// HeaderTag is the owner class charged for the page handle table. Defaults to memutils.OwnerSegmentHeader.
	HeaderTag memutils.OwnerTag
	// UnusedTag is the owner class charged for committed pages that are free. Defaults to
	// memutils.OwnerSegmentUnused.
	UnusedTag memutils.OwnerTag
	// Accountant is consulted before committing memory. When nil, every request is allowed.
	Accountant Accountant
	// UnusedThreshold is the number of free committed pages the segment may hold on to before it starts
	// decommitting them. When 0, DefaultUnusedThreshold is used; call SetUnusedThreshold to retain nothing.
	UnusedThreshold int
}

// Segment manages a single reservation of address space, handing out page-granular blocks from it and
// committing memory only as blocks are allocated. It is the sub-allocator behind large allocations: the
// caller asks for bytes, the segment rounds up to pages, and memory that is freed is kept committed as
// Unused until the unused threshold is exceeded.
//
// A Segment is not safe for concurrent use. Every method must be called with the caller's lock held, so
// that no two operations on the same segment overlap.
type Segment struct {
	logger     *slog.Logger
	provider   vmem.VirtualMemory
	region     vmem.Region
	accountant Accountant
	headerTag  memutils.OwnerTag
	unusedTag  memutils.OwnerTag

	pageSize    int
	pageShift   uint
	headerPages int
	usablePages int
	anchorBase  int
	// base is the address the imaginary handle 0 would have, so (addr - base) >> pageShift is an index
	base    uintptr
	handles []pageHandle

	lowPages        int
	lowHandles      int
	upperFirstPage  int
	upperStart      int
	headerCommitted int

	allocatedPages  int
	unusedPages     int
	unusedThreshold int
	allocationCount int
	destroyed       bool
}

// Create reserves a region of at least minBytes from provider and builds a segment on it. If the segment
// cannot be built, the region is destroyed again.
func Create(logger *slog.Logger, provider vmem.VirtualMemory, minBytes int, options CreateOptions) (*Segment, error) {
	region, err := provider.ReserveRegion(minBytes)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to reserve %d bytes for a segment", minBytes)
	}

	segment, err := New(logger, provider, region, options)
	if err != nil {
		destroyErr := provider.DestroyRegion(region)
		return nil, errors.CombineErrors(err, destroyErr)
	}

	return segment, nil
}

// New builds a segment on a region reserved from provider. The segment owns the region from this point
// on, unless an error is returned, in which case nothing inside the region is left committed and the
// caller keeps ownership.
func New(logger *slog.Logger, provider vmem.VirtualMemory, region vmem.Region, options CreateOptions) (*Segment, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	pageSize := provider.PageSize()
	err := memutils.CheckPow2(pageSize, "page size")
	if err != nil {
		return nil, err
	}
	if pageSize < vmem.MinPageSize {
		return nil, errors.Newf("page size %d is smaller than the minimum page size %d", pageSize, vmem.MinPageSize)
	}
	if region.Data == nil || uintptr(region.Data)%uintptr(pageSize) != 0 || region.Size%pageSize != 0 {
		return nil, errors.Newf("region at %#x with size %d is not page aligned", uintptr(region.Data), region.Size)
	}

	usablePages := ComputeUsablePageCount(region.Size/pageSize, pageSize)
	if usablePages < 1 {
		return nil, errors.Wrapf(memutils.ErrOutOfMemory, "region of %d bytes is too small to hold a segment", region.Size)
	}

	s := &Segment{
		logger:     logger,
		provider:   provider,
		region:     region,
		accountant: options.Accountant,
		headerTag:  options.HeaderTag,
		unusedTag:  options.UnusedTag,

		pageSize:        pageSize,
		pageShift:       uint(bits.TrailingZeros(uint(pageSize))),
		headerPages:     headerPageCount(usablePages, pageSize),
		usablePages:     usablePages,
		anchorBase:      usablePages + 2,
		unusedThreshold: options.UnusedThreshold,
	}

	if s.accountant == nil {
		s.accountant = UnlimitedAccountant{}
	}
	if s.headerTag == memutils.OwnerDefault {
		s.headerTag = memutils.OwnerSegmentHeader
	}
	if s.unusedTag == memutils.OwnerDefault {
		s.unusedTag = memutils.OwnerSegmentUnused
	}
	if s.unusedThreshold == 0 {
		s.unusedThreshold = DefaultUnusedThreshold
	}

	tableLen := tableLength(usablePages)
	handlesPerPage := pageSize / handleSize

	// The first page holds the start of the table
	if !s.commitHeader(0, 1) {
		return nil, errors.Wrap(memutils.ErrOutOfMemory, "failed to commit the first page of the segment")
	}
	s.lowPages = 1
	s.lowHandles = min(handlesPerPage, tableLen)

	// The topmost usable handle, the high sentinel and the anchors must exist up front
	s.upperFirstPage = max((usablePages*handleSize)/pageSize, s.lowPages)
	if s.upperFirstPage < s.headerPages {
		if !s.commitHeader(s.upperFirstPage, s.headerPages-s.upperFirstPage) {
			rollbackErr := s.decommitHeader(0, 1)
			return nil, errors.CombineErrors(
				errors.Wrap(memutils.ErrOutOfMemory, "failed to commit the upper page handles of the segment"),
				rollbackErr,
			)
		}
	}
	s.upperStart = min(s.upperFirstPage*handlesPerPage, tableLen)

	s.handles = unsafe.Slice((*pageHandle)(region.Data), tableLen)
	s.base = uintptr(region.Data) + uintptr((s.headerPages-1)*pageSize)

	s.handles[0] = pageHandle{size: 1, state: StateSentinel}
	s.handles[usablePages+1] = pageHandle{size: 1, state: StateSentinel}

	for anchor := s.anchorBase; anchor < tableLen; anchor++ {
		s.handles[anchor] = pageHandle{
			prev:  uint16(anchor),
			next:  uint16(anchor),
			state: StateSentinel,
		}
	}

	s.setBlock(1, usablePages, StateReserved, s.unusedTag)
	s.link(s.reservedAnchor(ComputeSizeClass(uint16(usablePages))), 1)

	s.logger.LogAttrs(context.Background(), slog.LevelDebug, "created segment",
		slog.Int("usablePages", usablePages),
		slog.Int("headerPages", s.headerPages),
		slog.Int("committedHeaderPages", s.headerCommitted),
		slog.Int("pageSize", pageSize),
	)

	memutils.DebugValidate(s)
	return s, nil
}

// PageSize returns the page size of the provider the segment was built from
func (s *Segment) PageSize() int { return s.pageSize }

// UsablePages returns the number of pages the segment can hand out in total
func (s *Segment) UsablePages() int { return s.usablePages }

// AllocatedPages returns the number of pages currently allocated
func (s *Segment) AllocatedPages() int { return s.allocatedPages }

// UnusedPages returns the number of pages that are committed but free
func (s *Segment) UnusedPages() int { return s.unusedPages }

// HeaderPages returns the number of pages of page handle table currently committed
func (s *Segment) HeaderPages() int { return s.headerCommitted }

// AllocationCount returns the number of live allocations
func (s *Segment) AllocationCount() int { return s.allocationCount }

// UnusedThreshold returns the number of Unused pages the segment may hold before releasing memory
func (s *Segment) UnusedThreshold() int { return s.unusedThreshold }

// IsEmpty returns true if the segment has no live allocations
func (s *Segment) IsEmpty() bool { return s.allocatedPages == 0 }

// IsDestroyed returns true once ForceReleaseAll has torn the segment down
func (s *Segment) IsDestroyed() bool { return s.destroyed }

// Region returns the reservation the segment manages
func (s *Segment) Region() vmem.Region { return s.region }

// SetUnusedThreshold changes the number of Unused pages the segment may hold on to. The new threshold is
// applied the next time a block is freed.
func (s *Segment) SetUnusedThreshold(pages int) {
	if pages < 0 {
		pages = 0
	}
	s.unusedThreshold = pages
}

// Base returns the address of the first usable page
func (s *Segment) Base() unsafe.Pointer {
	return s.pointerForIndex(1)
}

// Contains reports whether ptr lies inside the usable pages of the segment
func (s *Segment) Contains(ptr unsafe.Pointer) bool {
	if s.destroyed {
		return false
	}

	addr := uintptr(ptr)
	return addr >= s.base+uintptr(s.pageSize) && addr < s.base+uintptr((s.usablePages+1)*s.pageSize)
}

func (s *Segment) pointerForIndex(index int) unsafe.Pointer {
	return unsafe.Add(s.region.Data, (s.headerPages+index-1)*s.pageSize)
}

func (s *Segment) indexForPointer(ptr unsafe.Pointer) int {
	return int((uintptr(ptr) - s.base) >> s.pageShift)
}
