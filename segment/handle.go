package segment

import (
	"fmt"
	"math/bits"
	"unsafe"

	"github.com/vkngwrapper/mmapseg/memutils"
)

// PageState is the role a page handle plays
type PageState uint8

const (
	// StateAllocated marks a block handed out by Allocate
	StateAllocated PageState = iota
	// StateUnused marks committed pages that are free and kept for reuse
	StateUnused
	// StateReserved marks address space that has never been committed, or has been decommitted
	StateReserved
	// StateSentinel marks the handles bounding the usable range, and the list anchors
	StateSentinel
)

var pageStateMapping = map[PageState]string{
	StateAllocated: "Allocated",
	StateUnused:    "Unused",
	StateReserved:  "Reserved",
	StateSentinel:  "Sentinel",
}

func (s PageState) String() string {
	return pageStateMapping[s]
}

const (
	// ExactClassCount is the number of size classes that hold exactly one page count each
	ExactClassCount = 17
	// SizeClassCount is the number of free list classes in each of the Unused and Reserved families
	SizeClassCount = 29

	anchorCount = 2 * SizeClassCount

	// MaxUsablePages is the largest number of pages a single segment can manage. Handle indices are 16 bit,
	// and the two sentinels and all list anchors need an index as well.
	MaxUsablePages = 0x10000 - (anchorCount + 2)

	handleSize = int(unsafe.Sizeof(pageHandle{}))
)

// pageHandle is the metadata record for one page. For a block spanning [i, i+size) the handles at i and
// i+size-1 carry the same size and state; the handles in between are never read. prev and next are only
// meaningful on the head of an Unused or Reserved block, and on anchors, where size is the max-size hint.
type pageHandle struct {
	size  uint16
	prev  uint16
	next  uint16
	state PageState
	owner memutils.OwnerTag
}

// ComputeSizeClass maps a page count to its free list class. Counts 1 through 17 get a class each, so any
// member of those lists fits a request of that class exactly. Larger counts are bucketed by powers of
// two: 18-32, 33-64, ..., 32769-65536.
func ComputeSizeClass(pages uint16) int {
	if pages == 0 {
		panic("size class requested for a block of zero pages")
	}

	if pages <= ExactClassCount {
		return int(pages) - 1
	}

	return ExactClassCount + bits.Len16(pages-1) - 5
}

// ComputeUsablePageCount returns how many pages of a region of totalPages pages can be handed out once the
// page handle table, which lives at the start of the region, has been carved off.
func ComputeUsablePageCount(totalPages, pageSize int) int {
	fixed := (2 + anchorCount) * handleSize
	available := totalPages*pageSize - fixed
	if available <= 0 {
		return 0
	}

	// Every usable page costs a page plus its handle
	usable := available / (pageSize + handleSize)
	if usable > MaxUsablePages {
		usable = MaxUsablePages
	}

	for usable > 0 && headerPageCount(usable, pageSize)+usable > totalPages {
		usable--
	}

	return usable
}

// ComputeRegionSize returns the number of bytes a region must have for a segment built on it to offer
// usablePages pages
func ComputeRegionSize(usablePages, pageSize int) int {
	return (usablePages + headerPageCount(usablePages, pageSize)) * pageSize
}

func headerPageCount(usablePages, pageSize int) int {
	return memutils.DivideRoundUp(tableLength(usablePages)*handleSize, pageSize)
}

func tableLength(usablePages int) int {
	return usablePages + 2 + anchorCount
}

func (s *Segment) setBlock(head, size int, state PageState, owner memutils.OwnerTag) {
	if size < 1 || head < 1 || head+size-1 > s.usablePages {
		panic(fmt.Sprintf("invalid block of %d pages at handle %d", size, head))
	}

	h := &s.handles[head]
	h.size = uint16(size)
	h.state = state
	h.owner = owner

	t := &s.handles[head+size-1]
	t.size = uint16(size)
	t.state = state
	t.owner = owner
}

func (s *Segment) isBacked(index int) bool {
	return index >= 0 && (index < s.lowHandles || (index >= s.upperStart && index < len(s.handles)))
}

// allocateHandles makes sure the handle at index upto is backed by committed header memory. The table grows
// upward from the region start; the area holding the topmost handles, the high sentinel and the anchors is
// committed at creation and never grown into.
func (s *Segment) allocateHandles(upto int) bool {
	if s.isBacked(upto) {
		return true
	}

	handlesPerPage := s.pageSize / handleSize
	firstPage := s.lowPages
	lastPage := upto / handlesPerPage
	if lastPage >= s.upperFirstPage {
		panic(fmt.Sprintf("handle %d should have been backed by the upper header area", upto))
	}

	pages := lastPage - firstPage + 1
	if !s.commitHeader(firstPage, pages) {
		return false
	}

	s.lowPages = lastPage + 1
	s.lowHandles = s.lowPages * handlesPerPage
	if s.lowHandles > len(s.handles) {
		s.lowHandles = len(s.handles)
	}

	return true
}

// shrinkHandles decommits low header pages committed since the low area was lowPages pages long. Only
// handles that no block has been written to yet may be given back.
func (s *Segment) shrinkHandles(lowPages int) {
	if s.lowPages <= lowPages {
		return
	}

	err := s.decommitHeader(lowPages, s.lowPages-lowPages)
	if err != nil {
		s.logger.Debug("failed to shrink page handle table", "page", lowPages, "pages", s.lowPages-lowPages, "error", err)
	}

	s.lowPages = lowPages
	s.lowHandles = min(lowPages*(s.pageSize/handleSize), len(s.handles))
}

func (s *Segment) commitHeader(firstPage, pages int) bool {
	bytes := pages * s.pageSize
	if !s.accountant.TryReserve(s.headerTag, bytes) {
		return false
	}

	err := s.provider.Commit(s.region, unsafe.Add(s.region.Data, firstPage*s.pageSize), bytes)
	if err != nil {
		s.accountant.Release(s.headerTag, bytes)
		s.logger.Debug("failed to grow page handle table", "page", firstPage, "pages", pages, "error", err)
		return false
	}

	s.headerCommitted += pages
	return true
}

func (s *Segment) decommitHeader(firstPage, pages int) error {
	if pages <= 0 {
		return nil
	}

	bytes := pages * s.pageSize
	err := s.provider.Decommit(s.region, unsafe.Add(s.region.Data, firstPage*s.pageSize), bytes)
	s.accountant.Release(s.headerTag, bytes)
	s.headerCommitted -= pages

	return err
}
