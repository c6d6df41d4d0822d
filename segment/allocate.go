package segment

import (
	"context"
	"fmt"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/mmapseg/memutils"
	"golang.org/x/exp/slog"
)

// Allocate hands out a block of at least bytes bytes, rounded up to whole pages, and charges it to owner.
// Committed pages that were freed earlier are reused before new pages are committed. The returned pointer is
// page aligned and the memory behind it is committed.
//
// An error wrapping memutils.ErrOutOfMemory is returned when the request cannot be served, whether for lack
// of a free range or because a commit or the Accountant was refused. The segment is then left as it was.
func (s *Segment) Allocate(bytes int, owner memutils.OwnerTag) (unsafe.Pointer, error) {
	if s.destroyed {
		return nil, memutils.ErrDestroyed
	}
	if bytes < 0 {
		return nil, errors.Newf("invalid allocation size: %d", bytes)
	}

	pages := max(memutils.DivideRoundUp(bytes, s.pageSize), 1)
	if pages > MaxUsablePages {
		return nil, errors.Mark(
			errors.Wrapf(memutils.ErrTooLarge, "allocation of %d pages", pages),
			memutils.ErrOutOfMemory,
		)
	}
	if pages > s.usablePages {
		return nil, errors.Wrapf(memutils.ErrOutOfMemory, "allocation of %d pages is larger than the %d usable pages of the segment", pages, s.usablePages)
	}

	var head int
	var err error

	unused := s.findFree(StateUnused, pages)
	if unused != 0 {
		head = unused
		err = s.allocateFromUnused(unused, pages, owner)
	} else {
		reserved := s.findFree(StateReserved, pages)
		if reserved == 0 {
			return nil, errors.Wrapf(memutils.ErrOutOfMemory, "no free range of %d pages", pages)
		}
		head, err = s.allocateFromReserved(reserved, pages, owner)
	}

	if err != nil {
		return nil, err
	}

	s.allocatedPages += pages
	s.allocationCount++

	memutils.DebugValidate(s)
	return s.pointerForIndex(head), nil
}

func (s *Segment) allocateFromUnused(head, pages int, owner memutils.OwnerTag) error {
	blockSize := int(s.handles[head].size)
	remainder := blockSize - pages
	bytes := pages * s.pageSize

	if !s.accountant.Transfer(s.unusedTag, owner, bytes) {
		return errors.Wrapf(memutils.ErrOutOfMemory, "accountant refused %d bytes for %s", bytes, owner)
	}

	lowPages := s.lowPages
	if remainder > 0 && (!s.allocateHandles(head+pages-1) || !s.allocateHandles(head+pages)) {
		s.shrinkHandles(lowPages)
		s.accountant.Transfer(owner, s.unusedTag, bytes)
		return errors.Wrap(memutils.ErrOutOfMemory, "failed to grow the page handle table")
	}

	s.unlink(head)
	s.setBlock(head, pages, StateAllocated, owner)
	if remainder > 0 {
		s.setBlock(head+pages, remainder, StateUnused, s.unusedTag)
		s.link(s.unusedAnchor(ComputeSizeClass(uint16(remainder))), head+pages)
	}

	s.unusedPages -= pages
	return nil
}

// allocateFromReserved commits pages for a new block carved from the Reserved block at head. When that block
// directly follows an Unused block, the Unused pages become the front of the allocation, so fewer pages have
// to be committed. The head of the new block is returned.
func (s *Segment) allocateFromReserved(head, pages int, owner memutils.OwnerTag) (int, error) {
	start := head
	fused := 0

	before := s.handles[head-1]
	if before.state == StateUnused {
		fused = int(before.size)
		if fused >= pages {
			panic(fmt.Sprintf("unused block of %d pages was passed over for an allocation of %d pages", fused, pages))
		}
		start = head - fused
	}

	blockSize := int(s.handles[head].size)
	commitPages := pages - fused
	remainder := blockSize - commitPages

	// Handle growth is undone on every failure below, so a failed call leaves the header as it was
	lowPages := s.lowPages
	if !s.allocateHandles(start+pages-1) || (remainder > 0 && !s.allocateHandles(start+pages)) {
		s.shrinkHandles(lowPages)
		return 0, errors.Wrap(memutils.ErrOutOfMemory, "failed to grow the page handle table")
	}

	commitBytes := commitPages * s.pageSize
	fusedBytes := fused * s.pageSize

	if !s.accountant.TryReserve(owner, commitBytes) {
		s.shrinkHandles(lowPages)
		return 0, errors.Wrapf(memutils.ErrOutOfMemory, "accountant refused %d bytes for %s", commitBytes, owner)
	}

	if fused > 0 && !s.accountant.Transfer(s.unusedTag, owner, fusedBytes) {
		s.accountant.Release(owner, commitBytes)
		s.shrinkHandles(lowPages)
		return 0, errors.Wrapf(memutils.ErrOutOfMemory, "accountant refused %d unused bytes for %s", fusedBytes, owner)
	}

	err := s.provider.Commit(s.region, s.pointerForIndex(head), commitBytes)
	if err != nil {
		if fused > 0 {
			s.accountant.Transfer(owner, s.unusedTag, fusedBytes)
		}
		s.accountant.Release(owner, commitBytes)
		s.shrinkHandles(lowPages)

		s.logger.LogAttrs(context.Background(), slog.LevelDebug, "failed to commit pages",
			slog.Int("page", head),
			slog.Int("pages", commitPages),
			slog.Any("error", err),
		)
		return 0, errors.WithSecondaryError(
			errors.Wrapf(memutils.ErrOutOfMemory, "failed to commit %d pages", commitPages),
			err,
		)
	}

	s.unlink(head)
	if fused > 0 {
		s.unlink(start)
		s.unusedPages -= fused
	}

	s.setBlock(start, pages, StateAllocated, owner)
	if remainder > 0 {
		s.setBlock(start+pages, remainder, StateReserved, s.unusedTag)
		s.link(s.reservedAnchor(ComputeSizeClass(uint16(remainder))), start+pages)
	}

	return start, nil
}

// Free returns the block headed at ptr to the segment. The pages stay committed as Unused, and once more
// Unused pages are held than the unused threshold allows, the largest Unused blocks are decommitted until
// half the threshold is left.
//
// Free panics if ptr was not returned by Allocate on this segment, or if the block has already been freed.
func (s *Segment) Free(ptr unsafe.Pointer) {
	head := s.checkAllocation(ptr)
	h := s.handles[head]
	size := int(h.size)
	bytes := size * s.pageSize

	s.allocatedPages -= size
	s.allocationCount--

	if s.accountant.Transfer(h.owner, s.unusedTag, bytes) {
		s.merge(StateUnused, s.unusedTag, head, size)
		s.unusedPages += size
		s.releaseUnused()
	} else {
		// The unused budget is full, so the pages go straight back to the provider
		err := s.decommitPages(head, size)
		s.accountant.Release(h.owner, bytes)
		if err != nil {
			s.logger.LogAttrs(context.Background(), slog.LevelError, "failed to decommit freed block",
				slog.Int("page", head),
				slog.Int("pages", size),
				slog.Any("error", err),
			)
		}
		s.merge(StateReserved, s.unusedTag, head, size)
	}

	memutils.DebugValidate(s)
}

// SizeOfAllocation returns the size in bytes of the allocated block headed at ptr. It panics under the same
// conditions as Free.
func (s *Segment) SizeOfAllocation(ptr unsafe.Pointer) int {
	head := s.checkAllocation(ptr)
	return int(s.handles[head].size) * s.pageSize
}

// OwnerOfAllocation returns the owner tag the allocated block headed at ptr is charged to
func (s *Segment) OwnerOfAllocation(ptr unsafe.Pointer) memutils.OwnerTag {
	head := s.checkAllocation(ptr)
	return s.handles[head].owner
}

// checkAllocation returns the handle index of the allocated block headed at ptr, or panics
func (s *Segment) checkAllocation(ptr unsafe.Pointer) int {
	if s.destroyed {
		panic(errors.Wrapf(memutils.ErrDestroyed, "pointer %#x", uintptr(ptr)))
	}
	if !s.Contains(ptr) {
		panic(errors.Wrapf(memutils.ErrInvalidPointer, "pointer %#x is outside the segment", uintptr(ptr)))
	}
	if (uintptr(ptr)-s.base)%uintptr(s.pageSize) != 0 {
		panic(errors.Wrapf(memutils.ErrInvalidPointer, "pointer %#x is not page aligned", uintptr(ptr)))
	}

	index := s.indexForPointer(ptr)
	if !s.isBacked(index) {
		panic(errors.Wrapf(memutils.ErrInvalidPointer, "pointer %#x does not head a block", uintptr(ptr)))
	}

	h := s.handles[index]
	if h.state != StateAllocated {
		panic(errors.Wrapf(memutils.ErrDoubleFree, "pointer %#x refers to a block in state %s", uintptr(ptr), h.state))
	}

	tail := index + int(h.size) - 1
	if h.size == 0 || tail > s.usablePages || !s.isBacked(tail) ||
		s.handles[tail].size != h.size || s.handles[tail].state != StateAllocated {
		panic(errors.Wrapf(memutils.ErrInvalidPointer, "pointer %#x does not head a block", uintptr(ptr)))
	}

	return index
}

func (s *Segment) decommitPages(head, pages int) error {
	return s.provider.Decommit(s.region, s.pointerForIndex(head), pages*s.pageSize)
}
