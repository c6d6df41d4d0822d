package segment

import (
	"context"
	"fmt"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/mmapseg/memutils"
	"golang.org/x/exp/slog"
)

// releaseUnused decommits Unused blocks once the segment holds more of them than its threshold allows
func (s *Segment) releaseUnused() {
	if s.unusedPages <= s.unusedThreshold {
		return
	}

	err := s.releaseUntil(s.unusedThreshold / 2)
	if err != nil {
		s.logger.LogAttrs(context.Background(), slog.LevelError, "failed to release unused pages",
			slog.Int("unusedPages", s.unusedPages),
			slog.Any("error", err),
		)
	}
}

// releaseUntil decommits Unused blocks, largest classes first and oldest blocks first within a class, until
// no more than target Unused pages remain
func (s *Segment) releaseUntil(target int) error {
	for class := SizeClassCount - 1; class >= 0 && s.unusedPages > target; class-- {
		anchor := s.unusedAnchor(class)

		for s.unusedPages > target {
			last := int(s.handles[anchor].prev)
			if last == anchor {
				break
			}

			err := s.releaseBlock(last)
			if err != nil {
				return err
			}
		}
	}

	return nil
}

// releaseBlock decommits the Unused block at head and merges it into Reserved. If the provider fails to
// decommit, the block stays Unused.
func (s *Segment) releaseBlock(head int) error {
	size := int(s.handles[head].size)
	s.unlink(head)

	err := s.decommitPages(head, size)
	if err != nil {
		s.link(s.unusedAnchor(ComputeSizeClass(uint16(size))), head)
		return errors.Wrapf(err, "failed to decommit %d unused pages", size)
	}

	s.accountant.Release(s.unusedTag, size*s.pageSize)
	s.unusedPages -= size
	s.merge(StateReserved, s.unusedTag, head, size)

	return nil
}

// ReleaseAllUnused decommits every Unused block, regardless of the unused threshold. Calling it again
// without freeing anything in between does nothing.
func (s *Segment) ReleaseAllUnused() error {
	if s.destroyed {
		return nil
	}

	err := s.releaseUntil(0)
	memutils.DebugValidate(s)
	return err
}

// ForceReleaseAll tears the segment down: blocks that are still allocated are logged and reclaimed, every
// committed page including the page handle table is decommitted, and the region is destroyed. The segment
// cannot be used afterwards. Errors from the provider do not stop the teardown; they are combined and
// returned at the end.
func (s *Segment) ForceReleaseAll() error {
	if s.destroyed {
		return nil
	}

	var err error
	ctx := context.Background()

	for index := 1; index <= s.usablePages; {
		h := s.handles[index]
		size := int(h.size)

		if h.state != StateAllocated {
			index += size
			continue
		}

		s.logger.LogAttrs(ctx, slog.LevelError, "[UNRELEASED MEMORY] allocation was never freed",
			slog.String("ptr", fmt.Sprintf("%p", s.pointerForIndex(index))),
			slog.Int("bytes", size*s.pageSize),
			slog.String("owner", h.owner.String()),
		)

		s.allocatedPages -= size
		s.allocationCount--

		var merged int
		if s.accountant.Transfer(h.owner, s.unusedTag, size*s.pageSize) {
			merged = s.merge(StateUnused, s.unusedTag, index, size)
			s.unusedPages += size
		} else {
			err = errors.CombineErrors(err, s.decommitPages(index, size))
			s.accountant.Release(h.owner, size*s.pageSize)
			merged = s.merge(StateReserved, s.unusedTag, index, size)
		}

		index = merged + int(s.handles[merged].size)
	}

	err = errors.CombineErrors(err, s.releaseUntil(0))

	if s.unusedPages > 0 {
		// Pages that could not be decommitted still hold their unused budget
		s.accountant.Release(s.unusedTag, s.unusedPages*s.pageSize)
		s.unusedPages = 0
	}

	err = errors.CombineErrors(err, s.decommitHeader(s.upperFirstPage, s.headerPages-s.upperFirstPage))
	err = errors.CombineErrors(err, s.decommitHeader(0, s.lowPages))
	err = errors.CombineErrors(err, s.provider.DestroyRegion(s.region))

	s.handles = nil
	s.lowPages = 0
	s.lowHandles = 0
	s.destroyed = true

	s.logger.LogAttrs(ctx, slog.LevelDebug, "destroyed segment",
		slog.Int("usablePages", s.usablePages),
		slog.Bool("clean", err == nil),
	)

	return err
}

// Destroy tears the segment down if it has no live allocations. If allocations remain, they are logged and
// an error is returned without touching the segment; use ForceReleaseAll to reclaim them.
func (s *Segment) Destroy() error {
	if s.destroyed {
		return nil
	}

	if s.allocationCount > 0 {
		s.DebugLogAllAllocations(s.logger, func(log *slog.Logger, ptr unsafe.Pointer, size int, owner memutils.OwnerTag) {
			log.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] allocation is still live",
				slog.String("ptr", fmt.Sprintf("%p", ptr)),
				slog.Int("bytes", size),
				slog.String("owner", owner.String()),
			)
		})

		return errors.Newf("segment still has %d live allocations", s.allocationCount)
	}

	return s.ForceReleaseAll()
}
