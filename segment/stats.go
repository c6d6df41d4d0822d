package segment

import (
	"unsafe"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/mmapseg/memutils"
	"golang.org/x/exp/slog"
)

// AddStatistics adds this segment's counters to stats. It does not walk the blocks.
func (s *Segment) AddStatistics(stats *memutils.Statistics) {
	stats.SegmentCount++
	stats.AllocationCount += s.allocationCount
	stats.SegmentBytes += s.usablePages * s.pageSize
	stats.AllocationBytes += s.allocatedPages * s.pageSize
	stats.UnusedBytes += s.unusedPages * s.pageSize
	stats.HeaderBytes += s.headerCommitted * s.pageSize
}

// AddDetailedStatistics walks every block of the segment and adds it to stats
func (s *Segment) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.SegmentCount++
	stats.SegmentBytes += s.usablePages * s.pageSize
	stats.HeaderBytes += s.headerCommitted * s.pageSize

	_ = s.VisitAllRegions(func(ptr unsafe.Pointer, size int, state PageState, owner memutils.OwnerTag) error {
		switch state {
		case StateAllocated:
			stats.AddAllocation(size)
		case StateUnused:
			stats.AddUnusedRange(size)
		case StateReserved:
			stats.AddReservedRange(size)
		}
		return nil
	})
}

// VisitAllRegions calls handleBlock for every block in the usable range in address order, with the block's
// size in bytes. The first error returned by handleBlock stops the walk and is returned.
func (s *Segment) VisitAllRegions(handleBlock func(ptr unsafe.Pointer, size int, state PageState, owner memutils.OwnerTag) error) error {
	if s.destroyed {
		return nil
	}

	for index := 1; index <= s.usablePages; {
		h := s.handles[index]

		err := handleBlock(s.pointerForIndex(index), int(h.size)*s.pageSize, h.state, h.owner)
		if err != nil {
			return err
		}

		index += int(h.size)
	}

	return nil
}

// PrintDetailedMap writes a summary of the segment and a list of all its blocks into json
func (s *Segment) PrintDetailedMap(json jwriter.ObjectState) {
	var stats memutils.DetailedStatistics
	stats.Clear()
	s.AddDetailedStatistics(&stats)

	json.Name("PageSize").Int(s.pageSize)
	json.Name("TotalBytes").Int(stats.SegmentBytes)
	json.Name("HeaderBytes").Int(stats.HeaderBytes)
	json.Name("AllocatedBytes").Int(stats.AllocationBytes)
	json.Name("UnusedBytes").Int(stats.UnusedBytes)
	json.Name("Allocations").Int(stats.AllocationCount)
	json.Name("UnusedRanges").Int(stats.UnusedRangeCount)
	json.Name("ReservedRanges").Int(stats.ReservedRangeCount)

	arrayState := json.Name("Blocks").Array()
	defer arrayState.End()

	start := uintptr(s.pointerForIndex(1))
	_ = s.VisitAllRegions(func(ptr unsafe.Pointer, size int, state PageState, owner memutils.OwnerTag) error {
		obj := arrayState.Object()
		defer obj.End()

		obj.Name("Offset").Int(int(uintptr(ptr) - start))
		obj.Name("Type").String(state.String())
		obj.Name("Size").Int(size)
		if state == StateAllocated {
			obj.Name("Owner").String(owner.String())
		}

		return nil
	})
}

// DebugLogAllAllocations calls logFunc once for every live allocation
func (s *Segment) DebugLogAllAllocations(logger *slog.Logger, logFunc func(log *slog.Logger, ptr unsafe.Pointer, size int, owner memutils.OwnerTag)) {
	_ = s.VisitAllRegions(func(ptr unsafe.Pointer, size int, state PageState, owner memutils.OwnerTag) error {
		if state == StateAllocated {
			logFunc(logger, ptr, size, owner)
		}
		return nil
	})
}
