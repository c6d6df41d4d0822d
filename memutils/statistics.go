package memutils

import "math"

// Statistics is a cheap summary of one or more segments. A segment's bytes are split between live
// allocations, committed-but-free (unused) pages, committed metadata, and address space that is only
// reserved.
type Statistics struct {
	SegmentCount    int
	AllocationCount int
	SegmentBytes    int
	AllocationBytes int
	UnusedBytes     int
	HeaderBytes     int
}

func (s *Statistics) Clear() {
	s.SegmentCount = 0
	s.AllocationCount = 0
	s.SegmentBytes = 0
	s.AllocationBytes = 0
	s.UnusedBytes = 0
	s.HeaderBytes = 0
}

func (s *Statistics) AddStatistics(other *Statistics) {
	s.SegmentCount += other.SegmentCount
	s.AllocationCount += other.AllocationCount
	s.SegmentBytes += other.SegmentBytes
	s.AllocationBytes += other.AllocationBytes
	s.UnusedBytes += other.UnusedBytes
	s.HeaderBytes += other.HeaderBytes
}

// CommittedBytes is the amount of physical memory the summarized segments are holding
func (s *Statistics) CommittedBytes() int {
	return s.AllocationBytes + s.UnusedBytes + s.HeaderBytes
}

// ReservedBytes is the amount of usable address space that is not backed by committed memory
func (s *Statistics) ReservedBytes() int {
	return s.SegmentBytes - s.AllocationBytes - s.UnusedBytes
}

type DetailedStatistics struct {
	Statistics
	UnusedRangeCount     int
	ReservedRangeCount   int
	AllocationSizeMin    int
	AllocationSizeMax    int
	UnusedRangeSizeMin   int
	UnusedRangeSizeMax   int
	ReservedRangeSizeMax int
}

func (s *DetailedStatistics) Clear() {
	s.Statistics.Clear()
	s.UnusedRangeCount = 0
	s.ReservedRangeCount = 0
	s.AllocationSizeMin = math.MaxInt
	s.AllocationSizeMax = 0
	s.UnusedRangeSizeMin = math.MaxInt
	s.UnusedRangeSizeMax = 0
	s.ReservedRangeSizeMax = 0
}

func (s *DetailedStatistics) AddUnusedRange(size int) {
	s.UnusedRangeCount++
	s.UnusedBytes += size

	if size < s.UnusedRangeSizeMin {
		s.UnusedRangeSizeMin = size
	}

	if size > s.UnusedRangeSizeMax {
		s.UnusedRangeSizeMax = size
	}
}

func (s *DetailedStatistics) AddReservedRange(size int) {
	s.ReservedRangeCount++

	if size > s.ReservedRangeSizeMax {
		s.ReservedRangeSizeMax = size
	}
}

func (s *DetailedStatistics) AddAllocation(size int) {
	s.AllocationCount++
	s.AllocationBytes += size

	if size < s.AllocationSizeMin {
		s.AllocationSizeMin = size
	}

	if size > s.AllocationSizeMax {
		s.AllocationSizeMax = size
	}
}

func (s *DetailedStatistics) AddDetailedStatistics(other *DetailedStatistics) {
	s.Statistics.AddStatistics(&other.Statistics)
	s.UnusedRangeCount += other.UnusedRangeCount
	s.ReservedRangeCount += other.ReservedRangeCount

	if other.UnusedRangeSizeMin < s.UnusedRangeSizeMin {
		s.UnusedRangeSizeMin = other.UnusedRangeSizeMin
	}

	if other.UnusedRangeSizeMax > s.UnusedRangeSizeMax {
		s.UnusedRangeSizeMax = other.UnusedRangeSizeMax
	}

	if other.ReservedRangeSizeMax > s.ReservedRangeSizeMax {
		s.ReservedRangeSizeMax = other.ReservedRangeSizeMax
	}

	if other.AllocationSizeMin < s.AllocationSizeMin {
		s.AllocationSizeMin = other.AllocationSizeMin
	}

	if other.AllocationSizeMax > s.AllocationSizeMax {
		s.AllocationSizeMax = other.AllocationSizeMax
	}
}
