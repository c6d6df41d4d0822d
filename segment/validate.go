package segment

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/mmapseg/memutils"
)

// ConsistencyCode is the result of CheckConsistency. Zero means the segment is consistent; every negative
// value names the first class of violation that was found.
type ConsistencyCode int

const (
	// ConsistencyOK means every check passed
	ConsistencyOK ConsistencyCode = -iota
	// ConsistencyBadSentinel means a sentinel or list anchor has been overwritten
	ConsistencyBadSentinel
	// ConsistencyZeroSize means a block in the usable range has a size of zero
	ConsistencyZeroSize
	// ConsistencyHeadTailMismatch means the head and tail handles of a block disagree
	ConsistencyHeadTailMismatch
	// ConsistencyAdjacentFree means two neighboring blocks are both Unused or both Reserved
	ConsistencyAdjacentFree
	// ConsistencyBadLink means a free list contains a block of the wrong state, or its prev and next
	// links disagree
	ConsistencyBadLink
	// ConsistencyWrongClass means a block is linked into a list whose size class it does not belong to
	ConsistencyWrongClass
	// ConsistencyListCount means the free lists do not hold exactly the free blocks of the usable range
	ConsistencyListCount
	// ConsistencyCounterDrift means the allocated, unused, or allocation counters disagree with the blocks
	ConsistencyCounterDrift
	// ConsistencyStaleLowHint means a list holds a block larger than its max-size hint
	ConsistencyStaleLowHint
	// ConsistencyUnbackedHandle means a block head or tail lies in page handle memory that was never
	// committed
	ConsistencyUnbackedHandle
	// ConsistencyOverflow means a block extends past the last usable page
	ConsistencyOverflow
)

var consistencyCodeMapping = map[ConsistencyCode]string{
	ConsistencyOK:               "OK",
	ConsistencyBadSentinel:      "BadSentinel",
	ConsistencyZeroSize:         "ZeroSize",
	ConsistencyHeadTailMismatch: "HeadTailMismatch",
	ConsistencyAdjacentFree:     "AdjacentFree",
	ConsistencyBadLink:          "BadLink",
	ConsistencyWrongClass:       "WrongClass",
	ConsistencyListCount:        "ListCount",
	ConsistencyCounterDrift:     "CounterDrift",
	ConsistencyStaleLowHint:     "StaleLowHint",
	ConsistencyUnbackedHandle:   "UnbackedHandle",
	ConsistencyOverflow:         "Overflow",
}

func (c ConsistencyCode) String() string {
	return consistencyCodeMapping[c]
}

// CheckConsistency walks every block and every free list and verifies the bookkeeping that ties them
// together. It does not modify the segment. A destroyed segment is always consistent.
func (s *Segment) CheckConsistency() ConsistencyCode {
	if s.destroyed {
		return ConsistencyOK
	}

	low := s.handles[0]
	high := s.handles[s.usablePages+1]
	if low.state != StateSentinel || low.size != 1 || high.state != StateSentinel || high.size != 1 {
		return ConsistencyBadSentinel
	}
	for anchor := s.anchorBase; anchor < s.anchorBase+anchorCount; anchor++ {
		if s.handles[anchor].state != StateSentinel {
			return ConsistencyBadSentinel
		}
	}

	var allocatedPages, unusedPages, allocationCount int
	var freeBlocks [StateSentinel]int

	previous := StateSentinel
	for index := 1; index <= s.usablePages; {
		if !s.isBacked(index) {
			return ConsistencyUnbackedHandle
		}

		h := s.handles[index]
		if h.size == 0 {
			return ConsistencyZeroSize
		}
		if h.state == StateSentinel {
			return ConsistencyBadSentinel
		}

		tail := index + int(h.size) - 1
		if tail > s.usablePages {
			return ConsistencyOverflow
		}
		if !s.isBacked(tail) {
			return ConsistencyUnbackedHandle
		}
		if s.handles[tail].size != h.size || s.handles[tail].state != h.state {
			return ConsistencyHeadTailMismatch
		}

		switch h.state {
		case StateAllocated:
			allocatedPages += int(h.size)
			allocationCount++
		case StateUnused:
			unusedPages += int(h.size)
			freeBlocks[StateUnused]++
		case StateReserved:
			freeBlocks[StateReserved]++
		}

		if h.state != StateAllocated && h.state == previous {
			return ConsistencyAdjacentFree
		}

		previous = h.state
		index = tail + 1
	}

	for _, state := range []PageState{StateUnused, StateReserved} {
		listed := 0

		for class := 0; class < SizeClassCount; class++ {
			anchor := s.familyAnchor(state, class)
			hint := s.handles[anchor].size

			current := anchor
			for {
				next := int(s.handles[current].next)
				if next != anchor && (!s.isBacked(next) || next < 1 || next > s.usablePages) {
					return ConsistencyBadLink
				}
				if int(s.handles[next].prev) != current {
					return ConsistencyBadLink
				}
				if next == anchor {
					break
				}

				h := s.handles[next]
				if h.state != state {
					return ConsistencyBadLink
				}
				if h.size == 0 {
					return ConsistencyZeroSize
				}
				if ComputeSizeClass(h.size) != class {
					return ConsistencyWrongClass
				}
				if h.size > hint {
					return ConsistencyStaleLowHint
				}

				listed++
				if listed > freeBlocks[state] {
					return ConsistencyListCount
				}
				current = next
			}
		}

		if listed != freeBlocks[state] {
			return ConsistencyListCount
		}
	}

	if allocatedPages != s.allocatedPages || unusedPages != s.unusedPages || allocationCount != s.allocationCount {
		return ConsistencyCounterDrift
	}

	return ConsistencyOK
}

// Validate runs CheckConsistency and reports a failure as an error wrapping memutils.ErrInconsistent
func (s *Segment) Validate() error {
	code := s.CheckConsistency()
	if code != ConsistencyOK {
		return errors.Wrapf(memutils.ErrInconsistent, "segment check failed with code %d (%s)", int(code), code)
	}

	return nil
}
