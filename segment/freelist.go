package segment

import (
	"fmt"

	"github.com/vkngwrapper/mmapseg/memutils"
)

func (s *Segment) unusedAnchor(class int) int {
	return s.anchorBase + class
}

func (s *Segment) reservedAnchor(class int) int {
	return s.anchorBase + SizeClassCount + class
}

func (s *Segment) familyAnchor(state PageState, class int) int {
	switch state {
	case StateUnused:
		return s.unusedAnchor(class)
	case StateReserved:
		return s.reservedAnchor(class)
	default:
		panic(fmt.Sprintf("blocks in state %s are not kept in a free list", state))
	}
}

func (s *Segment) isAnchor(index int) bool {
	return index >= s.anchorBase && index < s.anchorBase+anchorCount
}

// link pushes the block headed at head onto the front of the anchor's list
func (s *Segment) link(anchor, head int) {
	a := &s.handles[anchor]
	h := &s.handles[head]

	first := int(a.next)
	h.prev = uint16(anchor)
	h.next = uint16(first)
	s.handles[first].prev = uint16(head)
	a.next = uint16(head)

	if h.size > a.size {
		a.size = h.size
	}
}

func (s *Segment) unlink(head int) {
	h := &s.handles[head]
	if h.state != StateUnused && h.state != StateReserved {
		panic(fmt.Sprintf("block at handle %d is %s and cannot be in a free list", head, h.state))
	}

	s.handles[h.prev].next = h.next
	s.handles[h.next].prev = h.prev
}

// merge turns [head, head+size) into a block of the given state, folding in the blocks immediately before
// and after it when they are already in that state, and links the result into the matching free list.
// The block itself must not be linked into any list. The head of the merged block is returned.
func (s *Segment) merge(state PageState, owner memutils.OwnerTag, head, size int) int {
	end := head + size

	prev := s.handles[head-1]
	if prev.state == state {
		prevHead := head - int(prev.size)
		s.unlink(prevHead)
		head = prevHead
		size += int(prev.size)
	}

	next := s.handles[end]
	if next.state == state {
		s.unlink(end)
		size += int(next.size)
	}

	s.setBlock(head, size, state, owner)
	s.link(s.familyAnchor(state, ComputeSizeClass(uint16(size))), head)

	return head
}

// findFree returns the head of a block in the given family with at least pages pages, or 0 if there is
// none. Exact classes are satisfied by their first member. Ranged classes are scanned linearly unless
// their max-size hint rules the class out, and a scan that comes up empty lowers the hint to what it saw.
// After that the first non-empty larger class wins, since all of its members are large enough.
func (s *Segment) findFree(state PageState, pages int) int {
	class := ComputeSizeClass(uint16(pages))

	anchor := s.familyAnchor(state, class)
	a := &s.handles[anchor]

	if int(a.next) == anchor {
		a.size = 0
	} else if class < ExactClassCount {
		return int(a.next)
	} else if int(a.size) >= pages {
		var largest uint16
		for index := int(a.next); index != anchor; index = int(s.handles[index].next) {
			size := s.handles[index].size
			if int(size) >= pages {
				return index
			}
			if size > largest {
				largest = size
			}
		}

		a.size = largest
	}

	for class++; class < SizeClassCount; class++ {
		anchor = s.familyAnchor(state, class)
		first := int(s.handles[anchor].next)
		if first != anchor {
			return first
		}
	}

	return 0
}
