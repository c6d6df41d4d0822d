package memutils

import "strconv"

// OwnerTag is an opaque accounting class attached to committed memory. Segments never interpret it, they
// only hand it to an Accountant so bytes can be charged to the right budget.
type OwnerTag uint8

const (
	// OwnerDefault is the class used for ordinary allocations when the caller has no better classification
	OwnerDefault OwnerTag = iota
	// OwnerSegmentHeader is the class charged for the page handle tables of segments
	OwnerSegmentHeader
	// OwnerSegmentUnused is the class charged for committed pages that are free but retained for reuse
	OwnerSegmentUnused
	// OwnerUserBase is the first tag that is free for consumer-defined classes
	OwnerUserBase
)

var ownerTagMapping = map[OwnerTag]string{
	OwnerDefault:       "Default",
	OwnerSegmentHeader: "SegmentHeader",
	OwnerSegmentUnused: "SegmentUnused",
}

func (t OwnerTag) String() string {
	name, ok := ownerTagMapping[t]
	if !ok {
		return "Owner" + strconv.Itoa(int(t))
	}
	return name
}
