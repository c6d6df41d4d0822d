// Package segment implements a page-granular sub-allocator over a single reservation of virtual address
// space. It is meant to sit behind a general purpose allocator and serve the allocations that are too large
// for size-class slabs.
//
// The start of each reservation holds a table of page handles, one per usable page, followed by two
// sentinels and the anchors of the free lists. A block of pages records its size and state in the handles of
// its first and last page, so neighbors can be found and merged in constant time. Free blocks are either
// Unused, meaning still committed and ready to be handed out again, or Reserved, meaning only address space.
// Each of the two families is indexed by 29 size classes: one class per page count up to 17 pages, then one
// per power of two.
//
// Memory is committed through a vmem.VirtualMemory provider, and every commit, release, or change of owner is
// reported to an Accountant first, which may refuse it. The page handle table itself is committed lazily as
// the blocks it describes reach further into the segment.
package segment
