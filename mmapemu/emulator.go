// Package mmapemu emulates mmap and munmap for an embedded allocator on top of page segments. Mappings are
// carved out of a growing list of segments, each reserved from a single vmem.VirtualMemory provider, and
// everything can be torn down at once when the heap is no longer needed.
package mmapemu

import (
	"context"
	"io"
	"strconv"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/mmapseg/internal/utils"
	"github.com/vkngwrapper/mmapseg/memutils"
	"github.com/vkngwrapper/mmapseg/segment"
	"github.com/vkngwrapper/mmapseg/vmem"
	"golang.org/x/exp/slog"
)

// DefaultSegmentSize is the reservation size of each segment when CreateOptions does not specify one
const DefaultSegmentSize = 16 * 1024 * 1024

type mapping struct {
	segment *segment.Segment
	size    int
}

// Emulator hands out page-aligned mappings the way mmap does, backed by segments that it creates on demand
type Emulator struct {
	logger   *slog.Logger
	provider vmem.VirtualMemory
	options  CreateOptions
	mutex    utils.OptionalMutex

	segments  []*segment.Segment
	mappings  *swiss.Map[uintptr, mapping]
	destroyed bool
}

// New creates an Emulator. No address space is reserved until the first call to Mmap.
func New(logger *slog.Logger, provider vmem.VirtualMemory, options CreateOptions) (*Emulator, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if provider == nil {
		return nil, errors.New("provider cannot be nil")
	}
	if options.SegmentSize < 0 || options.MaxSegments < 0 {
		return nil, errors.Newf("invalid segment size %d or maximum segment count %d", options.SegmentSize, options.MaxSegments)
	}

	memutils.DebugCheckPow2(provider.PageSize(), "provider page size")

	if options.SegmentSize == 0 {
		options.SegmentSize = DefaultSegmentSize
	}
	maxRegion := segment.ComputeRegionSize(segment.MaxUsablePages, provider.PageSize())
	if options.SegmentSize > maxRegion {
		options.SegmentSize = maxRegion
	}

	return &Emulator{
		logger:   logger,
		provider: provider,
		options:  options,
		mutex: utils.OptionalMutex{
			UseMutex: options.Flags&CreateExternallySynchronized == 0,
		},
		mappings: swiss.NewMap[uintptr, mapping](64),
	}, nil
}

// Mmap returns a new mapping of at least size bytes charged to owner. Existing segments are tried in the
// order they were created before a new segment is reserved.
func (e *Emulator) Mmap(size int, owner memutils.OwnerTag) (unsafe.Pointer, error) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	if e.destroyed {
		return nil, memutils.ErrDestroyed
	}
	if size <= 0 {
		return nil, errors.Newf("invalid mapping size: %d", size)
	}

	pageSize := e.provider.PageSize()
	pages := memutils.DivideRoundUp(size, pageSize)
	if pages > segment.MaxUsablePages {
		return nil, errors.Mark(
			errors.Wrapf(memutils.ErrTooLarge, "mapping of %d bytes", size),
			memutils.ErrOutOfMemory,
		)
	}

	for _, seg := range e.segments {
		if seg.UsablePages()-seg.AllocatedPages() < pages {
			continue
		}

		ptr, err := seg.Allocate(size, owner)
		if err == nil {
			e.mappings.Put(uintptr(ptr), mapping{segment: seg, size: size})
			return ptr, nil
		}
		if !errors.Is(err, memutils.ErrOutOfMemory) {
			return nil, err
		}
	}

	seg, err := e.createSegment(pages)
	if err != nil {
		return nil, err
	}

	ptr, err := seg.Allocate(size, owner)
	if err != nil {
		// The segment was created for this mapping alone, so it must not outlive the failure
		e.segments = e.segments[:len(e.segments)-1]
		return nil, errors.CombineErrors(err, seg.ForceReleaseAll())
	}

	e.mappings.Put(uintptr(ptr), mapping{segment: seg, size: size})
	return ptr, nil
}

func (e *Emulator) createSegment(pages int) (*segment.Segment, error) {
	if e.options.MaxSegments > 0 && len(e.segments) >= e.options.MaxSegments {
		return nil, errors.Wrapf(memutils.ErrOutOfMemory, "all %d segments are in use", len(e.segments))
	}

	regionSize := max(e.options.SegmentSize, segment.ComputeRegionSize(pages, e.provider.PageSize()))
	seg, err := segment.Create(e.logger, e.provider, regionSize, e.options.Segment)
	if err != nil {
		return nil, errors.Mark(err, memutils.ErrOutOfMemory)
	}

	e.segments = append(e.segments, seg)
	e.logger.LogAttrs(context.Background(), slog.LevelDebug, "reserved segment",
		slog.Int("index", len(e.segments)-1),
		slog.Int("bytes", regionSize),
	)

	return seg, nil
}

// Munmap releases a mapping returned by Mmap. The size must be the size the mapping was created with, or
// any size that rounds up to the same number of pages.
func (e *Emulator) Munmap(ptr unsafe.Pointer, size int) error {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	if e.destroyed {
		return memutils.ErrDestroyed
	}

	m, ok := e.mappings.Get(uintptr(ptr))
	if !ok {
		return errors.Wrapf(memutils.ErrInvalidPointer, "no mapping at %#x", uintptr(ptr))
	}

	allocated := m.segment.SizeOfAllocation(ptr)
	if size <= 0 || size > allocated || allocated-size >= e.provider.PageSize() {
		return errors.Newf("mapping at %#x has size %d, but %d bytes were unmapped", uintptr(ptr), m.size, size)
	}

	m.segment.Free(ptr)
	e.mappings.Delete(uintptr(ptr))

	return nil
}

// Contains reports whether ptr lies inside any segment of the emulator
func (e *Emulator) Contains(ptr unsafe.Pointer) bool {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	for _, seg := range e.segments {
		if seg.Contains(ptr) {
			return true
		}
	}

	return false
}

// MappingCount returns the number of live mappings
func (e *Emulator) MappingCount() int {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	return e.mappings.Count()
}

// SegmentCount returns the number of segments currently reserved
func (e *Emulator) SegmentCount() int {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	return len(e.segments)
}

// Trim decommits the Unused pages of every segment, and destroys segments that hold no mappings
func (e *Emulator) Trim() error {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	var err error
	kept := e.segments[:0]
	for _, seg := range e.segments {
		if seg.IsEmpty() {
			err = errors.CombineErrors(err, seg.Destroy())
			continue
		}

		err = errors.CombineErrors(err, seg.ReleaseAllUnused())
		kept = append(kept, seg)
	}

	clear(e.segments[len(kept):])
	e.segments = kept

	return err
}

// Destroy forcibly releases every segment, whether or not mappings are still live. Any use of memory
// returned by Mmap after this point is invalid.
func (e *Emulator) Destroy() error {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	if e.destroyed {
		return nil
	}

	if e.mappings.Count() > 0 {
		e.logger.LogAttrs(context.Background(), slog.LevelWarn, "destroying emulator with live mappings",
			slog.Int("mappings", e.mappings.Count()),
		)
	}

	var err error
	for _, seg := range e.segments {
		err = errors.CombineErrors(err, seg.ForceReleaseAll())
	}

	e.segments = nil
	e.mappings = swiss.NewMap[uintptr, mapping](64)
	e.destroyed = true

	return err
}

// AddStatistics adds the counters of every segment to stats
func (e *Emulator) AddStatistics(stats *memutils.Statistics) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	for _, seg := range e.segments {
		seg.AddStatistics(stats)
	}
}

// AddDetailedStatistics walks every segment and adds its blocks to stats
func (e *Emulator) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	for _, seg := range e.segments {
		seg.AddDetailedStatistics(stats)
	}
}

// PrintDetailedMap writes one object per segment, keyed by segment index, into writer
func (e *Emulator) PrintDetailedMap(writer *jwriter.Writer) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	objState := writer.Object()
	defer objState.End()

	objState.Name("Mappings").Int(e.mappings.Count())

	segmentsObj := objState.Name("Segments").Object()
	defer segmentsObj.End()

	for i, seg := range e.segments {
		segObj := segmentsObj.Name(strconv.Itoa(i)).Object()
		seg.PrintDetailedMap(segObj)
		segObj.End()
	}
}

// Validate checks every segment and verifies that the mapping table agrees with them
func (e *Emulator) Validate() error {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	var allocations int
	for i, seg := range e.segments {
		err := seg.Validate()
		if err != nil {
			return errors.Wrapf(err, "segment %d", i)
		}
		allocations += seg.AllocationCount()
	}

	if allocations != e.mappings.Count() {
		return errors.Wrapf(memutils.ErrInconsistent, "segments hold %d allocations, but %d mappings are recorded", allocations, e.mappings.Count())
	}

	return nil
}
