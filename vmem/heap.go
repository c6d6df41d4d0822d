package vmem

import (
	"math"
	"math/bits"
	"sync"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/mmapseg/memutils"
)

// ErrCommitLimit is returned from HeapProvider.Commit when committing would exceed the configured limit
var ErrCommitLimit = errors.New("commit limit reached")

// HeapProviderOptions contains optional settings when creating a HeapProvider
type HeapProviderOptions struct {
	// PageSize is the commit granularity. Defaults to MinPageSize.
	PageSize int
	// CommitLimit is the maximum number of bytes that may be committed across all regions at once.
	// Zero means no limit.
	CommitLimit int
	// MaxRegionSize rejects reservations larger than this many bytes. Zero means no limit.
	MaxRegionSize int
}

type heapRegion struct {
	backing   []byte
	region    Region
	committed []uint64
	pages     int
}

func (r *heapRegion) pageRange(addr unsafe.Pointer, size int, pageSize int) (int, int, error) {
	offset := uintptr(addr) - uintptr(r.region.Data)
	if uintptr(addr) < uintptr(r.region.Data) || offset+uintptr(size) > uintptr(r.region.Size) {
		return 0, 0, errors.Newf("range at offset %d with size %d is outside the region", int(offset), size)
	}
	if offset%uintptr(pageSize) != 0 || size%pageSize != 0 || size <= 0 {
		return 0, 0, errors.Newf("range at offset %d with size %d is not page aligned", int(offset), size)
	}

	first := int(offset) / pageSize
	return first, first + size/pageSize, nil
}

func (r *heapRegion) isCommitted(page int) bool {
	return r.committed[page/64]&(1<<(page%64)) != 0
}

func (r *heapRegion) setCommitted(page int, committed bool) {
	if committed {
		r.committed[page/64] |= 1 << (page % 64)
	} else {
		r.committed[page/64] &^= 1 << (page % 64)
	}
}

func (r *heapRegion) committedPages() int {
	var count int
	for _, word := range r.committed {
		count += bits.OnesCount64(word)
	}
	return count
}

// HeapProvider is a VirtualMemory that emulates reservations with Go-managed memory. It tracks which
// pages are committed, zeroes pages on decommit, and rejects commits of pages that are already committed
// or decommits of pages that are not, so allocator bookkeeping errors surface as provider errors instead
// of silently working. It is safe for concurrent use.
type HeapProvider struct {
	pageSize      int
	commitLimit   int
	maxRegionSize int

	mutex          sync.Mutex
	regions        *swiss.Map[uintptr, *heapRegion]
	committedBytes int
	commitCalls    int
	decommitCalls  int
}

var _ VirtualMemory = &HeapProvider{}

// NewHeapProvider creates a HeapProvider. The page size must be a power of two no smaller than MinPageSize.
func NewHeapProvider(options HeapProviderOptions) (*HeapProvider, error) {
	pageSize := options.PageSize
	if pageSize == 0 {
		pageSize = MinPageSize
	}

	err := memutils.CheckPow2(pageSize, "page size")
	if err != nil {
		return nil, err
	}
	if pageSize < MinPageSize {
		return nil, errors.Newf("page size %d is smaller than the minimum page size %d", pageSize, MinPageSize)
	}

	return &HeapProvider{
		pageSize:      pageSize,
		commitLimit:   options.CommitLimit,
		maxRegionSize: options.MaxRegionSize,
		regions:       swiss.NewMap[uintptr, *heapRegion](8),
	}, nil
}

func (p *HeapProvider) PageSize() int { return p.pageSize }

func (p *HeapProvider) ReserveRegion(minBytes int) (Region, error) {
	if minBytes < 1 {
		return Region{}, errors.Newf("invalid reservation size: %d", minBytes)
	}

	if minBytes > math.MaxInt-2*p.pageSize {
		return Region{}, errors.Wrapf(memutils.ErrOutOfMemory, "reservation of %d bytes cannot be addressed", minBytes)
	}

	size := memutils.AlignUp(minBytes, p.pageSize)
	if p.maxRegionSize > 0 && size > p.maxRegionSize {
		return Region{}, errors.Wrapf(memutils.ErrOutOfMemory, "reservation of %d bytes exceeds the maximum region size %d", size, p.maxRegionSize)
	}

	// Over-allocate by a page so the region can start on a page boundary
	backing := make([]byte, size+p.pageSize)
	start := unsafe.Pointer(unsafe.SliceData(backing))
	padding := memutils.AlignUp(uintptr(start), uintptr(p.pageSize)) - uintptr(start)

	pages := size / p.pageSize
	r := &heapRegion{
		backing: backing,
		region: Region{
			Data: unsafe.Add(start, padding),
			Size: size,
		},
		committed: make([]uint64, memutils.DivideRoundUp(pages, 64)),
		pages:     pages,
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.regions.Put(uintptr(r.region.Data), r)
	return r.region, nil
}

func (p *HeapProvider) lookup(region Region) (*heapRegion, error) {
	r, ok := p.regions.Get(uintptr(region.Data))
	if !ok || r.region.Size != region.Size {
		return nil, errors.Newf("region at %#x was not reserved by this provider", uintptr(region.Data))
	}
	return r, nil
}

func (p *HeapProvider) Commit(region Region, addr unsafe.Pointer, size int) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.commitCalls++

	r, err := p.lookup(region)
	if err != nil {
		return err
	}

	first, last, err := r.pageRange(addr, size, p.pageSize)
	if err != nil {
		return err
	}

	if p.commitLimit > 0 && p.committedBytes+size > p.commitLimit {
		return errors.Wrapf(ErrCommitLimit, "committing %d bytes with %d of %d already committed", size, p.committedBytes, p.commitLimit)
	}

	for page := first; page < last; page++ {
		if r.isCommitted(page) {
			return errors.Newf("page %d of region %#x is already committed", page, uintptr(region.Data))
		}
	}

	for page := first; page < last; page++ {
		r.setCommitted(page, true)
	}
	p.committedBytes += size

	return nil
}

func (p *HeapProvider) Decommit(region Region, addr unsafe.Pointer, size int) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.decommitCalls++

	r, err := p.lookup(region)
	if err != nil {
		return err
	}

	first, last, err := r.pageRange(addr, size, p.pageSize)
	if err != nil {
		return err
	}

	for page := first; page < last; page++ {
		if !r.isCommitted(page) {
			return errors.Newf("page %d of region %#x is not committed", page, uintptr(region.Data))
		}
	}

	for page := first; page < last; page++ {
		r.setCommitted(page, false)
	}
	p.committedBytes -= size

	// Emulate the kernel handing back zero pages on the next touch
	clear(unsafe.Slice((*byte)(addr), size))

	return nil
}

func (p *HeapProvider) DestroyRegion(region Region) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	r, err := p.lookup(region)
	if err != nil {
		return err
	}

	p.committedBytes -= r.committedPages() * p.pageSize
	p.regions.Delete(uintptr(region.Data))
	r.backing = nil

	return nil
}

// IsCommitted reports whether every page in [addr, addr+size) is committed
func (p *HeapProvider) IsCommitted(region Region, addr unsafe.Pointer, size int) bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	r, err := p.lookup(region)
	if err != nil {
		return false
	}

	first, last, err := r.pageRange(addr, size, p.pageSize)
	if err != nil {
		return false
	}

	for page := first; page < last; page++ {
		if !r.isCommitted(page) {
			return false
		}
	}

	return true
}

// CommittedBytes returns the number of bytes currently committed across all live regions
func (p *HeapProvider) CommittedBytes() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return p.committedBytes
}

// RegionCount returns the number of live reservations
func (p *HeapProvider) RegionCount() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return p.regions.Count()
}

// CommitCalls returns the number of times Commit has been called, successful or not
func (p *HeapProvider) CommitCalls() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return p.commitCalls
}

// DecommitCalls returns the number of times Decommit has been called, successful or not
func (p *HeapProvider) DecommitCalls() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return p.decommitCalls
}

// SetCommitLimit changes the commit limit. Zero removes the limit. Lowering the limit below the
// current commit does not decommit anything, it only causes later commits to fail.
func (p *HeapProvider) SetCommitLimit(limit int) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.commitLimit = limit
}
