package segment_test

import (
	"bytes"
	"math"
	"math/rand"
	"testing"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/mmapseg/budget"
	"github.com/vkngwrapper/mmapseg/memutils"
	"github.com/vkngwrapper/mmapseg/segment"
	"github.com/vkngwrapper/mmapseg/vmem"
	"github.com/vkngwrapper/mmapseg/vmem/mocks"
	"go.uber.org/mock/gomock"
	"golang.org/x/exp/slog"
)

const (
	pageSize = 4096
	tagA     = memutils.OwnerUserBase
	tagB     = memutils.OwnerUserBase + 1
)

type segmentSetup struct {
	TotalPages int
	Options    segment.CreateOptions
	Logger     *slog.Logger
}

func readySegment(t *testing.T, setup segmentSetup) (*vmem.HeapProvider, *segment.Segment) {
	provider, err := vmem.NewHeapProvider(vmem.HeapProviderOptions{})
	require.NoError(t, err)

	s, err := segment.Create(setup.Logger, provider, setup.TotalPages*pageSize, setup.Options)
	require.NoError(t, err)

	return provider, s
}

// delegatingProvider returns a mock that forwards every call to a HeapProvider
func delegatingProvider(t *testing.T, ctrl *gomock.Controller) (*vmem.HeapProvider, *mocks.MockVirtualMemory) {
	heap, err := vmem.NewHeapProvider(vmem.HeapProviderOptions{})
	require.NoError(t, err)

	mock := mocks.NewMockVirtualMemory(ctrl)
	mock.EXPECT().PageSize().DoAndReturn(heap.PageSize).AnyTimes()
	mock.EXPECT().ReserveRegion(gomock.Any()).DoAndReturn(heap.ReserveRegion).AnyTimes()
	mock.EXPECT().Decommit(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(heap.Decommit).AnyTimes()
	mock.EXPECT().DestroyRegion(gomock.Any()).DoAndReturn(heap.DestroyRegion).AnyTimes()

	return heap, mock
}

func TestCreateContainsBase(t *testing.T) {
	_, s := readySegment(t, segmentSetup{TotalPages: 256})

	base := s.Base()
	require.NotNil(t, base)
	require.True(t, s.Contains(base))
	require.False(t, s.Contains(unsafe.Add(base, -1)))
	require.True(t, s.Contains(unsafe.Add(base, s.UsablePages()*pageSize-1)))
	require.False(t, s.Contains(unsafe.Add(base, s.UsablePages()*pageSize)))

	require.Equal(t, 255, s.UsablePages())
	require.Equal(t, pageSize, s.PageSize())
	require.Equal(t, segment.DefaultUnusedThreshold, s.UnusedThreshold())
	require.True(t, s.IsEmpty())
	require.Equal(t, segment.ConsistencyOK, s.CheckConsistency())
}

func TestCreateRejectsTinyRegion(t *testing.T) {
	provider, err := vmem.NewHeapProvider(vmem.HeapProviderOptions{})
	require.NoError(t, err)

	_, err = segment.Create(nil, provider, pageSize, segment.CreateOptions{})
	require.ErrorIs(t, err, memutils.ErrOutOfMemory)
	require.Equal(t, 0, provider.RegionCount())
}

func TestCreateRollsBackOnRefusal(t *testing.T) {
	provider, err := vmem.NewHeapProvider(vmem.HeapProviderOptions{})
	require.NoError(t, err)

	accountant, err := budget.New(budget.CreateOptions{
		Limits: map[memutils.OwnerTag]int{memutils.OwnerSegmentHeader: pageSize},
	})
	require.NoError(t, err)

	// A 2048 page segment needs a second header page at creation
	_, err = segment.Create(nil, provider, 2048*pageSize, segment.CreateOptions{Accountant: accountant})
	require.ErrorIs(t, err, memutils.ErrOutOfMemory)
	require.Equal(t, 0, provider.RegionCount())
	require.Equal(t, 0, provider.CommittedBytes())
	require.Equal(t, 0, accountant.Total())
}

func TestAllocateTwoBlocks(t *testing.T) {
	provider, s := readySegment(t, segmentSetup{TotalPages: 256})

	first, err := s.Allocate(4096, tagA)
	require.NoError(t, err)
	second, err := s.Allocate(8192, tagA)
	require.NoError(t, err)

	require.NotNil(t, first)
	require.NotNil(t, second)
	require.Zero(t, uintptr(first)%pageSize)
	require.Zero(t, uintptr(second)%pageSize)
	require.True(t, uintptr(first)+pageSize <= uintptr(second) || uintptr(second)+2*pageSize <= uintptr(first))

	require.Equal(t, 3, s.AllocatedPages())
	require.Equal(t, 2, s.AllocationCount())
	require.Equal(t, pageSize, s.SizeOfAllocation(first))
	require.Equal(t, 2*pageSize, s.SizeOfAllocation(second))
	require.Equal(t, tagA, s.OwnerOfAllocation(second))
	require.True(t, provider.IsCommitted(s.Region(), second, 2*pageSize))

	// The memory is usable
	buffer := unsafe.Slice((*byte)(second), 2*pageSize)
	buffer[0] = 1
	buffer[2*pageSize-1] = 2

	require.Equal(t, segment.ConsistencyOK, s.CheckConsistency())
}

func TestAllocateZeroBytesTakesOnePage(t *testing.T) {
	_, s := readySegment(t, segmentSetup{TotalPages: 64})

	ptr, err := s.Allocate(0, tagA)
	require.NoError(t, err)
	require.Equal(t, pageSize, s.SizeOfAllocation(ptr))

	ptr, err = s.Allocate(pageSize+1, tagA)
	require.NoError(t, err)
	require.Equal(t, 2*pageSize, s.SizeOfAllocation(ptr))

	_, err = s.Allocate(-1, tagA)
	require.Error(t, err)
}

func TestFreedBlockIsReusedWithoutCommit(t *testing.T) {
	ctrl := gomock.NewController(t)
	heap, mock := delegatingProvider(t, ctrl)
	mock.EXPECT().Commit(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(heap.Commit).AnyTimes()

	s, err := segment.Create(nil, mock, 256*pageSize, segment.CreateOptions{})
	require.NoError(t, err)

	first, err := s.Allocate(4096, tagA)
	require.NoError(t, err)
	_, err = s.Allocate(8192, tagA)
	require.NoError(t, err)

	s.Free(first)
	require.Equal(t, 1, s.UnusedPages())
	commits := heap.CommitCalls()

	again, err := s.Allocate(4096, tagA)
	require.NoError(t, err)
	require.Equal(t, first, again)
	require.Equal(t, commits, heap.CommitCalls())
	require.Equal(t, 0, s.UnusedPages())
	require.Equal(t, 3, s.AllocatedPages())
}

func TestFreeMergesNeighbors(t *testing.T) {
	_, s := readySegment(t, segmentSetup{TotalPages: 64})

	first, err := s.Allocate(pageSize, tagA)
	require.NoError(t, err)
	second, err := s.Allocate(pageSize, tagA)
	require.NoError(t, err)
	require.Equal(t, unsafe.Add(first, pageSize), second)

	s.Free(first)
	s.Free(second)

	var stats memutils.DetailedStatistics
	stats.Clear()
	s.AddDetailedStatistics(&stats)

	require.Equal(t, 1, stats.UnusedRangeCount)
	require.Equal(t, 2*pageSize, stats.UnusedBytes)
	require.Equal(t, 2*pageSize, stats.UnusedRangeSizeMax)
	require.Equal(t, 1, stats.ReservedRangeCount)
	require.Equal(t, 0, stats.AllocationCount)
	require.Equal(t, 2, s.UnusedPages())
	require.Equal(t, segment.ConsistencyOK, s.CheckConsistency())
}

func TestFreeReleasesAboveThreshold(t *testing.T) {
	provider, s := readySegment(t, segmentSetup{TotalPages: 64})
	s.SetUnusedThreshold(4)

	var ptrs []unsafe.Pointer
	for i := 0; i < 12; i++ {
		ptr, err := s.Allocate(pageSize, tagA)
		require.NoError(t, err)
		ptrs = append(ptrs, ptr)
	}

	for i := 0; i < 8; i += 2 {
		s.Free(ptrs[i])
	}
	require.Equal(t, 4, s.UnusedPages())
	require.Equal(t, (12+1)*pageSize, provider.CommittedBytes())

	s.Free(ptrs[8])
	require.LessOrEqual(t, s.UnusedPages(), 2)
	require.Equal(t, (7+s.UnusedPages()+1)*pageSize, provider.CommittedBytes())
	require.Equal(t, segment.ConsistencyOK, s.CheckConsistency())

	// The oldest blocks go first
	require.False(t, provider.IsCommitted(s.Region(), ptrs[0], pageSize))
	require.True(t, provider.IsCommitted(s.Region(), ptrs[8], pageSize))
}

func TestAllocateTooLarge(t *testing.T) {
	ctrl := gomock.NewController(t)
	heap, mock := delegatingProvider(t, ctrl)
	// Only the first header page is ever committed
	mock.EXPECT().Commit(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(heap.Commit).Times(1)

	s, err := segment.Create(nil, mock, 64*pageSize, segment.CreateOptions{})
	require.NoError(t, err)

	ptr, err := s.Allocate(s.Region().Size+1, tagA)
	require.ErrorIs(t, err, memutils.ErrOutOfMemory)
	require.Nil(t, ptr)

	ptr, err = s.Allocate((segment.MaxUsablePages+1)*pageSize, tagA)
	require.Nil(t, ptr)
	require.True(t, errors.Is(err, memutils.ErrTooLarge))
	require.True(t, errors.Is(err, memutils.ErrOutOfMemory))

	require.Equal(t, 0, s.AllocatedPages())
	require.Equal(t, 0, s.AllocationCount())
	require.Equal(t, 0, s.UnusedPages())
	require.Equal(t, pageSize, heap.CommittedBytes())
}

func TestAllocateHugeRequestIsRejected(t *testing.T) {
	provider, s := readySegment(t, segmentSetup{TotalPages: 256})
	committed := provider.CommittedBytes()

	for _, size := range []int{math.MaxInt, math.MaxInt - 100, math.MaxInt - pageSize + 2} {
		ptr, err := s.Allocate(size, tagA)
		require.Nil(t, ptr)
		require.True(t, errors.Is(err, memutils.ErrTooLarge), "%d bytes", size)
		require.True(t, errors.Is(err, memutils.ErrOutOfMemory), "%d bytes", size)
	}

	require.Equal(t, 0, s.AllocatedPages())
	require.Equal(t, 0, s.AllocationCount())
	require.Equal(t, committed, provider.CommittedBytes())
	require.Equal(t, segment.ConsistencyOK, s.CheckConsistency())
}

func TestAllocateExhaustsSegment(t *testing.T) {
	_, s := readySegment(t, segmentSetup{TotalPages: 64})

	ptr, err := s.Allocate(63*pageSize, tagA)
	require.NoError(t, err)

	_, err = s.Allocate(pageSize, tagA)
	require.ErrorIs(t, err, memutils.ErrOutOfMemory)

	s.Free(ptr)
	_, err = s.Allocate(pageSize, tagA)
	require.NoError(t, err)
}

func TestFusedAllocationRestoresLedgerOnCommitFailure(t *testing.T) {
	accountant, err := budget.New(budget.CreateOptions{})
	require.NoError(t, err)

	provider, s := readySegment(t, segmentSetup{
		TotalPages: 64,
		Options:    segment.CreateOptions{Accountant: accountant},
	})

	_, err = s.Allocate(pageSize, tagA)
	require.NoError(t, err)
	second, err := s.Allocate(pageSize, tagA)
	require.NoError(t, err)

	// The freed block sits directly before the Reserved remainder
	s.Free(second)
	require.Equal(t, 1, s.UnusedPages())

	before := accountant.Snapshot()
	require.Equal(t, map[memutils.OwnerTag]int{
		memutils.OwnerSegmentHeader: pageSize,
		memutils.OwnerSegmentUnused: pageSize,
		tagA:                        pageSize,
	}, before)

	provider.SetCommitLimit(provider.CommittedBytes())

	ptr, err := s.Allocate(3*pageSize, tagA)
	require.Nil(t, ptr)
	require.ErrorIs(t, err, memutils.ErrOutOfMemory)

	require.Equal(t, before, accountant.Snapshot())
	require.NoError(t, accountant.Validate())
	require.Equal(t, 1, s.UnusedPages())
	require.Equal(t, 1, s.AllocatedPages())
	require.Equal(t, segment.ConsistencyOK, s.CheckConsistency())

	// Once the limit is lifted the fused allocation reuses the Unused page
	provider.SetCommitLimit(0)
	ptr, err = s.Allocate(3*pageSize, tagA)
	require.NoError(t, err)
	require.Equal(t, second, ptr)
	require.Equal(t, 0, s.UnusedPages())
	require.Equal(t, 4*pageSize, accountant.Usage(tagA))
	require.Equal(t, 0, accountant.Usage(memutils.OwnerSegmentUnused))
	require.Equal(t, (4+1)*pageSize, provider.CommittedBytes())
}

func TestFusedAllocationRestoresLedgerOnMockFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	heap, mock := delegatingProvider(t, ctrl)

	failCommit := false
	mock.EXPECT().Commit(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
		func(region vmem.Region, addr unsafe.Pointer, size int) error {
			if failCommit {
				return errors.New("commit failed")
			}
			return heap.Commit(region, addr, size)
		}).AnyTimes()

	accountant, err := budget.New(budget.CreateOptions{})
	require.NoError(t, err)

	s, err := segment.Create(nil, mock, 64*pageSize, segment.CreateOptions{Accountant: accountant})
	require.NoError(t, err)

	_, err = s.Allocate(2*pageSize, tagB)
	require.NoError(t, err)
	unused, err := s.Allocate(2*pageSize, tagA)
	require.NoError(t, err)
	s.Free(unused)

	before := accountant.Snapshot()
	failCommit = true

	_, err = s.Allocate(5*pageSize, tagA)
	require.ErrorIs(t, err, memutils.ErrOutOfMemory)
	require.Equal(t, before, accountant.Snapshot())
	require.Equal(t, 2, s.UnusedPages())
	require.Equal(t, segment.ConsistencyOK, s.CheckConsistency())
}

func TestAccountantRefusesAllocation(t *testing.T) {
	accountant, err := budget.New(budget.CreateOptions{
		Limits: map[memutils.OwnerTag]int{tagA: 2 * pageSize},
	})
	require.NoError(t, err)

	provider, s := readySegment(t, segmentSetup{
		TotalPages: 64,
		Options:    segment.CreateOptions{Accountant: accountant},
	})
	committed := provider.CommittedBytes()

	_, err = s.Allocate(3*pageSize, tagA)
	require.ErrorIs(t, err, memutils.ErrOutOfMemory)
	require.Equal(t, committed, provider.CommittedBytes())
	require.Equal(t, 0, s.AllocatedPages())
	require.Equal(t, 1, accountant.Refusals())

	// Other tags are unaffected
	ptr, err := s.Allocate(3*pageSize, tagB)
	require.NoError(t, err)
	require.Equal(t, 3*pageSize, accountant.Usage(tagB))

	// Reusing Unused pages needs the receiving tag's budget too
	s.Free(ptr)
	require.Equal(t, 3, s.UnusedPages())
	_, err = s.Allocate(3*pageSize, tagA)
	require.ErrorIs(t, err, memutils.ErrOutOfMemory)
	require.Equal(t, 3, s.UnusedPages())
	require.Equal(t, segment.ConsistencyOK, s.CheckConsistency())

	_, err = s.Allocate(2*pageSize, tagA)
	require.NoError(t, err)
	require.Equal(t, 2*pageSize, accountant.Usage(tagA))
	require.Equal(t, pageSize, accountant.Usage(memutils.OwnerSegmentUnused))
	require.NoError(t, accountant.Validate())
}

func TestFreeDecommitsWhenUnusedBudgetIsFull(t *testing.T) {
	accountant, err := budget.New(budget.CreateOptions{
		Limits: map[memutils.OwnerTag]int{memutils.OwnerSegmentUnused: 0},
	})
	require.NoError(t, err)

	provider, s := readySegment(t, segmentSetup{
		TotalPages: 64,
		Options:    segment.CreateOptions{Accountant: accountant},
	})

	ptr, err := s.Allocate(4*pageSize, tagA)
	require.NoError(t, err)
	require.Equal(t, 5*pageSize, provider.CommittedBytes())

	s.Free(ptr)
	require.Equal(t, 0, s.UnusedPages())
	require.Equal(t, pageSize, provider.CommittedBytes())
	require.Equal(t, 0, accountant.Usage(tagA))
	require.Equal(t, pageSize, accountant.Total())
	require.Equal(t, segment.ConsistencyOK, s.CheckConsistency())
}

func TestReleaseAllUnusedIsIdempotent(t *testing.T) {
	accountant, err := budget.New(budget.CreateOptions{})
	require.NoError(t, err)

	provider, s := readySegment(t, segmentSetup{
		TotalPages: 256,
		Options:    segment.CreateOptions{Accountant: accountant},
	})

	var ptrs []unsafe.Pointer
	for _, pages := range []int{1, 5, 20, 40, 3} {
		ptr, err := s.Allocate(pages*pageSize, tagA)
		require.NoError(t, err)
		ptrs = append(ptrs, ptr)
	}
	s.Free(ptrs[1])
	s.Free(ptrs[3])
	require.Equal(t, 45, s.UnusedPages())

	require.NoError(t, s.ReleaseAllUnused())
	require.Equal(t, 0, s.UnusedPages())
	committed := provider.CommittedBytes()
	decommits := provider.DecommitCalls()

	require.NoError(t, s.ReleaseAllUnused())
	require.Equal(t, 0, s.UnusedPages())
	require.Equal(t, committed, provider.CommittedBytes())
	require.Equal(t, decommits, provider.DecommitCalls())
	require.Equal(t, 0, accountant.Usage(memutils.OwnerSegmentUnused))
	require.Equal(t, segment.ConsistencyOK, s.CheckConsistency())
}

func TestForceReleaseAll(t *testing.T) {
	accountant, err := budget.New(budget.CreateOptions{})
	require.NoError(t, err)

	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))

	provider, s := readySegment(t, segmentSetup{
		TotalPages: 2048,
		Logger:     logger,
		Options:    segment.CreateOptions{Accountant: accountant},
	})

	a, err := s.Allocate(600*pageSize, tagA)
	require.NoError(t, err)
	_, err = s.Allocate(7*pageSize, tagB)
	require.NoError(t, err)
	c, err := s.Allocate(pageSize, tagA)
	require.NoError(t, err)
	s.Free(a)

	require.Error(t, s.Destroy())
	require.False(t, s.IsDestroyed())
	require.Contains(t, logs.String(), "[UNRELEASED MEMORY]")

	require.NoError(t, s.ForceReleaseAll())
	require.True(t, s.IsDestroyed())
	require.Equal(t, 0, provider.RegionCount())
	require.Equal(t, 0, provider.CommittedBytes())
	require.Equal(t, 0, accountant.Total())
	require.NoError(t, accountant.Validate())
	require.Equal(t, 0, s.AllocatedPages())

	_, err = s.Allocate(pageSize, tagA)
	require.ErrorIs(t, err, memutils.ErrDestroyed)
	require.False(t, s.Contains(c))
	require.Panics(t, func() {
		s.Free(c)
	})

	require.NoError(t, s.ForceReleaseAll())
	require.NoError(t, s.Destroy())
	require.NoError(t, s.ReleaseAllUnused())
}

func TestDestroyEmptySegment(t *testing.T) {
	provider, s := readySegment(t, segmentSetup{TotalPages: 64})

	ptr, err := s.Allocate(pageSize, tagA)
	require.NoError(t, err)
	s.Free(ptr)

	require.NoError(t, s.Destroy())
	require.Equal(t, 0, provider.RegionCount())
	require.Equal(t, 0, provider.CommittedBytes())
}

func TestFreeInvalidPointerPanics(t *testing.T) {
	_, s := readySegment(t, segmentSetup{TotalPages: 64})

	ptr, err := s.Allocate(3*pageSize, tagA)
	require.NoError(t, err)

	require.Panics(t, func() {
		s.Free(unsafe.Add(s.Base(), -pageSize))
	})
	require.Panics(t, func() {
		s.Free(unsafe.Add(ptr, 1))
	})
	require.Panics(t, func() {
		s.Free(unsafe.Add(ptr, 63*pageSize))
	})
	// The middle of a block is not its head
	require.Panics(t, func() {
		s.Free(unsafe.Add(ptr, pageSize))
	})
	// Reserved pages
	require.Panics(t, func() {
		s.Free(unsafe.Add(ptr, 10*pageSize))
	})

	s.Free(ptr)
	require.Panics(t, func() {
		s.Free(ptr)
	})
	require.Equal(t, segment.ConsistencyOK, s.CheckConsistency())
}

func TestPrintDetailedMap(t *testing.T) {
	_, s := readySegment(t, segmentSetup{TotalPages: 64})

	_, err := s.Allocate(2*pageSize, tagA)
	require.NoError(t, err)
	ptr, err := s.Allocate(pageSize, tagB)
	require.NoError(t, err)
	s.Free(ptr)

	writer := jwriter.NewWriter()
	obj := writer.Object()
	s.PrintDetailedMap(obj)
	obj.End()
	require.NoError(t, writer.Error())

	out := string(writer.Bytes())
	require.Contains(t, out, `"AllocatedBytes":8192`)
	require.Contains(t, out, `"UnusedBytes":4096`)
	require.Contains(t, out, `"Type":"Allocated"`)
	require.Contains(t, out, `"Owner":"Owner3"`)
	require.Contains(t, out, `"Type":"Unused"`)
	require.Contains(t, out, `"Type":"Reserved"`)
}

func TestStatistics(t *testing.T) {
	_, s := readySegment(t, segmentSetup{TotalPages: 64})

	_, err := s.Allocate(2*pageSize, tagA)
	require.NoError(t, err)
	ptr, err := s.Allocate(5*pageSize, tagA)
	require.NoError(t, err)
	_, err = s.Allocate(pageSize, tagA)
	require.NoError(t, err)
	s.Free(ptr)

	var stats memutils.Statistics
	s.AddStatistics(&stats)
	require.Equal(t, 1, stats.SegmentCount)
	require.Equal(t, 2, stats.AllocationCount)
	require.Equal(t, 63*pageSize, stats.SegmentBytes)
	require.Equal(t, 3*pageSize, stats.AllocationBytes)
	require.Equal(t, 5*pageSize, stats.UnusedBytes)
	require.Equal(t, pageSize, stats.HeaderBytes)
	require.Equal(t, 9*pageSize, stats.CommittedBytes())

	var detailed memutils.DetailedStatistics
	detailed.Clear()
	s.AddDetailedStatistics(&detailed)
	require.Equal(t, stats, detailed.Statistics)
	require.Equal(t, pageSize, detailed.AllocationSizeMin)
	require.Equal(t, 2*pageSize, detailed.AllocationSizeMax)
	require.Equal(t, 1, detailed.UnusedRangeCount)
	require.Equal(t, 55*pageSize, detailed.ReservedRangeSizeMax)

	var count int
	s.DebugLogAllAllocations(slog.Default(), func(log *slog.Logger, ptr unsafe.Pointer, size int, owner memutils.OwnerTag) {
		count++
		require.Equal(t, tagA, owner)
	})
	require.Equal(t, 2, count)
}

type liveAllocation struct {
	ptr   uintptr
	bytes int
	fill  byte
}

func TestRandomWorkloadKeepsInvariants(t *testing.T) {
	accountant, err := budget.New(budget.CreateOptions{})
	require.NoError(t, err)

	provider, s := readySegment(t, segmentSetup{
		TotalPages: 1024,
		Options:    segment.CreateOptions{Accountant: accountant, UnusedThreshold: 32},
	})

	rng := rand.New(rand.NewSource(1))
	var live []liveAllocation

	for step := 0; step < 3000; step++ {
		if len(live) > 0 && rng.Intn(100) < 45 {
			i := rng.Intn(len(live))
			alloc := live[i]

			memory := unsafe.Slice((*byte)(unsafe.Pointer(alloc.ptr)), alloc.bytes)
			require.Equal(t, alloc.fill, memory[0])
			require.Equal(t, alloc.fill, memory[alloc.bytes-1])

			s.Free(unsafe.Pointer(alloc.ptr))
			live[i] = live[len(live)-1]
			live = live[:len(live)-1]
		} else {
			pages := 1 + rng.Intn(24)
			if rng.Intn(10) == 0 {
				pages = 1 + rng.Intn(200)
			}

			ptr, err := s.Allocate(pages*pageSize, tagA)
			if err != nil {
				require.ErrorIs(t, err, memutils.ErrOutOfMemory)
				continue
			}

			start := uintptr(ptr)
			end := start + uintptr(pages*pageSize)
			for _, other := range live {
				require.True(t, end <= other.ptr || other.ptr+uintptr(other.bytes) <= start)
			}

			fill := byte(step)
			memory := unsafe.Slice((*byte)(ptr), pages*pageSize)
			memory[0] = fill
			memory[len(memory)-1] = fill
			live = append(live, liveAllocation{ptr: start, bytes: pages * pageSize, fill: fill})
		}

		require.Equal(t, segment.ConsistencyOK, s.CheckConsistency(), "step %d", step)
		require.LessOrEqual(t, s.UnusedPages(), s.UnusedThreshold())
		require.Equal(t, s.AllocatedPages()*pageSize, accountant.Usage(tagA))
		require.Equal(t, s.UnusedPages()*pageSize, accountant.Usage(memutils.OwnerSegmentUnused))
		require.Equal(t, (s.AllocatedPages()+s.UnusedPages()+s.HeaderPages())*pageSize, provider.CommittedBytes())
	}

	for _, alloc := range live {
		s.Free(unsafe.Pointer(alloc.ptr))
	}
	require.NoError(t, s.ReleaseAllUnused())

	var stats memutils.DetailedStatistics
	stats.Clear()
	s.AddDetailedStatistics(&stats)
	require.Equal(t, 1, stats.ReservedRangeCount)
	require.Equal(t, 0, stats.UnusedRangeCount)

	require.NoError(t, s.Destroy())
	require.Equal(t, 0, accountant.Total())
}

func TestRoundTripRestoresFreeSpace(t *testing.T) {
	_, s := readySegment(t, segmentSetup{TotalPages: 256})
	s.SetUnusedThreshold(0)

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		pages := 1 + rng.Intn(100)
		ptr, err := s.Allocate(pages*pageSize, tagA)
		require.NoError(t, err)
		s.Free(ptr)

		var stats memutils.DetailedStatistics
		stats.Clear()
		s.AddDetailedStatistics(&stats)
		require.Equal(t, 1, stats.ReservedRangeCount)
		require.Equal(t, s.UsablePages()*pageSize, stats.ReservedRangeSizeMax)
		require.Equal(t, 0, s.UnusedPages())
	}
}
