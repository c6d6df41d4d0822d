package vmem_test

import (
	"math"
	"testing"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/mmapseg/memutils"
	"github.com/vkngwrapper/mmapseg/vmem"
)

func TestHeapProviderPageSize(t *testing.T) {
	provider, err := vmem.NewHeapProvider(vmem.HeapProviderOptions{})
	require.NoError(t, err)
	require.Equal(t, 4096, provider.PageSize())

	_, err = vmem.NewHeapProvider(vmem.HeapProviderOptions{PageSize: 5000})
	require.True(t, errors.Is(err, memutils.PowerOfTwoError))

	_, err = vmem.NewHeapProvider(vmem.HeapProviderOptions{PageSize: 2048})
	require.Error(t, err)
}

func TestHeapProviderReserve(t *testing.T) {
	provider, err := vmem.NewHeapProvider(vmem.HeapProviderOptions{})
	require.NoError(t, err)

	region, err := provider.ReserveRegion(10000)
	require.NoError(t, err)
	require.Equal(t, 12288, region.Size)
	require.Zero(t, uintptr(region.Data)%4096)
	require.True(t, region.Contains(region.Data))
	require.False(t, region.Contains(unsafe.Add(region.Data, region.Size)))
	require.Equal(t, 1, provider.RegionCount())
	require.Equal(t, 0, provider.CommittedBytes())

	_, err = provider.ReserveRegion(0)
	require.Error(t, err)
	_, err = provider.ReserveRegion(math.MaxInt)
	require.ErrorIs(t, err, memutils.ErrOutOfMemory)

	require.NoError(t, provider.DestroyRegion(region))
	require.Equal(t, 0, provider.RegionCount())
	require.Error(t, provider.DestroyRegion(region))
}

func TestHeapProviderCommitDecommit(t *testing.T) {
	provider, err := vmem.NewHeapProvider(vmem.HeapProviderOptions{})
	require.NoError(t, err)

	region, err := provider.ReserveRegion(4 * 4096)
	require.NoError(t, err)

	second := unsafe.Add(region.Data, 4096)
	require.NoError(t, provider.Commit(region, second, 2*4096))
	require.Equal(t, 8192, provider.CommittedBytes())
	require.True(t, provider.IsCommitted(region, second, 2*4096))
	require.False(t, provider.IsCommitted(region, region.Data, 4096))

	// Double commit is a bookkeeping error
	require.Error(t, provider.Commit(region, second, 4096))
	// Misaligned and out of range requests are rejected
	require.Error(t, provider.Commit(region, unsafe.Add(region.Data, 1), 4096))
	require.Error(t, provider.Commit(region, unsafe.Add(region.Data, 3*4096), 2*4096))

	buffer := unsafe.Slice((*byte)(second), 4096)
	buffer[17] = 0xAB

	require.NoError(t, provider.Decommit(region, second, 4096))
	require.Equal(t, 4096, provider.CommittedBytes())
	require.Equal(t, byte(0), buffer[17])
	require.Error(t, provider.Decommit(region, second, 4096))

	require.NoError(t, provider.DestroyRegion(region))
	require.Equal(t, 0, provider.CommittedBytes())
	require.Equal(t, 4, provider.CommitCalls())
	require.Equal(t, 2, provider.DecommitCalls())
}

func TestHeapProviderCommitLimit(t *testing.T) {
	provider, err := vmem.NewHeapProvider(vmem.HeapProviderOptions{CommitLimit: 8192})
	require.NoError(t, err)

	region, err := provider.ReserveRegion(4 * 4096)
	require.NoError(t, err)

	require.NoError(t, provider.Commit(region, region.Data, 8192))
	err = provider.Commit(region, unsafe.Add(region.Data, 8192), 4096)
	require.True(t, errors.Is(err, vmem.ErrCommitLimit))

	provider.SetCommitLimit(0)
	require.NoError(t, provider.Commit(region, unsafe.Add(region.Data, 8192), 4096))
}

func TestHeapProviderMaxRegionSize(t *testing.T) {
	provider, err := vmem.NewHeapProvider(vmem.HeapProviderOptions{MaxRegionSize: 8192})
	require.NoError(t, err)

	_, err = provider.ReserveRegion(8193)
	require.True(t, errors.Is(err, memutils.ErrOutOfMemory))
}
