package alloc

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/vmware/esx-boot-sub002/kernel/kerrors"
	"github.com/vmware/esx-boot-sub002/kernel/mem/rangealgebra"
)

// S1: empty allocator, two ascending ANY allocations.
func TestScenarioS1(t *testing.T) {
	tbl := New()

	var addr uint64
	require.NoError(t, tbl.Alloc(&addr, 0x1000, 0x1000, Any))
	require.Equal(t, uint64(0x0), addr)

	require.NoError(t, tbl.Alloc(&addr, 0x1000, 0x1000, Any))
	require.Equal(t, uint64(0x1000), addr)
}

// S2: FORCE pre-reservation, then BELOW_4GIB allocations.
func TestScenarioS2(t *testing.T) {
	tbl := New()

	addr := uint64(0x0)
	require.NoError(t, tbl.Alloc(&addr, 0x100000, 1, Force))

	addr = 0
	require.NoError(t, tbl.Alloc(&addr, 0x100000, 0x100000, Below4G))
	require.Equal(t, uint64(0x100000), addr)

	addr = 0
	err := tbl.Alloc(&addr, 0x100000000, 1, Below4G)
	require.ErrorIs(t, err, kerrors.ErrOutOfResources)
}

func TestAllocZeroSize(t *testing.T) {
	tbl := New()
	addr := uint64(0xdeadbeef)
	require.NoError(t, tbl.Alloc(&addr, 0, 0x1000, Any))
	require.Equal(t, uint64(0), addr)
	require.Empty(t, tbl.Entries())
}

func TestAllocFixedRejectsOverlap(t *testing.T) {
	tbl := New()
	addr := uint64(0x1000)
	require.NoError(t, tbl.Alloc(&addr, 0x1000, 1, Fixed))

	addr = 0x1800
	err := tbl.Alloc(&addr, 0x1000, 1, Fixed)
	require.ErrorIs(t, err, kerrors.ErrOutOfResources)
}

func TestAllocForceMergesOverlap(t *testing.T) {
	tbl := New()
	addr := uint64(0x1000)
	require.NoError(t, tbl.Alloc(&addr, 0x1000, 1, Fixed))

	addr = 0x1800
	require.NoError(t, tbl.Alloc(&addr, 0x1000, 1, Force))

	require.Len(t, tbl.Entries(), 1)
	require.Equal(t, rangealgebra.Range{Base: 0x1000, Len: 0x1800}, tbl.Entries()[0])
}

// Property: FORCE idempotence.
func TestForceIdempotent(t *testing.T) {
	tbl := New()
	addr := uint64(0x2000)
	require.NoError(t, tbl.Alloc(&addr, 0x1000, 1, Force))
	first := append([]rangealgebra.Range{}, tbl.Entries()...)

	addr = 0x2000
	require.NoError(t, tbl.Alloc(&addr, 0x1000, 1, Force))
	if diff := cmp.Diff(first, tbl.Entries()); diff != "" {
		t.Errorf("table snapshot changed on a repeated Force allocation (-before +after):\n%s", diff)
	}
}

// Property: no-overlap <=> IsFreeMem.
func TestIsFreeMemMatchesOverlap(t *testing.T) {
	tbl := New()
	addr := uint64(0x4000)
	require.NoError(t, tbl.Alloc(&addr, 0x1000, 1, Force))

	require.True(t, tbl.IsFreeMem(0x3000, 0x1000))
	require.False(t, tbl.IsFreeMem(0x4500, 0x10))
	require.True(t, tbl.IsFreeMem(0x5000, 0x1000))
}

// Property: merge commutativity -- any order of the same three ranges
// produces the same final table.
func TestMergeCommutativity(t *testing.T) {
	ranges := []rangealgebra.Range{
		{Base: 0x0, Len: 0x1000},
		{Base: 0x2000, Len: 0x1000},
		{Base: 0x1000, Len: 0x1000}, // bridges the two above
	}

	orders := [][]int{
		{0, 1, 2},
		{2, 1, 0},
		{1, 0, 2},
	}

	var want []rangealgebra.Range
	for oi, order := range orders {
		tbl := New()
		for _, idx := range order {
			r := ranges[idx]
			addr := r.Base
			require.NoError(t, tbl.Alloc(&addr, r.Len, 1, Force))
		}
		if oi == 0 {
			want = append([]rangealgebra.Range{}, tbl.Entries()...)
			continue
		}
		if diff := cmp.Diff(want, tbl.Entries()); diff != "" {
			t.Errorf("order %v produced a different table snapshot than order %v (-want +got):\n%s", order, orders[0], diff)
		}
	}
}

// Property: allocator sortedness after every call.
func TestSortednessInvariant(t *testing.T) {
	tbl := New()
	bases := []uint64{0x5000, 0x1000, 0x9000, 0x3000}
	for _, b := range bases {
		addr := b
		require.NoError(t, tbl.Alloc(&addr, 0x500, 1, Force))
		require.NoError(t, tbl.SanityCheck())
	}
}

func TestAllocTableFull(t *testing.T) {
	tbl := New()
	for i := 0; i < MaxEntries; i++ {
		addr := uint64(i) * 0x2000
		require.NoError(t, tbl.Alloc(&addr, 0x1000, 1, Force))
	}
	addr := uint64(MaxEntries) * 0x2000
	err := tbl.Alloc(&addr, 0x1000, 1, Force)
	require.ErrorIs(t, err, kerrors.ErrOutOfResources)
}

func TestSanityCheckDetectsUnsortedTable(t *testing.T) {
	tbl := New()
	tbl.entries = append(tbl.backing[:0], rangealgebra.Range{Base: 0x2000, Len: 0x1000}, rangealgebra.Range{Base: 0x1000, Len: 0x1000})
	require.ErrorIs(t, tbl.SanityCheck(), kerrors.ErrInconsistentData)
}
