// Package alloc implements the runtime memory allocator: a fixed-capacity,
// sorted, no-free table of reserved physical ranges. It hands out aligned
// regions for boot-time relocation targets and never shrinks once a range
// is reserved -- the kernel takes over resource management after handoff.
package alloc

import (
	"sort"

	"github.com/vmware/esx-boot-sub002/kernel/kerrors"
	"github.com/vmware/esx-boot-sub002/kernel/mem/rangealgebra"
)

// MaxEntries bounds Table's backing storage. The table is allocated once,
// statically, before the Go allocator (if any) is available.
const MaxEntries = 4096

// Mode selects how Alloc picks (or validates) the address of a new
// reservation.
type Mode uint8

const (
	// Any scans ascending gaps for the first one that fits.
	Any Mode = iota
	// Below4G is Any restricted to addresses entirely under 4 GiB.
	Below4G
	// Fixed reserves exactly [*addr, *addr+size); fails if any byte in
	// that range is already reserved.
	Fixed
	// Force is Fixed but always succeeds, merging into any existing
	// overlapping reservations.
	Force
)

// Table is AllocTable: a strictly-sorted, non-mergeable sequence of
// rangealgebra.Range reservations.
type Table struct {
	backing [MaxEntries]rangealgebra.Range
	entries []rangealgebra.Range
}

// New returns an empty Table.
func New() *Table {
	t := &Table{}
	t.entries = t.backing[:0]
	return t
}

// Entries returns the current reservations in sorted order. The returned
// slice aliases the table's backing storage and must not be retained past
// the next call that mutates the table.
func (t *Table) Entries() []rangealgebra.Range {
	return t.entries
}

// alignUp rounds base up to the next multiple of align (align==0 or 1 is a
// no-op) and reports whether doing so overflowed past 2^64.
func alignUp(base, align uint64) (aligned uint64, overflow bool) {
	if align <= 1 {
		return base, false
	}
	rem := base % align
	if rem == 0 {
		return base, false
	}
	pad := align - rem
	sum := base + pad
	return sum, sum < base
}

// addOverflow returns base+size and whether the addition overflowed.
func addOverflow(base, size uint64) (sum uint64, overflow bool) {
	sum = base + size
	return sum, sum < base
}

// forEachGap walks the free gaps between reservations in ascending order,
// including the open-ended gap above the last reservation. fn returns false
// to stop the walk early. unbounded is true only for the final gap, which
// has no upper limit (short of 2^64).
func (t *Table) forEachGap(fn func(base, length uint64, unbounded bool) bool) {
	holeBase := uint64(0)
	for _, e := range t.entries {
		if e.Base > holeBase {
			if !fn(holeBase, e.Base-holeBase, false) {
				return
			}
		}
		end, wrapped := e.End()
		if wrapped {
			// This entry reaches the top of the address space; no gap
			// remains above it.
			return
		}
		holeBase = end
	}
	fn(holeBase, 0, true)
}

// IsFreeMem reports whether no reservation overlaps [base, base+len).
func (t *Table) IsFreeMem(base, length uint64) bool {
	for _, e := range t.entries {
		if e.Overlap(rangealgebra.Range{Base: base, Len: length}) {
			return false
		}
	}
	return true
}

// unionRange returns the smallest range covering both a and b. Both must be
// mergeable (touching or overlapping); this is checked by callers via
// rangealgebra.Mergeable before invoking unionRange.
func unionRange(a, b rangealgebra.Range) rangealgebra.Range {
	base := a.Base
	if b.Base < base {
		base = b.Base
	}

	aEnd, aWrapped := a.End()
	bEnd, bWrapped := b.End()
	if aWrapped || bWrapped {
		// The union reaches the top of the address space.
		return rangealgebra.Range{Base: base, Len: -base}
	}

	end := aEnd
	if bEnd > end {
		end = bEnd
	}
	return rangealgebra.Range{Base: base, Len: end - base}
}

// mergeInsert returns the sorted, fully-merged entry list that results from
// adding newR to entries. It does not mutate the table; the caller checks
// the result's length against MaxEntries before committing it.
func mergeInsert(entries []rangealgebra.Range, newR rangealgebra.Range) []rangealgebra.Range {
	result := make([]rangealgebra.Range, 0, len(entries)+1)
	merged := newR
	inserted := false

	for _, e := range entries {
		if merged.Mergeable(e) {
			merged = unionRange(merged, e)
			continue
		}
		if !inserted && e.Base > merged.Base {
			result = append(result, merged)
			inserted = true
		}
		result = append(result, e)
	}
	if !inserted {
		result = append(result, merged)
	}
	return result
}

// commit installs entries as the table's new contents, failing if they
// would not fit in the fixed backing array.
func (t *Table) commit(entries []rangealgebra.Range) error {
	if len(entries) > MaxEntries {
		return kerrors.ErrOutOfResources
	}
	n := copy(t.backing[:], entries)
	t.entries = t.backing[:n]
	return nil
}

// Alloc implements the single allocator operation described by the core:
// reserve size bytes, aligned to align, chosen (or validated) according to
// mode, writing the resulting base address through addr.
func (t *Table) Alloc(addr *uint64, size, align uint64, mode Mode) error {
	if size == 0 {
		if addr != nil {
			*addr = 0
		}
		return nil
	}

	switch mode {
	case Fixed, Force:
		base := *addr
		// A range ending exactly at 2^64 (sum wraps to 0) is the
		// top-of-address-space entry, not an overflow.
		if sum, overflow := addOverflow(base, size); overflow && sum != 0 {
			return kerrors.ErrOutOfResources
		}
		if mode == Fixed && !t.IsFreeMem(base, size) {
			return kerrors.ErrOutOfResources
		}
		result := mergeInsert(t.entries, rangealgebra.Range{Base: base, Len: size})
		if err := t.commit(result); err != nil {
			return err
		}
		*addr = base
		return nil

	case Any, Below4G:
		var chosen uint64
		found := false

		t.forEachGap(func(base, length uint64, unbounded bool) bool {
			aligned, overflow := alignUp(base, align)
			if overflow {
				return true
			}
			end, overflow := addOverflow(aligned, size)
			if overflow {
				return true
			}
			if !unbounded && end > base+length {
				return true
			}
			if mode == Below4G && end > uint64(1)<<32 {
				return true
			}
			chosen = aligned
			found = true
			return false
		})

		if !found {
			return kerrors.ErrOutOfResources
		}

		result := mergeInsert(t.entries, rangealgebra.Range{Base: chosen, Len: size})
		if err := t.commit(result); err != nil {
			return err
		}
		if addr != nil {
			*addr = chosen
		}
		return nil

	default:
		return kerrors.ErrInvalidParameter
	}
}

// SanityCheck validates both AllocTable invariants: strict ascending order
// by base, and no two adjacent entries mergeable. A violation is reported,
// not panicked -- callers that consider the table foundational (the driver)
// are expected to treat a non-nil return as fatal.
func (t *Table) SanityCheck() error {
	if !sort.SliceIsSorted(t.entries, func(i, j int) bool { return t.entries[i].Base < t.entries[j].Base }) {
		return kerrors.ErrInconsistentData
	}
	for i := 1; i < len(t.entries); i++ {
		if t.entries[i-1].Mergeable(t.entries[i]) {
			return kerrors.ErrInconsistentData
		}
	}
	return nil
}
