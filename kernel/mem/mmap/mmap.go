// Package mmap implements the firmware memory-map transformer: sorting and
// merging the descriptors ExitBootServices hands back, sanity-checking the
// result, and deriving the allocator blacklist that keeps the runtime
// allocator away from anything that is not plain available RAM.
package mmap

import (
	"sort"
	"unsafe"

	"github.com/vmware/esx-boot-sub002/kernel/efi"
	"github.com/vmware/esx-boot-sub002/kernel/kerrors"
	"github.com/vmware/esx-boot-sub002/kernel/kfmt/early"
	"github.com/vmware/esx-boot-sub002/kernel/mem/alloc"
	"github.com/vmware/esx-boot-sub002/kernel/mem/pmm"
	"github.com/vmware/esx-boot-sub002/kernel/mem/rangealgebra"
)

// EntryType classifies a memory-map entry.
type EntryType uint8

const (
	Available EntryType = iota
	Bootloader
	Reserved
	ACPIReclaim
	ACPINVS
	MMIO
	RuntimeCode
	RuntimeData
	Unusable
	Persistent
)

// Attr mirrors the firmware descriptor's Attribute bitset; only Runtime is
// inspected by this package, the rest is carried through unexamined.
type Attr uint64

// Runtime marks an entry whose virtual address must be established by an
// RTSPolicy before SetVirtualAddressMap.
const Runtime = Attr(efi.AttrRuntime)

// Entry is MemoryMapEntry: a classified, attributed physical range.
type Entry struct {
	Base uint64
	Len  uint64
	Type EntryType
	Attr Attr
}

// rangeOf returns e's span as a rangealgebra.Range.
func (e Entry) rangeOf() rangealgebra.Range {
	return rangealgebra.Range{Base: e.Base, Len: e.Len}
}

// mergeableWith reports whether e and other have identical classification
// and touch or overlap -- the merge predicate from the data model.
func (e Entry) mergeableWith(other Entry) bool {
	return e.Type == other.Type && e.Attr == other.Attr && e.rangeOf().Mergeable(other.rangeOf())
}

// classify maps a raw UEFI memory type to the classification this package
// exposes. Types with no direct counterpart (loader code/data, boot-services
// code/data) fold into Bootloader, matching the Available/Bootloader split
// ToBlacklist and the allocator rely on.
func classify(t uint32) EntryType {
	switch t {
	case efi.TypeConventionalMemory:
		return Available
	case efi.TypeLoaderCode, efi.TypeLoaderData, efi.TypeBootServicesCode, efi.TypeBootServicesData:
		return Bootloader
	case efi.TypeACPIReclaimMemory:
		return ACPIReclaim
	case efi.TypeACPIMemoryNVS:
		return ACPINVS
	case efi.TypeMemoryMappedIO, efi.TypeMemoryMappedIOPortSpace:
		return MMIO
	case efi.TypeRuntimeServicesCode:
		return RuntimeCode
	case efi.TypeRuntimeServicesData:
		return RuntimeData
	case efi.TypeUnusableMemory:
		return Unusable
	case efi.TypePersistentMemory:
		return Persistent
	default:
		return Reserved
	}
}

// FromDescriptor converts a raw firmware descriptor into an Entry. The page
// count is turned into a byte length via pmm.Frame, which already encodes
// the page-shift arithmetic this module otherwise has no business
// repeating by hand.
func FromDescriptor(d *efi.MemoryDescriptor) Entry {
	return Entry{
		Base: d.PhysicalStart,
		Len:  uint64(pmm.Frame(d.NumberOfPages).Address()),
		Type: classify(d.Type),
		Attr: Attr(d.Attribute),
	}
}

// Iterate walks the raw, firmware-owned descriptor array starting at base,
// respecting descSize as the stride between descriptors (which may exceed
// unsafe.Sizeof(efi.MemoryDescriptor{})). fn returns false to stop early.
func Iterate(base uintptr, numDescs uint32, descSize uintptr, fn func(*efi.MemoryDescriptor) bool) {
	if descSize == 0 {
		descSize = efi.DescriptorSize
	}
	ptr := base
	for i := uint32(0); i < numDescs; i++ {
		d := (*efi.MemoryDescriptor)(unsafe.Pointer(ptr))
		if !fn(d) {
			return
		}
		ptr += descSize
	}
}

// Merge implements the merge operation: stable sort by base, then greedily
// coalesce each maximal run of mergeable, identically-classified neighbors.
func Merge(entries []Entry) []Entry {
	sorted := append([]Entry{}, entries...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Base < sorted[j].Base })

	out := make([]Entry, 0, len(sorted))
	i := 0
	for i < len(sorted) {
		run := sorted[i]
		j := i + 1
		for j < len(sorted) && run.mergeableWith(sorted[j]) {
			run = unionEntry(run, sorted[j])
			j++
		}
		out = append(out, run)
		i = j
	}
	return out
}

func unionEntry(a, b Entry) Entry {
	base := a.Base
	if b.Base < base {
		base = b.Base
	}
	aEnd, aWrapped := a.rangeOf().End()
	bEnd, bWrapped := b.rangeOf().End()
	if aWrapped || bWrapped {
		return Entry{Base: base, Len: -base, Type: a.Type, Attr: a.Attr}
	}
	end := aEnd
	if bEnd > end {
		end = bEnd
	}
	return Entry{Base: base, Len: end - base, Type: a.Type, Attr: a.Attr}
}

// SanityCheck verifies the sorted-order invariant (hard failure) and warns
// about overlapping non-zero-length neighbors without failing the call.
// Zero-length entries are ignored entirely.
func SanityCheck(entries []Entry) error {
	prevBase := uint64(0)
	havePrev := false
	for _, e := range entries {
		if e.Len == 0 {
			continue
		}
		if havePrev && e.Base < prevBase {
			return kerrors.ErrInconsistentData
		}
		prevBase = e.Base
		havePrev = true
	}

	for i := 1; i < len(entries); i++ {
		if entries[i-1].Len == 0 || entries[i].Len == 0 {
			continue
		}
		if entries[i-1].rangeOf().Overlap(entries[i].rangeOf()) {
			early.Printf("mmap: warning: overlapping entries [%x,+%x) and [%x,+%x)\n",
				entries[i-1].Base, entries[i-1].Len, entries[i].Base, entries[i].Len)
		}
	}
	return nil
}

// ToBlacklist reserves, in table, every byte the map says is not plain
// available or bootloader-owned RAM: the tail above the highest described
// byte, every gap between entries, and every non-Available/Bootloader
// entry. entries must already be sorted (Merge's output qualifies).
func ToBlacklist(entries []Entry, table *alloc.Table) error {
	highest := uint64(0)
	for _, e := range entries {
		if e.Len == 0 {
			continue
		}
		end, wrapped := e.rangeOf().End()
		if wrapped {
			highest = 0
			break
		}
		if end > highest {
			highest = end
		}
	}

	if err := blacklist(table, highest, -highest); err != nil {
		return err
	}

	prevEnd := uint64(0)
	havePrev := false
	for _, e := range entries {
		if e.Len == 0 {
			continue
		}
		if havePrev && e.Base > prevEnd {
			if err := blacklist(table, prevEnd, e.Base-prevEnd); err != nil {
				return err
			}
		}
		if e.Type != Available && e.Type != Bootloader {
			if err := blacklist(table, e.Base, e.Len); err != nil {
				return err
			}
		}
		end, wrapped := e.rangeOf().End()
		if wrapped {
			havePrev = false
			break
		}
		prevEnd = end
		havePrev = true
	}
	return nil
}

func blacklist(table *alloc.Table, base, length uint64) error {
	if length == 0 {
		return nil
	}
	addr := base
	return table.Alloc(&addr, length, 1, alloc.Force)
}
