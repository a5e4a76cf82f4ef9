// Package pt implements the page-table walker: a purely functional
// traversal of an existing four-level, 512-entry-per-level x86-64 style
// page table that either measures how many tables a faithful copy would
// need (buffer absent) or produces that copy with sanitized attributes
// (buffer present).
//
// The walker never mutates the tree it is given; Phase1/Phase2 of the
// relocator (package ptreloc) are the only callers that switch the live
// page-table base register.
package pt

import (
	"unsafe"

	"github.com/vmware/esx-boot-sub002/kernel/kerrors"
	"github.com/vmware/esx-boot-sub002/kernel/kfmt/early"
	"github.com/vmware/esx-boot-sub002/kernel/mem"
	"github.com/vmware/esx-boot-sub002/kernel/mem/mmap"
)

// Entry is a raw page-table entry (PTE/PDE/PDPTE/PML4E). The field layout
// matches amd64; other architectures' native table shapes must already be in
// this form before Walk is called. This package provides no such conversion.
type Entry uint64

const (
	flagPresent  Entry = 1 << 0
	flagWritable Entry = 1 << 1
	flagLarge    Entry = 1 << 7
	flagNX       Entry = 1 << 63
)

// Present reports the entry's present bit.
func (e Entry) Present() bool { return e&flagPresent != 0 }

// Large reports the page-size bit, meaningful only at levels 2 and 3.
func (e Entry) Large() bool { return e&flagLarge != 0 }

// Writable reports the entry's writable bit.
func (e Entry) Writable() bool { return e&flagWritable != 0 }

// NX reports the entry's no-execute bit.
func (e Entry) NX() bool { return e&flagNX != 0 }

// Addr extracts the physical address the entry points to (its own frame
// for a leaf, the next-level table for an inner entry), masked by paMask.
func (e Entry) Addr(paMask uint64) uint64 { return uint64(e) & paMask }

const entriesPerTable = 512
const tableBytes = entriesPerTable * 8

// TableSize is the size in bytes of one page table, exported so callers
// that must size a destination buffer (ptreloc) don't need to guess.
const TableSize = tableBytes

// readTable reinterprets the identity-mapped physical address phys as a
// 512-entry table. This is only safe before the first page-table base
// register switch, while VA==PA still holds for the tree being walked.
func readTable(phys uintptr) *[entriesPerTable]Entry {
	return (*[entriesPerTable]Entry)(unsafe.Pointer(phys))
}

func levelShift(level int) uint {
	switch level {
	case 4:
		return 39
	case 3:
		return 30
	case 2:
		return 21
	default:
		return 12
	}
}

// canonicalize sign-extends a 48-bit virtual address into canonical x86-64
// form (bits 48-63 equal bit 47).
func canonicalize(va uint64) uint64 {
	if va&(1<<47) != 0 {
		return va | 0xFFFF000000000000
	}
	return va
}

// ramBacked reports whether pa falls inside a memory-map entry whose type
// is one of the RAM-backed categories accepted for inner-pointer
// validation: conventional, loader/boot-services code or data, runtime
// code/data, ACPI reclaim, ACPI NVS, or persistent memory.
func ramBacked(mm []mmap.Entry, pa uint64) (mmap.Entry, bool) {
	for _, e := range mm {
		if e.Len == 0 {
			continue
		}
		end, wrapped := rangeEnd(e)
		if pa >= e.Base && (wrapped || pa < end) {
			switch e.Type {
			case mmap.Available, mmap.Bootloader, mmap.RuntimeCode, mmap.RuntimeData,
				mmap.ACPIReclaim, mmap.ACPINVS, mmap.Persistent:
				return e, true
			default:
				return e, false
			}
		}
	}
	return mmap.Entry{}, false
}

// inMmap reports whether va falls within any described memory-map entry,
// used only to decide whether a dropped aliasing leaf is worth logging.
func inMmap(mm []mmap.Entry, va uint64) bool {
	for _, e := range mm {
		if e.Len == 0 {
			continue
		}
		end, wrapped := rangeEnd(e)
		if va >= e.Base && (wrapped || va < end) {
			return true
		}
	}
	return false
}

func rangeEnd(e mmap.Entry) (uint64, bool) {
	end := e.Base + e.Len
	return end, end < e.Base
}

// walker carries the state threaded through one Walk call.
type walker struct {
	paMask    uint64
	mm        []mmap.Entry
	dst       []byte
	dstBase   uint64
	measuring bool
	offset    int
	tables    int
}

func (w *walker) allocTable() (slot int, physBase uint64, ok bool) {
	if w.measuring {
		slot = w.offset
		w.offset++
		w.tables++
		return slot, 0, true
	}
	if (w.offset+1)*tableBytes > len(w.dst) {
		return 0, 0, false
	}
	slot = w.offset
	w.offset++
	w.tables++
	physBase = w.dstBase + uint64(slot*tableBytes)

	// Freshly carved scratch/allocator memory is not guaranteed zero; a
	// stray bit 0 in an unwritten entry would read back as present.
	mem.Memset(uintptr(unsafe.Pointer(&w.dst[slot*tableBytes])), 0, mem.PageSize)

	return slot, physBase, true
}

func (w *walker) writeEntry(slot, index int, e Entry) {
	if w.measuring {
		return
	}
	tbl := (*[entriesPerTable]Entry)(unsafe.Pointer(&w.dst[slot*tableBytes]))
	tbl[index] = e
}

// Walk traverses the tree rooted at root (an identity-mapped physical
// address). With dst == nil it only counts the tables a copy would need
// (the measure pass); with dst populated it writes a sanitized deep copy
// into dst and returns the same count (the copy pass). mm classifies
// physical memory so inner pointers into non-RAM can be rejected and RAM
// leaves can have their attributes flattened.
func Walk(root uintptr, paMask uint64, mm []mmap.Entry, dst []byte) (tableCount int, err error) {
	w := &walker{paMask: paMask, mm: mm, measuring: dst == nil, dst: dst}
	if dst != nil {
		if len(dst) < tableBytes {
			return 0, kerrors.ErrInvalidParameter
		}
		w.dstBase = uint64(uintptr(unsafe.Pointer(&dst[0])))
	}

	_, _, err = w.walkTable(4, uint64(root), 0, false, false, true)
	if err != nil {
		return 0, err
	}
	return w.tables, nil
}

// walkTable walks one table at the given level and physical address.
// vaPrefix is the VA contributed by ancestor indices; accRO/accXN are the
// hierarchical read-only/no-execute bits accumulated from ancestors. root
// is true only for the top-level call, which is always emitted even if it
// ends up empty (there is no parent entry to drop).
func (w *walker) walkTable(level int, phys uint64, vaPrefix uint64, accRO, accXN, root bool) (survivors int, newPhys uint64, err error) {
	src := readTable(uintptr(phys))

	var prepared [entriesPerTable]Entry
	var present [entriesPerTable]bool

	shift := levelShift(level)
	for i := 0; i < entriesPerTable; i++ {
		e := src[i]
		if !e.Present() {
			continue
		}

		childVA := canonicalize(vaPrefix | (uint64(i) << shift))
		isLeaf := level == 1 || (level <= 3 && e.Large())

		if isLeaf {
			leafPA := e.Addr(w.paMask)
			if leafPA != childVA {
				if inMmap(w.mm, childVA) {
					early.Printf("pt: dropping aliased leaf va=%x pa=%x\n", childVA, leafPA)
				}
				continue
			}

			newEntry := e
			_, ram := ramBacked(w.mm, leafPA)
			if ram {
				newEntry &^= flagNX
				newEntry |= flagWritable
				if accXN {
					newEntry |= flagNX
				}
				if accRO {
					newEntry &^= flagWritable
				}
			} else {
				if accXN {
					newEntry |= flagNX
				}
				if accRO {
					newEntry &^= flagWritable
				}
			}

			prepared[i] = newEntry
			present[i] = true
			continue
		}

		// Inner entry: the table it points to must be backed by RAM.
		childPhys := e.Addr(w.paMask)
		if _, ram := ramBacked(w.mm, childPhys); !ram {
			continue
		}

		childRO := accRO || !e.Writable()
		childXN := accXN || e.NX()

		n, childNewPhys, werr := w.walkTable(level-1, childPhys, vaPrefix|(uint64(i)<<shift), childRO, childXN, false)
		if werr != nil {
			return 0, 0, werr
		}
		if n == 0 {
			continue
		}

		newEntry := e
		if !w.measuring {
			newEntry = Entry(childNewPhys&w.paMask) | (e &^ Entry(w.paMask))
		}
		prepared[i] = newEntry
		present[i] = true
	}

	count := 0
	for _, ok := range present {
		if ok {
			count++
		}
	}
	if count == 0 && !root {
		return 0, 0, nil
	}

	slot, physBase, ok := w.allocTable()
	if !ok {
		return 0, 0, kerrors.ErrOutOfResources
	}
	if !w.measuring {
		for i := 0; i < entriesPerTable; i++ {
			if present[i] {
				w.writeEntry(slot, i, prepared[i])
			}
		}
	}
	return count, physBase, nil
}
