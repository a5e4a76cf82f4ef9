// Package ptreloc implements the two-phase page-table move the relocator
// performs around ExitBootServices: first into firmware-allocated scratch
// (so the tables stay valid even if firmware marks its own tables
// read-only once boot services are gone), then into allocator-backed
// memory once the kernel's fixed-address regions have been reserved.
package ptreloc

import (
	"unsafe"

	"github.com/vmware/esx-boot-sub002/kernel/cpu"
	"github.com/vmware/esx-boot-sub002/kernel/kerrors"
	"github.com/vmware/esx-boot-sub002/kernel/mem"
	"github.com/vmware/esx-boot-sub002/kernel/mem/alloc"
	"github.com/vmware/esx-boot-sub002/kernel/mem/mmap"
	"github.com/vmware/esx-boot-sub002/kernel/mem/pt"
)

// FirmwareAllocFn allocates pages pages of contiguous, firmware-owned
// loader-data memory, returning its physical (== virtual, pre-relocation)
// address.
type FirmwareAllocFn func(pages uint64) (uintptr, error)

// switchPDTFn is a seam over cpu.SwitchPDT: the real implementation writes
// CR3, which only tests running on bare metal could exercise directly.
var switchPDTFn = cpu.SwitchPDT

// bytesToBuffer turns a freshly allocated physical address and a table
// count into the []byte view pt.Walk's copy pass writes into. base is
// identity-mapped (VA==PA) at both points this package calls it from.
func bytesToBuffer(base uintptr, tableCount int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(base)), tableCount*pt.TableSize)
}

// Phase1 performs the pre-allocator copy: measure the tree rooted at root,
// ask firmware for enough scratch pages, copy into it, and switch the page
// table base register. It must run before ExitBootServices returns.
func Phase1(root uintptr, paMask uint64, mm []mmap.Entry, fwAlloc FirmwareAllocFn) (newRoot uintptr, err error) {
	tableCount, err := pt.Walk(root, paMask, mm, nil)
	if err != nil {
		return 0, err
	}
	if tableCount == 0 {
		return 0, kerrors.ErrInconsistentData
	}

	pages := pagesFor(tableCount)
	scratch, err := fwAlloc(pages)
	if err != nil {
		return 0, err
	}

	dst := bytesToBuffer(scratch, tableCount)
	if _, err := pt.Walk(root, paMask, mm, dst); err != nil {
		return 0, err
	}

	switchPDTFn(scratch)
	return scratch, nil
}

// Phase2 performs the post-allocator copy: measure the (already-relocated)
// tree again, allocate fresh pages through the runtime allocator with ANY
// mode, copy into them, and switch the page table base register again.
// This must run after ToBlacklist and after the kernel's fixed-address
// image ranges have been reserved, so the new tables can never collide
// with the kernel image.
func Phase2(root uintptr, paMask uint64, mm []mmap.Entry, table *alloc.Table) (newRoot uintptr, err error) {
	tableCount, err := pt.Walk(root, paMask, mm, nil)
	if err != nil {
		return 0, err
	}
	if tableCount == 0 {
		return 0, kerrors.ErrInconsistentData
	}

	pages := pagesFor(tableCount)
	var addr uint64
	if err := table.Alloc(&addr, pages*uint64(mem.PageSize), uint64(mem.PageSize), alloc.Any); err != nil {
		return 0, err
	}

	dst := bytesToBuffer(uintptr(addr), tableCount)
	if _, err := pt.Walk(root, paMask, mm, dst); err != nil {
		return 0, err
	}

	switchPDTFn(uintptr(addr))
	return uintptr(addr), nil
}

func pagesFor(tableCount int) uint64 {
	return uint64(mem.Size(uint64(tableCount) * uint64(pt.TableSize)).Pages())
}
