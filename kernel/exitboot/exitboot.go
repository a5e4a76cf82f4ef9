// Package exitboot implements ExitBootServicesDriver: the orchestration
// that ties the allocator, page-table walker/relocator, quirk database,
// and runtime-services policy selection into the single ordered sequence
// of steps a boot loader runs around ExitBootServices.
package exitboot

import (
	"unsafe"

	"github.com/vmware/esx-boot-sub002/kernel"
	"github.com/vmware/esx-boot-sub002/kernel/efi"
	"github.com/vmware/esx-boot-sub002/kernel/kerrors"
	"github.com/vmware/esx-boot-sub002/kernel/mem"
	"github.com/vmware/esx-boot-sub002/kernel/mem/alloc"
	"github.com/vmware/esx-boot-sub002/kernel/mem/mmap"
	"github.com/vmware/esx-boot-sub002/kernel/mem/ptreloc"
	"github.com/vmware/esx-boot-sub002/kernel/quirk"
	"github.com/vmware/esx-boot-sub002/kernel/rts"
	"github.com/vmware/esx-boot-sub002/kernel/smbios"
	"github.com/vmware/esx-boot-sub002/kernel/watchdog"
)

// FirmwareServices is the subset of UEFI Boot/Runtime Services the driver
// calls directly.
type FirmwareServices interface {
	GetMemoryMap() (descs []efi.MemoryDescriptor, mapKey uint64, descSize uint32, descVersion uint32, err error)
	ExitBootServices(img efi.Handle, mapKey uint64) error
	SetVirtualAddressMap(mapSize uint64, descSize uint32, descVersion uint32, vmap []efi.MemoryDescriptor) error
	AllocatePages(pages uint64) (uintptr, error)
	DisconnectNetControllers() error
}

// HandoffRecord is what the driver hands the (out-of-scope) kernel loader
// once runtime services have been relocated.
type HandoffRecord struct {
	SystabPtr  uintptr
	SystabSize uint64
	Caps       efi.Caps
	Quirks     efi.Quirks
	Valid      bool
	Mmap       []mmap.Entry
}

// panicFn is a seam over kernel.Panic so tests can observe a fatal
// assertion without actually halting the process.
var panicFn = kernel.Panic

// Driver bundles the state one relocation pass needs. Per the no-globals
// design note, a caller owns exactly one Driver and threads it through the
// whole sequence; nothing here is package-level mutable state.
type Driver struct {
	FW FirmwareServices
	WD watchdog.WatchdogServices

	Allocator *alloc.Table
	Policies  []rts.Policy
	QuirkRows []quirk.Row
	Identity  smbios.Identity

	// Info carries the parameters and, by the end of Run, the results of
	// one relocation pass. Caller must pre-populate RTSVaddr, RTSSize,
	// Caps, Systab and SystabSize before calling Run.
	Info efi.Info

	// PTRoot and PAMask describe the live page table Run relocates. PTRoot
	// is updated in place as each phase switches the base register.
	PTRoot uintptr
	PAMask uint64

	// SimpleGQToggle is threaded into the simple-gq policy's pre/post
	// quirk hooks; nil is acceptable (see rts.NewSimpleGQ).
	SimpleGQToggle rts.IdentityMapToggleFn

	// ReserveImage lets the (out-of-scope) kernel loader reserve its
	// fixed-address boot-image ranges in the allocator between the
	// post-exit blacklist and policy selection (step 9 of the ordered
	// sequence). A nil hook means nothing additional is reserved.
	ReserveImage func(*alloc.Table) error
}

func buildMmap(descs []efi.MemoryDescriptor) []mmap.Entry {
	entries := make([]mmap.Entry, 0, len(descs))
	for i := range descs {
		entries = append(entries, mmap.FromDescriptor(&descs[i]))
	}
	return mmap.Merge(entries)
}

func descArrayPointer(descs []efi.MemoryDescriptor) uintptr {
	if len(descs) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&descs[0]))
}

// Run executes the thirteen ordered steps: apply QuirkDB, optionally
// disconnect network controllers, relocate the page tables into
// firmware-owned scratch, retry ExitBootServices until it accepts the
// current map key, scrub the system table header, fold the post-exit
// memory map into the allocator and sanity-check it, let the caller
// reserve its own fixed ranges (re-checking sanity afterward), select and
// apply an RTSPolicy, relocate the page tables a second time into
// allocator-owned memory, and finally invoke SetVirtualAddressMap before
// handing control back. A corrupt allocator table (failed SanityCheck) is
// treated the same as a corrupt memory map: fatal, via panicFn. So is the
// absence of any viable RTSPolicy, and any Phase2 failure.
func (d *Driver) Run(img efi.Handle) (HandoffRecord, error) {
	// 1. Apply QuirkDB.
	d.Info.Quirks |= quirk.Lookup(d.QuirkRows, d.Identity)

	// 2. Disconnect network controllers if the quirk calls for it.
	if d.Info.Quirks.Has(efi.QuirkNetDevDisable) {
		if err := d.FW.DisconnectNetControllers(); err != nil {
			return HandoffRecord{}, err
		}
	}

	// 3. The page table the driver is given is assumed already canonical
	// 4-level/512-entry form on this architecture; a native-format
	// sanitizer would run here on architectures with fewer levels.

	preExitDescs, _, _, _, err := d.FW.GetMemoryMap()
	if err != nil {
		return HandoffRecord{}, err
	}
	preExitMM := buildMmap(preExitDescs)

	wd := &watchdog.Watchdog{FW: d.WD}
	if err := wd.Disable(); err != nil {
		return HandoffRecord{}, err
	}

	// 4 & 7 folded together: AllocatePages is a Boot Services call, so the
	// scratch allocation (and the copy into it, which only needs to
	// complete before ExitBootServices returns, not strictly after) must
	// happen while boot services are still live.
	newRoot, err := ptreloc.Phase1(d.PTRoot, d.PAMask, preExitMM, d.FW.AllocatePages)
	if err != nil {
		wd.RestoreDefault()
		return HandoffRecord{}, err
	}
	d.PTRoot = newRoot

	// 5. Retry loop: a fresh map key is required by ExitBootServices; any
	// other failure is fatal to the caller, not retried.
	for {
		_, key, _, _, merr := d.FW.GetMemoryMap()
		if merr != nil {
			wd.RestoreDefault()
			return HandoffRecord{}, merr
		}
		eerr := d.FW.ExitBootServices(img, key)
		if eerr == nil {
			break
		}
		if eerr == kerrors.ErrInvalidParameter {
			continue
		}
		wd.RestoreDefault()
		return HandoffRecord{}, eerr
	}

	// 6. Null the console/boot-services pointers and recompute the header
	// CRC-32 now that boot services are gone.
	if d.Info.Systab != 0 {
		st := (*efi.SystemTable)(unsafe.Pointer(d.Info.Systab))
		st.ClearBootServices()
		raw := unsafe.Slice((*byte)(unsafe.Pointer(d.Info.Systab)), st.HeaderSize)
		if err := st.RecomputeCRC32(raw); err != nil {
			wd.RestoreDefault()
			return HandoffRecord{}, err
		}
	}

	// 8. Merge the post-exit memory map, sanity-check, blacklist.
	postExitDescs, _, _, _, merr := d.FW.GetMemoryMap()
	if merr != nil {
		wd.RestoreDefault()
		return HandoffRecord{}, merr
	}
	postExitMM := buildMmap(postExitDescs)
	if err := mmap.SanityCheck(postExitMM); err != nil {
		panicFn(err)
		wd.RestoreDefault()
		return HandoffRecord{}, err
	}
	if err := mmap.ToBlacklist(postExitMM, d.Allocator); err != nil {
		panicFn(err)
		wd.RestoreDefault()
		return HandoffRecord{}, err
	}
	if err := d.Allocator.SanityCheck(); err != nil {
		panicFn(err)
		wd.RestoreDefault()
		return HandoffRecord{}, err
	}

	// 9. Let the caller reserve its own fixed-address ranges.
	if d.ReserveImage != nil {
		if err := d.ReserveImage(d.Allocator); err != nil {
			wd.RestoreDefault()
			return HandoffRecord{}, err
		}
		if err := d.Allocator.SanityCheck(); err != nil {
			panicFn(err)
			wd.RestoreDefault()
			return HandoffRecord{}, err
		}
	}

	// 10. Select the policy.
	d.Info.Mmap = descArrayPointer(postExitDescs)
	d.Info.NumDescs = uint32(len(postExitDescs))
	d.Info.DescSize = uint32(unsafe.Sizeof(efi.MemoryDescriptor{}))

	policies := d.Policies
	if policies == nil {
		policies = rts.Preference(d.SimpleGQToggle)
	}
	policy, mapSize, err := rts.SelectPolicy(&d.Info, policies)
	if err != nil {
		panicFn(err)
		wd.RestoreDefault()
		return HandoffRecord{}, err
	}

	// 11. Phase-2 page-table copy, now that fixed ranges are reserved.
	newRoot2, err := ptreloc.Phase2(d.PTRoot, d.PAMask, postExitMM, d.Allocator)
	if err != nil {
		panicFn(err)
		wd.RestoreDefault()
		return HandoffRecord{}, err
	}
	d.PTRoot = newRoot2

	// 12. fill / pre_quirk / SetVirtualAddressMap / post_quirk.
	var vmapAddr uint64
	vmapBytes := uint64(mapSize) * uint64(unsafe.Sizeof(efi.MemoryDescriptor{}))
	if vmapBytes > 0 {
		if err := d.Allocator.Alloc(&vmapAddr, vmapBytes, uint64(mem.PageSize), alloc.Any); err != nil {
			wd.RestoreDefault()
			return HandoffRecord{}, err
		}
	}
	vmap := unsafe.Slice((*efi.MemoryDescriptor)(unsafe.Pointer(uintptr(vmapAddr))), mapSize)

	policy.Fill(&d.Info, vmap)
	policy.PreQuirk(&d.Info, vmap)
	svErr := d.FW.SetVirtualAddressMap(uint64(mapSize)*uint64(unsafe.Sizeof(efi.MemoryDescriptor{})),
		d.Info.DescSize, 1, vmap)
	policy.PostQuirk(&d.Info, vmap)

	wd.RestoreDefault()

	if svErr != nil {
		return HandoffRecord{}, svErr
	}

	d.Info.Valid = true

	// 13. Control returns to the caller, which transfers to the kernel
	// entry point; that transfer is outside this driver's scope.
	return HandoffRecord{
		SystabPtr:  d.Info.Systab,
		SystabSize: d.Info.SystabSize,
		Caps:       d.Info.Caps,
		Quirks:     d.Info.Quirks,
		Valid:      d.Info.Valid,
		Mmap:       postExitMM,
	}, nil
}
