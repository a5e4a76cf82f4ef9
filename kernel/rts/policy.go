package rts

import (
	"sort"

	"github.com/vmware/esx-boot-sub002/kernel/efi"
	"github.com/vmware/esx-boot-sub002/kernel/kfmt/early"
	"github.com/vmware/esx-boot-sub002/kernel/mem"
	"github.com/vmware/esx-boot-sub002/kernel/mem/mmap"
)

// runtimeRegion is one runtime-attributed descriptor's address range,
// gathered once per Supported/Fill call from the raw firmware array.
type runtimeRegion struct {
	index int // position in the original descriptor array
	pa    uint64
	len   uint64
}

func gatherRuntimeRegions(info *efi.Info) []runtimeRegion {
	var regions []runtimeRegion
	i := 0
	mmap.Iterate(info.Mmap, info.NumDescs, efi.Stride(info.DescSize), func(d *efi.MemoryDescriptor) bool {
		if d.Attribute&efi.AttrRuntime != 0 {
			regions = append(regions, runtimeRegion{
				index: i,
				pa:    d.PhysicalStart,
				len:   d.NumberOfPages * uint64(mem.PageSize),
			})
		}
		i++
		return true
	})
	return regions
}

// fillDescriptor writes VirtualStart into both the destination vmap slot
// and the original firmware descriptor at the same index, keeping both
// copies in lockstep.
func fillDescriptor(info *efi.Info, vmap []efi.MemoryDescriptor, slot int, r runtimeRegion, vaddr uint64) {
	vmap[slot] = efi.MemoryDescriptor{
		Type:          0,
		PhysicalStart: r.pa,
		VirtualStart:  vaddr,
		NumberOfPages: r.len / uint64(mem.PageSize),
		Attribute:     efi.AttrRuntime,
	}

	n := 0
	mmap.Iterate(info.Mmap, info.NumDescs, efi.Stride(info.DescSize), func(d *efi.MemoryDescriptor) bool {
		if n == r.index {
			d.VirtualStart = vaddr
			return false
		}
		n++
		return true
	})
}

// noQuirkHook is the PreQuirk/PostQuirk implementation shared by every
// policy except simple-gq, which is the only variant that needs to do
// anything across SetVirtualAddressMap.
func noQuirkHook(*efi.Info, []efi.MemoryDescriptor) {}

// --- simple ---------------------------------------------------------------

type simplePolicy struct{}

// NewSimple returns the simple RTSPolicy: every runtime region relocated
// to rts_vaddr + PA.
func NewSimple() Policy { return simplePolicy{} }

func (simplePolicy) Name() string            { return "simple" }
func (simplePolicy) RequiredCap() efi.Caps   { return efi.CapSimple }
func (simplePolicy) IncompatQuirks() efi.Quirks { return 0 }

func (simplePolicy) Supported(info *efi.Info) (bool, int) {
	regions := gatherRuntimeRegions(info)
	for _, r := range regions {
		vaddr := info.RTSVaddr + r.pa
		if vaddr < info.RTSVaddr || vaddr+r.len < vaddr {
			return false, 0
		}
	}
	return true, len(regions)
}

func (simplePolicy) Fill(info *efi.Info, vmap []efi.MemoryDescriptor) {
	for slot, r := range gatherRuntimeRegions(info) {
		fillDescriptor(info, vmap, slot, r, info.RTSVaddr+r.pa)
	}
}

func (simplePolicy) PreQuirk(i *efi.Info, v []efi.MemoryDescriptor)  { noQuirkHook(i, v) }
func (simplePolicy) PostQuirk(i *efi.Info, v []efi.MemoryDescriptor) { noQuirkHook(i, v) }

// --- simple-gq --------------------------------------------------------------

// IdentityMapToggleFn temporarily duplicates (enable=true) or tears down
// (enable=false) the pre-relocation identity mapping alongside the new
// runtime-services virtual map, for firmware that dereferences both during
// SetVirtualAddressMap.
type IdentityMapToggleFn func(enable bool) error

type simpleGQPolicy struct {
	simplePolicy
	Toggle IdentityMapToggleFn
}

// NewSimpleGQ returns the simple-gq RTSPolicy: identical layout to simple,
// but brackets SetVirtualAddressMap with a temporary identity-map overlay.
// toggle may be nil, in which case PreQuirk/PostQuirk are no-ops beyond a
// diagnostic log -- callers that never wire page-table access still get a
// policy object that satisfies the interface.
func NewSimpleGQ(toggle IdentityMapToggleFn) Policy {
	return simpleGQPolicy{Toggle: toggle}
}

func (simpleGQPolicy) Name() string          { return "simple-gq" }
func (simpleGQPolicy) RequiredCap() efi.Caps { return efi.CapSimpleGQ }

func (p simpleGQPolicy) PreQuirk(info *efi.Info, vmap []efi.MemoryDescriptor) {
	if p.Toggle == nil {
		early.Printf("rts: simple-gq has no identity-map toggle wired, skipping\n")
		return
	}
	if err := p.Toggle(true); err != nil {
		early.Printf("rts: simple-gq failed to duplicate identity mapping: %s\n", err.Error())
	}
}

func (p simpleGQPolicy) PostQuirk(info *efi.Info, vmap []efi.MemoryDescriptor) {
	if p.Toggle == nil {
		return
	}
	if err := p.Toggle(false); err != nil {
		early.Printf("rts: simple-gq failed to tear down identity mapping: %s\n", err.Error())
	}
}

// --- sparse -----------------------------------------------------------------

type sparsePolicy struct{}

// NewSparse returns the sparse RTSPolicy: VirtualStart = PA - lowest_rt_PA
// + rts_vaddr, requiring every runtime region to fit within
// [lowest_rt_PA, lowest_rt_PA+rts_size).
func NewSparse() Policy { return sparsePolicy{} }

func (sparsePolicy) Name() string              { return "sparse" }
func (sparsePolicy) RequiredCap() efi.Caps     { return efi.CapSparse }
func (sparsePolicy) IncompatQuirks() efi.Quirks { return efi.QuirkUnknownMem }

func sparseBounds(regions []runtimeRegion) (minPA, maxEnd uint64) {
	if len(regions) == 0 {
		return 0, 0
	}
	minPA = regions[0].pa
	for _, r := range regions {
		if r.pa < minPA {
			minPA = r.pa
		}
		if end := r.pa + r.len; end > maxEnd {
			maxEnd = end
		}
	}
	return minPA, maxEnd
}

func (sparsePolicy) Supported(info *efi.Info) (bool, int) {
	regions := gatherRuntimeRegions(info)
	if len(regions) == 0 {
		return true, 0
	}
	minPA, maxEnd := sparseBounds(regions)
	return maxEnd-minPA <= info.RTSSize, len(regions)
}

func (sparsePolicy) Fill(info *efi.Info, vmap []efi.MemoryDescriptor) {
	regions := gatherRuntimeRegions(info)
	minPA, _ := sparseBounds(regions)
	for slot, r := range regions {
		fillDescriptor(info, vmap, slot, r, r.pa-minPA+info.RTSVaddr)
	}
}

func (sparsePolicy) PreQuirk(i *efi.Info, v []efi.MemoryDescriptor)  { noQuirkHook(i, v) }
func (sparsePolicy) PostQuirk(i *efi.Info, v []efi.MemoryDescriptor) { noQuirkHook(i, v) }

// --- compact -----------------------------------------------------------------

type compactPolicy struct{}

// NewCompact returns the compact RTSPolicy: runtime regions packed
// contiguously in virtual space, preserving physical order, skipping gaps.
func NewCompact() Policy { return compactPolicy{} }

func (compactPolicy) Name() string              { return "compact" }
func (compactPolicy) RequiredCap() efi.Caps     { return efi.CapCompact }
func (compactPolicy) IncompatQuirks() efi.Quirks { return 0 }

func orderedRegions(info *efi.Info) []runtimeRegion {
	regions := gatherRuntimeRegions(info)
	sort.Slice(regions, func(i, j int) bool { return regions[i].pa < regions[j].pa })
	return regions
}

func compactTotal(regions []runtimeRegion) uint64 {
	var total uint64
	for _, r := range regions {
		total += r.len
	}
	return total
}

func (compactPolicy) Supported(info *efi.Info) (bool, int) {
	regions := orderedRegions(info)
	return compactTotal(regions) <= info.RTSSize, len(regions)
}

func (compactPolicy) Fill(info *efi.Info, vmap []efi.MemoryDescriptor) {
	regions := orderedRegions(info)
	cursor := info.RTSVaddr
	for slot, r := range regions {
		fillDescriptor(info, vmap, slot, r, cursor)
		cursor += r.len
	}
}

func (compactPolicy) PreQuirk(i *efi.Info, v []efi.MemoryDescriptor)  { noQuirkHook(i, v) }
func (compactPolicy) PostQuirk(i *efi.Info, v []efi.MemoryDescriptor) { noQuirkHook(i, v) }

// --- contig ------------------------------------------------------------------

type contigPolicy struct{}

// NewContig returns the contig RTSPolicy: the strictest layout, requiring
// the runtime regions to already form one contiguous physical block, which
// it then maps as a single contiguous virtual image.
func NewContig() Policy { return contigPolicy{} }

func (contigPolicy) Name() string              { return "contig" }
func (contigPolicy) RequiredCap() efi.Caps     { return efi.CapContig }
func (contigPolicy) IncompatQuirks() efi.Quirks { return 0 }

func contiguous(regions []runtimeRegion) bool {
	for i := 1; i < len(regions); i++ {
		if regions[i-1].pa+regions[i-1].len != regions[i].pa {
			return false
		}
	}
	return true
}

func (contigPolicy) Supported(info *efi.Info) (bool, int) {
	regions := orderedRegions(info)
	if !contiguous(regions) {
		return false, 0
	}
	return compactTotal(regions) <= info.RTSSize, len(regions)
}

func (contigPolicy) Fill(info *efi.Info, vmap []efi.MemoryDescriptor) {
	regions := orderedRegions(info)
	cursor := info.RTSVaddr
	for slot, r := range regions {
		fillDescriptor(info, vmap, slot, r, cursor)
		cursor += r.len
	}
}

func (contigPolicy) PreQuirk(i *efi.Info, v []efi.MemoryDescriptor)  { noQuirkHook(i, v) }
func (contigPolicy) PostQuirk(i *efi.Info, v []efi.MemoryDescriptor) { noQuirkHook(i, v) }

// Preference is the fixed selection order SelectPolicy expects: contig,
// compact, sparse, simple-gq, simple.
func Preference(simpleGQToggle IdentityMapToggleFn) []Policy {
	return []Policy{
		NewContig(),
		NewCompact(),
		NewSparse(),
		NewSimpleGQ(simpleGQToggle),
		NewSimple(),
	}
}
