package rts

import (
	"testing"
	"unsafe"

	"github.com/vmware/esx-boot-sub002/kernel/efi"
	"github.com/vmware/esx-boot-sub002/kernel/kerrors"
	"github.com/vmware/esx-boot-sub002/kernel/mem"
)

func descArray(descs []efi.MemoryDescriptor) (base uintptr, numDescs uint32, descSize uintptr) {
	return uintptr(unsafe.Pointer(&descs[0])), uint32(len(descs)), unsafe.Sizeof(descs[0])
}

func runtimeDesc(pa uint64, pages uint64) efi.MemoryDescriptor {
	return efi.MemoryDescriptor{
		Type:          efi.TypeRuntimeServicesData,
		PhysicalStart: pa,
		NumberOfPages: pages,
		Attribute:     efi.AttrRuntime,
	}
}

// TestScenarioS6 pins down the fixed preference order and quirk-based
// exclusion: only SIMPLE and SPARSE are advertised, UNKNOWN_MEM disqualifies
// sparse, so selection must land on simple.
func TestScenarioS6(t *testing.T) {
	descs := []efi.MemoryDescriptor{runtimeDesc(0x10000, 4)}
	base, numDescs, descSize := descArray(descs)

	info := &efi.Info{
		Mmap:     base,
		NumDescs: numDescs,
		DescSize: uint32(descSize),
		RTSVaddr: 0xFFFF_8000_0000_0000,
		RTSSize:  1 << 30,
		Caps:     efi.CapSimple | efi.CapSparse,
		Quirks:   efi.QuirkUnknownMem,
	}

	p, _, err := SelectPolicy(info, Preference(nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Name() != "simple" {
		t.Fatalf("expected simple to be selected, got %s", p.Name())
	}
}

func TestSelectPolicyNoneSurvive(t *testing.T) {
	descs := []efi.MemoryDescriptor{runtimeDesc(0x10000, 4)}
	base, numDescs, descSize := descArray(descs)

	info := &efi.Info{
		Mmap:     base,
		NumDescs: numDescs,
		DescSize: uint32(descSize),
		RTSVaddr: 0xFFFF_8000_0000_0000,
		RTSSize:  1 << 30,
		Caps:     0,
	}

	_, _, err := SelectPolicy(info, Preference(nil))
	if err != kerrors.ErrUnsupported {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}

func TestSelectPolicyDeterministic(t *testing.T) {
	descs := []efi.MemoryDescriptor{runtimeDesc(0x10000, 4), runtimeDesc(0x40000, 2)}
	base, numDescs, descSize := descArray(descs)

	info := &efi.Info{
		Mmap:     base,
		NumDescs: numDescs,
		DescSize: uint32(descSize),
		RTSVaddr: 0xFFFF_8000_0000_0000,
		RTSSize:  1 << 30,
		Caps:     efi.CapCompact | efi.CapSparse | efi.CapSimple,
	}

	var names []string
	for i := 0; i < 3; i++ {
		p, _, err := SelectPolicy(info, Preference(nil))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		names = append(names, p.Name())
	}
	for _, n := range names {
		if n != "compact" {
			t.Fatalf("expected compact (highest-ranked applicable policy) every time, got %v", names)
		}
	}
}

// TestSparseFeasibility pins down "supported iff max_rt_PA - min_rt_PA +
// len <= rts_size" directly.
func TestSparseFeasibility(t *testing.T) {
	// Two runtime regions: [0x10000, 0x11000) and [0x210000, 0x211000).
	// Span is 0x201000; fits in a 0x300000 window but not a 0x200000 one.
	descs := []efi.MemoryDescriptor{runtimeDesc(0x10000, 1), runtimeDesc(0x210000, 1)}
	base, numDescs, descSize := descArray(descs)

	fits := &efi.Info{Mmap: base, NumDescs: numDescs, DescSize: uint32(descSize), RTSSize: 0x300000}
	ok, _ := sparsePolicy{}.Supported(fits)
	if !ok {
		t.Fatal("expected sparse to be feasible when the span fits within rts_size")
	}

	tooSmall := &efi.Info{Mmap: base, NumDescs: numDescs, DescSize: uint32(descSize), RTSSize: 0x200000}
	ok, _ = sparsePolicy{}.Supported(tooSmall)
	if ok {
		t.Fatal("expected sparse to be infeasible when the span exceeds rts_size")
	}
}

func TestSimpleFillUpdatesOriginalDescriptor(t *testing.T) {
	descs := []efi.MemoryDescriptor{runtimeDesc(0x2000, 1)}
	base, numDescs, descSize := descArray(descs)

	info := &efi.Info{Mmap: base, NumDescs: numDescs, DescSize: uint32(descSize), RTSVaddr: 0xFFFF_0000_0000_0000}
	vmap := make([]efi.MemoryDescriptor, 1)

	simplePolicy{}.Fill(info, vmap)

	want := info.RTSVaddr + 0x2000
	if vmap[0].VirtualStart != want {
		t.Fatalf("expected vmap VirtualStart %x, got %x", want, vmap[0].VirtualStart)
	}
	if descs[0].VirtualStart != want {
		t.Fatalf("expected the original descriptor's VirtualStart to be updated in lockstep, got %x", descs[0].VirtualStart)
	}
}

func TestContigRejectsNonContiguousRegions(t *testing.T) {
	descs := []efi.MemoryDescriptor{runtimeDesc(0x10000, 1), runtimeDesc(0x40000, 1)}
	base, numDescs, descSize := descArray(descs)

	info := &efi.Info{Mmap: base, NumDescs: numDescs, DescSize: uint32(descSize), RTSSize: 1 << 30}
	ok, _ := contigPolicy{}.Supported(info)
	if ok {
		t.Fatal("expected contig to reject physically non-adjacent runtime regions")
	}
}

func TestContigAcceptsContiguousRegions(t *testing.T) {
	descs := []efi.MemoryDescriptor{
		runtimeDesc(0x10000, 1),
		runtimeDesc(0x10000+uint64(mem.PageSize), 1),
	}
	base, numDescs, descSize := descArray(descs)

	info := &efi.Info{Mmap: base, NumDescs: numDescs, DescSize: uint32(descSize), RTSSize: 1 << 30}
	ok, _ := contigPolicy{}.Supported(info)
	if !ok {
		t.Fatal("expected contig to accept physically adjacent runtime regions")
	}
}
