package ptreloc

import (
	"testing"
	"unsafe"

	"github.com/vmware/esx-boot-sub002/kernel/cpu"
	"github.com/vmware/esx-boot-sub002/kernel/mem/alloc"
	"github.com/vmware/esx-boot-sub002/kernel/mem/mmap"
	"github.com/vmware/esx-boot-sub002/kernel/mem/pt"
)

const testPAMask = ^uint64(0x3) // clears only present/writable, see pt_test.go

// buildIdentityLeaf constructs a single-leaf, four-level identity-mapped
// tree (VA=PA=0x2000) and returns its root and a covering memory map.
func buildIdentityLeaf(t *testing.T) (root uintptr, mm []mmap.Entry) {
	t.Helper()

	l1 := make([]byte, pt.TableSize)
	l2 := make([]byte, pt.TableSize)
	l3 := make([]byte, pt.TableSize)
	l4 := make([]byte, pt.TableSize)

	l1Phys := uintptr(unsafe.Pointer(&l1[0]))
	l2Phys := uintptr(unsafe.Pointer(&l2[0]))
	l3Phys := uintptr(unsafe.Pointer(&l3[0]))
	l4Phys := uintptr(unsafe.Pointer(&l4[0]))

	asEntries := func(b []byte) *[512]uint64 { return (*[512]uint64)(unsafe.Pointer(&b[0])) }

	const present = uint64(1)
	const writable = uint64(2)

	asEntries(l1)[2] = 0x2000 | present | writable
	asEntries(l2)[0] = uint64(l1Phys) | present | writable
	asEntries(l3)[0] = uint64(l2Phys) | present | writable
	asEntries(l4)[0] = uint64(l3Phys) | present | writable

	mm = []mmap.Entry{{Base: 0, Len: ^uint64(0) - 1, Type: mmap.Available}}

	// Retain the tables past this helper's return; storing them in a
	// package-level variable also keeps them off this helper's stack.
	fixtureTables = append(fixtureTables, l1, l2, l3, l4)
	return l4Phys, mm
}

// fixtureTables retains the tables built by buildIdentityLeaf.
var fixtureTables [][]byte

func TestPhase1CopiesAndSwitches(t *testing.T) {
	defer func() { switchPDTFn = cpu.SwitchPDT }()

	root, mm := buildIdentityLeaf(t)

	var switchedTo uintptr
	switchPDTFn = func(addr uintptr) { switchedTo = addr }

	var fwCalls int
	fwAlloc := func(pages uint64) (uintptr, error) {
		fwCalls++
		buf := make([]byte, pages*uint64(4096))
		return uintptr(unsafe.Pointer(&buf[0])), nil
	}

	newRoot, err := Phase1(root, testPAMask, mm, fwAlloc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fwCalls != 1 {
		t.Fatalf("expected exactly one firmware allocation, got %d", fwCalls)
	}
	if switchedTo != newRoot {
		t.Fatalf("expected SwitchPDT to be called with the new root %x, got %x", newRoot, switchedTo)
	}
}

func TestPhase2CopiesAndSwitches(t *testing.T) {
	defer func() { switchPDTFn = cpu.SwitchPDT }()

	root, mm := buildIdentityLeaf(t)

	var switchedTo uintptr
	switchPDTFn = func(addr uintptr) { switchedTo = addr }

	// Phase2 writes through whatever address the allocator hands back, so
	// the table's only free gap must start inside real, dereferenceable
	// memory: reserve everything below a real buffer's address first.
	buf := make([]byte, 64*1024)
	bufAddr := uint64(uintptr(unsafe.Pointer(&buf[0])))
	table := alloc.New()
	reserveBase := uint64(0)
	if err := table.Alloc(&reserveBase, bufAddr, 1, alloc.Force); err != nil {
		t.Fatalf("failed to set up the reservation fence: %v", err)
	}

	newRoot, err := Phase2(root, testPAMask, mm, table)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if switchedTo != newRoot {
		t.Fatalf("expected SwitchPDT to be called with the new root %x, got %x", newRoot, switchedTo)
	}
	if table.IsFreeMem(uint64(newRoot), 1) {
		t.Fatal("expected Phase2 to reserve the pages it copied into via the allocator")
	}
}
