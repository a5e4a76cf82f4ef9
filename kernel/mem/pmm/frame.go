// Package pmm contains the minimal physical memory frame abstraction shared
// by the page table walker and relocator. It deliberately does not provide a
// general-purpose frame allocator: frame reservations for this module flow
// exclusively through mem/alloc.Table.
package pmm

import (
	"math"

	"github.com/vmware/esx-boot-sub002/kernel/mem"
)

// Frame describes a physical memory page index.
type Frame uint64

// InvalidFrame is returned by callers that fail to resolve a frame.
const InvalidFrame = Frame(math.MaxUint64)

// Valid returns true if this is not the sentinel InvalidFrame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical memory address pointed to by this Frame.
func (f Frame) Address() uintptr {
	return uintptr(f << mem.PageShift)
}

// FrameFromAddress returns the Frame containing the given physical address.
func FrameFromAddress(physAddr uintptr) Frame {
	return Frame(physAddr >> mem.PageShift)
}
