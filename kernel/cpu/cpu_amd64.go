// Package cpu exposes the small set of privileged, architecture-specific
// primitives that the page-table relocator needs: halting the processor,
// flushing TLB entries and swapping the root page-table register. Each
// function below is implemented in the matching .s file; none of them can
// be safely exercised outside ring 0, so unit tests exclusively target
// IsIntel (backed by the ordinary, unprivileged CPUID instruction).
package cpu

var (
	cpuidFn = ID
)

// Halt stops instruction execution.
func Halt()

// FlushTLBEntry flushes a single TLB entry for the given virtual address.
func FlushTLBEntry(virtAddr uintptr)

// SwitchPDT sets the root page-table register (CR3 on amd64) to the given
// physical address and flushes the TLB. Between the two calls a relocation
// pass makes, the previously active tree must remain mapped and readable --
// the caller is responsible for that ordering, not this function.
func SwitchPDT(pdtPhysAddr uintptr)

// ActivePDT returns the physical address of the currently active root page
// table.
func ActivePDT() uintptr

// ID returns the CPUID output for the given leaf: EAX, EBX, ECX, EDX.
func ID(leaf uint32) (eax, ebx, ecx, edx uint32)

// IsIntel returns true if the code is running on an Intel processor. This
// is used by QuirkDB-adjacent platform checks that key off CPU vendor
// rather than SMBIOS strings.
func IsIntel() bool {
	_, ebx, ecx, edx := cpuidFn(0)
	return ebx == 0x756e6547 && // "Genu"
		edx == 0x49656e69 && // "ineI"
		ecx == 0x6c65746e // "ntel"
}
