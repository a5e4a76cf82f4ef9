// Package efi defines the small set of UEFI types the relocator core reads
// or writes directly: the firmware memory-descriptor layout, the runtime
// capability/quirk bitsets negotiated with the kernel, and the system-table
// header fields that get nulled and re-checksummed around ExitBootServices.
//
// None of this is a general UEFI binding -- only the fields the relocator
// core touches are modeled.
package efi

import (
	"hash/crc32"

	"github.com/vmware/esx-boot-sub002/kernel/kerrors"
)

// Handle is an opaque firmware handle (EFI_HANDLE).
type Handle uintptr

// Memory-descriptor Type values the core cares about (UEFI table 7-VI),
// renamed to the category names the memory-map entry type uses at the
// mmap-package boundary; see mmap.classify.
const (
	TypeReservedMemoryType uint32 = iota
	TypeLoaderCode
	TypeLoaderData
	TypeBootServicesCode
	TypeBootServicesData
	TypeRuntimeServicesCode
	TypeRuntimeServicesData
	TypeConventionalMemory
	TypeUnusableMemory
	TypeACPIReclaimMemory
	TypeACPIMemoryNVS
	TypeMemoryMappedIO
	TypeMemoryMappedIOPortSpace
	TypePalCode
	TypePersistentMemory
)

// Attribute bits (subset): the only one the core inspects is Runtime, which
// selects which descriptors are copied into a VirtualMap.
const (
	AttrUncacheable      uint64 = 1 << 0
	AttrWriteCombine     uint64 = 1 << 1
	AttrWriteThrough     uint64 = 1 << 2
	AttrWriteBack        uint64 = 1 << 3
	AttrRuntime          uint64 = 1 << 63
)

// MemoryDescriptor mirrors EFI_MEMORY_DESCRIPTOR. Firmware is free to make
// its on-the-wire descriptor larger than this struct (future fields); every
// consumer must walk the raw array using the firmware-reported DescSize
// stride, never unsafe.Sizeof(MemoryDescriptor{}).
type MemoryDescriptor struct {
	Type          uint32
	_             uint32
	PhysicalStart uint64
	VirtualStart  uint64
	NumberOfPages uint64
	Attribute     uint64
}

// DescriptorSize is the size of the struct as Go lays it out. Callers must
// still use the firmware-reported descSize for stride; this constant exists
// only so Stride can detect and reject a stride that is too small to hold a
// descriptor.
const DescriptorSize = 40

// Stride returns the safe stride to use when walking a raw descriptor
// array: the firmware-reported size if it is at least as large as a
// MemoryDescriptor, else DescriptorSize.
func Stride(descSize uint32) uintptr {
	if uintptr(descSize) < DescriptorSize {
		return DescriptorSize
	}
	return uintptr(descSize)
}

// Caps is a bitset the kernel advertises: which RTSPolicy variants it will
// tolerate.
type Caps uint32

const (
	CapDoTest Caps = 1 << iota
	CapSimple
	CapSimpleGQ
	CapSparse
	CapCompact
	CapContig
	CapOldAndNew
)

// Has reports whether all bits in want are set in c.
func (c Caps) Has(want Caps) bool { return c&want == want }

// Quirks is a bitset of platform deviations discovered via QuirkDB.
type Quirks uint32

const (
	QuirkOldAndNew Quirks = 1 << iota
	QuirkUnknownMem
	QuirkNetDevDisable
	QuirkFBBroken
)

// Has reports whether all bits in want are set in q.
func (q Quirks) Has(want Quirks) bool { return q&want == want }

// Intersects reports whether q and other share any bit.
func (q Quirks) Intersects(other Quirks) bool { return q&other != 0 }

// Info is EfiInfo: the parameters of one relocation pass, threaded through
// quirk lookup, policy selection and the driver.
type Info struct {
	Mmap     uintptr // raw firmware-owned descriptor array
	NumDescs uint32
	DescSize uint32

	RTSVaddr uint64
	RTSSize  uint64

	Caps   Caps
	Quirks Quirks

	Systab     uintptr
	SystabSize uint64
	Valid      bool
}

// SystemTable mirrors the header fields of EFI_SYSTEM_TABLE that the driver
// nulls out after ExitBootServices succeeds, plus the header CRC-32 it must
// recompute afterwards. Field order matches the real table layout so that
// RecomputeCRC32's header slice covers exactly the bytes firmware checksums.
type SystemTable struct {
	Signature    uint64
	Revision     uint32
	HeaderSize   uint32
	CRC32        uint32
	_            uint32 // reserved
	FirmwareVendor uintptr
	FirmwareRevision uint32
	_ uint32

	ConsoleInHandle  Handle
	ConsoleIn        uintptr
	ConsoleOutHandle Handle
	ConsoleOut       uintptr
	StdErrHandle     Handle
	StdErr           uintptr

	RuntimeServices uintptr
	BootServices    uintptr

	NumTableEntries uint64
	ConfigTable     uintptr
}

// ClearBootServices nulls the console and boot-services pointers that are
// no longer valid once ExitBootServices has succeeded.
func (st *SystemTable) ClearBootServices() {
	st.ConsoleInHandle = 0
	st.ConsoleIn = 0
	st.ConsoleOutHandle = 0
	st.ConsoleOut = 0
	st.StdErrHandle = 0
	st.StdErr = 0
	st.BootServices = 0
}

// RecomputeCRC32 zeroes the CRC32 field, computes IEEE CRC-32 over the first
// HeaderSize bytes of the table, and writes the result back. Firmware reads
// HeaderSize bytes starting at Signature, so raw must point at exactly that
// span (typically produced by the caller via unsafe.Slice over the live
// system-table memory).
func (st *SystemTable) RecomputeCRC32(raw []byte) error {
	if len(raw) < int(st.HeaderSize) {
		return kerrors.ErrBadHeader
	}
	st.CRC32 = 0
	// raw is expected to alias st's backing memory; its CRC32 bytes are
	// zeroed here as well before hashing.
	zeroCRCField(raw)
	st.CRC32 = crc32.ChecksumIEEE(raw[:st.HeaderSize])
	return nil
}

// zeroCRCField clears the 4 bytes at the conventional CRC32 offset (16,
// right after Signature+Revision+HeaderSize) within the raw header bytes so
// a stale value never leaks into the checksum.
func zeroCRCField(raw []byte) {
	const crcOffset = 16
	if len(raw) < crcOffset+4 {
		return
	}
	for i := 0; i < 4; i++ {
		raw[crcOffset+i] = 0
	}
}
