// Package kerrors holds the sentinel kernel.Error values shared by the
// allocator, walker, policy and driver packages. They are package-level
// *kernel.Error values rather than errors.New results for the same reason
// kernel.Error itself exists: there is no allocator available yet when most
// of these can first be raised.
package kerrors

import "github.com/vmware/esx-boot-sub002/kernel"

var (
	// ErrOutOfResources: allocator table full, no fitting gap, or firmware
	// allocation failure.
	ErrOutOfResources = &kernel.Error{Module: "core", Message: "out of resources", Kind: kernel.KindOutOfResources}

	// ErrInvalidParameter: bad insertion index, bad mode, or a zero-sized
	// buffer where a populated one was required.
	ErrInvalidParameter = &kernel.Error{Module: "core", Message: "invalid parameter", Kind: kernel.KindInvalidParameter}

	// ErrUnsupported: no RTS policy applicable, or a requested feature is
	// absent.
	ErrUnsupported = &kernel.Error{Module: "core", Message: "unsupported", Kind: kernel.KindUnsupported}

	// ErrNotFound: SMBIOS table absent, or no runtime descriptors present
	// in the memory map.
	ErrNotFound = &kernel.Error{Module: "core", Message: "not found", Kind: kernel.KindNotFound}

	// ErrVolumeCorrupted, ErrDeviceError and ErrUnexpectedEOF are used by
	// out-of-scope collaborators (file access, ACPI); declared here so the
	// Kind enumeration is complete and importable from one place.
	ErrVolumeCorrupted = &kernel.Error{Module: "core", Message: "volume corrupted", Kind: kernel.KindVolumeCorrupted}
	ErrDeviceError     = &kernel.Error{Module: "core", Message: "device error", Kind: kernel.KindDeviceError}
	ErrUnexpectedEOF   = &kernel.Error{Module: "core", Message: "unexpected EOF", Kind: kernel.KindUnexpectedEOF}

	// ErrCRC: a checksum did not match (system-table header recompute,
	// SMBIOS table checksum).
	ErrCRC = &kernel.Error{Module: "core", Message: "CRC mismatch", Kind: kernel.KindCRC}

	// ErrBadHeader and ErrBadType: malformed SMBIOS/ACPI-style headers or
	// an unexpected structure type during a table decode.
	ErrBadHeader = &kernel.Error{Module: "core", Message: "bad header", Kind: kernel.KindBadHeader}
	ErrBadType   = &kernel.Error{Module: "core", Message: "bad type", Kind: kernel.KindBadType}

	// ErrInconsistentData: a decoded structure fails a cross-field sanity
	// check (e.g. a memory-map entry whose gap arithmetic overflows).
	ErrInconsistentData = &kernel.Error{Module: "core", Message: "inconsistent data", Kind: kernel.KindInconsistentData}
)
