// Package rts implements RTSPolicy: the family of virtual-address layout
// strategies for relocating UEFI runtime-service regions, and the fixed
// preference-ordered selection algorithm that picks one for a given
// platform's capabilities and quirks.
package rts

import (
	"github.com/vmware/esx-boot-sub002/kernel/efi"
	"github.com/vmware/esx-boot-sub002/kernel/kerrors"
)

// Policy is one virtual-address layout strategy for relocating runtime
// regions, modeled as a capability-bearing interface rather than the
// function-pointer record the platform originally used for this dispatch.
type Policy interface {
	// Name identifies the policy for diagnostics.
	Name() string
	// Supported reports whether this policy can be applied to info, and
	// if so how many descriptors its virtual map needs.
	Supported(info *efi.Info) (ok bool, mapSize int)
	// Fill populates vmap's VirtualStart fields and rewrites VirtualStart
	// in the original runtime descriptors info.Mmap references, in lockstep.
	Fill(info *efi.Info, vmap []efi.MemoryDescriptor)
	// PreQuirk and PostQuirk bracket the firmware SetVirtualAddressMap
	// call; only simple-GQ does anything here.
	PreQuirk(info *efi.Info, vmap []efi.MemoryDescriptor)
	PostQuirk(info *efi.Info, vmap []efi.MemoryDescriptor)
	// IncompatQuirks is the set of quirks that disqualify this policy.
	IncompatQuirks() efi.Quirks
	// RequiredCap is the single capability bit the kernel must advertise
	// for this policy to be eligible.
	RequiredCap() efi.Caps
}

// SelectPolicy walks candidates in the order given -- callers are expected
// to pass them in the fixed preference order (contig, compact, sparse,
// simple-gq, simple) -- skipping any whose required capability is not
// advertised, whose incompatible quirks intersect info.Quirks, or whose
// Supported reports false. The first survivor wins; ErrUnsupported if none
// survive.
func SelectPolicy(info *efi.Info, candidates []Policy) (Policy, int, error) {
	for _, p := range candidates {
		if !info.Caps.Has(p.RequiredCap()) {
			continue
		}
		if p.IncompatQuirks().Intersects(info.Quirks) {
			continue
		}
		ok, size := p.Supported(info)
		if !ok {
			continue
		}
		return p, size, nil
	}
	return nil, 0, kerrors.ErrUnsupported
}
