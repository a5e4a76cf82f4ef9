package quirk

import (
	"testing"

	"github.com/vmware/esx-boot-sub002/kernel/efi"
	"github.com/vmware/esx-boot-sub002/kernel/smbios"
)

func TestLookupFirstMatchWins(t *testing.T) {
	rows := []Row{
		{Manufacturer: "Acme", Product: "Widget", Bits: efi.QuirkUnknownMem},
		{Manufacturer: "Acme", Bits: efi.QuirkOldAndNew},
	}
	smb := smbios.Identity{Manufacturer: "Acme", Product: "Widget"}

	got := Lookup(rows, smb)
	if got != efi.QuirkUnknownMem {
		t.Fatalf("expected only the first matching row's bits, got %v", got)
	}
}

func TestLookupNoMatch(t *testing.T) {
	rows := []Row{{Manufacturer: "Acme", Bits: efi.QuirkOldAndNew}}
	smb := smbios.Identity{Manufacturer: "Contoso"}

	if got := Lookup(rows, smb); got != 0 {
		t.Fatalf("expected no quirks for a non-matching platform, got %v", got)
	}
}

func TestLookupEmptyFieldMatchesAnything(t *testing.T) {
	rows := []Row{{Manufacturer: "Acme", Bits: efi.QuirkUnknownMem}}
	smb := smbios.Identity{Manufacturer: "Acme", Product: "AnythingAtAll", BIOSVersion: "1.2.3"}

	if got := Lookup(rows, smb); got != efi.QuirkUnknownMem {
		t.Fatalf("expected an empty row field to match any platform value, got %v", got)
	}
}

func TestLookupAppleVendorAlwaysDisablesNet(t *testing.T) {
	smb := smbios.Identity{FirmwareVendor: "Apple"}

	got := Lookup(nil, smb)
	if !got.Has(efi.QuirkNetDevDisable) {
		t.Fatalf("expected Apple firmware vendor to OR in NetDevDisable regardless of rows, got %v", got)
	}
}

func TestLookupAppleVendorCombinesWithRowMatch(t *testing.T) {
	rows := []Row{{Manufacturer: "Apple Inc.", Bits: efi.QuirkFBBroken}}
	smb := smbios.Identity{Manufacturer: "Apple Inc.", FirmwareVendor: "Apple"}

	got := Lookup(rows, smb)
	if !got.Has(efi.QuirkFBBroken) || !got.Has(efi.QuirkNetDevDisable) {
		t.Fatalf("expected both the row match and the independent Apple rule to apply, got %v", got)
	}
}
