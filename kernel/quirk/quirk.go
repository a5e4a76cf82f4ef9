// Package quirk implements QuirkDB: a static, read-only table mapping a
// platform's SMBIOS fingerprint onto the extra relocator behavior flags
// carried in efi.Quirks.
package quirk

import (
	"github.com/vmware/esx-boot-sub002/kernel/efi"
	"github.com/vmware/esx-boot-sub002/kernel/smbios"
)

// Row is one QuirkDB entry. A field left empty matches any value the
// platform reports for it (including an absent SMBIOS string, which
// smbios.Decode already sanitizes to "").
type Row struct {
	Manufacturer string
	Product      string
	BIOSVersion  string
	BIOSDate     string
	Bits         efi.Quirks
}

func matches(field, want string) bool {
	return want == "" || field == want
}

func (r Row) matches(smb smbios.Identity) bool {
	return matches(smb.Manufacturer, r.Manufacturer) &&
		matches(smb.Product, r.Product) &&
		matches(smb.BIOSVersion, r.BIOSVersion) &&
		matches(smb.BIOSDate, r.BIOSDate)
}

// appleVendor is the firmware-vendor string QuirkDB treats specially,
// independently of the row table, to disable network controllers that
// misbehave across ExitBootServices on that platform family.
const appleVendor = "Apple"

// Lookup linearly scans rows for the first exact match on the platform's
// SMBIOS identity and ORs its quirk bits into the result. Independently of
// the table, a firmware vendor string of "Apple" always ORs in
// efi.QuirkNetDevDisable.
func Lookup(rows []Row, smb smbios.Identity) efi.Quirks {
	var bits efi.Quirks

	for _, row := range rows {
		if row.matches(smb) {
			bits |= row.Bits
			break
		}
	}

	if smb.FirmwareVendor == appleVendor {
		bits |= efi.QuirkNetDevDisable
	}

	return bits
}
