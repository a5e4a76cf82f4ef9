// Package smbios decodes the handful of SMBIOS type-0 (BIOS Information)
// and type-1 (System Information) fields the quirk database needs to
// fingerprint a platform: a small, standard SMBIOS string-table decode.
package smbios

import "github.com/vmware/esx-boot-sub002/kernel/kerrors"

// Identity is the platform fingerprint QuirkDB.Lookup matches rows
// against. Fields whose string number is 0 (absent) are sanitized to "".
type Identity struct {
	Manufacturer   string
	Product        string
	BIOSVersion    string
	BIOSDate       string
	FirmwareVendor string
}

const (
	type0VendorOffset   = 0x04
	type0VersionOffset  = 0x05
	type0ReleaseOffset  = 0x08
	type1MfgOffset      = 0x04
	type1ProductOffset  = 0x05
	minHeaderLen        = 4
)

// Decode extracts Identity from the raw type-0 and type-1 structures
// (header + formatted area + string table, exactly as SMBIOS publishes
// them; a Length byte at offset 1 gives the formatted-area size excluding
// the string table).
func Decode(type0, type1 []byte) (Identity, error) {
	var id Identity

	if type0 != nil {
		v, err := decodeRecord(type0)
		if err != nil {
			return Identity{}, err
		}
		id.FirmwareVendor = stringAt(type0, v, type0VendorOffset)
		id.BIOSVersion = stringAt(type0, v, type0VersionOffset)
		id.BIOSDate = stringAt(type0, v, type0ReleaseOffset)
	}

	if type1 != nil {
		v, err := decodeRecord(type1)
		if err != nil {
			return Identity{}, err
		}
		id.Manufacturer = stringAt(type1, v, type1MfgOffset)
		id.Product = stringAt(type1, v, type1ProductOffset)
	}

	return id, nil
}

// decodeRecord validates the structure header and returns its formatted
// area length (the Length byte at offset 1).
func decodeRecord(raw []byte) (int, error) {
	if len(raw) < minHeaderLen {
		return 0, kerrors.ErrBadHeader
	}
	length := int(raw[1])
	if length < minHeaderLen || length > len(raw) {
		return 0, kerrors.ErrBadHeader
	}
	return length, nil
}

// stringAt returns the stringNumber-th (1-based) NUL-terminated string in
// raw's string table, which begins right after the formatted area
// (headerLen bytes in). fieldOffset indexes into the formatted area to
// read the string number byte itself. A string number of 0, or one with
// no matching entry in the table, sanitizes to "".
func stringAt(raw []byte, headerLen, fieldOffset int) string {
	if fieldOffset >= headerLen || fieldOffset >= len(raw) {
		return ""
	}
	n := int(raw[fieldOffset])
	if n == 0 {
		return ""
	}

	i := headerLen
	for cur := 1; i < len(raw); cur++ {
		start := i
		for i < len(raw) && raw[i] != 0 {
			i++
		}
		if cur == n {
			return string(raw[start:i])
		}
		if i >= len(raw) {
			break
		}
		i++ // skip the terminating NUL
		if i < len(raw) && raw[i] == 0 {
			break // double-NUL: end of string table
		}
	}
	return ""
}
