package kernel

// Kind classifies an Error so that callers can branch on the failure mode
// without string-matching Message. The kind set mirrors the error
// categories used throughout the boot-services relocator and the runtime
// allocator; collaborators that sit outside the core (file access, ACPI,
// etc.) reuse VolumeCorrupted/DeviceError/UnexpectedEOF/CRC/BadHeader/
// BadType/InconsistentData even though nothing in this module raises them.
type Kind uint8

// nolint
const (
	KindUnspecified Kind = iota
	KindOutOfResources
	KindInvalidParameter
	KindUnsupported
	KindNotFound
	KindVolumeCorrupted
	KindDeviceError
	KindUnexpectedEOF
	KindCRC
	KindBadHeader
	KindBadType
	KindInconsistentData
)

// Error describes a kernel error. All kernel errors must be defined as global
// variables that are pointers to the Error structure. This requirement stems
// from the fact that the Go allocator is not available to us so we cannot use
// errors.New.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message
	Message string

	// Kind categorizes the failure. Defaults to KindUnspecified for
	// errors that predate the Kind field and never needed one.
	Kind Kind
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// Is reports whether this error carries the given Kind. A nil Error is
// never of any Kind.
func (e *Error) Is(kind Kind) bool {
	return e != nil && e.Kind == kind
}
