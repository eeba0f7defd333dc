package kernel

// ErrorCode enumerates the closed set of failure causes that the memory
// subsystem can report. Callers are expected to switch on the code of a
// returned error instead of treating all failures uniformly.
type ErrorCode uint8

const (
	// CodeUnknown is reserved for errors that predate the code taxonomy.
	CodeUnknown ErrorCode = iota

	// CodeNullPointer indicates that a nil/zero pointer was passed to an
	// operation that requires a valid one.
	CodeNullPointer

	// CodeInvalidAddress indicates an address outside the range an
	// operation can legally act on.
	CodeInvalidAddress

	// CodeOutOfMemory indicates frame or heap space exhaustion.
	CodeOutOfMemory

	// CodeAlreadyMapped indicates an attempt to map a page that already
	// has a present translation.
	CodeAlreadyMapped

	// CodeNotMapped indicates an attempt to operate on a page that has no
	// present translation.
	CodeNotMapped

	// CodeInvalidSize indicates a zero or out-of-bounds size argument.
	CodeInvalidSize

	// CodeNotInitialized indicates use of a subsystem before its Init
	// lifecycle call completed.
	CodeNotInitialized
)

// String implements fmt.Stringer for ErrorCode.
func (c ErrorCode) String() string {
	switch c {
	case CodeNullPointer:
		return "null pointer"
	case CodeInvalidAddress:
		return "invalid address"
	case CodeOutOfMemory:
		return "out of memory"
	case CodeAlreadyMapped:
		return "already mapped"
	case CodeNotMapped:
		return "not mapped"
	case CodeInvalidSize:
		return "invalid size"
	case CodeNotInitialized:
		return "not initialized"
	default:
		return "unknown"
	}
}

// Error describes a kernel error. Kernel errors are defined as global
// variables that are pointers to the Error structure so that error paths
// never allocate and callers can compare against the sentinel values.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message.
	Message string

	// The failure cause.
	Code ErrorCode
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}
