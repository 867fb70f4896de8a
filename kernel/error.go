package kernel

// ErrorKind classifies a kernel error so that callers can react to the class
// of failure without comparing against every error variable a subsystem
// declares.
type ErrorKind uint8

const (
	// KindUnknown is used by errors that do not belong to any of the
	// recoverable classes below.
	KindUnknown ErrorKind = iota

	// KindOutOfMemory is reported when no region, zone or address space
	// can satisfy an allocation.
	KindOutOfMemory

	// KindInvalidArgument is reported for misaligned addresses or sizes,
	// privilege-domain violations and unknown shared-memory ids.
	KindInvalidArgument

	// KindNoSuchMapping is reported when an address has no covering range
	// or no installed memory object.
	KindNoSuchMapping

	// KindPermissionDenied is reported when a request exceeds the
	// protection granted to the caller.
	KindPermissionDenied
)

// String implements fmt.Stringer for ErrorKind.
func (k ErrorKind) String() string {
	switch k {
	case KindOutOfMemory:
		return "out of memory"
	case KindInvalidArgument:
		return "invalid argument"
	case KindNoSuchMapping:
		return "no such mapping"
	case KindPermissionDenied:
		return "permission denied"
	default:
		return "unknown"
	}
}

// Error describes a kernel error. All kernel errors must be defined as global
// variables that are pointers to the Error structure.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message
	Message string

	// The class of the error.
	Kind ErrorKind
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// Is reports whether target is a kernel error of the same kind. It allows
// errors.Is(err, kernel.ErrOutOfMemory) to match any out-of-memory error
// regardless of the module that raised it.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}

	if e == t {
		return true
	}

	return t.Kind != KindUnknown && e.Kind == t.Kind && t.Module == ""
}

var (
	// ErrOutOfMemory matches any error of kind KindOutOfMemory.
	ErrOutOfMemory = &Error{Message: "out of memory", Kind: KindOutOfMemory}

	// ErrInvalidArgument matches any error of kind KindInvalidArgument.
	ErrInvalidArgument = &Error{Message: "invalid argument", Kind: KindInvalidArgument}

	// ErrNoSuchMapping matches any error of kind KindNoSuchMapping.
	ErrNoSuchMapping = &Error{Message: "no such mapping", Kind: KindNoSuchMapping}

	// ErrPermissionDenied matches any error of kind KindPermissionDenied.
	ErrPermissionDenied = &Error{Message: "permission denied", Kind: KindPermissionDenied}
)

// KindOf returns the kind of the first kernel error found in err's chain or
// KindUnknown if err does not wrap a kernel error.
func KindOf(err error) ErrorKind {
	for err != nil {
		if kerr, ok := err.(*Error); ok {
			return kerr.Kind
		}

		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			cause, ok := err.(interface{ Cause() error })
			if !ok {
				return KindUnknown
			}
			err = cause.Cause()
			continue
		}
		err = unwrapper.Unwrap()
	}

	return KindUnknown
}
