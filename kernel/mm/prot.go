package mm

// Prot is a protection mask applied to a virtual memory mapping.
type Prot uint8

const (
	// ProtRead allows reads from the mapping.
	ProtRead Prot = 1 << iota

	// ProtWrite allows writes to the mapping.
	ProtWrite

	// ProtExec allows instruction fetches from the mapping.
	ProtExec

	// ProtCoW marks a mapping whose writes must be resolved by a
	// copy-on-write fault.
	ProtCoW
)

// Common protection masks.
const (
	ProtNone Prot = 0
	ProtR         = ProtRead
	ProtRW        = ProtRead | ProtWrite
	ProtRX        = ProtRead | ProtExec
	ProtRWX       = ProtRead | ProtWrite | ProtExec
)

// Has returns true if all bits in flags are set.
func (p Prot) Has(flags Prot) bool {
	return p&flags == flags
}

// Contains returns true if every permission granted by other is also
// granted by p.
func (p Prot) Contains(other Prot) bool {
	return p&other == other
}

// String returns an ls-style rendering of the mask, e.g. "rw-".
func (p Prot) String() string {
	out := []byte("---")
	if p.Has(ProtRead) {
		out[0] = 'r'
	}
	if p.Has(ProtWrite) {
		out[1] = 'w'
	}
	if p.Has(ProtExec) {
		out[2] = 'x'
	}
	if p.Has(ProtCoW) {
		out = append(out, 'c')
	}
	return string(out)
}

// Access describes the kind of memory access that caused a fault.
type Access uint8

const (
	// AccessRead is a data read.
	AccessRead Access = iota

	// AccessWrite is a data write.
	AccessWrite

	// AccessExec is an instruction fetch.
	AccessExec
)

// String implements fmt.Stringer for Access.
func (a Access) String() string {
	switch a {
	case AccessWrite:
		return "write"
	case AccessExec:
		return "execute"
	default:
		return "read"
	}
}

// Prot returns the protection bit required to perform the access.
func (a Access) Prot() Prot {
	switch a {
	case AccessWrite:
		return ProtWrite
	case AccessExec:
		return ProtExec
	default:
		return ProtRead
	}
}
