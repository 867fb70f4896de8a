package mm

// VirtualRange describes the virtual address range [Start, Start+Size).
type VirtualRange struct {
	Start uintptr
	Size  uintptr
}

// End returns the first address after the range.
func (r VirtualRange) End() uintptr {
	return r.Start + r.Size
}

// Contains returns true if addr lies within the range.
func (r VirtualRange) Contains(addr uintptr) bool {
	return addr >= r.Start && addr-r.Start < r.Size
}

// ContainsRange returns true if other lies entirely within the range.
func (r VirtualRange) ContainsRange(other VirtualRange) bool {
	return other.Start >= r.Start && other.Size <= r.Size && other.Start-r.Start <= r.Size-other.Size
}

// IsPageAligned returns true if both the start and size of the range are
// page aligned.
func (r VirtualRange) IsPageAligned() bool {
	return IsPageAligned(r.Start) && IsPageAligned(r.Size)
}
