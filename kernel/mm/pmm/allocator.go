package pmm

import (
	"kmem/kernel"
	"kmem/kernel/kfmt"
	"kmem/kernel/mm"
)

var (
	// panicFn is mocked by tests.
	panicFn = kfmt.Panic

	errOutOfMemory     = &kernel.Error{Module: "pmm", Message: "out of physical memory", Kind: kernel.KindOutOfMemory}
	errUnknownFrame    = &kernel.Error{Module: "pmm", Message: "frame is not managed by any physical region", Kind: kernel.KindInvalidArgument}
	errFrameNotInUse   = &kernel.Error{Module: "pmm", Message: "frame is not allocated", Kind: kernel.KindInvalidArgument}
	errFreeReferenced  = &kernel.Error{Module: "pmm", Message: "released a page whose reference count is not zero", Kind: kernel.KindInvalidArgument}
	errBadContiguousSz = &kernel.Error{Module: "pmm", Message: "contiguous allocation size must be between 1 and 1<<MaxOrder pages", Kind: kernel.KindInvalidArgument}

	log = kfmt.NewLogger("pmm")
)

// Allocator hands out physical page frames from a list of regions and keeps
// their reference counts in the frame table. Pages returned by any of the
// Alloc methods carry a single reference; the page goes back to its region
// once the last reference is dropped via Unref.
type Allocator struct {
	table   *FrameTable
	regions []*Region
}

// NewAllocator initializes every region against table and returns an
// allocator that serves requests from them in registration order.
func NewAllocator(table *FrameTable, regions []*Region) *Allocator {
	for _, r := range regions {
		r.Init(table)
	}

	return &Allocator{table: table, regions: regions}
}

// Table returns the frame table backing the allocator.
func (a *Allocator) Table() *FrameTable { return a.table }

// Regions returns the regions managed by the allocator.
func (a *Allocator) Regions() []*Region { return a.regions }

// AllocPage allocates a single page.
func (a *Allocator) AllocPage() (mm.Frame, error) {
	for _, r := range a.regions {
		if r.Reserved() {
			continue
		}

		frame, err := r.AllocPage()
		if err != nil {
			continue
		}

		a.table.Frame(frame).setAllocated(1, false)
		return frame, nil
	}

	return mm.InvalidFrame, errOutOfMemory
}

// AllocPages allocates n pages that need not be physically contiguous. If
// the request cannot be satisfied in full, the pages allocated so far are
// released before an error is returned.
func (a *Allocator) AllocPages(n uintptr) ([]mm.Frame, error) {
	frames := make([]mm.Frame, 0, n)
	for i := uintptr(0); i < n; i++ {
		frame, err := a.AllocPage()
		if err != nil {
			for _, f := range frames {
				_ = a.Unref(f)
			}
			return nil, err
		}
		frames = append(frames, frame)
	}

	return frames, nil
}

// AllocContiguous allocates n physically contiguous pages and returns the
// first one. Each page carries its own reference and may be released
// individually.
func (a *Allocator) AllocContiguous(n uintptr) (mm.Frame, error) {
	if n == 0 || n > uintptr(1)<<MaxOrder {
		return mm.InvalidFrame, errBadContiguousSz
	}

	for _, r := range a.regions {
		if r.Reserved() {
			continue
		}

		first, err := r.AllocBlock(n)
		if err != nil {
			continue
		}

		// Hand the unused tail of the power-of-two block back to the
		// region one page at a time; the buddy bitmaps merge it again
		// once the rest of the block is released.
		blockPages := uintptr(1) << OrderFor(n)
		for i := n; i < blockPages; i++ {
			if err := r.FreePage(first + mm.Frame(i)); err != nil {
				log.Errorf("unable to release tail page 0x%x of contiguous block: %v", first+mm.Frame(i), err)
			}
		}

		for i := uintptr(0); i < n; i++ {
			a.table.Frame(first + mm.Frame(i)).setAllocated(1, false)
		}
		return first, nil
	}

	return mm.InvalidFrame, errOutOfMemory
}

// AllocFrame implements mm.FrameAllocator.
func (a *Allocator) AllocFrame() (mm.Frame, error) {
	return a.AllocPage()
}

// FreeFrame implements mm.FrameAllocator by dropping the caller's reference.
func (a *Allocator) FreeFrame(frame mm.Frame) error {
	return a.Unref(frame)
}

// Ref adds a reference to an allocated frame. Frames outside the frame
// table (e.g. device memory) are not tracked and are silently accepted.
func (a *Allocator) Ref(frame mm.Frame) error {
	if !a.table.Contains(frame) {
		return nil
	}

	desc := a.table.Frame(frame)
	if desc.IsFree() {
		return errFrameNotInUse
	}

	desc.Ref()
	return nil
}

// Unref drops a reference to frame. When the last reference of a page that
// is not reserved is dropped, the page is returned to its region.
func (a *Allocator) Unref(frame mm.Frame) error {
	if !a.table.Contains(frame) {
		return nil
	}

	desc := a.table.Frame(frame)
	if desc.IsFree() {
		return errFrameNotInUse
	}

	count, ok := desc.tryUnref()
	if !ok {
		return errFrameNotInUse
	}
	if count != 0 || desc.IsReserved() {
		return nil
	}

	return a.FreePage(frame)
}

// RefCount returns the reference count of frame or 0 if the frame is free
// or untracked.
func (a *Allocator) RefCount(frame mm.Frame) int32 {
	if !a.table.Contains(frame) {
		return 0
	}

	desc := a.table.Frame(frame)
	if desc.IsFree() {
		return 0
	}
	return desc.RefCount()
}

// FreePage returns a page whose last reference has been dropped to its
// region. Releasing a page that is still referenced is a kernel bug and
// halts the system.
func (a *Allocator) FreePage(frame mm.Frame) error {
	if !a.table.Contains(frame) {
		return errUnknownFrame
	}

	desc := a.table.Frame(frame)
	if desc.IsFree() {
		return errFrameNotInUse
	}

	if count := desc.RefCount(); count != 0 {
		log.Errorf("page 0x%x released with reference count %d", frame, count)
		panicFn(errFreeReferenced)
		return errFreeReferenced
	}

	region := a.regionFor(frame)
	if region == nil || region.Reserved() {
		return errUnknownFrame
	}

	return region.FreePage(frame)
}

// ReservePage marks an allocated frame as reserved and adds a reference to
// it. Reserved frames are never handed back to a region, even when their
// reference count drops to zero. Frames outside the frame table are
// ignored.
func (a *Allocator) ReservePage(frame mm.Frame) error {
	if !a.table.Contains(frame) {
		return nil
	}

	desc := a.table.Frame(frame)
	if desc.IsFree() {
		return errFrameNotInUse
	}

	desc.markReserved()
	desc.Ref()
	return nil
}

// IsReserved returns true if frame is reserved or belongs to a reserved
// region.
func (a *Allocator) IsReserved(frame mm.Frame) bool {
	if a.table.Contains(frame) && a.table.Frame(frame).IsReserved() {
		return true
	}

	region := a.regionFor(frame)
	return region != nil && region.Reserved()
}

func (a *Allocator) regionFor(frame mm.Frame) *Region {
	for _, r := range a.regions {
		if r.Contains(frame) {
			return r
		}
	}
	return nil
}

// Stats summarizes the page usage of the allocator.
type Stats struct {
	// TotalPages is the number of pages in usable regions.
	TotalPages uintptr

	// FreePages is the number of unallocated pages in usable regions.
	FreePages uintptr

	// ReservedPages is the number of pages in reserved regions.
	ReservedPages uintptr
}

// UsedPages returns the number of allocated pages in usable regions.
func (s Stats) UsedPages() uintptr {
	return s.TotalPages - s.FreePages
}

// Stats returns a snapshot of the allocator's page usage.
func (a *Allocator) Stats() Stats {
	var s Stats
	for _, r := range a.regions {
		if r.Reserved() {
			s.ReservedPages += r.NumPages()
			continue
		}

		s.TotalPages += r.NumPages()
		s.FreePages += r.FreePages()
	}
	return s
}
