package pmm

import (
	"math/bits"

	"kmem/kernel"
	"kmem/kernel/mm"
	"kmem/kernel/sync"
)

var (
	errRegionOutOfMemory = &kernel.Error{Module: "pmm", Message: "physical region is out of memory", Kind: kernel.KindOutOfMemory}
	errRegionReserved    = &kernel.Error{Module: "pmm", Message: "physical region is reserved", Kind: kernel.KindOutOfMemory}
	errNotInRegion       = &kernel.Error{Module: "pmm", Message: "frame does not belong to the physical region", Kind: kernel.KindInvalidArgument}
)

// Region is a contiguous span of physical memory described by the boot
// memory map. Usable regions are decomposed into buddy zones of the largest
// power-of-two size that fits the remaining span, capped at 1<<MaxOrder
// pages. Reserved regions are tracked but never allocated from.
type Region struct {
	lock sync.Spinlock

	startFrame mm.Frame
	numPages   uintptr
	reserved   bool
	freePages  uintptr
	zones      []*Zone
}

// NewRegion creates a region covering [startFrame, startFrame+numPages).
func NewRegion(startFrame mm.Frame, numPages uintptr, reserved bool) *Region {
	r := &Region{
		startFrame: startFrame,
		numPages:   numPages,
		reserved:   reserved,
	}

	if reserved {
		return r
	}

	for cur, remaining := startFrame, numPages; remaining > 0; {
		order := uint8(bits.Len(uint(remaining)) - 1)
		if order > MaxOrder {
			order = MaxOrder
		}

		zone := newZone(cur, order)
		r.zones = append(r.zones, zone)
		cur += mm.Frame(zone.NumPages())
		remaining -= zone.NumPages()
	}

	return r
}

// Init links the free blocks of every zone into their freelists using the
// supplied frame table. It must be invoked once the frame table has been
// set up and before any allocation.
func (r *Region) Init(table *FrameTable) {
	r.lock.Acquire()
	defer r.lock.Release()

	for _, zone := range r.zones {
		zone.init(table)
	}
	r.freePages = r.usablePages()
}

func (r *Region) usablePages() uintptr {
	if r.reserved {
		return 0
	}
	return r.numPages
}

// StartFrame returns the first frame of the region.
func (r *Region) StartFrame() mm.Frame { return r.startFrame }

// NumPages returns the number of pages in the region.
func (r *Region) NumPages() uintptr { return r.numPages }

// Reserved returns true if the region is not available for allocation.
func (r *Region) Reserved() bool { return r.reserved }

// Zones returns the zones that make up the region.
func (r *Region) Zones() []*Zone { return r.zones }

// Contains returns true if frame lies within the region.
func (r *Region) Contains(frame mm.Frame) bool {
	return frame >= r.startFrame && uintptr(frame-r.startFrame) < r.numPages
}

// FreePages returns the number of unallocated pages in the region.
func (r *Region) FreePages() uintptr {
	r.lock.Acquire()
	defer r.lock.Release()
	return r.freePages
}

// AllocPage allocates a single page from the first zone that can satisfy
// the request.
func (r *Region) AllocPage() (mm.Frame, error) {
	return r.AllocBlock(1)
}

// AllocBlock allocates a physically contiguous block of at least n pages.
// Zones are tried in address order; the request fails if no single zone
// can hold it.
func (r *Region) AllocBlock(n uintptr) (mm.Frame, error) {
	if r.reserved {
		return mm.InvalidFrame, errRegionReserved
	}

	r.lock.Acquire()
	defer r.lock.Release()

	if n == 0 || r.freePages < n {
		return mm.InvalidFrame, errRegionOutOfMemory
	}

	for _, zone := range r.zones {
		frame, err := zone.AllocBlock(n)
		if err != nil {
			continue
		}

		r.freePages -= uintptr(1) << OrderFor(n)
		return frame, nil
	}

	return mm.InvalidFrame, errRegionOutOfMemory
}

// FreePage returns a single page to the region.
func (r *Region) FreePage(frame mm.Frame) error {
	return r.FreeBlock(frame, 1)
}

// FreeBlock returns a block of n pages starting at frame to the zone that
// owns it.
func (r *Region) FreeBlock(frame mm.Frame, n uintptr) error {
	if r.reserved || !r.Contains(frame) {
		return errNotInRegion
	}

	r.lock.Acquire()
	defer r.lock.Release()

	for _, zone := range r.zones {
		if !zone.Contains(frame) {
			continue
		}

		if err := zone.FreeBlock(frame, n); err != nil {
			return err
		}

		r.freePages += uintptr(1) << OrderFor(n)
		return nil
	}

	return errNotInRegion
}

// FreelistLens returns the number of free blocks per order summed over all
// zones.
func (r *Region) FreelistLens() [MaxOrder + 1]int {
	r.lock.Acquire()
	defer r.lock.Release()

	var lens [MaxOrder + 1]int
	for _, zone := range r.zones {
		for order := uint8(0); order <= zone.Order(); order++ {
			lens[order] += zone.FreelistLen(order)
		}
	}
	return lens
}
