package vm

import (
	"sync"

	"github.com/hashicorp/go-multierror"

	"kmem/kernel"
	"kmem/kernel/kfmt"
	"kmem/kernel/kstd/arc"
	"kmem/kernel/mm"
	"kmem/kernel/mm/vmm"
)

var (
	// panicFn is mocked by tests.
	panicFn = kfmt.Panic

	errMisaligned         = &kernel.Error{Module: "vm", Message: "address, size and offset must be page aligned", Kind: kernel.KindInvalidArgument}
	errEmptyRange         = &kernel.Error{Module: "vm", Message: "virtual range must span at least one page", Kind: kernel.KindInvalidArgument}
	errRangeOutsideSpace  = &kernel.Error{Module: "vm", Message: "virtual range lies outside of the address space", Kind: kernel.KindInvalidArgument}
	errRangeOutsideObject = &kernel.Error{Module: "vm", Message: "mapping extends past the end of the memory object", Kind: kernel.KindInvalidArgument}
	errOutOfVirtualMemory = &kernel.Error{Module: "vm", Message: "no free virtual range large enough", Kind: kernel.KindOutOfMemory}
	errRangeInUse         = &kernel.Error{Module: "vm", Message: "virtual range is already in use", Kind: kernel.KindOutOfMemory}
	errNoSuchMapping      = &kernel.Error{Module: "vm", Message: "no region is mapped at this address", Kind: kernel.KindNoSuchMapping}
	errForeignRegion      = &kernel.Error{Module: "vm", Message: "region does not belong to this address space", Kind: kernel.KindNoSuchMapping}
	errDestroyKernelSpace = &kernel.Error{Module: "vm", Message: "attempted to destroy the kernel address space", Kind: kernel.KindInvalidArgument}
)

// rangeDesc is a node of the range list that partitions a space. Used
// nodes either carry a region or were reserved without one.
type rangeDesc struct {
	start, size uintptr
	used        bool
	region      *Region
	prev, next  *rangeDesc
}

func (d *rangeDesc) end() uintptr { return d.start + d.size }

func (d *rangeDesc) contains(addr uintptr) bool {
	return addr >= d.start && addr-d.start < d.size
}

// split cuts d at offset bytes from its start and returns the new node
// holding the upper part.
func (d *rangeDesc) split(offset uintptr) *rangeDesc {
	upper := &rangeDesc{
		start: d.start + offset,
		size:  d.size - offset,
		used:  d.used,
		prev:  d,
		next:  d.next,
	}
	if d.next != nil {
		d.next.prev = upper
	}
	d.next = upper
	d.size = offset
	return upper
}

// RangeInfo describes one node of a space's range list.
type RangeInfo struct {
	Start, Size uintptr
	Used        bool
	HasRegion   bool
}

// Space manages the virtual range [start, end) of one page directory. The
// range is partitioned into a list of free and used ranges ordered by
// address; every used range may carry a mapped region.
type Space struct {
	ctx  *Context
	name string
	rng  mm.VirtualRange
	dir  vmm.PageDirectory

	// permanent spaces belong to the kernel and must never be destroyed.
	permanent bool

	mu   sync.Mutex
	head *rangeDesc
	used uintptr
}

// NewSpace returns an empty address space covering rng on dir.
func NewSpace(ctx *Context, name string, rng mm.VirtualRange, dir vmm.PageDirectory) (*Space, error) {
	if !rng.IsPageAligned() {
		return nil, errMisaligned
	}
	if rng.Size == 0 {
		return nil, errEmptyRange
	}

	return &Space{
		ctx:  ctx,
		name: name,
		rng:  rng,
		dir:  dir,
		head: &rangeDesc{start: rng.Start, size: rng.Size},
	}, nil
}

// NewKernelSpace returns a permanent address space. Destroying it halts
// the system.
func NewKernelSpace(ctx *Context, name string, rng mm.VirtualRange, dir vmm.PageDirectory) (*Space, error) {
	s, err := NewSpace(ctx, name, rng, dir)
	if err != nil {
		return nil, err
	}
	s.permanent = true
	return s, nil
}

// Name returns the space's diagnostic name.
func (s *Space) Name() string { return s.name }

// Range returns the virtual range managed by the space.
func (s *Space) Range() mm.VirtualRange { return s.rng }

// Directory returns the page directory backing the space.
func (s *Space) Directory() vmm.PageDirectory { return s.dir }

// Context returns the context the space allocates from.
func (s *Space) Context() *Context { return s.ctx }

// IsKernel returns true for permanent kernel spaces.
func (s *Space) IsKernel() bool { return s.permanent }

// Used returns the number of bytes covered by used ranges.
func (s *Space) Used() uintptr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.used
}

// Ranges returns a snapshot of the range list.
func (s *Space) Ranges() []RangeInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []RangeInfo
	for d := s.head; d != nil; d = d.next {
		out = append(out, RangeInfo{Start: d.start, Size: d.size, Used: d.used, HasRegion: d.region != nil})
	}
	return out
}

// allocSpace marks the first free range of at least size bytes as used,
// splitting off its head.
func (s *Space) allocSpace(size uintptr) (*rangeDesc, error) {
	for d := s.head; d != nil; d = d.next {
		if d.used || d.size < size {
			continue
		}
		if d.size > size {
			d.split(size)
		}
		d.used = true
		s.used += size
		return d, nil
	}
	return nil, errOutOfVirtualMemory
}

// allocSpaceTop marks the last size bytes of the highest free range that
// can hold them as used.
func (s *Space) allocSpaceTop(size uintptr) (*rangeDesc, error) {
	tail := s.head
	for tail.next != nil {
		tail = tail.next
	}

	for d := tail; d != nil; d = d.prev {
		if d.used || d.size < size {
			continue
		}
		if d.size > size {
			d = d.split(d.size - size)
		}
		d.used = true
		s.used += size
		return d, nil
	}
	return nil, errOutOfVirtualMemory
}

// allocSpaceAt marks [start, start+size) as used. The whole range must lie
// inside a single free range.
func (s *Space) allocSpaceAt(start, size uintptr) (*rangeDesc, error) {
	want := mm.VirtualRange{Start: start, Size: size}
	if !s.rng.ContainsRange(want) {
		return nil, errRangeOutsideSpace
	}

	d := s.findDesc(start)
	if d == nil || d.used || !(mm.VirtualRange{Start: d.start, Size: d.size}).ContainsRange(want) {
		return nil, errRangeInUse
	}

	if start > d.start {
		d = d.split(start - d.start)
	}
	if d.size > size {
		d.split(size)
	}
	d.used = true
	s.used += size
	return d, nil
}

// freeDesc returns a used range to the free list and merges it with free
// neighbors on both sides.
func (s *Space) freeDesc(d *rangeDesc) {
	s.used -= d.size
	d.used = false
	d.region = nil

	if next := d.next; next != nil && !next.used {
		d.size += next.size
		d.next = next.next
		if d.next != nil {
			d.next.prev = d
		}
	}

	if prev := d.prev; prev != nil && !prev.used {
		prev.size += d.size
		prev.next = d.next
		if d.next != nil {
			d.next.prev = prev
		}
	}
}

func (s *Space) findDesc(addr uintptr) *rangeDesc {
	for d := s.head; d != nil; d = d.next {
		if d.contains(addr) {
			return d
		}
		if d.start > addr {
			break
		}
	}
	return nil
}

// descOf returns the range list node that carries r.
func (s *Space) descOf(r *Region) *rangeDesc {
	if r == nil || r.space != s {
		return nil
	}
	d := s.findDesc(r.rng.Start)
	if d == nil || d.region != r {
		return nil
	}
	return d
}

// FindFreeSpace returns the start of the first free range that can hold
// size bytes without reserving it.
func (s *Space) FindFreeSpace(size uintptr) (uintptr, error) {
	size = mm.PageAlignUp(size)

	s.mu.Lock()
	defer s.mu.Unlock()

	for d := s.head; d != nil; d = d.next {
		if !d.used && d.size >= size {
			return d.start, nil
		}
	}
	return 0, errOutOfVirtualMemory
}

// MapObject maps the object window starting at objectOffset into rng.
// A zero rng.Start places the region in the first free range large enough;
// a zero rng.Size maps everything from objectOffset to the end of the
// object. The region takes its own reference on obj.
func (s *Space) MapObject(obj arc.Arc[*Object], prot mm.Prot, rng mm.VirtualRange, objectOffset uintptr) (*Region, error) {
	size, err := s.checkObjectWindow(obj.Get(), rng, objectOffset)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var d *rangeDesc
	if rng.Start == 0 {
		d, err = s.allocSpace(size)
	} else {
		d, err = s.allocSpaceAt(rng.Start, size)
	}
	if err != nil {
		return nil, err
	}

	return s.attachRegion(d, obj, prot, mm.VirtualRange{Start: d.start, Size: size}, objectOffset, false)
}

// MapObjectWithSentinel maps the whole object with one unmapped guard page
// on each side. Accesses to the guard pages fault with "no such mapping".
func (s *Space) MapObjectWithSentinel(obj arc.Arc[*Object], prot mm.Prot) (*Region, error) {
	size := obj.Get().Size()

	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.allocSpace(size + 2*mm.PageSize)
	if err != nil {
		return nil, err
	}

	return s.attachRegion(d, obj, prot, mm.VirtualRange{Start: d.start + mm.PageSize, Size: size}, 0, true)
}

// MapStack maps the whole object at the top of the highest free range.
func (s *Space) MapStack(obj arc.Arc[*Object], prot mm.Prot) (*Region, error) {
	size := obj.Get().Size()

	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.allocSpaceTop(size)
	if err != nil {
		return nil, err
	}

	return s.attachRegion(d, obj, prot, mm.VirtualRange{Start: d.start, Size: size}, 0, false)
}

// ReserveRegion marks rng as used without mapping anything into it.
func (s *Space) ReserveRegion(rng mm.VirtualRange) error {
	if !rng.IsPageAligned() {
		return errMisaligned
	}
	if rng.Size == 0 {
		return errEmptyRange
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.allocSpaceAt(rng.Start, rng.Size)
	return err
}

func (s *Space) checkObjectWindow(obj *Object, rng mm.VirtualRange, objectOffset uintptr) (uintptr, error) {
	if !rng.IsPageAligned() || !mm.IsPageAligned(objectOffset) {
		return 0, errMisaligned
	}

	objSize := obj.Size()
	if objectOffset >= objSize {
		return 0, errRangeOutsideObject
	}

	size := rng.Size
	if size == 0 {
		size = objSize - objectOffset
	}
	if size > objSize-objectOffset {
		return 0, errRangeOutsideObject
	}
	return size, nil
}

// attachRegion creates a region over rng inside the used node d and maps
// the object's resident pages. On failure d is released again. The caller
// must hold s.mu.
func (s *Space) attachRegion(d *rangeDesc, obj arc.Arc[*Object], prot mm.Prot, rng mm.VirtualRange, objectOffset uintptr, guarded bool) (*Region, error) {
	r := &Region{
		space:        s,
		object:       obj.Clone(),
		rng:          rng,
		objectOffset: objectOffset,
		prot:         prot,
		guarded:      guarded,
	}
	d.region = r
	r.link()

	if err := r.mapResident(); err != nil {
		_ = r.unmapAll()
		s.freeDesc(d)
		r.release()
		return nil, err
	}

	log.Debugf("%s: mapped %q at [0x%x - 0x%x) %s", s.name, r.Object().Name(), rng.Start, rng.End(), prot)
	return r, nil
}

// UnmapRegion removes r from the space, drops its hardware mappings and
// returns its range to the free list.
func (s *Space) UnmapRegion(r *Region) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := s.descOf(r)
	if d == nil {
		return errForeignRegion
	}
	return s.unmapDesc(d)
}

// Unmap removes the region containing addr.
func (s *Space) Unmap(addr uintptr) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := s.findDesc(addr)
	if d == nil || d.region == nil || !d.region.Contains(addr) {
		return errNoSuchMapping
	}
	return s.unmapDesc(d)
}

// unmapDesc releases the region carried by d together with its range. The
// caller must hold s.mu.
func (s *Space) unmapDesc(d *rangeDesc) error {
	r := d.region
	err := r.unmapAll()
	s.freeDesc(d)
	r.release()
	return err
}

// SetProt changes the protection of r and reinstalls its resident pages.
func (s *Space) SetProt(r *Region, prot mm.Prot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.descOf(r) == nil {
		return errForeignRegion
	}

	r.prot = prot
	if err := r.unmapAll(); err != nil {
		return err
	}
	return r.mapResident()
}

// RegionAt returns the region starting exactly at start.
func (s *Space) RegionAt(start uintptr) *Region {
	s.mu.Lock()
	defer s.mu.Unlock()

	if d := s.findDesc(start); d != nil && d.region != nil && d.region.rng.Start == start {
		return d.region
	}
	return nil
}

// RegionContaining returns the region that covers addr.
func (s *Space) RegionContaining(addr uintptr) *Region {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.regionContaining(addr)
}

func (s *Space) regionContaining(addr uintptr) *Region {
	if d := s.findDesc(addr); d != nil && d.region != nil && d.region.Contains(addr) {
		return d.region
	}
	return nil
}

// FindRegionForObject returns the first region that maps obj.
func (s *Space) FindRegionForObject(obj *Object) *Region {
	s.mu.Lock()
	defer s.mu.Unlock()

	for d := s.head; d != nil; d = d.next {
		if d.region != nil && d.region.object.Get() == obj {
			return d.region
		}
	}
	return nil
}

// IterateRegions invokes fn for each region in address order until fn
// returns false. fn runs without the space lock held.
func (s *Space) IterateRegions(fn func(*Region) bool) {
	s.mu.Lock()
	var regions []*Region
	for d := s.head; d != nil; d = d.next {
		if d.region != nil {
			regions = append(regions, d.region)
		}
	}
	s.mu.Unlock()

	for _, r := range regions {
		if !fn(r) {
			return
		}
	}
}

// RegularAnonymousTotal returns the number of bytes of resident pages in
// private anonymous objects mapped into the space. Shared memory and
// physical mappings are excluded.
func (s *Space) RegularAnonymousTotal() uintptr {
	var total uintptr
	s.IterateRegions(func(r *Region) bool {
		obj := r.Object()
		if obj.IsAnonymous() && !obj.IsShared() && !obj.IsPhysical() {
			total += obj.ResidentPages() << mm.PageShift
		}
		return true
	})
	return total
}

// Destroy unmaps every region and releases the page directory. Destroying
// a kernel space is a fatal error.
func (s *Space) Destroy() error {
	if s.permanent {
		panicFn(errDestroyKernelSpace)
		return errDestroyKernelSpace
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var result *multierror.Error
	for d := s.head; d != nil; {
		next := d.next
		if d.region != nil {
			if err := s.unmapDesc(d); err != nil {
				result = multierror.Append(result, err)
			}
		}
		d = next
	}

	s.head = &rangeDesc{start: s.rng.Start, size: s.rng.Size}
	s.used = 0

	if err := s.dir.Destroy(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}
