package vm

import (
	"sync"

	"kmem/kernel"
	"kmem/kernel/kstd/arc"
	"kmem/kernel/mm"
)

var (
	errNotCoW         = &kernel.Error{Module: "vm", Message: "page is not marked copy-on-write", Kind: kernel.KindInvalidArgument}
	errPageOutOfRange = &kernel.Error{Module: "vm", Message: "page index is outside of the memory object", Kind: kernel.KindInvalidArgument}
	errZeroSize       = &kernel.Error{Module: "vm", Message: "memory objects must span at least one page", Kind: kernel.KindInvalidArgument}
)

// backing is implemented by the variant-specific state of a memory object.
// The set of variants is closed: *anonymous and *inodeBacking.
type backing interface {
	kind() string
}

// Object owns a fixed-length sequence of page slots. Each slot either holds
// a resident physical page, on which the object owns one reference, or is
// empty. Objects are shared between regions and address spaces through
// arc.Arc handles; the pages are released when the last handle goes away.
type Object struct {
	ctx  *Context
	name string

	// mu guards pages, cow and the variant state.
	mu    sync.Mutex
	pages []mm.Frame
	cow   []uint64

	forkAction mm.ForkAction
	backing    backing

	// mappings holds every region that maps the object. Guarded by mu.
	mappings map[*Region]struct{}

	// self lets the object hand out new strong references to itself.
	self arc.Weak[*Object]
}

func newObject(ctx *Context, name string, numPages uintptr, b backing) *Object {
	return &Object{
		ctx:      ctx,
		name:     name,
		pages:    make([]mm.Frame, numPages),
		cow:      make([]uint64, (numPages+63)/64),
		backing:  b,
		mappings: make(map[*Region]struct{}),
	}
}

// wrap places obj under reference counting.
func wrap(obj *Object) arc.Arc[*Object] {
	a := arc.New(obj, (*Object).destroy)
	obj.self = a.Downgrade()
	return a
}

// Name returns the object's diagnostic name.
func (o *Object) Name() string { return o.name }

// Size returns the size of the object in bytes.
func (o *Object) Size() uintptr { return uintptr(len(o.pages)) << mm.PageShift }

// PageCount returns the number of page slots in the object.
func (o *Object) PageCount() uintptr { return uintptr(len(o.pages)) }

// ForkAction returns what happens to the object when a space mapping it is
// forked.
func (o *Object) ForkAction() mm.ForkAction {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.forkAction
}

// SetForkAction changes the object's fork action.
func (o *Object) SetForkAction(action mm.ForkAction) {
	o.mu.Lock()
	o.forkAction = action
	o.mu.Unlock()
}

// Kind returns "anonymous" or "inode".
func (o *Object) Kind() string { return o.backing.kind() }

// IsAnonymous returns true for anonymous objects.
func (o *Object) IsAnonymous() bool {
	_, ok := o.backing.(*anonymous)
	return ok
}

// IsInode returns true for inode-backed objects.
func (o *Object) IsInode() bool {
	_, ok := o.backing.(*inodeBacking)
	return ok
}

// Page returns the frame resident in slot index or 0 if the slot is empty.
func (o *Object) Page(index uintptr) mm.Frame {
	o.mu.Lock()
	defer o.mu.Unlock()
	if index >= uintptr(len(o.pages)) {
		return 0
	}
	return o.pages[index]
}

// IsCoW returns true if slot index is marked copy-on-write.
func (o *Object) IsCoW(index uintptr) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return index < uintptr(len(o.pages)) && o.testCoW(index)
}

// ResidentPages returns the number of occupied slots.
func (o *Object) ResidentPages() uintptr {
	o.mu.Lock()
	defer o.mu.Unlock()

	var count uintptr
	for _, frame := range o.pages {
		if frame != 0 {
			count++
		}
	}
	return count
}

// CommittedPages returns the number of pages the object has charged to
// physical memory. Physical mappings and inode objects report the number of
// resident pages they allocated themselves.
func (o *Object) CommittedPages() uintptr {
	o.mu.Lock()
	defer o.mu.Unlock()

	switch b := o.backing.(type) {
	case *anonymous:
		return b.committed
	case *inodeBacking:
		return b.loaded
	}
	return 0
}

func (o *Object) testCoW(index uintptr) bool {
	return o.cow[index/64]&(1<<(index%64)) != 0
}

func (o *Object) setCoW(index uintptr, cow bool) {
	if cow {
		o.cow[index/64] |= 1 << (index % 64)
		return
	}
	o.cow[index/64] &^= 1 << (index % 64)
}

// pageState returns the frame in slot index and whether it is CoW. The
// caller must hold o.mu.
func (o *Object) pageState(index uintptr) (mm.Frame, bool) {
	if index >= uintptr(len(o.pages)) {
		return 0, false
	}
	return o.pages[index], o.testCoW(index)
}

// TryFaultInPage makes slot index resident. It returns false if the slot
// already holds a page.
func (o *Object) TryFaultInPage(index uintptr) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if index >= uintptr(len(o.pages)) {
		return false, errPageOutOfRange
	}
	if o.pages[index] != 0 {
		return false, nil
	}

	switch b := o.backing.(type) {
	case *anonymous:
		return true, o.faultInAnonymous(b, index)
	case *inodeBacking:
		return true, o.faultInInode(b, index)
	}
	return false, nil
}

func (o *Object) faultInAnonymous(b *anonymous, index uintptr) error {
	frame, err := o.ctx.Pages.AllocPage()
	if err != nil {
		return err
	}

	if err = o.ctx.zeroPage(frame); err != nil {
		_ = o.ctx.Pages.Unref(frame)
		return err
	}

	o.pages[index] = frame
	b.committed++
	return nil
}

// TryCoWPage gives slot index a private copy of its page and clears the
// slot's copy-on-write mark. The previous page loses the reference this
// object held on it. The copy is made even when no other object shares
// the page.
func (o *Object) TryCoWPage(index uintptr) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if index >= uintptr(len(o.pages)) {
		return errPageOutOfRange
	}
	if !o.testCoW(index) {
		return errNotCoW
	}

	old := o.pages[index]
	if old == 0 {
		// Nothing to copy; a later fault-in produces a private page.
		o.setCoW(index, false)
		return nil
	}

	frame, err := o.ctx.Pages.AllocPage()
	if err != nil {
		return err
	}

	if err = o.ctx.RAM.CopyFrame(frame, old); err != nil {
		_ = o.ctx.Pages.Unref(frame)
		return err
	}

	o.pages[index] = frame
	o.setCoW(index, false)

	// Stale entries must be gone before the last reference to the old
	// page can be dropped by another owner.
	o.unmapStale(index, old)

	if err = o.ctx.Pages.Unref(old); err != nil {
		log.Warnf("unable to release page 0x%x after copy-on-write in %q: %v", old, o.name, err)
	}
	return nil
}

// unmapStale removes every hardware mapping of slot index that still
// points at old, in any space mapping the object. The next access faults
// the current page in. The caller must hold o.mu.
func (o *Object) unmapStale(index uintptr, old mm.Frame) {
	for r := range o.mappings {
		page, ok := r.pageOf(index)
		if !ok {
			continue
		}

		dir := r.space.dir
		if m, err := dir.Lookup(page.Address()); err != nil || m.Frame != old {
			continue
		}
		if err := dir.UnmapPage(page); err != nil {
			log.Warnf("%s: unable to unmap stale page 0x%x of %q: %v", r.space.name, page.Address(), o.name, err)
		}
	}
}

// becomeCoWAndRefPages marks every resident slot copy-on-write and takes an
// extra reference on its page on behalf of a clone. It returns a copy of
// the slots. The caller must hold o.mu.
func (o *Object) becomeCoWAndRefPages() []mm.Frame {
	pages := make([]mm.Frame, len(o.pages))
	for i, frame := range o.pages {
		if frame == 0 {
			continue
		}
		if err := o.ctx.Pages.Ref(frame); err != nil {
			log.Warnf("unable to reference page 0x%x of %q: %v", frame, o.name, err)
		}
		o.setCoW(uintptr(i), true)
		pages[i] = frame
	}
	return pages
}

// Clone returns a new object that shares every resident page with o. Both
// objects mark those pages copy-on-write. Shared anonymous objects cannot
// be cloned.
func (o *Object) Clone() (arc.Arc[*Object], error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	var b backing
	switch orig := o.backing.(type) {
	case *anonymous:
		if orig.shmID != 0 {
			return arc.Arc[*Object]{}, errCloneShared
		}
		b = &anonymous{committed: orig.committed, physical: orig.physical}
	case *inodeBacking:
		b = &inodeBacking{inode: orig.inode.Clone(), id: orig.id, shared: false, loaded: orig.loaded}
	}

	clone := newObject(o.ctx, o.name, uintptr(len(o.pages)), b)
	clone.forkAction = o.forkAction
	clone.pages = o.becomeCoWAndRefPages()
	copy(clone.cow, o.cow)

	return wrap(clone), nil
}

// destroy runs when the last strong reference to the object is released.
func (o *Object) destroy() {
	o.mu.Lock()
	pages := o.pages
	o.pages = nil
	b := o.backing
	o.mu.Unlock()

	for _, frame := range pages {
		if frame == 0 {
			continue
		}
		if err := o.ctx.Pages.Unref(frame); err != nil {
			log.Warnf("unable to release page 0x%x of %q: %v", frame, o.name, err)
		}
	}

	switch b := b.(type) {
	case *anonymous:
		if b.shmID != 0 {
			o.ctx.Shared.remove(b.shmID)
		}
	case *inodeBacking:
		if b.shared {
			o.ctx.Inodes.remove(b.id, o)
		}
		b.inode.Release()
	}

	o.self.Release()
}
