package vm

import (
	"sync"

	"kmem/kernel"
	"kmem/kernel/kstd/arc"
	"kmem/kernel/mm"
)

var (
	errCloneShared      = &kernel.Error{Module: "vm", Message: "shared memory objects cannot be cloned", Kind: kernel.KindInvalidArgument}
	errNotAnonymous     = &kernel.Error{Module: "vm", Message: "only anonymous objects can be shared by id", Kind: kernel.KindInvalidArgument}
	errNoSuchSharedID   = &kernel.Error{Module: "vm", Message: "no shared memory object with this id", Kind: kernel.KindInvalidArgument}
	errNoSharedAccess   = &kernel.Error{Module: "vm", Message: "process has not been granted access to this shared memory object", Kind: kernel.KindPermissionDenied}
	errPhysicalOverflow = &kernel.Error{Module: "vm", Message: "physical range wraps around the address space", Kind: kernel.KindInvalidArgument}
)

type anonymous struct {
	committed uintptr

	// physical objects map a fixed physical range; their pages are
	// reserved and never charged as committed memory.
	physical bool

	// shmID is 0 until the object is shared.
	shmID int
	perms map[int]mm.Prot
}

func (*anonymous) kind() string { return "anonymous" }

// NewAnonymous creates an anonymous object of size bytes, rounded up to
// whole pages. When commit is set every page is allocated and zeroed up
// front; otherwise pages are allocated on first fault.
func NewAnonymous(ctx *Context, size uintptr, name string, commit bool) (arc.Arc[*Object], error) {
	numPages := mm.PageCount(size)
	if numPages == 0 {
		return arc.Arc[*Object]{}, errZeroSize
	}

	b := &anonymous{}
	obj := newObject(ctx, name, numPages, b)
	if !commit {
		return wrap(obj), nil
	}

	frames, err := ctx.Pages.AllocPages(numPages)
	if err != nil {
		return arc.Arc[*Object]{}, err
	}

	for i, frame := range frames {
		if err = ctx.zeroPage(frame); err != nil {
			for _, f := range frames {
				_ = ctx.Pages.Unref(f)
			}
			return arc.Arc[*Object]{}, err
		}
		obj.pages[i] = frame
	}
	b.committed = numPages

	return wrap(obj), nil
}

// NewContiguous creates a committed anonymous object whose pages are
// physically contiguous, for use by devices that perform DMA.
func NewContiguous(ctx *Context, size uintptr, name string) (arc.Arc[*Object], error) {
	numPages := mm.PageCount(size)
	if numPages == 0 {
		return arc.Arc[*Object]{}, errZeroSize
	}

	first, err := ctx.Pages.AllocContiguous(numPages)
	if err != nil {
		return arc.Arc[*Object]{}, err
	}

	obj := newObject(ctx, name, numPages, &anonymous{committed: numPages})
	for i := uintptr(0); i < numPages; i++ {
		frame := first + mm.Frame(i)
		if err = ctx.zeroPage(frame); err != nil {
			for j := uintptr(0); j < numPages; j++ {
				_ = ctx.Pages.Unref(first + mm.Frame(j))
			}
			return arc.Arc[*Object]{}, err
		}
		obj.pages[i] = frame
	}

	return wrap(obj), nil
}

// MapToPhysical creates an object over the fixed physical range
// [physAddr, physAddr+size). Every page in the range is marked reserved
// and referenced once by the object. Such objects are dropped from forked
// spaces.
func MapToPhysical(ctx *Context, physAddr, size uintptr, name string) (arc.Arc[*Object], error) {
	if !mm.IsPageAligned(physAddr) {
		return arc.Arc[*Object]{}, errMisaligned
	}

	numPages := mm.PageCount(size)
	if numPages == 0 {
		return arc.Arc[*Object]{}, errZeroSize
	}
	if physAddr+numPages<<mm.PageShift < physAddr {
		return arc.Arc[*Object]{}, errPhysicalOverflow
	}

	obj := newObject(ctx, name, numPages, &anonymous{physical: true})
	obj.forkAction = mm.ForkIgnore

	first := mm.FrameFromAddress(physAddr)
	for i := uintptr(0); i < numPages; i++ {
		frame := first + mm.Frame(i)
		if err := ctx.Pages.ReservePage(frame); err != nil {
			for j := uintptr(0); j < i; j++ {
				_ = ctx.Pages.Unref(first + mm.Frame(j))
			}
			return arc.Arc[*Object]{}, err
		}
		obj.pages[i] = frame
	}

	return wrap(obj), nil
}

// IsPhysical returns true for objects created by MapToPhysical.
func (o *Object) IsPhysical() bool {
	b, ok := o.backing.(*anonymous)
	return ok && b.physical
}

// Share registers the object for shared memory on first use and grants
// pid the protection prot. It returns the object's shared memory id.
// Shared objects are not inherited by forked spaces.
func (o *Object) Share(pid int, prot mm.Prot) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	b, ok := o.backing.(*anonymous)
	if !ok {
		return 0, errNotAnonymous
	}

	if b.shmID == 0 {
		b.shmID = o.ctx.Shared.register(o.self.Clone())
		b.perms = make(map[int]mm.Prot)
		o.forkAction = mm.ForkIgnore
	}

	b.perms[pid] = prot
	return b.shmID, nil
}

// SharedID returns the object's shared memory id or 0 if it is not shared.
func (o *Object) SharedID() int {
	o.mu.Lock()
	defer o.mu.Unlock()

	if b, ok := o.backing.(*anonymous); ok {
		return b.shmID
	}
	return 0
}

// IsShared returns true if the object has been registered for shared
// memory.
func (o *Object) IsShared() bool {
	return o.SharedID() != 0
}

// SharedPermissions returns the protection granted to pid.
func (o *Object) SharedPermissions(pid int) (mm.Prot, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	b, ok := o.backing.(*anonymous)
	if !ok || b.shmID == 0 {
		return mm.ProtNone, errNotAnonymous
	}

	prot, ok := b.perms[pid]
	if !ok {
		return mm.ProtNone, errNoSharedAccess
	}
	return prot, nil
}

// SharedRegistry maps shared memory ids to the anonymous objects
// registered under them. It only holds weak references; an object leaves
// the registry when it is destroyed.
type SharedRegistry struct {
	mu      sync.Mutex
	nextID  int
	objects map[int]arc.Weak[*Object]
}

// NewSharedRegistry returns an empty registry. Ids start at 1.
func NewSharedRegistry() *SharedRegistry {
	return &SharedRegistry{nextID: 1, objects: make(map[int]arc.Weak[*Object])}
}

func (r *SharedRegistry) register(ref arc.Weak[*Object]) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextID
	r.nextID++
	r.objects[id] = ref
	return id
}

func (r *SharedRegistry) remove(id int) {
	r.mu.Lock()
	ref, ok := r.objects[id]
	if ok {
		delete(r.objects, id)
	}
	r.mu.Unlock()

	if ok {
		ref.Release()
	}
}

// Get returns a strong reference to the object registered under id.
func (r *SharedRegistry) Get(id int) (arc.Arc[*Object], error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ref, ok := r.objects[id]
	if !ok {
		return arc.Arc[*Object]{}, errNoSuchSharedID
	}

	obj, ok := ref.Upgrade()
	if !ok {
		return arc.Arc[*Object]{}, errNoSuchSharedID
	}
	return obj, nil
}

// Len returns the number of registered objects.
func (r *SharedRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.objects)
}
