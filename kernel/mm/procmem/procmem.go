// Package procmem implements the memory calls a process issues against its
// own address space: mmap, munmap, mprotect and the shared memory calls.
package procmem

import (
	"sync"

	"github.com/pkg/errors"

	"kmem/kernel"
	"kmem/kernel/kfmt"
	"kmem/kernel/kstd/arc"
	"kmem/kernel/mm"
	"kmem/kernel/mm/vm"
	"kmem/kernel/mm/vmm"
)

var (
	errZeroLength      = &kernel.Error{Module: "procmem", Message: "mapping length must be greater than zero", Kind: kernel.KindInvalidArgument}
	errNoFile          = &kernel.Error{Module: "procmem", Message: "file mappings need an inode", Kind: kernel.KindInvalidArgument}
	errFileNotReadable = &kernel.Error{Module: "procmem", Message: "file is not open for reading", Kind: kernel.KindPermissionDenied}
	errFileNotWritable = &kernel.Error{Module: "procmem", Message: "file is not open for writing", Kind: kernel.KindPermissionDenied}
	errNoSuchRegion    = &kernel.Error{Module: "procmem", Message: "no region starts at this address", Kind: kernel.KindNoSuchMapping}
	errShmNoAccess     = &kernel.Error{Module: "procmem", Message: "shared memory object is not readable by this process", Kind: kernel.KindNoSuchMapping}
	errShmNotAttached  = &kernel.Error{Module: "procmem", Message: "shared memory object is not attached", Kind: kernel.KindNoSuchMapping}
	errBadShmPerms     = &kernel.Error{Module: "procmem", Message: "invalid shared memory permissions", Kind: kernel.KindInvalidArgument}
	errNoSuchProcess   = &kernel.Error{Module: "procmem", Message: "no process with this pid", Kind: kernel.KindInvalidArgument}

	log = kfmt.NewLogger("procmem")
)

// MapFlags select the kind of mapping created by Mmap.
type MapFlags uint8

const (
	// MapShared makes writes visible to every mapping of the same file.
	// Without it file mappings are private copies.
	MapShared MapFlags = 1 << iota

	// MapFixed places the mapping exactly at the requested address.
	MapFixed

	// MapAnonymous creates a zero-filled mapping not backed by a file.
	MapAnonymous
)

// File is an open file handed to Mmap.
type File struct {
	Path     string
	Inode    arc.Arc[vm.Inode]
	Readable bool
	Writable bool
}

// MmapArgs describes an Mmap request.
type MmapArgs struct {
	Addr   uintptr
	Length uintptr
	Prot   mm.Prot
	Flags  MapFlags
	Offset uintptr

	// Name labels anonymous mappings.
	Name string

	// File backs non-anonymous mappings.
	File *File
}

// ShmPerms are the permissions granted through ShmAllow.
type ShmPerms uint8

const (
	ShmRead ShmPerms = 1 << iota
	ShmWrite
	// ShmShare would let the grantee share the object further. It is
	// not supported.
	ShmShare
)

// Shm describes an attached shared memory object.
type Shm struct {
	ID   int
	Addr uintptr
	Size uintptr
}

// ProcessLookup reports whether a process with the given pid exists.
type ProcessLookup func(pid int) bool

// Context is the memory state of a single process.
type Context struct {
	pid           int
	space         *vm.Space
	processExists ProcessLookup

	mu        sync.Mutex
	usedShmem uintptr
}

// New returns the memory context of process pid running in space.
func New(pid int, space *vm.Space, lookup ProcessLookup) *Context {
	return &Context{pid: pid, space: space, processExists: lookup}
}

// PID returns the owning process id.
func (c *Context) PID() int { return c.pid }

// Space returns the process address space.
func (c *Context) Space() *vm.Space { return c.space }

// UsedShmem returns the number of bytes of shared memory mapped by the
// process.
func (c *Context) UsedShmem() uintptr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usedShmem
}

// Mmap creates a mapping and returns its start address. The length is
// rounded up to whole pages.
func (c *Context) Mmap(args MmapArgs) (uintptr, error) {
	if args.Length == 0 {
		return 0, errZeroLength
	}
	length := mm.PageAlignUp(args.Length)

	obj, err := c.objectFor(args, length)
	if err != nil {
		return 0, err
	}
	defer obj.Release()

	rng := mm.VirtualRange{Size: length}
	switch {
	case args.Addr != 0 && args.Flags&MapFixed != 0:
		rng.Start = args.Addr
	case args.Addr != 0:
		log.Warnf("pid %d: mmap requested address 0x%x without MapFixed", c.pid, args.Addr)
	}

	r, err := c.space.MapObject(obj, args.Prot, rng, args.Offset)
	if err != nil {
		return 0, err
	}
	return r.Start(), nil
}

func (c *Context) objectFor(args MmapArgs, length uintptr) (arc.Arc[*vm.Object], error) {
	ctx := c.space.Context()

	if args.Flags&MapAnonymous != 0 {
		name := args.Name
		if name == "" {
			name = "anonymous"
		}
		return vm.NewAnonymous(ctx, length, name, false)
	}

	file := args.File
	if file == nil || !file.Inode.Valid() {
		return arc.Arc[*vm.Object]{}, errNoFile
	}

	shared := args.Flags&MapShared != 0
	switch {
	case args.Prot.Has(mm.ProtRead) && !file.Readable:
		return arc.Arc[*vm.Object]{}, errFileNotReadable
	case args.Prot.Has(mm.ProtWrite) && shared && !file.Writable:
		return arc.Arc[*vm.Object]{}, errFileNotWritable
	}

	obj, err := vm.NewInodeObject(ctx, file.Inode, file.Path, shared)
	if err != nil {
		return arc.Arc[*vm.Object]{}, errors.Wrapf(err, "procmem: mapping %s", file.Path)
	}
	return obj, nil
}

// Munmap removes the mapping starting at addr.
func (c *Context) Munmap(addr uintptr) error {
	r := c.space.RegionAt(addr)
	if r == nil {
		log.Warnf("pid %d: munmap(0x%x) failed", c.pid, addr)
		return errNoSuchRegion
	}

	shm := r.Object().IsShared()
	size := r.Size()
	if err := c.space.UnmapRegion(r); err != nil {
		return err
	}

	if shm {
		c.mu.Lock()
		c.usedShmem -= size
		c.mu.Unlock()
	}
	return nil
}

// Mprotect changes the protection of the mapping starting at addr.
func (c *Context) Mprotect(addr uintptr, prot mm.Prot) error {
	r := c.space.RegionAt(addr)
	if r == nil {
		log.Warnf("pid %d: mprotect(0x%x) failed", c.pid, addr)
		return errNoSuchRegion
	}
	return c.space.SetProt(r, prot)
}

// ShmCreate allocates a shared memory object of size bytes, grants the
// calling process read/write access and maps it at addr, or anywhere if
// addr is 0.
func (c *Context) ShmCreate(addr, size uintptr, name string) (Shm, error) {
	if name == "" {
		name = "shared"
	}

	obj, err := vm.NewAnonymous(c.space.Context(), mm.PageAlignUp(size), name, false)
	if err != nil {
		return Shm{}, err
	}
	defer obj.Release()

	id, err := obj.Get().Share(c.pid, mm.ProtRW)
	if err != nil {
		return Shm{}, err
	}
	return c.attach(obj, id, addr, mm.ProtRW)
}

// ShmAttach maps the shared memory object id with the permissions granted
// to the calling process.
func (c *Context) ShmAttach(id int, addr uintptr) (Shm, error) {
	obj, err := c.space.Context().Shared.Get(id)
	if err != nil {
		return Shm{}, err
	}
	defer obj.Release()

	prot, err := obj.Get().SharedPermissions(c.pid)
	if err != nil {
		return Shm{}, err
	}
	if !prot.Has(mm.ProtRead) {
		return Shm{}, errShmNoAccess
	}
	return c.attach(obj, id, addr, prot)
}

func (c *Context) attach(obj arc.Arc[*vm.Object], id int, addr uintptr, prot mm.Prot) (Shm, error) {
	rng := mm.VirtualRange{Start: addr}
	if addr != 0 {
		rng.Size = obj.Get().Size()
	}

	r, err := c.space.MapObject(obj, prot, rng, 0)
	if err != nil {
		return Shm{}, err
	}

	c.mu.Lock()
	c.usedShmem += r.Size()
	c.mu.Unlock()

	return Shm{ID: id, Addr: r.Start(), Size: r.Size()}, nil
}

// ShmDetach unmaps the shared memory object id from the process.
func (c *Context) ShmDetach(id int) error {
	obj, err := c.space.Context().Shared.Get(id)
	if err != nil {
		return err
	}
	defer obj.Release()

	r := c.space.FindRegionForObject(obj.Get())
	if r == nil {
		return errShmNotAttached
	}

	size := r.Size()
	if err = c.space.UnmapRegion(r); err != nil {
		return err
	}

	c.mu.Lock()
	c.usedShmem -= size
	c.mu.Unlock()
	return nil
}

// ShmAllow grants process pid access to the shared memory object id.
// Write access requires read access.
func (c *Context) ShmAllow(id, pid int, perms ShmPerms) error {
	switch {
	case perms&ShmShare != 0,
		perms&(ShmRead|ShmWrite) == 0,
		perms&ShmWrite != 0 && perms&ShmRead == 0:
		return errBadShmPerms
	case c.processExists == nil || !c.processExists(pid):
		return errNoSuchProcess
	}

	obj, err := c.space.Context().Shared.Get(id)
	if err != nil {
		return err
	}
	defer obj.Release()

	prot := mm.ProtRead
	if perms&ShmWrite != 0 {
		prot |= mm.ProtWrite
	}

	_, err = obj.Get().Share(pid, prot)
	return err
}

// Fork duplicates the process memory into dir for the child process pid.
// Shared memory is not inherited.
func (c *Context) Fork(pid int, dir vmm.PageDirectory) (*Context, error) {
	space, err := c.space.Fork(dir)
	if err != nil {
		return nil, err
	}
	return New(pid, space, c.processExists), nil
}

// Destroy tears down the process address space.
func (c *Context) Destroy() error {
	return c.space.Destroy()
}
