package vm

import (
	"io"
	"sync"

	"github.com/pkg/errors"

	"kmem/kernel"
	"kmem/kernel/kstd/arc"
	"kmem/kernel/mm"
)

var errInodeGone = &kernel.Error{Module: "vm", Message: "backing inode no longer exists", Kind: kernel.KindNoSuchMapping}

// InodeID identifies an inode within the file system layer.
type InodeID uint64

// Inode is the file system object backing an inode object. ReadAt follows
// the io.ReaderAt contract; a short read at the end of the file is
// reported with io.EOF.
type Inode interface {
	ID() InodeID
	Size() int64
	ReadAt(buf []byte, offset int64) (int, error)
}

type inodeBacking struct {
	// inode is owned by the file system; objects never keep it alive.
	inode arc.Weak[Inode]
	id    InodeID

	// shared objects are cached per inode and see each other's pages;
	// private ones belong to a single mapping.
	shared bool

	// loaded counts the pages read in from the inode.
	loaded uintptr
}

func (*inodeBacking) kind() string { return "inode" }

// NewInodeObject returns an object that maps the contents of inode. Shared
// objects are cached: every request for the same inode returns the same
// object while it is alive. Private objects are created fresh each time
// and their pages are never written back.
func NewInodeObject(ctx *Context, inode arc.Arc[Inode], name string, shared bool) (arc.Arc[*Object], error) {
	if shared {
		return ctx.Inodes.sharedObject(ctx, inode, name)
	}
	return newInodeObject(ctx, inode, name, false)
}

func newInodeObject(ctx *Context, inode arc.Arc[Inode], name string, shared bool) (arc.Arc[*Object], error) {
	ino := inode.Get()
	numPages := mm.PageCount(uintptr(ino.Size()))
	if numPages == 0 {
		return arc.Arc[*Object]{}, errZeroSize
	}

	obj := newObject(ctx, name, numPages, &inodeBacking{
		inode:  inode.Downgrade(),
		id:     ino.ID(),
		shared: shared,
	})
	if shared {
		obj.forkAction = mm.ForkShare
	}
	return wrap(obj), nil
}

// InodeID returns the id of the backing inode and false if the object is
// not inode-backed.
func (o *Object) InodeID() (InodeID, bool) {
	b, ok := o.backing.(*inodeBacking)
	if !ok {
		return 0, false
	}
	return b.id, true
}

// IsSharedInode returns true for the cached per-inode object.
func (o *Object) IsSharedInode() bool {
	b, ok := o.backing.(*inodeBacking)
	return ok && b.shared
}

func (o *Object) faultInInode(b *inodeBacking, index uintptr) error {
	inode, ok := b.inode.Upgrade()
	if !ok {
		return errInodeGone
	}
	defer inode.Release()

	frame, err := o.ctx.Pages.AllocPage()
	if err != nil {
		return err
	}

	buf, err := o.ctx.RAM.Frame(frame)
	if err == nil {
		kernel.Memset(buf, 0)
		_, err = inode.Get().ReadAt(buf, int64(index<<mm.PageShift))
		if err == io.EOF {
			err = nil
		}
	}
	if err != nil {
		_ = o.ctx.Pages.Unref(frame)
		return errors.Wrapf(err, "vm: reading page %d of inode %d", index, b.id)
	}

	o.pages[index] = frame
	b.loaded++
	return nil
}

type cachedInode struct {
	ref arc.Weak[*Object]
	obj *Object
}

// InodeCache keeps one weakly referenced shared object per inode.
type InodeCache struct {
	mu      sync.Mutex
	objects map[InodeID]cachedInode
}

// NewInodeCache returns an empty cache.
func NewInodeCache() *InodeCache {
	return &InodeCache{objects: make(map[InodeID]cachedInode)}
}

func (c *InodeCache) sharedObject(ctx *Context, inode arc.Arc[Inode], name string) (arc.Arc[*Object], error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := inode.Get().ID()
	if cached, ok := c.objects[id]; ok {
		if obj, alive := cached.ref.Upgrade(); alive {
			return obj, nil
		}
		// The object is being destroyed; replace the entry so its
		// destructor leaves the new one alone.
		delete(c.objects, id)
		cached.ref.Release()
	}

	obj, err := newInodeObject(ctx, inode, name, true)
	if err != nil {
		return obj, err
	}

	c.objects[id] = cachedInode{ref: obj.Downgrade(), obj: obj.Get()}
	return obj, nil
}

func (c *InodeCache) remove(id InodeID, obj *Object) {
	c.mu.Lock()
	cached, ok := c.objects[id]
	if ok && cached.obj == obj {
		delete(c.objects, id)
	} else {
		ok = false
	}
	c.mu.Unlock()

	if ok {
		cached.ref.Release()
	}
}

// Lookup returns the live shared object of inode id, if any.
func (c *InodeCache) Lookup(id InodeID) (arc.Arc[*Object], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cached, ok := c.objects[id]
	if !ok {
		return arc.Arc[*Object]{}, false
	}
	return cached.ref.Upgrade()
}

// Len returns the number of cached inodes.
func (c *InodeCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.objects)
}
