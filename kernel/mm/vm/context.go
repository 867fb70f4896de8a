// Package vm implements the virtual memory layer: memory objects that own
// sequences of physical pages, mapped regions binding objects into address
// spaces, and the address spaces themselves.
package vm

import (
	"kmem/kernel/kfmt"
	"kmem/kernel/mm"
	"kmem/kernel/mm/physmem"
)

var log = kfmt.NewLogger("vm")

// PageAllocator is the physical page allocator used by memory objects.
// Every page it returns carries a single reference.
type PageAllocator interface {
	AllocPage() (mm.Frame, error)
	AllocPages(n uintptr) ([]mm.Frame, error)
	AllocContiguous(n uintptr) (mm.Frame, error)
	Ref(frame mm.Frame) error
	Unref(frame mm.Frame) error
	ReservePage(frame mm.Frame) error
}

// Context bundles the services shared by every memory object and address
// space. It is built once at boot.
type Context struct {
	RAM   *physmem.RAM
	Pages PageAllocator

	// Shared tracks anonymous objects registered for shared memory.
	Shared *SharedRegistry

	// Inodes caches the shared object of each mapped inode.
	Inodes *InodeCache
}

// NewContext returns a context with empty registries.
func NewContext(ram *physmem.RAM, pages PageAllocator) *Context {
	return &Context{
		RAM:    ram,
		Pages:  pages,
		Shared: NewSharedRegistry(),
		Inodes: NewInodeCache(),
	}
}

// zeroPage clears a frame that lies inside RAM.
func (c *Context) zeroPage(frame mm.Frame) error {
	return c.RAM.Zero(frame)
}
