package vm

import (
	"kmem/kernel/kstd/arc"
	"kmem/kernel/mm"
	"kmem/kernel/mm/vmm"
)

// Region binds a window of a memory object into an address space. The
// region holds a strong reference on its object for as long as it stays
// mapped.
type Region struct {
	space  *Space
	object arc.Arc[*Object]
	rng    mm.VirtualRange

	// objectOffset is the byte offset of the first mapped page inside
	// the object.
	objectOffset uintptr

	// prot is guarded by the owning space's lock.
	prot mm.Prot

	// guarded regions are surrounded by one unmapped page on each side
	// that belongs to the same virtual range.
	guarded bool
}

// Space returns the address space the region is mapped into.
func (r *Region) Space() *Space { return r.space }

// Object returns the mapped memory object.
func (r *Region) Object() *Object { return r.object.Get() }

// Range returns the virtual range covered by the region.
func (r *Region) Range() mm.VirtualRange { return r.rng }

// Start returns the first virtual address of the region.
func (r *Region) Start() uintptr { return r.rng.Start }

// End returns the first virtual address past the region.
func (r *Region) End() uintptr { return r.rng.End() }

// Size returns the size of the region in bytes.
func (r *Region) Size() uintptr { return r.rng.Size }

// ObjectOffset returns the byte offset of the region inside its object.
func (r *Region) ObjectOffset() uintptr { return r.objectOffset }

// Guarded returns true for regions created with MapObjectWithSentinel.
func (r *Region) Guarded() bool { return r.guarded }

// Contains returns true if addr lies within the region.
func (r *Region) Contains(addr uintptr) bool { return r.rng.Contains(addr) }

// Prot returns the region's protection.
func (r *Region) Prot() mm.Prot {
	r.space.mu.Lock()
	defer r.space.mu.Unlock()
	return r.prot
}

func (r *Region) pageCount() uintptr { return r.rng.Size >> mm.PageShift }

// objectIndex returns the object slot backing addr.
func (r *Region) objectIndex(addr uintptr) uintptr {
	return (addr - r.rng.Start + r.objectOffset) >> mm.PageShift
}

// pageOf returns the virtual page through which r maps object slot index.
func (r *Region) pageOf(index uintptr) (mm.Page, bool) {
	base := r.objectOffset >> mm.PageShift
	if index < base || index-base >= r.pageCount() {
		return 0, false
	}
	return mm.PageFromAddress(r.rng.Start) + mm.Page(index-base), true
}

// link registers r with its object.
func (r *Region) link() {
	obj := r.object.Get()
	obj.mu.Lock()
	obj.mappings[r] = struct{}{}
	obj.mu.Unlock()
}

// release unregisters r from its object and drops the region's reference.
// The hardware mappings must already be gone.
func (r *Region) release() {
	obj := r.object.Get()
	obj.mu.Lock()
	delete(obj.mappings, r)
	obj.mu.Unlock()

	r.object.Release()
}

// leafProt returns the protection to install for a page whose slot is
// marked cow.
func (r *Region) leafProt(cow bool) mm.Prot {
	if cow && r.prot.Has(mm.ProtWrite) {
		return r.prot | mm.ProtCoW
	}
	return r.prot
}

// mapResident installs every resident page of the region into the space's
// page directory. The caller must hold the space lock.
func (r *Region) mapResident() error {
	if r.prot&(mm.ProtRead|mm.ProtWrite|mm.ProtExec) == 0 {
		return nil
	}

	obj := r.object.Get()
	obj.mu.Lock()
	defer obj.mu.Unlock()

	first := mm.PageFromAddress(r.rng.Start)
	base := r.objectOffset >> mm.PageShift
	for i := uintptr(0); i < r.pageCount(); i++ {
		frame, cow := obj.pageState(base + i)
		if frame == 0 {
			continue
		}
		if err := r.space.dir.MapPage(first+mm.Page(i), frame, r.leafProt(cow)); err != nil {
			return err
		}
	}
	return nil
}

// unmapAll removes every hardware mapping of the region. The caller must
// hold the space lock.
func (r *Region) unmapAll() error {
	return vmm.UnmapRange(r.space.dir, mm.PageFromAddress(r.rng.Start), r.pageCount())
}
