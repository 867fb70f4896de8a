package vmm

import (
	"kmem/kernel/mm"
	"kmem/kernel/mm/physmem"
)

const (
	// HigherHalf32 is the first kernel virtual address of the 32-bit
	// format; the kernel owns the top gigabyte.
	HigherHalf32 = uintptr(0xC0000000)

	// addrLimit32 is the first address past the 32-bit address space.
	addrLimit32 = uint64(1) << 32
)

// layout32 describes the 2-level format: a page directory of 1024 entries
// pointing to page tables of 1024 entries, each entry 4 bytes wide. Bits
// 12-31 of an entry hold the physical address.
var layout32 = tableLayout{
	levelShifts: []uint8{22, 12},
	indexBits:   10,
	entryShift:  2,
	physMask:    0xfffff000,
	kernelBase:  HigherHalf32,
}

// Directory32 is the page table driver for the 2-level 32-bit format.
type Directory32 struct {
	pageDirectory
}

// NewKernelDirectory32 allocates an empty kernel page directory.
func NewKernelDirectory32(ram *physmem.RAM, alloc mm.FrameAllocator) (*Directory32, error) {
	d := &Directory32{}
	if err := d.init(ArchI386, &layout32, ram, alloc, nil); err != nil {
		return nil, err
	}
	return d, nil
}

// NewUserDirectory creates a user page directory that shares the kernel
// half of this directory.
func (d *Directory32) NewUserDirectory() (*Directory32, error) {
	user := &Directory32{}
	if err := user.init(ArchI386, &layout32, d.ram, d.alloc, &d.pageDirectory); err != nil {
		return nil, err
	}
	return user, nil
}

func valid32(virtAddr uintptr) bool {
	return uint64(virtAddr) < addrLimit32
}

// MapPage implements PageDirectory.
func (d *Directory32) MapPage(page mm.Page, frame mm.Frame, prot mm.Prot) error {
	if !valid32(page.Address()) {
		return errBadVirtualAddress
	}
	return d.mapPage(page, frame, prot)
}

// UnmapPage implements PageDirectory.
func (d *Directory32) UnmapPage(page mm.Page) error {
	if !valid32(page.Address()) {
		return errBadVirtualAddress
	}
	return d.unmapPage(page)
}

// Lookup implements PageDirectory.
func (d *Directory32) Lookup(virtAddr uintptr) (Mapping, error) {
	if !valid32(virtAddr) {
		return Mapping{}, errBadVirtualAddress
	}
	return d.lookup(virtAddr)
}

// PhysicalAddress implements PageDirectory.
func (d *Directory32) PhysicalAddress(virtAddr uintptr) (uintptr, error) {
	if !valid32(virtAddr) {
		return 0, errBadVirtualAddress
	}
	return d.physicalAddress(virtAddr)
}

// IsMapped implements PageDirectory.
func (d *Directory32) IsMapped(virtAddr uintptr, wantWrite bool) bool {
	return valid32(virtAddr) && d.isMapped(virtAddr, wantWrite)
}

// Activate implements PageDirectory.
func (d *Directory32) Activate() { d.activate() }

// IsActive implements PageDirectory.
func (d *Directory32) IsActive() bool { return d.isActive() }

// TablePages implements PageDirectory.
func (d *Directory32) TablePages() uintptr { return d.tablePages() }

// Destroy implements PageDirectory.
func (d *Directory32) Destroy() error { return d.destroy() }
