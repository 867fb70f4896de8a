package vmm

import (
	"kmem/kernel/mm"
	"kmem/kernel/mm/physmem"
)

const (
	// HigherHalf64 is the first kernel virtual address of the 64-bit
	// format, the start of the upper canonical half.
	HigherHalf64 = uintptr(0xffff800000000000)

	// userLimit64 is the first address past the lower canonical half.
	userLimit64 = uintptr(0x0000800000000000)
)

// layout64 describes the 4-level format: PML4, PDPT, PD and PT tables of
// 512 entries, each entry 8 bytes wide. Bits 12-51 of an entry hold the
// physical address and bit 63 disables instruction fetches.
var layout64 = tableLayout{
	levelShifts: []uint8{39, 30, 21, 12},
	indexBits:   9,
	entryShift:  3,
	physMask:    0x000ffffffffff000,
	kernelBase:  HigherHalf64,
	noExecute:   true,
}

// Directory64 is the page table driver for the 4-level 64-bit format.
type Directory64 struct {
	pageDirectory
}

// NewKernelDirectory64 allocates an empty kernel page directory.
func NewKernelDirectory64(ram *physmem.RAM, alloc mm.FrameAllocator) (*Directory64, error) {
	d := &Directory64{}
	if err := d.init(ArchAMD64, &layout64, ram, alloc, nil); err != nil {
		return nil, err
	}
	return d, nil
}

// NewUserDirectory creates a user page directory that shares the kernel
// half of this directory.
func (d *Directory64) NewUserDirectory() (*Directory64, error) {
	user := &Directory64{}
	if err := user.init(ArchAMD64, &layout64, d.ram, d.alloc, &d.pageDirectory); err != nil {
		return nil, err
	}
	return user, nil
}

// canonical returns true if bits 48-63 of virtAddr are copies of bit 47.
func canonical(virtAddr uintptr) bool {
	return virtAddr < userLimit64 || virtAddr >= HigherHalf64
}

// MapPage implements PageDirectory.
func (d *Directory64) MapPage(page mm.Page, frame mm.Frame, prot mm.Prot) error {
	if !canonical(page.Address()) {
		return errBadVirtualAddress
	}
	return d.mapPage(page, frame, prot)
}

// UnmapPage implements PageDirectory.
func (d *Directory64) UnmapPage(page mm.Page) error {
	if !canonical(page.Address()) {
		return errBadVirtualAddress
	}
	return d.unmapPage(page)
}

// Lookup implements PageDirectory.
func (d *Directory64) Lookup(virtAddr uintptr) (Mapping, error) {
	if !canonical(virtAddr) {
		return Mapping{}, errBadVirtualAddress
	}
	return d.lookup(virtAddr)
}

// PhysicalAddress implements PageDirectory.
func (d *Directory64) PhysicalAddress(virtAddr uintptr) (uintptr, error) {
	if !canonical(virtAddr) {
		return 0, errBadVirtualAddress
	}
	return d.physicalAddress(virtAddr)
}

// IsMapped implements PageDirectory.
func (d *Directory64) IsMapped(virtAddr uintptr, wantWrite bool) bool {
	return canonical(virtAddr) && d.isMapped(virtAddr, wantWrite)
}

// Activate implements PageDirectory.
func (d *Directory64) Activate() { d.activate() }

// IsActive implements PageDirectory.
func (d *Directory64) IsActive() bool { return d.isActive() }

// TablePages implements PageDirectory.
func (d *Directory64) TablePages() uintptr { return d.tablePages() }

// Destroy implements PageDirectory.
func (d *Directory64) Destroy() error { return d.destroy() }
