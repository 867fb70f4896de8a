// Package manager implements the memory manager: it boots physical memory
// from a memory map, owns the kernel page directory and address spaces,
// exposes the allocation entry points and resolves page faults.
package manager

import (
	"sync"

	"github.com/pkg/errors"

	"kmem/kernel"
	"kmem/kernel/gate"
	"kmem/kernel/hal/multiboot"
	"kmem/kernel/kfmt"
	"kmem/kernel/kstd/arc"
	"kmem/kernel/mm"
	"kmem/kernel/mm/physmem"
	"kmem/kernel/mm/pmm"
	"kmem/kernel/mm/vm"
	"kmem/kernel/mm/vmm"
)

var (
	// The following functions are mocked by tests.
	panicFn           = kfmt.Panic
	handleInterruptFn = gate.HandleInterrupt

	errKernelImageMapping = &kernel.Error{Module: "mm", Message: "unable to map the kernel image"}
	errNoUserSpaceRange   = &kernel.Error{Module: "mm", Message: "user address range is empty", Kind: kernel.KindInvalidArgument}

	log = kfmt.NewLogger("mm")
)

// kernelSpaceSize returns the size of the window starting at the higher
// half that holds the kernel image and fixed mappings. The kernel heap
// space starts right after it.
func kernelSpaceSize(arch vmm.Arch) uintptr {
	if arch == vmm.ArchI386 {
		return 0x10000000
	}
	return 1 << 39
}

// Manager owns physical memory and the kernel's virtual memory.
type Manager struct {
	arch    vmm.Arch
	entries []multiboot.MemoryMapEntry
	image   KernelImage

	ram   *physmem.RAM
	alloc *pmm.Allocator
	ctx   *vm.Context

	tableFrame mm.Frame
	tablePages uintptr

	kernelDir   vmm.PageDirectory
	kernelSpace *vm.Space
	heapSpace   *vm.Space

	// kernelRegions holds the fixed mappings created at boot.
	kernelRegions []*vm.Region

	mu             sync.RWMutex
	currentSpaceFn func() *vm.Space
	userFaultFn    func(*FaultError)
}

// Boot brings up physical memory and paging as described by cfg. Failure
// to map the kernel image halts the system.
func Boot(cfg Config) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	arch, _ := vmm.ParseArch(cfg.Arch)
	m := &Manager{
		arch:    arch,
		entries: cfg.Entries(),
		image:   cfg.KernelImage,
	}

	kernelStart, kernelEnd := m.image.Start(), m.image.End()
	pmm.PrintMemoryMap(m.entries, kernelStart, kernelEnd)

	regions := pmm.BootRegions(m.entries, kernelStart, kernelEnd)
	numFrames := uintptr(pmm.HighestUsableFrame(regions))

	var err error
	m.tableFrame, m.tablePages, regions, err = pmm.CarveFrameTable(regions, numFrames)
	if err != nil {
		return nil, err
	}

	if m.ram, err = physmem.New(numFrames); err != nil {
		return nil, errors.Wrap(err, "mm: unable to allocate physical memory")
	}

	buf, err := m.ram.Frames(m.tableFrame, m.tablePages)
	if err != nil {
		_ = m.ram.Close()
		return nil, err
	}

	m.alloc = pmm.NewAllocator(pmm.NewFrameTable(buf, numFrames), regions)
	m.ctx = vm.NewContext(m.ram, m.alloc)

	if err = m.setupKernelSpaces(); err != nil {
		_ = m.ram.Close()
		return nil, err
	}

	if err = m.mapKernelImage(); err != nil {
		panicFn(errors.Wrap(err, errKernelImageMapping.Message))
		_ = m.ram.Close()
		return nil, errKernelImageMapping
	}

	m.kernelDir.Activate()
	handleInterruptFn(gate.PageFaultException, m.pageFaultHandler)

	stats := m.alloc.Stats()
	log.Infof("booted %s: %d usable pages, %d free, page frame table at frame 0x%x (%d pages)",
		m.arch, stats.TotalPages, stats.FreePages, m.tableFrame, m.tablePages)
	return m, nil
}

func (m *Manager) setupKernelSpaces() error {
	var err error
	if m.kernelDir, err = vmm.NewKernelDirectory(m.arch, m.ram, m.alloc); err != nil {
		return err
	}

	higherHalf := vmm.HigherHalf(m.arch)
	heapBegin := higherHalf + kernelSpaceSize(m.arch)
	heapEnd := vmm.AddressLimit(m.arch) - mm.PageSize + 1

	// The two pages below the heap are left unmanaged so that overruns of
	// the last kernel mapping never land on heap memory.
	m.kernelSpace, err = vm.NewKernelSpace(m.ctx, "kernel", mm.VirtualRange{
		Start: higherHalf,
		Size:  heapBegin - 2*mm.PageSize - higherHalf,
	}, m.kernelDir)
	if err != nil {
		return err
	}

	m.heapSpace, err = vm.NewKernelSpace(m.ctx, "kernel-heap", mm.VirtualRange{
		Start: heapBegin,
		Size:  heapEnd - heapBegin,
	}, m.kernelDir)
	return err
}

// mapKernelImage maps the kernel sections at their higher half addresses
// followed by the page frame table.
func (m *Manager) mapKernelImage() error {
	higherHalf := vmm.HigherHalf(m.arch)

	sections := []struct {
		name       string
		start, end uintptr
		prot       mm.Prot
	}{
		{"kernel-text", uintptr(m.image.TextStart), uintptr(m.image.TextEnd), mm.ProtRX},
		{"kernel-data", uintptr(m.image.DataStart), uintptr(m.image.DataEnd), mm.ProtRW},
	}

	for _, section := range sections {
		start := section.start &^ (mm.PageSize - 1)
		size := mm.PageAlignUp(section.end - start)

		r, err := m.mapPhysical(m.kernelSpace, section.name, start, size, section.prot, higherHalf+start)
		if err != nil {
			return errors.Wrapf(err, "mm: mapping %s", section.name)
		}
		m.kernelRegions = append(m.kernelRegions, r)
	}

	r, err := m.mapPhysical(m.kernelSpace, "page-frame-table", m.tableFrame.Address(), m.tablePages<<mm.PageShift, mm.ProtRW, 0)
	if err != nil {
		return errors.Wrap(err, "mm: mapping the page frame table")
	}
	m.kernelRegions = append(m.kernelRegions, r)
	return nil
}

func (m *Manager) mapPhysical(space *vm.Space, name string, physAddr, size uintptr, prot mm.Prot, virtAddr uintptr) (*vm.Region, error) {
	obj, err := vm.MapToPhysical(m.ctx, physAddr, size, name)
	if err != nil {
		return nil, err
	}
	defer obj.Release()

	rng := mm.VirtualRange{Start: virtAddr}
	if virtAddr != 0 {
		rng.Size = obj.Get().Size()
	}
	return space.MapObject(obj, prot, rng, 0)
}

// Arch returns the page table format in use.
func (m *Manager) Arch() vmm.Arch { return m.arch }

// RAM returns the physical memory arena.
func (m *Manager) RAM() *physmem.RAM { return m.ram }

// Allocator returns the physical page allocator.
func (m *Manager) Allocator() *pmm.Allocator { return m.alloc }

// Context returns the context shared by all memory objects.
func (m *Manager) Context() *vm.Context { return m.ctx }

// KernelDirectory returns the kernel page directory.
func (m *Manager) KernelDirectory() vmm.PageDirectory { return m.kernelDir }

// KernelSpace returns the space holding the kernel image and fixed
// mappings.
func (m *Manager) KernelSpace() *vm.Space { return m.kernelSpace }

// HeapSpace returns the kernel heap space used by the Alloc*Region calls.
func (m *Manager) HeapSpace() *vm.Space { return m.heapSpace }

// KernelRegions returns the regions mapped at boot.
func (m *Manager) KernelRegions() []*vm.Region { return m.kernelRegions }

// MemoryMap returns the memory map the manager booted from.
func (m *Manager) MemoryMap() []multiboot.MemoryMapEntry { return m.entries }

// IsKernelAddress returns true if addr lies in the kernel half.
func (m *Manager) IsKernelAddress(addr uintptr) bool {
	return addr >= vmm.HigherHalf(m.arch)
}

// UserRange returns the virtual range available to user spaces. The first
// page is never mapped so null pointer accesses always fault.
func (m *Manager) UserRange() mm.VirtualRange {
	return mm.VirtualRange{Start: mm.PageSize, Size: vmm.UserLimit(m.arch) - mm.PageSize}
}

// NewUserSpace creates an empty user address space with its own page
// directory.
func (m *Manager) NewUserSpace(name string) (*vm.Space, error) {
	rng := m.UserRange()
	if rng.Size == 0 {
		return nil, errNoUserSpaceRange
	}

	dir, err := vmm.NewUserDirectory(m.kernelDir)
	if err != nil {
		return nil, err
	}

	s, err := vm.NewSpace(m.ctx, name, rng, dir)
	if err != nil {
		_ = dir.Destroy()
		return nil, err
	}
	return s, nil
}

// AllocPage allocates a single physical page.
func (m *Manager) AllocPage() (mm.Frame, error) { return m.alloc.AllocPage() }

// AllocPages allocates n pages that need not be contiguous.
func (m *Manager) AllocPages(n uintptr) ([]mm.Frame, error) { return m.alloc.AllocPages(n) }

// AllocContiguous allocates n physically contiguous pages.
func (m *Manager) AllocContiguous(n uintptr) (mm.Frame, error) { return m.alloc.AllocContiguous(n) }

// RefPage adds a reference to an allocated page.
func (m *Manager) RefPage(frame mm.Frame) error { return m.alloc.Ref(frame) }

// FreePage drops a reference to frame, returning it to its region once
// unreferenced.
func (m *Manager) FreePage(frame mm.Frame) error { return m.alloc.Unref(frame) }

// AllocKernelRegion maps a lazily populated anonymous region of size bytes
// into the kernel heap.
func (m *Manager) AllocKernelRegion(size uintptr, name string) (*vm.Region, error) {
	return m.allocKernelRegion(size, name, false)
}

// AllocKernelCommittedRegion maps an anonymous region whose pages are
// allocated up front into the kernel heap.
func (m *Manager) AllocKernelCommittedRegion(size uintptr, name string) (*vm.Region, error) {
	return m.allocKernelRegion(size, name, true)
}

func (m *Manager) allocKernelRegion(size uintptr, name string, commit bool) (*vm.Region, error) {
	obj, err := vm.NewAnonymous(m.ctx, size, name, commit)
	if err != nil {
		return nil, err
	}
	return m.mapKernelObject(obj, mm.ProtRW)
}

// AllocDMARegion maps a physically contiguous, committed region into the
// kernel heap.
func (m *Manager) AllocDMARegion(size uintptr, name string) (*vm.Region, error) {
	obj, err := vm.NewContiguous(m.ctx, size, name)
	if err != nil {
		return nil, err
	}
	return m.mapKernelObject(obj, mm.ProtRW)
}

// AllocMappedRegion maps the physical range [physAddr, physAddr+size) into
// the kernel heap.
func (m *Manager) AllocMappedRegion(physAddr, size uintptr, name string) (*vm.Region, error) {
	obj, err := vm.MapToPhysical(m.ctx, physAddr, size, name)
	if err != nil {
		return nil, err
	}
	return m.mapKernelObject(obj, mm.ProtRW)
}

func (m *Manager) mapKernelObject(obj arc.Arc[*vm.Object], prot mm.Prot) (*vm.Region, error) {
	defer obj.Release()
	return m.heapSpace.MapObject(obj, prot, mm.VirtualRange{}, 0)
}

// FreeKernelRegion unmaps a region returned by one of the Alloc*Region
// calls.
func (m *Manager) FreeKernelRegion(r *vm.Region) error {
	return m.heapSpace.UnmapRegion(r)
}

// SetCurrentSpaceResolver installs the function that returns the address
// space of the running process. User faults are resolved against it.
func (m *Manager) SetCurrentSpaceResolver(fn func() *vm.Space) {
	m.mu.Lock()
	m.currentSpaceFn = fn
	m.mu.Unlock()
}

// SetUserFaultHandler installs the function invoked when a user fault
// cannot be resolved. It is expected to signal the faulting process.
func (m *Manager) SetUserFaultHandler(fn func(*FaultError)) {
	m.mu.Lock()
	m.userFaultFn = fn
	m.mu.Unlock()
}

// CurrentSpace returns the address space of the running process or nil.
func (m *Manager) CurrentSpace() *vm.Space {
	m.mu.RLock()
	fn := m.currentSpaceFn
	m.mu.RUnlock()

	if fn == nil {
		return nil
	}
	return fn()
}

// Shutdown releases the physical memory arena. The manager must not be
// used afterwards.
func (m *Manager) Shutdown() error {
	handleInterruptFn(gate.PageFaultException, nil)
	return m.ram.Close()
}
