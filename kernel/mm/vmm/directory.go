package vmm

import (
	"kmem/kernel"
	"kmem/kernel/cpu"
	"kmem/kernel/kfmt"
	"kmem/kernel/mm"
	"kmem/kernel/mm/physmem"
	"kmem/kernel/sync"
)

var (
	// flushTLBEntryFn is used by tests to override calls to flushTLBEntry
	// which will cause a fault if called in user-mode.
	flushTLBEntryFn = cpu.FlushTLBEntry

	// switchPDTFn is used by tests to override calls to switchPDT which
	// will cause a fault if called in user-mode.
	switchPDTFn = cpu.SwitchPDT

	// activePDTFn is used by tests to override calls to activePDT which
	// will cause a fault if called in user-mode.
	activePDTFn = cpu.ActivePDT

	// panicFn is mocked by tests.
	panicFn = kfmt.Panic

	// ErrInvalidMapping is returned when trying to lookup a virtual memory
	// address that is not yet mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page", Kind: kernel.KindNoSuchMapping}

	errKernelAddrInUserDir = &kernel.Error{Module: "vmm", Message: "kernel address cannot be managed through a user page directory", Kind: kernel.KindInvalidArgument}
	errUserAddrInKernelDir = &kernel.Error{Module: "vmm", Message: "user address cannot be managed through the kernel page directory", Kind: kernel.KindInvalidArgument}
	errBadVirtualAddress   = &kernel.Error{Module: "vmm", Message: "virtual address is not representable by the page table format", Kind: kernel.KindInvalidArgument}
	errNoProtection        = &kernel.Error{Module: "vmm", Message: "pages must be mapped with at least one access right", Kind: kernel.KindInvalidArgument}
	errTableOutsideRAM     = &kernel.Error{Module: "vmm", Message: "page table frame is not backed by physical memory", Kind: kernel.KindInvalidArgument}
	errDirectoryDestroyed  = &kernel.Error{Module: "vmm", Message: "page directory has been destroyed", Kind: kernel.KindInvalidArgument}
	errDestroyKernelDir    = &kernel.Error{Module: "vmm", Message: "attempted to destroy the kernel page directory"}

	log = kfmt.NewLogger("vmm")
)

// Arch selects a page table format.
type Arch uint8

const (
	// ArchI386 is the 2-level 32-bit format.
	ArchI386 Arch = iota

	// ArchAMD64 is the 4-level 64-bit format.
	ArchAMD64
)

func (a Arch) String() string {
	switch a {
	case ArchI386:
		return "i386"
	case ArchAMD64:
		return "amd64"
	default:
		return "unknown"
	}
}

// PageDirectory is implemented by the hardware page table drivers. All
// addresses passed to a kernel directory must lie in the kernel half of the
// address space and all addresses passed to a user directory in the user
// half; requests for the other half are rejected.
type PageDirectory interface {
	// MapPage establishes a mapping between a virtual page and a physical
	// frame, allocating any missing intermediate tables.
	MapPage(page mm.Page, frame mm.Frame, prot mm.Prot) error

	// UnmapPage removes the mapping for page and releases any table that
	// becomes empty as a result.
	UnmapPage(page mm.Page) error

	// PhysicalAddress translates a virtual address.
	PhysicalAddress(virtAddr uintptr) (uintptr, error)

	// IsMapped returns true if virtAddr is mapped and, if wantWrite is
	// set, writable.
	IsMapped(virtAddr uintptr, wantWrite bool) bool

	// Lookup returns the frame and effective protection virtAddr maps to.
	Lookup(virtAddr uintptr) (Mapping, error)

	// Activate loads the directory into the MMU.
	Activate()

	// IsActive returns true if the directory is loaded into the MMU.
	IsActive() bool

	// IsKernel returns true for the kernel page directory.
	IsKernel() bool

	// IsKernelAddress returns true if virtAddr lies in the kernel half.
	IsKernelAddress(virtAddr uintptr) bool

	// Root returns the frame of the top-level table.
	Root() mm.Frame

	// Arch returns the page table format.
	Arch() Arch

	// TablePages returns the number of table frames the directory owns.
	TablePages() uintptr

	// Destroy releases every table owned by a user directory. The mapped
	// frames themselves are not released.
	Destroy() error
}

// Mapping describes a translated virtual page.
type Mapping struct {
	Frame mm.Frame
	Prot  mm.Prot
	User  bool
}

// pageDirectory implements the table management shared by both formats.
// The format specific types embed it and supply the layout.
type pageDirectory struct {
	lock sync.Spinlock

	layout *tableLayout
	arch   Arch
	ram    *physmem.RAM
	alloc  mm.FrameAllocator
	root   mm.Frame

	// kernel is nil for the kernel directory.
	kernel *pageDirectory

	// occupancy tracks the number of present entries in each table.
	occupancy map[mm.Frame]uint32
	destroyed bool
}

func (d *pageDirectory) init(arch Arch, layout *tableLayout, ram *physmem.RAM, alloc mm.FrameAllocator, kernel *pageDirectory) error {
	d.arch = arch
	d.layout = layout
	d.ram = ram
	d.alloc = alloc
	d.kernel = kernel
	d.occupancy = make(map[mm.Frame]uint32)

	root, err := d.allocTable()
	if err != nil {
		return err
	}
	d.root = root

	if kernel != nil {
		d.syncKernelEntries()
	}
	return nil
}

func (d *pageDirectory) table(frame mm.Frame) table {
	buf, _ := d.ram.Frame(frame)
	return d.layout.view(buf)
}

func (d *pageDirectory) allocTable() (mm.Frame, error) {
	frame, err := d.alloc.AllocFrame()
	if err != nil {
		return mm.InvalidFrame, err
	}

	if !d.ram.Contains(frame) {
		_ = d.alloc.FreeFrame(frame)
		return mm.InvalidFrame, errTableOutsideRAM
	}

	if err = d.ram.Zero(frame); err != nil {
		_ = d.alloc.FreeFrame(frame)
		return mm.InvalidFrame, err
	}

	d.occupancy[frame] = 0
	return frame, nil
}

func (d *pageDirectory) freeTable(frame mm.Frame) {
	delete(d.occupancy, frame)
	if err := d.alloc.FreeFrame(frame); err != nil {
		log.Errorf("unable to release page table frame 0x%x: %v", frame, err)
	}
}

// syncKernelEntries copies the kernel half of the kernel root table into
// this directory's root table so the kernel stays mapped while the
// directory is active. The copied entries are owned by the kernel
// directory and are not counted in this directory's occupancy.
func (d *pageDirectory) syncKernelEntries() {
	first := d.layout.kernelRootIndex()
	count := d.layout.entriesPerTable()

	d.kernel.lock.Acquire()
	entries := make([]pageTableEntry, 0, count-first)
	kernelRoot := d.kernel.table(d.kernel.root)
	for index := first; index < count; index++ {
		entries = append(entries, kernelRoot.load(index))
	}
	d.kernel.lock.Release()

	d.lock.Acquire()
	root := d.table(d.root)
	for i, pte := range entries {
		root.store(first+uintptr(i), pte)
	}
	d.lock.Release()
}

func (d *pageDirectory) IsKernel() bool { return d.kernel == nil }

func (d *pageDirectory) Root() mm.Frame { return d.root }

func (d *pageDirectory) Arch() Arch { return d.arch }

func (d *pageDirectory) IsKernelAddress(virtAddr uintptr) bool {
	return virtAddr >= d.layout.kernelBase
}

// checkDomain rejects addresses that belong to the other half of the
// address space.
func (d *pageDirectory) checkDomain(virtAddr uintptr) error {
	switch kernelAddr := d.IsKernelAddress(virtAddr); {
	case d.IsKernel() && !kernelAddr:
		log.Warnf("Tried mapping user address 0x%x in kernel directory", virtAddr)
		return errUserAddrInKernelDir
	case !d.IsKernel() && kernelAddr:
		log.Warnf("Tried mapping kernel address 0x%x in user directory", virtAddr)
		return errKernelAddrInUserDir
	}
	return nil
}

func (d *pageDirectory) mapPage(page mm.Page, frame mm.Frame, prot mm.Prot) error {
	virtAddr := page.Address()
	if err := d.checkDomain(virtAddr); err != nil {
		return err
	}

	if !prot.Contains(mm.ProtRead) && !prot.Contains(mm.ProtWrite) && !prot.Contains(mm.ProtExec) {
		return errNoProtection
	}

	d.lock.Acquire()
	defer d.lock.Release()

	if d.destroyed {
		return errDirectoryDestroyed
	}

	var (
		tableFrame = d.root
		lastLevel  = d.layout.levels() - 1
		user       = !d.IsKernel()
	)

	for level := 0; level < lastLevel; level++ {
		tbl := d.table(tableFrame)
		index := d.layout.index(virtAddr, level)
		pte := tbl.load(index)

		// Next table does not yet exist; we need to allocate a
		// physical frame for it and clear its contents.
		if !pte.HasFlags(FlagPresent) {
			next, err := d.allocTable()
			if err != nil {
				return err
			}

			pte = 0
			pte.SetFrame(next, d.layout.physMask)
			pte.SetFlags(FlagPresent | FlagRW)
			if user {
				pte.SetFlags(FlagUserAccessible)
			}
			tbl.store(index, pte)
			d.occupancy[tableFrame]++
		}

		tableFrame = pte.Frame(d.layout.physMask)
	}

	tbl := d.table(tableFrame)
	index := d.layout.index(virtAddr, lastLevel)
	if !tbl.load(index).HasFlags(FlagPresent) {
		d.occupancy[tableFrame]++
	}

	var pte pageTableEntry
	pte.SetFrame(frame, d.layout.physMask)
	pte.SetFlags(d.layout.leafFlags(prot, user))
	tbl.store(index, pte)
	flushTLBEntryFn(virtAddr)

	return nil
}

func (d *pageDirectory) unmapPage(page mm.Page) error {
	virtAddr := page.Address()
	if err := d.checkDomain(virtAddr); err != nil {
		return err
	}

	d.lock.Acquire()
	defer d.lock.Release()

	if d.destroyed {
		return errDirectoryDestroyed
	}

	type step struct {
		table mm.Frame
		index uintptr
	}

	var (
		path      = make([]step, 0, d.layout.levels())
		lastLevel = d.layout.levels() - 1
		found     bool
	)

	d.walk(virtAddr, func(level int, tableFrame mm.Frame, index uintptr, pte pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			return false
		}

		path = append(path, step{tableFrame, index})
		found = level == lastLevel
		return true
	})

	if !found {
		return ErrInvalidMapping
	}

	// Clear the leaf entry and tear down every table that became empty,
	// stopping at the root.
	for level := lastLevel; level >= 0; level-- {
		s := path[level]
		d.table(s.table).store(s.index, 0)
		d.occupancy[s.table]--

		if level == 0 || d.occupancy[s.table] != 0 {
			break
		}

		d.freeTable(s.table)
	}

	flushTLBEntryFn(virtAddr)
	return nil
}

func (d *pageDirectory) lookup(virtAddr uintptr) (Mapping, error) {
	if d.IsKernelAddress(virtAddr) && !d.IsKernel() {
		return d.kernel.lookup(virtAddr)
	}

	d.lock.Acquire()
	defer d.lock.Release()

	if d.destroyed {
		return Mapping{}, errDirectoryDestroyed
	}

	var (
		leaf      pageTableEntry
		found     bool
		lastLevel = d.layout.levels() - 1
	)

	d.walk(virtAddr, func(level int, _ mm.Frame, _ uintptr, pte pageTableEntry) bool {
		if level == lastLevel && pte.HasFlags(FlagPresent) {
			leaf, found = pte, true
		}
		return true
	})

	if !found {
		return Mapping{}, ErrInvalidMapping
	}

	return Mapping{
		Frame: leaf.Frame(d.layout.physMask),
		Prot:  d.layout.leafProt(leaf),
		User:  leaf.HasFlags(FlagUserAccessible),
	}, nil
}

func (d *pageDirectory) physicalAddress(virtAddr uintptr) (uintptr, error) {
	m, err := d.lookup(virtAddr)
	if err != nil {
		return 0, err
	}
	return m.Frame.Address() + (virtAddr & (mm.PageSize - 1)), nil
}

func (d *pageDirectory) isMapped(virtAddr uintptr, wantWrite bool) bool {
	m, err := d.lookup(virtAddr)
	if err != nil {
		return false
	}
	return !wantWrite || m.Prot.Has(mm.ProtWrite)
}

func (d *pageDirectory) activate() {
	if !d.IsKernel() {
		d.syncKernelEntries()
	}
	switchPDTFn(d.root.Address())
}

func (d *pageDirectory) isActive() bool {
	return activePDTFn() == d.root.Address()
}

func (d *pageDirectory) tablePages() uintptr {
	d.lock.Acquire()
	defer d.lock.Release()
	return uintptr(len(d.occupancy))
}

func (d *pageDirectory) destroy() error {
	if d.IsKernel() {
		panicFn(errDestroyKernelDir)
		return errDestroyKernelDir
	}

	d.lock.Acquire()
	defer d.lock.Release()

	if d.destroyed {
		return nil
	}

	// Only the user half of the root table references tables owned by
	// this directory.
	root := d.table(d.root)
	for index := uintptr(0); index < d.layout.kernelRootIndex(); index++ {
		if pte := root.load(index); pte.HasFlags(FlagPresent) {
			d.releaseSubtree(pte.Frame(d.layout.physMask), 1)
		}
	}

	d.freeTable(d.root)
	d.destroyed = true
	return nil
}

// releaseSubtree frees the table at tableFrame and every table below it.
// Frames referenced by last-level entries belong to memory objects and are
// left alone.
func (d *pageDirectory) releaseSubtree(tableFrame mm.Frame, level int) {
	if level < d.layout.levels()-1 {
		tbl := d.table(tableFrame)
		for index := uintptr(0); index < d.layout.entriesPerTable(); index++ {
			if pte := tbl.load(index); pte.HasFlags(FlagPresent) {
				d.releaseSubtree(pte.Frame(d.layout.physMask), level+1)
			}
		}
	}
	d.freeTable(tableFrame)
}
