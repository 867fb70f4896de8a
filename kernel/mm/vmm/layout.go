package vmm

import (
	"unsafe"

	"kmem/kernel/mm"
)

// tableLayout describes the shape of a page table hierarchy.
type tableLayout struct {
	// levelShifts holds, for each level starting at the root, the shift
	// that extracts the level's table index from a virtual address.
	levelShifts []uint8

	// indexBits is the number of virtual address bits that index a table.
	indexBits uint8

	// entryShift is log2 of the entry size in bytes.
	entryShift uint8

	// physMask extracts the physical address bits of an entry.
	physMask uint64

	// kernelBase is the first virtual address of the kernel half.
	kernelBase uintptr

	// noExecute is set if entries support FlagNoExecute.
	noExecute bool
}

func (l *tableLayout) levels() int {
	return len(l.levelShifts)
}

func (l *tableLayout) entriesPerTable() uintptr {
	return 1 << l.indexBits
}

// index returns the table index for virtAddr at the given level.
func (l *tableLayout) index(virtAddr uintptr, level int) uintptr {
	return (virtAddr >> l.levelShifts[level]) & (l.entriesPerTable() - 1)
}

// kernelRootIndex returns the first root table index of the kernel half.
func (l *tableLayout) kernelRootIndex() uintptr {
	return l.index(l.kernelBase, 0)
}

// table is a view of a single page table stored in a physical frame.
type table struct {
	buf  []byte
	wide bool
}

func (l *tableLayout) view(buf []byte) table {
	return table{buf: buf, wide: l.entryShift == 3}
}

func (t table) load(index uintptr) pageTableEntry {
	if t.wide {
		return pageTableEntry(*(*uint64)(unsafe.Pointer(&t.buf[index<<3])))
	}
	return pageTableEntry(*(*uint32)(unsafe.Pointer(&t.buf[index<<2])))
}

func (t table) store(index uintptr, pte pageTableEntry) {
	if t.wide {
		*(*uint64)(unsafe.Pointer(&t.buf[index<<3])) = uint64(pte)
		return
	}
	*(*uint32)(unsafe.Pointer(&t.buf[index<<2])) = uint32(pte)
}

// leafFlags translates a protection mask into the flags of a last-level
// entry.
func (l *tableLayout) leafFlags(prot mm.Prot, user bool) PageTableEntryFlag {
	flags := FlagPresent
	if prot.Has(mm.ProtWrite) && !prot.Has(mm.ProtCoW) {
		flags |= FlagRW
	}
	if user {
		flags |= FlagUserAccessible
	}
	if l.noExecute && !prot.Has(mm.ProtExec) {
		flags |= FlagNoExecute
	}
	return flags
}

// leafProt is the inverse of leafFlags.
func (l *tableLayout) leafProt(pte pageTableEntry) mm.Prot {
	prot := mm.ProtRead
	if pte.HasFlags(FlagRW) {
		prot |= mm.ProtWrite
	}
	if !l.noExecute || !pte.HasFlags(FlagNoExecute) {
		prot |= mm.ProtExec
	}
	return prot
}
