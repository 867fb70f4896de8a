package vmm

import "kmem/kernel/mm"

// pageTableWalker is a function that can be passed to the walk method. The
// function receives the current page level, the frame of the table at that
// level, the entry index and the entry itself. If the function returns
// false, then the page walk is aborted.
type pageTableWalker func(level int, tableFrame mm.Frame, index uintptr, pte pageTableEntry) bool

// walk performs a page table walk for the given virtual address starting at
// the root table. It calls the supplied walkFn with the page table entry
// that corresponds to each page table level. The walk stops at the first
// entry that is not present or when walkFn returns false.
func (d *pageDirectory) walk(virtAddr uintptr, walkFn pageTableWalker) {
	tableFrame := d.root
	for level := 0; level < d.layout.levels(); level++ {
		index := d.layout.index(virtAddr, level)
		pte := d.table(tableFrame).load(index)

		if !walkFn(level, tableFrame, index, pte) || !pte.HasFlags(FlagPresent) {
			return
		}

		tableFrame = pte.Frame(d.layout.physMask)
	}
}
