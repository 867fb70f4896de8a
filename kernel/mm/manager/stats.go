package manager

import (
	"io"

	"kmem/kernel/kfmt"
	"kmem/kernel/mm"
)

// Stats is a snapshot of memory usage.
type Stats struct {
	// UsableBytes is the size of all usable regions.
	UsableBytes uint64

	// FreeBytes is the size of the unallocated pages in usable regions.
	FreeBytes uint64

	// UsedBytes is the size of the allocated pages in usable regions.
	UsedBytes uint64

	// ReservedBytes is the size of all reserved regions, including the
	// kernel image and the page frame table.
	ReservedBytes uint64

	// KernelVirtualBytes is the size of the virtual ranges in use by the
	// kernel and kernel heap spaces.
	KernelVirtualBytes uint64

	// SharedObjects is the number of live shared memory objects.
	SharedObjects int
}

// Stats returns a snapshot of memory usage.
func (m *Manager) Stats() Stats {
	pages := m.alloc.Stats()
	return Stats{
		UsableBytes:        uint64(pages.TotalPages) << mm.PageShift,
		FreeBytes:          uint64(pages.FreePages) << mm.PageShift,
		UsedBytes:          uint64(pages.UsedPages()) << mm.PageShift,
		ReservedBytes:      uint64(pages.ReservedPages) << mm.PageShift,
		KernelVirtualBytes: uint64(m.kernelSpace.Used() + m.heapSpace.Used()),
		SharedObjects:      m.ctx.Shared.Len(),
	}
}

// WriteMeminfo renders the statistics in the style of /proc/meminfo.
func (m *Manager) WriteMeminfo(w io.Writer) {
	s := m.Stats()
	kfmt.Fprintf(w, "MemTotal:       %10d kB\n", mm.Size(s.UsableBytes)/mm.Kb)
	kfmt.Fprintf(w, "MemFree:        %10d kB\n", mm.Size(s.FreeBytes)/mm.Kb)
	kfmt.Fprintf(w, "MemUsed:        %10d kB\n", mm.Size(s.UsedBytes)/mm.Kb)
	kfmt.Fprintf(w, "Reserved:       %10d kB\n", mm.Size(s.ReservedBytes)/mm.Kb)
	kfmt.Fprintf(w, "KernelVirtual:  %10d kB\n", mm.Size(s.KernelVirtualBytes)/mm.Kb)
	kfmt.Fprintf(w, "ShmemObjects:   %10d\n", s.SharedObjects)
}
