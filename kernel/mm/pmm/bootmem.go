package pmm

import (
	"kmem/kernel"
	"kmem/kernel/hal/multiboot"
	"kmem/kernel/kfmt"
	"kmem/kernel/mm"
)

var errNoRoomForFrameTable = &kernel.Error{Module: "boot_mem_alloc", Message: "no usable region can hold the page frame table", Kind: kernel.KindOutOfMemory}

// BootRegions converts the memory map reported by the bootloader into a
// list of regions. Available entries are trimmed to whole pages; the pages
// occupied by the kernel image [kernelStart, kernelEnd) are split off into
// a reserved region so they are never handed out. Frame 0 is always
// reserved since a zero frame number denotes a non-resident page.
func BootRegions(entries []multiboot.MemoryMapEntry, kernelStart, kernelEnd uintptr) []*Region {
	kernelStartFrame := mm.FrameFromAddress(kernelStart)
	kernelEndFrame := mm.FrameFromAddress(kernelEnd + mm.PageSize - 1)

	var regions []*Region
	for _, entry := range entries {
		if entry.Length == 0 {
			continue
		}

		if entry.Type != multiboot.MemAvailable {
			start := mm.FrameFromAddress(uintptr(entry.PhysAddress))
			end := mm.FrameFromAddress(uintptr(entry.PhysAddress+entry.Length) + mm.PageSize - 1)
			regions = append(regions, NewRegion(start, uintptr(end-start), true))
			continue
		}

		// Reported addresses may not be page-aligned; round up to get
		// the start frame and round down to get the end frame.
		start := mm.FrameFromAddress(uintptr(entry.PhysAddress) + mm.PageSize - 1)
		end := mm.FrameFromAddress(uintptr(entry.PhysAddress + entry.Length))
		if end <= start {
			continue
		}

		if start == 0 {
			regions = append(regions, NewRegion(0, 1, true))
			start = 1
		}

		regions = appendSplit(regions, start, end, kernelStartFrame, kernelEndFrame)
	}

	return regions
}

// appendSplit appends the usable span [start, end) to regions, carving the
// overlap with [holeStart, holeEnd) out as a reserved region.
func appendSplit(regions []*Region, start, end, holeStart, holeEnd mm.Frame) []*Region {
	if holeEnd <= start || holeStart >= end || holeStart == holeEnd {
		if end > start {
			regions = append(regions, NewRegion(start, uintptr(end-start), false))
		}
		return regions
	}

	if holeStart > start {
		regions = append(regions, NewRegion(start, uintptr(holeStart-start), false))
	} else {
		holeStart = start
	}

	if holeEnd > end {
		holeEnd = end
	}
	regions = append(regions, NewRegion(holeStart, uintptr(holeEnd-holeStart), true))

	if holeEnd < end {
		regions = append(regions, NewRegion(holeEnd, uintptr(end-holeEnd), false))
	}
	return regions
}

// HighestUsableFrame returns the first frame past the end of the highest
// usable region, i.e. the number of descriptors the frame table needs.
func HighestUsableFrame(regions []*Region) mm.Frame {
	var highest mm.Frame
	for _, r := range regions {
		if r.Reserved() {
			continue
		}
		if end := r.StartFrame() + mm.Frame(r.NumPages()); end > highest {
			highest = end
		}
	}
	return highest
}

// CarveFrameTable reserves a physically contiguous run of pages large
// enough to hold descriptors for numFrames frames. The run is taken from
// the start of the first usable region that can hold it and is turned into
// a reserved region so it stays resident. It returns the first frame of the
// run, its length in pages, and the updated region list.
func CarveFrameTable(regions []*Region, numFrames uintptr) (mm.Frame, uintptr, []*Region, error) {
	pages := FrameTablePages(numFrames)

	for i, r := range regions {
		if r.Reserved() || r.NumPages() < pages {
			continue
		}

		carved := []*Region{NewRegion(r.StartFrame(), pages, true)}
		if rest := r.NumPages() - pages; rest > 0 {
			carved = append(carved, NewRegion(r.StartFrame()+mm.Frame(pages), rest, false))
		}

		out := make([]*Region, 0, len(regions)+1)
		out = append(out, regions[:i]...)
		out = append(out, carved...)
		out = append(out, regions[i+1:]...)
		return r.StartFrame(), pages, out, nil
	}

	return mm.InvalidFrame, 0, regions, errNoRoomForFrameTable
}

// PrintMemoryMap prints the system memory map reported by the bootloader
// followed by the location of the kernel image.
func PrintMemoryMap(entries []multiboot.MemoryMapEntry, kernelStart, kernelEnd uintptr) {
	kfmt.Printf("[boot_mem_alloc] system memory map:\n")
	var totalFree mm.Size
	for _, region := range entries {
		kfmt.Printf("\t[0x%10x - 0x%10x], size: %10d, type: %s\n", region.PhysAddress, region.PhysAddress+region.Length, region.Length, region.Type.String())

		if region.Type == multiboot.MemAvailable {
			totalFree += mm.Size(region.Length)
		}
	}
	kfmt.Printf("[boot_mem_alloc] available memory: %dKb\n", totalFree/mm.Kb)
	kfmt.Printf("[boot_mem_alloc] kernel loaded at 0x%x - 0x%x\n", kernelStart, kernelEnd)
	kfmt.Printf("[boot_mem_alloc] size: %d bytes, reserved pages: %d\n",
		uint64(kernelEnd-kernelStart),
		uint64(mm.PageCount(kernelEnd-kernelStart)),
	)
}
