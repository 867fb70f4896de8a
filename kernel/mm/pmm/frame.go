package pmm

import (
	"sync/atomic"
	"unsafe"

	"kmem/kernel/mm"
)

// frameState tags the variant of a PageFrame descriptor.
type frameState uint32

const (
	// stateFree: the descriptor holds freelist links.
	stateFree frameState = iota

	// stateAllocated: the descriptor holds a reference count.
	stateAllocated

	// stateReserved: allocated and never returned to the allocator, even
	// when the reference count drops to zero.
	stateReserved
)

// noLink terminates a zone freelist.
const noLink = ^uint32(0)

// PageFrame is the descriptor of a single physical page. A descriptor is
// either Allocated{refCount, reserved} or Free{next, prev}; the payload of
// the inactive variant is meaningless and is only accessed through the
// accessors below, which check the tag.
type PageFrame struct {
	refCount atomic.Int32
	state    frameState

	// Freelist links, stored as absolute frame numbers.
	next, prev uint32
}

// DescriptorSize is the number of bytes occupied by each PageFrame.
const DescriptorSize = unsafe.Sizeof(PageFrame{})

// IsFree returns true if the frame is linked into a zone freelist.
func (f *PageFrame) IsFree() bool {
	return f.state == stateFree
}

// IsReserved returns true if the frame is allocated and must never be
// returned to the allocator.
func (f *PageFrame) IsReserved() bool {
	return f.state == stateReserved
}

// RefCount returns the current reference count of an allocated frame.
func (f *PageFrame) RefCount() int32 {
	return f.refCount.Load()
}

// Ref atomically increments the reference count and returns the new value.
func (f *PageFrame) Ref() int32 {
	return f.refCount.Add(1)
}

// Unref atomically decrements the reference count and returns the new value.
func (f *PageFrame) Unref() int32 {
	return f.refCount.Add(-1)
}

// tryUnref decrements the reference count unless it is already zero. It
// returns the new count and false if there was no reference to drop.
func (f *PageFrame) tryUnref() (int32, bool) {
	for {
		count := f.refCount.Load()
		if count <= 0 {
			return count, false
		}
		if f.refCount.CompareAndSwap(count, count-1) {
			return count - 1, true
		}
	}
}

func (f *PageFrame) setAllocated(refCount int32, reserved bool) {
	f.state = stateAllocated
	if reserved {
		f.state = stateReserved
	}
	f.next, f.prev = noLink, noLink
	f.refCount.Store(refCount)
}

func (f *PageFrame) setFree(next, prev uint32) {
	f.refCount.Store(0)
	f.state = stateFree
	f.next, f.prev = next, prev
}

// FrameTable is the arena of page frame descriptors, indexed by frame
// number. Its backing store is a physically contiguous run of pages.
type FrameTable struct {
	frames []PageFrame
}

// FrameTablePages returns the number of pages needed to hold descriptors
// for numFrames frames.
func FrameTablePages(numFrames uintptr) uintptr {
	return mm.PageCount(numFrames * DescriptorSize)
}

// NewFrameTable overlays a descriptor table for numFrames frames on top of
// buf and clears it. All descriptors start out as allocated with a zero
// reference count so that pages of reserved regions are never seen as free.
// Buddy zones tag their pages free when initialized.
func NewFrameTable(buf []byte, numFrames uintptr) *FrameTable {
	if numFrames == 0 {
		return &FrameTable{}
	}

	if uintptr(len(buf)) < numFrames*DescriptorSize {
		panic("pmm: frame table buffer too small")
	}

	frames := unsafe.Slice((*PageFrame)(unsafe.Pointer(&buf[0])), numFrames)
	for i := range frames {
		frames[i].setAllocated(0, false)
	}

	return &FrameTable{frames: frames}
}

// Len returns the number of descriptors in the table.
func (t *FrameTable) Len() uintptr {
	return uintptr(len(t.frames))
}

// Contains returns true if the table has a descriptor for frame.
func (t *FrameTable) Contains(frame mm.Frame) bool {
	return uintptr(frame) < uintptr(len(t.frames))
}

// Frame returns the descriptor for frame. It panics if the frame is not
// covered by the table.
func (t *FrameTable) Frame(frame mm.Frame) *PageFrame {
	return &t.frames[frame]
}

// markReserved turns an allocated descriptor into a reserved one.
func (f *PageFrame) markReserved() {
	f.state = stateReserved
}
