package pmm

import (
	"testing"

	"kmem/kernel"
	"kmem/kernel/mm"

	"github.com/stretchr/testify/require"
)

// newTestAllocator returns an allocator with frame 0 reserved, 15 usable
// pages in [1, 16) and a reserved hole in [16, 32).
func newTestAllocator() *Allocator {
	return NewAllocator(newTestTable(32), []*Region{
		NewRegion(0, 1, true),
		NewRegion(1, 15, false),
		NewRegion(16, 16, true),
	})
}

func TestAllocatorRefCounting(t *testing.T) {
	alloc := newTestAllocator()

	frame, err := alloc.AllocPage()
	require.NoError(t, err)
	require.Equal(t, mm.Frame(1), frame)
	require.Equal(t, int32(1), alloc.RefCount(frame))
	require.Equal(t, uintptr(14), alloc.Stats().FreePages)

	require.NoError(t, alloc.Ref(frame))
	require.Equal(t, int32(2), alloc.RefCount(frame))

	require.NoError(t, alloc.Unref(frame))
	require.Equal(t, int32(1), alloc.RefCount(frame))
	require.False(t, alloc.Table().Frame(frame).IsFree())

	require.NoError(t, alloc.FreeFrame(frame))
	require.True(t, alloc.Table().Frame(frame).IsFree())
	require.Equal(t, uintptr(15), alloc.Stats().FreePages)

	// Dropping a reference to the head of a free block is rejected.
	require.Equal(t, errFrameNotInUse, alloc.Unref(frame))
	require.Equal(t, errFrameNotInUse, alloc.Ref(frame))
}

func TestAllocatorMergedFreePages(t *testing.T) {
	alloc := newTestAllocator()

	first, err := alloc.AllocPage()
	require.NoError(t, err)
	second, err := alloc.AllocPage()
	require.NoError(t, err)
	require.Equal(t, mm.Frame(2), second)

	// Both pages merge back into the region's first 8 page block; the
	// absorbed buddy is no longer the head of any freelist.
	require.NoError(t, alloc.Unref(first))
	require.NoError(t, alloc.Unref(second))

	for frame := mm.Frame(1); frame < 16; frame++ {
		if !alloc.Table().Frame(frame).IsFree() {
			t.Errorf("expected frame %d to be free", frame)
		}
	}

	specs := []struct {
		descr string
		frame mm.Frame
	}{
		{"merged buddy", second},
		{"interior page", 5},
		{"never allocated", 3},
	}

	for _, spec := range specs {
		t.Run(spec.descr, func(t *testing.T) {
			require.Equal(t, errFrameNotInUse, alloc.Unref(spec.frame))
			require.Equal(t, errFrameNotInUse, alloc.Ref(spec.frame))
			require.Equal(t, errFrameNotInUse, alloc.ReservePage(spec.frame))
			require.Zero(t, alloc.RefCount(spec.frame))
			require.False(t, alloc.IsReserved(spec.frame))
		})
	}

	require.Equal(t, uintptr(15), alloc.Stats().FreePages)
}

func TestAllocatorDoubleUnref(t *testing.T) {
	alloc := newTestAllocator()

	frame, err := alloc.AllocPage()
	require.NoError(t, err)
	require.NoError(t, alloc.ReservePage(frame))

	require.NoError(t, alloc.Unref(frame))
	require.NoError(t, alloc.Unref(frame))

	// The reserved page stays allocated but has no references left.
	require.Equal(t, errFrameNotInUse, alloc.Unref(frame))
	require.Zero(t, alloc.Table().Frame(frame).RefCount())

	frame, err = alloc.AllocPage()
	require.NoError(t, err)
	require.NoError(t, alloc.Unref(frame))
	require.Equal(t, errFrameNotInUse, alloc.Unref(frame))
	require.Zero(t, alloc.Table().Frame(frame).RefCount())
	require.Equal(t, uintptr(14), alloc.Stats().FreePages)
}

func TestAllocatorUntrackedFrames(t *testing.T) {
	alloc := newTestAllocator()

	// Frames past the end of the table belong to device memory.
	require.NoError(t, alloc.Ref(0x1000))
	require.NoError(t, alloc.Unref(0x1000))
	require.NoError(t, alloc.ReservePage(0x1000))
	require.Zero(t, alloc.RefCount(0x1000))
	require.Equal(t, errUnknownFrame, alloc.FreePage(0x1000))
}

func TestAllocatorFreeReferencedPage(t *testing.T) {
	defer func(orig func(interface{})) {
		panicFn = orig
	}(panicFn)

	var panicErr interface{}
	panicFn = func(e interface{}) {
		panicErr = e
	}

	alloc := newTestAllocator()
	frame, err := alloc.AllocPage()
	require.NoError(t, err)

	require.Equal(t, errFreeReferenced, alloc.FreePage(frame))
	require.Equal(t, errFreeReferenced, panicErr)
	require.Equal(t, kernel.KindInvalidArgument, kernel.KindOf(errFreeReferenced))

	// The page must not have been returned to its region.
	require.False(t, alloc.Table().Frame(frame).IsFree())
	require.Equal(t, uintptr(14), alloc.Stats().FreePages)
}

func TestAllocatorAllocPagesRollback(t *testing.T) {
	alloc := newTestAllocator()

	frames, err := alloc.AllocPages(4)
	require.NoError(t, err)
	require.Len(t, frames, 4)

	_, err = alloc.AllocPages(12)
	require.Equal(t, kernel.KindOutOfMemory, kernel.KindOf(err))
	require.Equal(t, uintptr(11), alloc.Stats().FreePages)

	for _, frame := range frames {
		require.NoError(t, alloc.Unref(frame))
	}
	require.Equal(t, uintptr(15), alloc.Stats().FreePages)
}

func TestAllocatorAllocContiguous(t *testing.T) {
	alloc := newTestAllocator()

	first, err := alloc.AllocContiguous(3)
	require.NoError(t, err)
	require.Equal(t, mm.Frame(1), first)

	// Only the requested pages stay allocated; the tail of the
	// power-of-two block is returned immediately.
	require.Equal(t, uintptr(12), alloc.Stats().FreePages)
	for i := mm.Frame(0); i < 3; i++ {
		require.Equal(t, int32(1), alloc.RefCount(first+i))
	}

	for i := mm.Frame(0); i < 3; i++ {
		require.NoError(t, alloc.Unref(first+i))
	}
	require.Equal(t, uintptr(15), alloc.Stats().FreePages)

	// All pages merged back; an 8 page block is available again.
	big, err := alloc.AllocContiguous(8)
	require.NoError(t, err)
	require.Equal(t, mm.Frame(1), big)

	_, err = alloc.AllocContiguous(0)
	require.Equal(t, errBadContiguousSz, err)
	_, err = alloc.AllocContiguous(1<<MaxOrder + 1)
	require.Equal(t, errBadContiguousSz, err)
	_, err = alloc.AllocContiguous(8)
	require.Equal(t, errOutOfMemory, err)
}

func TestAllocatorReservePage(t *testing.T) {
	alloc := newTestAllocator()

	frame, err := alloc.AllocPage()
	require.NoError(t, err)

	require.NoError(t, alloc.ReservePage(frame))
	require.True(t, alloc.IsReserved(frame))
	require.Equal(t, int32(2), alloc.RefCount(frame))

	require.NoError(t, alloc.Unref(frame))
	require.NoError(t, alloc.Unref(frame))

	// Reserved pages are never handed back.
	require.False(t, alloc.Table().Frame(frame).IsFree())
	require.Equal(t, uintptr(14), alloc.Stats().FreePages)

	// Frames inside reserved regions are reported as reserved.
	require.True(t, alloc.IsReserved(20))
	require.False(t, alloc.IsReserved(5))
}

func TestAllocatorExhaustion(t *testing.T) {
	alloc := newTestAllocator()

	seen := make(map[mm.Frame]bool)
	for i := 0; i < 15; i++ {
		frame, err := alloc.AllocFrame()
		require.NoError(t, err)
		require.False(t, seen[frame], "frame %d allocated twice", frame)
		require.True(t, frame >= 1 && frame < 16)
		seen[frame] = true
	}

	_, err := alloc.AllocFrame()
	require.Equal(t, errOutOfMemory, err)

	stats := alloc.Stats()
	require.Equal(t, uintptr(15), stats.TotalPages)
	require.Equal(t, uintptr(15), stats.UsedPages())
	require.Equal(t, uintptr(17), stats.ReservedPages)
}

var _ mm.FrameAllocator = (*Allocator)(nil)
