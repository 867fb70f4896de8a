package vm

import (
	"testing"

	"kmem/kernel/kstd/arc"
	"kmem/kernel/mm"
	"kmem/kernel/mm/physmem"
	"kmem/kernel/mm/pmm"
	"kmem/kernel/mm/vmm"

	"github.com/stretchr/testify/require"
)

const (
	testFrames      = 512
	testDeviceFrame = mm.Frame(448)
	testUserBase    = uintptr(0x400000)
	testUserPages   = 64
)

type testEnv struct {
	ram       *physmem.RAM
	alloc     *pmm.Allocator
	ctx       *Context
	kernelDir vmm.PageDirectory
}

// newTestEnv boots a small machine: frame 0 and the frame table are
// reserved, frames [testDeviceFrame, testFrames) form a reserved device
// window and everything in between is usable.
func newTestEnv(t *testing.T) *testEnv {
	ram, err := physmem.New(testFrames)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ram.Close() })

	tablePages := pmm.FrameTablePages(testFrames)
	buf, err := ram.Frames(1, tablePages)
	require.NoError(t, err)

	firstUsable := mm.Frame(1 + tablePages)
	alloc := pmm.NewAllocator(pmm.NewFrameTable(buf, testFrames), []*pmm.Region{
		pmm.NewRegion(0, uintptr(firstUsable), true),
		pmm.NewRegion(firstUsable, uintptr(testDeviceFrame-firstUsable), false),
		pmm.NewRegion(testDeviceFrame, uintptr(testFrames-testDeviceFrame), true),
	})

	kernelDir, err := vmm.NewKernelDirectory(vmm.ArchAMD64, ram, alloc)
	require.NoError(t, err)

	return &testEnv{
		ram:       ram,
		alloc:     alloc,
		ctx:       NewContext(ram, alloc),
		kernelDir: kernelDir,
	}
}

func (e *testEnv) newUserSpace(t *testing.T) *Space {
	dir, err := vmm.NewUserDirectory(e.kernelDir)
	require.NoError(t, err)

	s, err := NewSpace(e.ctx, "user", mm.VirtualRange{Start: testUserBase, Size: testUserPages * mm.PageSize}, dir)
	require.NoError(t, err)
	return s
}

func (e *testEnv) newAnonymous(t *testing.T, pages uintptr, commit bool) arc.Arc[*Object] {
	obj, err := NewAnonymous(e.ctx, pages*mm.PageSize, "anon", commit)
	require.NoError(t, err)
	return obj
}

func (e *testEnv) pageBytes(t *testing.T, frame mm.Frame) []byte {
	buf, err := e.ram.Frame(frame)
	require.NoError(t, err)
	return buf
}

func (e *testEnv) userDirectory(t *testing.T) vmm.PageDirectory {
	dir, err := vmm.NewUserDirectory(e.kernelDir)
	require.NoError(t, err)
	return dir
}
