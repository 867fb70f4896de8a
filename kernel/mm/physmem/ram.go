// Package physmem provides the simulated physical memory that backs every
// frame handed out by the physical allocator. Frame N occupies the bytes
// [N*PageSize, (N+1)*PageSize) of the arena.
package physmem

import (
	"kmem/kernel"
	"kmem/kernel/mm"
)

var (
	errFrameOutOfRange = &kernel.Error{Module: "physmem", Message: "frame is outside of physical memory", Kind: kernel.KindInvalidArgument}
	errEmptyRAM        = &kernel.Error{Module: "physmem", Message: "physical memory size must be at least one page", Kind: kernel.KindInvalidArgument}
)

// RAM is a contiguous arena of simulated physical memory.
type RAM struct {
	data      []byte
	numFrames mm.Frame
	release   func([]byte) error
}

// New allocates an arena large enough to hold numFrames page frames.
func New(numFrames uintptr) (*RAM, error) {
	if numFrames == 0 {
		return nil, errEmptyRAM
	}

	data, release, err := allocArena(int(numFrames << mm.PageShift))
	if err != nil {
		return nil, err
	}

	return &RAM{data: data, numFrames: mm.Frame(numFrames), release: release}, nil
}

// NumFrames returns the number of frames in the arena.
func (r *RAM) NumFrames() uintptr {
	return uintptr(r.numFrames)
}

// Size returns the arena size in bytes.
func (r *RAM) Size() uintptr {
	return uintptr(len(r.data))
}

// Contains returns true if frame is backed by the arena.
func (r *RAM) Contains(frame mm.Frame) bool {
	return frame < r.numFrames
}

// Frame returns a byte view of the supplied frame.
func (r *RAM) Frame(frame mm.Frame) ([]byte, error) {
	return r.Frames(frame, 1)
}

// Frames returns a byte view of count consecutive frames starting at frame.
func (r *RAM) Frames(frame mm.Frame, count uintptr) ([]byte, error) {
	if frame >= r.numFrames || count > uintptr(r.numFrames-frame) {
		return nil, errFrameOutOfRange
	}

	start := frame.Address()
	return r.data[start : start+count<<mm.PageShift : start+count<<mm.PageShift], nil
}

// Zero clears the contents of frame.
func (r *RAM) Zero(frame mm.Frame) error {
	buf, err := r.Frame(frame)
	if err != nil {
		return err
	}

	kernel.Memset(buf, 0)
	return nil
}

// CopyFrame copies the contents of src into dst.
func (r *RAM) CopyFrame(dst, src mm.Frame) error {
	srcBuf, err := r.Frame(src)
	if err != nil {
		return err
	}

	dstBuf, err := r.Frame(dst)
	if err != nil {
		return err
	}

	kernel.Memcopy(srcBuf, dstBuf)
	return nil
}

// Close releases the arena. The RAM must not be used afterwards.
func (r *RAM) Close() error {
	if r.data == nil {
		return nil
	}

	data := r.data
	r.data, r.numFrames = nil, 0
	return r.release(data)
}
