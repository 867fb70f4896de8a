package pmm

import (
	"math/bits"

	"kmem/kernel"
	"kmem/kernel/mm"
)

// MaxOrder is the largest block order a zone can manage; zones hold at most
// 1 << MaxOrder pages.
const MaxOrder = 10

var (
	errZoneOutOfMemory = &kernel.Error{Module: "pmm", Message: "zone cannot satisfy the allocation", Kind: kernel.KindOutOfMemory}
	errZoneNotReady    = &kernel.Error{Module: "pmm", Message: "zone freelists are not initialized", Kind: kernel.KindInvalidArgument}
	errBadBlock        = &kernel.Error{Module: "pmm", Message: "block is outside of the zone or misaligned", Kind: kernel.KindInvalidArgument}
	errBlockNotInUse   = &kernel.Error{Module: "pmm", Message: "block contains pages that are already free", Kind: kernel.KindInvalidArgument}
)

// OrderFor returns the smallest order whose block size can hold n pages.
func OrderFor(n uintptr) uint8 {
	if n <= 1 {
		return 0
	}
	return uint8(bits.Len(uint(n - 1)))
}

// Zone is a buddy allocator managing a power-of-two run of page frames.
//
// For every order the zone keeps one bit per buddy pair; a clear bit means
// both buddies are in the same state and a set bit means one is free and the
// other allocated. Free blocks of each order are kept in a doubly linked
// freelist whose links live in the page frame descriptors of the blocks'
// first pages. Every page of a free block is tagged free; only the first
// page carries links. A zone is not safe for concurrent use; its owning Region
// serializes access.
type Zone struct {
	table      *FrameTable
	firstFrame mm.Frame
	order      uint8
	freePages  uintptr

	bitmaps   [MaxOrder + 1][]uint64
	freeHeads [MaxOrder + 1]uint32
}

// newZone creates a zone for 1<<order pages starting at firstFrame. The
// freelists become usable after init attaches the frame table.
func newZone(firstFrame mm.Frame, order uint8) *Zone {
	z := &Zone{
		firstFrame: firstFrame,
		order:      order,
	}

	numPages := uintptr(1) << order
	for o := uint8(0); o <= order; o++ {
		pairs := numPages >> (o + 1)
		if pairs == 0 {
			pairs = 1
		}
		z.bitmaps[o] = make([]uint64, (pairs+63)/64)
	}

	return z
}

// init resets the bitmaps and links the whole zone as a single top-order
// free block.
func (z *Zone) init(table *FrameTable) {
	z.table = table
	for o := range z.bitmaps {
		for i := range z.bitmaps[o] {
			z.bitmaps[o][i] = 0
		}
		z.freeHeads[o] = noLink
	}

	z.markFree(0, z.order)

	// The top order starts out as a single mixed pair whose only member
	// is free.
	z.freeHeads[z.order] = uint32(z.firstFrame)
	z.toggleBit(z.order, 0)
	z.freePages = z.NumPages()
}

// FirstFrame returns the first frame managed by the zone.
func (z *Zone) FirstFrame() mm.Frame { return z.firstFrame }

// NumPages returns the total number of pages managed by the zone.
func (z *Zone) NumPages() uintptr { return uintptr(1) << z.order }

// FreePages returns the number of free pages in the zone.
func (z *Zone) FreePages() uintptr { return z.freePages }

// Order returns the zone's top order.
func (z *Zone) Order() uint8 { return z.order }

// Contains returns true if frame belongs to the zone.
func (z *Zone) Contains(frame mm.Frame) bool {
	return frame >= z.firstFrame && uintptr(frame-z.firstFrame) < z.NumPages()
}

// FreelistLen returns the number of free blocks of the given order.
func (z *Zone) FreelistLen(order uint8) int {
	if order > z.order || z.table == nil {
		return 0
	}

	count := 0
	for link := z.freeHeads[order]; link != noLink; link = z.table.Frame(mm.Frame(link)).next {
		count++
	}
	return count
}

// AllocBlock allocates a block of at least n pages and returns its first
// frame.
func (z *Zone) AllocBlock(n uintptr) (mm.Frame, error) {
	if z.table == nil {
		return mm.InvalidFrame, errZoneNotReady
	}

	order := OrderFor(n)
	if order > z.order || z.freePages < uintptr(1)<<order {
		return mm.InvalidFrame, errZoneOutOfMemory
	}

	block, ok := z.alloc(order)
	if !ok {
		return mm.InvalidFrame, errZoneOutOfMemory
	}

	z.freePages -= uintptr(1) << order
	frame := z.firstFrame + mm.Frame(block)
	for i := uintptr(0); i < uintptr(1)<<order; i++ {
		z.table.Frame(frame+mm.Frame(i)).setAllocated(0, false)
	}
	return frame, nil
}

// FreeBlock returns a block of n pages starting at frame to the zone.
func (z *Zone) FreeBlock(frame mm.Frame, n uintptr) error {
	if z.table == nil {
		return errZoneNotReady
	}

	order := OrderFor(n)
	if !z.Contains(frame) || order > z.order {
		return errBadBlock
	}

	block := uintptr(frame - z.firstFrame)
	if block&((uintptr(1)<<order)-1) != 0 {
		return errBadBlock
	}

	for i := uintptr(0); i < uintptr(1)<<order; i++ {
		if z.table.Frame(frame + mm.Frame(i)).IsFree() {
			return errBlockNotInUse
		}
	}

	z.markFree(block, order)
	z.free(block, order)
	z.freePages += uintptr(1) << order
	return nil
}

// alloc returns the zone-relative index of a free block of the given order,
// splitting larger blocks as needed.
func (z *Zone) alloc(order uint8) (uintptr, bool) {
	if z.freeHeads[order] == noLink {
		if order == z.order {
			return 0, false
		}

		block, ok := z.alloc(order + 1)
		if !ok {
			return 0, false
		}

		// Split the block; the lower half is returned and the upper half
		// becomes the only free member of the pair.
		z.toggleBit(order, block)
		z.pushFree(order, block+(uintptr(1)<<order))
		return block, true
	}

	block := uintptr(z.freeHeads[order]) - uintptr(z.firstFrame)
	z.removeFree(order, block)
	z.toggleBit(order, block)
	return block, true
}

// free returns a block of the given order, merging it with its buddy while
// the buddy is also free.
func (z *Zone) free(block uintptr, order uint8) {
	if order < z.order && z.testBit(order, block) {
		// The buddy is free; take it off its freelist and release the
		// merged block one order up.
		z.toggleBit(order, block)
		z.removeFree(order, block^(uintptr(1)<<order))
		z.free(block&^((uintptr(2)<<order)-1), order+1)
		return
	}

	z.toggleBit(order, block)
	z.pushFree(order, block)
}

// markFree tags every page of a block as free without linking it.
func (z *Zone) markFree(block uintptr, order uint8) {
	frame := z.firstFrame + mm.Frame(block)
	for i := uintptr(0); i < uintptr(1)<<order; i++ {
		z.table.Frame(frame+mm.Frame(i)).setFree(noLink, noLink)
	}
}

func (z *Zone) bitIndex(order uint8, block uintptr) uintptr {
	return (block >> order) / 2
}

func (z *Zone) testBit(order uint8, block uintptr) bool {
	idx := z.bitIndex(order, block)
	return z.bitmaps[order][idx/64]&(1<<(idx%64)) != 0
}

func (z *Zone) toggleBit(order uint8, block uintptr) {
	idx := z.bitIndex(order, block)
	z.bitmaps[order][idx/64] ^= 1 << (idx % 64)
}

func (z *Zone) pushFree(order uint8, block uintptr) {
	frame := z.firstFrame + mm.Frame(block)
	head := z.freeHeads[order]

	z.table.Frame(frame).setFree(head, noLink)
	if head != noLink {
		z.table.Frame(mm.Frame(head)).prev = uint32(frame)
	}
	z.freeHeads[order] = uint32(frame)
}

func (z *Zone) removeFree(order uint8, block uintptr) {
	frame := z.table.Frame(z.firstFrame + mm.Frame(block))
	if frame.prev != noLink {
		z.table.Frame(mm.Frame(frame.prev)).next = frame.next
	} else {
		z.freeHeads[order] = frame.next
	}

	if frame.next != noLink {
		z.table.Frame(mm.Frame(frame.next)).prev = frame.prev
	}

	frame.next, frame.prev = noLink, noLink
}
