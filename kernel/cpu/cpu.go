// Package cpu models the processor state that the memory manager touches: the
// register holding the root of the active page table hierarchy, the TLB and
// the halt instruction. The kernel runs hosted, so these are kept in memory
// instead of being backed by privileged instructions.
package cpu

import (
	"sync"
	"sync/atomic"
)

// ErrHalted is the value that Halt panics with so that the halted goroutine
// never resumes execution.
var ErrHalted = haltError{}

type haltError struct{}

func (haltError) Error() string { return "cpu halted" }

var (
	// pdtRoot holds the physical address of the active page directory.
	pdtRoot atomic.Uintptr

	tlbMu sync.Mutex

	// tlbFlushes counts TLB invalidations per virtual page address.
	tlbFlushes = map[uintptr]uint64{}

	// tlbFullFlushes counts full TLB flushes triggered by SwitchPDT.
	tlbFullFlushes atomic.Uint64
)

// Halt stops instruction execution on the calling goroutine.
func Halt() {
	panic(ErrHalted)
}

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr) {
	tlbMu.Lock()
	tlbFlushes[virtAddr]++
	tlbMu.Unlock()
}

// SwitchPDT sets the root page table directory to point to the specified
// physical address and flushes the TLB.
func SwitchPDT(pdtPhysAddr uintptr) {
	pdtRoot.Store(pdtPhysAddr)
	tlbFullFlushes.Add(1)
}

// ActivePDT returns the physical address of the currently active page table.
func ActivePDT() uintptr {
	return pdtRoot.Load()
}

// TLBFlushCount returns the number of times the TLB entry for virtAddr was
// invalidated.
func TLBFlushCount(virtAddr uintptr) uint64 {
	tlbMu.Lock()
	defer tlbMu.Unlock()
	return tlbFlushes[virtAddr]
}

// FullTLBFlushCount returns the number of full TLB flushes caused by page
// directory switches.
func FullTLBFlushCount() uint64 {
	return tlbFullFlushes.Load()
}
