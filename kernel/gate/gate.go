// Package gate implements the trap entry point used to route exceptions to
// the kernel subsystems that handle them.
package gate

import (
	"io"
	"sync"

	"kmem/kernel/kfmt"
)

// Registers contains a snapshot of the register values when an exception
// occurs.
type Registers struct {
	// Info contains the exception code for exceptions.
	Info uint64

	// FaultAddr holds the address that caused a page fault (CR2 on x86).
	FaultAddr uint64

	// The return frame.
	IP uint64
	SP uint64
}

// DumpTo outputs the register contents to w.
func (r *Registers) DumpTo(w io.Writer) {
	kfmt.Fprintf(w, "IP  = %016x SP  = %016x\n", r.IP, r.SP)
	kfmt.Fprintf(w, "CR2 = %016x ERR = %016x\n", r.FaultAddr, r.Info)
}

// InterruptNumber describes an x86 interrupt/exception/trap slot.
type InterruptNumber uint8

const (
	// DoubleFault occurs when an unhandled exception occurs or when an
	// exception occurs within a running exception handler.
	DoubleFault = InterruptNumber(8)

	// GPFException occurs when a general protection fault occurs.
	GPFException = InterruptNumber(13)

	// PageFaultException occurs when a page directory table (PDT) or one
	// of its entries is not present or when a privilege and/or RW
	// protection check fails.
	PageFaultException = InterruptNumber(14)
)

// Page fault error code bits reported in Registers.Info.
const (
	// PageFaultPresent is set when the fault was caused by a protection
	// violation and cleared when the page was not present.
	PageFaultPresent uint64 = 1 << iota

	// PageFaultWrite is set when the faulting access was a write.
	PageFaultWrite

	// PageFaultUser is set when the fault originated in user mode.
	PageFaultUser

	// PageFaultReservedBit is set when a page table entry had a reserved
	// bit set.
	PageFaultReservedBit

	// PageFaultInstructionFetch is set when the fault was caused by an
	// instruction fetch.
	PageFaultInstructionFetch
)

var (
	handlersMu sync.RWMutex
	handlers   [256]func(*Registers)
)

// HandleInterrupt ensures that the provided handler will be invoked when a
// particular interrupt number occurs. Passing a nil handler removes any
// previously installed handler.
func HandleInterrupt(intNumber InterruptNumber, handler func(*Registers)) {
	handlersMu.Lock()
	handlers[intNumber] = handler
	handlersMu.Unlock()
}

// Dispatch routes an incoming exception to its installed handler. It
// returns false if no handler is installed for intNumber.
func Dispatch(intNumber InterruptNumber, regs *Registers) bool {
	handlersMu.RLock()
	handler := handlers[intNumber]
	handlersMu.RUnlock()

	if handler == nil {
		return false
	}

	handler(regs)
	return true
}
