package manager

import (
	"strconv"

	"kmem/kernel"
	"kmem/kernel/gate"
	"kmem/kernel/kfmt"
	"kmem/kernel/mm"
	"kmem/kernel/mm/vm"
)

var (
	errUserKernelAccess  = &kernel.Error{Module: "mm", Message: "user mode access to a kernel address", Kind: kernel.KindPermissionDenied}
	errNoSpaceForAddress = &kernel.Error{Module: "mm", Message: "no address space covers the faulting address", Kind: kernel.KindNoSuchMapping}
)

// FaultError describes a page fault that could not be resolved.
type FaultError struct {
	Addr   uintptr
	Access mm.Access
	User   bool
	Reason string
	Err    error
}

// Error implements the error interface.
func (e *FaultError) Error() string {
	return "page fault at 0x" + strconv.FormatUint(uint64(e.Addr), 16) + " (" + e.Reason + "): " + e.Err.Error()
}

// Unwrap returns the error reported by the address space.
func (e *FaultError) Unwrap() error { return e.Err }

// Signal returns the signal that terminates a process hitting this fault.
func (e *FaultError) Signal() string {
	if kernel.KindOf(e.Err) == kernel.KindOutOfMemory {
		return "SIGBUS"
	}
	return "SIGSEGV"
}

// decodeFault extracts the access kind and privilege level from an x86
// page fault error code.
func decodeFault(code uint64) (mm.Access, bool) {
	access := mm.AccessRead
	switch {
	case code&gate.PageFaultInstructionFetch != 0:
		access = mm.AccessExec
	case code&gate.PageFaultWrite != 0:
		access = mm.AccessWrite
	}
	return access, code&gate.PageFaultUser != 0
}

func faultReason(code uint64) string {
	var reason string
	switch {
	case code&gate.PageFaultReservedBit != 0:
		reason = "page table has reserved bit set"
	case code&gate.PageFaultInstructionFetch != 0:
		reason = "instruction fetch"
	case code&(gate.PageFaultPresent|gate.PageFaultWrite) == 0:
		reason = "read from non-present page"
	case code&(gate.PageFaultPresent|gate.PageFaultWrite) == gate.PageFaultPresent:
		reason = "page protection violation (read)"
	case code&(gate.PageFaultPresent|gate.PageFaultWrite) == gate.PageFaultWrite:
		reason = "write to non-present page"
	default:
		reason = "page protection violation (write)"
	}

	if code&gate.PageFaultUser != 0 {
		reason += " in user-mode"
	}
	return reason
}

// spaceFor returns the space responsible for addr.
func (m *Manager) spaceFor(addr uintptr) *vm.Space {
	if !m.IsKernelAddress(addr) {
		return m.CurrentSpace()
	}

	for _, s := range []*vm.Space{m.kernelSpace, m.heapSpace} {
		if s.Range().Contains(addr) {
			return s
		}
	}
	return nil
}

// HandlePageFault resolves a fault at addr described by the x86 error
// code. Kernel addresses are resolved against the kernel spaces, user
// addresses against the current space. It returns a *FaultError if the
// fault cannot be resolved.
func (m *Manager) HandlePageFault(addr uintptr, code uint64) error {
	access, user := decodeFault(code)

	var err error
	switch space := m.spaceFor(addr); {
	case user && m.IsKernelAddress(addr):
		err = errUserKernelAccess
	case space == nil:
		err = errNoSpaceForAddress
	default:
		err = space.TryPageFault(addr, access)
	}

	if err == nil {
		return nil
	}
	return &FaultError{Addr: addr, Access: access, User: user, Reason: faultReason(code), Err: err}
}

// pageFaultHandler is installed as the page fault exception handler.
// Unresolved kernel faults halt the system; unresolved user faults are
// handed to the user fault handler.
func (m *Manager) pageFaultHandler(regs *gate.Registers) {
	addr := uintptr(regs.FaultAddr)
	err := m.HandlePageFault(addr, regs.Info)
	if err == nil {
		return
	}

	fault := err.(*FaultError)
	if !fault.User {
		nonRecoverablePageFault(addr, regs, fault)
		return
	}

	m.mu.RLock()
	fn := m.userFaultFn
	m.mu.RUnlock()

	if fn == nil {
		log.Warnf("unhandled user fault: %v", fault)
		return
	}
	fn(fault)
}

func nonRecoverablePageFault(faultAddress uintptr, regs *gate.Registers, err error) {
	kfmt.Printf("\nPage fault while accessing address: 0x%16x\nReason: %s\n", faultAddress, faultReason(regs.Info))
	kfmt.Printf("\nRegisters:\n")
	regs.DumpTo(kfmt.GetOutputSink())

	panicFn(err)
}
