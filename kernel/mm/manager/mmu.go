package manager

import (
	"kmem/kernel"
	"kmem/kernel/gate"
	"kmem/kernel/mm"
	"kmem/kernel/mm/vmm"
)

var (
	// dispatchFn is mocked by tests.
	dispatchFn = gate.Dispatch

	errNoFaultHandler    = &kernel.Error{Module: "mm", Message: "no page fault handler installed"}
	errUnresolvedFault   = &kernel.Error{Module: "mm", Message: "page fault could not be resolved", Kind: kernel.KindNoSuchMapping}
	errNoActiveDirectory = &kernel.Error{Module: "mm", Message: "no page directory covers the address", Kind: kernel.KindNoSuchMapping}
)

// Read copies len(buf) bytes starting at virtual address addr into buf,
// walking the page tables the way the MMU does. Accesses that miss raise
// a page fault through the gate and are retried once.
func (m *Manager) Read(addr uintptr, buf []byte, user bool) error {
	return m.access(addr, buf, false, user)
}

// Write copies data to virtual address addr; see Read.
func (m *Manager) Write(addr uintptr, data []byte, user bool) error {
	return m.access(addr, data, true, user)
}

func (m *Manager) access(addr uintptr, buf []byte, write, user bool) error {
	for len(buf) > 0 {
		offset := addr & (mm.PageSize - 1)
		n := mm.PageSize - offset
		if uintptr(len(buf)) < n {
			n = uintptr(len(buf))
		}

		frame, err := m.translate(addr, write, user)
		if err != nil {
			return err
		}

		page, err := m.ram.Frame(frame)
		if err != nil {
			return err
		}

		if write {
			copy(page[offset:], buf[:n])
		} else {
			copy(buf[:n], page[offset:])
		}

		addr += n
		buf = buf[n:]
	}
	return nil
}

func (m *Manager) directoryFor(addr uintptr) vmm.PageDirectory {
	if m.IsKernelAddress(addr) {
		return m.kernelDir
	}
	if s := m.CurrentSpace(); s != nil {
		return s.Directory()
	}
	return nil
}

// translate returns the frame backing addr for the requested access.
func (m *Manager) translate(addr uintptr, write, user bool) (mm.Frame, error) {
	for attempt := 0; ; attempt++ {
		dir := m.directoryFor(addr)
		if dir == nil {
			return mm.InvalidFrame, errNoActiveDirectory
		}

		mapping, err := dir.Lookup(addr)
		present := err == nil
		if present && (!write || mapping.Prot.Has(mm.ProtWrite)) && (!user || mapping.User) {
			return mapping.Frame, nil
		}

		if attempt > 0 {
			return mm.InvalidFrame, errUnresolvedFault
		}

		var code uint64
		if present {
			code |= gate.PageFaultPresent
		}
		if write {
			code |= gate.PageFaultWrite
		}
		if user {
			code |= gate.PageFaultUser
		}

		if !dispatchFn(gate.PageFaultException, &gate.Registers{Info: code, FaultAddr: uint64(addr)}) {
			return mm.InvalidFrame, errNoFaultHandler
		}
	}
}
