// Package vmm implements the hardware page table drivers. Page tables live
// in physical frames handed out by a frame allocator and are accessed
// through the physical memory arena.
package vmm

import (
	"strings"

	"kmem/kernel"
	"kmem/kernel/mm"
	"kmem/kernel/mm/physmem"
)

var (
	errUnknownArch      = &kernel.Error{Module: "vmm", Message: "unsupported page table format", Kind: kernel.KindInvalidArgument}
	errNotKernelDir     = &kernel.Error{Module: "vmm", Message: "user directories can only be derived from the kernel page directory", Kind: kernel.KindInvalidArgument}
	errUnknownDirectory = &kernel.Error{Module: "vmm", Message: "unknown page directory implementation", Kind: kernel.KindInvalidArgument}
)

// ParseArch converts an architecture name into an Arch.
func ParseArch(name string) (Arch, error) {
	switch strings.ToLower(name) {
	case "i386", "x86", "386":
		return ArchI386, nil
	case "amd64", "x86_64", "x86-64":
		return ArchAMD64, nil
	default:
		return 0, errUnknownArch
	}
}

// HigherHalf returns the first kernel virtual address for arch.
func HigherHalf(arch Arch) uintptr {
	if arch == ArchI386 {
		return HigherHalf32
	}
	return HigherHalf64
}

// AddressLimit returns the last virtual address representable by arch.
func AddressLimit(arch Arch) uintptr {
	if arch == ArchI386 {
		return uintptr(addrLimit32 - 1)
	}
	return ^uintptr(0)
}

// UserLimit returns the first address past the user half of arch.
func UserLimit(arch Arch) uintptr {
	if arch == ArchI386 {
		return HigherHalf32
	}
	return userLimit64
}

// NewKernelDirectory allocates the kernel page directory for arch.
func NewKernelDirectory(arch Arch, ram *physmem.RAM, alloc mm.FrameAllocator) (PageDirectory, error) {
	switch arch {
	case ArchI386:
		return NewKernelDirectory32(ram, alloc)
	case ArchAMD64:
		return NewKernelDirectory64(ram, alloc)
	default:
		return nil, errUnknownArch
	}
}

// NewUserDirectory creates a user page directory sharing the kernel half of
// kernelDir.
func NewUserDirectory(kernelDir PageDirectory) (PageDirectory, error) {
	if !kernelDir.IsKernel() {
		return nil, errNotKernelDir
	}

	switch d := kernelDir.(type) {
	case *Directory32:
		return d.NewUserDirectory()
	case *Directory64:
		return d.NewUserDirectory()
	default:
		return nil, errUnknownDirectory
	}
}
