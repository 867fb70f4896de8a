package kmain

import (
	"github.com/pkg/errors"

	"kmem/kernel"
	"kmem/kernel/driver/tty"
	"kmem/kernel/hal/multiboot"
	"kmem/kernel/kfmt"
	"kmem/kernel/mm/manager"
)

const defaultArch = "amd64"

var (
	// panicFn is mocked by tests.
	panicFn = kfmt.Panic

	errNoTerminal = &kernel.Error{Module: "kmain", Message: "no terminal attached", Kind: kernel.KindInvalidArgument}
)

// Kmain boots the memory manager from the multiboot information block
// provided by the bootloader. The kernel image layout comes from the
// linker. Boot output goes to term.
//
// The kernel command line may carry "arch=i386|amd64" to select the page
// table format and "debug" to enable debug logging.
//
// A boot failure is unrecoverable: Kmain reports it through kfmt.Panic
// and returns the error.
func Kmain(term tty.Tty, multibootInfo []byte, image manager.KernelImage) (*manager.Manager, error) {
	if term == nil {
		panicFn(errNoTerminal)
		return nil, errNoTerminal
	}

	kfmt.SetOutputSink(term)
	term.Clear()
	kfmt.Printf("Starting kmem\n")

	m, err := boot(term, multibootInfo, image)
	if err != nil {
		panicFn(err)
		return nil, err
	}
	return m, nil
}

func boot(term tty.Tty, multibootInfo []byte, image manager.KernelImage) (*manager.Manager, error) {
	info, err := multiboot.NewInfo(multibootInfo)
	if err != nil {
		return nil, errors.Wrap(err, "kmain: parsing boot information")
	}

	cmdLine := info.BootCmdLine()
	if _, debug := cmdLine["debug"]; debug {
		if err = kfmt.ConfigureLogging(kfmt.LogOptions{Output: term, Debug: true, SkipHeaders: true}); err != nil {
			return nil, err
		}
	}

	arch := cmdLine["arch"]
	if arch == "" {
		arch = defaultArch
	}

	cfg, err := manager.ConfigFromMultiboot(info, arch, image)
	if err != nil {
		return nil, err
	}
	return manager.Boot(cfg)
}
