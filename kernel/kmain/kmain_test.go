package kmain

import (
	"bytes"
	"strings"
	"testing"

	"kmem/kernel"
	"kmem/kernel/driver/tty"
	"kmem/kernel/hal/multiboot"
	"kmem/kernel/kfmt"
	"kmem/kernel/mm/manager"
	"kmem/kernel/mm/vmm"
)

var (
	testEntries = []multiboot.MemoryMapEntry{
		{PhysAddress: 0, Length: 0x9fc00, Type: multiboot.MemAvailable},
		{PhysAddress: 0x9fc00, Length: 0x400, Type: multiboot.MemReserved},
		{PhysAddress: 0x100000, Length: 0x300000, Type: multiboot.MemAvailable},
	}

	testImage = manager.KernelImage{
		TextStart: 0x100000, TextEnd: 0x108000,
		DataStart: 0x108000, DataEnd: 0x10a000,
	}
)

func mockPanic(t *testing.T) *[]interface{} {
	orig := panicFn
	t.Cleanup(func() {
		panicFn = orig
		kfmt.SetOutputSink(nil)
	})

	var calls []interface{}
	panicFn = func(e interface{}) {
		calls = append(calls, e)
	}
	return &calls
}

func TestKmain(t *testing.T) {
	specs := []struct {
		cmdLine string
		expArch vmm.Arch
	}{
		{"", vmm.ArchAMD64},
		{"arch=amd64 quiet", vmm.ArchAMD64},
		{"arch=i386", vmm.ArchI386},
	}

	for specIndex, spec := range specs {
		panics := mockPanic(t)

		var out bytes.Buffer
		m, err := Kmain(tty.NewVt(&out, 80, 25), multiboot.BuildInfo(spec.cmdLine, testEntries), testImage)
		if err != nil {
			t.Fatalf("[spec %d] unexpected error: %v", specIndex, err)
		}

		if got := m.Arch(); got != spec.expArch {
			t.Errorf("[spec %d] expected arch %s; got %s", specIndex, spec.expArch, got)
		}
		if len(*panics) != 0 {
			t.Errorf("[spec %d] expected no panics; got %v", specIndex, *panics)
		}

		for _, exp := range []string{"\x1b[2J\x1b[H", "Starting kmem\n", "[boot_mem_alloc] system memory map:"} {
			if !strings.Contains(out.String(), exp) {
				t.Errorf("[spec %d] expected terminal output to contain %q", specIndex, exp)
			}
		}

		if err = m.Shutdown(); err != nil {
			t.Fatal(err)
		}
	}
}

func TestKmainErrors(t *testing.T) {
	noMemory := []multiboot.MemoryMapEntry{
		{PhysAddress: 0, Length: 0x400000, Type: multiboot.MemReserved},
	}

	specs := []struct {
		descr   string
		term    tty.Tty
		info    []byte
		expKind kernel.ErrorKind
	}{
		{"no terminal", nil, multiboot.BuildInfo("", testEntries), kernel.KindInvalidArgument},
		{"truncated boot info", tty.NewVt(&bytes.Buffer{}, 80, 25), []byte{1, 2, 3}, kernel.KindUnknown},
		{"unknown arch", tty.NewVt(&bytes.Buffer{}, 80, 25), multiboot.BuildInfo("arch=sparc", testEntries), kernel.KindInvalidArgument},
		{"no usable memory", tty.NewVt(&bytes.Buffer{}, 80, 25), multiboot.BuildInfo("", noMemory), kernel.KindInvalidArgument},
	}

	for _, spec := range specs {
		t.Run(spec.descr, func(t *testing.T) {
			panics := mockPanic(t)

			m, err := Kmain(spec.term, spec.info, testImage)
			if err == nil || m != nil {
				t.Fatalf("expected Kmain to fail; got manager %v, error %v", m, err)
			}
			if len(*panics) != 1 {
				t.Fatalf("expected panicFn to be called once; got %d calls", len(*panics))
			}
			if got := kernel.KindOf(err); got != spec.expKind {
				t.Errorf("expected error kind %s; got %s", spec.expKind, got)
			}
		})
	}
}
