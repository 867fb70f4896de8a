package manager

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"kmem/kernel"
	"kmem/kernel/hal/multiboot"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

const testConfigYAML = `
arch: amd64
memoryMap:
  - address: 0x0
    length: 0x9fc00
    type: available
  - address: 0x9fc00
    length: 0x400
    type: reserved
  - address: 0xf0000
    length: 0x10000
    type: reserved
  - address: 0x100000
    length: 0x700000
    type: available
  - address: 0xfffc0000
    length: 0x40000
    type: reserved
kernelImage:
  textStart: 0x100000
  textEnd: 0x180000
  dataStart: 0x180000
  dataEnd: 0x1a0000
`

func testConfig(t *testing.T, arch string) Config {
	cfg, err := ParseConfig([]byte(strings.Replace(testConfigYAML, "amd64", arch, 1)))
	require.NoError(t, err)
	return cfg
}

func TestParseConfig(t *testing.T) {
	cfg := testConfig(t, "amd64")

	exp := []multiboot.MemoryMapEntry{
		{PhysAddress: 0x0, Length: 0x9fc00, Type: multiboot.MemAvailable},
		{PhysAddress: 0x9fc00, Length: 0x400, Type: multiboot.MemReserved},
		{PhysAddress: 0xf0000, Length: 0x10000, Type: multiboot.MemReserved},
		{PhysAddress: 0x100000, Length: 0x700000, Type: multiboot.MemAvailable},
		{PhysAddress: 0xfffc0000, Length: 0x40000, Type: multiboot.MemReserved},
	}
	if diff := cmp.Diff(exp, cfg.Entries()); diff != "" {
		t.Fatalf("unexpected memory map (-want +got):\n%s", diff)
	}

	require.Equal(t, uintptr(0x100000), cfg.KernelImage.Start())
	require.Equal(t, uintptr(0x1a0000), cfg.KernelImage.End())
}

func TestParseConfigErrors(t *testing.T) {
	specs := []struct {
		descr   string
		input   string
		expKind kernel.ErrorKind
		expErr  error
	}{
		{
			"unknown arch",
			strings.Replace(testConfigYAML, "amd64", "sparc", 1),
			kernel.KindInvalidArgument, nil,
		},
		{
			"empty entry",
			strings.Replace(testConfigYAML, "length: 0x400", "length: 0", 1),
			kernel.KindInvalidArgument, errEmptyMemoryEntry,
		},
		{
			"no available memory",
			strings.ReplaceAll(testConfigYAML, "type: available", "type: nvs"),
			kernel.KindInvalidArgument, errNoMemoryMap,
		},
		{
			"kernel outside memory",
			strings.Replace(testConfigYAML, "dataEnd: 0x1a0000", "dataEnd: 0x900000", 1),
			kernel.KindInvalidArgument, errBadKernelImage,
		},
		{
			"sections share a page",
			strings.Replace(testConfigYAML, "dataStart: 0x180000", "dataStart: 0x17f800", 1),
			kernel.KindInvalidArgument, errBadKernelImage,
		},
		{
			"empty text section",
			strings.Replace(testConfigYAML, "textEnd: 0x180000", "textEnd: 0x100000", 1),
			kernel.KindInvalidArgument, errBadKernelImage,
		},
		{
			"unknown field",
			testConfigYAML + "swap: true\n",
			kernel.KindUnknown, nil,
		},
	}

	for _, spec := range specs {
		t.Run(spec.descr, func(t *testing.T) {
			_, err := ParseConfig([]byte(spec.input))
			require.Error(t, err)
			if spec.expErr != nil && err != spec.expErr {
				t.Fatalf("expected error %v; got %v", spec.expErr, err)
			}
			if got := kernel.KindOf(err); got != spec.expKind {
				t.Fatalf("expected error kind %s; got %s", spec.expKind, got)
			}
		})
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "machine.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testConfigYAML), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "amd64", cfg.Arch)
	require.Len(t, cfg.MemoryMap, 5)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "missing.yaml")
}

func TestConfigFromMultiboot(t *testing.T) {
	src := testConfig(t, "i386")

	info, err := multiboot.NewInfo(multiboot.BuildInfo("", src.Entries()))
	require.NoError(t, err)

	cfg, err := ConfigFromMultiboot(info, "i386", src.KernelImage)
	require.NoError(t, err)
	if diff := cmp.Diff(src, cfg); diff != "" {
		t.Fatalf("unexpected config (-want +got):\n%s", diff)
	}
}
