package manager

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	"sigs.k8s.io/yaml"

	"kmem/kernel"
	"kmem/kernel/hal/multiboot"
	"kmem/kernel/mm"
	"kmem/kernel/mm/vmm"
)

var (
	errNoMemoryMap      = &kernel.Error{Module: "mm_config", Message: "memory map must contain at least one available entry", Kind: kernel.KindInvalidArgument}
	errEmptyMemoryEntry = &kernel.Error{Module: "mm_config", Message: "memory map entries must have a non-zero length", Kind: kernel.KindInvalidArgument}
	errBadKernelImage   = &kernel.Error{Module: "mm_config", Message: "kernel image sections must be non-empty and lie inside available memory", Kind: kernel.KindInvalidArgument}
)

// MemoryRegion is a memory map entry as written in a config file. Type is
// one of "available", "reserved", "acpi" or "nvs"; anything else is
// treated as reserved.
type MemoryRegion struct {
	Address uint64 `json:"address"`
	Length  uint64 `json:"length"`
	Type    string `json:"type"`
}

// KernelImage holds the physical extents of the loaded kernel sections.
type KernelImage struct {
	TextStart uint64 `json:"textStart"`
	TextEnd   uint64 `json:"textEnd"`
	DataStart uint64 `json:"dataStart"`
	DataEnd   uint64 `json:"dataEnd"`
}

// Start returns the lowest physical address used by the image.
func (k KernelImage) Start() uintptr {
	if k.DataStart < k.TextStart {
		return uintptr(k.DataStart)
	}
	return uintptr(k.TextStart)
}

// End returns the first physical address past the image.
func (k KernelImage) End() uintptr {
	if k.DataEnd > k.TextEnd {
		return uintptr(k.DataEnd)
	}
	return uintptr(k.TextEnd)
}

// Config describes the machine the memory manager boots on.
type Config struct {
	// Arch selects the page table format: "i386" or "amd64".
	Arch string `json:"arch"`

	MemoryMap   []MemoryRegion `json:"memoryMap"`
	KernelImage KernelImage    `json:"kernelImage"`
}

// ParseConfig decodes and validates a YAML config document.
func ParseConfig(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return Config{}, errors.Wrap(err, "mm_config: unable to parse config")
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadConfig reads and parses the YAML config at path.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "mm_config: unable to read %s", path)
	}

	cfg, err := ParseConfig(data)
	if err != nil {
		return Config{}, errors.Wrapf(err, "mm_config: %s", path)
	}
	return cfg, nil
}

// ConfigFromMultiboot builds a config from the memory map tag of a
// multiboot information block.
func ConfigFromMultiboot(info *multiboot.Info, arch string, image KernelImage) (Config, error) {
	entries, err := info.MemoryMap()
	if err != nil {
		return Config{}, errors.Wrap(err, "mm_config: unable to read the multiboot memory map")
	}

	cfg := Config{Arch: arch, KernelImage: image}
	for _, entry := range entries {
		cfg.MemoryMap = append(cfg.MemoryMap, MemoryRegion{
			Address: entry.PhysAddress,
			Length:  entry.Length,
			Type:    entryTypeName(entry.Type),
		})
	}

	if err = cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the config for consistency.
func (c Config) Validate() error {
	if _, err := vmm.ParseArch(c.Arch); err != nil {
		return errors.Wrapf(err, "mm_config: arch %q", c.Arch)
	}

	var available []MemoryRegion
	for _, region := range c.MemoryMap {
		if region.Length == 0 {
			return errEmptyMemoryEntry
		}
		if parseEntryType(region.Type) == multiboot.MemAvailable {
			available = append(available, region)
		}
	}
	if len(available) == 0 {
		return errNoMemoryMap
	}

	img := c.KernelImage
	if img.TextEnd <= img.TextStart || img.DataEnd <= img.DataStart {
		return errBadKernelImage
	}
	if !insideAny(available, img.TextStart, img.TextEnd) || !insideAny(available, img.DataStart, img.DataEnd) {
		return errBadKernelImage
	}

	// Sections are mapped with different protections and may not share
	// a page.
	const pageMask = uint64(mm.PageSize - 1)
	textPages := [2]uint64{img.TextStart &^ pageMask, (img.TextEnd + pageMask) &^ pageMask}
	dataPages := [2]uint64{img.DataStart &^ pageMask, (img.DataEnd + pageMask) &^ pageMask}
	if textPages[0] < dataPages[1] && dataPages[0] < textPages[1] {
		return errBadKernelImage
	}
	return nil
}

func insideAny(regions []MemoryRegion, start, end uint64) bool {
	for _, r := range regions {
		if start >= r.Address && end <= r.Address+r.Length {
			return true
		}
	}
	return false
}

// Entries converts the memory map into multiboot memory map entries.
func (c Config) Entries() []multiboot.MemoryMapEntry {
	entries := make([]multiboot.MemoryMapEntry, 0, len(c.MemoryMap))
	for _, region := range c.MemoryMap {
		entries = append(entries, multiboot.MemoryMapEntry{
			PhysAddress: region.Address,
			Length:      region.Length,
			Type:        parseEntryType(region.Type),
		})
	}
	return entries
}

func parseEntryType(name string) multiboot.MemoryEntryType {
	switch strings.ToLower(name) {
	case "available":
		return multiboot.MemAvailable
	case "acpi":
		return multiboot.MemAcpiReclaimable
	case "nvs":
		return multiboot.MemNvs
	default:
		return multiboot.MemReserved
	}
}

func entryTypeName(t multiboot.MemoryEntryType) string {
	switch t {
	case multiboot.MemAvailable:
		return "available"
	case multiboot.MemAcpiReclaimable:
		return "acpi"
	case multiboot.MemNvs:
		return "nvs"
	default:
		return "reserved"
	}
}
