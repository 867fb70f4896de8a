// Package multiboot parses the boot information block handed over by a
// multiboot2 compliant boot loader.
package multiboot

import (
	"encoding/binary"
	"strings"

	"github.com/pkg/errors"
)

type tagType uint32

// nolint
const (
	tagMbSectionEnd tagType = iota
	tagBootCmdLine
	tagBootLoaderName
	tagModules
	tagBasicMemoryInfo
	tagBiosBootDevice
	tagMemoryMap
)

const (
	// infoHeaderSize is the size of the {totalSize, reserved} header.
	infoHeaderSize = 8

	// tagHeaderSize is the size of the {type, size} header that precedes
	// each tag.
	tagHeaderSize = 8

	// mmapHeaderSize is the size of the {entrySize, entryVersion} header
	// of the memory map tag.
	mmapHeaderSize = 8

	// mmapEntrySize is the size of a version 0 memory map entry.
	mmapEntrySize = 24
)

// MemoryEntryType defines the type of a MemoryMapEntry.
type MemoryEntryType uint32

const (
	// MemAvailable indicates that the memory region is available for use.
	MemAvailable MemoryEntryType = iota + 1

	// MemReserved indicates that the memory region is not available for use.
	MemReserved

	// MemAcpiReclaimable indicates a memory region that holds ACPI info that
	// can be reused by the OS.
	MemAcpiReclaimable

	// MemNvs indicates memory that must be preserved when hibernating.
	MemNvs

	// Any value >= memUnknown will be mapped to MemReserved.
	memUnknown
)

// String implements fmt.Stringer for MemoryEntryType.
func (t MemoryEntryType) String() string {
	switch t {
	case MemAvailable:
		return "available"
	case MemReserved:
		return "reserved"
	case MemAcpiReclaimable:
		return "ACPI (reclaimable)"
	case MemNvs:
		return "NVS"
	default:
		return "unknown"
	}
}

// MemoryMapEntry describes a memory region entry, namely its physical address,
// its length and its type.
type MemoryMapEntry struct {
	// The physical address for this memory region.
	PhysAddress uint64 `json:"address"`

	// The length of the memory region.
	Length uint64 `json:"length"`

	// The type of this entry.
	Type MemoryEntryType `json:"type"`
}

// MemRegionVisitor defies a visitor function that gets invoked by VisitMemRegions
// for each memory region provided by the boot loader. The visitor must return true
// to continue or false to abort the scan.
type MemRegionVisitor func(entry *MemoryMapEntry) bool

var (
	errTruncatedInfo = errors.New("multiboot: truncated boot information")
	errBadMemoryMap  = errors.New("multiboot: malformed memory map tag")
)

// Info wraps a multiboot2 boot information block.
type Info struct {
	data []byte
}

// NewInfo validates the header of the supplied boot information block and
// returns an Info that can be queried for tags.
func NewInfo(data []byte) (*Info, error) {
	if len(data) < infoHeaderSize {
		return nil, errTruncatedInfo
	}

	totalSize := binary.LittleEndian.Uint32(data)
	if int(totalSize) > len(data) || totalSize < infoHeaderSize+tagHeaderSize {
		return nil, errors.Wrapf(errTruncatedInfo, "header declares %d bytes, got %d", totalSize, len(data))
	}

	return &Info{data: data[:totalSize]}, nil
}

// VisitMemRegions will invoke the supplied visitor for each memory region that
// is defined by the multiboot info data that we received from the bootloader.
// Unknown entry types are reported as MemReserved.
func (i *Info) VisitMemRegions(visitor MemRegionVisitor) error {
	tag := i.findTagByType(tagMemoryMap)
	if tag == nil {
		return nil
	}

	if len(tag) < mmapHeaderSize {
		return errBadMemoryMap
	}

	entrySize := int(binary.LittleEndian.Uint32(tag))
	if entrySize < mmapEntrySize-4 {
		return errors.Wrapf(errBadMemoryMap, "entry size %d", entrySize)
	}

	var entry MemoryMapEntry
	for offset := mmapHeaderSize; offset+entrySize <= len(tag); offset += entrySize {
		raw := tag[offset:]
		entry.PhysAddress = binary.LittleEndian.Uint64(raw)
		entry.Length = binary.LittleEndian.Uint64(raw[8:])
		entry.Type = MemoryEntryType(binary.LittleEndian.Uint32(raw[16:]))

		// Mark unknown entry types as reserved
		if entry.Type == 0 || entry.Type >= memUnknown {
			entry.Type = MemReserved
		}

		if !visitor(&entry) {
			return nil
		}
	}

	return nil
}

// MemoryMap returns a copy of all memory map entries.
func (i *Info) MemoryMap() ([]MemoryMapEntry, error) {
	var entries []MemoryMapEntry
	err := i.VisitMemRegions(func(entry *MemoryMapEntry) bool {
		entries = append(entries, *entry)
		return true
	})
	return entries, err
}

// BootCmdLine returns the key/value pairs from the kernel command line. Flags
// without a value map to themselves.
func (i *Info) BootCmdLine() map[string]string {
	kv := make(map[string]string)

	// The command line is a C-style NULL-terminated string
	cmdLine := strings.TrimRight(string(i.findTagByType(tagBootCmdLine)), "\x00")
	for _, pair := range strings.Fields(cmdLine) {
		k := strings.SplitN(pair, "=", 2)
		switch len(k) {
		case 2: // foo=bar
			kv[k[0]] = k[1]
		case 1: // nofoo
			kv[k[0]] = k[0]
		}
	}

	return kv
}

// findTagByType scans the multiboot info data looking for the start of of the
// specified type. It returns the tag contents excluding the tag header or nil
// if the tag is not present.
func (i *Info) findTagByType(wanted tagType) []byte {
	for offset := infoHeaderSize; offset+tagHeaderSize <= len(i.data); {
		curType := tagType(binary.LittleEndian.Uint32(i.data[offset:]))
		size := int(binary.LittleEndian.Uint32(i.data[offset+4:]))
		if curType == tagMbSectionEnd || size < tagHeaderSize || offset+size > len(i.data) {
			return nil
		}

		if curType == wanted {
			return i.data[offset+tagHeaderSize : offset+size]
		}

		// Tags are aligned at 8-byte aligned addresses
		offset += (size + 7) &^ 7
	}

	return nil
}

// BuildInfo encodes a boot information block with a command line tag and a
// memory map tag, in the same layout a boot loader would produce.
func BuildInfo(cmdLine string, entries []MemoryMapEntry) []byte {
	var buf []byte
	appendU32 := func(v uint32) { buf = binary.LittleEndian.AppendUint32(buf, v) }
	pad := func() {
		for len(buf)%8 != 0 {
			buf = append(buf, 0)
		}
	}

	// header; totalSize is patched at the end
	appendU32(0)
	appendU32(0)

	appendU32(uint32(tagBootCmdLine))
	appendU32(uint32(tagHeaderSize + len(cmdLine) + 1))
	buf = append(buf, cmdLine...)
	buf = append(buf, 0)
	pad()

	appendU32(uint32(tagMemoryMap))
	appendU32(uint32(tagHeaderSize + mmapHeaderSize + mmapEntrySize*len(entries)))
	appendU32(mmapEntrySize)
	appendU32(0)
	for _, entry := range entries {
		buf = binary.LittleEndian.AppendUint64(buf, entry.PhysAddress)
		buf = binary.LittleEndian.AppendUint64(buf, entry.Length)
		appendU32(uint32(entry.Type))
		appendU32(0)
	}
	pad()

	appendU32(uint32(tagMbSectionEnd))
	appendU32(tagHeaderSize)

	binary.LittleEndian.PutUint32(buf, uint32(len(buf)))
	return buf
}
