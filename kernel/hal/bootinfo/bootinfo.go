// Package bootinfo models the memory map handed to the kernel by the boot
// loader. The raw entry list is validated once at boot (sorted, de-duplicated
// and checked for overlaps) and then consumed by the frame allocator through
// a visitor, so no other component ever sees an unvalidated region.
package bootinfo

import (
	"sort"

	"kestrel/kernel"
)

// MemoryEntryType defines the type of a MemoryMapEntry.
type MemoryEntryType uint32

const (
	// MemAvailable indicates that the memory region is available for use.
	MemAvailable MemoryEntryType = iota + 1

	// MemReserved indicates that the memory region is not available for use.
	MemReserved

	// MemAcpiReclaimable indicates a memory region that holds ACPI info
	// that can be reused by the OS once the tables have been parsed.
	MemAcpiReclaimable

	// MemNvs indicates memory that must be preserved when hibernating.
	MemNvs

	// MemBad indicates memory reported as defective by the firmware.
	MemBad
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
	case MemBad:
		return "bad"
	default:
		return "unknown"
	}
}

// Usable returns true if frames inside this region may be handed out by the
// frame allocator.
func (t MemoryEntryType) Usable() bool {
	return t == MemAvailable
}

// MemoryMapEntry describes a memory region entry, namely its physical
// address, its length and its type.
type MemoryMapEntry struct {
	// The physical address for this memory region.
	PhysAddress uint64

	// The length of the memory region.
	Length uint64

	// The type of this entry.
	Type MemoryEntryType
}

// MemRegionVisitor defines a visitor function that gets invoked by
// MemoryMap.Visit for each memory region in the map. The visitor must return
// true to continue or false to abort the scan.
type MemRegionVisitor func(*MemoryMapEntry) bool

// MemoryMap is a validated, non-overlapping list of memory regions sorted by
// physical address.
type MemoryMap struct {
	entries []MemoryMapEntry
}

var (
	errMapEmpty   = &kernel.Error{Module: "bootinfo", Message: "memory map contains no entries", Code: kernel.CodeInvalidSize}
	errMapOverlap = &kernel.Error{Module: "bootinfo", Message: "memory map entries overlap", Code: kernel.CodeInvalidAddress}
	errMapBounds  = &kernel.Error{Module: "bootinfo", Message: "memory map entry exceeds the 32-bit physical address space", Code: kernel.CodeInvalidAddress}
)

// NewMemoryMap validates the raw entry list provided by the boot loader and
// returns a MemoryMap. Zero-length entries are dropped, exact duplicates are
// merged and entries with unknown types are treated as reserved. Overlapping
// entries and entries extending past the 32-bit physical address space are
// rejected.
func NewMemoryMap(raw []MemoryMapEntry) (*MemoryMap, *kernel.Error) {
	entries := make([]MemoryMapEntry, 0, len(raw))
	for _, entry := range raw {
		if entry.Length == 0 {
			continue
		}
		if entry.Type < MemAvailable || entry.Type > MemBad {
			entry.Type = MemReserved
		}
		entries = append(entries, entry)
	}

	if len(entries) == 0 {
		return nil, errMapEmpty
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].PhysAddress < entries[j].PhysAddress
	})

	deduped := entries[:1]
	for _, entry := range entries[1:] {
		last := &deduped[len(deduped)-1]
		if entry == *last {
			continue
		}
		if entry.PhysAddress < last.PhysAddress+last.Length {
			return nil, errMapOverlap
		}
		deduped = append(deduped, entry)
	}

	for _, entry := range deduped {
		if entry.PhysAddress+entry.Length > mem32Limit || entry.PhysAddress+entry.Length < entry.PhysAddress {
			return nil, errMapBounds
		}
	}

	return &MemoryMap{entries: deduped}, nil
}

// mem32Limit is the first address past the 32-bit physical address space.
const mem32Limit = uint64(1) << 32

// Visit invokes the supplied visitor for each memory region in the map in
// ascending physical address order.
func (m *MemoryMap) Visit(visitor MemRegionVisitor) {
	for i := range m.entries {
		if !visitor(&m.entries[i]) {
			return
		}
	}
}

// EntryCount returns the number of validated entries in the map.
func (m *MemoryMap) EntryCount() int {
	return len(m.entries)
}
