package vmm

import (
	"kestrel/kernel/mem"
	"kestrel/kernel/mem/pmm"
)

// PageTableEntryFlag describes a flag that can be applied to a page table
// entry.
type PageTableEntryFlag uint32

const (
	// FlagPresent marks the entry as backed by a physical frame.
	FlagPresent PageTableEntryFlag = 1 << 0

	// FlagRW allows writes through this entry.
	FlagRW PageTableEntryFlag = 1 << 1

	// FlagUserAccessible allows ring-3 access through this entry.
	FlagUserAccessible PageTableEntryFlag = 1 << 2

	// FlagAccessed is set by the MMU when the page is read.
	FlagAccessed PageTableEntryFlag = 1 << 5

	// FlagDirty is set by the MMU when the page is written.
	FlagDirty PageTableEntryFlag = 1 << 6

	// The remaining flags carry kernel-specific page semantics in the
	// bits the hardware leaves to the OS. The cache-control bits (3, 4)
	// are repurposed as well since the paging model does not emulate
	// caches.

	// FlagCopyOnWrite marks a read-only shared page that must be copied
	// to a private frame on the first write.
	FlagCopyOnWrite PageTableEntryFlag = 1 << 3

	// FlagShared marks a page whose frame is shared between address
	// spaces.
	FlagShared PageTableEntryFlag = 1 << 4

	// FlagGuard marks an intentionally unmapped guard page.
	FlagGuard PageTableEntryFlag = 1 << 9

	// FlagStack marks a page that belongs to a kernel or task stack.
	FlagStack PageTableEntryFlag = 1 << 10

	// FlagHeap marks a page that backs the kernel heap.
	FlagHeap PageTableEntryFlag = 1 << 11
)

// pteFrameMask selects the physical frame address bits of an entry.
const pteFrameMask = 0xfffff000

// pageTableEntry describes a page table entry in the 32-bit hardware format:
// the upper 20 bits select the physical frame, the lower 12 carry flags.
type pageTableEntry uint32

// HasFlags returns true if this entry has all the input flags set.
func (pte pageTableEntry) HasFlags(flags PageTableEntryFlag) bool {
	return (uint32(pte) & uint32(flags)) == uint32(flags)
}

// HasAnyFlag returns true if this entry has at least one of the input flags
// set.
func (pte pageTableEntry) HasAnyFlag(flags PageTableEntryFlag) bool {
	return (uint32(pte) & uint32(flags)) != 0
}

// SetFlags sets the input list of flags to the page table entry.
func (pte *pageTableEntry) SetFlags(flags PageTableEntryFlag) {
	*pte = pageTableEntry(uint32(*pte) | uint32(flags))
}

// ClearFlags unsets the input list of flags from the page table entry.
func (pte *pageTableEntry) ClearFlags(flags PageTableEntryFlag) {
	*pte = pageTableEntry(uint32(*pte) &^ uint32(flags))
}

// Frame returns the physical page frame that this entry points to.
func (pte pageTableEntry) Frame() pmm.Frame {
	return pmm.Frame((uint32(pte) & pteFrameMask) >> mem.PageShift)
}

// SetFrame updates the entry to point to the supplied frame.
func (pte *pageTableEntry) SetFrame(frame pmm.Frame) {
	*pte = pageTableEntry((uint32(*pte) &^ pteFrameMask) | frame.Address())
}

// Flags returns the flag bits of this entry.
func (pte pageTableEntry) Flags() PageTableEntryFlag {
	return PageTableEntryFlag(uint32(pte) &^ pteFrameMask)
}

// tableEntryCount is the number of entries in a page directory or table.
const tableEntryCount = 1024

// pageTable describes a 1024-entry page directory or page table. Its
// contents live behind a physical frame allocated from the PMM.
type pageTable struct {
	entries [tableEntryCount]pageTableEntry
}
