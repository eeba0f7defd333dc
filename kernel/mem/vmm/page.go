// Package vmm manages per-address-space page directories and tables on top
// of the physical frame allocator, tracks virtual memory areas, and exposes
// the map/unmap/translate primitives consumed by the rest of the kernel.
package vmm

import "kestrel/kernel/mem"

// Page describes a virtual memory page index.
type Page uint32

// Address returns the virtual memory address of the first byte of this Page.
func (p Page) Address() uint32 {
	return uint32(p) << mem.PageShift
}

// PageFromAddress returns a Page that corresponds to the given virtual
// address. This function can handle both page-aligned and not aligned virtual
// addresses. in the latter case, the input address will be rounded down to the
// page that contains it.
func PageFromAddress(virtAddr uint32) Page {
	return Page(virtAddr >> mem.PageShift)
}
