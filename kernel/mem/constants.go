package mem

const (
	// PageShift is equal to log2(PageSize). This constant is used when
	// we need to convert a physical address to a page number (shift right
	// by PageShift) and vice-versa.
	PageShift = 12

	// PageSize defines the system's page size in bytes.
	PageSize = Size(1 << PageShift)

	// KernelSpaceStart marks the beginning of the higher-half kernel
	// region of every 32-bit address space. Directory entries at or above
	// this address are shared between all address spaces.
	KernelSpaceStart = uint32(0xc0000000)

	// MaxPhysAddr is the highest physical address representable by the
	// 32-bit data model.
	MaxPhysAddr = uint64(1) << 32
)

// PageAlign rounds addr down to the page that contains it.
func PageAlign(addr uint32) uint32 {
	return addr &^ uint32(PageSize-1)
}

// PageAlignUp rounds addr up to the next page boundary. Page-aligned
// addresses are returned unchanged.
func PageAlignUp(addr uint32) uint32 {
	return (addr + uint32(PageSize-1)) &^ uint32(PageSize-1)
}
