// Package pmm contains the physical frame allocator: a bitmap-based tracker
// of 4Kb physical page frames built from the validated boot memory map.
package pmm

import (
	"math"

	"kestrel/kernel/mem"
)

// Frame describes a physical memory page index.
type Frame uint32

// InvalidFrame is returned by the frame allocator when it fails to reserve
// the requested frame.
const InvalidFrame = Frame(math.MaxUint32)

// IsValid returns true if this is a valid frame.
func (f Frame) IsValid() bool {
	return f != InvalidFrame
}

// Address returns the physical memory address of the first byte of this frame.
func (f Frame) Address() uint32 {
	return uint32(f) << mem.PageShift
}

// FrameFromAddress returns the Frame that contains the given physical
// address. Addresses that are not page-aligned are rounded down to the frame
// that contains them.
func FrameFromAddress(physAddr uint32) Frame {
	return Frame(physAddr >> mem.PageShift)
}

// FrameState describes the lifecycle state of a tracked physical frame.
type FrameState uint8

const (
	// FrameFree marks a frame available for allocation.
	FrameFree FrameState = iota

	// FrameReserved marks a frame excluded from allocation (kernel image,
	// firmware structures).
	FrameReserved

	// FrameAllocated marks a frame handed out by AllocFrame and not yet
	// referenced by a page-table mapping.
	FrameAllocated

	// FrameMapped marks an allocated frame referenced by at least one
	// page-table mapping.
	FrameMapped

	// FrameCorrupted marks a frame permanently excluded from the free
	// pool after a corruption report.
	FrameCorrupted
)

// String implements fmt.Stringer for FrameState.
func (s FrameState) String() string {
	switch s {
	case FrameFree:
		return "free"
	case FrameReserved:
		return "reserved"
	case FrameAllocated:
		return "allocated"
	case FrameMapped:
		return "mapped"
	case FrameCorrupted:
		return "corrupted"
	default:
		return "unknown"
	}
}
