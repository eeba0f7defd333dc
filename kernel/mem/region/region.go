// Package region maintains the table of known physical/virtual address
// ranges (kernel image, framebuffer, MMIO, BIOS) and classifies arbitrary
// addresses for the fault analyzer. Classification is advisory: the table
// owns no memory and heuristic matches are hints, never proof.
package region

import "kestrel/kernel/kfmt"

// Kind describes what a registered range contains.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindNullGuard
	KindBIOS
	KindKernelCode
	KindKernelData
	KindFramebuffer
	KindMMIO
	KindHeap
	KindStack
)

// String implements fmt.Stringer for Kind.
func (k Kind) String() string {
	switch k {
	case KindNullGuard:
		return "null guard"
	case KindBIOS:
		return "BIOS/legacy"
	case KindKernelCode:
		return "kernel code"
	case KindKernelData:
		return "kernel data"
	case KindFramebuffer:
		return "framebuffer"
	case KindMMIO:
		return "MMIO"
	case KindHeap:
		return "kernel heap"
	case KindStack:
		return "stack"
	default:
		return "unknown"
	}
}

// Region describes one named address range. Critical regions must never be
// written by recoverable fault handling; ReadOnly regions reject writes.
type Region struct {
	Name       string
	Start, End uint32
	Kind       Kind
	Critical   bool
	ReadOnly   bool
}

// Contains returns true if addr falls inside the region. End is exclusive.
func (r Region) Contains(addr uint32) bool {
	return addr >= r.Start && addr < r.End
}

// Hint is the outcome of the bit-pattern cascade applied to addresses no
// registered region covers. Hints are best-effort diagnostics.
type Hint uint8

const (
	// HintNone means the address carries no recognizable signature.
	HintNone Hint = iota

	// HintNullish marks addresses within the first page.
	HintNullish

	// HintFreedPoison marks addresses built from the freed-memory poison
	// byte, the signature of a dereferenced stale pointer.
	HintFreedPoison

	// HintCanary marks addresses matching the allocation canary bytes,
	// the signature of a pointer read from an overwritten guard slot.
	HintCanary

	// HintDebugFill marks addresses matching debugger fill patterns.
	HintDebugFill
)

// String implements fmt.Stringer for Hint.
func (h Hint) String() string {
	switch h {
	case HintNullish:
		return "probable nil pointer arithmetic"
	case HintFreedPoison:
		return "probable use-after-free (freed-memory poison pattern)"
	case HintCanary:
		return "probable canary overwrite (guard bytes used as pointer)"
	case HintDebugFill:
		return "probable uninitialized value (debug fill pattern)"
	default:
		return "no known signature"
	}
}

// Classification is the result of looking up one address.
type Classification struct {
	// Known is true when a registered region covers the address; Region
	// is only valid in that case.
	Known  bool
	Region Region

	// Hint carries the heuristic signature for unknown addresses.
	Hint Hint
}

// Description renders the classification for fault reports.
func (c Classification) Description() string {
	if c.Known {
		return c.Region.Name
	}
	return c.Hint.String()
}

// maxRegions bounds the table. Registrations past the bound are dropped;
// exceeding it is a configuration bug, not a runtime emergency.
const maxRegions = 32

// Table is the fixed-capacity region table. It is filled during
// single-threaded boot and append-only afterwards, so lookups take no lock.
type Table struct {
	regions [maxRegions]Region
	count   int
	dropped bool
}

// NewTable creates a table seeded with the supplied static regions in order.
// Lookup returns the first match, so more specific regions go first.
func NewTable(static ...Region) *Table {
	t := new(Table)
	for _, r := range static {
		t.Register(r)
	}
	return t
}

// DefaultTable builds the static boot-time table for a kernel image loaded
// at [kernelStart, kernelEnd).
func DefaultTable(kernelStart, kernelEnd uint32) *Table {
	return NewTable(
		Region{Name: "null guard page", Start: 0, End: 0x1000, Kind: KindNullGuard, Critical: true, ReadOnly: true},
		Region{Name: "BIOS/legacy area", Start: 0xa0000, End: 0x100000, Kind: KindBIOS, Critical: true, ReadOnly: true},
		Region{Name: "kernel image", Start: kernelStart, End: kernelEnd, Kind: KindKernelCode, Critical: true, ReadOnly: true},
	)
}

// Register appends a region, returning false when the table is full.
func (t *Table) Register(r Region) bool {
	if r.End <= r.Start {
		return false
	}
	if t.count == maxRegions {
		if !t.dropped {
			kfmt.Printf("[region] table full; dropping registration for %s\n", r.Name)
			t.dropped = true
		}
		return false
	}
	t.regions[t.count] = r
	t.count++
	return true
}

// RegisterFramebuffer records the framebuffer range probed from the video
// hardware. Framebuffers are writable but critical: scribbling outside a
// mapped framebuffer is still a fault.
func (t *Table) RegisterFramebuffer(start, end uint32) bool {
	return t.Register(Region{Name: "framebuffer", Start: start, End: end, Kind: KindFramebuffer, Critical: true})
}

// RegisterMMIO records a device register range discovered at probe time.
func (t *Table) RegisterMMIO(name string, start, end uint32) bool {
	return t.Register(Region{Name: name, Start: start, End: end, Kind: KindMMIO, Critical: true})
}

// Classify looks addr up in the table and falls back to the bit-pattern
// cascade when no region matches.
func (t *Table) Classify(addr uint32) Classification {
	for i := 0; i < t.count; i++ {
		if t.regions[i].Contains(addr) {
			return Classification{Known: true, Region: t.regions[i]}
		}
	}
	return Classification{Hint: hintFor(addr)}
}

// DescriptionOf returns a human readable description of the address.
func (t *Table) DescriptionOf(addr uint32) string {
	return t.Classify(addr).Description()
}

// IsCritical returns true if a registered critical region covers addr.
func (t *Table) IsCritical(addr uint32) bool {
	c := t.Classify(addr)
	return c.Known && c.Region.Critical
}

// IsWritable returns false only when a registered read-only region covers
// addr; unknown addresses carry no write restriction the table knows about.
func (t *Table) IsWritable(addr uint32) bool {
	c := t.Classify(addr)
	return !c.Known || !c.Region.ReadOnly
}

// hintFor applies the fixed cascade of pointer bit-pattern heuristics.
func hintFor(addr uint32) Hint {
	if addr < 0x1000 {
		return HintNullish
	}

	switch addr >> 24 {
	case 0xde, 0xdd:
		return HintFreedPoison
	case 0xca, 0xcf:
		return HintCanary
	case 0xcc, 0xaa:
		return HintDebugFill
	}
	return HintNone
}
