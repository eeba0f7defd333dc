// Package track implements the corruption detection layer wrapped around the
// kernel heap: canaries around every payload, poison fills on free, and a
// bounded table of live and recently freed allocations used to call out
// double frees and use-after-free access. The layer detects and reports;
// policy (panic or continue) stays with the caller.
package track

import (
	"encoding/binary"

	"kestrel/kernel"
	"kestrel/kernel/cpu"
	"kestrel/kernel/kfmt"
	"kestrel/kernel/mem/kheap"
	"kestrel/kernel/sync"
)

var (
	// ErrDoubleFree is returned when freeing a tracked allocation that is
	// already in the freed state.
	ErrDoubleFree = &kernel.Error{Module: "track", Message: "allocation was already freed", Code: kernel.CodeInvalidAddress}

	// ErrUseAfterFree is returned when validating a pointer whose tracked
	// allocation has been freed.
	ErrUseAfterFree = &kernel.Error{Module: "track", Message: "pointer refers to a freed allocation", Code: kernel.CodeInvalidAddress}

	// ErrUntrackedPointer is returned when a pointer matches no table
	// entry.
	ErrUntrackedPointer = &kernel.Error{Module: "track", Message: "pointer does not match a tracked allocation", Code: kernel.CodeInvalidAddress}

	// ErrCanaryOverwrite is returned when the guard bytes around a
	// payload no longer hold the canary pattern.
	ErrCanaryOverwrite = &kernel.Error{Module: "track", Message: "allocation canary was overwritten", Code: kernel.CodeInvalidAddress}

	errNilArg      = &kernel.Error{Module: "track", Message: "nil argument to tracker constructor", Code: kernel.CodeNullPointer}
	errInvalidSize = &kernel.Error{Module: "track", Message: "allocation size leaves no room for the guard bands", Code: kernel.CodeInvalidSize}
)

const (
	// canarySize is the byte count of each guard band. Guards are 8 bytes
	// so tracked payloads keep the heap's pointer alignment.
	canarySize = 8

	// frontCanary and backCanary are the patterns stamped before and
	// after every tracked payload.
	frontCanary = uint64(0xcafebabecafebabe)
	backCanary  = uint64(0xdeadc0dedeadc0de)

	// poisonByte fills freed payloads so stale reads surface as a
	// recognizable pattern instead of plausible data.
	poisonByte = 0xde

	// maxTracked bounds the allocation table. When the table is full the
	// oldest freed entry is recycled; if every entry is live the
	// allocation proceeds untracked.
	maxTracked = 1024

	// maxPayload keeps size + 2*canarySize from wrapping uint32.
	maxPayload = ^uint32(0) - 2*canarySize
)

// ViolationType enumerates the corruption classes the tracker reports.
type ViolationType uint8

const (
	ViolationDoubleFree ViolationType = iota
	ViolationUseAfterFree
	ViolationCanaryOverwrite
	ViolationUntrackedPointer
	ViolationMetadataCorruption
)

// String implements fmt.Stringer for ViolationType.
func (v ViolationType) String() string {
	switch v {
	case ViolationDoubleFree:
		return "double free"
	case ViolationUseAfterFree:
		return "use after free"
	case ViolationCanaryOverwrite:
		return "canary overwrite"
	case ViolationUntrackedPointer:
		return "untracked pointer"
	case ViolationMetadataCorruption:
		return "metadata corruption"
	default:
		return "unknown violation"
	}
}

// Violation is one detected corruption event.
type Violation struct {
	Type    ViolationType
	Pointer uint32
	Detail  string
}

// Reporter is the single funnel every violation goes through.
type Reporter interface {
	Report(v Violation)
}

// LogReporter writes violations to the kernel log.
type LogReporter struct{}

// Report implements Reporter.
func (LogReporter) Report(v Violation) {
	kfmt.Printf("[track] %s at 0x%x: %s\n", v.Type, v.Pointer, v.Detail)
}

type entryState uint8

const (
	entryLive entryState = iota + 1
	entryFreed
)

// entry is one tracked allocation. Freed entries are kept so stale pointers
// can still be recognized; they are recycled only under table pressure.
type entry struct {
	ptr   uint32
	size  uint32
	state entryState

	allocTime uint64
	freeTime  uint64
}

// Stats is a snapshot of the tracker counters.
type Stats struct {
	Live      uint64
	Freed     uint64
	Untracked uint64

	DoubleFrees        uint64
	UseAfterFrees      uint64
	CanaryOverwrites   uint64
	UntrackedPointers  uint64
	MetadataCorruption uint64
}

// Tracker wraps a heap with canary stamping, free poisoning and the bounded
// allocation table.
type Tracker struct {
	cpuState *cpu.State
	lock     sync.IRQSpinlock

	heap     *kheap.Heap
	reporter Reporter

	entries []entry
	clock   uint64

	untrackedAllocs uint64
	stats           Stats
}

// NewTracker wraps heap. All violations are delivered to reporter.
func NewTracker(cpuState *cpu.State, heap *kheap.Heap, reporter Reporter) (*Tracker, *kernel.Error) {
	if cpuState == nil || heap == nil || reporter == nil {
		return nil, errNilArg
	}
	return &Tracker{cpuState: cpuState, heap: heap, reporter: reporter}, nil
}

// report counts and forwards one violation. The caller holds the lock.
func (t *Tracker) report(v Violation) {
	switch v.Type {
	case ViolationDoubleFree:
		t.stats.DoubleFrees++
	case ViolationUseAfterFree:
		t.stats.UseAfterFrees++
	case ViolationCanaryOverwrite:
		t.stats.CanaryOverwrites++
	case ViolationUntrackedPointer:
		t.stats.UntrackedPointers++
	case ViolationMetadataCorruption:
		t.stats.MetadataCorruption++
	}
	t.reporter.Report(v)
}

// lookup returns the table index of the entry for ptr or -1.
func (t *Tracker) lookup(ptr uint32) int {
	for i := range t.entries {
		if t.entries[i].ptr == ptr {
			return i
		}
	}
	return -1
}

// record tracks a fresh allocation, recycling the oldest freed entry when the
// table is full. It returns false if every slot is live.
func (t *Tracker) record(ptr, size uint32) bool {
	t.clock++

	if i := t.lookup(ptr); i != -1 {
		// The heap recycled the address of a freed block.
		t.entries[i] = entry{ptr: ptr, size: size, state: entryLive, allocTime: t.clock}
		return true
	}

	if len(t.entries) < maxTracked {
		t.entries = append(t.entries, entry{ptr: ptr, size: size, state: entryLive, allocTime: t.clock})
		return true
	}

	oldest := -1
	for i := range t.entries {
		if t.entries[i].state != entryFreed {
			continue
		}
		if oldest == -1 || t.entries[i].freeTime < t.entries[oldest].freeTime {
			oldest = i
		}
	}
	if oldest == -1 {
		return false
	}
	t.entries[oldest] = entry{ptr: ptr, size: size, state: entryLive, allocTime: t.clock}
	return true
}

// stampCanaries writes the guard bands around the payload of the raw block
// at raw with a user payload of size bytes.
func (t *Tracker) stampCanaries(raw, size uint32) *kernel.Error {
	buf, err := t.heap.Bytes(raw, size+2*canarySize)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(buf[:canarySize], frontCanary)
	binary.LittleEndian.PutUint64(buf[canarySize+size:], backCanary)
	return nil
}

// checkCanaries verifies both guard bands of the live entry e.
func (t *Tracker) checkCanaries(e entry) *kernel.Error {
	raw := e.ptr - canarySize
	buf, err := t.heap.Bytes(raw, e.size+2*canarySize)
	if err != nil {
		t.report(Violation{Type: ViolationMetadataCorruption, Pointer: e.ptr, Detail: err.Message})
		return err
	}

	if binary.LittleEndian.Uint64(buf[:canarySize]) != frontCanary {
		t.report(Violation{Type: ViolationCanaryOverwrite, Pointer: e.ptr, Detail: "front guard bytes overwritten (buffer underrun)"})
		return ErrCanaryOverwrite
	}
	if binary.LittleEndian.Uint64(buf[canarySize+e.size:]) != backCanary {
		t.report(Violation{Type: ViolationCanaryOverwrite, Pointer: e.ptr, Detail: "back guard bytes overwritten (buffer overrun)"})
		return ErrCanaryOverwrite
	}
	return nil
}

// Alloc obtains a tracked payload of size bytes: the underlying heap block is
// widened by two guard bands and the user pointer lands between them.
func (t *Tracker) Alloc(size uint32) (uint32, *kernel.Error) {
	t.lock.AcquireIRQSave(t.cpuState)
	defer t.lock.ReleaseIRQRestore(t.cpuState)

	if size > maxPayload {
		return 0, errInvalidSize
	}

	raw, err := t.heap.Alloc(size + 2*canarySize)
	if err != nil {
		return 0, err
	}
	if err := t.stampCanaries(raw, size); err != nil {
		return 0, err
	}

	ptr := raw + canarySize
	if !t.record(ptr, size) {
		t.untrackedAllocs++
		if t.untrackedAllocs == 1 {
			kfmt.Printf("[track] allocation table full (%d live entries); further allocations untracked\n", maxTracked)
		}
	}
	return ptr, nil
}

// Free verifies the canaries of a tracked allocation, poisons its payload
// and releases the underlying block. Violations refuse the free.
func (t *Tracker) Free(ptr uint32) *kernel.Error {
	t.lock.AcquireIRQSave(t.cpuState)
	defer t.lock.ReleaseIRQRestore(t.cpuState)

	i := t.lookup(ptr)
	if i == -1 {
		t.report(Violation{Type: ViolationUntrackedPointer, Pointer: ptr, Detail: "free of a pointer the tracker never handed out"})
		return ErrUntrackedPointer
	}
	e := t.entries[i]
	if e.state == entryFreed {
		t.report(Violation{Type: ViolationDoubleFree, Pointer: ptr, Detail: "second free of the same allocation"})
		return ErrDoubleFree
	}

	if err := t.checkCanaries(e); err != nil {
		return err
	}

	// Poison before releasing so a stale read through ptr yields the
	// recognizable pattern even if the heap reuses the block later.
	buf, err := t.heap.Bytes(ptr, e.size)
	if err != nil {
		return err
	}
	for j := range buf {
		buf[j] = poisonByte
	}

	if err := t.heap.Free(ptr - canarySize); err != nil {
		t.report(Violation{Type: ViolationMetadataCorruption, Pointer: ptr, Detail: err.Message})
		return err
	}

	t.clock++
	t.entries[i].state = entryFreed
	t.entries[i].freeTime = t.clock
	return nil
}

// Realloc resizes a tracked allocation. The guard bands are verified first,
// the payload is copied to a fresh tracked block and the old block is
// poisoned and released.
func (t *Tracker) Realloc(ptr, newSize uint32) (uint32, *kernel.Error) {
	t.lock.AcquireIRQSave(t.cpuState)
	defer t.lock.ReleaseIRQRestore(t.cpuState)

	if newSize > maxPayload {
		return 0, errInvalidSize
	}

	i := t.lookup(ptr)
	if i == -1 {
		t.report(Violation{Type: ViolationUntrackedPointer, Pointer: ptr, Detail: "resize of a pointer the tracker never handed out"})
		return 0, ErrUntrackedPointer
	}
	e := t.entries[i]
	if e.state == entryFreed {
		t.report(Violation{Type: ViolationUseAfterFree, Pointer: ptr, Detail: "resize of a freed allocation"})
		return 0, ErrUseAfterFree
	}
	if err := t.checkCanaries(e); err != nil {
		return 0, err
	}

	raw, err := t.heap.Alloc(newSize + 2*canarySize)
	if err != nil {
		return 0, err
	}
	if err := t.stampCanaries(raw, newSize); err != nil {
		return 0, err
	}
	newPtr := raw + canarySize

	n := e.size
	if newSize < n {
		n = newSize
	}
	src, err := t.heap.Bytes(ptr, n)
	if err != nil {
		return 0, err
	}
	dst, err := t.heap.Bytes(newPtr, n)
	if err != nil {
		return 0, err
	}
	copy(dst, src)

	old, err := t.heap.Bytes(ptr, e.size)
	if err != nil {
		return 0, err
	}
	for j := range old {
		old[j] = poisonByte
	}
	if err := t.heap.Free(ptr - canarySize); err != nil {
		t.report(Violation{Type: ViolationMetadataCorruption, Pointer: ptr, Detail: err.Message})
		return 0, err
	}

	t.clock++
	t.entries[i].state = entryFreed
	t.entries[i].freeTime = t.clock
	if !t.record(newPtr, newSize) {
		t.untrackedAllocs++
	}
	return newPtr, nil
}

// ValidatePointer checks that ptr refers to a live tracked allocation.
// Freed allocations report use-after-free; unknown pointers report an
// untracked pointer.
func (t *Tracker) ValidatePointer(ptr uint32) *kernel.Error {
	t.lock.AcquireIRQSave(t.cpuState)
	defer t.lock.ReleaseIRQRestore(t.cpuState)
	return t.validateLocked(ptr)
}

func (t *Tracker) validateLocked(ptr uint32) *kernel.Error {
	for i := range t.entries {
		e := t.entries[i]
		if ptr < e.ptr || ptr >= e.ptr+e.size {
			continue
		}
		if e.state == entryFreed {
			t.report(Violation{Type: ViolationUseAfterFree, Pointer: ptr, Detail: "access inside a freed allocation"})
			return ErrUseAfterFree
		}
		return nil
	}

	t.report(Violation{Type: ViolationUntrackedPointer, Pointer: ptr, Detail: "pointer matches no tracked allocation"})
	return ErrUntrackedPointer
}

// ValidateAllocation performs the full integrity check of one live
// allocation: table state, guard bands and heap block metadata.
func (t *Tracker) ValidateAllocation(ptr uint32) *kernel.Error {
	t.lock.AcquireIRQSave(t.cpuState)
	defer t.lock.ReleaseIRQRestore(t.cpuState)

	i := t.lookup(ptr)
	if i == -1 {
		t.report(Violation{Type: ViolationUntrackedPointer, Pointer: ptr, Detail: "pointer matches no tracked allocation"})
		return ErrUntrackedPointer
	}
	e := t.entries[i]
	if e.state == entryFreed {
		t.report(Violation{Type: ViolationUseAfterFree, Pointer: ptr, Detail: "validation of a freed allocation"})
		return ErrUseAfterFree
	}

	if err := t.checkCanaries(e); err != nil {
		return err
	}

	if _, err := t.heap.BlockPayloadSize(ptr - canarySize); err != nil {
		t.report(Violation{Type: ViolationMetadataCorruption, Pointer: ptr, Detail: err.Message})
		return err
	}
	return nil
}

// ScanHeapCorruption sweeps every live allocation's guard bands and returns
// the number of violations found. Used for periodic full-heap scans.
func (t *Tracker) ScanHeapCorruption() int {
	t.lock.AcquireIRQSave(t.cpuState)
	defer t.lock.ReleaseIRQRestore(t.cpuState)

	violations := 0
	for i := range t.entries {
		if t.entries[i].state != entryLive {
			continue
		}
		if err := t.checkCanaries(t.entries[i]); err != nil {
			violations++
		}
	}
	return violations
}

// Classify reports whether ptr falls inside a live or freed tracked
// allocation without raising a violation. The fault analyzer uses it to
// attribute fault addresses.
func (t *Tracker) Classify(ptr uint32) (live, freed bool) {
	t.lock.AcquireIRQSave(t.cpuState)
	defer t.lock.ReleaseIRQRestore(t.cpuState)

	for i := range t.entries {
		e := t.entries[i]
		if ptr < e.ptr || ptr >= e.ptr+e.size {
			continue
		}
		if e.state == entryLive {
			return true, false
		}
		return false, true
	}
	return false, false
}

// Stats returns a snapshot of the tracker counters.
func (t *Tracker) Stats() Stats {
	t.lock.AcquireIRQSave(t.cpuState)
	defer t.lock.ReleaseIRQRestore(t.cpuState)

	st := t.stats
	for i := range t.entries {
		switch t.entries[i].state {
		case entryLive:
			st.Live++
		case entryFreed:
			st.Freed++
		}
	}
	st.Untracked = t.untrackedAllocs
	return st
}
