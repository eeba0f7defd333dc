package pmm

import (
	"math/bits"

	"kestrel/kernel"
	"kestrel/kernel/cpu"
	"kestrel/kernel/hal/bootinfo"
	"kestrel/kernel/kfmt"
	"kestrel/kernel/mem"
	"kestrel/kernel/mem/guard"
	"kestrel/kernel/sync"
)

var (
	// ErrOutOfMemory is returned when no pool can satisfy an allocation.
	ErrOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of physical memory", Code: kernel.CodeOutOfMemory}

	// ErrFrameOutOfRange is returned when a frame argument falls outside
	// every tracked memory pool.
	ErrFrameOutOfRange = &kernel.Error{Module: "pmm", Message: "frame outside any tracked memory pool", Code: kernel.CodeInvalidAddress}

	// ErrFrameNotAllocated is returned when freeing or referencing a frame
	// that is not in an allocated or mapped state.
	ErrFrameNotAllocated = &kernel.Error{Module: "pmm", Message: "frame is not in an allocated or mapped state", Code: kernel.CodeInvalidAddress}

	// ErrNotInitialized is returned when the allocator is used before its
	// pools have been built.
	ErrNotInitialized = &kernel.Error{Module: "pmm", Message: "frame allocator is not initialized", Code: kernel.CodeNotInitialized}

	errNilArg            = &kernel.Error{Module: "pmm", Message: "nil argument to allocator constructor", Code: kernel.CodeNullPointer}
	errInvalidFrameCount = &kernel.Error{Module: "pmm", Message: "requested frame count is zero", Code: kernel.CodeInvalidSize}
	errPoolCorrupted     = &kernel.Error{Module: "pmm", Message: "frame pool descriptor failed its integrity check", Code: kernel.CodeInvalidAddress}
)

const (
	// poolMagic tags the guarded descriptor of every frame pool.
	poolMagic = 0x504f4f4c

	// maxTrackedFrames bounds the total number of frames the allocator
	// will track so a buggy or huge memory map cannot cause unbounded
	// bitmap growth. 1<<20 frames covers the full 32-bit physical space.
	maxTrackedFrames = uint64(1) << 20
)

// poolRange holds the integrity-relevant fields of a frame pool descriptor.
type poolRange struct {
	start, end Frame
}

// SumBytes implements guard.Checksummable.
func (r poolRange) SumBytes(buf []byte) []byte {
	return append(buf,
		byte(r.start), byte(r.start>>8), byte(r.start>>16), byte(r.start>>24),
		byte(r.end), byte(r.end>>8), byte(r.end>>16), byte(r.end>>24))
}

// framePool tracks used/free frames for one contiguous available memory
// region reported by the boot loader.
type framePool struct {
	// meta guards the pool bounds against stray writes. It is verified
	// before the pool is consulted on any allocation path.
	meta guard.Guarded[poolRange]

	// startFrame is the frame number for the first page in this pool.
	// Bitmap bit i corresponds to frame (startFrame + i).
	startFrame Frame

	// endFrame tracks the last frame in the pool (inclusive).
	endFrame Frame

	// freeCount tracks the available frames in this pool. The allocator
	// uses this field to skip fully allocated pools without scanning the
	// free bitmap.
	freeCount uint32

	// freeBitmap tracks used/free frames in the pool; a set bit means the
	// frame is not free.
	freeBitmap []uint64

	// state and refCount track the per-frame lifecycle state and mapping
	// reference count, indexed by (frame - startFrame).
	state    []FrameState
	refCount []uint16
}

func (p *framePool) frameCount() uint32 {
	return uint32(p.endFrame-p.startFrame) + 1
}

func (p *framePool) contains(f Frame) bool {
	return f >= p.startFrame && f <= p.endFrame
}

func (p *framePool) isFree(idx uint32) bool {
	return p.freeBitmap[idx>>6]&(1<<(idx&63)) == 0
}

func (p *framePool) setBit(idx uint32) {
	p.freeBitmap[idx>>6] |= 1 << (idx & 63)
}

func (p *framePool) clearBit(idx uint32) {
	p.freeBitmap[idx>>6] &^= 1 << (idx & 63)
}

// BitmapAllocator implements a physical frame allocator that tracks frame
// reservations across the available memory pools using bitmaps. All public
// methods are safe to call from interrupt context: every mutation happens
// under a spinlock that masks interrupts for the critical section.
type BitmapAllocator struct {
	cpuState *cpu.State
	lock     sync.IRQSpinlock

	pools []framePool

	totalFrames     uint32
	freeFrames      uint32
	reservedFrames  uint32
	allocatedFrames uint32
	mappedFrames    uint32
	corruptedFrames uint32
	failedFrees     uint64

	// hintPool/hintBlock form the rolling next-fit hint: allocations
	// resume scanning where the last allocation or free left off, which
	// keeps the scan cheap and reduces fragmentation.
	hintPool  int
	hintBlock int

	initialized bool
}

// Stats is a point-in-time snapshot of the allocator counters. The frame
// counts always satisfy Total = Free + Reserved + Allocated + Mapped +
// Corrupted.
type Stats struct {
	TotalFrames     uint32
	FreeFrames      uint32
	ReservedFrames  uint32
	AllocatedFrames uint32
	MappedFrames    uint32
	CorruptedFrames uint32

	// FailedFrees counts rejected FreeFrame calls (double frees and frees
	// of untracked frames).
	FailedFrees uint64
}

// NewBitmapAllocator builds the frame pools for every available region of the
// supplied memory map. Regions are clipped to page boundaries (round up for
// the start, round down for the end) and the total tracked frame count is
// bounded by a hard cap; frames past the cap are ignored with a log note.
func NewBitmapAllocator(cpuState *cpu.State, memMap *bootinfo.MemoryMap) (*BitmapAllocator, *kernel.Error) {
	if cpuState == nil || memMap == nil {
		return nil, errNilArg
	}

	alloc := &BitmapAllocator{cpuState: cpuState}

	pageSizeMinus1 := uint64(mem.PageSize - 1)
	memMap.Visit(func(region *bootinfo.MemoryMapEntry) bool {
		kfmt.Printf("[pmm] region: 0x%08x - 0x%08x (%s)\n", region.PhysAddress, region.PhysAddress+region.Length, region.Type)
		if !region.Type.Usable() {
			return true
		}

		// Reported addresses may not be page-aligned; round up to get
		// the start frame and round down to get the end frame.
		startFrame := Frame(((region.PhysAddress + pageSizeMinus1) &^ pageSizeMinus1) >> mem.PageShift)
		endFrameExcl := Frame(((region.PhysAddress + region.Length) &^ pageSizeMinus1) >> mem.PageShift)
		if endFrameExcl <= startFrame {
			return true
		}
		endFrame := endFrameExcl - 1

		if uint64(alloc.totalFrames)+uint64(endFrame-startFrame)+1 > maxTrackedFrames {
			kfmt.Printf("[pmm] frame cap reached; ignoring frames past 0x%x\n", startFrame.Address())
			remaining := maxTrackedFrames - uint64(alloc.totalFrames)
			if remaining == 0 {
				return false
			}
			endFrame = startFrame + Frame(remaining) - 1
		}

		count := uint32(endFrame-startFrame) + 1
		pool := framePool{
			startFrame: startFrame,
			endFrame:   endFrame,
			freeCount:  count,
			freeBitmap: make([]uint64, (count+63)>>6),
			state:      make([]FrameState, count),
			refCount:   make([]uint16, count),
		}
		pool.meta.Seal(poolMagic, poolRange{start: startFrame, end: endFrame})

		// Bits past the last tracked frame in the final bitmap block do
		// not correspond to frames; pre-set them so scans skip them.
		for idx := count; idx < uint32(len(pool.freeBitmap))<<6; idx++ {
			pool.setBit(idx)
		}

		alloc.pools = append(alloc.pools, pool)
		alloc.totalFrames += count
		alloc.freeFrames += count
		return true
	})

	if alloc.totalFrames == 0 {
		return nil, ErrOutOfMemory
	}

	alloc.initialized = true
	kfmt.Printf("[pmm] tracking %d frames in %d pools\n", alloc.totalFrames, len(alloc.pools))
	return alloc, nil
}

// lookup locates the pool that tracks frame f and returns the pool together
// with the frame's index inside it.
func (a *BitmapAllocator) lookup(f Frame) (*framePool, uint32, *kernel.Error) {
	for pi := range a.pools {
		pool := &a.pools[pi]
		if !pool.contains(f) {
			continue
		}
		if !pool.meta.Verify() {
			kfmt.Printf("[pmm] pool %d descriptor corrupted (frames 0x%x-0x%x)\n", pi, pool.startFrame, pool.endFrame)
			return nil, 0, errPoolCorrupted
		}
		return pool, uint32(f - pool.startFrame), nil
	}
	return nil, 0, ErrFrameOutOfRange
}

// markAllocated transitions a free frame to the allocated state.
func (a *BitmapAllocator) markAllocated(pool *framePool, idx uint32) {
	pool.setBit(idx)
	pool.freeCount--
	pool.state[idx] = FrameAllocated
	pool.refCount[idx] = 1
	a.freeFrames--
	a.allocatedFrames++
}

// release returns a frame to the free pool and moves the next-fit hint to it.
func (a *BitmapAllocator) release(poolIndex int, pool *framePool, idx uint32) {
	switch pool.state[idx] {
	case FrameAllocated:
		a.allocatedFrames--
	case FrameMapped:
		a.mappedFrames--
	}
	pool.clearBit(idx)
	pool.freeCount++
	pool.state[idx] = FrameFree
	pool.refCount[idx] = 0
	a.freeFrames++
	a.hintPool = poolIndex
	a.hintBlock = int(idx >> 6)
}

// allocOne performs a next-fit bitmap scan starting at the rolling hint and
// reserves the first free frame it finds. The caller must hold the lock.
func (a *BitmapAllocator) allocOne() (Frame, *kernel.Error) {
	poolCount := len(a.pools)
	for i := 0; i < poolCount; i++ {
		pi := (a.hintPool + i) % poolCount
		pool := &a.pools[pi]
		if pool.freeCount == 0 {
			continue
		}
		if !pool.meta.Verify() {
			kfmt.Printf("[pmm] pool %d descriptor corrupted (frames 0x%x-0x%x)\n", pi, pool.startFrame, pool.endFrame)
			return InvalidFrame, errPoolCorrupted
		}

		blockCount := len(pool.freeBitmap)
		startBlock := 0
		if pi == a.hintPool {
			startBlock = a.hintBlock
		}
		for j := 0; j < blockCount; j++ {
			bi := (startBlock + j) % blockCount
			block := pool.freeBitmap[bi]
			if block == ^uint64(0) {
				continue
			}

			idx := uint32(bi)<<6 + uint32(bits.TrailingZeros64(^block))
			a.markAllocated(pool, idx)
			a.hintPool = pi
			a.hintBlock = bi
			return pool.startFrame + Frame(idx), nil
		}
	}

	return InvalidFrame, ErrOutOfMemory
}

// AllocFrame reserves one free frame and returns it. On exhaustion it returns
// InvalidFrame together with ErrOutOfMemory.
func (a *BitmapAllocator) AllocFrame() (Frame, *kernel.Error) {
	a.lock.AcquireIRQSave(a.cpuState)
	defer a.lock.ReleaseIRQRestore(a.cpuState)

	if !a.initialized {
		return InvalidFrame, ErrNotInitialized
	}
	return a.allocOne()
}

// AllocFrames reserves n physically contiguous frames and returns the first
// one. The request either succeeds completely or fails without retaining any
// partial allocation.
func (a *BitmapAllocator) AllocFrames(n uint32) (Frame, *kernel.Error) {
	a.lock.AcquireIRQSave(a.cpuState)
	defer a.lock.ReleaseIRQRestore(a.cpuState)

	if !a.initialized {
		return InvalidFrame, ErrNotInitialized
	}
	if n == 0 {
		return InvalidFrame, errInvalidFrameCount
	}

	for pi := range a.pools {
		pool := &a.pools[pi]
		if pool.freeCount < n {
			continue
		}
		if !pool.meta.Verify() {
			return InvalidFrame, errPoolCorrupted
		}

		var run uint32
		count := pool.frameCount()
		for idx := uint32(0); idx < count; idx++ {
			if !pool.isFree(idx) {
				run = 0
				continue
			}
			run++
			if run < n {
				continue
			}

			first := idx - n + 1
			for k := first; k <= idx; k++ {
				a.markAllocated(pool, k)
			}
			a.hintPool = pi
			a.hintBlock = int(idx >> 6)
			return pool.startFrame + Frame(first), nil
		}
	}

	return InvalidFrame, ErrOutOfMemory
}

// AllocScattered reserves up to n frames without any contiguity guarantee,
// storing them into out. It is the degraded-mode allocation path used when
// the pools are too fragmented for AllocFrames. The returned count reports
// exactly how many frames were obtained; when it is less than n the error is
// ErrOutOfMemory and the caller decides whether to proceed with the partial
// set or unwind it via FreeFrame.
func (a *BitmapAllocator) AllocScattered(n uint32, out []Frame) (uint32, *kernel.Error) {
	a.lock.AcquireIRQSave(a.cpuState)
	defer a.lock.ReleaseIRQRestore(a.cpuState)

	if !a.initialized {
		return 0, ErrNotInitialized
	}
	if n == 0 {
		return 0, errInvalidFrameCount
	}
	if uint32(len(out)) < n {
		n = uint32(len(out))
	}

	var got uint32
	for got < n {
		frame, err := a.allocOne()
		if err != nil {
			return got, err
		}
		out[got] = frame
		got++
	}
	return got, nil
}

// FreeFrame drops one reference to an allocated or mapped frame, returning it
// to the free pool when the reference count reaches zero. Freeing a frame
// that is free, reserved, corrupted or untracked is rejected and counted in
// the allocator statistics.
func (a *BitmapAllocator) FreeFrame(f Frame) *kernel.Error {
	a.lock.AcquireIRQSave(a.cpuState)
	defer a.lock.ReleaseIRQRestore(a.cpuState)

	if !a.initialized {
		return ErrNotInitialized
	}
	_, err := a.decRef(f)
	return err
}

// FreeFrames frees n consecutive frames starting at first. It keeps going on
// individual failures and returns the first error encountered.
func (a *BitmapAllocator) FreeFrames(first Frame, n uint32) *kernel.Error {
	a.lock.AcquireIRQSave(a.cpuState)
	defer a.lock.ReleaseIRQRestore(a.cpuState)

	if !a.initialized {
		return ErrNotInitialized
	}

	var firstErr *kernel.Error
	for i := uint32(0); i < n; i++ {
		if _, err := a.decRef(first + Frame(i)); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// MarkMapped records a page-table mapping reference against a frame. The
// first mapping takes over the allocation reference and transitions the frame
// from allocated to mapped; each additional mapping of an already-mapped
// frame adds a sharing reference.
func (a *BitmapAllocator) MarkMapped(f Frame) *kernel.Error {
	a.lock.AcquireIRQSave(a.cpuState)
	defer a.lock.ReleaseIRQRestore(a.cpuState)

	if !a.initialized {
		return ErrNotInitialized
	}

	pool, idx, err := a.lookup(f)
	if err != nil {
		return err
	}

	switch pool.state[idx] {
	case FrameAllocated:
		pool.state[idx] = FrameMapped
		a.allocatedFrames--
		a.mappedFrames++
	case FrameMapped:
		pool.refCount[idx]++
	case FrameReserved:
		// Reserved frames (kernel image, firmware ranges) are pinned;
		// mappings of them carry no reference.
	default:
		return ErrFrameNotAllocated
	}
	return nil
}

// IncRef adds a reference to an allocated or mapped frame so a second owner
// can hold it past the first owner's release.
func (a *BitmapAllocator) IncRef(f Frame) *kernel.Error {
	a.lock.AcquireIRQSave(a.cpuState)
	defer a.lock.ReleaseIRQRestore(a.cpuState)

	if !a.initialized {
		return ErrNotInitialized
	}

	pool, idx, err := a.lookup(f)
	if err != nil {
		return err
	}

	state := pool.state[idx]
	if state != FrameAllocated && state != FrameMapped {
		return ErrFrameNotAllocated
	}

	pool.refCount[idx]++
	return nil
}

// DecRef drops a mapping reference from a frame, freeing it when the count
// reaches zero. The first return value reports whether the frame was freed.
func (a *BitmapAllocator) DecRef(f Frame) (bool, *kernel.Error) {
	a.lock.AcquireIRQSave(a.cpuState)
	defer a.lock.ReleaseIRQRestore(a.cpuState)

	if !a.initialized {
		return false, ErrNotInitialized
	}
	return a.decRef(f)
}

func (a *BitmapAllocator) decRef(f Frame) (bool, *kernel.Error) {
	pool, idx, err := a.lookup(f)
	if err != nil {
		if err == ErrFrameOutOfRange {
			a.failedFrees++
		}
		return false, err
	}

	state := pool.state[idx]
	if state != FrameAllocated && state != FrameMapped {
		a.failedFrees++
		return false, ErrFrameNotAllocated
	}

	pool.refCount[idx]--
	if pool.refCount[idx] > 0 {
		return false, nil
	}

	poolIndex := a.poolIndex(pool)
	a.release(poolIndex, pool, idx)
	return true, nil
}

func (a *BitmapAllocator) poolIndex(pool *framePool) int {
	for pi := range a.pools {
		if &a.pools[pi] == pool {
			return pi
		}
	}
	return 0
}

// ReserveRange marks every tracked, free frame whose address falls inside
// [startAddr, endAddr) as reserved. Frames outside the tracked pools are
// ignored; the boot loader already excludes them from the usable set.
func (a *BitmapAllocator) ReserveRange(startAddr, endAddr uint32) *kernel.Error {
	a.lock.AcquireIRQSave(a.cpuState)
	defer a.lock.ReleaseIRQRestore(a.cpuState)

	if !a.initialized {
		return ErrNotInitialized
	}
	if endAddr <= startAddr {
		return errInvalidFrameCount
	}

	first := FrameFromAddress(startAddr)
	last := FrameFromAddress(endAddr - 1)
	for f := first; f <= last; f++ {
		pool, idx, err := a.lookup(f)
		if err != nil {
			if err == errPoolCorrupted {
				return err
			}
			continue
		}
		if pool.state[idx] != FrameFree {
			continue
		}
		pool.setBit(idx)
		pool.freeCount--
		pool.state[idx] = FrameReserved
		a.freeFrames--
		a.reservedFrames++
	}
	return nil
}

// MarkCorrupted permanently excludes a frame from the free pool after a
// corruption report. A corrupted frame is never handed out again and frees
// against it are rejected.
func (a *BitmapAllocator) MarkCorrupted(f Frame) *kernel.Error {
	a.lock.AcquireIRQSave(a.cpuState)
	defer a.lock.ReleaseIRQRestore(a.cpuState)

	if !a.initialized {
		return ErrNotInitialized
	}

	pool, idx, err := a.lookup(f)
	if err != nil {
		return err
	}

	switch pool.state[idx] {
	case FrameFree:
		pool.setBit(idx)
		pool.freeCount--
		a.freeFrames--
	case FrameReserved:
		a.reservedFrames--
	case FrameAllocated:
		a.allocatedFrames--
	case FrameMapped:
		a.mappedFrames--
	case FrameCorrupted:
		return nil
	}
	pool.state[idx] = FrameCorrupted
	pool.refCount[idx] = 0
	a.corruptedFrames++
	kfmt.Printf("[pmm] frame 0x%08x marked corrupted\n", f.Address())
	return nil
}

// FrameStateOf returns the lifecycle state of a tracked frame.
func (a *BitmapAllocator) FrameStateOf(f Frame) (FrameState, *kernel.Error) {
	a.lock.AcquireIRQSave(a.cpuState)
	defer a.lock.ReleaseIRQRestore(a.cpuState)

	if !a.initialized {
		return FrameFree, ErrNotInitialized
	}

	pool, idx, err := a.lookup(f)
	if err != nil {
		return FrameFree, err
	}
	return pool.state[idx], nil
}

// Stats returns a snapshot of the allocator counters. Querying statistics has
// no side effects.
func (a *BitmapAllocator) Stats() Stats {
	a.lock.AcquireIRQSave(a.cpuState)
	defer a.lock.ReleaseIRQRestore(a.cpuState)

	return Stats{
		TotalFrames:     a.totalFrames,
		FreeFrames:      a.freeFrames,
		ReservedFrames:  a.reservedFrames,
		AllocatedFrames: a.allocatedFrames,
		MappedFrames:    a.mappedFrames,
		CorruptedFrames: a.corruptedFrames,
		FailedFrees:     a.failedFrees,
	}
}
