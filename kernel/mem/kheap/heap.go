package kheap

import (
	"encoding/binary"

	"kestrel/kernel"
	"kestrel/kernel/cpu"
	"kestrel/kernel/kfmt"
	"kestrel/kernel/mem"
	"kestrel/kernel/sync"
)

var (
	// ErrOutOfMemory is returned when an allocation cannot be satisfied
	// even after growing the heap to its configured ceiling.
	ErrOutOfMemory = &kernel.Error{Module: "kheap", Message: "heap space exhausted", Code: kernel.CodeOutOfMemory}

	// ErrInvalidPointer is returned when a pointer does not refer to the
	// payload of a heap block.
	ErrInvalidPointer = &kernel.Error{Module: "kheap", Message: "pointer does not refer to a heap allocation", Code: kernel.CodeInvalidAddress}

	// ErrDoubleFree is returned when freeing a block that is already on a
	// free list. The free is refused and counted, never "fixed".
	ErrDoubleFree = &kernel.Error{Module: "kheap", Message: "block is already free", Code: kernel.CodeInvalidAddress}

	// ErrBlockCorrupted is returned when a block fails its magic, canary,
	// checksum or footer validation. The block is quarantined.
	ErrBlockCorrupted = &kernel.Error{Module: "kheap", Message: "block metadata failed its integrity check", Code: kernel.CodeInvalidAddress}

	// ErrNotInitialized is returned when the heap is used before NewHeap
	// completed.
	ErrNotInitialized = &kernel.Error{Module: "kheap", Message: "heap is not initialized", Code: kernel.CodeNotInitialized}

	errInvalidSize  = &kernel.Error{Module: "kheap", Message: "allocation size is zero or exceeds the heap ceiling", Code: kernel.CodeInvalidSize}
	errInvalidAlign = &kernel.Error{Module: "kheap", Message: "alignment is not a power of two", Code: kernel.CodeInvalidSize}
	errBadConfig    = &kernel.Error{Module: "kheap", Message: "invalid heap configuration", Code: kernel.CodeInvalidSize}
	errNilGrowFn    = &kernel.Error{Module: "kheap", Message: "nil grow callback", Code: kernel.CodeNullPointer}
)

// classCeilings is the power-of-two ladder of size classes. Class i holds
// free blocks whose payload fits under classCeilings[i]; the final class is
// the catch-all for everything above the small-block ceiling.
var classCeilings = [...]uint32{32, 64, 128, 256, 512, 1024}

const numClasses = len(classCeilings) + 1

// growPages is the minimum heap expansion increment.
const growPages = 16

// GrowFunc maps pages for the next slice of the heap region. virtAddr is the
// first unmapped byte of the region and is always page-aligned. The callback
// runs with the heap lock held; implementations may take the page-table and
// frame locks, never the heap lock.
type GrowFunc func(virtAddr uint32, pages uint32) *kernel.Error

// Stats is a point-in-time snapshot of the heap counters.
type Stats struct {
	// TotalBytes is the current size of the heap region, metadata
	// included.
	TotalBytes uint64

	// UsedBytes and FreeBytes count payload bytes only.
	UsedBytes uint64
	FreeBytes uint64

	// LargestFree is the biggest single allocation the heap could satisfy
	// without growing.
	LargestFree uint64

	// FragmentationPct is (1 - LargestFree/FreeBytes) * 100.
	FragmentationPct uint32

	Allocs          uint64
	Frees           uint64
	FailedFrees     uint64
	Grows           uint64
	CorruptedBlocks uint64
}

// Heap is a segregated-fit allocator over a contiguous virtual region
// starting at a fixed address. All metadata lives inside the region itself;
// blocks are addressed by byte offset, never by pointer.
type Heap struct {
	cpuState *cpu.State
	lock     sync.IRQSpinlock

	start   uint32
	maxSize uint32
	arena   []byte
	growFn  GrowFunc

	// classes holds the head block offset of each size class free list.
	classes [numClasses]uint32

	seq uint32

	usedBytes       uint64
	freeBytes       uint64
	allocs          uint64
	frees           uint64
	failedFrees     uint64
	grows           uint64
	corruptedBlocks uint64

	initialized bool
}

// NewHeap reserves the virtual region [start, start+maxSize), maps its first
// initialSize bytes through growFn and formats them as a single free block.
func NewHeap(cpuState *cpu.State, start uint32, initialSize, maxSize mem.Size, growFn GrowFunc) (*Heap, *kernel.Error) {
	if cpuState == nil {
		return nil, errBadConfig
	}
	if growFn == nil {
		return nil, errNilGrowFn
	}
	if start&uint32(mem.PageSize-1) != 0 || initialSize < mem.PageSize || maxSize < initialSize {
		return nil, errBadConfig
	}

	if err := growFn(start, initialSize.Pages()); err != nil {
		return nil, err
	}

	h := &Heap{
		cpuState: cpuState,
		start:    start,
		maxSize:  uint32(maxSize),
		arena:    make([]byte, initialSize),
		growFn:   growFn,
	}
	for i := range h.classes {
		h.classes[i] = nilOffset
	}

	payload := uint32(len(h.arena)) - blockOverhead
	writeHeader(h.arena, 0, blockHeader{size: payload, state: blockFree})
	writeFooter(h.arena, 0, payload)
	h.pushFree(0, payload)
	h.freeBytes = uint64(payload)
	h.initialized = true

	kfmt.Printf("[kheap] heap region: 0x%x - 0x%x (mapped: %d KB)\n", start, start+uint32(maxSize), uint64(initialSize)/1024)
	return h, nil
}

// classFor returns the size class index for a payload size.
func classFor(size uint32) int {
	for i, ceiling := range classCeilings {
		if size <= ceiling {
			return i
		}
	}
	return numClasses - 1
}

// pushFree links the free block at offset h into the head of its class.
func (hp *Heap) pushFree(h, size uint32) {
	c := classFor(size)
	next := hp.classes[c]
	setFreeLinks(hp.arena, h, next, nilOffset)
	if next != nilOffset {
		nextNext, _ := freeLinks(hp.arena, next)
		setFreeLinks(hp.arena, next, nextNext, h)
	}
	hp.classes[c] = h
}

// unlinkFree removes the free block at offset h from its class list.
func (hp *Heap) unlinkFree(h, size uint32) {
	next, prev := freeLinks(hp.arena, h)
	if prev == nilOffset {
		hp.classes[classFor(size)] = next
	} else {
		_, prevPrev := freeLinks(hp.arena, prev)
		setFreeLinks(hp.arena, prev, next, prevPrev)
	}
	if next != nilOffset {
		nextNext, _ := freeLinks(hp.arena, next)
		setFreeLinks(hp.arena, next, nextNext, prev)
	}
}

// roundSize normalizes a requested payload size.
func roundSize(size uint32) uint32 {
	if size < minPayload {
		size = minPayload
	}
	return (size + payloadAlign - 1) &^ uint32(payloadAlign-1)
}

// findFit scans the size classes for the first free block that can hold a
// rounded payload of the given size at the given alignment. It returns the
// block offset and the leading pad needed to align the payload, or false.
func (hp *Heap) findFit(size, align uint32) (uint32, uint32, bool) {
	for c := classFor(size); c < numClasses; c++ {
		prev := nilOffset
		for h := hp.classes[c]; h != nilOffset; {
			hdr, ok := readHeader(hp.arena, h)
			if !ok {
				h = hp.dropCorruptedFree(c, h, prev)
				continue
			}

			pad := hp.alignPad(h, align)
			if hdr.size >= pad+size {
				return h, pad, true
			}
			prev = h
			h, _ = freeLinks(hp.arena, h)
		}
	}
	return 0, 0, false
}

// dropCorruptedFree splices the poisoned free-list node at h out of class c
// and returns the offset to continue the scan from. The links live in the
// node's payload and survive a header overwrite; each successor is validated
// on its own turn. Quarantine is only written through a tagged header, in
// case a scribbled link led the scan into a live payload.
func (hp *Heap) dropCorruptedFree(c int, h, prev uint32) uint32 {
	kfmt.Printf("[kheap] free list corruption at offset 0x%x (class %d)\n", h, c)
	hp.corruptedBlocks++

	next := nilOffset
	if uint64(h)+uint64(blockOverhead)+minPayload <= uint64(len(hp.arena)) {
		next, _ = freeLinks(hp.arena, h)
	}
	if next != nilOffset && uint64(next)+uint64(blockOverhead) > uint64(len(hp.arena)) {
		next = nilOffset
	}

	if headerTagged(hp.arena, h) {
		// The size field is no longer trusted; fold it out of the
		// free count only when it is plausible.
		sz := uint64(binary.LittleEndian.Uint32(hp.arena[h+hdrSizeOff:]))
		if uint64(h)+uint64(blockOverhead)+sz <= uint64(len(hp.arena)) && sz <= hp.freeBytes {
			hp.freeBytes -= sz
		}
		markCorrupted(hp.arena, h)
		// A cycle through scribbled links must not revisit this node.
		setFreeLinks(hp.arena, h, nilOffset, nilOffset)
	}

	if prev == nilOffset {
		hp.classes[c] = next
	} else {
		setFreeNext(hp.arena, prev, next)
	}
	if next != nilOffset && headerTagged(hp.arena, next) {
		setFreePrev(hp.arena, next, prev)
	}
	return next
}

// alignPad returns the leading byte count needed so the payload of a block
// carved at offset h lands on the requested alignment. A non-zero pad must
// leave room for a whole leading free block.
func (hp *Heap) alignPad(h, align uint32) uint32 {
	payloadAddr := hp.start + h + headerSize
	aligned := (payloadAddr + align - 1) &^ (align - 1)
	pad := aligned - payloadAddr
	for pad != 0 && pad < blockOverhead+minPayload {
		pad += align
	}
	return pad
}

// carve turns the free block at offset h into a used block with a payload of
// exactly size bytes at the requested pad, splitting off leading and trailing
// free remainders when they are big enough to stand alone.
func (hp *Heap) carve(h, blockSize, pad, size uint32) uint32 {
	hp.unlinkFree(h, blockSize)
	hp.freeBytes -= uint64(blockSize)

	if pad != 0 {
		leadPayload := pad - blockOverhead
		writeHeader(hp.arena, h, blockHeader{size: leadPayload, state: blockFree})
		writeFooter(hp.arena, h, leadPayload)
		hp.pushFree(h, leadPayload)
		hp.freeBytes += uint64(leadPayload)

		h += pad
		blockSize -= pad
	}

	if rem := blockSize - size; rem >= blockOverhead+minPayload {
		tail := h + blockOverhead + size
		tailPayload := rem - blockOverhead
		writeHeader(hp.arena, tail, blockHeader{size: tailPayload, state: blockFree})
		writeFooter(hp.arena, tail, tailPayload)
		hp.pushFree(tail, tailPayload)
		hp.freeBytes += uint64(tailPayload)
	} else {
		size = blockSize
	}

	hp.seq++
	writeHeader(hp.arena, h, blockHeader{size: size, state: blockUsed, seq: hp.seq})
	writeFooter(hp.arena, h, size)
	hp.usedBytes += uint64(size)
	hp.allocs++
	return hp.start + h + headerSize
}

// grow extends the heap region by at least need payload bytes, mapping new
// pages through the grow callback, and merges the new space with a trailing
// free block when there is one.
func (hp *Heap) grow(need uint32) *kernel.Error {
	want := mem.Size(need + blockOverhead).Pages()
	if want < growPages {
		want = growPages
	}

	room := (hp.maxSize - uint32(len(hp.arena))) >> mem.PageShift
	if room == 0 {
		return ErrOutOfMemory
	}
	if want > room {
		want = room
	}

	oldLen := uint32(len(hp.arena))
	if err := hp.growFn(hp.start+oldLen, want); err != nil {
		return err
	}

	grown := want << mem.PageShift
	hp.arena = append(hp.arena, make([]byte, grown)...)
	hp.grows++

	// Format the new space as one free block, absorbing a free block that
	// ended exactly at the old region boundary.
	h := oldLen
	payload := grown - blockOverhead
	if prev, prevSize, ok := hp.blockBefore(oldLen); ok {
		hdr, valid := readHeader(hp.arena, prev)
		if valid && hdr.state == blockFree {
			hp.unlinkFree(prev, prevSize)
			hp.freeBytes -= uint64(prevSize)
			h = prev
			payload = prevSize + blockOverhead + payload
		}
	}
	writeHeader(hp.arena, h, blockHeader{size: payload, state: blockFree})
	writeFooter(hp.arena, h, payload)
	hp.pushFree(h, payload)
	hp.freeBytes += uint64(payload)
	return nil
}

// blockBefore locates the block whose footer ends exactly at offset end.
func (hp *Heap) blockBefore(end uint32) (uint32, uint32, bool) {
	if end < blockOverhead+minPayload {
		return 0, 0, false
	}
	raw := hp.arena[end-footerSize : end]
	if binary.LittleEndian.Uint32(raw[ftrMagicOff:]) != footMagic {
		return 0, 0, false
	}
	size := binary.LittleEndian.Uint32(raw[ftrSizeOff:])
	if uint64(size)+blockOverhead > uint64(end) {
		return 0, 0, false
	}
	return end - blockOverhead - size, size, true
}

func (hp *Heap) allocLocked(size, align uint32) (uint32, *kernel.Error) {
	if !hp.initialized {
		return 0, ErrNotInitialized
	}
	if size == 0 || size > hp.maxSize {
		return 0, errInvalidSize
	}

	rounded := roundSize(size)
	for {
		if h, pad, ok := hp.findFit(rounded, align); ok {
			hdr, _ := readHeader(hp.arena, h)
			return hp.carve(h, hdr.size, pad, rounded), nil
		}
		if err := hp.grow(rounded + align); err != nil {
			return 0, err
		}
	}
}

// Alloc returns the virtual address of a payload of at least size bytes.
func (hp *Heap) Alloc(size uint32) (uint32, *kernel.Error) {
	hp.lock.AcquireIRQSave(hp.cpuState)
	defer hp.lock.ReleaseIRQRestore(hp.cpuState)
	return hp.allocLocked(size, 1)
}

// AllocAligned returns a payload whose address is a multiple of align, which
// must be a power of two.
func (hp *Heap) AllocAligned(size, align uint32) (uint32, *kernel.Error) {
	if align == 0 || align&(align-1) != 0 {
		return 0, errInvalidAlign
	}

	hp.lock.AcquireIRQSave(hp.cpuState)
	defer hp.lock.ReleaseIRQRestore(hp.cpuState)
	return hp.allocLocked(size, align)
}

// Zalloc behaves like Alloc and zero-fills the payload.
func (hp *Heap) Zalloc(size uint32) (uint32, *kernel.Error) {
	hp.lock.AcquireIRQSave(hp.cpuState)
	defer hp.lock.ReleaseIRQRestore(hp.cpuState)

	ptr, err := hp.allocLocked(size, 1)
	if err != nil {
		return 0, err
	}

	off := ptr - hp.start
	hdr, _ := readHeader(hp.arena, off-headerSize)
	for i := uint32(0); i < hdr.size; i++ {
		hp.arena[off+i] = 0
	}
	return ptr, nil
}

// checkUsed validates ptr and returns the offset and header of the used
// block it belongs to.
func (hp *Heap) checkUsed(ptr uint32) (uint32, blockHeader, *kernel.Error) {
	if !hp.initialized {
		return 0, blockHeader{}, ErrNotInitialized
	}
	if ptr < hp.start+headerSize || uint64(ptr-hp.start) >= uint64(len(hp.arena)) || (ptr-hp.start)&(payloadAlign-1) != 0 {
		return 0, blockHeader{}, ErrInvalidPointer
	}

	h := ptr - hp.start - headerSize
	hdr, ok := readHeader(hp.arena, h)
	if !ok {
		// Without the magic tag these bytes are not a block header;
		// they may belong to a live payload, so nothing is written.
		if !headerTagged(hp.arena, h) {
			return 0, blockHeader{}, ErrInvalidPointer
		}
		kfmt.Printf("[kheap] header corruption at 0x%x\n", ptr)
		markCorrupted(hp.arena, h)
		hp.corruptedBlocks++
		return 0, blockHeader{}, ErrBlockCorrupted
	}

	switch hdr.state {
	case blockUsed:
	case blockFree:
		return 0, blockHeader{}, ErrDoubleFree
	default:
		return 0, blockHeader{}, ErrBlockCorrupted
	}

	if !readFooter(hp.arena, h, hdr.size) {
		kfmt.Printf("[kheap] footer overwrite at 0x%x (payload size %d)\n", ptr, hdr.size)
		markCorrupted(hp.arena, h)
		hp.corruptedBlocks++
		return 0, blockHeader{}, ErrBlockCorrupted
	}
	return h, hdr, nil
}

func (hp *Heap) freeLocked(ptr uint32) *kernel.Error {
	h, hdr, err := hp.checkUsed(ptr)
	if err != nil {
		if err != ErrNotInitialized {
			hp.failedFrees++
		}
		return err
	}

	size := hdr.size
	hp.usedBytes -= uint64(size)

	// Coalesce with the following block.
	if next := h + blockOverhead + size; uint64(next) < uint64(len(hp.arena)) {
		nextHdr, ok := readHeader(hp.arena, next)
		if ok && nextHdr.state == blockFree {
			hp.unlinkFree(next, nextHdr.size)
			hp.freeBytes -= uint64(nextHdr.size)
			size += blockOverhead + nextHdr.size
			clobberHeader(hp.arena, next)
		}
	}

	// Coalesce with the preceding block.
	if prev, prevSize, ok := hp.blockBefore(h); ok {
		prevHdr, valid := readHeader(hp.arena, prev)
		if valid && prevHdr.state == blockFree {
			hp.unlinkFree(prev, prevSize)
			hp.freeBytes -= uint64(prevSize)
			clobberHeader(hp.arena, h)
			h = prev
			size += blockOverhead + prevSize
		}
	}

	writeHeader(hp.arena, h, blockHeader{size: size, state: blockFree})
	writeFooter(hp.arena, h, size)
	hp.pushFree(h, size)
	hp.freeBytes += uint64(size)
	hp.frees++
	return nil
}

// Free returns the block that backs ptr to the heap, coalescing it with any
// free neighbours. Metadata violations quarantine the block instead of
// touching the free lists.
func (hp *Heap) Free(ptr uint32) *kernel.Error {
	hp.lock.AcquireIRQSave(hp.cpuState)
	defer hp.lock.ReleaseIRQRestore(hp.cpuState)
	return hp.freeLocked(ptr)
}

// Realloc resizes the allocation at ptr, growing in place when the following
// block is free and large enough and falling back to alloc+copy+free.
func (hp *Heap) Realloc(ptr, newSize uint32) (uint32, *kernel.Error) {
	hp.lock.AcquireIRQSave(hp.cpuState)
	defer hp.lock.ReleaseIRQRestore(hp.cpuState)

	if newSize == 0 || newSize > hp.maxSize {
		return 0, errInvalidSize
	}

	h, hdr, err := hp.checkUsed(ptr)
	if err != nil {
		return 0, err
	}

	rounded := roundSize(newSize)
	if rounded <= hdr.size {
		return ptr, nil
	}

	// Grow in place when the next block is free and closes the gap.
	if next := h + blockOverhead + hdr.size; uint64(next) < uint64(len(hp.arena)) {
		nextHdr, ok := readHeader(hp.arena, next)
		if ok && nextHdr.state == blockFree && hdr.size+blockOverhead+nextHdr.size >= rounded {
			hp.unlinkFree(next, nextHdr.size)
			hp.freeBytes -= uint64(nextHdr.size)
			clobberHeader(hp.arena, next)
			merged := hdr.size + blockOverhead + nextHdr.size

			size := rounded
			if rem := merged - rounded; rem >= blockOverhead+minPayload {
				tail := h + blockOverhead + rounded
				tailPayload := rem - blockOverhead
				writeHeader(hp.arena, tail, blockHeader{size: tailPayload, state: blockFree})
				writeFooter(hp.arena, tail, tailPayload)
				hp.pushFree(tail, tailPayload)
				hp.freeBytes += uint64(tailPayload)
			} else {
				size = merged
			}

			hp.usedBytes += uint64(size - hdr.size)
			writeHeader(hp.arena, h, blockHeader{size: size, state: blockUsed, seq: hdr.seq})
			writeFooter(hp.arena, h, size)
			return ptr, nil
		}
	}

	newPtr, err := hp.allocLocked(newSize, 1)
	if err != nil {
		return 0, err
	}
	copy(hp.arena[newPtr-hp.start:newPtr-hp.start+hdr.size], hp.arena[ptr-hp.start:ptr-hp.start+hdr.size])
	if err := hp.freeLocked(ptr); err != nil {
		return 0, err
	}
	return newPtr, nil
}

// Bytes returns the n-byte slice of heap memory backing ptr. The corruption
// tracker uses it to stamp canaries and poison freed payloads.
func (hp *Heap) Bytes(ptr, n uint32) ([]byte, *kernel.Error) {
	hp.lock.AcquireIRQSave(hp.cpuState)
	defer hp.lock.ReleaseIRQRestore(hp.cpuState)

	if !hp.initialized {
		return nil, ErrNotInitialized
	}
	if ptr < hp.start+headerSize || uint64(ptr-hp.start)+uint64(n) > uint64(len(hp.arena)) {
		return nil, ErrInvalidPointer
	}

	off := ptr - hp.start
	return hp.arena[off : off+n], nil
}

// BlockPayloadSize returns the payload size of the used block at ptr.
func (hp *Heap) BlockPayloadSize(ptr uint32) (uint32, *kernel.Error) {
	hp.lock.AcquireIRQSave(hp.cpuState)
	defer hp.lock.ReleaseIRQRestore(hp.cpuState)

	_, hdr, err := hp.checkUsed(ptr)
	if err != nil {
		return 0, err
	}
	return hdr.size, nil
}

// Region returns the virtual bounds of the heap: its fixed start address and
// the currently mapped end.
func (hp *Heap) Region() (start, end uint32) {
	hp.lock.AcquireIRQSave(hp.cpuState)
	defer hp.lock.ReleaseIRQRestore(hp.cpuState)
	return hp.start, hp.start + uint32(len(hp.arena))
}

// Stats returns a snapshot of the heap counters. Querying statistics has no
// side effects.
func (hp *Heap) Stats() Stats {
	hp.lock.AcquireIRQSave(hp.cpuState)
	defer hp.lock.ReleaseIRQRestore(hp.cpuState)

	var largest uint64
	for c := 0; c < numClasses; c++ {
		for h := hp.classes[c]; h != nilOffset; {
			hdr, ok := readHeader(hp.arena, h)
			if !ok {
				break
			}
			if uint64(hdr.size) > largest {
				largest = uint64(hdr.size)
			}
			h, _ = freeLinks(hp.arena, h)
		}
	}

	var frag uint32
	if hp.freeBytes > 0 {
		frag = uint32(100 - largest*100/hp.freeBytes)
	}

	return Stats{
		TotalBytes:       uint64(len(hp.arena)),
		UsedBytes:        hp.usedBytes,
		FreeBytes:        hp.freeBytes,
		LargestFree:      largest,
		FragmentationPct: frag,
		Allocs:           hp.allocs,
		Frees:            hp.frees,
		FailedFrees:      hp.failedFrees,
		Grows:            hp.grows,
		CorruptedBlocks:  hp.corruptedBlocks,
	}
}
