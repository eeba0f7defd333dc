// Package kheap implements the kernel heap: a variable-size allocator carved
// out of a fixed virtual region. Free space is organized into a power-of-two
// ladder of size classes with a catch-all class on top. Every block carries a
// guarded header and footer so metadata corruption is detected before any
// free-list mutation.
package kheap

import (
	"encoding/binary"

	"kestrel/kernel/mem/guard"
)

const (
	// headerSize is the byte size of the metadata block preceding every
	// payload. The last header word is a checksum over the preceding
	// fields and the magic tag.
	headerSize = 32

	// footerSize is the byte size of the trailer following every payload.
	// The footer lets a free of the next block locate this block's header
	// for backward coalescing.
	footerSize = 8

	// blockOverhead is the metadata cost of one block.
	blockOverhead = headerSize + footerSize

	// minPayload is the smallest payload a block may carry; it must hold
	// the two free-list links. Payload sizes are multiples of payloadAlign
	// so headers stay aligned.
	minPayload   = 16
	payloadAlign = 8

	headMagic = uint32(0x48424c4b)
	footMagic = uint32(0x4b4c4248)

	// blockCanary is stamped into every header and checked on free.
	blockCanary = uint32(0xcafebabe)

	// nilOffset terminates free-list chains.
	nilOffset = uint32(0xffffffff)
)

// Block states stored in the header.
const (
	blockFree uint32 = iota + 1
	blockUsed
	blockCorrupted
)

// Header field offsets. The checksum covers bytes [0, hdrChecksumOff).
const (
	hdrMagicOff    = 0
	hdrSizeOff     = 4
	hdrStateOff    = 8
	hdrSeqOff      = 12
	hdrCanaryOff   = 16
	hdrReservedOff = 20
	hdrChecksumOff = 28
)

// Footer field offsets.
const (
	ftrMagicOff = 0
	ftrSizeOff  = 4
)

// blockHeader is a decoded view of an on-arena header. It is never stored;
// readers decode, mutate and write back.
type blockHeader struct {
	size  uint32
	state uint32
	seq   uint32
}

// headerTagged reports whether the bytes at arena offset h carry the block
// magic. Quarantine writes are only allowed on tagged headers; untagged
// bytes may be a live payload.
func headerTagged(arena []byte, h uint32) bool {
	if uint64(h)+headerSize > uint64(len(arena)) {
		return false
	}
	return binary.LittleEndian.Uint32(arena[h+hdrMagicOff:]) == headMagic
}

// readHeader decodes and verifies the header at arena offset h. It returns
// false if the magic, canary or checksum do not match.
func readHeader(arena []byte, h uint32) (blockHeader, bool) {
	if uint64(h)+headerSize > uint64(len(arena)) {
		return blockHeader{}, false
	}
	raw := arena[h : h+headerSize]

	if binary.LittleEndian.Uint32(raw[hdrMagicOff:]) != headMagic {
		return blockHeader{}, false
	}
	if binary.LittleEndian.Uint32(raw[hdrCanaryOff:]) != blockCanary {
		return blockHeader{}, false
	}
	if binary.LittleEndian.Uint32(raw[hdrChecksumOff:]) != guard.Sum(raw[:hdrChecksumOff]) {
		return blockHeader{}, false
	}

	hdr := blockHeader{
		size:  binary.LittleEndian.Uint32(raw[hdrSizeOff:]),
		state: binary.LittleEndian.Uint32(raw[hdrStateOff:]),
		seq:   binary.LittleEndian.Uint32(raw[hdrSeqOff:]),
	}
	if uint64(h)+uint64(blockOverhead)+uint64(hdr.size) > uint64(len(arena)) {
		return blockHeader{}, false
	}
	return hdr, true
}

// writeHeader encodes hdr at arena offset h, recomputing the checksum.
func writeHeader(arena []byte, h uint32, hdr blockHeader) {
	raw := arena[h : h+headerSize]

	binary.LittleEndian.PutUint32(raw[hdrMagicOff:], headMagic)
	binary.LittleEndian.PutUint32(raw[hdrSizeOff:], hdr.size)
	binary.LittleEndian.PutUint32(raw[hdrStateOff:], hdr.state)
	binary.LittleEndian.PutUint32(raw[hdrSeqOff:], hdr.seq)
	binary.LittleEndian.PutUint32(raw[hdrCanaryOff:], blockCanary)
	binary.LittleEndian.PutUint64(raw[hdrReservedOff:], 0)
	binary.LittleEndian.PutUint32(raw[hdrChecksumOff:], guard.Sum(raw[:hdrChecksumOff]))
}

// readFooter verifies the footer of the block whose header sits at h and
// whose payload size is size. It returns false on a magic or size-echo
// mismatch.
func readFooter(arena []byte, h, size uint32) bool {
	f := h + headerSize + size
	if uint64(f)+footerSize > uint64(len(arena)) {
		return false
	}
	raw := arena[f : f+footerSize]
	return binary.LittleEndian.Uint32(raw[ftrMagicOff:]) == footMagic &&
		binary.LittleEndian.Uint32(raw[ftrSizeOff:]) == size
}

// writeFooter encodes the footer for the block whose header sits at h.
func writeFooter(arena []byte, h, size uint32) {
	f := h + headerSize + size
	raw := arena[f : f+footerSize]
	binary.LittleEndian.PutUint32(raw[ftrMagicOff:], footMagic)
	binary.LittleEndian.PutUint32(raw[ftrSizeOff:], size)
}

// freeLinks returns the next/prev free-list links stored in the payload of a
// free block.
func freeLinks(arena []byte, h uint32) (next, prev uint32) {
	p := h + headerSize
	return binary.LittleEndian.Uint32(arena[p:]), binary.LittleEndian.Uint32(arena[p+4:])
}

func setFreeLinks(arena []byte, h, next, prev uint32) {
	p := h + headerSize
	binary.LittleEndian.PutUint32(arena[p:], next)
	binary.LittleEndian.PutUint32(arena[p+4:], prev)
}

func setFreeNext(arena []byte, h, next uint32) {
	binary.LittleEndian.PutUint32(arena[h+headerSize:], next)
}

func setFreePrev(arena []byte, h, prev uint32) {
	binary.LittleEndian.PutUint32(arena[h+headerSize+4:], prev)
}

// clobberHeader destroys the magic of the header at h. Coalescing must
// clobber absorbed headers so a stale pointer into the merged block can
// never pass validation again.
func clobberHeader(arena []byte, h uint32) {
	binary.LittleEndian.PutUint32(arena[h+hdrMagicOff:], 0)
}

// markCorrupted flips the state of the header at h to corrupted without
// trusting any of its existing contents.
func markCorrupted(arena []byte, h uint32) {
	if uint64(h)+headerSize > uint64(len(arena)) {
		return
	}
	raw := arena[h : h+headerSize]
	binary.LittleEndian.PutUint32(raw[hdrStateOff:], blockCorrupted)
	binary.LittleEndian.PutUint32(raw[hdrChecksumOff:], guard.Sum(raw[:hdrChecksumOff]))
}
