// Package guard provides the guarded-metadata abstraction shared by every
// allocator in the memory subsystem. A Guarded value couples a magic tag and
// a checksum with a metadata block (frame pool descriptor, VMA node, heap
// block header) so that corruption of allocator metadata is detected on
// access instead of silently propagating.
package guard

import "hash/crc32"

// Checksummable is implemented by metadata values that can append their
// integrity-relevant fields to a byte buffer for checksum computation.
type Checksummable interface {
	// SumBytes appends the fields covered by the checksum to buf and
	// returns the extended buffer.
	SumBytes(buf []byte) []byte
}

// castagnoli is the CRC32 polynomial table used for all metadata checksums.
var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Sum computes the checksum of a raw metadata byte block. It is used directly
// by allocators that keep their metadata in backing-store bytes rather than
// in Go structs.
func Sum(data []byte) uint32 {
	return crc32.Checksum(data, castagnoli)
}

// Guarded wraps a metadata value with a magic tag and a checksum. The zero
// value is not sealed; Verify on it reports false.
type Guarded[T Checksummable] struct {
	magic uint32
	value T
	sum   uint32
}

// Seal stores the supplied value under the given magic tag and computes its
// checksum.
func (g *Guarded[T]) Seal(magic uint32, value T) {
	g.magic = magic
	g.value = value
	g.sum = g.checksum()
}

// Get returns the guarded value after verifying its integrity. The second
// return value is false if the magic tag or checksum no longer match.
func (g *Guarded[T]) Get() (T, bool) {
	if !g.Verify() {
		var zero T
		return zero, false
	}
	return g.value, true
}

// Update replaces the guarded value and recomputes the checksum. The magic
// tag is preserved.
func (g *Guarded[T]) Update(value T) {
	g.value = value
	g.sum = g.checksum()
}

// Verify reports whether the magic tag and checksum still match the stored
// value.
func (g *Guarded[T]) Verify() bool {
	return g.magic != 0 && g.sum == g.checksum()
}

// Magic returns the magic tag the value was sealed with.
func (g *Guarded[T]) Magic() uint32 {
	return g.magic
}

func (g *Guarded[T]) checksum() uint32 {
	var scratch [64]byte
	buf := append(scratch[:0],
		byte(g.magic), byte(g.magic>>8), byte(g.magic>>16), byte(g.magic>>24))
	buf = g.value.SumBytes(buf)
	return Sum(buf)
}
