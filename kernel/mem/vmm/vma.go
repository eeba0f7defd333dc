package vmm

import (
	"kestrel/kernel"
	"kestrel/kernel/mem/guard"
)

var (
	// ErrVMAOverlap is returned when a new virtual memory area would
	// overlap an existing one in the same address space.
	ErrVMAOverlap = &kernel.Error{Module: "vmm", Message: "virtual memory area overlaps an existing area", Code: kernel.CodeAlreadyMapped}

	// ErrVMANotFound is returned when removing an area that does not
	// exist.
	ErrVMANotFound = &kernel.Error{Module: "vmm", Message: "no virtual memory area with that start address", Code: kernel.CodeNotMapped}

	errVMACorrupted = &kernel.Error{Module: "vmm", Message: "virtual memory area node failed its integrity check", Code: kernel.CodeInvalidAddress}
	errVMAArenaFull = &kernel.Error{Module: "vmm", Message: "virtual memory area arena is full", Code: kernel.CodeOutOfMemory}
	errVMABadRange  = &kernel.Error{Module: "vmm", Message: "virtual memory area end does not follow its start", Code: kernel.CodeInvalidSize}
)

// vmaMagic tags every guarded VMA node.
const vmaMagic = 0x564d4121

// maxVMAsPerSpace bounds the VMA arena of one address space.
const maxVMAsPerSpace = 256

// nilNode marks the end of an arena-internal list.
const nilNode = int32(-1)

// VMA describes a contiguous virtual range with uniform protection inside
// one address space.
type VMA struct {
	// Start and End delimit the area; End is exclusive.
	Start, End uint32

	// Flags carries the protection and mapping-type flags applied to
	// pages faulted into this area.
	Flags PageTableEntryFlag
}

// Contains returns true if addr falls inside the area.
func (v VMA) Contains(addr uint32) bool {
	return addr >= v.Start && addr < v.End
}

// vmaData is the guarded payload of one arena node: the area itself plus the
// doubly-linked list links, expressed as arena indices rather than pointers.
type vmaData struct {
	vma        VMA
	next, prev int32
}

// SumBytes implements guard.Checksummable.
func (d vmaData) SumBytes(buf []byte) []byte {
	for _, v := range [4]uint32{d.vma.Start, d.vma.End, uint32(d.vma.Flags), uint32(d.next)<<16 | uint32(d.prev)&0xffff} {
		buf = append(buf, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
	}
	return buf
}

// vmaList is an arena-backed, address-ordered doubly linked list of VMAs.
// Nodes are referenced by index into the backing slice so a stray write can
// corrupt at most one guarded node, never dangle a pointer.
type vmaList struct {
	nodes    []guard.Guarded[vmaData]
	head     int32
	freeHead int32
	count    int
}

func newVMAList() vmaList {
	return vmaList{head: nilNode, freeHead: nilNode}
}

// allocNode returns the index of a free arena slot, growing the arena up to
// its fixed capacity.
func (l *vmaList) allocNode() (int32, *kernel.Error) {
	if l.freeHead != nilNode {
		idx := l.freeHead
		data, ok := l.nodes[idx].Get()
		if !ok {
			return nilNode, errVMACorrupted
		}
		l.freeHead = data.next
		return idx, nil
	}

	if len(l.nodes) >= maxVMAsPerSpace {
		return nilNode, errVMAArenaFull
	}
	l.nodes = append(l.nodes, guard.Guarded[vmaData]{})
	return int32(len(l.nodes) - 1), nil
}

// insert adds a new area keeping the list sorted by start address. Areas in
// one address space never overlap; a colliding insert is rejected.
func (l *vmaList) insert(vma VMA) *kernel.Error {
	if vma.End <= vma.Start {
		return errVMABadRange
	}

	// Locate the insertion point and check both neighbours for overlap.
	prev := nilNode
	next := l.head
	for next != nilNode {
		data, ok := l.nodes[next].Get()
		if !ok {
			return errVMACorrupted
		}
		if data.vma.Start >= vma.Start {
			break
		}
		prev = next
		next = data.next
	}

	if next != nilNode {
		data, _ := l.nodes[next].Get()
		if vma.End > data.vma.Start {
			return ErrVMAOverlap
		}
	}
	if prev != nilNode {
		data, _ := l.nodes[prev].Get()
		if data.vma.End > vma.Start {
			return ErrVMAOverlap
		}
	}

	idx, err := l.allocNode()
	if err != nil {
		return err
	}
	l.nodes[idx].Seal(vmaMagic, vmaData{vma: vma, next: next, prev: prev})

	if prev == nilNode {
		l.head = idx
	} else {
		data, _ := l.nodes[prev].Get()
		data.next = idx
		l.nodes[prev].Update(data)
	}
	if next != nilNode {
		data, _ := l.nodes[next].Get()
		data.prev = idx
		l.nodes[next].Update(data)
	}

	l.count++
	return nil
}

// find returns the area containing addr.
func (l *vmaList) find(addr uint32) (VMA, bool, *kernel.Error) {
	for idx := l.head; idx != nilNode; {
		data, ok := l.nodes[idx].Get()
		if !ok {
			return VMA{}, false, errVMACorrupted
		}
		if data.vma.Contains(addr) {
			return data.vma, true, nil
		}
		if data.vma.Start > addr {
			break
		}
		idx = data.next
	}
	return VMA{}, false, nil
}

// remove unlinks the area whose start address matches start and recycles its
// arena slot.
func (l *vmaList) remove(start uint32) *kernel.Error {
	for idx := l.head; idx != nilNode; {
		data, ok := l.nodes[idx].Get()
		if !ok {
			return errVMACorrupted
		}
		if data.vma.Start != start {
			idx = data.next
			continue
		}

		if data.prev == nilNode {
			l.head = data.next
		} else {
			prevData, ok := l.nodes[data.prev].Get()
			if !ok {
				return errVMACorrupted
			}
			prevData.next = data.next
			l.nodes[data.prev].Update(prevData)
		}
		if data.next != nilNode {
			nextData, ok := l.nodes[data.next].Get()
			if !ok {
				return errVMACorrupted
			}
			nextData.prev = data.prev
			l.nodes[data.next].Update(nextData)
		}

		// Push the slot onto the free list.
		l.nodes[idx].Seal(vmaMagic, vmaData{next: l.freeHead, prev: nilNode})
		l.freeHead = idx
		l.count--
		return nil
	}
	return ErrVMANotFound
}
