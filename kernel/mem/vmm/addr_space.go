package vmm

import (
	"kestrel/kernel"
	"kestrel/kernel/cpu"
	"kestrel/kernel/mem"
	"kestrel/kernel/mem/pmm"
	"kestrel/kernel/sync"
)

var (
	// ErrAlreadyMapped is returned when mapping a page that already has a
	// present translation. Callers decide on remap-vs-error policy.
	ErrAlreadyMapped = &kernel.Error{Module: "vmm", Message: "page is already mapped", Code: kernel.CodeAlreadyMapped}

	// ErrNotMapped is returned when unmapping or translating a page that
	// has no present translation.
	ErrNotMapped = &kernel.Error{Module: "vmm", Message: "page is not mapped", Code: kernel.CodeNotMapped}

	// ErrNotInitialized is returned when the manager is used before
	// NewManager completed.
	ErrNotInitialized = &kernel.Error{Module: "vmm", Message: "virtual memory manager is not initialized", Code: kernel.CodeNotInitialized}

	errNilArg       = &kernel.Error{Module: "vmm", Message: "nil argument to manager constructor", Code: kernel.CodeNullPointer}
	errNilSpace     = &kernel.Error{Module: "vmm", Message: "nil address space", Code: kernel.CodeNullPointer}
	errTableMissing = &kernel.Error{Module: "vmm", Message: "page table frame has no backing table", Code: kernel.CodeInvalidAddress}
	errBadRange     = &kernel.Error{Module: "vmm", Message: "range end does not follow its start", Code: kernel.CodeInvalidSize}
)

// kernelDirStart is the first page directory index of the shared higher-half
// kernel region. Directory entries at or above it are cloned into every
// address space and are never freed when a space is destroyed.
const kernelDirStart = mem.KernelSpaceStart >> 22

// AddressSpace couples a page directory with the list of virtual memory
// areas registered against it. A directory is exclusively owned by one
// address space.
type AddressSpace struct {
	dirFrame pmm.Frame
	dir      *pageTable
	vmas     vmaList

	// kernel marks the bootstrap address space; it cannot be destroyed.
	kernel bool
}

// DirectoryAddress returns the physical address of the page directory. The
// returned value is always page-aligned and is what SwitchAddressSpace loads
// into the page-directory register.
func (as *AddressSpace) DirectoryAddress() uint32 {
	return as.dirFrame.Address()
}

// Manager owns the page-table side of the memory subsystem: the kernel
// address space, every address space derived from it, and the physical-frame
// window used to edit table contents.
type Manager struct {
	cpuState *cpu.State
	frames   *pmm.BitmapAllocator
	lock     sync.IRQSpinlock

	// tables indexes page table and directory contents by the frame that
	// backs them, modeling the frame window the kernel maps to edit
	// table memory.
	tables map[pmm.Frame]*pageTable

	kernelSpace *AddressSpace
	initialized bool
}

// NewManager creates the virtual memory manager together with the kernel
// address space and activates it.
func NewManager(cpuState *cpu.State, frames *pmm.BitmapAllocator) (*Manager, *kernel.Error) {
	if cpuState == nil || frames == nil {
		return nil, errNilArg
	}

	m := &Manager{
		cpuState: cpuState,
		frames:   frames,
		tables:   make(map[pmm.Frame]*pageTable),
	}

	kernelSpace, err := m.newSpace()
	if err != nil {
		return nil, err
	}
	kernelSpace.kernel = true

	m.kernelSpace = kernelSpace
	m.initialized = true
	m.cpuState.SwitchPDT(kernelSpace.DirectoryAddress())
	return m, nil
}

// newSpace allocates and zero-fills a directory frame.
func (m *Manager) newSpace() (*AddressSpace, *kernel.Error) {
	dirFrame, err := m.frames.AllocFrame()
	if err != nil {
		return nil, err
	}

	dir := new(pageTable)
	m.tables[dirFrame] = dir
	return &AddressSpace{dirFrame: dirFrame, dir: dir, vmas: newVMAList()}, nil
}

// KernelSpace returns the bootstrap kernel address space.
func (m *Manager) KernelSpace() *AddressSpace {
	return m.kernelSpace
}

// CreateAddressSpace allocates a directory for a new address space and clones
// the kernel's higher-half directory entries into it so kernel code remains
// visible from every address space. The cloned tables are shared, not owned.
func (m *Manager) CreateAddressSpace() (*AddressSpace, *kernel.Error) {
	m.lock.AcquireIRQSave(m.cpuState)
	defer m.lock.ReleaseIRQRestore(m.cpuState)

	if !m.initialized {
		return nil, ErrNotInitialized
	}

	as, err := m.newSpace()
	if err != nil {
		return nil, err
	}

	for i := kernelDirStart; i < tableEntryCount; i++ {
		as.dir.entries[i] = m.kernelSpace.dir.entries[i]
	}
	return as, nil
}

// entryFor walks the directory to the page table entry covering vaddr. When
// allocate is set, a missing page table is created on the way down.
func (m *Manager) entryFor(as *AddressSpace, vaddr uint32, allocate bool) (*pageTableEntry, *kernel.Error) {
	dirEntry := &as.dir.entries[vaddr>>22]

	var table *pageTable
	if dirEntry.HasFlags(FlagPresent) {
		table = m.tables[dirEntry.Frame()]
		if table == nil {
			return nil, errTableMissing
		}
	} else {
		if !allocate {
			return nil, ErrNotMapped
		}

		tableFrame, err := m.frames.AllocFrame()
		if err != nil {
			return nil, err
		}
		table = new(pageTable)
		m.tables[tableFrame] = table

		*dirEntry = 0
		dirEntry.SetFrame(tableFrame)
		dirEntry.SetFlags(FlagPresent | FlagRW | FlagUserAccessible)
	}

	return &table.entries[(vaddr>>12)&(tableEntryCount-1)], nil
}

// mapLocked installs a translation for one page. The caller must hold the
// manager lock.
func (m *Manager) mapLocked(as *AddressSpace, vaddr uint32, frame pmm.Frame, flags PageTableEntryFlag) *kernel.Error {
	pte, err := m.entryFor(as, vaddr, true)
	if err != nil {
		return err
	}
	if pte.HasFlags(FlagPresent) {
		return ErrAlreadyMapped
	}

	// Record the mapping reference first: a frame that is free or
	// reserved must never end up behind a present entry. Frames outside
	// the tracked pools (MMIO, firmware ranges) carry no reference.
	if err := m.frames.MarkMapped(frame); err != nil && err != pmm.ErrFrameOutOfRange {
		return err
	}

	*pte = 0
	pte.SetFrame(frame)
	pte.SetFlags(FlagPresent | flags)
	return nil
}

// Map establishes a mapping between a virtual page and a physical memory
// frame in the supplied address space. Mapping an already-mapped page returns
// ErrAlreadyMapped without altering the existing translation.
func (m *Manager) Map(as *AddressSpace, vaddr uint32, frame pmm.Frame, flags PageTableEntryFlag) *kernel.Error {
	m.lock.AcquireIRQSave(m.cpuState)
	defer m.lock.ReleaseIRQRestore(m.cpuState)

	if !m.initialized {
		return ErrNotInitialized
	}
	if as == nil {
		return errNilSpace
	}
	return m.mapLocked(as, vaddr, frame, flags)
}

// unmapLocked clears the translation for one page and drops the frame
// reference, freeing the frame when no other mapping shares it. The caller
// must hold the manager lock.
func (m *Manager) unmapLocked(as *AddressSpace, vaddr uint32) *kernel.Error {
	pte, err := m.entryFor(as, vaddr, false)
	if err != nil {
		return err
	}
	if !pte.HasFlags(FlagPresent) {
		return ErrNotMapped
	}

	frame := pte.Frame()
	*pte = 0

	// Untracked and reserved frames carry no mapping reference.
	if state, stErr := m.frames.FrameStateOf(frame); stErr == pmm.ErrFrameOutOfRange || state == pmm.FrameReserved {
		return nil
	}
	if _, err := m.frames.DecRef(frame); err != nil {
		return err
	}
	return nil
}

// Unmap removes a mapping previously installed by a call to Map.
func (m *Manager) Unmap(as *AddressSpace, vaddr uint32) *kernel.Error {
	m.lock.AcquireIRQSave(m.cpuState)
	defer m.lock.ReleaseIRQRestore(m.cpuState)

	if !m.initialized {
		return ErrNotInitialized
	}
	if as == nil {
		return errNilSpace
	}
	return m.unmapLocked(as, vaddr)
}

// IdentityMapRange maps every page in [start, end) to the physical frame
// with the same address. It is the bootstrap primitive used before a proper
// heap exists and is idempotent: pages already identity-mapped are skipped,
// while pages mapped elsewhere cause ErrAlreadyMapped.
func (m *Manager) IdentityMapRange(as *AddressSpace, start, end uint32, flags PageTableEntryFlag) *kernel.Error {
	m.lock.AcquireIRQSave(m.cpuState)
	defer m.lock.ReleaseIRQRestore(m.cpuState)

	if !m.initialized {
		return ErrNotInitialized
	}
	if as == nil {
		return errNilSpace
	}
	if end <= start {
		return errBadRange
	}

	for addr := mem.PageAlign(start); addr < end; addr += uint32(mem.PageSize) {
		frame := pmm.FrameFromAddress(addr)
		err := m.mapLocked(as, addr, frame, flags)
		if err == ErrAlreadyMapped {
			pte, _ := m.entryFor(as, addr, false)
			if pte != nil && pte.Frame() == frame {
				continue
			}
			return ErrAlreadyMapped
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Translate returns the physical address that corresponds to the supplied
// virtual address or ErrNotMapped if the virtual address has no present
// translation.
func (m *Manager) Translate(as *AddressSpace, vaddr uint32) (uint32, *kernel.Error) {
	m.lock.AcquireIRQSave(m.cpuState)
	defer m.lock.ReleaseIRQRestore(m.cpuState)

	if !m.initialized {
		return 0, ErrNotInitialized
	}
	if as == nil {
		return 0, errNilSpace
	}

	pte, err := m.entryFor(as, vaddr, false)
	if err != nil {
		return 0, err
	}
	if !pte.HasFlags(FlagPresent) {
		return 0, ErrNotMapped
	}

	return pte.Frame().Address() + (vaddr & uint32(mem.PageSize-1)), nil
}

// IsMapped returns true if vaddr has a present translation in the supplied
// address space.
func (m *Manager) IsMapped(as *AddressSpace, vaddr uint32) bool {
	_, err := m.Translate(as, vaddr)
	return err == nil
}

// EntryAt returns the frame and flags of the present translation covering
// vaddr. The fault analyzer uses it to detect copy-on-write candidates.
func (m *Manager) EntryAt(as *AddressSpace, vaddr uint32) (pmm.Frame, PageTableEntryFlag, *kernel.Error) {
	m.lock.AcquireIRQSave(m.cpuState)
	defer m.lock.ReleaseIRQRestore(m.cpuState)

	if !m.initialized {
		return pmm.InvalidFrame, 0, ErrNotInitialized
	}
	if as == nil {
		return pmm.InvalidFrame, 0, errNilSpace
	}

	pte, err := m.entryFor(as, vaddr, false)
	if err != nil {
		return pmm.InvalidFrame, 0, err
	}
	if !pte.HasFlags(FlagPresent) {
		return pmm.InvalidFrame, 0, ErrNotMapped
	}
	return pte.Frame(), pte.Flags(), nil
}

// Remap atomically replaces the translation for vaddr with a new frame and
// flag set, dropping the reference on the previously mapped frame. It backs
// the copy-on-write fault recovery path.
func (m *Manager) Remap(as *AddressSpace, vaddr uint32, frame pmm.Frame, flags PageTableEntryFlag) *kernel.Error {
	m.lock.AcquireIRQSave(m.cpuState)
	defer m.lock.ReleaseIRQRestore(m.cpuState)

	if !m.initialized {
		return ErrNotInitialized
	}
	if as == nil {
		return errNilSpace
	}

	if err := m.unmapLocked(as, vaddr); err != nil {
		return err
	}
	return m.mapLocked(as, vaddr, frame, flags)
}

// DestroyAddressSpace walks every present user-space entry of the directory,
// drops the reference on each mapped frame exactly once, releases the owned
// page-table frames and finally the directory frame itself. Kernel
// higher-half entries are shared and are left untouched.
func (m *Manager) DestroyAddressSpace(as *AddressSpace) *kernel.Error {
	m.lock.AcquireIRQSave(m.cpuState)
	defer m.lock.ReleaseIRQRestore(m.cpuState)

	if !m.initialized {
		return ErrNotInitialized
	}
	if as == nil {
		return errNilSpace
	}
	if as.kernel {
		return &kernel.Error{Module: "vmm", Message: "the kernel address space cannot be destroyed", Code: kernel.CodeInvalidAddress}
	}

	var firstErr *kernel.Error
	for dirIdx := uint32(0); dirIdx < kernelDirStart; dirIdx++ {
		dirEntry := &as.dir.entries[dirIdx]
		if !dirEntry.HasFlags(FlagPresent) {
			continue
		}

		tableFrame := dirEntry.Frame()
		table := m.tables[tableFrame]
		if table == nil {
			if firstErr == nil {
				firstErr = errTableMissing
			}
			continue
		}

		for tblIdx := 0; tblIdx < tableEntryCount; tblIdx++ {
			pte := &table.entries[tblIdx]
			if !pte.HasFlags(FlagPresent) {
				continue
			}
			if state, stErr := m.frames.FrameStateOf(pte.Frame()); stErr != pmm.ErrFrameOutOfRange && state != pmm.FrameReserved {
				if _, err := m.frames.DecRef(pte.Frame()); err != nil && firstErr == nil {
					firstErr = err
				}
			}
			*pte = 0
		}

		*dirEntry = 0
		delete(m.tables, tableFrame)
		if err := m.frames.FreeFrame(tableFrame); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	delete(m.tables, as.dirFrame)
	if err := m.frames.FreeFrame(as.dirFrame); err != nil && firstErr == nil {
		firstErr = err
	}
	as.dir = nil
	return firstErr
}

// SwitchAddressSpace loads the directory address of the supplied space into
// the page-directory register.
func (m *Manager) SwitchAddressSpace(as *AddressSpace) *kernel.Error {
	if !m.initialized {
		return ErrNotInitialized
	}
	if as == nil || as.dir == nil {
		return errNilSpace
	}

	m.cpuState.SwitchPDT(as.DirectoryAddress())
	return nil
}

// AddVMA registers a virtual memory area against the supplied address space.
// Areas within one space never overlap.
func (m *Manager) AddVMA(as *AddressSpace, vma VMA) *kernel.Error {
	m.lock.AcquireIRQSave(m.cpuState)
	defer m.lock.ReleaseIRQRestore(m.cpuState)

	if !m.initialized {
		return ErrNotInitialized
	}
	if as == nil {
		return errNilSpace
	}
	return as.vmas.insert(vma)
}

// RemoveVMA unregisters the area whose start address matches start.
func (m *Manager) RemoveVMA(as *AddressSpace, start uint32) *kernel.Error {
	m.lock.AcquireIRQSave(m.cpuState)
	defer m.lock.ReleaseIRQRestore(m.cpuState)

	if !m.initialized {
		return ErrNotInitialized
	}
	if as == nil {
		return errNilSpace
	}
	return as.vmas.remove(start)
}

// FindVMA returns the area containing addr, if any. Integrity failures on
// the VMA arena surface as an error so the caller can escalate.
func (m *Manager) FindVMA(as *AddressSpace, addr uint32) (VMA, bool, *kernel.Error) {
	m.lock.AcquireIRQSave(m.cpuState)
	defer m.lock.ReleaseIRQRestore(m.cpuState)

	if !m.initialized {
		return VMA{}, false, ErrNotInitialized
	}
	if as == nil {
		return VMA{}, false, errNilSpace
	}
	return as.vmas.find(addr)
}
