// Package mm assembles the memory subsystem: it bootstraps the frame
// allocator, the page-table manager, the kernel heap, the region table and
// the corruption tracker from the boot memory map and exposes the allocation
// and fault entry points the rest of the kernel consumes.
package mm

import (
	"kestrel/kernel"
	"kestrel/kernel/cpu"
	"kestrel/kernel/hal/bootinfo"
	"kestrel/kernel/kfmt"
	"kestrel/kernel/mem"
	"kestrel/kernel/mem/fault"
	"kestrel/kernel/mem/kheap"
	"kestrel/kernel/mem/pmm"
	"kestrel/kernel/mem/region"
	"kestrel/kernel/mem/track"
	"kestrel/kernel/mem/vmm"
)

var (
	// ErrNotInitialized is returned when the subsystem is used before
	// Bootstrap completed or after Shutdown.
	ErrNotInitialized = &kernel.Error{Module: "mm", Message: "memory subsystem is not initialized", Code: kernel.CodeNotInitialized}

	errNilArg    = &kernel.Error{Module: "mm", Message: "nil argument to Bootstrap", Code: kernel.CodeNullPointer}
	errBadConfig = &kernel.Error{Module: "mm", Message: "invalid memory subsystem configuration", Code: kernel.CodeInvalidSize}

	// panicFn is overridden by tests that exercise the fatal fault path.
	panicFn = kfmt.Panic
)

// Config carries the boot-time layout of the memory subsystem.
type Config struct {
	// KernelStart and KernelEnd delimit the loaded kernel image. The
	// range is reserved in the frame allocator and identity mapped
	// read-only.
	KernelStart, KernelEnd uint32

	// HeapStart is the virtual base of the kernel heap region;
	// HeapInitialSize is mapped eagerly and the heap grows on demand up
	// to HeapMaxSize.
	HeapStart       uint32
	HeapInitialSize mem.Size
	HeapMaxSize     mem.Size

	// TrackAllocations routes Kmalloc/Kfree through the corruption
	// tracker.
	TrackAllocations bool

	// Reporter receives corruption violations; nil selects the kernel
	// log.
	Reporter track.Reporter
}

// DefaultConfig is the layout used by the boot path.
func DefaultConfig() Config {
	return Config{
		KernelStart:      0x100000,
		KernelEnd:        0x400000,
		HeapStart:        mem.KernelSpaceStart + 0x800000,
		HeapInitialSize:  64 * mem.Kb,
		HeapMaxSize:      16 * mem.Mb,
		TrackAllocations: true,
	}
}

// Stats aggregates the counters of every component. Querying it has no side
// effects.
type Stats struct {
	Frames  pmm.Stats
	Heap    kheap.Stats
	Tracker track.Stats
	Faults  fault.Stats
}

// Subsystem owns every component of the memory core. All state hangs off
// this struct so multiple instances can coexist.
type Subsystem struct {
	cpuState *cpu.State
	cfg      Config

	frames   *pmm.BitmapAllocator
	pageDir  *vmm.Manager
	heap     *kheap.Heap
	regions  *region.Table
	tracker  *track.Tracker
	analyzer *fault.Analyzer

	// handler is the registered fault-classification strategy; it
	// defaults to the analyzer.
	handler fault.Handler

	initialized bool
}

// Bootstrap builds the memory subsystem from the boot memory map: frame
// pools, the kernel address space with the kernel image identity mapped, the
// heap and the fault analyzer.
func Bootstrap(cpuState *cpu.State, memMap *bootinfo.MemoryMap, cfg Config) (*Subsystem, *kernel.Error) {
	if cpuState == nil || memMap == nil {
		return nil, errNilArg
	}
	if cfg.KernelEnd <= cfg.KernelStart || cfg.HeapStart&uint32(mem.PageSize-1) != 0 {
		return nil, errBadConfig
	}

	printMemoryMap(memMap)

	s := &Subsystem{cpuState: cpuState, cfg: cfg}

	var err *kernel.Error
	if s.frames, err = pmm.NewBitmapAllocator(cpuState, memMap); err != nil {
		return nil, err
	}
	if err = s.frames.ReserveRange(cfg.KernelStart, cfg.KernelEnd); err != nil {
		return nil, err
	}

	if s.pageDir, err = vmm.NewManager(cpuState, s.frames); err != nil {
		return nil, err
	}
	ks := s.pageDir.KernelSpace()

	// The kernel image is mapped read-only at its physical address; the
	// legacy VGA/BIOS window stays writable for the console.
	if err = s.pageDir.IdentityMapRange(ks, cfg.KernelStart, cfg.KernelEnd, 0); err != nil {
		return nil, err
	}
	if err = s.pageDir.IdentityMapRange(ks, 0xa0000, 0x100000, vmm.FlagRW); err != nil {
		return nil, err
	}

	s.regions = region.DefaultTable(cfg.KernelStart, cfg.KernelEnd)

	if s.heap, err = kheap.NewHeap(cpuState, cfg.HeapStart, cfg.HeapInitialSize, cfg.HeapMaxSize, s.growHeap); err != nil {
		return nil, err
	}
	s.regions.Register(region.Region{
		Name:  "kernel heap",
		Start: cfg.HeapStart,
		End:   cfg.HeapStart + uint32(cfg.HeapMaxSize),
		Kind:  region.KindHeap,
	})

	if cfg.TrackAllocations {
		reporter := cfg.Reporter
		if reporter == nil {
			reporter = track.LogReporter{}
		}
		if s.tracker, err = track.NewTracker(cpuState, s.heap, reporter); err != nil {
			return nil, err
		}
	}

	if s.analyzer, err = fault.NewAnalyzer(cpuState, s.pageDir, s.frames, s.regions, s.tracker); err != nil {
		return nil, err
	}
	s.handler = s.analyzer

	s.initialized = true
	return s, nil
}

// printMemoryMap logs the boot memory map.
func printMemoryMap(memMap *bootinfo.MemoryMap) {
	kfmt.Printf("[mm] boot memory map:\n")
	memMap.Visit(func(e *bootinfo.MemoryMapEntry) bool {
		kfmt.Printf("[mm]   0x%10x - 0x%10x: %s\n", e.PhysAddress, e.PhysAddress+e.Length, e.Type)
		return true
	})
}

// growHeap maps the next slice of the heap region, one fresh frame per page.
// It runs with the heap lock held; the page-table and frame locks are always
// taken after the heap lock, never before.
func (s *Subsystem) growHeap(virtAddr uint32, pages uint32) *kernel.Error {
	ks := s.pageDir.KernelSpace()

	for i := uint32(0); i < pages; i++ {
		frame, err := s.frames.AllocFrame()
		if err == nil {
			err = s.pageDir.Map(ks, virtAddr+(i<<mem.PageShift), frame, vmm.FlagRW|vmm.FlagHeap)
			if err != nil {
				s.frames.FreeFrame(frame)
			}
		}
		if err != nil {
			for j := uint32(0); j < i; j++ {
				s.pageDir.Unmap(ks, virtAddr+(j<<mem.PageShift))
			}
			return err
		}
	}
	return nil
}

// Frames exposes the frame allocator.
func (s *Subsystem) Frames() *pmm.BitmapAllocator { return s.frames }

// PageTables exposes the page-table manager.
func (s *Subsystem) PageTables() *vmm.Manager { return s.pageDir }

// Heap exposes the kernel heap.
func (s *Subsystem) Heap() *kheap.Heap { return s.heap }

// Regions exposes the region table for runtime framebuffer/MMIO
// registration.
func (s *Subsystem) Regions() *region.Table { return s.regions }

// Tracker exposes the corruption tracker; nil when tracking is disabled.
func (s *Subsystem) Tracker() *track.Tracker { return s.tracker }

// Kmalloc allocates size bytes from the kernel heap, through the corruption
// tracker when tracking is enabled.
func (s *Subsystem) Kmalloc(size uint32) (uint32, *kernel.Error) {
	if !s.initialized {
		return 0, ErrNotInitialized
	}
	if s.tracker != nil {
		return s.tracker.Alloc(size)
	}
	return s.heap.Alloc(size)
}

// Kzalloc allocates size zero-filled bytes.
func (s *Subsystem) Kzalloc(size uint32) (uint32, *kernel.Error) {
	if !s.initialized {
		return 0, ErrNotInitialized
	}
	if s.tracker == nil {
		return s.heap.Zalloc(size)
	}

	ptr, err := s.tracker.Alloc(size)
	if err != nil {
		return 0, err
	}
	buf, err := s.heap.Bytes(ptr, size)
	if err != nil {
		return 0, err
	}
	for i := range buf {
		buf[i] = 0
	}
	return ptr, nil
}

// Kfree releases an allocation obtained from Kmalloc/Kzalloc/Krealloc.
func (s *Subsystem) Kfree(ptr uint32) *kernel.Error {
	if !s.initialized {
		return ErrNotInitialized
	}
	if s.tracker != nil {
		return s.tracker.Free(ptr)
	}
	return s.heap.Free(ptr)
}

// Krealloc resizes an allocation, preserving its payload.
func (s *Subsystem) Krealloc(ptr, newSize uint32) (uint32, *kernel.Error) {
	if !s.initialized {
		return 0, ErrNotInitialized
	}
	if s.tracker != nil {
		return s.tracker.Realloc(ptr, newSize)
	}
	return s.heap.Realloc(ptr, newSize)
}

// RegisterFaultHandler swaps the fault-classification strategy. Passing nil
// restores the built-in analyzer.
func (s *Subsystem) RegisterFaultHandler(h fault.Handler) {
	if h == nil {
		s.handler = s.analyzer
		return
	}
	s.handler = h
}

// Analyzer exposes the built-in fault analyzer.
func (s *Subsystem) Analyzer() *fault.Analyzer { return s.analyzer }

// PageFault is the trap-layer entry point for exception 14. Recoverable
// outcomes return to the caller, which resumes or reschedules; a fatal
// outcome is routed to the panic funnel and does not return on real
// hardware.
func (s *Subsystem) PageFault(addr uint32, code fault.ErrorCode) fault.Outcome {
	if !s.initialized {
		panicFn(s.cpuState, ErrNotInitialized)
		return fault.OutcomeFatal
	}

	outcome := s.handler.HandleFault(addr, code)
	if outcome != fault.OutcomeFatal {
		return outcome
	}

	err := &kernel.Error{Module: "mm", Message: "unrecoverable page fault", Code: kernel.CodeInvalidAddress}
	if s.handler == s.analyzer {
		err.Message = "unrecoverable page fault: " + s.analyzer.LastReport().Classification
	}
	panicFn(s.cpuState, err)
	return fault.OutcomeFatal
}

// Stats aggregates the statistics of every component.
func (s *Subsystem) Stats() Stats {
	if !s.initialized {
		return Stats{}
	}

	st := Stats{
		Frames: s.frames.Stats(),
		Heap:   s.heap.Stats(),
		Faults: s.analyzer.Stats(),
	}
	if s.tracker != nil {
		st.Tracker = s.tracker.Stats()
	}
	return st
}

// Shutdown prints the final statistics and stops accepting calls. The
// backing structures are torn down with the instance.
func (s *Subsystem) Shutdown() {
	if !s.initialized {
		return
	}
	s.initialized = false

	fst := s.frames.Stats()
	kfmt.Printf("[mm] shutdown: %d/%d frames free, %d heap bytes in use\n",
		fst.FreeFrames, fst.TotalFrames, s.heap.Stats().UsedBytes)
}
