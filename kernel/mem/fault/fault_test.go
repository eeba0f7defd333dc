package fault

import (
	"strings"
	"testing"

	"kestrel/kernel"
	"kestrel/kernel/cpu"
	"kestrel/kernel/hal/bootinfo"
	"kestrel/kernel/mem/kheap"
	"kestrel/kernel/mem/pmm"
	"kestrel/kernel/mem/region"
	"kestrel/kernel/mem/track"
	"kestrel/kernel/mem/vmm"
)

type faultFixture struct {
	analyzer *Analyzer
	pageDir  *vmm.Manager
	frames   *pmm.BitmapAllocator
	regions  *region.Table
	tracker  *track.Tracker
}

func testFixture(t *testing.T) *faultFixture {
	t.Helper()

	memMap, err := bootinfo.NewMemoryMap([]bootinfo.MemoryMapEntry{
		{PhysAddress: 0, Length: 0x100000, Type: bootinfo.MemReserved},
		{PhysAddress: 0x100000, Length: 0x400000, Type: bootinfo.MemAvailable},
	})
	if err != nil {
		t.Fatal(err)
	}

	cpuState := new(cpu.State)
	frames, err := pmm.NewBitmapAllocator(cpuState, memMap)
	if err != nil {
		t.Fatal(err)
	}
	pageDir, err := vmm.NewManager(cpuState, frames)
	if err != nil {
		t.Fatal(err)
	}

	heap, err := kheap.NewHeap(cpuState, 0x00900000, 0x10000, 0x40000, func(addr, pages uint32) *kernel.Error {
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	tracker, err := track.NewTracker(cpuState, heap, track.LogReporter{})
	if err != nil {
		t.Fatal(err)
	}

	regions := region.DefaultTable(0x100000, 0x200000)
	analyzer, err := NewAnalyzer(cpuState, pageDir, frames, regions, tracker)
	if err != nil {
		t.Fatal(err)
	}

	return &faultFixture{analyzer: analyzer, pageDir: pageDir, frames: frames, regions: regions, tracker: tracker}
}

func TestDemandMapRecovery(t *testing.T) {
	f := testFixture(t)
	ks := f.pageDir.KernelSpace()

	if err := f.pageDir.AddVMA(ks, vmm.VMA{Start: 0x00600000, End: 0x00700000, Flags: vmm.FlagRW | vmm.FlagHeap}); err != nil {
		t.Fatal(err)
	}

	rep := f.analyzer.Analyze(0x00612345, 0)
	if rep.Outcome != OutcomeContinue {
		t.Fatalf("expected OutcomeContinue; got %s (%s)", rep.Outcome, rep.Classification)
	}
	if got := f.analyzer.State(); got != StateRecoverableContinue {
		t.Fatalf("expected state recoverable-continue; got %s", got)
	}

	// The mapping is installed so the faulting access can resume.
	if !f.pageDir.IsMapped(ks, 0x00612345) {
		t.Fatal("expected the demand-mapped page to be present")
	}
	if st := f.analyzer.Stats(); st.Recovered != 1 || st.Faults != 1 {
		t.Fatalf("expected 1 recovered fault; stats: %+v", st)
	}
}

func TestCopyOnWriteRecovery(t *testing.T) {
	f := testFixture(t)
	ks := f.pageDir.KernelSpace()

	shared, err := f.frames.AllocFrame()
	if err != nil {
		t.Fatal(err)
	}
	const vaddr = uint32(0x00500000)
	if err := f.pageDir.Map(ks, vaddr, shared, vmm.FlagCopyOnWrite); err != nil {
		t.Fatal(err)
	}

	rep := f.analyzer.Analyze(vaddr+0x80, CodePresent|CodeWrite)
	if rep.Outcome != OutcomeContinue {
		t.Fatalf("expected OutcomeContinue; got %s (%s)", rep.Outcome, rep.Classification)
	}

	frame, flags, err := f.pageDir.EntryAt(ks, vaddr)
	if err != nil {
		t.Fatal(err)
	}
	if frame == shared {
		t.Fatal("expected the write to land on a private copy of the frame")
	}
	if flags&vmm.FlagCopyOnWrite != 0 || flags&vmm.FlagRW == 0 {
		t.Fatalf("expected a writable non-CoW entry after recovery; got flags 0x%x", flags)
	}

	// The shared frame lost its only mapping and returns to the pool.
	if state, _ := f.frames.FrameStateOf(shared); state != pmm.FrameFree {
		t.Fatalf("expected the shared frame to be freed; got state %s", state)
	}
}

func TestReadOnlyRegionWriteIsFatal(t *testing.T) {
	f := testFixture(t)

	rep := f.analyzer.Analyze(0x150000, CodePresent|CodeWrite)
	if rep.Outcome != OutcomeFatal {
		t.Fatalf("expected OutcomeFatal; got %s", rep.Outcome)
	}
	if !strings.Contains(rep.Classification, "read-only") {
		t.Fatalf("expected a read-only classification; got %q", rep.Classification)
	}
	if got := f.analyzer.State(); got != StateFatalPanic {
		t.Fatalf("expected state fatal-panic; got %s", got)
	}
}

func TestFreedAllocationAccessIsFatal(t *testing.T) {
	f := testFixture(t)

	ptr, err := f.tracker.Alloc(64)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.tracker.Free(ptr); err != nil {
		t.Fatal(err)
	}

	rep := f.analyzer.Analyze(ptr+8, CodePresent)
	if rep.Outcome != OutcomeFatal {
		t.Fatalf("expected OutcomeFatal; got %s", rep.Outcome)
	}
	if !strings.Contains(rep.Classification, "use-after-free") {
		t.Fatalf("expected a use-after-free classification; got %q", rep.Classification)
	}
}

func TestUnmappedKernelAddressIsFatal(t *testing.T) {
	f := testFixture(t)

	rep := f.analyzer.Analyze(0xd0000000, 0)
	if rep.Outcome != OutcomeFatal {
		t.Fatalf("expected OutcomeFatal; got %s", rep.Outcome)
	}
	if !strings.Contains(rep.Classification, "kernel-space") {
		t.Fatalf("expected a kernel-space classification; got %q", rep.Classification)
	}
}

func TestPoisonPatternAddressIsFatalWithHint(t *testing.T) {
	f := testFixture(t)

	rep := f.analyzer.Analyze(0xdeadbeef, 0)
	if rep.Outcome != OutcomeFatal {
		t.Fatalf("expected OutcomeFatal; got %s", rep.Outcome)
	}
	if !strings.Contains(rep.Classification, "use-after-free") {
		t.Fatalf("expected the poison-pattern hint in the classification; got %q", rep.Classification)
	}
}

func TestStrayUserAccessSkipsTask(t *testing.T) {
	f := testFixture(t)

	rep := f.analyzer.Analyze(0x00300000, CodeUser)
	if rep.Outcome != OutcomeSkip {
		t.Fatalf("expected OutcomeSkip; got %s (%s)", rep.Outcome, rep.Classification)
	}
	if got := f.analyzer.State(); got != StateRecoverableSkip {
		t.Fatalf("expected state recoverable-skip; got %s", got)
	}
	if st := f.analyzer.Stats(); st.Skipped != 1 {
		t.Fatalf("expected 1 skipped fault; stats: %+v", st)
	}
}

func TestStrayKernelAccessIsFatal(t *testing.T) {
	f := testFixture(t)

	rep := f.analyzer.Analyze(0x00300000, 0)
	if rep.Outcome != OutcomeFatal {
		t.Fatalf("expected OutcomeFatal for a stray kernel access; got %s", rep.Outcome)
	}
}

func TestGuardPageTouchIsFatal(t *testing.T) {
	f := testFixture(t)
	ks := f.pageDir.KernelSpace()

	if err := f.pageDir.AddVMA(ks, vmm.VMA{Start: 0x00700000, End: 0x00701000, Flags: vmm.FlagGuard}); err != nil {
		t.Fatal(err)
	}

	rep := f.analyzer.Analyze(0x00700800, CodeWrite)
	if rep.Outcome != OutcomeFatal {
		t.Fatalf("expected OutcomeFatal; got %s", rep.Outcome)
	}
	if !strings.Contains(rep.Classification, "guard page") {
		t.Fatalf("expected a guard-page classification; got %q", rep.Classification)
	}
}

func TestReadOnlyAreaWriteIsFatal(t *testing.T) {
	f := testFixture(t)
	ks := f.pageDir.KernelSpace()

	if err := f.pageDir.AddVMA(ks, vmm.VMA{Start: 0x00700000, End: 0x00710000}); err != nil {
		t.Fatal(err)
	}

	rep := f.analyzer.Analyze(0x00700800, CodeWrite)
	if rep.Outcome != OutcomeFatal {
		t.Fatalf("expected OutcomeFatal; got %s", rep.Outcome)
	}
	if !strings.Contains(rep.Classification, "read-only memory area") {
		t.Fatalf("expected a read-only area classification; got %q", rep.Classification)
	}
}

func TestHandlerInterface(t *testing.T) {
	f := testFixture(t)

	var h Handler = f.analyzer
	if got := h.HandleFault(0xd0000000, 0); got != OutcomeFatal {
		t.Fatalf("expected OutcomeFatal through the Handler interface; got %s", got)
	}

	last := f.analyzer.LastReport()
	if last.Addr != 0xd0000000 {
		t.Fatalf("expected the last report to record the fault address; got 0x%x", last.Addr)
	}
}
