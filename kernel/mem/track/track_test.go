package track

import (
	"testing"

	"kestrel/kernel"
	"kestrel/kernel/cpu"
	"kestrel/kernel/mem/kheap"
)

type captureReporter struct {
	violations []Violation
}

func (r *captureReporter) Report(v Violation) {
	r.violations = append(r.violations, v)
}

func (r *captureReporter) last(t *testing.T) Violation {
	t.Helper()
	if len(r.violations) == 0 {
		t.Fatal("expected a violation to be reported")
	}
	return r.violations[len(r.violations)-1]
}

func testTracker(t *testing.T) (*Tracker, *kheap.Heap, *captureReporter) {
	t.Helper()

	heap, err := kheap.NewHeap(new(cpu.State), 0x00400000, 0x10000, 0x40000, func(addr, pages uint32) *kernel.Error {
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	rep := new(captureReporter)
	tr, err := NewTracker(new(cpu.State), heap, rep)
	if err != nil {
		t.Fatal(err)
	}
	return tr, heap, rep
}

func TestAllocRejectsGuardBandOverflow(t *testing.T) {
	tr, _, _ := testTracker(t)

	// Sizes near the top of uint32 would wrap once the guard bands are
	// added and request a tiny heap block for a huge claimed payload.
	if _, err := tr.Alloc(0xfffffff8); err != errInvalidSize {
		t.Fatalf("expected errInvalidSize for a size that wraps with the guard bands; got %v", err)
	}

	ptr, err := tr.Alloc(64)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tr.Realloc(ptr, 0xfffffff8); err != errInvalidSize {
		t.Fatalf("expected errInvalidSize for a resize that wraps with the guard bands; got %v", err)
	}
	if err := tr.ValidateAllocation(ptr); err != nil {
		t.Fatalf("expected the original allocation to survive the rejected resize; got %v", err)
	}
}

func TestTrackedAllocValidateFree(t *testing.T) {
	tr, _, rep := testTracker(t)

	ptr, err := tr.Alloc(64)
	if err != nil {
		t.Fatal(err)
	}
	if err := tr.ValidatePointer(ptr); err != nil {
		t.Fatalf("expected a live allocation to validate; got %v", err)
	}
	if err := tr.ValidatePointer(ptr + 63); err != nil {
		t.Fatalf("expected an interior pointer to validate; got %v", err)
	}
	if err := tr.ValidateAllocation(ptr); err != nil {
		t.Fatalf("expected the full validation to pass; got %v", err)
	}

	if err := tr.Free(ptr); err != nil {
		t.Fatal(err)
	}

	if err := tr.ValidatePointer(ptr); err != ErrUseAfterFree {
		t.Fatalf("expected ErrUseAfterFree on a freed allocation; got %v", err)
	}
	if v := rep.last(t); v.Type != ViolationUseAfterFree {
		t.Fatalf("expected a use-after-free violation; got %s", v.Type)
	}
}

func TestDoubleFreeDetected(t *testing.T) {
	tr, _, rep := testTracker(t)

	ptr, err := tr.Alloc(64)
	if err != nil {
		t.Fatal(err)
	}
	if err := tr.Free(ptr); err != nil {
		t.Fatal(err)
	}

	if err := tr.Free(ptr); err != ErrDoubleFree {
		t.Fatalf("expected ErrDoubleFree; got %v", err)
	}
	if v := rep.last(t); v.Type != ViolationDoubleFree {
		t.Fatalf("expected a double-free violation; got %s", v.Type)
	}
	if st := tr.Stats(); st.DoubleFrees != 1 {
		t.Fatalf("expected 1 double free in the stats; got %d", st.DoubleFrees)
	}
}

func TestFreePoisonsPayload(t *testing.T) {
	tr, heap, _ := testTracker(t)

	ptr, err := tr.Alloc(64)
	if err != nil {
		t.Fatal(err)
	}
	buf, err := heap.Bytes(ptr, 64)
	if err != nil {
		t.Fatal(err)
	}
	for i := range buf {
		buf[i] = 0x11
	}

	if err := tr.Free(ptr); err != nil {
		t.Fatal(err)
	}

	// Reading through the stale pointer yields the poison pattern.
	buf, err = heap.Bytes(ptr, 64)
	if err != nil {
		t.Fatal(err)
	}
	for i, b := range buf {
		if b != poisonByte {
			t.Fatalf("expected byte %d of the freed payload to hold the poison pattern; got 0x%x", i, b)
		}
	}
}

func TestCanaryOverwriteDetected(t *testing.T) {
	tr, heap, rep := testTracker(t)

	ptr, err := tr.Alloc(64)
	if err != nil {
		t.Fatal(err)
	}

	// Overrun one byte past the payload into the back guard band.
	buf, err := heap.Bytes(ptr, 65)
	if err != nil {
		t.Fatal(err)
	}
	buf[64] = 0x00

	if err := tr.Free(ptr); err != ErrCanaryOverwrite {
		t.Fatalf("expected ErrCanaryOverwrite; got %v", err)
	}
	if v := rep.last(t); v.Type != ViolationCanaryOverwrite {
		t.Fatalf("expected a canary-overwrite violation; got %s", v.Type)
	}

	// The free was refused; the allocation stays live for postmortem.
	if live, _ := tr.Classify(ptr); !live {
		t.Fatal("expected the allocation to remain live after the refused free")
	}
}

func TestFrontCanaryUnderrunDetected(t *testing.T) {
	tr, heap, rep := testTracker(t)

	ptr, err := tr.Alloc(32)
	if err != nil {
		t.Fatal(err)
	}

	buf, err := heap.Bytes(ptr-1, 1)
	if err != nil {
		t.Fatal(err)
	}
	buf[0] = 0x00

	if err := tr.ValidateAllocation(ptr); err != ErrCanaryOverwrite {
		t.Fatalf("expected ErrCanaryOverwrite; got %v", err)
	}
	if v := rep.last(t); v.Type != ViolationCanaryOverwrite {
		t.Fatalf("expected a canary-overwrite violation; got %s", v.Type)
	}
}

func TestUntrackedPointerRejected(t *testing.T) {
	tr, _, rep := testTracker(t)

	if err := tr.Free(0x00400420); err != ErrUntrackedPointer {
		t.Fatalf("expected ErrUntrackedPointer; got %v", err)
	}
	if err := tr.ValidatePointer(0x00400420); err != ErrUntrackedPointer {
		t.Fatalf("expected ErrUntrackedPointer; got %v", err)
	}
	if v := rep.last(t); v.Type != ViolationUntrackedPointer {
		t.Fatalf("expected an untracked-pointer violation; got %s", v.Type)
	}
}

func TestScanHeapCorruption(t *testing.T) {
	tr, heap, _ := testTracker(t)

	clean, err := tr.Alloc(64)
	if err != nil {
		t.Fatal(err)
	}
	dirty, err := tr.Alloc(64)
	if err != nil {
		t.Fatal(err)
	}

	if got := tr.ScanHeapCorruption(); got != 0 {
		t.Fatalf("expected a clean scan; got %d violations", got)
	}

	buf, err := heap.Bytes(dirty, 65)
	if err != nil {
		t.Fatal(err)
	}
	buf[64] = 0xff

	if got := tr.ScanHeapCorruption(); got != 1 {
		t.Fatalf("expected the scan to find 1 violation; got %d", got)
	}
	if err := tr.ValidateAllocation(clean); err != nil {
		t.Fatalf("expected the clean allocation to keep validating; got %v", err)
	}
}

func TestTableEntryRecycling(t *testing.T) {
	tr, _, _ := testTracker(t)

	ptr, err := tr.Alloc(64)
	if err != nil {
		t.Fatal(err)
	}
	if err := tr.Free(ptr); err != nil {
		t.Fatal(err)
	}

	// The heap hands the same address back; the freed entry flips to live
	// instead of leaving a stale freed record for the same pointer.
	ptr2, err := tr.Alloc(64)
	if err != nil {
		t.Fatal(err)
	}
	if ptr2 != ptr {
		t.Fatalf("expected the heap to recycle the block; got 0x%x and 0x%x", ptr, ptr2)
	}
	if err := tr.ValidatePointer(ptr2); err != nil {
		t.Fatalf("expected the recycled allocation to validate; got %v", err)
	}

	st := tr.Stats()
	if st.Live != 1 || st.Freed != 0 {
		t.Fatalf("expected 1 live and 0 freed entries; got %d live, %d freed", st.Live, st.Freed)
	}
}

func TestClassify(t *testing.T) {
	tr, _, _ := testTracker(t)

	ptr, err := tr.Alloc(64)
	if err != nil {
		t.Fatal(err)
	}

	if live, freed := tr.Classify(ptr + 10); !live || freed {
		t.Fatalf("expected a live classification; got live=%t freed=%t", live, freed)
	}
	if err := tr.Free(ptr); err != nil {
		t.Fatal(err)
	}
	if live, freed := tr.Classify(ptr + 10); live || !freed {
		t.Fatalf("expected a freed classification; got live=%t freed=%t", live, freed)
	}
	if live, freed := tr.Classify(0x00409000); live || freed {
		t.Fatalf("expected no classification; got live=%t freed=%t", live, freed)
	}
}
