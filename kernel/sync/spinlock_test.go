package sync

import (
	"runtime"
	"sync"
	"testing"
	"time"

	"kestrel/kernel/cpu"
)

func TestSpinlock(t *testing.T) {
	// Substitute the yieldFn with runtime.Gosched to avoid deadlocks while testing
	defer func(origYieldFn func()) { yieldFn = origYieldFn }(yieldFn)
	yieldFn = runtime.Gosched

	var (
		sl         Spinlock
		wg         sync.WaitGroup
		numWorkers = 10
	)

	sl.Acquire()

	if sl.TryToAcquire() != false {
		t.Error("expected TryToAcquire to return false when lock is held")
	}

	wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go func(worker int) {
			sl.Acquire()
			sl.Release()
			wg.Done()
		}(i)
	}

	<-time.After(100 * time.Millisecond)
	sl.Release()
	wg.Wait()
}

func TestIRQSpinlockSavesInterruptFlag(t *testing.T) {
	var (
		sl IRQSpinlock
		s  cpu.State
	)

	t.Run("interrupts enabled before acquire", func(t *testing.T) {
		s.EnableInterrupts()

		sl.AcquireIRQSave(&s)
		if s.InterruptsEnabled() {
			t.Fatal("expected interrupts to be masked inside the critical section")
		}

		sl.ReleaseIRQRestore(&s)
		if !s.InterruptsEnabled() {
			t.Fatal("expected interrupts to be restored after release")
		}
	})

	t.Run("interrupts disabled before acquire", func(t *testing.T) {
		s.DisableInterrupts()

		sl.AcquireIRQSave(&s)
		sl.ReleaseIRQRestore(&s)

		if s.InterruptsEnabled() {
			t.Fatal("expected interrupts to remain masked after release")
		}
	})
}
