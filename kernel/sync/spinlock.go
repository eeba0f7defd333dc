// Package sync provides the synchronization primitives used by the memory
// subsystem: a busy-wait spinlock and an interrupt-saving variant that keeps
// allocator state safe from re-entry by interrupt handlers.
package sync

import (
	"sync/atomic"

	"kestrel/kernel/cpu"
)

var (
	// yieldFn is invoked while spinning on a contended lock. Tests
	// substitute it with runtime.Gosched to avoid deadlocks.
	yieldFn = func() {}
)

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active task.
// Any attempt to re-acquire a lock already held by the current task will cause
// a deadlock.
func (l *Spinlock) Acquire() {
	for !atomic.CompareAndSwapUint32(&l.state, 0, 1) {
		yieldFn()
	}
}

// TryToAcquire attempts to acquire the lock and returns true if the lock could
// be acquired or false otherwise.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.SwapUint32(&l.state, 1) == 0
}

// Release relinquishes a held lock allowing other tasks to acquire it. Calling
// Release while the lock is free has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}

// IRQSpinlock couples a Spinlock with the interrupt-enable flag of a CPU
// state. Acquiring the lock masks interrupts for the duration of the critical
// section so an interrupt handler can never observe or re-enter a half-updated
// bitmap, free list or page table; releasing restores the flag to the value it
// had before acquisition.
type IRQSpinlock struct {
	lock    Spinlock
	savedIF bool
}

// AcquireIRQSave masks interrupts on the supplied CPU state and then acquires
// the lock. The previous interrupt-enable flag value is saved so that
// ReleaseIRQRestore can reinstate it.
func (l *IRQSpinlock) AcquireIRQSave(s *cpu.State) {
	prev := s.DisableInterrupts()
	l.lock.Acquire()
	l.savedIF = prev
}

// ReleaseIRQRestore releases the lock and restores the interrupt-enable flag
// saved by the matching AcquireIRQSave call.
func (l *IRQSpinlock) ReleaseIRQRestore(s *cpu.State) {
	prev := l.savedIF
	l.lock.Release()
	s.RestoreInterrupts(prev)
}
