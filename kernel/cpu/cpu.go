// Package cpu models the slice of machine state that the memory subsystem
// needs to control: the interrupt-enable flag and the active page-directory
// register. Each subsystem instance owns its own State so multiple instances
// can coexist (e.g. in tests) without touching process-global state.
package cpu

import "sync/atomic"

// State holds the per-instance machine registers mutated by the memory core.
// The zero value describes a CPU with interrupts disabled and no active page
// directory, which matches the machine state at kernel entry.
type State struct {
	// intEnabled mirrors the interrupt-enable (IF) flag. Accessed
	// atomically because interrupt handlers may inspect it.
	intEnabled uint32

	// pdtAddr holds the physical address of the active page directory
	// (the CR3 analog).
	pdtAddr uint32

	// haltCount tracks calls to Halt so tests can assert the halt path
	// was taken without stopping the test process.
	haltCount uint32
}

// EnableInterrupts sets the interrupt-enable flag.
func (s *State) EnableInterrupts() {
	atomic.StoreUint32(&s.intEnabled, 1)
}

// DisableInterrupts clears the interrupt-enable flag and returns its previous
// value so callers can restore it when leaving a critical section.
func (s *State) DisableInterrupts() bool {
	return atomic.SwapUint32(&s.intEnabled, 0) == 1
}

// RestoreInterrupts sets the interrupt-enable flag back to a value previously
// returned by DisableInterrupts.
func (s *State) RestoreInterrupts(enabled bool) {
	if enabled {
		atomic.StoreUint32(&s.intEnabled, 1)
	} else {
		atomic.StoreUint32(&s.intEnabled, 0)
	}
}

// InterruptsEnabled returns the current value of the interrupt-enable flag.
func (s *State) InterruptsEnabled() bool {
	return atomic.LoadUint32(&s.intEnabled) == 1
}

// SwitchPDT sets the active page directory register to the supplied physical
// address. The caller must guarantee the address is valid and page-aligned.
func (s *State) SwitchPDT(pdtPhysAddr uint32) {
	atomic.StoreUint32(&s.pdtAddr, pdtPhysAddr)
}

// ActivePDT returns the physical address of the currently active page
// directory.
func (s *State) ActivePDT() uint32 {
	return atomic.LoadUint32(&s.pdtAddr)
}

// Halt records a request to stop instruction execution. On real hardware this
// never returns; the model instead counts halts so the panic path remains
// testable.
func (s *State) Halt() {
	atomic.AddUint32(&s.haltCount, 1)
}

// Halted returns true if Halt has been invoked at least once.
func (s *State) Halted() bool {
	return atomic.LoadUint32(&s.haltCount) > 0
}
