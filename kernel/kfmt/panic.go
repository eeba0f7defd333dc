package kfmt

import (
	"kestrel/kernel"
	"kestrel/kernel/cpu"
)

var errRuntimePanic = &kernel.Error{Module: "rt", Message: "unknown cause"}

// Panic outputs the supplied error (if not nil) to the active output sink and
// halts the CPU whose state is supplied. It is the single reporting funnel
// for unrecoverable conditions detected by the memory subsystem: corrupted
// allocator metadata and fatal page faults both end up here.
func Panic(s *cpu.State, e interface{}) {
	var err *kernel.Error

	switch t := e.(type) {
	case *kernel.Error:
		err = t
	case string:
		errRuntimePanic.Message = t
		err = errRuntimePanic
	case error:
		errRuntimePanic.Message = t.Error()
		err = errRuntimePanic
	}

	Printf("\n-----------------------------------\n")
	if err != nil {
		Printf("[%s] unrecoverable error: %s\n", err.Module, err.Message)
	}
	Printf("*** kernel panic: system halted ***")
	Printf("\n-----------------------------------\n")

	s.Halt()
}
