// Package fault classifies page faults and drives the recovery state
// machine. The analyzer consults the region table, the corruption tracker
// and the active address space's memory areas to decide between a narrow set
// of recoverable cases and a fatal report; anything it cannot prove safe is
// fatal.
package fault

import (
	"kestrel/kernel"
	"kestrel/kernel/cpu"
	"kestrel/kernel/kfmt"
	"kestrel/kernel/mem"
	"kestrel/kernel/mem/pmm"
	"kestrel/kernel/mem/region"
	"kestrel/kernel/mem/track"
	"kestrel/kernel/mem/vmm"
	"kestrel/kernel/sync"
)

var errNilArg = &kernel.Error{Module: "fault", Message: "nil argument to analyzer constructor", Code: kernel.CodeNullPointer}

// ErrorCode is the page-fault error code pushed by the CPU on exception 14.
type ErrorCode uint32

const (
	// CodePresent is set when the fault was a protection violation on a
	// present page rather than a non-present page.
	CodePresent ErrorCode = 1 << 0

	// CodeWrite is set when the faulting access was a write.
	CodeWrite ErrorCode = 1 << 1

	// CodeUser is set when the access originated in ring 3.
	CodeUser ErrorCode = 1 << 2
)

// Present returns true for protection faults on present pages.
func (c ErrorCode) Present() bool { return c&CodePresent != 0 }

// Write returns true when the faulting access was a write.
func (c ErrorCode) Write() bool { return c&CodeWrite != 0 }

// User returns true when the access originated in user mode.
func (c ErrorCode) User() bool { return c&CodeUser != 0 }

// String implements fmt.Stringer for ErrorCode.
func (c ErrorCode) String() string {
	var s string
	if c.Write() {
		s = "write"
	} else {
		s = "read"
	}
	if c.Present() {
		s += " fault on present page"
	} else {
		s += " fault on non-present page"
	}
	if c.User() {
		return s + " (user)"
	}
	return s + " (kernel)"
}

// Outcome is the analyzer's verdict for one fault.
type Outcome uint8

const (
	// OutcomeContinue resumes the faulting instruction; the analyzer has
	// installed the missing mapping.
	OutcomeContinue Outcome = iota + 1

	// OutcomeSkip abandons the faulting context (the task is to be
	// terminated) but the kernel keeps running.
	OutcomeSkip

	// OutcomeFatal routes the fault to the panic path.
	OutcomeFatal
)

// String implements fmt.Stringer for Outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeContinue:
		return "recoverable-continue"
	case OutcomeSkip:
		return "recoverable-skip"
	case OutcomeFatal:
		return "fatal-panic"
	default:
		return "no-fault"
	}
}

// State tracks the analyzer through one fault.
type State uint8

const (
	StateIdle State = iota
	StateAnalyzing
	StateRecoverableContinue
	StateRecoverableSkip
	StateFatalPanic
)

// String implements fmt.Stringer for State.
func (s State) String() string {
	switch s {
	case StateAnalyzing:
		return "analyzing"
	case StateRecoverableContinue:
		return "recoverable-continue"
	case StateRecoverableSkip:
		return "recoverable-skip"
	case StateFatalPanic:
		return "fatal-panic"
	default:
		return "no-fault"
	}
}

// Report is the full record of one analyzed fault.
type Report struct {
	Addr    uint32
	Code    ErrorCode
	Outcome Outcome

	// Classification is the human readable verdict included in panic
	// output.
	Classification string
}

// Handler is the pluggable fault-classification strategy. The trap layer
// calls it with the faulting address and the CPU error code and acts on the
// outcome.
type Handler interface {
	HandleFault(addr uint32, code ErrorCode) Outcome
}

// Stats is a snapshot of the analyzer counters.
type Stats struct {
	Faults    uint64
	Recovered uint64
	Skipped   uint64
	Fatal     uint64
}

// Analyzer is the default Handler: it resolves demand-mapped and
// copy-on-write faults and classifies everything else.
type Analyzer struct {
	cpuState *cpu.State
	lock     sync.IRQSpinlock

	pageDir *vmm.Manager
	frames  *pmm.BitmapAllocator
	regions *region.Table

	// tracker is optional; without it freed-allocation attribution is
	// limited to the region heuristics.
	tracker *track.Tracker

	// space is the address space faults are resolved against. The task
	// switch path keeps it in line with the active page directory.
	space *vmm.AddressSpace

	state State
	last  Report
	stats Stats
}

// NewAnalyzer wires the analyzer to the memory subsystem. tracker may be
// nil. Faults are resolved against the kernel address space until
// SetAddressSpace is called.
func NewAnalyzer(cpuState *cpu.State, pageDir *vmm.Manager, frames *pmm.BitmapAllocator, regions *region.Table, tracker *track.Tracker) (*Analyzer, *kernel.Error) {
	if cpuState == nil || pageDir == nil || frames == nil || regions == nil {
		return nil, errNilArg
	}
	return &Analyzer{
		cpuState: cpuState,
		pageDir:  pageDir,
		frames:   frames,
		regions:  regions,
		tracker:  tracker,
		space:    pageDir.KernelSpace(),
	}, nil
}

// SetAddressSpace points fault resolution at the supplied space.
func (a *Analyzer) SetAddressSpace(as *vmm.AddressSpace) {
	a.lock.AcquireIRQSave(a.cpuState)
	defer a.lock.ReleaseIRQRestore(a.cpuState)
	a.space = as
}

// HandleFault implements Handler.
func (a *Analyzer) HandleFault(addr uint32, code ErrorCode) Outcome {
	return a.Analyze(addr, code).Outcome
}

// Analyze runs the classification cascade for one fault and returns the full
// report. Recoverable outcomes leave the missing mapping installed.
func (a *Analyzer) Analyze(addr uint32, code ErrorCode) Report {
	a.lock.AcquireIRQSave(a.cpuState)
	defer a.lock.ReleaseIRQRestore(a.cpuState)

	a.state = StateAnalyzing
	a.stats.Faults++

	rep := a.classify(addr, code)

	switch rep.Outcome {
	case OutcomeContinue:
		a.state = StateRecoverableContinue
		a.stats.Recovered++
	case OutcomeSkip:
		a.state = StateRecoverableSkip
		a.stats.Skipped++
	default:
		a.state = StateFatalPanic
		a.stats.Fatal++
	}

	kfmt.Printf("[fault] %s at 0x%x: %s -> %s\n", rep.Code, rep.Addr, rep.Classification, rep.Outcome)
	a.last = rep
	return rep
}

func (a *Analyzer) classify(addr uint32, code ErrorCode) Report {
	rep := Report{Addr: addr, Code: code, Outcome: OutcomeFatal}

	// Writes into known read-only territory are never recovered.
	cls := a.regions.Classify(addr)
	if code.Write() && cls.Known && cls.Region.ReadOnly {
		rep.Classification = "write to read-only region: " + cls.Region.Name
		return rep
	}

	// A fault inside a freed tracked allocation is corruption, not a
	// missing mapping.
	if a.tracker != nil {
		if _, freed := a.tracker.Classify(addr); freed {
			rep.Classification = "use-after-free: address inside a freed allocation"
			return rep
		}
	}

	if code.Present() {
		return a.classifyProtection(addr, code, rep)
	}
	return a.classifyNotPresent(addr, code, cls, rep)
}

// classifyProtection handles faults on present pages. The only recoverable
// case is a write to a copy-on-write page.
func (a *Analyzer) classifyProtection(addr uint32, code ErrorCode, rep Report) Report {
	pageAddr := mem.PageAlign(addr)

	if code.Write() {
		_, flags, err := a.pageDir.EntryAt(a.space, pageAddr)
		if err == nil && flags&vmm.FlagCopyOnWrite != 0 {
			if cowErr := a.resolveCopyOnWrite(pageAddr, flags); cowErr != nil {
				rep.Classification = "copy-on-write resolution failed: " + cowErr.Message
				return rep
			}
			rep.Outcome = OutcomeContinue
			rep.Classification = "copy-on-write page copied to a private frame"
			return rep
		}
	}

	rep.Classification = "protection violation on a present page"
	return rep
}

// classifyNotPresent handles faults on non-present pages: demand mapping for
// addresses backed by a memory area, task termination for stray user-mode
// access, fatal for everything else.
func (a *Analyzer) classifyNotPresent(addr uint32, code ErrorCode, cls region.Classification, rep Report) Report {
	vma, found, err := a.pageDir.FindVMA(a.space, addr)
	if err != nil {
		rep.Classification = "memory area lookup failed: " + err.Message
		return rep
	}

	if found {
		if vma.Flags&vmm.FlagGuard != 0 {
			rep.Classification = "guard page touched (probable stack overflow)"
			return rep
		}
		if code.Write() && vma.Flags&vmm.FlagRW == 0 {
			rep.Classification = "write into a read-only memory area"
			return rep
		}
		if mapErr := a.demandMap(addr, vma); mapErr != nil {
			rep.Classification = "demand mapping failed: " + mapErr.Message
			return rep
		}
		rep.Outcome = OutcomeContinue
		rep.Classification = "demand-mapped page backed by a registered memory area"
		return rep
	}

	if code.User() && addr < mem.KernelSpaceStart {
		rep.Outcome = OutcomeSkip
		rep.Classification = "user-mode access to an unmapped address; faulting task terminated"
		return rep
	}

	if addr >= mem.KernelSpaceStart {
		rep.Classification = "kernel-space address outside any mapped area (" + cls.Description() + ")"
		return rep
	}
	rep.Classification = "unmapped address outside any memory area (" + cls.Description() + ")"
	return rep
}

// demandMap installs the missing page of a registered memory area, backed by
// a freshly allocated zero frame.
func (a *Analyzer) demandMap(addr uint32, vma vmm.VMA) *kernel.Error {
	frame, err := a.frames.AllocFrame()
	if err != nil {
		return err
	}
	if err := a.pageDir.Map(a.space, mem.PageAlign(addr), frame, vma.Flags); err != nil {
		a.frames.FreeFrame(frame)
		return err
	}
	return nil
}

// resolveCopyOnWrite replaces the shared read-only frame behind pageAddr
// with a private writable copy.
func (a *Analyzer) resolveCopyOnWrite(pageAddr uint32, flags vmm.PageTableEntryFlag) *kernel.Error {
	frame, err := a.frames.AllocFrame()
	if err != nil {
		return err
	}

	newFlags := (flags &^ (vmm.FlagCopyOnWrite | vmm.FlagShared | vmm.FlagPresent)) | vmm.FlagRW
	if err := a.pageDir.Remap(a.space, pageAddr, frame, newFlags); err != nil {
		a.frames.FreeFrame(frame)
		return err
	}
	return nil
}

// State returns the analyzer's current state.
func (a *Analyzer) State() State {
	a.lock.AcquireIRQSave(a.cpuState)
	defer a.lock.ReleaseIRQRestore(a.cpuState)
	return a.state
}

// LastReport returns the most recently analyzed fault.
func (a *Analyzer) LastReport() Report {
	a.lock.AcquireIRQSave(a.cpuState)
	defer a.lock.ReleaseIRQRestore(a.cpuState)
	return a.last
}

// Stats returns a snapshot of the analyzer counters.
func (a *Analyzer) Stats() Stats {
	a.lock.AcquireIRQSave(a.cpuState)
	defer a.lock.ReleaseIRQRestore(a.cpuState)
	return a.stats
}
