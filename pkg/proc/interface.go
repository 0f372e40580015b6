package proc

import "syscall"

// MemoryReader is like io.ReaderAt, but the offset is a uint64 so that it
// can address all of 64-bit memory.
type MemoryReader interface {
	// ReadMemory is just like io.ReaderAt.ReadAt.
	ReadMemory(buf []byte, addr uint64) (n int, err error)
}

// MemoryReadWriter is an interface for reading or writing to
// the targets memory. This allows us to read from the actual
// target memory or possibly a cache.
type MemoryReadWriter interface {
	MemoryReader
	WriteMemory(addr uint64, data []byte) (written int, err error)
}

// Registers is a snapshot of the general purpose registers of a stopped
// inferior.
type Registers interface {
	PC() uint64
	SP() uint64
	BP() uint64
	SetPC(pc uint64)
}

// StopKind classifies the reason an inferior stopped.
type StopKind uint8

const (
	// StopBreakpoint means the inferior executed a trap installed by
	// kdb. The program counter has already been moved back onto the
	// breakpoint address.
	StopBreakpoint StopKind = iota
	// StopStepCompleted means a single step finished.
	StopStepCompleted
	// StopSignaled means the inferior received a signal, which will be
	// delivered on the next resume.
	StopSignaled
	// StopExited means the inferior exited normally.
	StopExited
	// StopTerminated means the inferior was killed by a signal.
	StopTerminated
)

func (k StopKind) String() string {
	switch k {
	case StopBreakpoint:
		return "breakpoint"
	case StopStepCompleted:
		return "step"
	case StopSignaled:
		return "signal"
	case StopExited:
		return "exited"
	case StopTerminated:
		return "terminated"
	}
	return "unknown"
}

// StopEvent describes a state change of the inferior.
type StopEvent struct {
	Kind     StopKind
	PC       uint64
	Signal   syscall.Signal
	ExitCode int
}

// Dead reports whether the event ends the inferior.
func (ev StopEvent) Dead() bool {
	return ev.Kind == StopExited || ev.Kind == StopTerminated
}

// TrapSites reports which addresses currently hold a software breakpoint
// and the instruction byte it replaced.
type TrapSites interface {
	PatchedAt(addr uint64) (original byte, ok bool)
}

// Inferior is a traced process. All methods other than RequestManualStop
// must be called from the same goroutine.
type Inferior interface {
	MemoryReadWriter

	Pid() int
	// Exited returns true if the inferior has exited or was killed.
	Exited() bool

	Registers() (Registers, error)
	SetRegisters(regs Registers) error

	// StepInstruction executes exactly one instruction, stepping over a
	// breakpoint installed at the current program counter.
	StepInstruction() (StopEvent, error)
	// Resume continues the inferior until the next call to WaitForStop.
	Resume() error
	// WaitForStop blocks until the inferior stops.
	WaitForStop() (StopEvent, error)

	// Kill kills the inferior and reaps it. Calling Kill on a dead inferior
	// is a no-op.
	Kill() error
	// RequestManualStop interrupts a running inferior. It may be called
	// from any goroutine.
	RequestManualStop() error
}

// BreakpointInstruction is the x86 int3 instruction.
const BreakpointInstruction byte = 0xCC
