//go:build linux && amd64

package native

import (
	sys "golang.org/x/sys/unix"
)

// ptraceCont executes ptrace PTRACE_CONT
func ptraceCont(tid, sig int) error {
	return sys.PtraceCont(tid, sig)
}

// ptraceSingleStep executes ptrace PTRACE_SINGLESTEP
func ptraceSingleStep(pid, sig int) error {
	_, _, e1 := sys.Syscall6(sys.SYS_PTRACE, uintptr(sys.PTRACE_SINGLESTEP), uintptr(pid), uintptr(0), uintptr(sig), 0, 0)
	if e1 != 0 {
		return e1
	}
	return nil
}

// ptraceSetOptions executes ptrace PTRACE_SETOPTIONS
func ptraceSetOptions(pid, options int) error {
	return sys.PtraceSetOptions(pid, options)
}

// ptracePeekData reads len(data) bytes at addr, one word at a time.
func ptracePeekData(pid int, addr uintptr, data []byte) (int, error) {
	return sys.PtracePeekData(pid, addr, data)
}

// ptracePokeData writes data at addr, one word at a time. Partial words
// at either end are merged with the existing memory contents.
func ptracePokeData(pid int, addr uintptr, data []byte) (int, error) {
	return sys.PtracePokeData(pid, addr, data)
}

func ptraceGetRegs(pid int, regs *sys.PtraceRegs) error {
	return sys.PtraceGetRegs(pid, regs)
}

func ptraceSetRegs(pid int, regs *sys.PtraceRegs) error {
	return sys.PtraceSetRegs(pid, regs)
}
