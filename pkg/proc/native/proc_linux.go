//go:build linux && amd64

package native

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	isatty "github.com/mattn/go-isatty"
	sys "golang.org/x/sys/unix"

	"github.com/kdbg/kdb/pkg/logflags"
	"github.com/kdbg/kdb/pkg/proc"
)

// LaunchOptions configures the inferior's environment.
type LaunchOptions struct {
	// WorkingDir is the working directory of the inferior, the current
	// directory if empty.
	WorkingDir string
	// Stdin, Stdout and Stderr default to the debugger's own.
	Stdin, Stdout, Stderr *os.File
}

// Launch creates and begins debugging a new process. First entry in
// `cmd` is the program to run, and then rest are the arguments
// to be supplied to that process.
// Launch returns once the process is stopped on the first instruction of
// the new program image, before any of its code ran. sites is consulted
// to recognize breakpoint traps.
func Launch(cmd []string, opts LaunchOptions, sites proc.TrapSites) (proc.Inferior, error) {
	if len(cmd) == 0 {
		return nil, &proc.SpawnError{Err: errors.New("no executable specified")}
	}
	var (
		process *exec.Cmd
		err     error
	)

	stdin, stdout, stderr := opts.Stdin, opts.Stdout, opts.Stderr
	if stdin == nil {
		stdin = os.Stdin
	}
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}

	dbp := newProcess(0, sites)
	dbp.ctty, dbp.ttyPgrp = controllingTerminal(stdin)
	foreground := dbp.ctty != nil
	dbp.execPtraceFunc(func() {
		process = exec.Command(cmd[0])
		process.Args = cmd
		process.Stdin = stdin
		process.Stdout = stdout
		process.Stderr = stderr
		process.SysProcAttr = &syscall.SysProcAttr{
			Ptrace:     true,
			Setpgid:    true,
			Foreground: foreground,
		}
		if foreground {
			signal.Ignore(syscall.SIGTTOU, syscall.SIGTTIN)
		}
		if opts.WorkingDir != "" {
			process.Dir = opts.WorkingDir
		}
		err = process.Start()
	})
	if err != nil {
		dbp.takeTerminal()
		dbp.postExit(-1)
		return nil, &proc.SpawnError{Path: cmd[0], Err: err}
	}
	dbp.pid = process.Process.Pid

	status, err := dbp.wait()
	dbp.takeTerminal()
	if err != nil {
		dbp.Kill()
		return nil, &proc.SpawnError{Path: cmd[0], Err: fmt.Errorf("waiting for target execve failed: %v", err)}
	}
	if !status.Stopped() || status.StopSignal() != sys.SIGTRAP {
		dbp.postExit(status.ExitStatus())
		return nil, &proc.SpawnError{Path: cmd[0], Err: fmt.Errorf("unexpected status after execve: %#x", uint32(*status))}
	}
	dbp.stopped = true
	dbp.execPtraceFunc(func() { err = ptraceSetOptions(dbp.pid, sys.PTRACE_O_EXITKILL) })
	if err != nil {
		dbp.Kill()
		return nil, &proc.SpawnError{Path: cmd[0], Err: fmt.Errorf("could not set ptrace options: %v", err)}
	}
	if logflags.Native() {
		logflags.NativeLogger().Debugf("launched %v pid %d", cmd, dbp.pid)
	}
	return dbp, nil
}

// controllingTerminal returns stdin and its foreground process group when
// stdin is the controlling terminal of the debugger. The inferior then
// owns the terminal while it runs.
func controllingTerminal(stdin *os.File) (*os.File, int) {
	if stdin == nil || !isatty.IsTerminal(stdin.Fd()) {
		return nil, 0
	}
	pgrp, err := sys.IoctlGetInt(int(stdin.Fd()), sys.TIOCGPGRP)
	if err != nil {
		// A terminal, but not ours.
		return nil, 0
	}
	return stdin, pgrp
}

func (dbp *Process) setForeground(pgrp int) {
	if dbp.ctty == nil {
		return
	}
	if err := sys.IoctlSetPointerInt(int(dbp.ctty.Fd()), sys.TIOCSPGRP, pgrp); err != nil && logflags.Native() {
		logflags.NativeLogger().Debugf("could not move process group %d to the foreground: %v", pgrp, err)
	}
}

// giveTerminal moves the inferior's process group to the foreground.
func (dbp *Process) giveTerminal() { dbp.setForeground(dbp.pid) }

// takeTerminal gives the terminal back to the debugger.
func (dbp *Process) takeTerminal() { dbp.setForeground(dbp.ttyPgrp) }

func (dbp *Process) wait() (*sys.WaitStatus, error) {
	var s sys.WaitStatus
	for {
		_, err := sys.Wait4(dbp.pid, &s, sys.WALL, nil)
		if err == sys.EINTR {
			continue
		}
		if err != nil {
			return nil, err
		}
		return &s, nil
	}
}

// Registers obtains register values from the debugged process.
func (dbp *Process) Registers() (proc.Registers, error) {
	if err := dbp.check(); err != nil {
		return nil, err
	}
	var (
		regs Regs
		err  error
	)
	dbp.execPtraceFunc(func() { err = ptraceGetRegs(dbp.pid, &regs.regs) })
	if err != nil {
		return nil, fmt.Errorf("could not read registers: %w", err)
	}
	return &regs, nil
}

// SetRegisters writes regs back to the debugged process. regs must have
// been returned by Registers.
func (dbp *Process) SetRegisters(regs proc.Registers) error {
	if err := dbp.check(); err != nil {
		return err
	}
	r, ok := regs.(*Regs)
	if !ok {
		return fmt.Errorf("unsupported register set %T", regs)
	}
	var err error
	dbp.execPtraceFunc(func() { err = ptraceSetRegs(dbp.pid, &r.regs) })
	if err != nil {
		return fmt.Errorf("could not write registers: %w", err)
	}
	return nil
}

func (dbp *Process) setPC(pc uint64) error {
	regs, err := dbp.Registers()
	if err != nil {
		return err
	}
	regs.SetPC(pc)
	return dbp.SetRegisters(regs)
}

// ReadMemory reads len(buf) bytes of the inferior's memory at addr.
func (dbp *Process) ReadMemory(buf []byte, addr uint64) (int, error) {
	if err := dbp.check(); err != nil {
		return 0, err
	}
	if len(buf) == 0 {
		return 0, nil
	}
	var (
		n   int
		err error
	)
	dbp.execPtraceFunc(func() { n, err = ptracePeekData(dbp.pid, uintptr(addr), buf) })
	if err == nil && n != len(buf) {
		err = fmt.Errorf("short read at %#x: %d of %d bytes", addr, n, len(buf))
	}
	return n, err
}

// WriteMemory writes data to the inferior's memory at addr.
func (dbp *Process) WriteMemory(addr uint64, data []byte) (int, error) {
	if err := dbp.check(); err != nil {
		return 0, err
	}
	if len(data) == 0 {
		return 0, nil
	}
	var (
		n   int
		err error
	)
	dbp.execPtraceFunc(func() { n, err = ptracePokeData(dbp.pid, uintptr(addr), data) })
	if err == nil && n != len(data) {
		err = fmt.Errorf("short write at %#x: %d of %d bytes", addr, n, len(data))
	}
	return n, err
}

// StepInstruction executes exactly one instruction. If the program
// counter is on a breakpoint the original instruction is executed.
func (dbp *Process) StepInstruction() (proc.StopEvent, error) {
	if err := dbp.check(); err != nil {
		return proc.StopEvent{}, err
	}
	regs, err := dbp.Registers()
	if err != nil {
		return proc.StopEvent{}, err
	}
	pc := regs.PC()
	if orig, ok := dbp.sites.PatchedAt(pc); ok {
		return dbp.stepOverBreakpoint(pc, orig)
	}
	return dbp.singleStep()
}

func (dbp *Process) singleStep() (proc.StopEvent, error) {
	var err error
	sig := dbp.takePendingSignal()
	dbp.giveTerminal()
	dbp.execPtraceFunc(func() { err = ptraceSingleStep(dbp.pid, int(sig)) })
	if err != nil {
		return proc.StopEvent{}, fmt.Errorf("single step failed: %w", err)
	}
	dbp.stopped = false
	return dbp.trapWait(true)
}

// stepOverBreakpoint restores the original instruction at pc, executes it
// and writes the trap instruction back.
func (dbp *Process) stepOverBreakpoint(pc uint64, orig byte) (proc.StopEvent, error) {
	if _, err := dbp.WriteMemory(pc, []byte{orig}); err != nil {
		return proc.StopEvent{}, err
	}
	ev, stepErr := dbp.singleStep()
	if dbp.Exited() {
		return ev, stepErr
	}
	if _, err := dbp.WriteMemory(pc, []byte{proc.BreakpointInstruction}); err != nil {
		if stepErr == nil {
			stepErr = fmt.Errorf("could not restore breakpoint at %#x: %w", pc, err)
		}
	}
	return ev, stepErr
}

// Resume resumes execution of the inferior, stepping over the breakpoint
// at the current program counter first.
func (dbp *Process) Resume() error {
	if err := dbp.check(); err != nil {
		return err
	}
	regs, err := dbp.Registers()
	if err != nil {
		return err
	}
	if orig, ok := dbp.sites.PatchedAt(regs.PC()); ok {
		ev, err := dbp.stepOverBreakpoint(regs.PC(), orig)
		if err != nil {
			return err
		}
		if ev.Kind != proc.StopStepCompleted {
			// The instruction under the breakpoint faulted or ended the
			// process, report it to the next WaitForStop.
			dbp.pendingEvent = &ev
			return nil
		}
	}
	sig := dbp.takePendingSignal()
	dbp.giveTerminal()
	dbp.execPtraceFunc(func() { err = ptraceCont(dbp.pid, int(sig)) })
	if err != nil {
		return fmt.Errorf("could not continue process %d: %w", dbp.pid, err)
	}
	dbp.stopped = false
	if logflags.Native() {
		logflags.NativeLogger().Debugf("continue pid %d signal %d", dbp.pid, sig)
	}
	return nil
}

// WaitForStop blocks until the inferior stops after Resume.
func (dbp *Process) WaitForStop() (proc.StopEvent, error) {
	if ev := dbp.pendingEvent; ev != nil {
		dbp.pendingEvent = nil
		return *ev, nil
	}
	if dbp.Exited() {
		return proc.StopEvent{}, proc.ErrProcessExited{Pid: dbp.pid, Status: dbp.status}
	}
	if dbp.stopped {
		return proc.StopEvent{}, errors.New("process is not running")
	}
	return dbp.trapWait(false)
}

func (dbp *Process) takePendingSignal() syscall.Signal {
	sig := dbp.pendingSignal
	dbp.pendingSignal = 0
	return sig
}

// trapWait waits for the inferior to change state and classifies the
// stop.
func (dbp *Process) trapWait(stepping bool) (proc.StopEvent, error) {
	status, err := dbp.wait()
	dbp.takeTerminal()
	if err != nil {
		return proc.StopEvent{}, fmt.Errorf("wait failed: %w", err)
	}

	var ev proc.StopEvent
	switch {
	case status.Exited():
		ev = proc.StopEvent{Kind: proc.StopExited, ExitCode: status.ExitStatus()}
		dbp.postExit(status.ExitStatus())
		return ev, nil

	case status.Signaled():
		ev = proc.StopEvent{Kind: proc.StopTerminated, Signal: status.Signal()}
		dbp.postExit(-1)
		return ev, nil

	case status.Stopped():
		dbp.stopped = true
	default:
		return proc.StopEvent{}, fmt.Errorf("unexpected wait status %#x", uint32(*status))
	}

	regs, err := dbp.Registers()
	if err != nil {
		return proc.StopEvent{}, err
	}
	ev.PC = regs.PC()
	sig := status.StopSignal()

	switch {
	case sig == sys.SIGTRAP && stepping:
		ev.Kind = proc.StopStepCompleted
	case sig == sys.SIGTRAP:
		if _, ok := dbp.sites.PatchedAt(ev.PC - 1); ok {
			// The trap instruction was executed, move back onto the
			// breakpoint address.
			ev.PC--
			regs.SetPC(ev.PC)
			if err := dbp.SetRegisters(regs); err != nil {
				return proc.StopEvent{}, err
			}
			ev.Kind = proc.StopBreakpoint
		} else {
			ev.Kind = proc.StopSignaled
			ev.Signal = sig
		}
	default:
		ev.Kind = proc.StopSignaled
		ev.Signal = sig
		if sig != sys.SIGINT && !dbp.terminalStop(sig) {
			dbp.pendingSignal = sig
		}
	}
	if logflags.Native() {
		logflags.NativeLogger().Debugf("pid %d stopped: %s pc=%#x signal=%v", dbp.pid, ev.Kind, ev.PC, ev.Signal)
	}
	return ev, nil
}

// terminalStop reports whether sig was raised by the inferior using the
// terminal while the debugger owned it. The interrupted system call is
// restarted once the inferior gets the terminal back, the signal is not
// delivered.
func (dbp *Process) terminalStop(sig syscall.Signal) bool {
	return dbp.ctty != nil && (sig == sys.SIGTTIN || sig == sys.SIGTTOU)
}

// Kill kills the process and reaps it.
func (dbp *Process) Kill() error {
	if dbp.Exited() {
		return nil
	}
	defer dbp.takeTerminal()
	if err := sys.Kill(dbp.pid, sys.SIGKILL); err != nil && err != sys.ESRCH {
		return fmt.Errorf("could not kill process %d: %w", dbp.pid, err)
	}
	for {
		status, err := dbp.wait()
		if err != nil {
			dbp.postExit(-1)
			if err == sys.ECHILD {
				return nil
			}
			return fmt.Errorf("could not reap process %d: %w", dbp.pid, err)
		}
		if status.Exited() || status.Signaled() {
			dbp.postExit(-1)
			return nil
		}
		// Still reporting a stop that happened before SIGKILL.
	}
}

// RequestManualStop interrupts a running inferior by sending it SIGINT.
func (dbp *Process) RequestManualStop() error {
	dbp.stopMu.Lock()
	defer dbp.stopMu.Unlock()
	if dbp.exited {
		return nil
	}
	return sys.Kill(dbp.pid, sys.SIGINT)
}
