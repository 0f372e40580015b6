//go:build linux && amd64

package native

import (
	"os"
	"runtime"
	"sync"
	"syscall"

	"github.com/kdbg/kdb/pkg/proc"
)

// Process represents all of the information the debugger
// is holding onto regarding the process we are debugging.
type Process struct {
	pid int // Process Pid

	sites proc.TrapSites

	ptraceChan     chan func()
	ptraceDoneChan chan interface{}

	// stopMu protects exited against concurrent calls to
	// RequestManualStop.
	stopMu sync.Mutex

	stopped bool
	exited  bool
	status  int

	// pendingSignal is delivered to the inferior when it is resumed.
	pendingSignal syscall.Signal
	// pendingEvent is a stop observed while stepping over a breakpoint
	// during Resume, it is returned by the next WaitForStop.
	pendingEvent *proc.StopEvent

	// ctty is the controlling terminal shared with the inferior, nil when
	// the inferior does not read from it. ttyPgrp is the process group
	// owning it while the inferior is stopped.
	ctty    *os.File
	ttyPgrp int
}

// newProcess returns an initialized Process struct. Before returning,
// it will also launch a goroutine in order to handle ptrace(2)
// functions. For more information, see the documentation on
// `handlePtraceFuncs`.
func newProcess(pid int, sites proc.TrapSites) *Process {
	dbp := &Process{
		pid:            pid,
		sites:          sites,
		ptraceChan:     make(chan func()),
		ptraceDoneChan: make(chan interface{}),
	}
	go dbp.handlePtraceFuncs()
	return dbp
}

// Pid returns the process pid.
func (dbp *Process) Pid() int {
	return dbp.pid
}

// Exited returns whether the debugged
// process has exited.
func (dbp *Process) Exited() bool {
	dbp.stopMu.Lock()
	defer dbp.stopMu.Unlock()
	return dbp.exited
}

func (dbp *Process) handlePtraceFuncs() {
	// We must ensure here that we are running on the same thread during
	// while invoking the ptrace(2) syscall. This is due to the fact that ptrace(2) expects
	// all commands after PTRACE_TRACEME to come from the same thread.
	runtime.LockOSThread()

	for fn := range dbp.ptraceChan {
		fn()
		dbp.ptraceDoneChan <- nil
	}
}

func (dbp *Process) execPtraceFunc(fn func()) {
	dbp.ptraceChan <- fn
	<-dbp.ptraceDoneChan
}

func (dbp *Process) postExit(status int) {
	dbp.stopMu.Lock()
	defer dbp.stopMu.Unlock()
	if dbp.exited {
		return
	}
	dbp.exited = true
	dbp.stopped = false
	dbp.status = status
	close(dbp.ptraceChan)
}

// check returns an error if the process can not be inspected.
func (dbp *Process) check() error {
	if dbp.Exited() {
		return proc.ErrProcessExited{Pid: dbp.pid, Status: dbp.status}
	}
	if !dbp.stopped {
		return proc.ErrNotStopped
	}
	return nil
}
