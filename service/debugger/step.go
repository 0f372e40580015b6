package debugger

import (
	"fmt"
	"syscall"

	"github.com/kdbg/kdb/pkg/proc"
	"github.com/kdbg/kdb/service/api"
)

// StepInstruction executes a single machine instruction.
func (d *Debugger) StepInstruction() (*api.Report, error) {
	if d.target == nil {
		return nil, proc.ErrNoActiveInferior
	}
	ev, err := d.target.StepInstruction()
	if err != nil {
		return nil, err
	}
	state, err := d.stopped(ev)
	if err != nil {
		return nil, err
	}
	report := &api.Report{Lines: state.StopLines(), State: state}
	if state.Stopped {
		if text, err := proc.Disassemble(d.target, &d.breakpoints, ev.PC); err == nil {
			report.Lines = append(report.Lines, fmt.Sprintf("=> %#x:\t%s", ev.PC, text))
		}
	}
	return report, nil
}

// Next steps to the next source line of the current function. Functions
// called on the way run to completion unless NextStepsOverCalls is false.
// Next stops early when the inferior hits a user breakpoint, receives a
// signal, dies or is interrupted.
func (d *Debugger) Next() (*api.Report, error) {
	if d.target == nil {
		return nil, proc.ErrNoActiveInferior
	}
	d.setStepping(true)
	defer d.setStepping(false)
	regs, err := d.target.Registers()
	if err != nil {
		return nil, err
	}
	startFile, startLine, _ := d.bi.PCToLine(regs.PC())

	maxSteps := d.config.MaxNextSteps
	if maxSteps <= 0 {
		maxSteps = defaultMaxNextSteps
	}

	for steps := 0; steps < maxSteps; steps++ {
		if d.takeInterrupt() {
			regs, err := d.target.Registers()
			if err != nil {
				return nil, err
			}
			d.log.Debugf("next interrupted after %d instructions", steps)
			state, err := d.stopped(proc.StopEvent{Kind: proc.StopSignaled, Signal: syscall.SIGINT, PC: regs.PC()})
			if err != nil {
				return nil, err
			}
			return &api.Report{Lines: state.StopLines(), State: state}, nil
		}
		ev, done, err := d.nextInstruction()
		if err != nil {
			return nil, err
		}
		if done {
			state, err := d.stopped(ev)
			if err != nil {
				return nil, err
			}
			return &api.Report{Lines: state.StopLines(), State: state}, nil
		}
		file, line, err := d.bi.PCToLine(ev.PC)
		if err == nil && (file != startFile || line != startLine) && d.bi.IsStatement(ev.PC) {
			state, err := d.stopped(ev)
			if err != nil {
				return nil, err
			}
			return &api.Report{Lines: state.StopLines(), State: state}, nil
		}
	}

	regs, err = d.target.Registers()
	if err != nil {
		return nil, err
	}
	d.log.Debugf("next gave up after %d instructions at %#x", maxSteps, regs.PC())
	state, err := d.stopped(proc.StopEvent{Kind: proc.StopStepCompleted, PC: regs.PC()})
	if err != nil {
		return nil, err
	}
	state.NextLimitReached = true
	lines := append([]string{fmt.Sprintf("Next stopped after %d instructions without reaching a new line", maxSteps)}, state.StopLines()...)
	return &api.Report{Lines: lines, State: state}, nil
}

const defaultMaxNextSteps = 100000

// nextInstruction executes the instruction at the current PC, running
// called functions to completion when configured to. done is true when ev
// must end the next command: the inferior died, got a signal or hit a
// user breakpoint.
func (d *Debugger) nextInstruction() (ev proc.StopEvent, done bool, err error) {
	if d.config.NextStepsOverCalls {
		regs, err := d.target.Registers()
		if err != nil {
			return proc.StopEvent{}, false, err
		}
		n, isCall, err := proc.CallInstruction(d.target, &d.breakpoints, regs.PC())
		if err != nil {
			return proc.StopEvent{}, false, err
		}
		if isCall {
			return d.stepOverCall(regs.PC()+uint64(n), regs.SP())
		}
	}

	ev, err = d.target.StepInstruction()
	if err != nil {
		return ev, false, err
	}
	switch ev.Kind {
	case proc.StopStepCompleted:
		return ev, false, nil
	case proc.StopBreakpoint:
		return ev, d.breakpoints.UserBreakpointAt(ev.PC) != nil, nil
	}
	return ev, true, nil
}

// stepOverCall runs the call instruction at the current PC until it
// returns to ret with the stack pointer restored to sp. Deeper frames of
// a recursive function returning to the same address are skipped.
func (d *Debugger) stepOverCall(ret, sp uint64) (proc.StopEvent, bool, error) {
	if _, err := d.breakpoints.SetInternal(ret, d.target); err != nil {
		return proc.StopEvent{}, false, err
	}
	defer func() {
		if d.target == nil || d.target.Exited() || !d.breakpoints.HasInternalBreakpoints() {
			return
		}
		if err := d.breakpoints.ClearInternal(d.target); err != nil {
			d.log.Warnf("could not clear internal breakpoints: %v", err)
		}
	}()

	for {
		ev, err := d.resume()
		if err != nil {
			return ev, false, err
		}
		if ev.Kind != proc.StopBreakpoint {
			return ev, true, nil
		}
		if ev.PC == ret {
			regs, err := d.target.Registers()
			if err != nil {
				return ev, false, err
			}
			if regs.SP() >= sp {
				return ev, d.breakpoints.UserBreakpointAt(ev.PC) != nil, nil
			}
		}
		if d.breakpoints.UserBreakpointAt(ev.PC) != nil {
			return ev, true, nil
		}
	}
}
