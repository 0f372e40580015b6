package proc

import (
	"errors"
	"fmt"
)

var (
	// ErrNotStopped is returned when an operation that requires a stopped
	// inferior is issued while it is running.
	ErrNotStopped = errors.New("inferior is not stopped")
	// ErrNoActiveInferior is returned by commands that need a stopped
	// inferior when none exists.
	ErrNoActiveInferior = errors.New("the program is not being run")
	// ErrNoDebugInfo is returned by LoadBinaryInfo when the executable does
	// not carry DWARF line and function tables.
	ErrNoDebugInfo = errors.New("could not find debug info")
	// ErrStackCorrupted is returned by Stacktrace when the frame chain is
	// cyclic or deeper than the configured bound.
	ErrStackCorrupted = errors.New("stack corrupted")
	// ErrUnsupportedLocationExpr is returned for variables whose location
	// is described by a DWARF expression kdb does not evaluate.
	ErrUnsupportedLocationExpr = errors.New("unsupported location expression")
	// ErrPositionIndependent is returned when loading a position independent
	// executable.
	ErrPositionIndependent = errors.New("position independent executables are not supported")
)

// ErrProcessExited indicates that the process has exited and contains both
// process id and exit status.
type ErrProcessExited struct {
	Pid    int
	Status int
}

func (pe ErrProcessExited) Error() string {
	return fmt.Sprintf("Process %d has exited with status %d", pe.Pid, pe.Status)
}

// SpawnError is returned when the target executable can not be started.
type SpawnError struct {
	Path string
	Err  error
}

func (se *SpawnError) Error() string {
	return fmt.Sprintf("could not launch process %s: %v", se.Path, se.Err)
}

func (se *SpawnError) Unwrap() error { return se.Err }

// UnresolvableLocationError is returned when a location specifier does not
// match any address.
type UnresolvableLocationError struct {
	Location string
	Err      error
}

func (ule *UnresolvableLocationError) Error() string {
	if ule.Err != nil {
		return fmt.Sprintf("could not find location %q: %v", ule.Location, ule.Err)
	}
	return fmt.Sprintf("could not find location %q", ule.Location)
}

func (ule *UnresolvableLocationError) Unwrap() error { return ule.Err }

// UnknownFunctionError is returned when a function name can not be found.
type UnknownFunctionError struct {
	Name string
}

func (ufe *UnknownFunctionError) Error() string {
	return fmt.Sprintf("unknown function %s", ufe.Name)
}

// UnknownVariableError is returned when a variable is not visible in the
// current function.
type UnknownVariableError struct {
	Function string
	Name     string
}

func (uve *UnknownVariableError) Error() string {
	if uve.Function == "" {
		return fmt.Sprintf("could not find symbol value for %s", uve.Name)
	}
	return fmt.Sprintf("could not find symbol value for %s in %s", uve.Name, uve.Function)
}

// OutOfRangeError is returned when an address is not covered by the debug
// information.
type OutOfRangeError struct {
	Addr uint64
}

func (oe *OutOfRangeError) Error() string {
	return fmt.Sprintf("address %#x is out of range", oe.Addr)
}

// UnknownBreakpointError is returned when a breakpoint id does not exist.
type UnknownBreakpointError struct {
	ID int
}

func (ube *UnknownBreakpointError) Error() string {
	return fmt.Sprintf("no breakpoint with id %d", ube.ID)
}
