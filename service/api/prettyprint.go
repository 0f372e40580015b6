package api

import (
	"fmt"
	"strings"
)

// SetString is the message printed when bp is created.
func (bp *Breakpoint) SetString() string {
	return fmt.Sprintf("Set breakpoint %d at %#x", bp.ID, bp.Addr)
}

// String is the line describing bp in breakpoint lists.
func (bp *Breakpoint) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Breakpoint %d at %#x", bp.ID, bp.Addr)
	if bp.FunctionName != "" {
		fmt.Fprintf(&b, " for %s()", bp.FunctionName)
	}
	if bp.File != "" {
		fmt.Fprintf(&b, " %s:%d", bp.File, bp.Line)
	}
	switch {
	case !bp.Enabled:
		b.WriteString(" (disabled)")
	case bp.Pending:
		b.WriteString(" (pending)")
	}
	fmt.Fprintf(&b, " (%d)", bp.TotalHitCount)
	return b.String()
}

// StoppedString describes a stop at loc.
func (loc *Location) StoppedString() string {
	if loc.Function == "" || loc.File == "" {
		return fmt.Sprintf("Stopped at %#x", loc.PC)
	}
	return fmt.Sprintf("Stopped at %s %s:%d", loc.Function, loc.File, loc.Line)
}

// String formats a frame as a backtrace line.
func (frame *Stackframe) String() string {
	fn := frame.Function
	if fn == "" {
		fn = fmt.Sprintf("%#x", frame.PC)
	}
	if frame.File == "" {
		return fmt.Sprintf("%s: ??", fn)
	}
	return fmt.Sprintf("%s: %s:%d", fn, frame.File, frame.Line)
}

// String formats v the way print shows it.
func (v *Variable) String() string {
	return fmt.Sprintf("%s = %s (%s)", v.Name, v.Value, v.Type)
}

// StopLines returns the lines reporting the state reached by an execution
// command.
func (s *DebuggerState) StopLines() []string {
	switch {
	case s.Exited && s.Signal != "":
		return []string{fmt.Sprintf("Child exited (signal %s)", s.Signal)}
	case s.Exited:
		return []string{fmt.Sprintf("Child exited (status %d)", s.ExitStatus)}
	case !s.Stopped || s.Location == nil:
		return nil
	}
	var lines []string
	if s.Signal != "" {
		lines = append(lines, fmt.Sprintf("Child received signal %s", s.Signal))
	}
	return append(lines, s.Location.StoppedString())
}

// KillingString is printed when a live inferior is killed.
func KillingString(pid int) string {
	return fmt.Sprintf("Killing running inferior (pid %d)", pid)
}
