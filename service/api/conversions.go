package api

import (
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/kdbg/kdb/pkg/proc"
)

// ConvertBreakpoint converts from a proc.Breakpoint to
// an api.Breakpoint.
func ConvertBreakpoint(bp *proc.Breakpoint) *Breakpoint {
	return &Breakpoint{
		ID:            bp.ID,
		Addr:          bp.Addr,
		File:          bp.File,
		Line:          bp.Line,
		FunctionName:  bp.FunctionName,
		Location:      bp.Location,
		Enabled:       bp.Enabled,
		Pending:       bp.Enabled && !bp.Patched,
		TotalHitCount: bp.TotalHitCount,
	}
}

// ConvertLocation converts from proc.Location to api.Location.
func ConvertLocation(loc proc.Location) Location {
	r := Location{PC: loc.PC, File: loc.File, Line: loc.Line}
	if loc.Fn != nil {
		r.Function = loc.Fn.Name
	}
	return r
}

// ConvertStackframe converts a frame of a stack trace, callers are
// reported at their call instruction.
func ConvertStackframe(frame proc.Stackframe, frameBase uint64) Stackframe {
	return Stackframe{Location: ConvertLocation(frame.Call), FrameBase: frameBase}
}

// SignalName returns the conventional name of sig, SIGSEGV for example.
func SignalName(sig syscall.Signal) string {
	if name := unix.SignalName(sig); name != "" {
		return name
	}
	return fmt.Sprintf("signal %d", int(sig))
}
