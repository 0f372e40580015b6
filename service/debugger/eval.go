package debugger

import (
	"errors"

	"github.com/kdbg/kdb/pkg/proc"
	"github.com/kdbg/kdb/service/api"
)

func (d *Debugger) stacktraceOptions() proc.StacktraceOptions {
	return proc.StacktraceOptions{
		Boundary: d.config.UnwindBoundary,
		MaxDepth: d.config.MaxStackDepth,
		Sites:    &d.breakpoints,
	}
}

// Stacktrace returns the call stack of the stopped inferior, innermost
// frame first. If the frame chain is corrupted the frames read so far are
// returned along with proc.ErrStackCorrupted.
func (d *Debugger) Stacktrace() ([]api.Stackframe, error) {
	if d.target == nil {
		return nil, proc.ErrNoActiveInferior
	}
	regs, err := d.target.Registers()
	if err != nil {
		return nil, err
	}
	frames, err := proc.Stacktrace(d.target, regs, d.bi, d.stacktraceOptions())
	r := make([]api.Stackframe, 0, len(frames))
	for i := range frames {
		fb, _ := frames[i].FrameBase(d.bi)
		r = append(r, api.ConvertStackframe(frames[i], fb))
	}
	if err != nil {
		d.log.WithError(err).Debugf("stack trace stopped after %d frames", len(frames))
	}
	return r, err
}

// Print reads the variable name in the scope of the current function.
// Local variables shadow globals.
func (d *Debugger) Print(name string) (*api.Variable, error) {
	if d.target == nil {
		return nil, proc.ErrNoActiveInferior
	}
	regs, err := d.target.Registers()
	if err != nil {
		return nil, err
	}
	fn, _ := d.bi.PCToFunc(regs.PC())

	v, err := d.bi.LookupVariable(fn, name)
	if err != nil {
		return nil, err
	}
	var frameBase uint64
	if !v.Global {
		frames, err := proc.Stacktrace(d.target, regs, d.bi, d.stacktraceOptions())
		if len(frames) == 0 {
			if err == nil {
				err = errors.New("no stack frame")
			}
			return nil, err
		}
		frameBase, err = frames[0].FrameBase(d.bi)
		if err != nil {
			return nil, err
		}
	}

	addr, v, err := d.bi.VariableLocation(fn, name, frameBase)
	if err != nil {
		return nil, err
	}
	value, err := proc.ReadValue(d.target, v.Type, addr)
	if err != nil {
		return nil, err
	}
	return &api.Variable{Name: name, Value: value, Type: proc.TypeName(v.Type)}, nil
}
