package debugger

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/kdbg/kdb/pkg/locspec"
	"github.com/kdbg/kdb/pkg/logflags"
	"github.com/kdbg/kdb/pkg/nlbreak"
	"github.com/kdbg/kdb/pkg/proc"
	"github.com/kdbg/kdb/pkg/proc/native"
	"github.com/kdbg/kdb/service/api"
)

// Debugger service.
//
// Debugger provides a higher level of
// abstraction over proc.Inferior.
// It handles converting from internal types to
// the types expected by clients. It also handles
// functionality needed by clients, but not needed in
// lower lever packages such as proc.
//
// Apart from Interrupt, methods of Debugger must be called from a single
// goroutine.
type Debugger struct {
	config *Config
	// arguments of the last launch, the executable first.
	processArgs []string
	path        string
	bi          *proc.BinaryInfo
	target      proc.Inferior
	breakpoints proc.BreakpointMap
	resolver    nlbreak.Resolver
	log         logflags.Logger

	// lastState is the state reported by the last execution command.
	lastState api.DebuggerState

	// runningMutex protects running, the inferior while it is resumed,
	// and the interrupt requested while next single steps.
	running      proc.Inferior
	stepping     bool
	interrupted  bool
	runningMutex sync.Mutex
}

// Launcher starts argv stopped at its first instruction.
type Launcher func(argv []string, sites proc.TrapSites) (proc.Inferior, error)

// Config provides the configuration to start a Debugger.
type Config struct {
	// WorkingDir is working directory of the new process.
	WorkingDir string
	// Args are the arguments of the program used until run is given new
	// ones.
	Args []string

	// Launcher starts new processes, native.Launch if nil.
	Launcher Launcher

	// UnwindBoundary is the outermost function shown by backtraces.
	UnwindBoundary string
	// MaxStackDepth bounds stack traces.
	MaxStackDepth int
	// MaxNextSteps bounds the number of instructions executed by Next.
	MaxNextSteps int
	// NextStepsOverCalls makes Next run called functions to completion.
	NextStepsOverCalls bool

	// Resolver translates natural language breakpoint requests. If nil
	// requests are translated offline, falling back to Provider.
	Resolver nlbreak.Resolver
	// Provider is the language model used by the default resolver.
	Provider nlbreak.Provider
}

// New creates a new Debugger for the executable at path. No process is
// started until Run is called. If the executable has no debug information
// the returned error wraps proc.ErrNoDebugInfo and the Debugger is still
// usable.
func New(config *Config, path string) (*Debugger, error) {
	if config == nil {
		config = &Config{NextStepsOverCalls: true}
	}
	if err := verifyBinaryFormat(path); err != nil {
		return nil, err
	}
	d := &Debugger{
		config:      config,
		processArgs: append([]string{path}, config.Args...),
		path:        path,
		breakpoints: proc.NewBreakpointMap(),
		log:         logflags.DebuggerLogger(),
	}
	if d.config.Launcher == nil {
		d.config.Launcher = d.nativeLaunch
	}

	bi, err := proc.LoadBinaryInfo(path)
	if bi == nil {
		return nil, err
	}
	d.bi = bi
	d.resolver = config.Resolver
	if d.resolver == nil {
		d.resolver = nlbreak.New(d.program(), config.Provider)
	}
	if err != nil {
		d.log.Warnf("%s: %v", path, err)
		return d, err
	}
	d.log.Debugf("loaded %s: %d functions, %d source files", path, len(bi.Functions), len(bi.Sources))
	return d, nil
}

func (d *Debugger) nativeLaunch(argv []string, sites proc.TrapSites) (proc.Inferior, error) {
	return native.Launch(argv, native.LaunchOptions{WorkingDir: d.config.WorkingDir}, sites)
}

// program describes the executable to the natural language resolver.
func (d *Debugger) program() nlbreak.Program {
	var p nlbreak.Program
	for i := range d.bi.Functions {
		fn := &d.bi.Functions[i]
		p.Functions = append(p.Functions, nlbreak.Symbol{Name: fn.Name, File: fn.DeclFile, Line: fn.DeclLine})
	}
	p.Sources = append(p.Sources, d.bi.Sources...)
	return p
}

// BinaryInfo returns the debug information of the executable.
func (d *Debugger) BinaryInfo() *proc.BinaryInfo {
	return d.bi
}

// ProcessPid returns the PID of the process
// the debugger is debugging, zero if there is none.
func (d *Debugger) ProcessPid() int {
	if d.target == nil {
		return 0
	}
	return d.target.Pid()
}

// State returns the state reported by the last command.
func (d *Debugger) State() api.DebuggerState {
	return d.lastState
}

// Run starts the executable with args, killing the current inferior
// first. A nil args reuses the arguments of the previous launch.
// Breakpoints are written to the new process image and the process is
// resumed until it stops.
func (d *Debugger) Run(args []string) (*api.Report, error) {
	report := &api.Report{}
	if d.target != nil {
		report.Lines = append(report.Lines, api.KillingString(d.target.Pid()))
		d.killTarget()
	}

	if args != nil {
		d.processArgs = append([]string{d.path}, args...)
	}
	d.log.Infof("launching process with args: %v", d.processArgs)
	target, err := d.config.Launcher(d.processArgs, &d.breakpoints)
	if err != nil {
		return report, launchErrorMessage(d.path, err)
	}
	d.target = target
	d.lastState = api.DebuggerState{Pid: target.Pid(), Stopped: true}

	if err := d.breakpoints.MaterializeAll(target); err != nil {
		d.log.Warnf("could not write breakpoints: %v", err)
		report.Lines = append(report.Lines, fmt.Sprintf("Warning: %v", err))
	}

	state, err := d.continueTarget()
	if err != nil {
		return report, err
	}
	report.Lines = append(report.Lines, state.StopLines()...)
	report.State = state
	return report, nil
}

// Continue resumes the stopped inferior until it stops again.
func (d *Debugger) Continue() (*api.Report, error) {
	if d.target == nil {
		return nil, proc.ErrNoActiveInferior
	}
	state, err := d.continueTarget()
	if err != nil {
		return nil, err
	}
	return &api.Report{Lines: state.StopLines(), State: state}, nil
}

func (d *Debugger) continueTarget() (*api.DebuggerState, error) {
	ev, err := d.resume()
	if err != nil {
		return nil, err
	}
	return d.stopped(ev)
}

// resume resumes the inferior and waits for it to stop, the inferior can
// be interrupted meanwhile.
func (d *Debugger) resume() (proc.StopEvent, error) {
	d.setRunning(d.target)
	defer d.setRunning(nil)
	if err := d.target.Resume(); err != nil {
		return proc.StopEvent{}, err
	}
	return d.target.WaitForStop()
}

func (d *Debugger) setRunning(target proc.Inferior) {
	d.runningMutex.Lock()
	defer d.runningMutex.Unlock()
	d.running = target
}

// setStepping marks the start and the end of a next command, a pending
// interrupt is discarded.
func (d *Debugger) setStepping(stepping bool) {
	d.runningMutex.Lock()
	defer d.runningMutex.Unlock()
	d.stepping = stepping
	d.interrupted = false
}

// takeInterrupt reports whether Interrupt was called since the last call.
func (d *Debugger) takeInterrupt() bool {
	d.runningMutex.Lock()
	defer d.runningMutex.Unlock()
	interrupted := d.interrupted
	d.interrupted = false
	return interrupted
}

// Interrupt stops the running inferior, it returns false if there is
// none. It can be called concurrently with the other methods.
func (d *Debugger) Interrupt() bool {
	d.runningMutex.Lock()
	defer d.runningMutex.Unlock()
	if d.running == nil {
		if d.stepping {
			// Checked by next between two instructions.
			d.interrupted = true
			return true
		}
		return false
	}
	if err := d.running.RequestManualStop(); err != nil {
		d.log.Warnf("could not interrupt process %d: %v", d.running.Pid(), err)
		return false
	}
	return true
}

// stopped converts a stop event into the state of the debugger, counting
// breakpoint hits and forgetting the inferior when it is gone.
func (d *Debugger) stopped(ev proc.StopEvent) (*api.DebuggerState, error) {
	state := &api.DebuggerState{Pid: d.target.Pid()}
	switch ev.Kind {
	case proc.StopExited:
		state.Exited = true
		state.ExitStatus = ev.ExitCode
	case proc.StopTerminated:
		state.Exited = true
		state.Signal = api.SignalName(ev.Signal)
	}
	if ev.Dead() {
		d.log.Debugf("process %d is gone: %s", state.Pid, ev.Kind)
		d.forgetTarget()
		d.lastState = *state
		return state, nil
	}

	state.Stopped = true
	loc := d.location(ev.PC)
	state.Location = &loc
	switch ev.Kind {
	case proc.StopSignaled:
		state.Signal = api.SignalName(ev.Signal)
	case proc.StopBreakpoint:
		if bp := d.breakpoints.UserBreakpointAt(ev.PC); bp != nil {
			bp.TotalHitCount++
			state.Breakpoint = api.ConvertBreakpoint(bp)
		}
	}
	d.lastState = *state
	return state, nil
}

func (d *Debugger) location(pc uint64) api.Location {
	loc := proc.Location{PC: pc}
	loc.Fn, _ = d.bi.PCToFunc(pc)
	loc.File, loc.Line, _ = d.bi.PCToLine(pc)
	return api.ConvertLocation(loc)
}

// killTarget kills and reaps the inferior. Failures are logged, the
// debugger forgets the process anyway.
func (d *Debugger) killTarget() {
	if err := d.target.Kill(); err != nil {
		d.log.Warnf("could not kill process %d: %v", d.target.Pid(), err)
	}
	d.forgetTarget()
	d.lastState = api.DebuggerState{}
}

func (d *Debugger) forgetTarget() {
	d.target = nil
	d.breakpoints.ResetPatches()
}

// Quit kills the inferior, if there is one.
func (d *Debugger) Quit() *api.Report {
	report := &api.Report{}
	if d.target != nil {
		report.Lines = append(report.Lines, api.KillingString(d.target.Pid()))
		d.killTarget()
	}
	return report
}

// CreateBreakpoint creates a user breakpoint at the location specifier
// locStr. Without a live inferior the breakpoint stays pending until the
// next Run.
func (d *Debugger) CreateBreakpoint(locStr string) (*api.Breakpoint, error) {
	addr, err := locspec.Find(d.bi, locStr)
	if err != nil {
		return nil, err
	}
	var mem proc.MemoryReadWriter
	if d.target != nil {
		mem = d.target
	}
	bp, err := d.breakpoints.Set(locStr, addr, mem)
	if err != nil {
		return nil, fmt.Errorf("could not set breakpoint at %#x: %w", addr, err)
	}
	if fn, err := d.bi.PCToFunc(addr); err == nil {
		bp.FunctionName = fn.Name
	}
	bp.File, bp.Line, _ = d.bi.PCToLine(addr)
	d.log.Debugf("created breakpoint %d at %#x for %q", bp.ID, addr, locStr)
	return api.ConvertBreakpoint(bp), nil
}

// NaturalLanguageBreak asks the resolver for the location described by
// text and creates a breakpoint there.
func (d *Debugger) NaturalLanguageBreak(ctx context.Context, text string) (string, *api.Breakpoint, error) {
	locStr, err := d.resolver.Resolve(ctx, text)
	if err != nil {
		return "", nil, err
	}
	bp, err := d.CreateBreakpoint(locStr)
	return locStr, bp, err
}

// ClearBreakpoint deletes the breakpoint with the given id.
func (d *Debugger) ClearBreakpoint(id int) (*api.Breakpoint, error) {
	var mem proc.MemoryReadWriter
	if d.target != nil {
		mem = d.target
	}
	bp, err := d.breakpoints.Remove(id, mem)
	if err != nil {
		return nil, err
	}
	return api.ConvertBreakpoint(bp), nil
}

// ToggleBreakpoint enables or disables the breakpoint with the given id.
func (d *Debugger) ToggleBreakpoint(id int, enable bool) (*api.Breakpoint, error) {
	var mem proc.MemoryReadWriter
	if d.target != nil {
		mem = d.target
	}
	var (
		bp  *proc.Breakpoint
		err error
	)
	if enable {
		bp, err = d.breakpoints.Enable(id, mem)
	} else {
		bp, err = d.breakpoints.Disable(id, mem)
	}
	if err != nil {
		return nil, err
	}
	return api.ConvertBreakpoint(bp), nil
}

// Breakpoints returns the user breakpoints ordered by id.
func (d *Debugger) Breakpoints() []*api.Breakpoint {
	bps := d.breakpoints.Breakpoints()
	r := make([]*api.Breakpoint, 0, len(bps))
	for _, bp := range bps {
		r = append(r, api.ConvertBreakpoint(bp))
	}
	return r
}

// Command executes cmd and returns the lines to show to the user.
func (d *Debugger) Command(ctx context.Context, cmd api.Command) (*api.Report, error) {
	switch cmd := cmd.(type) {
	case api.Run:
		return d.Run(cmd.Args)
	case api.Continue:
		return d.Continue()
	case api.Next:
		return d.Next()
	case api.StepInstruction:
		return d.StepInstruction()
	case api.Break:
		bp, err := d.CreateBreakpoint(cmd.Location)
		if err != nil {
			return nil, err
		}
		return &api.Report{Lines: []string{bp.SetString()}}, nil
	case api.NaturalLanguageBreak:
		locStr, bp, err := d.NaturalLanguageBreak(ctx, cmd.Text)
		if err != nil {
			if errors.Is(err, nlbreak.ErrNoConfidentMatch) {
				return nil, fmt.Errorf("could not understand %q: %w", cmd.Text, err)
			}
			return nil, err
		}
		return &api.Report{Lines: []string{fmt.Sprintf("Resolved %q to %s", cmd.Text, locStr), bp.SetString()}}, nil
	case api.Print:
		v, err := d.Print(cmd.Name)
		if err != nil {
			return nil, err
		}
		return &api.Report{Lines: []string{v.String()}}, nil
	case api.Backtrace:
		frames, err := d.Stacktrace()
		report := &api.Report{}
		for i := range frames {
			report.Lines = append(report.Lines, frames[i].String())
		}
		return report, err
	case api.ClearBreakpoint:
		bp, err := d.ClearBreakpoint(cmd.ID)
		if err != nil {
			return nil, err
		}
		return &api.Report{Lines: []string{fmt.Sprintf("Breakpoint %d cleared at %#x", bp.ID, bp.Addr)}}, nil
	case api.ToggleBreakpoint:
		bp, err := d.ToggleBreakpoint(cmd.ID, cmd.Enable)
		if err != nil {
			return nil, err
		}
		what := "disabled"
		if bp.Enabled {
			what = "enabled"
		}
		return &api.Report{Lines: []string{fmt.Sprintf("Breakpoint %d %s", bp.ID, what)}}, nil
	case api.ListBreakpoints:
		report := &api.Report{}
		for _, bp := range d.Breakpoints() {
			report.Lines = append(report.Lines, bp.String())
		}
		return report, nil
	case api.Quit:
		return d.Quit(), nil
	}
	return nil, fmt.Errorf("unknown command %T", cmd)
}
