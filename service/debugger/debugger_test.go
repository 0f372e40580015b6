package debugger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/kdbg/kdb/pkg/proc"
	protest "github.com/kdbg/kdb/pkg/proc/test"
	"github.com/kdbg/kdb/service/api"
)

func TestMain(m *testing.M) {
	os.Exit(protest.RunTestsWithFixtures(m))
}

func assertNoError(err error, t testing.TB, s string) {
	t.Helper()
	if err != nil {
		t.Fatalf("failed assertion %s: %s\n", s, err)
	}
}

func withTestDebugger(t *testing.T, name string, cfg *Config) (*Debugger, protest.Fixture) {
	t.Helper()
	fixture := protest.BuildFixture(t, name)
	if cfg == nil {
		cfg = &Config{NextStepsOverCalls: true}
	}
	d, err := New(cfg, fixture.Path)
	assertNoError(err, t, "New")
	t.Cleanup(func() { d.Quit() })
	return d, fixture
}

func run(t *testing.T, d *Debugger) *api.Report {
	t.Helper()
	report, err := d.Run(nil)
	if errors.Is(err, syscall.EPERM) {
		t.Skipf("ptrace not permitted: %v", err)
	}
	assertNoError(err, t, "Run")
	return report
}

func assertStoppedAt(t *testing.T, state *api.DebuggerState, function string, line int) {
	t.Helper()
	if state == nil || !state.Stopped || state.Location == nil {
		t.Fatalf("inferior not stopped: %#v", state)
	}
	if state.Location.Function != function || state.Location.Line != line {
		t.Fatalf("stopped at %s:%d (%s), expected %s line %d", state.Location.File, state.Location.Line, state.Location.Function, function, line)
	}
}

func assertStoppedIn(t *testing.T, state *api.DebuggerState, function string) {
	t.Helper()
	if state == nil || !state.Stopped || state.Location == nil {
		t.Fatalf("inferior not stopped: %#v", state)
	}
	if state.Location.Function != function {
		t.Fatalf("stopped in %s, expected %s", state.Location.Function, function)
	}
}

func lastLine(report *api.Report) string {
	if len(report.Lines) == 0 {
		return ""
	}
	return report.Lines[len(report.Lines)-1]
}

func TestNoActiveInferior(t *testing.T) {
	d, _ := withTestDebugger(t, "callchain", nil)

	_, err := d.Continue()
	if !errors.Is(err, proc.ErrNoActiveInferior) {
		t.Errorf("Continue: %v", err)
	}
	_, err = d.Next()
	if !errors.Is(err, proc.ErrNoActiveInferior) {
		t.Errorf("Next: %v", err)
	}
	_, err = d.StepInstruction()
	if !errors.Is(err, proc.ErrNoActiveInferior) {
		t.Errorf("StepInstruction: %v", err)
	}
	_, err = d.Print("counter")
	if !errors.Is(err, proc.ErrNoActiveInferior) {
		t.Errorf("Print: %v", err)
	}
	_, err = d.Stacktrace()
	if !errors.Is(err, proc.ErrNoActiveInferior) {
		t.Errorf("Stacktrace: %v", err)
	}
	if report := d.Quit(); len(report.Lines) != 0 {
		t.Errorf("Quit without inferior: %q", report.Lines)
	}
	if d.Interrupt() {
		t.Error("Interrupt without inferior succeeded")
	}
}

func TestPendingBreakpoint(t *testing.T) {
	d, fixture := withTestDebugger(t, "callchain", nil)

	bp, err := d.CreateBreakpoint("func2")
	assertNoError(err, t, "CreateBreakpoint")
	if !bp.Pending || bp.ID != 1 || bp.FunctionName != "func2" {
		t.Fatalf("unexpected breakpoint %#v", bp)
	}
	if bp.SetString() != fmt.Sprintf("Set breakpoint 1 at %#x", bp.Addr) {
		t.Fatalf("unexpected message %q", bp.SetString())
	}

	line := protest.FindLine(t, fixture, "func2 body")
	report := run(t, d)
	assertStoppedAt(t, report.State, "func2", line)
	if report.State.Breakpoint == nil || report.State.Breakpoint.ID != 1 {
		t.Fatalf("stop not attributed to the breakpoint: %#v", report.State.Breakpoint)
	}
	want := fmt.Sprintf("Stopped at func2 %s:%d", report.State.Location.File, line)
	if lastLine(report) != want {
		t.Fatalf("got %q expected %q", report.Lines, want)
	}
	if filepath.Base(report.State.Location.File) != "callchain.c" {
		t.Errorf("file %s", report.State.Location.File)
	}
	if bps := d.Breakpoints(); len(bps) != 1 || bps[0].Pending || bps[0].TotalHitCount != 1 {
		t.Errorf("breakpoint after hit: %#v", bps)
	}
}

func TestBacktrace(t *testing.T) {
	d, fixture := withTestDebugger(t, "callchain", nil)
	_, err := d.CreateBreakpoint("func2")
	assertNoError(err, t, "CreateBreakpoint")
	run(t, d)

	frames, err := d.Stacktrace()
	assertNoError(err, t, "Stacktrace")
	expected := []struct {
		fn   string
		line int
	}{
		{"func2", protest.FindLine(t, fixture, "func2 body")},
		{"func1", protest.FindLine(t, fixture, "call func2")},
		{"main", protest.FindLine(t, fixture, "call func1")},
	}
	if len(frames) != len(expected) {
		t.Fatalf("expected %d frames, got %d: %v", len(expected), len(frames), frames)
	}
	for i, e := range expected {
		if frames[i].Function != e.fn || frames[i].Line != e.line {
			t.Errorf("frame %d: %s:%d (%s) expected %s line %d", i, frames[i].File, frames[i].Line, frames[i].Function, e.fn, e.line)
		}
	}

	report, err := d.Command(context.Background(), api.Backtrace{})
	assertNoError(err, t, "backtrace")
	if len(report.Lines) != 3 || report.Lines[1] != fmt.Sprintf("func1: %s:%d", frames[1].File, expected[1].line) {
		t.Errorf("backtrace report %q", report.Lines)
	}
}

func TestPrint(t *testing.T) {
	d, _ := withTestDebugger(t, "callchain", nil)
	_, err := d.CreateBreakpoint("func2")
	assertNoError(err, t, "CreateBreakpoint")
	run(t, d)

	v, err := d.Print("a")
	assertNoError(err, t, "Print(a)")
	if v.String() != "a = 2 (int)" {
		t.Errorf("got %q", v.String())
	}
	v, err = d.Print("counter")
	assertNoError(err, t, "Print(counter)")
	if v.String() != "counter = 7 (int)" {
		t.Errorf("got %q", v.String())
	}

	_, err = d.Next()
	assertNoError(err, t, "Next")
	v, err = d.Print("z")
	assertNoError(err, t, "Print(z)")
	if v.Value != "6" {
		t.Errorf("z = %s", v.Value)
	}

	_, err = d.Print("nosuchvar")
	var uve *proc.UnknownVariableError
	if !errors.As(err, &uve) {
		t.Errorf("expected UnknownVariableError, got %v", err)
	}
}

func TestNextStraightLine(t *testing.T) {
	d, _ := withTestDebugger(t, "straightline", nil)
	_, err := d.CreateBreakpoint("compute")
	assertNoError(err, t, "CreateBreakpoint")
	report := run(t, d)
	assertStoppedAt(t, report.State, "compute", 3)

	for line := 4; line <= 7; line++ {
		report, err = d.Next()
		assertNoError(err, t, "Next")
		assertStoppedAt(t, report.State, "compute", line)
	}
	v, err := d.Print("d")
	assertNoError(err, t, "Print(d)")
	if v.Value != "5" {
		t.Errorf("d = %s", v.Value)
	}

	// Next keeps terminating until the program exits.
	for i := 0; i < 20; i++ {
		report, err = d.Next()
		assertNoError(err, t, "Next")
		if report.State.Exited {
			if report.State.ExitStatus != 5 {
				t.Fatalf("exit status %d", report.State.ExitStatus)
			}
			return
		}
	}
	t.Fatal("program did not exit")
}

func TestNextStepsOverCalls(t *testing.T) {
	d, fixture := withTestDebugger(t, "callchain", nil)
	_, err := d.CreateBreakpoint("func1")
	assertNoError(err, t, "CreateBreakpoint")
	report := run(t, d)
	callLine := protest.FindLine(t, fixture, "call func2")
	assertStoppedAt(t, report.State, "func1", callLine-1)

	report, err = d.Next()
	assertNoError(err, t, "Next")
	assertStoppedAt(t, report.State, "func1", callLine)
	report, err = d.Next()
	assertNoError(err, t, "Next")
	assertStoppedAt(t, report.State, "func1", callLine+1)
	if d.breakpoints.HasInternalBreakpoints() {
		t.Fatal("internal breakpoints left after stepping over a call")
	}

	v, err := d.Print("r")
	assertNoError(err, t, "Print(r)")
	if v.Value != "6" {
		t.Errorf("r = %s", v.Value)
	}
}

func TestNextStopsAtBreakpointInCallee(t *testing.T) {
	d, fixture := withTestDebugger(t, "callchain", nil)
	_, err := d.CreateBreakpoint("callchain.c:" + fmt.Sprint(protest.FindLine(t, fixture, "call func2")))
	assertNoError(err, t, "CreateBreakpoint")
	_, err = d.CreateBreakpoint("func2")
	assertNoError(err, t, "CreateBreakpoint")
	report := run(t, d)
	assertStoppedAt(t, report.State, "func1", protest.FindLine(t, fixture, "call func2"))

	report, err = d.Next()
	assertNoError(err, t, "Next")
	assertStoppedAt(t, report.State, "func2", protest.FindLine(t, fixture, "func2 body"))
	if report.State.Breakpoint == nil || report.State.Breakpoint.ID != 2 {
		t.Errorf("stop not attributed to breakpoint 2: %#v", report.State.Breakpoint)
	}
}

func TestNextWithoutSteppingOverCalls(t *testing.T) {
	d, fixture := withTestDebugger(t, "callchain", &Config{NextStepsOverCalls: false})
	_, err := d.CreateBreakpoint("callchain.c:" + fmt.Sprint(protest.FindLine(t, fixture, "call func2")))
	assertNoError(err, t, "CreateBreakpoint")
	run(t, d)

	report, err := d.Next()
	assertNoError(err, t, "Next")
	if report.State.Location == nil || report.State.Location.Function != "func2" {
		t.Fatalf("expected to stop in func2, got %q", report.Lines)
	}
}

func TestNextLimit(t *testing.T) {
	d, _ := withTestDebugger(t, "loop", &Config{NextStepsOverCalls: true, MaxNextSteps: 50})
	_, err := d.CreateBreakpoint("main")
	assertNoError(err, t, "CreateBreakpoint")
	run(t, d)

	// The first next reaches the loop, the others never leave its line.
	for i := 0; i < 10; i++ {
		report, err := d.Next()
		assertNoError(err, t, "Next")
		if !report.State.Stopped {
			t.Fatalf("inferior not stopped: %q", report.Lines)
		}
	}
	if d.State().Exited {
		t.Fatal("loop exited")
	}
}

func TestContinueToExit(t *testing.T) {
	d, _ := withTestDebugger(t, "exitcode", nil)
	report := run(t, d)
	if !report.State.Exited || report.State.ExitStatus != 7 {
		t.Fatalf("unexpected state %#v", report.State)
	}
	if lastLine(report) != "Child exited (status 7)" {
		t.Fatalf("got %q", report.Lines)
	}
	if d.ProcessPid() != 0 {
		t.Fatalf("inferior still recorded after exit")
	}
	if _, err := d.Continue(); !errors.Is(err, proc.ErrNoActiveInferior) {
		t.Fatalf("Continue after exit: %v", err)
	}
}

func TestSignalStop(t *testing.T) {
	d, fixture := withTestDebugger(t, "segfault", nil)
	report := run(t, d)
	line := protest.FindLine(t, fixture, "null write")
	if len(report.Lines) != 2 || report.Lines[0] != "Child received signal SIGSEGV" {
		t.Fatalf("got %q", report.Lines)
	}
	assertStoppedAt(t, report.State, "crash", line)

	frames, err := d.Stacktrace()
	assertNoError(err, t, "Stacktrace")
	if len(frames) != 2 || frames[0].Function != "crash" || frames[1].Function != "main" {
		t.Fatalf("unexpected backtrace %v", frames)
	}

	report, err = d.Continue()
	assertNoError(err, t, "Continue")
	if lastLine(report) != "Child exited (signal SIGSEGV)" {
		t.Fatalf("got %q", report.Lines)
	}
}

func TestRestart(t *testing.T) {
	d, fixture := withTestDebugger(t, "callchain", nil)
	_, err := d.CreateBreakpoint("func2")
	assertNoError(err, t, "CreateBreakpoint")
	line := protest.FindLine(t, fixture, "func2 body")

	report := run(t, d)
	assertStoppedAt(t, report.State, "func2", line)
	pid := d.ProcessPid()

	report = run(t, d)
	if report.Lines[0] != fmt.Sprintf("Killing running inferior (pid %d)", pid) {
		t.Fatalf("got %q", report.Lines)
	}
	assertStoppedAt(t, report.State, "func2", line)
	if d.ProcessPid() == pid {
		t.Fatal("inferior not restarted")
	}
	if bps := d.Breakpoints(); len(bps) != 1 || bps[0].TotalHitCount != 2 {
		t.Fatalf("unexpected breakpoints %#v", bps)
	}

	report = d.Quit()
	if len(report.Lines) != 1 || !strings.HasPrefix(report.Lines[0], "Killing running inferior (pid ") {
		t.Fatalf("got %q", report.Lines)
	}
}

func TestClearAndToggleBreakpoints(t *testing.T) {
	d, _ := withTestDebugger(t, "callchain", nil)
	bp1, err := d.CreateBreakpoint("func1")
	assertNoError(err, t, "CreateBreakpoint")
	bp2, err := d.CreateBreakpoint("func2")
	assertNoError(err, t, "CreateBreakpoint")

	again, err := d.CreateBreakpoint("func2")
	assertNoError(err, t, "CreateBreakpoint")
	if again.ID != bp2.ID {
		t.Fatalf("same address got a new breakpoint %d", again.ID)
	}

	report := run(t, d)
	assertStoppedIn(t, report.State, "func1")

	_, err = d.ToggleBreakpoint(bp2.ID, false)
	assertNoError(err, t, "ToggleBreakpoint")
	report, err = d.Continue()
	assertNoError(err, t, "Continue")
	if !report.State.Exited || report.State.ExitStatus != 0 {
		t.Fatalf("expected exit, got %q", report.Lines)
	}

	report = run(t, d)
	assertStoppedIn(t, report.State, "func1")
	_, err = d.ClearBreakpoint(bp1.ID)
	assertNoError(err, t, "ClearBreakpoint")
	_, err = d.ToggleBreakpoint(bp2.ID, true)
	assertNoError(err, t, "ToggleBreakpoint")
	report, err = d.Continue()
	assertNoError(err, t, "Continue")
	assertStoppedIn(t, report.State, "func2")

	var ube *proc.UnknownBreakpointError
	if _, err := d.ClearBreakpoint(bp1.ID); !errors.As(err, &ube) {
		t.Fatalf("expected UnknownBreakpointError, got %v", err)
	}
	if _, err := d.ToggleBreakpoint(42, true); !errors.As(err, &ube) {
		t.Fatalf("expected UnknownBreakpointError, got %v", err)
	}
}

func TestBreakAgainEnablesDisabledBreakpoint(t *testing.T) {
	d, _ := withTestDebugger(t, "callchain", nil)
	bp, err := d.CreateBreakpoint("func2")
	assertNoError(err, t, "CreateBreakpoint")
	_, err = d.ToggleBreakpoint(bp.ID, false)
	assertNoError(err, t, "ToggleBreakpoint")

	again, err := d.CreateBreakpoint("func2")
	assertNoError(err, t, "CreateBreakpoint")
	if again.ID != bp.ID || !again.Enabled {
		t.Fatalf("unexpected breakpoint %#v", again)
	}
	report := run(t, d)
	assertStoppedIn(t, report.State, "func2")
}

func TestUnresolvableBreakpoint(t *testing.T) {
	d, _ := withTestDebugger(t, "callchain", nil)
	for _, loc := range []string{"nosuchfunction", "callchain.c:100000", "nosuchfile.c:3"} {
		_, err := d.CreateBreakpoint(loc)
		var ule *proc.UnresolvableLocationError
		if !errors.As(err, &ule) {
			t.Errorf("%s: expected UnresolvableLocationError, got %v", loc, err)
		}
	}
	if len(d.Breakpoints()) != 0 {
		t.Errorf("failed requests created breakpoints: %v", d.Breakpoints())
	}
}

func TestInterrupt(t *testing.T) {
	d, _ := withTestDebugger(t, "loop", nil)

	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case <-done:
				return
			case <-time.After(50 * time.Millisecond):
				if d.Interrupt() {
					return
				}
			}
		}
	}()

	report := run(t, d)
	if report.Lines[0] != "Child received signal SIGINT" {
		t.Fatalf("got %q", report.Lines)
	}
	assertStoppedIn(t, report.State, "main")
}

func TestInterruptNext(t *testing.T) {
	d, _ := withTestDebugger(t, "loop", &Config{MaxNextSteps: 1 << 30})
	_, err := d.CreateBreakpoint("main")
	assertNoError(err, t, "CreateBreakpoint")
	run(t, d)
	_, err = d.Next()
	assertNoError(err, t, "Next")

	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case <-done:
				return
			case <-time.After(50 * time.Millisecond):
				if d.Interrupt() {
					return
				}
			}
		}
	}()

	report, err := d.Next()
	assertNoError(err, t, "Next")
	if report.Lines[0] != "Child received signal SIGINT" || report.State.NextLimitReached {
		t.Fatalf("got %q", report.Lines)
	}
	assertStoppedIn(t, report.State, "main")
	if d.Interrupt() {
		t.Fatal("interrupt accepted after next returned")
	}
}

func TestNaturalLanguageBreak(t *testing.T) {
	d, fixture := withTestDebugger(t, "callchain", nil)
	line := protest.FindLine(t, fixture, "call func2")

	report, err := d.Command(context.Background(), api.NaturalLanguageBreak{Text: fmt.Sprintf("在第%d行停下来", line)})
	assertNoError(err, t, "NaturalLanguageBreak")
	if len(report.Lines) != 2 || !strings.HasPrefix(report.Lines[1], "Set breakpoint 1 at 0x") {
		t.Fatalf("got %q", report.Lines)
	}

	report, err = d.Command(context.Background(), api.NaturalLanguageBreak{Text: "stop when func2 is called"})
	assertNoError(err, t, "NaturalLanguageBreak")
	if report.Lines[0] != `Resolved "stop when func2 is called" to func2` {
		t.Fatalf("got %q", report.Lines)
	}

	report = run(t, d)
	assertStoppedAt(t, report.State, "func1", line)

	if _, err := d.Command(context.Background(), api.NaturalLanguageBreak{Text: "somewhere interesting"}); err == nil {
		t.Fatal("vague description resolved without a language model")
	}
}

func TestStepInstruction(t *testing.T) {
	d, _ := withTestDebugger(t, "straightline", nil)
	_, err := d.CreateBreakpoint("compute")
	assertNoError(err, t, "CreateBreakpoint")
	report := run(t, d)
	pc := report.State.Location.PC

	report, err = d.StepInstruction()
	assertNoError(err, t, "StepInstruction")
	if report.State.Location.PC == pc || report.State.Location.Function != "compute" {
		t.Fatalf("unexpected location %#v", report.State.Location)
	}
	if !strings.HasPrefix(lastLine(report), fmt.Sprintf("=> %#x:", report.State.Location.PC)) {
		t.Fatalf("no disassembly in %q", report.Lines)
	}
}

func TestCommandDispatch(t *testing.T) {
	d, _ := withTestDebugger(t, "callchain", nil)
	ctx := context.Background()

	report, err := d.Command(ctx, api.Break{Location: "func1"})
	assertNoError(err, t, "break")
	if !strings.HasPrefix(report.Lines[0], "Set breakpoint 1 at ") {
		t.Fatalf("got %q", report.Lines)
	}
	report, err = d.Command(ctx, api.ToggleBreakpoint{ID: 1, Enable: false})
	assertNoError(err, t, "toggle")
	if report.Lines[0] != "Breakpoint 1 disabled" {
		t.Fatalf("got %q", report.Lines)
	}
	report, err = d.Command(ctx, api.ListBreakpoints{})
	assertNoError(err, t, "breakpoints")
	if len(report.Lines) != 1 || !strings.Contains(report.Lines[0], "for func1()") || !strings.Contains(report.Lines[0], "(disabled)") {
		t.Fatalf("got %q", report.Lines)
	}
	report, err = d.Command(ctx, api.ClearBreakpoint{ID: 1})
	assertNoError(err, t, "clear")
	if !strings.HasPrefix(report.Lines[0], "Breakpoint 1 cleared at ") {
		t.Fatalf("got %q", report.Lines)
	}
	if _, err := d.Command(ctx, api.Print{Name: "counter"}); !errors.Is(err, proc.ErrNoActiveInferior) {
		t.Fatalf("print without inferior: %v", err)
	}
	report, err = d.Command(ctx, api.Quit{})
	assertNoError(err, t, "quit")
	if len(report.Lines) != 0 {
		t.Fatalf("got %q", report.Lines)
	}
}

func TestNewNotExecutable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.txt")
	assertNoError(os.WriteFile(path, []byte("not a program"), 0o644), t, "WriteFile")
	if _, err := New(nil, path); !errors.Is(err, ErrNotExecutable) {
		t.Fatalf("expected ErrNotExecutable, got %v", err)
	}
	assertNoError(os.Chmod(path, 0o755), t, "Chmod")
	if _, err := New(nil, path); !errors.Is(err, ErrNotExecutable) {
		t.Fatalf("expected ErrNotExecutable, got %v", err)
	}
	if _, err := New(nil, filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Fatal("missing executable accepted")
	}
}

func TestRunArguments(t *testing.T) {
	var launched [][]string
	cfg := &Config{
		Args: []string{"a"},
		Launcher: func(argv []string, sites proc.TrapSites) (proc.Inferior, error) {
			launched = append(launched, append([]string(nil), argv...))
			return nil, errors.New("not launched")
		},
	}
	d, fixture := withTestDebugger(t, "callchain", cfg)

	for _, args := range [][]string{nil, {"b", "c"}, nil, {}} {
		if _, err := d.Run(args); err == nil {
			t.Fatal("launcher error not returned")
		}
	}
	want := fmt.Sprint([][]string{{fixture.Path, "a"}, {fixture.Path, "b", "c"}, {fixture.Path, "b", "c"}, {fixture.Path}})
	if got := fmt.Sprint(launched); got != want {
		t.Fatalf("expected %s got %s", want, got)
	}
	if d.ProcessPid() != 0 {
		t.Fatal("failed launch left a process")
	}
}
