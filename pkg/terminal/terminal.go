package terminal

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"

	"github.com/derekparker/trie"
	"github.com/go-delve/liner"

	"github.com/kdbg/kdb/pkg/config"
	"github.com/kdbg/kdb/service/api"
	"github.com/kdbg/kdb/service/debugger"
)

const (
	historyFile                 string = ".kdb_history"
	terminalHighlightEscapeCode string = "\033[%2dm"
	terminalResetEscapeCode     string = "\033[0m"
)

const (
	ansiBlack   = 30
	ansiBlue    = 34
	ansiWhite   = 37
	ansiBrBlack = 90
	ansiBrWhite = 97
)

// Term represents the terminal running kdb.
type Term struct {
	debugger *debugger.Debugger
	conf     *config.Config
	prompt   string
	line     *liner.State
	cmds     *Commands
	dumb     bool
	stdout   io.Writer
	stderr   io.Writer
	sources  *sourceCache
	// functions holds the function names of the executable, used to
	// complete the arguments of break.
	functions *trie.Trie
	InitFile  string

	// cancel aborts the request of the nb command in progress, if any.
	cancelMutex sync.Mutex
	cancel      context.CancelFunc
}

// New returns a new Term.
func New(d *debugger.Debugger, conf *config.Config) *Term {
	cmds := DebugCommands()
	if conf != nil && conf.Aliases != nil {
		cmds.Merge(conf.Aliases)
	}

	if conf == nil {
		conf = &config.Config{}
	}

	var w io.Writer

	dumb := isDumbTerminal()
	if dumb {
		w = os.Stdout
	} else {
		w = getColorableWriter()
	}

	if (conf.SourceListLineColor > ansiWhite &&
		conf.SourceListLineColor < ansiBrBlack) ||
		conf.SourceListLineColor < ansiBlack ||
		conf.SourceListLineColor > ansiBrWhite {
		conf.SourceListLineColor = ansiBlue
	}

	functions := trie.New()
	if d != nil && d.BinaryInfo() != nil {
		for _, name := range d.BinaryInfo().FunctionNames() {
			functions.Add(name, nil)
		}
	}

	return &Term{
		debugger:  d,
		conf:      conf,
		prompt:    "(kdb) ",
		cmds:      cmds,
		dumb:      dumb,
		stdout:    w,
		stderr:    os.Stderr,
		sources:   newSourceCache(),
		functions: functions,
	}
}

// Close returns the terminal to its previous mode.
func (t *Term) Close() {
	if t.line != nil {
		t.line.Close()
	}
}

// sigintGuard forwards SIGINT to the running inferior. Without one the
// request of nb in progress is aborted.
func (t *Term) sigintGuard(ch <-chan os.Signal) {
	for range ch {
		if t.debugger.Interrupt() {
			continue
		}
		if t.cancelRequest() {
			continue
		}
		fmt.Fprintln(t.stdout, `Type "quit" to exit`)
	}
}

// withCancel returns a context that is cancelled by SIGINT until the
// returned function is called.
func (t *Term) withCancel() (context.Context, func()) {
	ctx, cancel := context.WithCancel(context.Background())
	t.cancelMutex.Lock()
	t.cancel = cancel
	t.cancelMutex.Unlock()
	return ctx, func() {
		t.cancelMutex.Lock()
		t.cancel = nil
		t.cancelMutex.Unlock()
		cancel()
	}
}

func (t *Term) cancelRequest() bool {
	t.cancelMutex.Lock()
	defer t.cancelMutex.Unlock()
	if t.cancel == nil {
		return false
	}
	t.cancel()
	t.cancel = nil
	return true
}

// Run begins running kdb in the terminal.
func (t *Term) Run() (int, error) {
	t.line = liner.NewLiner()
	defer t.Close()

	// Interrupt the inferior on SIGINT
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT)
	defer signal.Stop(ch)
	go t.sigintGuard(ch)

	t.line.SetCtrlCAborts(true)
	t.line.SetCompleter(t.complete)

	fullHistoryFile, err := config.GetConfigFilePath(historyFile)
	if err != nil {
		fmt.Fprintf(t.stderr, "Unable to load history file: %v.\n", err)
	}

	f, err := os.Open(fullHistoryFile)
	if err != nil {
		f, err = os.Create(fullHistoryFile)
		if err != nil {
			fmt.Fprintf(t.stderr, "Unable to open history file: %v. History will not be saved for this session.\n", err)
		}
	}
	if f != nil {
		t.line.ReadHistory(f)
		f.Close()
	}
	fmt.Fprintln(t.stdout, "Type 'help' for list of commands.")

	if t.InitFile != "" {
		err := t.cmds.executeFile(t, t.InitFile)
		if err != nil {
			if _, ok := err.(ExitRequestError); ok {
				return t.handleExit()
			}
			fmt.Fprintf(t.stderr, "Error executing init file: %s\n", err)
		}
	}

	for {
		cmdstr, err := t.promptForInput()
		if err != nil {
			if err == liner.ErrPromptAborted {
				fmt.Fprintln(t.stdout, `Type "quit" to exit`)
				continue
			}
			if err == io.EOF {
				fmt.Fprintln(t.stdout, "quit")
				return t.handleExit()
			}
			return 1, fmt.Errorf("prompt for input failed: %v", err)
		}

		if err := t.cmds.Call(cmdstr, t); err != nil {
			if _, ok := err.(ExitRequestError); ok {
				return t.handleExit()
			}
			fmt.Fprintf(t.stderr, "Command failed: %s\n", err)
		}
	}
}

// Println prints a line to the terminal.
func (t *Term) Println(prefix, str string) {
	if !t.dumb {
		terminalColorEscapeCode := fmt.Sprintf(terminalHighlightEscapeCode, t.conf.SourceListLineColor)
		prefix = fmt.Sprintf("%s%s%s", terminalColorEscapeCode, prefix, terminalResetEscapeCode)
	}
	fmt.Fprintf(t.stdout, "%s%s\n", prefix, str)
}

// printReport prints the lines of report followed by the source line the
// inferior is stopped at.
func (t *Term) printReport(report *api.Report) {
	if report == nil {
		return
	}
	for _, line := range report.Lines {
		fmt.Fprintln(t.stdout, line)
	}
	if s := report.State; s != nil && s.Stopped && s.Location != nil {
		t.printSourceLine(s.Location.File, s.Location.Line)
	}
}

// printSourceLine prints line of file with the line number highlighted.
// Nothing is printed if the source is not available.
func (t *Term) printSourceLine(file string, line int) {
	if file == "" || line <= 0 {
		return
	}
	text, err := t.sources.line(t.substitutePath(file), line)
	if err != nil {
		return
	}
	t.Println(fmt.Sprintf("%-4d", line), " "+text)
}

// Substitutes directory to source file.
//
// If more than one substitution rule is defined, the rules are applied
// in the order they are defined, first rule that matches is used for
// substitution.
func (t *Term) substitutePath(path string) string {
	if t.conf == nil {
		return path
	}
	return t.conf.SubstitutePath.Substitute(path)
}

// complete completes command names and the function names used as
// arguments of location taking commands.
func (t *Term) complete(line string) []string {
	idx := strings.IndexByte(line, ' ')
	if idx < 0 {
		r := t.cmds.completions.PrefixSearch(strings.ToLower(line))
		sort.Strings(r)
		return r
	}
	if !t.cmds.takesLocation(line[:idx]) {
		return nil
	}
	arg := strings.TrimLeft(line[idx:], " ")
	head := line[:len(line)-len(arg)]
	var r []string
	for _, name := range t.functions.PrefixSearch(arg) {
		r = append(r, head+name)
	}
	sort.Strings(r)
	return r
}

func (t *Term) promptForInput() (string, error) {
	l, err := t.line.Prompt(t.prompt)
	if err != nil {
		return "", err
	}

	l = strings.TrimSuffix(l, "\n")
	if l != "" {
		t.line.AppendHistory(l)
	}

	return l, nil
}

func (t *Term) handleExit() (int, error) {
	fullHistoryFile, err := config.GetConfigFilePath(historyFile)
	if err != nil {
		fmt.Fprintln(t.stderr, "Error saving history file:", err)
	} else if t.line != nil {
		if f, err := os.OpenFile(fullHistoryFile, os.O_RDWR|os.O_TRUNC, 0600); err == nil {
			_, err = t.line.WriteHistory(f)
			if err != nil {
				fmt.Fprintln(t.stderr, "readline history error:", err)
			}
			f.Close()
		}
	}

	t.printReport(t.debugger.Quit())
	return 0, nil
}
