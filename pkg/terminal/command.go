// Package terminal implements functions for responding to user
// input and dispatching to appropriate backend commands.
package terminal

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/cosiner/argv"
	"github.com/derekparker/trie"

	"github.com/kdbg/kdb/service/api"
)

type cmdfunc func(t *Term, args string) error

type command struct {
	aliases        []string
	builtinAliases []string
	group          commandGroup
	// location is true for commands taking a location specifier.
	location bool
	helpMsg  string
	cmdFn    cmdfunc
}

// Returns true if the command string matches one of the aliases for this command
func (c command) match(cmdstr string) bool {
	for _, v := range c.aliases {
		if v == cmdstr {
			return true
		}
	}
	return false
}

// Commands represents the commands for the kdb terminal.
type Commands struct {
	cmds []command
	// completions indexes every alias of cmds.
	completions *trie.Trie
}

// DebugCommands returns a Commands struct with default commands defined.
func DebugCommands() *Commands {
	c := &Commands{}

	c.cmds = []command{
		{aliases: []string{"help", "h"}, cmdFn: c.help, helpMsg: `Prints the help message.

	help [command]

Type "help" followed by the name of a command for more information about it.`},
		{aliases: []string{"break", "b"}, group: breakCmds, location: true, cmdFn: breakpoint, helpMsg: `Sets a breakpoint.

	break <location>

Locations have one of the forms:

	<function>		entry of the function, after its prologue
	<line>			line in the file declaring main
	<file>:<line>		line in the given source file
	*<address>		hexadecimal instruction address

Breakpoints set before the program is started are written to memory by run.`},
		{aliases: []string{"nb"}, group: breakCmds, cmdFn: naturalLanguageBreak, helpMsg: `Sets a breakpoint described in natural language.

	nb <description>

Examples:

	nb stop at line 14
	nb 在第14行停下来
	nb break when func2 is called

Simple descriptions are understood offline, the others are sent to the
language model configured in the llm section of the configuration file.`},
		{aliases: []string{"breakpoints", "bp"}, group: breakCmds, cmdFn: breakpoints, helpMsg: "Print out info for active breakpoints."},
		{aliases: []string{"clear"}, group: breakCmds, cmdFn: clear, helpMsg: `Deletes breakpoint.

	clear <breakpoint id>`},
		{aliases: []string{"enable"}, group: breakCmds, cmdFn: toggle(true), helpMsg: `Enable a breakpoint.

	enable <breakpoint id>`},
		{aliases: []string{"disable"}, group: breakCmds, cmdFn: toggle(false), helpMsg: `Disable a breakpoint.

A disabled breakpoint is kept but never stops the program.

	disable <breakpoint id>`},
		{aliases: []string{"run", "r"}, group: runCmds, cmdFn: run, helpMsg: `Start the program.

	run [args...]

Arguments are split like a shell would. If the program is already running
it is killed and started again, breakpoints are kept.`},
		{aliases: []string{"continue", "c", "cont"}, group: runCmds, cmdFn: cont, helpMsg: "Run until breakpoint or program termination."},
		{aliases: []string{"next", "n"}, group: runCmds, cmdFn: next, helpMsg: `Step over to next source line.

Called functions run to completion unless a breakpoint inside them is hit.`},
		{aliases: []string{"stepi", "si"}, group: runCmds, cmdFn: stepInstruction, helpMsg: "Single step a single cpu instruction."},
		{aliases: []string{"print", "p"}, group: dataCmds, cmdFn: printVar, helpMsg: `Evaluate a variable.

	print <name>

Local variables of the current function are searched first, then globals.`},
		{aliases: []string{"backtrace", "bt", "back"}, group: stackCmds, cmdFn: stacktrace, helpMsg: `Print stack trace.

Frames are listed from the current function up to main.`},
		{aliases: []string{"config"}, cmdFn: configureCmd, helpMsg: `Changes configuration parameters.

	config -list

Show all configuration parameters.

	config -save

Saves the configuration file to disk, overwriting the current configuration file.

	config <parameter> <value>

Changes the value of a configuration parameter.

	config substitute-path <from> <to>
	config substitute-path <from>

Adds or removes a path substitution rule.

	config alias <command> <alias>
	config alias <alias>

Defines <alias> as an alias to <command> or removes an alias.

Changes to unwind-boundary, max-stack-depth, max-next-steps and
next-steps-over-calls apply the next time kdb is started.`},
		{aliases: []string{"source"}, cmdFn: c.sourceCommand, helpMsg: `Executes a file containing a list of kdb commands

	source <path>

Lines starting with # are ignored.`},
		{aliases: []string{"quit", "q", "exit"}, cmdFn: exitCommand, helpMsg: "Exit the debugger, killing the program."},
	}

	c.buildCompletions()
	return c
}

func (c *Commands) buildCompletions() {
	c.completions = trie.New()
	for _, cmd := range c.cmds {
		for _, alias := range cmd.aliases {
			c.completions.Add(alias, nil)
		}
	}
}

// Find will look up the command function for the given command input.
// If it cannot find the command it will default to noCmdAvailable().
// If the command is an empty string it will do nothing.
func (c *Commands) Find(cmdstr string) cmdfunc {
	if cmdstr == "" {
		return nullCommand
	}

	for _, v := range c.cmds {
		if v.match(cmdstr) {
			return v.cmdFn
		}
	}

	return noCmdAvailable
}

func (c *Commands) takesLocation(cmdstr string) bool {
	for _, v := range c.cmds {
		if v.match(cmdstr) {
			return v.location
		}
	}
	return false
}

// Call takes a command to execute.
func (c *Commands) Call(cmdstr string, t *Term) error {
	vals := strings.SplitN(strings.TrimSpace(cmdstr), " ", 2)
	cmdname := vals[0]
	var args string
	if len(vals) > 1 {
		args = strings.TrimSpace(vals[1])
	}
	return c.Find(cmdname)(t, args)
}

// Merge takes aliases defined in the config struct and merges them with the default aliases.
func (c *Commands) Merge(allAliases map[string][]string) {
	for i := range c.cmds {
		if c.cmds[i].builtinAliases != nil {
			c.cmds[i].aliases = append(c.cmds[i].aliases[:0], c.cmds[i].builtinAliases...)
		}
	}
	for i := range c.cmds {
		if aliases, ok := allAliases[c.cmds[i].aliases[0]]; ok {
			if c.cmds[i].builtinAliases == nil {
				c.cmds[i].builtinAliases = make([]string, len(c.cmds[i].aliases))
				copy(c.cmds[i].builtinAliases, c.cmds[i].aliases)
			}
			c.cmds[i].aliases = append(c.cmds[i].aliases, aliases...)
		}
	}
	c.buildCompletions()
}

var noCmdError = errors.New("command not available")

func noCmdAvailable(t *Term, args string) error {
	fmt.Fprintln(t.stdout, "Unrecognized command.")
	return nil
}

func nullCommand(t *Term, args string) error {
	return nil
}

func (c *Commands) help(t *Term, args string) error {
	if args != "" {
		for _, cmd := range c.cmds {
			for _, alias := range cmd.aliases {
				if alias == args {
					fmt.Fprintln(t.stdout, cmd.helpMsg)
					return nil
				}
			}
		}
		return noCmdError
	}

	fmt.Fprintln(t.stdout, "The following commands are available:")

	for _, cgd := range commandGroupDescriptions {
		fmt.Fprintf(t.stdout, "\n%s:\n", cgd.description)
		w := new(tabwriter.Writer)
		w.Init(t.stdout, 0, 8, 0, '-', 0)
		for _, cmd := range c.cmds {
			if cmd.group != cgd.group {
				continue
			}
			h := cmd.helpMsg
			if idx := strings.Index(h, "\n"); idx >= 0 {
				h = h[:idx]
			}
			if len(cmd.aliases) > 1 {
				fmt.Fprintf(w, "    %s (alias: %s) \t %s\n", cmd.aliases[0], strings.Join(cmd.aliases[1:], " | "), h)
			} else {
				fmt.Fprintf(w, "    %s \t %s\n", cmd.aliases[0], h)
			}
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}

	fmt.Fprintln(t.stdout)
	fmt.Fprintln(t.stdout, "Type help followed by a command for full documentation.")
	return nil
}

// execute sends cmd to the debugger and prints its report. The lines
// produced before a failure are printed too.
func (t *Term) execute(cmd api.Command) error {
	ctx, done := t.withCancel()
	defer done()
	report, err := t.debugger.Command(ctx, cmd)
	t.printReport(report)
	return err
}

// parseArgs splits the arguments of run the way a shell would.
func parseArgs(args string) ([]string, error) {
	if args == "" {
		return nil, nil
	}
	v, err := argv.Argv(args,
		func(s string) (string, error) {
			return "", fmt.Errorf("Backtick not supported in '%s'", s)
		},
		nil)
	if err != nil {
		return nil, err
	}
	if len(v) != 1 {
		return nil, fmt.Errorf("illegal commandline '%s'", args)
	}
	return v[0], nil
}

func run(t *Term, args string) error {
	newArgv, err := parseArgs(args)
	if err != nil {
		return err
	}
	return t.execute(api.Run{Args: newArgv})
}

func cont(t *Term, args string) error {
	return t.execute(api.Continue{})
}

func next(t *Term, args string) error {
	return t.execute(api.Next{})
}

func stepInstruction(t *Term, args string) error {
	return t.execute(api.StepInstruction{})
}

func breakpoint(t *Term, args string) error {
	if args == "" {
		return errors.New("not enough arguments: break <location>")
	}
	return t.execute(api.Break{Location: args})
}

func naturalLanguageBreak(t *Term, args string) error {
	if args == "" {
		return errors.New("not enough arguments: nb <description>")
	}
	return t.execute(api.NaturalLanguageBreak{Text: args})
}

func breakpoints(t *Term, args string) error {
	return t.execute(api.ListBreakpoints{})
}

func parseBreakpointID(args string) (int, error) {
	if args == "" {
		return 0, errors.New("not enough arguments: breakpoint id required")
	}
	id, err := strconv.Atoi(args)
	if err != nil {
		return 0, fmt.Errorf("invalid breakpoint id %q", args)
	}
	return id, nil
}

func clear(t *Term, args string) error {
	id, err := parseBreakpointID(args)
	if err != nil {
		return err
	}
	return t.execute(api.ClearBreakpoint{ID: id})
}

func toggle(enable bool) cmdfunc {
	return func(t *Term, args string) error {
		id, err := parseBreakpointID(args)
		if err != nil {
			return err
		}
		return t.execute(api.ToggleBreakpoint{ID: id, Enable: enable})
	}
}

func printVar(t *Term, args string) error {
	if args == "" {
		return errors.New("not enough arguments: print <name>")
	}
	return t.execute(api.Print{Name: args})
}

func stacktrace(t *Term, args string) error {
	return t.execute(api.Backtrace{})
}

// ExitRequestError is returned when the user
// exits kdb.
type ExitRequestError struct{}

func (ere ExitRequestError) Error() string {
	return ""
}

func exitCommand(t *Term, args string) error {
	return ExitRequestError{}
}

func (c *Commands) sourceCommand(t *Term, args string) error {
	if len(args) == 0 {
		return errors.New("wrong number of arguments: source <filename>")
	}
	return c.executeFile(t, args)
}

func (c *Commands) executeFile(t *Term, name string) error {
	fh, err := os.Open(name)
	if err != nil {
		return err
	}
	defer fh.Close()

	scanner := bufio.NewScanner(fh)
	lineno := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		lineno++

		if line == "" || line[0] == '#' {
			continue
		}

		if err := c.Call(line, t); err != nil {
			if _, isExitRequest := err.(ExitRequestError); isExitRequest {
				return err
			}
			fmt.Fprintf(t.stdout, "%s:%d: %v\n", name, lineno, err)
		}
	}

	return scanner.Err()
}
