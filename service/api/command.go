package api

// Command is a request to the debugger, one of the types in this file.
type Command interface {
	command()
}

// Run starts the program, killing the current inferior if any.
type Run struct {
	Args []string
}

// Break sets a breakpoint at a location specifier.
type Break struct {
	Location string
}

// Continue resumes the inferior.
type Continue struct{}

// Next steps to the next source line.
type Next struct{}

// StepInstruction executes a single machine instruction.
type StepInstruction struct{}

// Print reads a variable.
type Print struct {
	Name string
}

// Backtrace prints the call stack.
type Backtrace struct{}

// Quit kills the inferior and ends the session.
type Quit struct{}

// NaturalLanguageBreak sets a breakpoint at a location described in free
// text.
type NaturalLanguageBreak struct {
	Text string
}

// ClearBreakpoint deletes a breakpoint.
type ClearBreakpoint struct {
	ID int
}

// ToggleBreakpoint enables or disables a breakpoint.
type ToggleBreakpoint struct {
	ID     int
	Enable bool
}

// ListBreakpoints lists the user breakpoints.
type ListBreakpoints struct{}

func (Run) command()                  {}
func (Break) command()                {}
func (Continue) command()             {}
func (Next) command()                 {}
func (StepInstruction) command()      {}
func (Print) command()                {}
func (Backtrace) command()            {}
func (Quit) command()                 {}
func (NaturalLanguageBreak) command() {}
func (ClearBreakpoint) command()      {}
func (ToggleBreakpoint) command()     {}
func (ListBreakpoints) command()      {}
