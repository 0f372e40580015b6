package api

// DebuggerState represents the current context of the debugger.
type DebuggerState struct {
	// Pid of the inferior, zero if there is none.
	Pid int `json:"pid"`
	// Stopped is true while a live inferior is stopped.
	Stopped bool `json:"stopped"`
	// Location is where the inferior is stopped.
	Location *Location `json:"location,omitempty"`
	// Breakpoint is the user breakpoint the inferior stopped at, if any.
	Breakpoint *Breakpoint `json:"breakPoint,omitempty"`
	// Signal is the name of the signal that stopped or killed the inferior.
	Signal string `json:"signal,omitempty"`
	// Exited is true when the inferior exited or was killed by a signal.
	Exited     bool `json:"exited"`
	ExitStatus int  `json:"exitStatus"`
	// NextLimitReached is true when next gave up before the line changed.
	NextLimitReached bool `json:"nextLimitReached,omitempty"`
}

// Breakpoint addresses a location at which process execution may be
// suspended.
type Breakpoint struct {
	// ID is a unique identifier for the breakpoint.
	ID int `json:"id"`
	// Addr is the address of the breakpoint.
	Addr uint64 `json:"addr"`
	// File is the source file for the breakpoint.
	File string `json:"file"`
	// Line is a line in File for the breakpoint.
	Line int `json:"line"`
	// FunctionName is the name of the function at the current breakpoint, and
	// may not always be available.
	FunctionName string `json:"functionName,omitempty"`
	// Location is the location specifier the breakpoint was requested with.
	Location string `json:"location"`
	// Enabled is false for disabled breakpoints.
	Enabled bool `json:"enabled"`
	// Pending is true when the breakpoint is not written to memory.
	Pending bool `json:"pending"`
	// Number of times a breakpoint has been reached
	TotalHitCount uint64 `json:"totalHitCount"`
}

// Location holds program location information.
type Location struct {
	PC       uint64 `json:"pc"`
	File     string `json:"file"`
	Line     int    `json:"line"`
	Function string `json:"function,omitempty"`
}

// Stackframe describes one frame in a stack trace.
type Stackframe struct {
	Location
	FrameBase uint64 `json:"frameBase"`
}

// Variable describes a variable.
type Variable struct {
	// Name of the variable or struct member
	Name string `json:"name"`
	// String representation of the value
	Value string `json:"value"`
	// Name of the type of the variable, in C syntax
	Type string `json:"type"`
}

// Report is the result of a command: the lines to show to the user and
// the state of the debugger afterwards.
type Report struct {
	Lines []string
	State *DebuggerState
}
