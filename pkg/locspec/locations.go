package locspec

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/kdbg/kdb/pkg/proc"
)

// LocationSpec is an interface that represents a parsed location spec string.
type LocationSpec interface {
	// Find returns the address matching the location spec.
	Find(bi *proc.BinaryInfo) (uint64, error)
	String() string
}

// AddrLocationSpec represents an address when used
// as a location spec.
type AddrLocationSpec struct {
	Addr uint64
}

// LineLocationSpec represents a line number, File is empty for the file
// declaring main.
type LineLocationSpec struct {
	File string
	Line int
}

// FuncLocationSpec represents a function in the target program.
type FuncLocationSpec struct {
	Name string
}

// Parse will turn locStr into a parsed LocationSpec.
func Parse(locStr string) (LocationSpec, error) {
	rest := strings.TrimSpace(locStr)

	malformed := func(reason string) error {
		//lint:ignore ST1005 backwards compatibility
		return fmt.Errorf("Malformed breakpoint location \"%s\": %s", locStr, reason)
	}

	if len(rest) == 0 {
		return nil, malformed("empty string")
	}

	if rest[0] == '*' {
		addr, err := ParseAddress(rest[1:])
		if err != nil {
			return nil, malformed(err.Error())
		}
		return &AddrLocationSpec{Addr: addr}, nil
	}

	if n, err := strconv.Atoi(rest); err == nil {
		if n <= 0 {
			return nil, malformed("line numbers start at 1")
		}
		return &LineLocationSpec{Line: n}, nil
	}

	if i := strings.LastIndexByte(rest, ':'); i >= 0 {
		file, lineStr := rest[:i], rest[i+1:]
		if file == "" {
			return nil, malformed("empty file name")
		}
		n, err := strconv.Atoi(lineStr)
		if err != nil || n <= 0 {
			return nil, malformed(fmt.Sprintf("invalid line number %q", lineStr))
		}
		return &LineLocationSpec{File: file, Line: n}, nil
	}

	if strings.ContainsAny(rest, " \t") {
		return nil, malformed("function names can not contain spaces")
	}
	return &FuncLocationSpec{Name: rest}, nil
}

// ParseAddress parses a hexadecimal address with an optional 0x prefix.
func ParseAddress(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s = s[2:]
	}
	if s == "" {
		return 0, errors.New("empty address")
	}
	addr, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q", s)
	}
	return addr, nil
}

// Find returns the address itself.
func (loc *AddrLocationSpec) Find(bi *proc.BinaryInfo) (uint64, error) {
	return loc.Addr, nil
}

func (loc *AddrLocationSpec) String() string {
	return fmt.Sprintf("*%#x", loc.Addr)
}

// Find returns the first statement of the line, or of the closest line
// after it containing code.
func (loc *LineLocationSpec) Find(bi *proc.BinaryInfo) (uint64, error) {
	addr, err := bi.LineToPC(loc.File, loc.Line)
	if err != nil {
		return 0, unresolvable(loc, err)
	}
	return addr, nil
}

func (loc *LineLocationSpec) String() string {
	if loc.File == "" {
		return strconv.Itoa(loc.Line)
	}
	return fmt.Sprintf("%s:%d", loc.File, loc.Line)
}

// Find returns the address of the first instruction after the prologue of
// the function.
func (loc *FuncLocationSpec) Find(bi *proc.BinaryInfo) (uint64, error) {
	addr, err := bi.FunctionEntry(loc.Name)
	if err != nil {
		return 0, unresolvable(loc, err)
	}
	return addr, nil
}

func (loc *FuncLocationSpec) String() string {
	return loc.Name
}

func unresolvable(loc LocationSpec, err error) error {
	var ule *proc.UnresolvableLocationError
	if errors.As(err, &ule) {
		return err
	}
	return &proc.UnresolvableLocationError{Location: loc.String(), Err: err}
}

// Find parses locStr and resolves it against bi.
func Find(bi *proc.BinaryInfo, locStr string) (uint64, error) {
	loc, err := Parse(locStr)
	if err != nil {
		return 0, &proc.UnresolvableLocationError{Location: locStr, Err: err}
	}
	return loc.Find(bi)
}
