package proc

import (
	"debug/dwarf"
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kdbg/kdb/pkg/dwarf/op"
	"github.com/kdbg/kdb/pkg/logflags"
)

// BinaryInfo holds information on the binary being executed.
// It is immutable once LoadBinaryInfo returns.
type BinaryInfo struct {
	// Path on disk of the binary being executed.
	Path string

	// Functions is a list of all DW_TAG_subprogram entries in debug_info, sorted by entry point
	Functions []Function
	// Sources is a list of all source files found in debug_line.
	Sources []string
	// MainFile is the source file declaring main.
	MainFile string

	lines           []LineEntry
	functionsByName map[string]*Function
	globals         map[string]*Variable
	symbols         []elfSymbol
}

// LineEntry is a row of the line table.
type LineEntry struct {
	Addr        uint64
	File        string
	Line        int
	IsStmt      bool
	PrologueEnd bool
	// EndSequence marks the first address after a contiguous sequence
	// of instructions.
	EndSequence bool
}

// Function describes a function in the target program.
type Function struct {
	Name       string
	Entry, End uint64 // same as DW_AT_lowpc and DW_AT_highpc
	// PrologueEnd is the address of the first instruction after the
	// function prologue.
	PrologueEnd uint64

	DeclFile string
	DeclLine int

	frameBase []byte
	// Variables maps the names of the parameters and local variables of
	// the function to their description.
	Variables map[string]*Variable
	// fromSymtab is true for functions found only in the ELF symbol table.
	fromSymtab bool
}

// HasDebugInfo returns false for functions only known from the ELF
// symbol table.
func (fn *Function) HasDebugInfo() bool {
	return !fn.fromSymtab
}

// Variable is a local variable, a parameter or a global variable.
type Variable struct {
	Name     string
	Type     dwarf.Type
	Location []byte
	Global   bool
}

// TypeName returns the name of the type of v.
func (v *Variable) TypeName() string {
	if v.Type == nil {
		return "<unknown>"
	}
	return v.Type.String()
}

type elfSymbol struct {
	name        string
	value, size uint64
}

// LoadBinaryInfo parses the ELF and DWARF sections of the executable at
// path. If the executable has no debug information ErrNoDebugInfo is
// returned together with a BinaryInfo that can still be used to run the
// program.
func LoadBinaryInfo(path string) (*BinaryInfo, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("could not open %s: %w", path, err)
	}
	defer f.Close()

	if f.Type == elf.ET_DYN {
		return nil, ErrPositionIndependent
	}
	if f.Machine != elf.EM_X86_64 {
		return nil, fmt.Errorf("unsupported machine %v", f.Machine)
	}

	bi := &BinaryInfo{
		Path:            path,
		functionsByName: make(map[string]*Function),
		globals:         make(map[string]*Variable),
	}
	bi.loadSymbols(f)

	d, err := f.DWARF()
	if err != nil {
		logflags.DwarfInfoLogger().Debugf("no DWARF data in %s: %v", path, err)
		return bi, ErrNoDebugInfo
	}
	if err := bi.loadDebugInfo(d); err != nil {
		return bi, fmt.Errorf("%w: %v", ErrNoDebugInfo, err)
	}
	if len(bi.lines) == 0 || len(bi.Functions) == 0 {
		return bi, ErrNoDebugInfo
	}
	return bi, nil
}

func (bi *BinaryInfo) loadSymbols(f *elf.File) {
	syms, err := f.Symbols()
	if err != nil {
		logflags.DwarfInfoLogger().Debugf("could not read symbol table: %v", err)
		return
	}
	for _, sym := range syms {
		if elf.ST_TYPE(sym.Info) != elf.STT_FUNC || sym.Value == 0 {
			continue
		}
		bi.symbols = append(bi.symbols, elfSymbol{name: sym.Name, value: sym.Value, size: sym.Size})
	}
	sort.Slice(bi.symbols, func(i, j int) bool { return bi.symbols[i].value < bi.symbols[j].value })
}

func (bi *BinaryInfo) loadDebugInfo(d *dwarf.Data) error {
	log := logflags.DwarfInfoLogger()

	var files []*dwarf.LineFile
	rdr := d.Reader()
	for {
		entry, err := rdr.Next()
		if err != nil {
			bi.finalize()
			return err
		}
		if entry == nil {
			break
		}
		switch entry.Tag {
		case dwarf.TagCompileUnit:
			files = nil
			lr, err := d.LineReader(entry)
			if err != nil {
				log.Debugf("could not read line table: %v", err)
			}
			if lr != nil {
				files = lr.Files()
				bi.loadLineTable(lr)
			}

		case dwarf.TagSubprogram:
			fn, ok := bi.readFunction(d, rdr, entry, files)
			if ok {
				bi.Functions = append(bi.Functions, fn)
			}

		case dwarf.TagVariable:
			v := readVariable(d, entry)
			if v != nil && len(v.Location) > 0 && op.Opcode(v.Location[0]) == op.DW_OP_addr {
				v.Global = true
				bi.globals[v.Name] = v
			}
			if entry.Children {
				rdr.SkipChildren()
			}

		default:
			if entry.Children {
				rdr.SkipChildren()
			}
		}
	}

	bi.finalize()
	return nil
}

// finalize sorts the line and function tables and builds the indexes.
func (bi *BinaryInfo) finalize() {
	sort.SliceStable(bi.lines, func(i, j int) bool {
		if bi.lines[i].Addr == bi.lines[j].Addr {
			return bi.lines[i].EndSequence && !bi.lines[j].EndSequence
		}
		return bi.lines[i].Addr < bi.lines[j].Addr
	})
	sort.Slice(bi.Functions, func(i, j int) bool { return bi.Functions[i].Entry < bi.Functions[j].Entry })

	if bi.functionsByName == nil {
		bi.functionsByName = make(map[string]*Function)
	}
	for i := range bi.Functions {
		fn := &bi.Functions[i]
		fn.PrologueEnd = bi.prologueEnd(fn)
		if _, dup := bi.functionsByName[fn.Name]; !dup {
			bi.functionsByName[fn.Name] = fn
		}
		if fn.Name == "main" {
			bi.MainFile = fn.DeclFile
		}
	}

	sources := map[string]struct{}{}
	for _, le := range bi.lines {
		if le.File != "" && !le.EndSequence {
			sources[le.File] = struct{}{}
		}
	}
	bi.Sources = bi.Sources[:0]
	for src := range sources {
		bi.Sources = append(bi.Sources, src)
	}
	sort.Strings(bi.Sources)
}

func (bi *BinaryInfo) loadLineTable(lr *dwarf.LineReader) {
	var le dwarf.LineEntry
	for {
		err := lr.Next(&le)
		if err == io.EOF {
			return
		}
		if err != nil {
			logflags.DwarfInfoLogger().Debugf("error reading line table: %v", err)
			return
		}
		var file string
		if le.File != nil {
			file = le.File.Name
		}
		bi.lines = append(bi.lines, LineEntry{
			Addr:        le.Address,
			File:        file,
			Line:        le.Line,
			IsStmt:      le.IsStmt,
			PrologueEnd: le.PrologueEnd,
			EndSequence: le.EndSequence,
		})
	}
}

// readFunction reads a DW_TAG_subprogram entry and its children.
// Declarations and inlined abstract instances are skipped.
func (bi *BinaryInfo) readFunction(d *dwarf.Data, rdr *dwarf.Reader, entry *dwarf.Entry, files []*dwarf.LineFile) (Function, bool) {
	name, _ := entry.Val(dwarf.AttrName).(string)
	lowpc, hasLowpc := entry.Val(dwarf.AttrLowpc).(uint64)
	if name == "" || !hasLowpc {
		if entry.Children {
			rdr.SkipChildren()
		}
		return Function{}, false
	}

	fn := Function{
		Name:      name,
		Entry:     lowpc,
		Variables: make(map[string]*Variable),
	}
	if hf := entry.AttrField(dwarf.AttrHighpc); hf != nil {
		switch v := hf.Val.(type) {
		case uint64:
			fn.End = v
		case int64:
			fn.End = lowpc + uint64(v)
		}
	}
	if fb, ok := entry.Val(dwarf.AttrFrameBase).([]byte); ok {
		fn.frameBase = fb
	}
	if idx, ok := entry.Val(dwarf.AttrDeclFile).(int64); ok && idx >= 0 && int(idx) < len(files) && files[idx] != nil {
		fn.DeclFile = files[idx].Name
	}
	if ln, ok := entry.Val(dwarf.AttrDeclLine).(int64); ok {
		fn.DeclLine = int(ln)
	}

	if !entry.Children {
		return fn, true
	}
	depth := 1
	for depth > 0 {
		child, err := rdr.Next()
		if err != nil || child == nil {
			break
		}
		if child.Tag == 0 {
			depth--
			continue
		}
		switch child.Tag {
		case dwarf.TagVariable, dwarf.TagFormalParameter:
			if v := readVariable(d, child); v != nil {
				if _, shadowed := fn.Variables[v.Name]; !shadowed {
					fn.Variables[v.Name] = v
				}
			}
		}
		if child.Children {
			depth++
		}
	}
	return fn, true
}

func readVariable(d *dwarf.Data, entry *dwarf.Entry) *Variable {
	name, _ := entry.Val(dwarf.AttrName).(string)
	if name == "" {
		return nil
	}
	v := &Variable{Name: name}
	if off, ok := entry.Val(dwarf.AttrType).(dwarf.Offset); ok {
		typ, err := d.Type(off)
		if err != nil {
			logflags.DwarfInfoLogger().Debugf("could not read type of %s: %v", name, err)
		}
		v.Type = typ
	}
	v.Location, _ = entry.Val(dwarf.AttrLocation).([]byte)
	return v
}

// prologueEnd returns the address of the first prologue_end row inside fn,
// or the lowest statement boundary after the entry point, or the entry
// point itself.
func (bi *BinaryInfo) prologueEnd(fn *Function) uint64 {
	start := sort.Search(len(bi.lines), func(i int) bool { return bi.lines[i].Addr >= fn.Entry })
	firstStmt := uint64(0)
	for i := start; i < len(bi.lines) && bi.lines[i].Addr < fn.End; i++ {
		le := &bi.lines[i]
		if le.EndSequence {
			continue
		}
		if le.PrologueEnd {
			return le.Addr
		}
		if firstStmt == 0 && le.IsStmt && le.Addr > fn.Entry {
			firstStmt = le.Addr
		}
	}
	if firstStmt != 0 {
		return firstStmt
	}
	return fn.Entry
}

// lineIndex returns the index of the line table row describing pc.
func (bi *BinaryInfo) lineIndex(pc uint64) (int, bool) {
	i := sort.Search(len(bi.lines), func(i int) bool { return bi.lines[i].Addr > pc })
	if i == 0 {
		return 0, false
	}
	i--
	if bi.lines[i].EndSequence {
		return 0, false
	}
	// Several rows can share an address, the first one describes it.
	addr := bi.lines[i].Addr
	for i > 0 && bi.lines[i-1].Addr == addr && !bi.lines[i-1].EndSequence {
		i--
	}
	return i, true
}

// PCToLine converts an instruction address to a file/line pair.
func (bi *BinaryInfo) PCToLine(pc uint64) (string, int, error) {
	i, ok := bi.lineIndex(pc)
	if !ok {
		return "", 0, &OutOfRangeError{Addr: pc}
	}
	return bi.lines[i].File, bi.lines[i].Line, nil
}

// IsStatement returns true if pc is the first address of a statement.
func (bi *BinaryInfo) IsStatement(pc uint64) bool {
	i := sort.Search(len(bi.lines), func(i int) bool { return bi.lines[i].Addr >= pc })
	for ; i < len(bi.lines) && bi.lines[i].Addr == pc; i++ {
		if bi.lines[i].IsStmt && !bi.lines[i].EndSequence {
			return true
		}
	}
	return false
}

// PCToFunc returns the function containing the given PC address.
// Functions without debug information are looked up in the ELF symbol
// table.
func (bi *BinaryInfo) PCToFunc(pc uint64) (*Function, error) {
	i := sort.Search(len(bi.Functions), func(i int) bool {
		fn := bi.Functions[i]
		return pc <= fn.Entry || (fn.Entry <= pc && pc < fn.End)
	})
	if i != len(bi.Functions) {
		fn := &bi.Functions[i]
		if fn.Entry <= pc && pc < fn.End {
			return fn, nil
		}
	}

	j := sort.Search(len(bi.symbols), func(j int) bool { return bi.symbols[j].value > pc })
	if j > 0 {
		sym := bi.symbols[j-1]
		end := sym.value + sym.size
		if sym.size == 0 && j < len(bi.symbols) {
			end = bi.symbols[j].value
		}
		if pc < end {
			return &Function{Name: sym.name, Entry: sym.value, End: end, PrologueEnd: sym.value, fromSymtab: true}, nil
		}
	}
	return nil, &OutOfRangeError{Addr: pc}
}

// LookupFunction returns the function with the given name.
func (bi *BinaryInfo) LookupFunction(name string) (*Function, error) {
	if fn, ok := bi.functionsByName[name]; ok {
		return fn, nil
	}
	for _, sym := range bi.symbols {
		if sym.name == name {
			return &Function{Name: sym.name, Entry: sym.value, End: sym.value + sym.size, PrologueEnd: sym.value, fromSymtab: true}, nil
		}
	}
	return nil, &UnknownFunctionError{Name: name}
}

// FunctionEntry returns the address of the first instruction after the
// prologue of the named function.
func (bi *BinaryInfo) FunctionEntry(name string) (uint64, error) {
	fn, err := bi.LookupFunction(name)
	if err != nil {
		return 0, err
	}
	return fn.PrologueEnd, nil
}

// FunctionNames returns the names of all functions with debug information.
func (bi *BinaryInfo) FunctionNames() []string {
	r := make([]string, 0, len(bi.Functions))
	for i := range bi.Functions {
		r = append(r, bi.Functions[i].Name)
	}
	return r
}

func fileMatches(entryFile, requested string) bool {
	if entryFile == requested {
		return true
	}
	if strings.ContainsRune(requested, '/') {
		return strings.HasSuffix(entryFile, "/"+requested)
	}
	return filepath.Base(entryFile) == requested
}

// LineToPC converts a file:line into a memory address. If no statement
// starts on that line the closest following line is used. An empty
// filename means the file declaring main.
func (bi *BinaryInfo) LineToPC(filename string, lineno int) (uint64, error) {
	if filename == "" {
		filename = bi.MainFile
	}
	location := fmt.Sprintf("%s:%d", filename, lineno)
	if filename == "" {
		return 0, &UnresolvableLocationError{Location: location, Err: errors.New("no default source file")}
	}

	var (
		exactPC, nextPC uint64
		exact           bool
		nextLine        int
	)
	for i := range bi.lines {
		le := &bi.lines[i]
		if le.EndSequence || !le.IsStmt || le.Line < lineno || !fileMatches(le.File, filename) {
			continue
		}
		if le.Line == lineno {
			if !exact || le.Addr < exactPC {
				exactPC = le.Addr
			}
			exact = true
			continue
		}
		if nextLine == 0 || le.Line < nextLine || (le.Line == nextLine && le.Addr < nextPC) {
			nextLine = le.Line
			nextPC = le.Addr
		}
	}
	switch {
	case exact:
		return exactPC, nil
	case nextLine != 0:
		return nextPC, nil
	}
	return 0, &UnresolvableLocationError{Location: location}
}

// FrameBase evaluates the DW_AT_frame_base expression of fn.
func (bi *BinaryInfo) FrameBase(fn *Function, regs op.DwarfRegisters) (uint64, error) {
	if len(fn.frameBase) == 0 {
		return 0, fmt.Errorf("%s: no frame base: %w", fn.Name, ErrUnsupportedLocationExpr)
	}
	fb, err := op.ExecuteStackProgram(regs, fn.frameBase)
	if err != nil {
		if errors.Is(err, op.ErrUnsupported) {
			return 0, fmt.Errorf("%s: frame base %s: %w", fn.Name, op.PrettyPrint(fn.frameBase), ErrUnsupportedLocationExpr)
		}
		return 0, err
	}
	return uint64(fb), nil
}

// LookupVariable returns the variable visible in fn with the given name,
// local variables shadow globals.
func (bi *BinaryInfo) LookupVariable(fn *Function, name string) (*Variable, error) {
	if fn != nil {
		if v, ok := fn.Variables[name]; ok {
			return v, nil
		}
	}
	if v, ok := bi.globals[name]; ok {
		return v, nil
	}
	fnName := ""
	if fn != nil {
		fnName = fn.Name
	}
	return nil, &UnknownVariableError{Function: fnName, Name: name}
}

// VariableLocation returns the address of the variable name of function fn,
// given the frame base of the function.
func (bi *BinaryInfo) VariableLocation(fn *Function, name string, frameBase uint64) (uint64, *Variable, error) {
	v, err := bi.LookupVariable(fn, name)
	if err != nil {
		return 0, nil, err
	}
	if len(v.Location) == 0 {
		return 0, v, fmt.Errorf("%s: no location: %w", name, ErrUnsupportedLocationExpr)
	}
	if !v.Global {
		if _, ok := op.FrameBaseOffset(v.Location); !ok {
			return 0, v, fmt.Errorf("%s: %s: %w", name, op.PrettyPrint(v.Location), ErrUnsupportedLocationExpr)
		}
	}
	addr, err := op.ExecuteStackProgram(op.DwarfRegisters{FrameBase: int64(frameBase)}, v.Location)
	if err != nil {
		if errors.Is(err, op.ErrUnsupported) {
			return 0, v, fmt.Errorf("%s: %w", name, ErrUnsupportedLocationExpr)
		}
		return 0, v, err
	}
	return uint64(addr), v, nil
}
