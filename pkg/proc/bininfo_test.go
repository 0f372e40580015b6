package proc

import (
	"debug/dwarf"
	"errors"
	"testing"

	"github.com/kdbg/kdb/pkg/dwarf/op"
)

// testBinaryInfo describes the following program:
//
//	1  void func2(void) {
//	2      int z = 3;
//	3  }
//	4  void func1(void) {
//	5      int y = 2;
//	6      func2();
//	7  }
//	8
//	9
//	10 int main(void) {
//	11     int x = 1;
//	12     func1();
//	13     return 0;
//	14 }
func testBinaryInfo() *BinaryInfo {
	intType := &dwarf.IntType{BasicType: dwarf.BasicType{CommonType: dwarf.CommonType{ByteSize: 4, Name: "int"}}}
	fbreg := func(off byte) []byte { return []byte{byte(op.DW_OP_fbreg), off} }
	cfa := []byte{byte(op.DW_OP_call_frame_cfa)}

	bi := &BinaryInfo{
		Path: "/tmp/callchain",
		lines: []LineEntry{
			{Addr: 0x1000, File: "/src/callchain.c", Line: 10, IsStmt: true},
			{Addr: 0x1008, File: "/src/callchain.c", Line: 11, IsStmt: true},
			{Addr: 0x1010, File: "/src/callchain.c", Line: 12, IsStmt: true},
			{Addr: 0x1015, File: "/src/callchain.c", Line: 13, IsStmt: true},
			{Addr: 0x101a, File: "/src/callchain.c", Line: 14, IsStmt: true},
			{Addr: 0x1080, EndSequence: true},

			{Addr: 0x1100, File: "/src/callchain.c", Line: 4, IsStmt: true},
			{Addr: 0x1108, File: "/src/callchain.c", Line: 5, IsStmt: true},
			{Addr: 0x1110, File: "/src/callchain.c", Line: 6, IsStmt: true},
			{Addr: 0x1115, File: "/src/callchain.c", Line: 7, IsStmt: true},
			{Addr: 0x1180, EndSequence: true},

			{Addr: 0x1200, File: "/src/callchain.c", Line: 1, IsStmt: true},
			{Addr: 0x1204, File: "/src/callchain.c", Line: 1, IsStmt: false},
			{Addr: 0x1208, File: "/src/callchain.c", Line: 2, IsStmt: true, PrologueEnd: true},
			{Addr: 0x1210, File: "/src/callchain.c", Line: 3, IsStmt: true},
			{Addr: 0x1280, EndSequence: true},
		},
		Functions: []Function{
			{Name: "main", Entry: 0x1000, End: 0x1080, DeclFile: "/src/callchain.c", DeclLine: 10, frameBase: cfa,
				Variables: map[string]*Variable{"x": {Name: "x", Type: intType, Location: fbreg(0x6c)}}},
			{Name: "func1", Entry: 0x1100, End: 0x1180, DeclFile: "/src/callchain.c", DeclLine: 4, frameBase: cfa,
				Variables: map[string]*Variable{
					"y":   {Name: "y", Type: intType, Location: fbreg(0x6c)},
					"reg": {Name: "reg", Type: intType, Location: []byte{byte(op.DW_OP_reg0)}},
				}},
			{Name: "func2", Entry: 0x1200, End: 0x1280, DeclFile: "/src/callchain.c", DeclLine: 1, frameBase: cfa,
				Variables: map[string]*Variable{"z": {Name: "z", Type: intType, Location: fbreg(0x6c)}}},
		},
		globals: map[string]*Variable{
			"counter": {Name: "counter", Type: intType, Global: true, Location: []byte{byte(op.DW_OP_addr), 0x28, 0x40, 0x40, 0, 0, 0, 0, 0}},
		},
		symbols: []elfSymbol{
			{name: "_start", value: 0x0f00, size: 0x30},
			{name: "main", value: 0x1000, size: 0x80},
			{name: "puts", value: 0x2000},
			{name: "exit", value: 0x2100},
		},
	}
	bi.finalize()
	return bi
}

func TestPCToLine(t *testing.T) {
	bi := testBinaryInfo()
	for _, tc := range []struct {
		pc   uint64
		line int
	}{
		{0x1000, 10},
		{0x1007, 10},
		{0x1014, 12},
		{0x1115, 7},
		{0x1206, 1},
		{0x127f, 3},
	} {
		file, line, err := bi.PCToLine(tc.pc)
		if err != nil {
			t.Fatalf("%#x: %v", tc.pc, err)
		}
		if file != "/src/callchain.c" || line != tc.line {
			t.Errorf("%#x: got %s:%d, expected line %d", tc.pc, file, line, tc.line)
		}
	}

	var oore *OutOfRangeError
	for _, pc := range []uint64{0x500, 0x1090, 0x1280, 0x9000} {
		if _, _, err := bi.PCToLine(pc); !errors.As(err, &oore) {
			t.Errorf("%#x: expected OutOfRangeError, got %v", pc, err)
		}
	}
}

func TestPrologueEnd(t *testing.T) {
	bi := testBinaryInfo()
	for name, expected := range map[string]uint64{
		"main":  0x1008, // lowest statement after the entry
		"func2": 0x1208, // prologue_end row
	} {
		addr, err := bi.FunctionEntry(name)
		if err != nil {
			t.Fatal(err)
		}
		if addr != expected {
			t.Errorf("%s: got %#x expected %#x", name, addr, expected)
		}
	}
	var ufe *UnknownFunctionError
	if _, err := bi.FunctionEntry("nosuchfn"); !errors.As(err, &ufe) {
		t.Fatalf("expected UnknownFunctionError, got %v", err)
	}
	// ELF symbols without DWARF information resolve to their entry.
	if addr, err := bi.FunctionEntry("puts"); err != nil || addr != 0x2000 {
		t.Fatalf("puts: %#x %v", addr, err)
	}
}

func TestPCToFunc(t *testing.T) {
	bi := testBinaryInfo()
	fn, err := bi.PCToFunc(0x1150)
	if err != nil || fn.Name != "func1" || !fn.HasDebugInfo() {
		t.Fatalf("got %v %v", fn, err)
	}
	fn, err = bi.PCToFunc(0x0f10)
	if err != nil || fn.Name != "_start" || fn.HasDebugInfo() {
		t.Fatalf("symbol fallback: got %v %v", fn, err)
	}
	fn, err = bi.PCToFunc(0x2010)
	if err != nil || fn.Name != "puts" {
		t.Fatalf("sized by next symbol: got %v %v", fn, err)
	}
	var oore *OutOfRangeError
	if _, err := bi.PCToFunc(0x100); !errors.As(err, &oore) {
		t.Fatalf("expected OutOfRangeError, got %v", err)
	}
}

func TestLineToPC(t *testing.T) {
	bi := testBinaryInfo()
	if bi.MainFile != "/src/callchain.c" {
		t.Fatalf("main file: %q", bi.MainFile)
	}
	for _, tc := range []struct {
		file string
		line int
		pc   uint64
	}{
		{"", 11, 0x1008},
		{"callchain.c", 6, 0x1110},
		{"src/callchain.c", 2, 0x1208},
		{"/src/callchain.c", 1, 0x1200},
		{"", 8, 0x1000}, // no code on line 8, the next line with code is 10
	} {
		pc, err := bi.LineToPC(tc.file, tc.line)
		if err != nil {
			t.Fatalf("%s:%d: %v", tc.file, tc.line, err)
		}
		if pc != tc.pc {
			t.Errorf("%s:%d: got %#x expected %#x", tc.file, tc.line, pc, tc.pc)
		}
	}

	var ule *UnresolvableLocationError
	if _, err := bi.LineToPC("", 100); !errors.As(err, &ule) {
		t.Fatalf("expected UnresolvableLocationError, got %v", err)
	}
	if _, err := bi.LineToPC("other.c", 3); !errors.As(err, &ule) {
		t.Fatalf("expected UnresolvableLocationError, got %v", err)
	}
}

func TestIsStatement(t *testing.T) {
	bi := testBinaryInfo()
	if !bi.IsStatement(0x1208) || bi.IsStatement(0x1204) || bi.IsStatement(0x1209) {
		t.Fatal("wrong statement boundaries")
	}
}

func TestVariableLocation(t *testing.T) {
	bi := testBinaryInfo()
	fn, _ := bi.LookupFunction("func1")

	// 0x6c is -20 in signed LEB128.
	addr, v, err := bi.VariableLocation(fn, "y", 0x7ff0)
	if err != nil {
		t.Fatal(err)
	}
	if addr != 0x7ff0-20 || v.TypeName() != "int" {
		t.Fatalf("got %#x %s", addr, v.TypeName())
	}

	addr, v, err = bi.VariableLocation(fn, "counter", 0x7ff0)
	if err != nil || addr != 0x404028 || !v.Global {
		t.Fatalf("global: %#x %v", addr, err)
	}

	if _, _, err := bi.VariableLocation(fn, "reg", 0x7ff0); !errors.Is(err, ErrUnsupportedLocationExpr) {
		t.Fatalf("expected ErrUnsupportedLocationExpr, got %v", err)
	}

	var uve *UnknownVariableError
	if _, _, err := bi.VariableLocation(fn, "x", 0x7ff0); !errors.As(err, &uve) || uve.Function != "func1" {
		t.Fatalf("expected UnknownVariableError, got %v", err)
	}
}

func TestFrameBase(t *testing.T) {
	bi := testBinaryInfo()
	fn, _ := bi.LookupFunction("main")
	fb, err := bi.FrameBase(fn, op.DwarfRegisters{CFA: 0x7210, BP: 0x7200})
	if err != nil || fb != 0x7210 {
		t.Fatalf("got %#x %v", fb, err)
	}
	sym, _ := bi.LookupFunction("puts")
	if _, err := bi.FrameBase(sym, op.DwarfRegisters{CFA: 0x7210}); !errors.Is(err, ErrUnsupportedLocationExpr) {
		t.Fatalf("expected ErrUnsupportedLocationExpr, got %v", err)
	}
}

func TestSources(t *testing.T) {
	bi := testBinaryInfo()
	if len(bi.Sources) != 1 || bi.Sources[0] != "/src/callchain.c" {
		t.Fatalf("sources: %v", bi.Sources)
	}
	names := bi.FunctionNames()
	if len(names) != 3 || names[0] != "main" {
		t.Fatalf("function names: %v", names)
	}
}
