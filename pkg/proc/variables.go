package proc

import (
	"debug/dwarf"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

// maxValueBytes is the number of bytes read for aggregate values.
const maxValueBytes = 64

func resolveTypedef(typ dwarf.Type) dwarf.Type {
	for {
		switch tt := typ.(type) {
		case *dwarf.TypedefType:
			typ = tt.Type
		case *dwarf.QualType:
			typ = tt.Type
		default:
			return typ
		}
	}
}

// TypeName returns the C name of typ.
func TypeName(typ dwarf.Type) string {
	switch tt := typ.(type) {
	case nil:
		return "<unknown>"
	case *dwarf.PtrType:
		if _, void := tt.Type.(*dwarf.VoidType); void || tt.Type == nil {
			return "void *"
		}
		return TypeName(tt.Type) + " *"
	}
	return typ.String()
}

// ReadValue reads the value of type typ stored at addr and formats it.
func ReadValue(mem MemoryReader, typ dwarf.Type, addr uint64) (string, error) {
	if typ == nil {
		return "", fmt.Errorf("variable at %#x has no type", addr)
	}
	rtyp := resolveTypedef(typ)
	size := rtyp.Size()
	if _, isPtr := rtyp.(*dwarf.PtrType); isPtr && size <= 0 {
		size = 8
	}
	if size <= 0 {
		return "", fmt.Errorf("type %s has unknown size", TypeName(typ))
	}
	truncated := false
	if size > maxValueBytes {
		size = maxValueBytes
		truncated = true
	}
	buf := make([]byte, size)
	if _, err := mem.ReadMemory(buf, addr); err != nil {
		return "", fmt.Errorf("could not read memory at %#x: %w", addr, err)
	}
	return formatValue(rtyp, buf, truncated), nil
}

func formatValue(typ dwarf.Type, buf []byte, truncated bool) string {
	switch tt := typ.(type) {
	case *dwarf.IntType:
		return fmt.Sprintf("%d", signed(buf))
	case *dwarf.UintType:
		return fmt.Sprintf("%d", unsigned(buf))
	case *dwarf.CharType:
		c := signed(buf)
		if c >= 0x20 && c < 0x7f {
			return fmt.Sprintf("%d '%c'", c, rune(c))
		}
		return fmt.Sprintf("%d", c)
	case *dwarf.UcharType:
		c := unsigned(buf)
		if c >= 0x20 && c < 0x7f {
			return fmt.Sprintf("%d '%c'", c, rune(c))
		}
		return fmt.Sprintf("%d", c)
	case *dwarf.BoolType:
		return fmt.Sprintf("%t", unsigned(buf) != 0)
	case *dwarf.FloatType:
		switch len(buf) {
		case 4:
			return fmt.Sprintf("%g", math.Float32frombits(binary.LittleEndian.Uint32(buf)))
		case 8:
			return fmt.Sprintf("%g", math.Float64frombits(binary.LittleEndian.Uint64(buf)))
		}
	case *dwarf.PtrType:
		return fmt.Sprintf("%#x", unsigned(buf))
	case *dwarf.EnumType:
		v := signed(buf)
		for _, val := range tt.Val {
			if val.Val == v {
				return fmt.Sprintf("%s (%d)", val.Name, v)
			}
		}
		return fmt.Sprintf("%d", v)
	}

	var sb strings.Builder
	sb.WriteByte('[')
	for i, b := range buf {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "0x%02x", b)
	}
	if truncated {
		sb.WriteString(" ...")
	}
	sb.WriteByte(']')
	return sb.String()
}

func unsigned(buf []byte) uint64 {
	var tmp [8]byte
	copy(tmp[:], buf)
	return binary.LittleEndian.Uint64(tmp[:])
}

func signed(buf []byte) int64 {
	v := unsigned(buf)
	if n := len(buf); n > 0 && n < 8 {
		shift := uint(64 - 8*n)
		return int64(v<<shift) >> shift
	}
	return int64(v)
}
