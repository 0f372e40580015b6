// Package op evaluates the small subset of DWARF location expressions that
// kdb understands: static addresses, frame base relative offsets, the
// canonical frame address and offsets from the frame/stack pointer.
package op

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/kdbg/kdb/pkg/dwarf/leb128"
	"github.com/kdbg/kdb/pkg/dwarf/regnum"
)

// Opcode represent a DWARF stack program instruction.
type Opcode byte

const (
	DW_OP_addr           Opcode = 0x03
	DW_OP_const1u        Opcode = 0x08
	DW_OP_constu         Opcode = 0x10
	DW_OP_consts         Opcode = 0x11
	DW_OP_minus          Opcode = 0x1c
	DW_OP_plus           Opcode = 0x22
	DW_OP_plus_uconst    Opcode = 0x23
	DW_OP_reg0           Opcode = 0x50
	DW_OP_reg31          Opcode = 0x6f
	DW_OP_breg0          Opcode = 0x70
	DW_OP_breg31         Opcode = 0x8f
	DW_OP_fbreg          Opcode = 0x91
	DW_OP_call_frame_cfa Opcode = 0x9c
)

var opcodeName = map[Opcode]string{
	DW_OP_addr:           "DW_OP_addr",
	DW_OP_const1u:        "DW_OP_const1u",
	DW_OP_constu:         "DW_OP_constu",
	DW_OP_consts:         "DW_OP_consts",
	DW_OP_minus:          "DW_OP_minus",
	DW_OP_plus:           "DW_OP_plus",
	DW_OP_plus_uconst:    "DW_OP_plus_uconst",
	DW_OP_fbreg:          "DW_OP_fbreg",
	DW_OP_call_frame_cfa: "DW_OP_call_frame_cfa",
}

func (op Opcode) String() string {
	switch {
	case op >= DW_OP_reg0 && op <= DW_OP_reg31:
		return fmt.Sprintf("DW_OP_reg%d", op-DW_OP_reg0)
	case op >= DW_OP_breg0 && op <= DW_OP_breg31:
		return fmt.Sprintf("DW_OP_breg%d", op-DW_OP_breg0)
	}
	if name, ok := opcodeName[op]; ok {
		return name
	}
	return fmt.Sprintf("DW_OP_%#x", byte(op))
}

// ErrUnsupported is returned for location expressions outside of the
// subset handled by ExecuteStackProgram.
var ErrUnsupported = errors.New("unsupported location expression")

// ErrNoFrameBase is returned when an expression uses DW_OP_fbreg but the
// frame base was not computed.
var ErrNoFrameBase = errors.New("frame base not available")

type context struct {
	buf   *bytes.Buffer
	stack []int64

	DwarfRegisters
}

// ExecuteStackProgram executes a DWARF location expression and returns
// the address it computes.
// Register location (DW_OP_regN) and composite expressions are not
// supported and return ErrUnsupported.
func ExecuteStackProgram(regs DwarfRegisters, instructions []byte) (int64, error) {
	ctxt := &context{
		buf:            bytes.NewBuffer(instructions),
		stack:          make([]int64, 0, 3),
		DwarfRegisters: regs,
	}

	for {
		opcodeByte, err := ctxt.buf.ReadByte()
		if err != nil {
			break
		}
		if err := ctxt.step(Opcode(opcodeByte)); err != nil {
			return 0, err
		}
	}

	if len(ctxt.stack) == 0 {
		return 0, errors.New("empty OP stack")
	}

	return ctxt.stack[len(ctxt.stack)-1], nil
}

func (ctxt *context) step(opcode Opcode) error {
	switch {
	case opcode == DW_OP_addr:
		var addr uint64
		if err := binary.Read(ctxt.buf, binary.LittleEndian, &addr); err != nil {
			return fmt.Errorf("%s: %w", opcode, io.ErrUnexpectedEOF)
		}
		ctxt.stack = append(ctxt.stack, int64(addr+ctxt.StaticBase))

	case opcode == DW_OP_const1u:
		b, err := ctxt.buf.ReadByte()
		if err != nil {
			return fmt.Errorf("%s: %w", opcode, io.ErrUnexpectedEOF)
		}
		ctxt.stack = append(ctxt.stack, int64(b))

	case opcode == DW_OP_constu:
		n, _, err := leb128.DecodeUnsigned(ctxt.buf)
		if err != nil {
			return fmt.Errorf("%s: %w", opcode, err)
		}
		ctxt.stack = append(ctxt.stack, int64(n))

	case opcode == DW_OP_consts:
		n, _, err := leb128.DecodeSigned(ctxt.buf)
		if err != nil {
			return fmt.Errorf("%s: %w", opcode, err)
		}
		ctxt.stack = append(ctxt.stack, n)

	case opcode == DW_OP_plus_uconst:
		if len(ctxt.stack) < 1 {
			return fmt.Errorf("%s: stack underflow", opcode)
		}
		n, _, err := leb128.DecodeUnsigned(ctxt.buf)
		if err != nil {
			return fmt.Errorf("%s: %w", opcode, err)
		}
		ctxt.stack[len(ctxt.stack)-1] += int64(n)

	case opcode == DW_OP_plus || opcode == DW_OP_minus:
		if len(ctxt.stack) < 2 {
			return fmt.Errorf("%s: stack underflow", opcode)
		}
		a, b := ctxt.stack[len(ctxt.stack)-2], ctxt.stack[len(ctxt.stack)-1]
		ctxt.stack = ctxt.stack[:len(ctxt.stack)-2]
		if opcode == DW_OP_plus {
			ctxt.stack = append(ctxt.stack, a+b)
		} else {
			ctxt.stack = append(ctxt.stack, a-b)
		}

	case opcode == DW_OP_call_frame_cfa:
		if ctxt.CFA == 0 {
			return fmt.Errorf("%s: canonical frame address not available", opcode)
		}
		ctxt.stack = append(ctxt.stack, ctxt.CFA)

	case opcode == DW_OP_fbreg:
		if ctxt.FrameBase == 0 {
			return ErrNoFrameBase
		}
		off, _, err := leb128.DecodeSigned(ctxt.buf)
		if err != nil {
			return fmt.Errorf("%s: %w", opcode, err)
		}
		ctxt.stack = append(ctxt.stack, ctxt.FrameBase+off)

	case opcode >= DW_OP_breg0 && opcode <= DW_OP_breg31:
		num := uint64(opcode - DW_OP_breg0)
		val, ok := ctxt.Reg(num)
		if !ok {
			return fmt.Errorf("%s (%s): %w", opcode, regnum.AMD64ToName(num), ErrUnsupported)
		}
		off, _, err := leb128.DecodeSigned(ctxt.buf)
		if err != nil {
			return fmt.Errorf("%s: %w", opcode, err)
		}
		ctxt.stack = append(ctxt.stack, int64(val)+off)

	default:
		return fmt.Errorf("%s: %w", opcode, ErrUnsupported)
	}
	return nil
}

// FrameBaseOffset returns the offset of a location expression consisting
// of a single DW_OP_fbreg instruction.
func FrameBaseOffset(instructions []byte) (int64, bool) {
	if len(instructions) < 2 || Opcode(instructions[0]) != DW_OP_fbreg {
		return 0, false
	}
	buf := bytes.NewBuffer(instructions[1:])
	off, _, err := leb128.DecodeSigned(buf)
	if err != nil || buf.Len() != 0 {
		return 0, false
	}
	return off, true
}

// PrettyPrint prints the DWARF stack program instructions to a string,
// used in diagnostics.
func PrettyPrint(instructions []byte) string {
	var out bytes.Buffer
	buf := bytes.NewBuffer(instructions)
	for buf.Len() > 0 {
		opcodeByte, _ := buf.ReadByte()
		opcode := Opcode(opcodeByte)
		if out.Len() > 0 {
			out.WriteByte(' ')
		}
		out.WriteString(opcode.String())
		switch {
		case opcode == DW_OP_addr:
			var addr uint64
			if binary.Read(buf, binary.LittleEndian, &addr) == nil {
				fmt.Fprintf(&out, " %#x", addr)
			}
		case opcode == DW_OP_fbreg || opcode == DW_OP_consts || (opcode >= DW_OP_breg0 && opcode <= DW_OP_breg31):
			n, _, err := leb128.DecodeSigned(buf)
			if err == nil {
				fmt.Fprintf(&out, " %d", n)
			}
		case opcode == DW_OP_constu || opcode == DW_OP_plus_uconst:
			n, _, err := leb128.DecodeUnsigned(buf)
			if err == nil {
				fmt.Fprintf(&out, " %d", n)
			}
		case opcode == DW_OP_const1u:
			if b, err := buf.ReadByte(); err == nil {
				fmt.Fprintf(&out, " %d", b)
			}
		}
	}
	return out.String()
}
