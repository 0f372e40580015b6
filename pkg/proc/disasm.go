package proc

import (
	"bytes"

	"golang.org/x/arch/x86/x86asm"
)

var maxInstructionLength uint64 = 15

var endbr64 = []byte{0xf3, 0x0f, 0x1e, 0xfa}

// prologueState describes how far the standard frame pointer prologue
//
//	push rbp
//	mov rbp, rsp
//
// has been executed.
type prologueState uint8

const (
	prologueNotStarted prologueState = iota // return address at [rsp]
	prologueBPPushed                        // return address at [rsp+8]
	prologueDone                            // return address at [rbp+8]
)

// readCode reads memory for instruction decoding, removing any trap
// instruction written by kdb.
func readCode(mem MemoryReader, sites TrapSites, addr uint64, n uint64) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := mem.ReadMemory(buf, addr); err != nil {
		return nil, err
	}
	if sites != nil {
		for i := range buf {
			if orig, ok := sites.PatchedAt(addr + uint64(i)); ok {
				buf[i] = orig
			}
		}
	}
	return buf, nil
}

// analyzePrologue decodes the instructions of fn that precede pc.
func analyzePrologue(mem MemoryReader, sites TrapSites, fn *Function, pc uint64) prologueState {
	if fn == nil || pc < fn.Entry || (fn.PrologueEnd > fn.Entry && pc >= fn.PrologueEnd) {
		return prologueDone
	}
	if pc == fn.Entry {
		return prologueNotStarted
	}
	code, err := readCode(mem, sites, fn.Entry, pc-fn.Entry)
	if err != nil {
		return prologueDone
	}

	state := prologueNotStarted
	for len(code) > 0 {
		if bytes.HasPrefix(code, endbr64) {
			code = code[len(endbr64):]
			continue
		}
		inst, err := x86asm.Decode(code, 64)
		if err != nil {
			return prologueDone
		}
		switch {
		case inst.Op == x86asm.PUSH && inst.Args[0] == x86asm.RBP:
			state = prologueBPPushed
		case inst.Op == x86asm.MOV && inst.Args[0] == x86asm.RBP && inst.Args[1] == x86asm.RSP:
			return prologueDone
		}
		code = code[inst.Len:]
	}
	return state
}

// CallInstruction returns the length of the instruction at pc if it is a
// CALL.
func CallInstruction(mem MemoryReader, sites TrapSites, pc uint64) (int, bool, error) {
	code, err := readCode(mem, sites, pc, maxInstructionLength)
	if err != nil {
		// The instruction may sit at the end of a mapping.
		code, err = readCode(mem, sites, pc, 5)
		if err != nil {
			return 0, false, err
		}
	}
	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		return 0, false, nil
	}
	return inst.Len, inst.Op == x86asm.CALL, nil
}

// Disassemble returns the Intel syntax text of the instruction at pc.
func Disassemble(mem MemoryReader, sites TrapSites, pc uint64) (string, error) {
	code, err := readCode(mem, sites, pc, maxInstructionLength)
	if err != nil {
		return "", err
	}
	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		return "?", nil
	}
	return x86asm.IntelSyntax(inst, pc, nil), nil
}
