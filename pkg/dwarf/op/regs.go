package op

import "github.com/kdbg/kdb/pkg/dwarf/regnum"

// DwarfRegisters holds the value of stack program registers.
// Only the registers needed to address stack frames are tracked.
type DwarfRegisters struct {
	StaticBase uint64

	CFA       int64
	FrameBase int64

	BP, SP uint64
}

// Reg returns the value of the DWARF register num, if known.
func (regs *DwarfRegisters) Reg(num uint64) (uint64, bool) {
	switch num {
	case regnum.AMD64_Rbp:
		return regs.BP, true
	case regnum.AMD64_Rsp:
		return regs.SP, true
	}
	return 0, false
}
