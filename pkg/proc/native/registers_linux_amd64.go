//go:build linux && amd64

package native

import (
	"fmt"

	sys "golang.org/x/sys/unix"
)

// Regs is a snapshot of the general purpose registers of the inferior.
type Regs struct {
	regs sys.PtraceRegs
}

// PC returns the value of RIP register.
func (r *Regs) PC() uint64 {
	return r.regs.Rip
}

// SP returns the value of RSP register.
func (r *Regs) SP() uint64 {
	return r.regs.Rsp
}

// BP returns the value of RBP register.
func (r *Regs) BP() uint64 {
	return r.regs.Rbp
}

// SetPC sets RIP to the specified value.
func (r *Regs) SetPC(pc uint64) {
	r.regs.Rip = pc
}

func (r *Regs) String() string {
	return fmt.Sprintf("rip=%#x rsp=%#x rbp=%#x rax=%#x", r.regs.Rip, r.regs.Rsp, r.regs.Rbp, r.regs.Rax)
}
