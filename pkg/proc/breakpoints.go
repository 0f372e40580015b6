package proc

import (
	"fmt"
	"sort"
)

// Breakpoint represents a physical breakpoint. Stores information on the break
// point including the byte of data that originally was stored at that
// address.
type Breakpoint struct {
	// File & line information for printing.
	FunctionName string
	File         string
	Line         int

	Addr         uint64 // Address breakpoint is set for.
	OriginalByte byte   // The instruction byte replaced with the trap instruction, valid while Patched.
	Location     string // Location requested by the user
	ID           int    // ID of the user breakpoint, zero for internal breakpoints

	// Kind describes whether this is an internal breakpoint (for next'ing).
	// A single breakpoint can be both a UserBreakpoint and an internal
	// breakpoint.
	Kind BreakpointKind

	// Enabled is false for user breakpoints that have been disabled, they
	// stay in the table but are never written to memory.
	Enabled bool
	// Patched is true while the trap instruction is written to the
	// inferior's memory.
	Patched bool

	TotalHitCount uint64 // Number of times a breakpoint has been reached
}

// BreakpointKind determines the behavior of kdb when the
// breakpoint is reached.
type BreakpointKind uint16

const (
	// UserBreakpoint is a user set breakpoint
	UserBreakpoint BreakpointKind = (1 << iota)
	// NextBreakpoint is a breakpoint set by Next on the return address of
	// a call instruction, it is removed as soon as Next completes.
	NextBreakpoint
)

func (bp *Breakpoint) String() string {
	return fmt.Sprintf("Breakpoint %d at %#x %s:%d (%d)", bp.ID, bp.Addr, bp.File, bp.Line, bp.TotalHitCount)
}

// IsInternal returns true if bp is an internal breakpoint.
func (bp *Breakpoint) IsInternal() bool {
	return bp.Kind&NextBreakpoint != 0
}

// IsUser returns true if bp is a user-set breakpoint.
func (bp *Breakpoint) IsUser() bool {
	return bp.Kind&UserBreakpoint != 0
}

// live reports whether bp should be written to memory.
func (bp *Breakpoint) live() bool {
	return bp.IsInternal() || (bp.IsUser() && bp.Enabled)
}

// BreakpointMap represents an (address, breakpoint) map.
type BreakpointMap struct {
	M map[uint64]*Breakpoint

	breakpointIDCounter int
}

// NewBreakpointMap creates a new BreakpointMap.
func NewBreakpointMap() BreakpointMap {
	return BreakpointMap{
		M: make(map[uint64]*Breakpoint),
	}
}

// Set creates a user breakpoint at addr. If mem is not nil the breakpoint
// is written to memory immediately, otherwise it is pending until the next
// call to MaterializeAll.
// Requesting an address that already has a user breakpoint returns the
// existing breakpoint, enabled.
func (bpmap *BreakpointMap) Set(requested string, addr uint64, mem MemoryReadWriter) (*Breakpoint, error) {
	if bp, ok := bpmap.M[addr]; ok {
		if bp.IsUser() {
			if !bp.Patched && mem != nil {
				if err := patch(mem, bp); err != nil {
					return nil, err
				}
			}
			bp.Enabled = true
			return bp, nil
		}
		// Only an internal breakpoint was here, it is already patched.
		bpmap.breakpointIDCounter++
		bp.Kind |= UserBreakpoint
		bp.ID = bpmap.breakpointIDCounter
		bp.Location = requested
		bp.Enabled = true
		return bp, nil
	}

	bp := &Breakpoint{
		Addr:     addr,
		Location: requested,
		Kind:     UserBreakpoint,
		Enabled:  true,
	}
	if mem != nil {
		if err := patch(mem, bp); err != nil {
			return nil, err
		}
	}
	bpmap.breakpointIDCounter++
	bp.ID = bpmap.breakpointIDCounter
	bpmap.M[addr] = bp
	return bp, nil
}

// MaterializeAll writes every enabled breakpoint to a freshly loaded
// inferior. All breakpoints are attempted, the first error is returned.
func (bpmap *BreakpointMap) MaterializeAll(mem MemoryReadWriter) error {
	var firstErr error
	for _, bp := range bpmap.sorted() {
		if !bp.live() || bp.Patched {
			continue
		}
		if err := patch(mem, bp); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Remove deletes the user breakpoint with the given id, restoring the
// original instruction if it is written to memory.
func (bpmap *BreakpointMap) Remove(id int, mem MemoryReadWriter) (*Breakpoint, error) {
	bp := bpmap.byID(id)
	if bp == nil {
		return nil, &UnknownBreakpointError{ID: id}
	}
	if bp.IsInternal() {
		bp.Kind &^= UserBreakpoint
		bp.ID = 0
		return bp, nil
	}
	if bp.Patched && mem != nil {
		if err := unpatch(mem, bp); err != nil {
			return nil, err
		}
	}
	delete(bpmap.M, bp.Addr)
	return bp, nil
}

// Enable enables the user breakpoint with the given id.
func (bpmap *BreakpointMap) Enable(id int, mem MemoryReadWriter) (*Breakpoint, error) {
	bp := bpmap.byID(id)
	if bp == nil {
		return nil, &UnknownBreakpointError{ID: id}
	}
	if !bp.Patched && mem != nil {
		if err := patch(mem, bp); err != nil {
			return nil, err
		}
	}
	bp.Enabled = true
	return bp, nil
}

// Disable disables the user breakpoint with the given id, the breakpoint
// stays in the table.
func (bpmap *BreakpointMap) Disable(id int, mem MemoryReadWriter) (*Breakpoint, error) {
	bp := bpmap.byID(id)
	if bp == nil {
		return nil, &UnknownBreakpointError{ID: id}
	}
	if bp.Patched && !bp.IsInternal() && mem != nil {
		if err := unpatch(mem, bp); err != nil {
			return nil, err
		}
	}
	bp.Enabled = false
	return bp, nil
}

// SetInternal sets a NextBreakpoint at addr. Internal breakpoints do not
// consume user ids and share the patch of a user breakpoint at the same
// address.
func (bpmap *BreakpointMap) SetInternal(addr uint64, mem MemoryReadWriter) (*Breakpoint, error) {
	bp, ok := bpmap.M[addr]
	if !ok {
		bp = &Breakpoint{Addr: addr}
	}
	if !bp.Patched {
		if err := patch(mem, bp); err != nil {
			return nil, err
		}
	}
	bp.Kind |= NextBreakpoint
	bpmap.M[addr] = bp
	return bp, nil
}

// ClearInternal removes all internal breakpoints from the map, restoring
// memory for the ones that are not also enabled user breakpoints.
func (bpmap *BreakpointMap) ClearInternal(mem MemoryReadWriter) error {
	var firstErr error
	for addr, bp := range bpmap.M {
		if !bp.IsInternal() {
			continue
		}
		bp.Kind &^= NextBreakpoint
		if bp.live() {
			continue
		}
		if bp.Patched && mem != nil {
			if err := unpatch(mem, bp); err != nil {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
		}
		if bp.Kind == 0 {
			delete(bpmap.M, addr)
		}
	}
	return firstErr
}

// HasInternalBreakpoints returns true if bpmap has at least one internal
// breakpoint set.
func (bpmap *BreakpointMap) HasInternalBreakpoints() bool {
	for _, bp := range bpmap.M {
		if bp.IsInternal() {
			return true
		}
	}
	return false
}

// ResetPatches marks every breakpoint as pending, used after the inferior
// died. Internal breakpoints are dropped.
func (bpmap *BreakpointMap) ResetPatches() {
	for addr, bp := range bpmap.M {
		bp.Patched = false
		bp.Kind &^= NextBreakpoint
		if bp.Kind == 0 {
			delete(bpmap.M, addr)
		}
	}
}

// PatchedAt implements TrapSites.
func (bpmap *BreakpointMap) PatchedAt(addr uint64) (byte, bool) {
	bp, ok := bpmap.M[addr]
	if !ok || !bp.Patched {
		return 0, false
	}
	return bp.OriginalByte, true
}

// UserBreakpointAt returns the enabled user breakpoint at addr, if any.
func (bpmap *BreakpointMap) UserBreakpointAt(addr uint64) *Breakpoint {
	bp, ok := bpmap.M[addr]
	if !ok || !bp.IsUser() || !bp.Enabled {
		return nil
	}
	return bp
}

// Unpatch replaces, in a copy of the inferior's memory starting at addr,
// every trap instruction written by kdb with the original byte.
func (bpmap *BreakpointMap) Unpatch(buf []byte, addr uint64) {
	for _, bp := range bpmap.M {
		if bp.Patched && bp.Addr >= addr && bp.Addr < addr+uint64(len(buf)) {
			buf[bp.Addr-addr] = bp.OriginalByte
		}
	}
}

// Breakpoints returns the user breakpoints ordered by id.
func (bpmap *BreakpointMap) Breakpoints() []*Breakpoint {
	r := make([]*Breakpoint, 0, len(bpmap.M))
	for _, bp := range bpmap.M {
		if bp.IsUser() {
			r = append(r, bp)
		}
	}
	sort.Slice(r, func(i, j int) bool { return r[i].ID < r[j].ID })
	return r
}

func (bpmap *BreakpointMap) byID(id int) *Breakpoint {
	for _, bp := range bpmap.M {
		if bp.IsUser() && bp.ID == id {
			return bp
		}
	}
	return nil
}

func (bpmap *BreakpointMap) sorted() []*Breakpoint {
	r := make([]*Breakpoint, 0, len(bpmap.M))
	for _, bp := range bpmap.M {
		r = append(r, bp)
	}
	sort.Slice(r, func(i, j int) bool { return r[i].Addr < r[j].Addr })
	return r
}

// patch saves the byte at bp.Addr and replaces it with the trap
// instruction. On failure memory and bp are left unchanged.
func patch(mem MemoryReadWriter, bp *Breakpoint) error {
	var orig [1]byte
	if _, err := mem.ReadMemory(orig[:], bp.Addr); err != nil {
		return fmt.Errorf("could not read memory at %#x: %w", bp.Addr, err)
	}
	if _, err := mem.WriteMemory(bp.Addr, []byte{BreakpointInstruction}); err != nil {
		return fmt.Errorf("could not write breakpoint at %#x: %w", bp.Addr, err)
	}
	bp.OriginalByte = orig[0]
	bp.Patched = true
	return nil
}

func unpatch(mem MemoryReadWriter, bp *Breakpoint) error {
	if _, err := mem.WriteMemory(bp.Addr, []byte{bp.OriginalByte}); err != nil {
		return fmt.Errorf("could not clear breakpoint at %#x: %w", bp.Addr, err)
	}
	bp.Patched = false
	return nil
}
