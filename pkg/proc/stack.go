package proc

import (
	"encoding/binary"
	"fmt"

	"github.com/kdbg/kdb/pkg/dwarf/op"
)

// DefaultMaxStackDepth is the depth bound used when StacktraceOptions
// does not specify one.
const DefaultMaxStackDepth = 1024

// Location represents a program location.
type Location struct {
	PC   uint64
	File string
	Line int
	Fn   *Function
}

// Stackframe represents a frame in a system stack.
type Stackframe struct {
	// Address the function above this one on the call stack will return to.
	Current Location
	// Address of the call instruction for the function above on the call stack.
	Call Location
	// Values of the frame pointer and stack pointer registers in this frame.
	BP, SP uint64
	// Start address of the stack frame.
	CFA int64
	// Return address for this stack frame (as read from the stack frame itself).
	Ret uint64
}

// FrameBase evaluates the frame base of the function of frame.
func (frame *Stackframe) FrameBase(bi *BinaryInfo) (uint64, error) {
	if frame.Current.Fn == nil {
		return 0, &OutOfRangeError{Addr: frame.Current.PC}
	}
	return bi.FrameBase(frame.Current.Fn, op.DwarfRegisters{CFA: frame.CFA, BP: frame.BP, SP: frame.SP})
}

// StacktraceOptions configures Stacktrace.
type StacktraceOptions struct {
	// Boundary is the name of the outermost function, "main" if empty.
	Boundary string
	// MaxDepth is the maximum number of frames returned.
	MaxDepth int
	// Sites is used to read instructions without trap bytes.
	Sites TrapSites
}

type stackIterator struct {
	pc, sp, bp uint64
	top        bool
	atend      bool
	err        error

	frame Stackframe

	mem  MemoryReader
	bi   *BinaryInfo
	opts StacktraceOptions
}

// Stacktrace walks the frame pointer chain starting at the stopped
// location described by regs. Frames are returned innermost first.
// When the chain is deeper than opts.MaxDepth or not monotonic the frames
// read so far are returned along with ErrStackCorrupted.
func Stacktrace(mem MemoryReader, regs Registers, bi *BinaryInfo, opts StacktraceOptions) ([]Stackframe, error) {
	if opts.Boundary == "" {
		opts.Boundary = "main"
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = DefaultMaxStackDepth
	}
	it := &stackIterator{pc: regs.PC(), sp: regs.SP(), bp: regs.BP(), top: true, mem: mem, bi: bi, opts: opts}

	frames := make([]Stackframe, 0, 8)
	for it.Next() {
		if len(frames) >= opts.MaxDepth {
			return frames, fmt.Errorf("%w: more than %d frames", ErrStackCorrupted, opts.MaxDepth)
		}
		frames = append(frames, it.Frame())
	}
	return frames, it.Err()
}

func (it *stackIterator) readUint64(addr uint64) (uint64, error) {
	var buf [8]byte
	if _, err := it.mem.ReadMemory(buf[:], addr); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func (it *stackIterator) newLocation(pc, lookup uint64) Location {
	loc := Location{PC: pc}
	loc.Fn, _ = it.bi.PCToFunc(lookup)
	loc.File, loc.Line, _ = it.bi.PCToLine(lookup)
	return loc
}

// Next reads the next frame, it returns false when the walk is over.
func (it *stackIterator) Next() bool {
	if it.err != nil || it.atend {
		return false
	}

	lookup := it.pc
	if !it.top {
		// Return addresses point after the call instruction.
		lookup = it.pc - 1
	}
	frame := Stackframe{
		Current: it.newLocation(it.pc, lookup),
		BP:      it.bp,
		SP:      it.sp,
	}
	frame.Call = frame.Current
	frame.Call.PC = lookup

	boundary := frame.Call.Fn != nil && frame.Call.Fn.Name == it.opts.Boundary

	state := prologueDone
	if it.top {
		state = analyzePrologue(it.mem, it.opts.Sites, frame.Current.Fn, it.pc)
	}

	var (
		ret, callerBP uint64
		err           error
	)
	switch state {
	case prologueNotStarted:
		frame.CFA = int64(it.sp + 8)
		ret, err = it.readUint64(it.sp)
		callerBP = it.bp
	case prologueBPPushed:
		frame.CFA = int64(it.sp + 16)
		ret, err = it.readUint64(it.sp + 8)
		callerBP = it.bp
	default:
		frame.CFA = int64(it.bp + 16)
		if it.bp == 0 {
			err = fmt.Errorf("frame pointer is zero")
			break
		}
		ret, err = it.readUint64(it.bp + 8)
		if boundary {
			// The caller of the boundary function may not keep a frame
			// pointer, its saved value is not read.
			break
		}
		if err == nil {
			callerBP, err = it.readUint64(it.bp)
		}
		if err == nil && callerBP != 0 && callerBP <= it.bp {
			frame.Ret = ret
			it.frame = frame
			it.err = fmt.Errorf("%w: frame pointer %#x is not above %#x", ErrStackCorrupted, callerBP, it.bp)
			it.atend = true
			return true
		}
	}
	frame.Ret = ret
	it.frame = frame

	switch {
	case err != nil, ret == 0:
		it.atend = true
	case boundary:
		it.atend = true
	}

	it.top = false
	it.pc = ret
	it.sp = uint64(frame.CFA)
	it.bp = callerBP
	return true
}

// Frame returns the frame after a call to Next returned true.
func (it *stackIterator) Frame() Stackframe {
	return it.frame
}

// Err returns the error encountered during stack iteration.
func (it *stackIterator) Err() error {
	return it.err
}
