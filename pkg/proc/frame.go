package proc

import (
	"fmt"
	"io"
)

// MaxFrames is the maximum number of frames collected by any unwind.
const MaxFrames = 100

// Frame is one entry of an unwound stack.
type Frame struct {
	// PC is the program counter of the frame. For every frame except the
	// innermost one of a CFI unwind this is a return address.
	PC uint64
	// SP is the stack pointer of the frame (the CFA of the callee), only
	// meaningful when HasSP is set.
	SP    uint64
	HasSP bool

	Fn     string // symbol name, empty if unknown
	Offset uint64 // PC minus the start of Fn
	Module string // path of the module containing PC
	File   string // basename of the source file
	Line   int

	// Return is set when PC is a return address, symbol and line lookups
	// must then use PC-1 to land inside the call instruction.
	Return bool
}

// LookupPC returns the address that should be used to look up the
// function and line of f.
func (f *Frame) LookupPC() uint64 {
	if f.Return && f.PC > 0 {
		return f.PC - 1
	}
	return f.PC
}

// String renders f as "fn (file:line)" when a source location is known,
// "fn+0xOFF" when only the symbol is known and "<unknown>" otherwise, a
// source location without a function is not rendered.
func (f Frame) String() string {
	switch {
	case f.Fn != "" && f.File != "":
		return fmt.Sprintf("%s (%s:%d)", f.Fn, f.File, f.Line)
	case f.Fn != "":
		return fmt.Sprintf("%s+%#x", f.Fn, f.Offset)
	default:
		return "<unknown>"
	}
}

// Extended renders f prefixed by its PC and, when known, its SP.
func (f Frame) Extended() string {
	if f.HasSP {
		return fmt.Sprintf("0x%016x sp=0x%016x %s", f.PC, f.SP, f.String())
	}
	return fmt.Sprintf("0x%016x %s", f.PC, f.String())
}

// BacktraceSymbol renders f the way backtrace_symbols(3) does:
// "module(fn+0xOFF) [0xPC]".
func (f Frame) BacktraceSymbol() string {
	switch {
	case f.Module != "" && f.Fn != "":
		return fmt.Sprintf("%s(%s+%#x) [%#x]", f.Module, f.Fn, f.Offset, f.PC)
	case f.Module != "":
		return fmt.Sprintf("%s [%#x]", f.Module, f.PC)
	default:
		return fmt.Sprintf("[%#x]", f.PC)
	}
}

// Stack is a snapshot of unwound frames, innermost first.
type Stack []Frame

// PCs returns the program counters of s.
func (s Stack) PCs() []uint64 {
	r := make([]uint64, len(s))
	for i := range s {
		r[i] = s[i].PC
	}
	return r
}

// BacktraceSymbols renders every frame with BacktraceSymbol.
func (s Stack) BacktraceSymbols() []string {
	r := make([]string, len(s))
	for i := range s {
		r[i] = s[i].BacktraceSymbol()
	}
	return r
}

// Format writes one "#N text" line per frame of s to w.
func (s Stack) Format(w io.Writer, extended bool) error {
	for i, f := range s {
		text := f.String()
		if extended {
			text = f.Extended()
		}
		if _, err := fmt.Fprintf(w, "#%-2d %s\n", i, text); err != nil {
			return err
		}
	}
	return nil
}

// StackBuilder accumulates frames up to a fixed capacity.
// Once a frame is appended it is never modified.
type StackBuilder struct {
	frames Stack
	max    int
}

// NewStackBuilder returns a builder that holds at most max frames. A max
// outside of (0, MaxFrames] means MaxFrames.
func NewStackBuilder(max int) *StackBuilder {
	if max <= 0 || max > MaxFrames {
		max = MaxFrames
	}
	return &StackBuilder{frames: make(Stack, 0, max), max: max}
}

// Append adds f to the stack. It returns false, without adding f, if the
// builder is full.
func (b *StackBuilder) Append(f Frame) bool {
	if b.Full() {
		return false
	}
	b.frames = append(b.frames, f)
	return true
}

// Full reports whether the builder reached its capacity.
func (b *StackBuilder) Full() bool {
	return len(b.frames) >= b.max
}

// Len returns the number of frames appended so far.
func (b *StackBuilder) Len() int {
	return len(b.frames)
}

// Stack returns a copy of the frames appended so far.
func (b *StackBuilder) Stack() Stack {
	r := make(Stack, len(b.frames))
	copy(r, b.frames)
	return r
}
