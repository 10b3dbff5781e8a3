// Package local unwinds the stack of the calling goroutine.
//
// The register context is captured with a small assembly stub and the
// stack is read directly from memory, reads that fault return an error
// instead of crashing the process.
package local

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"sync"
	"unsafe"

	"github.com/go-delve/stackunwind/pkg/dwarf/frame"
	"github.com/go-delve/stackunwind/pkg/dwarf/op"
	"github.com/go-delve/stackunwind/pkg/logflags"
	"github.com/go-delve/stackunwind/pkg/proc"
)

// Options configures the local unwinders.
type Options struct {
	// MaxFrames caps the number of frames, 0 means proc.MaxFrames.
	MaxFrames int
	// MinAddr is the lowest address considered readable, 0 means
	// proc.DefaultMinAddr.
	MinAddr uint64
	// Modules is the module map of the current process. When nil CFI
	// enumerates the modules itself.
	Modules *proc.ModuleMap
}

func (opts Options) limits(arch *proc.Arch) proc.Limits {
	lim := arch.Limits()
	if opts.MinAddr != 0 {
		lim.MinAddr = opts.MinAddr
	}
	return lim
}

// Memory reads the memory of the current process.
type Memory struct{}

// ReadMemory copies len(buf) bytes at addr into buf. A read of unmapped
// memory returns an error.
func (Memory) ReadMemory(buf []byte, addr uint64) (n int, err error) {
	if len(buf) == 0 {
		return 0, nil
	}
	defer debug.SetPanicOnFault(debug.SetPanicOnFault(true))
	defer func() {
		if ierr := recover(); ierr != nil {
			n, err = 0, fmt.Errorf("could not read %d bytes at %#x: %v", len(buf), addr, ierr)
		}
	}()
	src := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), len(buf))
	return copy(buf, src), nil
}

// Space is the address space of the current process, as seen from the
// frame that captured regs.
type Space struct {
	Memory
	regs    *op.DwarfRegisters
	modules *proc.ModuleMap
}

// NewSpace returns the Space of the current process.
func NewSpace(regs *op.DwarfRegisters, modules *proc.ModuleMap) *Space {
	return &Space{regs: regs, modules: modules}
}

func (s *Space) Registers() (*op.DwarfRegisters, error) {
	if s.regs == nil {
		return nil, errors.New("no registers captured")
	}
	return s.regs.Clone(), nil
}

func (s *Space) FindModule(addr uint64) *proc.Module {
	return s.modules.Find(addr)
}

var (
	frameCacheOnce sync.Once
	frameCache     *proc.FrameCache
)

// sharedFrameCache returns the cache of the call frame information of the
// current process, kept across calls.
func sharedFrameCache() *proc.FrameCache {
	frameCacheOnce.Do(func() {
		frameCache, _ = proc.NewFrameCache(proc.DefaultFrameCacheSize)
	})
	return frameCache
}

// stackReserve is how much free stack space is made available before
// walking the stack of the current goroutine.
const stackReserve = 64 << 10

var growIndex = 0

// growStack makes sure the stack has stackReserve free bytes so that the
// runtime does not move it while it is being read.
//
//go:noinline
func growStack() byte {
	var buf [stackReserve]byte
	buf[growIndex] = 1
	return buf[len(buf)-1-growIndex]
}

// FramePointer walks the frame pointer chain of the calling goroutine. The
// first frame is the return address into the caller of FramePointer, skip
// drops that many more frames. It never fails.
//
//go:noinline
func FramePointer(skip int, opts Options) proc.Stack {
	growStack()
	_, _, fp, _ := getcontext()
	arch, err := proc.NativeArch()
	if err != nil {
		return nil
	}
	return proc.WalkFramePointers(Memory{}, arch, fp, proc.WalkOptions{
		Limits:    opts.limits(arch),
		MaxFrames: opts.MaxFrames,
		Skip:      skip,
	})
}

// CFI unwinds the calling goroutine using call frame information. The first
// frame is the return address into the caller of CFI, skip drops that many
// more frames. Frames in Go code are named using the runtime symbol table.
// A walk that can not continue is truncated, only failing to set up the
// walk is an error.
//
//go:noinline
func CFI(skip int, opts Options) (proc.Stack, error) {
	growStack()
	pc, sp, fp, lr := getcontext()
	arch, err := proc.NativeArch()
	if err != nil {
		return nil, proc.NewError(proc.UnwindInitFailed, 0, "capture context", err)
	}
	if pc == 0 || sp == 0 {
		return nil, proc.NewError(proc.UnwindInitFailed, 0, "capture context", errors.New("empty register context"))
	}

	modules := opts.Modules
	if modules == nil {
		modules, err = proc.LoadModules(os.Getpid())
		if err != nil {
			return nil, proc.NewError(proc.UnwindInitFailed, 0, "load modules", err)
		}
	}
	exe := modules.Find(pc)
	if exe == nil {
		return nil, proc.NewError(proc.UnwindInitFailed, 0, "load modules", fmt.Errorf("no module contains %#x", pc))
	}
	tables, err := proc.NewFrameTables(modules, sharedFrameCache())
	if err != nil {
		return nil, proc.NewError(proc.UnwindInitFailed, 0, "load frame tables", err)
	}
	logger := logflags.UnwindLogger()
	if err := tables.Load(exe); err != nil {
		if !errors.Is(err, frame.ErrNoFrameInfo) {
			return nil, proc.NewError(proc.UnwindInitFailed, 0, "load frame tables", err)
		}
		logger.Debugf("%s has no call frame information, following frame pointers", exe.Path)
	}

	space := NewSpace(arch.NewRegisters(pc, sp, fp, lr), modules)
	regs, _ := space.Registers()
	it := proc.NewStackIterator(arch, space, tables, regs, proc.IteratorOptions{Limits: opts.limits(arch)})
	// The innermost frame is CFI itself.
	stack := it.Stack(opts.MaxFrames, skip+1)
	if err := it.Err(); err != nil {
		logger.Debugf("local unwind truncated after %d frames: %v", len(stack), err)
	}
	for i := range stack {
		f := &stack[i]
		if m := space.FindModule(f.PC); m != nil {
			f.Module = m.Path
		}
		NameFrame(f)
	}
	return stack, nil
}

// NameFrame fills in the function, file and line of f using the runtime
// symbol table. Frames outside of Go code are left unchanged.
func NameFrame(f *proc.Frame) {
	pc := f.LookupPC()
	fn := runtime.FuncForPC(uintptr(pc))
	if fn == nil {
		return
	}
	f.Fn = fn.Name()
	f.Offset = f.PC - uint64(fn.Entry())
	file, line := fn.FileLine(uintptr(pc))
	if file != "" && file != "?" {
		f.File = filepath.Base(file)
		f.Line = line
	}
}

// Runtime returns the stack of the caller of Runtime as reported by the Go
// runtime, with inlined calls expanded. skip drops that many more frames.
func Runtime(skip int, opts Options) proc.Stack {
	max := opts.MaxFrames
	if max <= 0 || max > proc.MaxFrames {
		max = proc.MaxFrames
	}
	pcs := make([]uintptr, max+skip)
	// 0 is runtime.Callers, 1 is Runtime.
	n := runtime.Callers(2, pcs)
	exe, _ := os.Executable()

	b := proc.NewStackBuilder(max)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		fr, more := frames.Next()
		if skip > 0 {
			skip--
		} else if !b.Append(runtimeFrame(fr, exe)) {
			break
		}
		if !more {
			break
		}
	}
	return b.Stack()
}

func runtimeFrame(fr runtime.Frame, exe string) proc.Frame {
	f := proc.Frame{PC: uint64(fr.PC), Fn: fr.Function, Line: fr.Line}
	if fr.File != "" {
		f.File = filepath.Base(fr.File)
	}
	if fr.Entry != 0 {
		f.Offset = uint64(fr.PC - fr.Entry)
	}
	if fr.Func != nil || fr.Function != "" {
		f.Module = exe
	}
	return f
}
