package remote

import (
	"os"

	"github.com/go-delve/stackunwind/pkg/proc"
)

// stackCacheSize is the amount of stack above SP read at once before a
// thread is walked. Frames further up are read word by word.
const stackCacheSize = 16 << 10

// CFIStrategy unwinds with the call frame information of the target's
// modules. Frames carry their stack pointer.
type CFIStrategy struct{}

func (CFIStrategy) Name() string { return "cfi" }

func (CFIStrategy) Unwind(s *Session) (proc.Stack, error) {
	opts := proc.IteratorOptions{Limits: s.Limits()}
	return s.unwindThreads(s.cfg.AllThreads, func(tid int) (proc.Stack, error) {
		return s.walk(tid, s.frames, opts, true)
	})
}

// ThreadFramesStrategy walks every stopped thread using the frame tables
// of the resolver. Functions without call frame information are only
// stepped through by frame pointer when their prologue sets one up.
// Frames carry no stack pointer.
type ThreadFramesStrategy struct{}

func (ThreadFramesStrategy) Name() string { return "threads" }

func (ThreadFramesStrategy) Unwind(s *Session) (proc.Stack, error) {
	opts := proc.IteratorOptions{
		Limits:               s.Limits(),
		FramePointerFallback: s.framePointerPrologue(),
	}
	return s.unwindThreads(true, func(tid int) (proc.Stack, error) {
		return s.walk(tid, s.resolver, opts, false)
	})
}

// unwindThreads unwinds the main thread and, if all is set, every other
// attached thread, recording each stack in the session.
func (s *Session) unwindThreads(all bool, unwind func(tid int) (proc.Stack, error)) (proc.Stack, error) {
	main, err := unwind(s.pid)
	s.record(s.pid, main)
	if err != nil || !all {
		return main, err
	}
	for _, tid := range s.lease.Threads() {
		if tid == s.pid {
			continue
		}
		stack, err := unwind(tid)
		if ctxErr := s.ctx.Err(); ctxErr != nil {
			return main, ctxErr
		}
		if err != nil {
			s.logger.Debugf("thread %d: %v", tid, err)
			continue
		}
		s.record(tid, stack)
	}
	return main, nil
}

// walk unwinds thread tid. Only a failure to read the registers of the
// main thread or the cancellation of the session are errors.
func (s *Session) walk(tid int, fdes proc.FDESource, opts proc.IteratorOptions, withSP bool) (proc.Stack, error) {
	space := s.space.Thread(tid)
	regs, err := space.Registers()
	if err != nil {
		if tid == s.pid {
			return nil, proc.NewError(proc.UnwindInitFailed, s.pid, "registers", err)
		}
		return nil, err
	}
	it := proc.NewStackIterator(s.arch, cacheStack(space, regs.SP()), fdes, regs, opts)
	b := proc.NewStackBuilder(s.cfg.MaxFrames)
	for !b.Full() && it.Next() {
		if err := s.ctx.Err(); err != nil {
			stack := b.Stack()
			s.resolver.Symbolize(stack)
			return stack, err
		}
		f := it.Frame()
		if !withSP {
			f.SP, f.HasSP = 0, false
		}
		b.Append(f)
	}
	if err := it.Err(); err != nil {
		s.logger.Debugf("thread %d: unwind truncated after %d frames: %v", tid, b.Len(), err)
	}
	stack := b.Stack()
	s.resolver.Symbolize(stack)
	return stack, nil
}

// cacheStack returns mem with the stack above sp cached. The stack may end
// less than stackCacheSize bytes above sp, then only the page of sp is
// cached.
func cacheStack(mem proc.MemoryReader, sp uint64) proc.MemoryReader {
	if c := proc.CacheMemory(mem, sp, stackCacheSize); c != mem {
		return c
	}
	pageSize := uint64(os.Getpagesize())
	return proc.CacheMemory(mem, sp, int(pageSize-sp%pageSize))
}

// framePointerPrologue returns a predicate reporting whether the function
// containing pc sets up a frame pointer. Results are cached per function.
func (s *Session) framePointerPrologue() func(pc uint64) bool {
	cache := map[uint64]bool{}
	mem := proc.CheckedReader{Mem: s.space, Limits: s.Limits()}
	return func(pc uint64) bool {
		entry, ok := s.resolver.FunctionEntry(pc)
		if !ok {
			s.logger.Debugf("%#x: no function, not following the frame pointer", pc)
			return false
		}
		if r, ok := cache[entry]; ok {
			return r
		}
		code := make([]byte, proc.PrologueSize)
		n, err := mem.ReadMemory(code, entry)
		if err != nil {
			// the function may end less than PrologueSize bytes before an
			// unmapped page
			code = code[:proc.PrologueSize/4]
			n, err = mem.ReadMemory(code, entry)
		}
		r := err == nil && s.arch.HasFramePointerPrologue(code[:n])
		cache[entry] = r
		return r
	}
}
