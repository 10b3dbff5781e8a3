// Package remote unwinds the stacks of other processes.
//
// Unwind attaches to the target, hands a Session to a
// RemoteUnwindStrategy and always detaches before returning, so the
// target keeps running whether or not the unwind succeeded.
package remote

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-delve/stackunwind/pkg/logflags"
	"github.com/go-delve/stackunwind/pkg/proc"
	"github.com/go-delve/stackunwind/pkg/proc/native"
	"github.com/go-delve/stackunwind/pkg/symbolize"
)

// Config configures a remote unwind.
type Config struct {
	Symbolize symbolize.Config
	// MaxFrames caps the frames of every thread, 0 means proc.MaxFrames.
	MaxFrames int
	// MinAddr is the lowest address read from the target, 0 means
	// proc.DefaultMinAddr.
	MinAddr uint64
	// AllThreads unwinds every thread of the target, not only the main
	// one.
	AllThreads bool
}

// RemoteUnwindStrategy unwinds the threads of a stopped process.
type RemoteUnwindStrategy interface {
	// Name identifies the strategy on the command line.
	Name() string
	// Unwind returns the stack of the main thread of the session. A walk
	// that can not continue is truncated, errors are reserved for
	// failures that leave nothing to return.
	Unwind(s *Session) (proc.Stack, error)
}

// StrategyByName returns the strategy called name.
func StrategyByName(name string) (RemoteUnwindStrategy, error) {
	for _, s := range []RemoteUnwindStrategy{CFIStrategy{}, ThreadFramesStrategy{}} {
		if s.Name() == name {
			return s, nil
		}
	}
	return nil, fmt.Errorf("unknown remote strategy %q", name)
}

// ThreadStack is the stack of one thread of the target.
type ThreadStack struct {
	Tid   int
	Stack proc.Stack
}

// Session is the state of one remote unwind: the lease on the target and
// what was learned about it. It is only valid during Unwind.
type Session struct {
	ctx      context.Context
	cfg      Config
	pid      int
	arch     *proc.Arch
	lease    *native.Lease
	space    *native.Space
	modules  *proc.ModuleMap
	frames   *proc.FrameTables
	resolver *symbolize.Resolver
	threads  []ThreadStack
	logger   logflags.Logger
}

// Context returns the context of the unwind.
func (s *Session) Context() context.Context { return s.ctx }

// Pid returns the target process.
func (s *Session) Pid() int { return s.pid }

// Arch returns the architecture of the target.
func (s *Session) Arch() *proc.Arch { return s.arch }

// Lease returns the lease on the target.
func (s *Session) Lease() *native.Lease { return s.lease }

// Space returns the address space of the target, seen from its main
// thread.
func (s *Session) Space() *native.Space { return s.space }

// Modules returns the modules mapped by the target.
func (s *Session) Modules() *proc.ModuleMap { return s.modules }

// Resolver returns the resolver for the modules of the target.
func (s *Session) Resolver() *symbolize.Resolver { return s.resolver }

// Threads returns the stacks recorded for each thread, main thread first.
func (s *Session) Threads() []ThreadStack {
	return append([]ThreadStack(nil), s.threads...)
}

// Limits returns the address range reads of the target are checked
// against.
func (s *Session) Limits() proc.Limits {
	lim := s.arch.Limits()
	if s.cfg.MinAddr != 0 {
		lim.MinAddr = s.cfg.MinAddr
	}
	return lim
}

func (s *Session) record(tid int, stack proc.Stack) {
	s.threads = append(s.threads, ThreadStack{Tid: tid, Stack: stack})
}

// Unwind attaches to pid, unwinds its main thread with strategy and
// detaches. The target is resumed before Unwind returns, a detach error is
// joined to the returned error.
func Unwind(ctx context.Context, pid int, strategy RemoteUnwindStrategy, cfg Config) (proc.Stack, error) {
	var stack proc.Stack
	err := run(ctx, pid, strategy, cfg, func(s *Session, main proc.Stack) {
		stack = main
	})
	return stack, err
}

// UnwindAll is like Unwind but returns the stacks of all threads of the
// target.
func UnwindAll(ctx context.Context, pid int, strategy RemoteUnwindStrategy, cfg Config) ([]ThreadStack, error) {
	cfg.AllThreads = true
	var threads []ThreadStack
	err := run(ctx, pid, strategy, cfg, func(s *Session, main proc.Stack) {
		threads = s.Threads()
		if len(threads) == 0 && main != nil {
			threads = []ThreadStack{{Tid: pid, Stack: main}}
		}
	})
	return threads, err
}

func run(ctx context.Context, pid int, strategy RemoteUnwindStrategy, cfg Config, done func(*Session, proc.Stack)) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	logger := logflags.RemoteLogger()
	arch, err := proc.NativeArch()
	if err != nil {
		return proc.NewError(proc.Unsupported, pid, "unwind", err)
	}

	lease, err := native.Attach(pid)
	if err != nil {
		return err
	}
	defer func() {
		if derr := lease.Detach(); derr != nil {
			err = errors.Join(err, derr)
		}
	}()

	modules, err := proc.LoadModules(pid)
	if err != nil {
		return proc.NewError(proc.ModuleEnumerationFailed, pid, "load modules", err)
	}
	space := native.NewSpace(lease, pid, modules)
	if _, err := space.Registers(); err != nil {
		return proc.NewError(proc.UnwindInitFailed, pid, "registers", err)
	}
	frames, err := proc.NewFrameTables(modules, nil)
	if err != nil {
		return proc.NewError(proc.UnwindInitFailed, pid, "frame tables", err)
	}

	s := &Session{
		ctx:      ctx,
		cfg:      cfg,
		pid:      pid,
		arch:     arch,
		lease:    lease,
		space:    space,
		modules:  modules,
		frames:   frames,
		resolver: symbolize.New(cfg.Symbolize, modules),
		logger:   logger,
	}
	defer s.resolver.Close()

	logger.Debugf("unwinding %d with %s, %d modules, threads %v", pid, strategy.Name(), len(modules.Modules()), lease.Threads())
	main, err := strategy.Unwind(s)
	done(s, main)
	return err
}
