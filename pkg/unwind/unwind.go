// Package unwind captures stack traces of the calling goroutine and of
// other processes.
//
// The local operations return frames starting at the return address into
// the caller of the operation:
//
//	FramePointer   follows the saved frame pointer chain, never fails
//	CFI            steps with the call frame information of the modules
//	Symbolicated   CFI plus function, file and line of every frame
//	Runtime        the Go runtime's own traceback
//
// Remote attaches to another process with ptrace, unwinds it and resumes
// it before returning.
package unwind

import (
	"context"
	"os"

	"github.com/go-delve/stackunwind/pkg/proc"
	"github.com/go-delve/stackunwind/pkg/proc/local"
	"github.com/go-delve/stackunwind/pkg/remote"
	"github.com/go-delve/stackunwind/pkg/symbolize"
)

// Options bounds an unwind. The zero value uses proc.MaxFrames and
// proc.DefaultMinAddr.
type Options struct {
	MaxFrames int
	MinAddr   uint64
}

func (o Options) local() local.Options {
	return local.Options{MaxFrames: o.MaxFrames, MinAddr: o.MinAddr}
}

// FramePointer walks the frame pointer chain of the calling goroutine.
//
//go:noinline
func FramePointer() proc.Stack {
	return local.FramePointer(1, local.Options{})
}

// FramePointer is like the package level FramePointer bounded by o.
//
//go:noinline
func (o Options) FramePointer() proc.Stack {
	return local.FramePointer(1, o.local())
}

// CFI unwinds the calling goroutine with call frame information. It fails
// with proc.ErrUnwindInitFailed if the register context or the frame
// tables of the executable can not be obtained.
//
//go:noinline
func CFI() (proc.Stack, error) {
	return local.CFI(1, local.Options{})
}

// CFI is like the package level CFI bounded by o.
//
//go:noinline
func (o Options) CFI() (proc.Stack, error) {
	return local.CFI(1, o.local())
}

// Symbolicated is CFI with every frame resolved through the symbol tables
// and debug information of the modules of the current process. It fails
// with proc.ErrDebugInfoInitFailed if the modules can not be enumerated.
//
//go:noinline
func Symbolicated(cfg symbolize.Config) (proc.Stack, error) {
	return symbolicated(cfg, Options{})
}

// Symbolicated is like the package level Symbolicated bounded by o.
//
//go:noinline
func (o Options) Symbolicated(cfg symbolize.Config) (proc.Stack, error) {
	return symbolicated(cfg, o)
}

//go:noinline
func symbolicated(cfg symbolize.Config, o Options) (proc.Stack, error) {
	modules, err := proc.LoadModules(os.Getpid())
	if err != nil {
		return nil, proc.NewError(proc.DebugInfoInitFailed, 0, "load modules", err)
	}
	lopts := o.local()
	lopts.Modules = modules
	// skip symbolicated and its exported caller
	stack, err := local.CFI(2, lopts)
	if err != nil {
		return nil, err
	}
	r := symbolize.New(cfg, modules)
	defer r.Close()
	r.Symbolize(stack)
	return stack, nil
}

// Runtime returns the traceback of the calling goroutine as reported by
// the Go runtime. Frames are named and carry their module.
//
//go:noinline
func Runtime() proc.Stack {
	return local.Runtime(1, local.Options{})
}

// RemoteOptions configures Remote.
type RemoteOptions struct {
	// Strategy defaults to remote.CFIStrategy.
	Strategy remote.RemoteUnwindStrategy
	Config   remote.Config
}

// Remote unwinds the main thread of process pid. The target is stopped for
// the duration of the call only.
func Remote(ctx context.Context, pid int, opts RemoteOptions) (proc.Stack, error) {
	strategy := opts.Strategy
	if strategy == nil {
		strategy = remote.CFIStrategy{}
	}
	return remote.Unwind(ctx, pid, strategy, opts.Config)
}
