// Package native controls foreign processes with ptrace(2) for the time
// it takes to unwind their stacks.
//
// A Lease is the exclusive right to trace one process. While a lease is
// held the target is stopped and its memory and registers can be read;
// releasing the lease resumes the target.
package native

import (
	"errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/go-delve/stackunwind/pkg/dwarf/op"
	"github.com/go-delve/stackunwind/pkg/logflags"
	"github.com/go-delve/stackunwind/pkg/proc"
)

// State is the lifecycle state of a Lease.
type State uint8

const (
	Detached State = iota
	Attaching
	Stopped
)

func (s State) String() string {
	switch s {
	case Detached:
		return "detached"
	case Attaching:
		return "attaching"
	case Stopped:
		return "stopped"
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// registry holds the pids that are currently leased by this process.
var registry = struct {
	sync.Mutex
	leases map[int]*Lease
}{leases: map[int]*Lease{}}

func reserve(l *Lease) error {
	registry.Lock()
	defer registry.Unlock()
	if _, held := registry.leases[l.pid]; held {
		return proc.NewError(proc.LeaseConflict, l.pid, "attach", nil)
	}
	registry.leases[l.pid] = l
	return nil
}

func release(l *Lease) {
	registry.Lock()
	defer registry.Unlock()
	if registry.leases[l.pid] == l {
		delete(registry.leases, l.pid)
	}
}

// Lease is an attachment to a stopped process. All ptrace requests of a
// lease are issued from one goroutine locked to its OS thread, Linux only
// accepts requests from the thread that attached.
type Lease struct {
	pid int

	mu      sync.Mutex // guards everything below
	state   State
	threads []int // attached thread ids, the thread group leader first

	ptraceChan     chan func()
	ptraceDoneChan chan struct{}

	os     *osLeaseDetails
	logger logflags.Logger
}

// ErrNotStopped is returned by the accessors of a Lease that is not in
// the Stopped state.
var ErrNotStopped = errors.New("process is not stopped")

func newLease(pid int) *Lease {
	return &Lease{
		pid:    pid,
		os:     new(osLeaseDetails),
		logger: logflags.PtraceLogger(),
	}
}

// startPtraceThread starts the goroutine that executes ptrace requests.
func (l *Lease) startPtraceThread() {
	l.ptraceChan = make(chan func())
	l.ptraceDoneChan = make(chan struct{})
	go l.handlePtraceFuncs()
}

func (l *Lease) handlePtraceFuncs() {
	// ptrace(2) expects every request after PTRACE_ATTACH to come from the
	// same thread. The thread is never unlocked: it exits together with
	// the goroutine and is not reused by the scheduler.
	runtime.LockOSThread()

	for fn := range l.ptraceChan {
		fn()
		l.ptraceDoneChan <- struct{}{}
	}
}

func (l *Lease) execPtraceFunc(fn func()) {
	l.ptraceChan <- fn
	<-l.ptraceDoneChan
}

// shutdown stops the ptrace goroutine and gives the pid back to the
// registry.
func (l *Lease) shutdown() {
	if l.ptraceChan != nil {
		close(l.ptraceChan)
		l.ptraceChan = nil
	}
	l.threads = nil
	l.state = Detached
	release(l)
}

// Pid returns the leased process.
func (l *Lease) Pid() int {
	return l.pid
}

// State returns the state of the lease.
func (l *Lease) State() State {
	if l == nil {
		return Detached
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Threads returns the ids of the attached threads, the main thread first.
func (l *Lease) Threads() []int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]int(nil), l.threads...)
}

// Detach detaches every thread of the target and lets it run again. It
// is a no-op on a lease that is already detached.
func (l *Lease) Detach() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == Detached || l.ptraceChan == nil {
		return nil
	}
	err := l.detach()
	l.shutdown()
	if err != nil {
		l.logger.Errorf("detaching from %d: %v", l.pid, err)
		return fmt.Errorf("detach %d: %w", l.pid, err)
	}
	l.logger.Debugf("detached from %d", l.pid)
	return nil
}

func (l *Lease) checkThread(tid int) error {
	if l.state != Stopped {
		return fmt.Errorf("%w: %s", ErrNotStopped, l.state)
	}
	for _, t := range l.threads {
		if t == tid {
			return nil
		}
	}
	return fmt.Errorf("thread %d of %d is not attached", tid, l.pid)
}

// Registers returns the register file of thread tid.
func (l *Lease) Registers(tid int) (*op.DwarfRegisters, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkThread(tid); err != nil {
		return nil, err
	}
	return l.registers(tid)
}

// ReadMemory reads the memory of the target at addr.
func (l *Lease) ReadMemory(buf []byte, addr uint64) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != Stopped {
		return 0, fmt.Errorf("%w: %s", ErrNotStopped, l.state)
	}
	return l.readMemory(buf, addr)
}
