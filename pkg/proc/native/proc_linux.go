package native

import (
	"errors"
	"fmt"
	"syscall"
	"time"

	"github.com/prometheus/procfs"
	sys "golang.org/x/sys/unix"

	"github.com/go-delve/stackunwind/pkg/proc"
)

// OS specific information about the leased process.
type osLeaseDetails struct {
	// wasStopped is set if the process was in a job control stop before
	// it was attached.
	wasStopped bool
	// pending holds, per thread, a stop signal other than SIGSTOP that was
	// intercepted while attaching. It is delivered again on detach.
	pending map[int]syscall.Signal
}

const (
	statusTraceStop = 't'
	statusStopped   = 'T'
)

// processState returns the state letter of /proc/<pid>/stat, or 0 if it
// can not be read.
func processState(pid int) byte {
	p, err := procfs.NewProc(pid)
	if err != nil {
		return 0
	}
	stat, err := p.Stat()
	if err != nil || stat.State == "" {
		return 0
	}
	return stat.State[0]
}

// threadIDs lists /proc/<pid>/task.
func threadIDs(pid int) ([]int, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, err
	}
	threads, err := fs.AllThreads(pid)
	if err != nil {
		return nil, err
	}
	tids := make([]int, 0, len(threads))
	for _, t := range threads {
		tids = append(tids, t.PID)
	}
	return tids, nil
}

// Attach stops the process pid and every one of its threads and returns
// a lease on it. The process keeps running unchanged if Attach fails.
func Attach(pid int) (*Lease, error) {
	if pid <= 0 {
		return nil, proc.NewError(proc.AttachFailed, pid, "attach", fmt.Errorf("invalid pid %d", pid))
	}
	l := newLease(pid)
	if err := reserve(l); err != nil {
		return nil, err
	}
	l.state = Attaching
	l.os.wasStopped = processState(pid) == statusStopped
	l.startPtraceThread()

	var err error
	l.execPtraceFunc(func() { err = sys.PtraceAttach(pid) })
	if err != nil {
		l.shutdown()
		return nil, proc.NewError(proc.AttachFailed, pid, "attach", err)
	}
	l.threads = append(l.threads, pid)
	l.logger.Debugf("attached to %d", pid)

	if err := l.waitStop(pid); err != nil {
		if derr := l.detach(); derr != nil {
			err = errors.Join(err, derr)
		}
		l.shutdown()
		return nil, err
	}

	tids, err := threadIDs(pid)
	if err != nil {
		l.logger.Debugf("could not list threads of %d: %v", pid, err)
	}
	for _, tid := range tids {
		if tid != pid {
			l.addThread(tid)
		}
	}
	l.state = Stopped
	return l, nil
}

// waitStop waits for tid to enter the stop caused by PTRACE_ATTACH.
func (l *Lease) waitStop(tid int) error {
	var ws sys.WaitStatus
	var err error
	for {
		_, err = sys.Wait4(tid, &ws, sys.WALL, nil)
		if err != sys.EINTR {
			break
		}
	}
	switch {
	case err != nil:
		return proc.NewError(proc.WaitFailed, l.pid, "wait", err)
	case ws.Exited():
		l.forget(tid)
		return proc.NewError(proc.UnexpectedProcessState, l.pid, "wait", fmt.Errorf("thread %d exited with status %d", tid, ws.ExitStatus()))
	case ws.Signaled():
		l.forget(tid)
		return proc.NewError(proc.UnexpectedProcessState, l.pid, "wait", fmt.Errorf("thread %d killed by %v", tid, ws.Signal()))
	case !ws.Stopped():
		return proc.NewError(proc.UnexpectedProcessState, l.pid, "wait", fmt.Errorf("thread %d not stopped, wait status %#x", tid, uint32(ws)))
	}
	if sig := ws.StopSignal(); sig != sys.SIGSTOP {
		l.logger.Debugf("thread %d stopped by %v while attaching", tid, sig)
		if l.os.pending == nil {
			l.os.pending = map[int]syscall.Signal{}
		}
		l.os.pending[tid] = sig
	}
	return nil
}

// addThread attaches to one more thread of the process. Threads that
// exit or can not be attached are skipped.
func (l *Lease) addThread(tid int) {
	var err error
	l.execPtraceFunc(func() { err = sys.PtraceAttach(tid) })
	if err != nil {
		// ESRCH: the thread is already gone. EPERM: we may already be
		// tracing it.
		l.logger.Debugf("could not attach to thread %d: %v", tid, err)
		return
	}
	l.threads = append(l.threads, tid)
	if err := l.waitStop(tid); err != nil {
		l.logger.Debugf("skipping thread %d: %v", tid, err)
		return
	}
}

func (l *Lease) forget(tid int) {
	for i, t := range l.threads {
		if t == tid {
			l.threads = append(l.threads[:i], l.threads[i+1:]...)
			return
		}
	}
}

func (l *Lease) detach() error {
	var errs []error
	for _, tid := range l.threads {
		sig := l.os.pending[tid]
		var err error
		l.execPtraceFunc(func() { err = ptraceDetach(tid, int(sig)) })
		if err != nil && err != sys.ESRCH {
			errs = append(errs, fmt.Errorf("thread %d: %w", tid, err))
		}
	}
	l.threads = nil
	if l.os.wasStopped {
		return errors.Join(errs...)
	}
	// The SIGSTOP sent by PTRACE_ATTACH to threads other than the one that
	// was waited for can be delivered after the detach and leave the
	// process in a job control stop. It does not happen immediately.
	time.Sleep(50 * time.Millisecond)
	if processState(l.pid) == statusStopped {
		l.logger.Debugf("process %d left stopped, sending SIGCONT", l.pid)
		if err := sys.Kill(l.pid, sys.SIGCONT); err != nil && err != sys.ESRCH {
			errs = append(errs, fmt.Errorf("SIGCONT: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (l *Lease) readMemory(buf []byte, addr uint64) (n int, err error) {
	n, err = processVmRead(l.pid, uintptr(addr), buf)
	if err == nil && n == len(buf) {
		return n, nil
	}
	if len(l.threads) == 0 {
		return 0, fmt.Errorf("no thread of %d is attached", l.pid)
	}
	// process_vm_readv can be forbidden (seccomp) or fail on pages that
	// are readable through ptrace.
	tid := l.threads[0]
	l.execPtraceFunc(func() { n, err = sys.PtracePeekData(tid, uintptr(addr), buf) })
	if err != nil {
		return 0, fmt.Errorf("could not read %d bytes at %#x: %w", len(buf), addr, err)
	}
	return n, nil
}
