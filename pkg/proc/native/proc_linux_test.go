package native

import (
	"errors"
	"os/exec"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-delve/stackunwind/pkg/proc"
)

func startSleeper(t *testing.T) *exec.Cmd {
	t.Helper()
	path, err := exec.LookPath("sleep")
	if err != nil {
		t.Skip("sleep not found")
	}
	cmd := exec.Command(path, "60")
	require.NoError(t, cmd.Start())
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	})
	// let the child finish exec
	waitState(t, cmd.Process.Pid, func(s byte) bool { return s == 'S' }, time.Second)
	return cmd
}

func waitState(t *testing.T, pid int, ok func(byte) bool, timeout time.Duration) byte {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		s := processState(pid)
		if ok(s) || time.Now().After(deadline) {
			return s
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func attachOrSkip(t *testing.T, pid int) *Lease {
	t.Helper()
	l, err := Attach(pid)
	if errors.Is(err, syscall.EPERM) {
		t.Skipf("ptrace not permitted: %v", err)
	}
	require.NoError(t, err)
	return l
}

func notStopped(s byte) bool {
	return s != statusStopped && s != statusTraceStop
}

func TestAttachDetach(t *testing.T) {
	cmd := startSleeper(t)
	pid := cmd.Process.Pid

	l := attachOrSkip(t, pid)
	assert.Equal(t, Stopped, l.State())
	assert.Equal(t, pid, l.Pid())
	require.NotEmpty(t, l.Threads())
	assert.Equal(t, pid, l.Threads()[0])
	assert.Equal(t, byte(statusTraceStop), processState(pid))

	regs, err := l.Registers(pid)
	require.NoError(t, err)
	assert.NotZero(t, regs.PC())
	assert.NotZero(t, regs.SP())

	buf := make([]byte, 8)
	n, err := l.ReadMemory(buf, regs.SP())
	require.NoError(t, err)
	assert.Equal(t, 8, n)

	_, err = l.Registers(pid + 1<<22)
	assert.Error(t, err)

	require.NoError(t, l.Detach())
	assert.Equal(t, Detached, l.State())
	assert.NoError(t, l.Detach())

	s := waitState(t, pid, notStopped, time.Second)
	assert.True(t, notStopped(s), "process state %c after detach", s)

	_, err = l.ReadMemory(buf, regs.SP())
	assert.True(t, errors.Is(err, ErrNotStopped))
}

func TestAttachConflict(t *testing.T) {
	cmd := startSleeper(t)
	pid := cmd.Process.Pid

	l := attachOrSkip(t, pid)
	defer l.Detach()

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = Attach(pid)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		assert.True(t, errors.Is(err, proc.ErrLeaseConflict), "got %v", err)
	}
	assert.Equal(t, Stopped, l.State())
}

func TestAttachMissingProcess(t *testing.T) {
	cmd := exec.Command("true")
	if err := cmd.Run(); err != nil {
		t.Skip("true not runnable")
	}
	pid := cmd.Process.Pid

	_, err := Attach(pid)
	require.Error(t, err)
	assert.True(t, errors.Is(err, proc.ErrAttachFailed), "got %v", err)

	registry.Lock()
	_, held := registry.leases[pid]
	registry.Unlock()
	assert.False(t, held, "failed attach must release the pid")

	_, err = Attach(0)
	assert.True(t, errors.Is(err, proc.ErrAttachFailed))
}

func TestDetachKeepsJobControlStop(t *testing.T) {
	cmd := startSleeper(t)
	pid := cmd.Process.Pid
	require.NoError(t, syscall.Kill(pid, syscall.SIGSTOP))
	defer syscall.Kill(pid, syscall.SIGCONT)
	s := waitState(t, pid, func(s byte) bool { return s == statusStopped }, time.Second)
	require.Equal(t, byte(statusStopped), s)

	l := attachOrSkip(t, pid)
	require.NoError(t, l.Detach())

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, byte(statusStopped), processState(pid))
}

func TestSpace(t *testing.T) {
	cmd := startSleeper(t)
	pid := cmd.Process.Pid

	l := attachOrSkip(t, pid)
	defer l.Detach()

	modules, err := proc.LoadModules(pid)
	require.NoError(t, err)
	space := NewSpace(l, pid, modules)
	assert.Equal(t, pid, space.Tid())

	regs, err := space.Registers()
	require.NoError(t, err)
	m := space.FindModule(regs.PC())
	if m != nil {
		assert.True(t, m.Contains(regs.PC()))
	}
	_, err = proc.ReadWord(space, proc.Limits{MinAddr: proc.DefaultMinAddr, MaxAddr: ^uint64(0)}, regs.SP(), 8)
	require.NoError(t, err)
}
