package remote

import (
	"context"
	"errors"
	"os/exec"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/prometheus/procfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-delve/stackunwind/pkg/proc"
)

func startSleeper(t *testing.T) int {
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
	pid := cmd.Process.Pid
	// wait for the exec to complete
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if p, err := procfs.NewProc(pid); err == nil {
			if comm, err := p.Comm(); err == nil && comm == "sleep" {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	return pid
}

func skipIfNotPermitted(t *testing.T, err error) {
	t.Helper()
	if errors.Is(err, proc.ErrAttachFailed) && errors.Is(err, syscall.EPERM) {
		t.Skipf("ptrace not permitted: %v", err)
	}
}

// assertRunning checks that pid is not left stopped.
func assertRunning(t *testing.T, pid int) {
	t.Helper()
	var state string
	for i := 0; i < 50; i++ {
		p, err := procfs.NewProc(pid)
		require.NoError(t, err)
		stat, err := p.Stat()
		require.NoError(t, err)
		state = stat.State
		if state != "t" && state != "T" {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Errorf("process %d left in state %s", pid, state)
}

func TestUnwindStrategies(t *testing.T) {
	pid := startSleeper(t)
	for _, strategy := range []RemoteUnwindStrategy{CFIStrategy{}, ThreadFramesStrategy{}} {
		t.Run(strategy.Name(), func(t *testing.T) {
			stack, err := Unwind(context.Background(), pid, strategy, Config{})
			skipIfNotPermitted(t, err)
			require.NoError(t, err)
			assertRunning(t, pid)

			require.NotEmpty(t, stack)
			assert.LessOrEqual(t, len(stack), proc.MaxFrames)
			assert.False(t, stack[0].Return, "the innermost frame is the interrupted PC")
			assert.NotEmpty(t, stack[0].Module)
			for i, f := range stack {
				assert.NotZero(t, f.PC)
				if i > 0 {
					assert.True(t, f.Return)
				}
				_, isCFI := strategy.(CFIStrategy)
				assert.Equal(t, isCFI, f.HasSP)
			}
		})
	}
}

type failingStrategy struct{}

func (failingStrategy) Name() string { return "fail" }

func (failingStrategy) Unwind(s *Session) (proc.Stack, error) {
	return nil, errors.New("forced failure")
}

func TestUnwindFailureResumesTarget(t *testing.T) {
	pid := startSleeper(t)
	_, err := Unwind(context.Background(), pid, failingStrategy{}, Config{})
	skipIfNotPermitted(t, err)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "forced failure")
	assertRunning(t, pid)

	// the lease was released
	_, err = Unwind(context.Background(), pid, CFIStrategy{}, Config{MaxFrames: 2})
	require.NoError(t, err)
	assertRunning(t, pid)
}

type cancelingStrategy struct {
	cancel context.CancelFunc
}

func (cancelingStrategy) Name() string { return "cancel" }

func (c cancelingStrategy) Unwind(s *Session) (proc.Stack, error) {
	c.cancel()
	return ThreadFramesStrategy{}.Unwind(s)
}

func TestUnwindCanceled(t *testing.T) {
	pid := startSleeper(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Unwind(ctx, pid, CFIStrategy{}, Config{})
	assert.ErrorIs(t, err, context.Canceled)

	ctx, cancel = context.WithCancel(context.Background())
	_, err = Unwind(ctx, pid, cancelingStrategy{cancel}, Config{})
	skipIfNotPermitted(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assertRunning(t, pid)
}

func TestUnwindMaxFrames(t *testing.T) {
	pid := startSleeper(t)
	stack, err := Unwind(context.Background(), pid, CFIStrategy{}, Config{MaxFrames: 1})
	skipIfNotPermitted(t, err)
	require.NoError(t, err)
	assert.Len(t, stack, 1)
}

func TestUnwindAll(t *testing.T) {
	pid := startSleeper(t)
	threads, err := UnwindAll(context.Background(), pid, CFIStrategy{}, Config{})
	skipIfNotPermitted(t, err)
	require.NoError(t, err)
	require.NotEmpty(t, threads)
	assert.Equal(t, pid, threads[0].Tid)
	assert.NotEmpty(t, threads[0].Stack)
	assertRunning(t, pid)
}

func TestUnwindParallel(t *testing.T) {
	pids := []int{startSleeper(t), startSleeper(t)}
	errs := make([]error, len(pids))
	var wg sync.WaitGroup
	for i, pid := range pids {
		wg.Add(1)
		go func(i, pid int) {
			defer wg.Done()
			_, errs[i] = Unwind(context.Background(), pid, CFIStrategy{}, Config{})
		}(i, pid)
	}
	wg.Wait()
	for i, err := range errs {
		skipIfNotPermitted(t, err)
		assert.NoError(t, err)
		assertRunning(t, pids[i])
	}
}

func TestUnwindMissingProcess(t *testing.T) {
	_, err := Unwind(context.Background(), 1<<22+1, CFIStrategy{}, Config{})
	require.Error(t, err)
	assert.ErrorIs(t, err, proc.ErrAttachFailed)
}

func TestStrategyByName(t *testing.T) {
	s, err := StrategyByName("cfi")
	require.NoError(t, err)
	assert.Equal(t, CFIStrategy{}, s)
	s, err = StrategyByName("threads")
	require.NoError(t, err)
	assert.Equal(t, ThreadFramesStrategy{}, s)
	_, err = StrategyByName("dwarf")
	assert.Error(t, err)
}
