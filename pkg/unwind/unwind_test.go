package unwind

import (
	"bufio"
	"context"
	"debug/elf"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-delve/stackunwind/pkg/proc"
	"github.com/go-delve/stackunwind/pkg/remote"
	"github.com/go-delve/stackunwind/pkg/symbolize"
)

const childEnv = "STACKUNWIND_TEST_CHILD"

func TestMain(m *testing.M) {
	if os.Getenv(childEnv) == "1" {
		runtime.LockOSThread()
		childLevel(3)
		os.Exit(0)
	}
	os.Exit(m.Run())
}

//go:noinline
func childLevel(n int) {
	if n == 0 {
		blockOnStdin()
		return
	}
	childLevel(n - 1)
}

//go:noinline
func blockOnStdin() {
	fmt.Println("ready")
	var buf [1]byte
	_, _ = syscall.Read(0, buf[:])
}

func funcName(pc uint64) string {
	fn := runtime.FuncForPC(uintptr(pc - 1))
	if fn == nil {
		return ""
	}
	return fn.Name()
}

//go:noinline
func cfiAt(depth int) (proc.Stack, error) {
	if depth > 0 {
		return cfiAt(depth - 1)
	}
	return CFI()
}

func TestCFIFirstFrame(t *testing.T) {
	for depth := 0; depth < 6; depth++ {
		stack, err := cfiAt(depth)
		require.NoError(t, err)
		require.NotEmpty(t, stack)
		assert.True(t, strings.HasSuffix(funcName(stack[0].PC), ".cfiAt"), "depth %d: %s", depth, funcName(stack[0].PC))
		// the recursion is fully visible
		for i := 0; i <= depth; i++ {
			require.Greater(t, len(stack), i)
			assert.Equal(t, stack[0].Fn, stack[i].Fn, "frame %d", i)
		}
	}
}

func TestFramePointerTwice(t *testing.T) {
	var pcs [2][]uint64
	for i := range pcs {
		pcs[i] = FramePointer().PCs()
	}
	require.NotEmpty(t, pcs[0])
	assert.Equal(t, pcs[0], pcs[1])
	assert.True(t, strings.HasSuffix(funcName(pcs[0][0]), ".TestFramePointerTwice"))
}

func TestFramePointerMatchesCFI(t *testing.T) {
	check := func(fp proc.Stack, cfi proc.Stack, err error) {
		require.NoError(t, err)
		require.NotEmpty(t, fp)
		require.NotEmpty(t, cfi)
		// both start in this function, at different call sites
		assert.Equal(t, funcName(fp[0].PC), funcName(cfi[0].PC))
		assert.Equal(t, fp[1].PC, cfi[1].PC)
	}
	fp := FramePointer()
	cfi, err := CFI()
	check(fp, cfi, err)
}

func TestOptionsMaxFrames(t *testing.T) {
	o := Options{MaxFrames: 2}
	assert.Len(t, o.FramePointer(), 2)
	stack, err := o.CFI()
	require.NoError(t, err)
	assert.Len(t, stack, 2)
	stack, err = o.Symbolicated(symbolize.DefaultConfig())
	require.NoError(t, err)
	assert.Len(t, stack, 2)
	assert.True(t, strings.HasSuffix(stack[0].Fn, ".TestOptionsMaxFrames"), stack[0].Fn)
}

func TestSymbolicated(t *testing.T) {
	stack, err := Symbolicated(symbolize.DefaultConfig())
	_, _, next, _ := runtime.Caller(0)
	require.NoError(t, err)
	require.NotEmpty(t, stack)

	f := stack[0]
	assert.True(t, strings.HasSuffix(f.Fn, ".TestSymbolicated"), f.Fn)
	assert.Equal(t, "unwind_test.go", f.File)
	assert.Equal(t, next-1, f.Line)
	assert.NotEmpty(t, f.Module)
	assert.True(t, f.Return)
	assert.True(t, strings.HasPrefix(f.String(), f.Fn+" (unwind_test.go:"))
}

func TestRuntime(t *testing.T) {
	stack := Runtime()
	require.NotEmpty(t, stack)
	assert.True(t, strings.HasSuffix(stack[0].Fn, ".TestRuntime"), stack[0].Fn)
	assert.Equal(t, "unwind_test.go", stack[0].File)
	syms := stack.BacktraceSymbols()
	assert.Contains(t, syms[0], "(")
	assert.Contains(t, syms[0], ".TestRuntime+0x")
}

// skipWithoutDWARF skips t when the test binary carries no line tables or
// call frame information, as when go test strips it.
func skipWithoutDWARF(t *testing.T) {
	t.Helper()
	exe, err := os.Executable()
	require.NoError(t, err)
	f, err := elf.Open(exe)
	if err != nil {
		t.Skipf("test binary is not ELF: %v", err)
	}
	defer f.Close()
	for _, name := range []string{".debug_frame", ".debug_info"} {
		if f.Section(name) == nil && f.Section(".zdebug"+name[len(".debug"):]) == nil {
			t.Skipf("test binary built without %s", name)
		}
	}
}

func startChild(t *testing.T) int {
	t.Helper()
	cmd := exec.Command(os.Args[0], "-test.run=^$")
	cmd.Env = append(os.Environ(), childEnv+"=1")
	stdin, err := cmd.StdinPipe()
	require.NoError(t, err)
	stdout, err := cmd.StdoutPipe()
	require.NoError(t, err)
	require.NoError(t, cmd.Start())
	t.Cleanup(func() {
		stdin.Close()
		done := make(chan error, 1)
		go func() { done <- cmd.Wait() }()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			_ = cmd.Process.Kill()
			<-done
		}
	})
	line, err := bufio.NewReader(stdout).ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "ready\n", line)
	// let the child enter read(2)
	time.Sleep(100 * time.Millisecond)
	return cmd.Process.Pid
}

func TestRemoteGoChild(t *testing.T) {
	skipWithoutDWARF(t)
	pid := startChild(t)

	stack, err := Remote(context.Background(), pid, RemoteOptions{})
	if errors.Is(err, syscall.EPERM) {
		t.Skipf("ptrace not permitted: %v", err)
	}
	require.NoError(t, err)
	require.NotEmpty(t, stack)
	assert.True(t, stack[0].HasSP)

	for _, strategy := range []remote.RemoteUnwindStrategy{remote.CFIStrategy{}, remote.ThreadFramesStrategy{}} {
		threads, err := remote.UnwindAll(context.Background(), pid, strategy, remote.Config{Symbolize: symbolize.DefaultConfig()})
		require.NoError(t, err)
		levels := 0
		for _, th := range threads {
			n := 0
			for _, f := range th.Stack {
				if strings.HasSuffix(f.Fn, ".childLevel") {
					n++
				}
			}
			if n > levels {
				levels = n
			}
		}
		assert.Equal(t, 4, levels, "%s: childLevel frames", strategy.Name())
	}
}

func TestRemoteMissingProcess(t *testing.T) {
	_, err := Remote(context.Background(), 1<<22+1, RemoteOptions{})
	assert.ErrorIs(t, err, proc.ErrAttachFailed)
}
