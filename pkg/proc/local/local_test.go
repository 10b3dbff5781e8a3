package local

import (
	"os"
	"runtime"
	"strings"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-delve/stackunwind/pkg/proc"
)

func funcName(pc uint64) string {
	fn := runtime.FuncForPC(uintptr(pc - 1))
	if fn == nil {
		return ""
	}
	return fn.Name()
}

func skipUnsupported(t *testing.T) {
	if runtime.GOOS != "linux" || (runtime.GOARCH != "amd64" && runtime.GOARCH != "arm64") {
		t.Skip("unsupported platform")
	}
}

//go:noinline
func cfiAtDepth(t *testing.T, n int) proc.Stack {
	if n > 0 {
		return cfiAtDepth(t, n-1)
	}
	s, err := CFI(0, Options{})
	require.NoError(t, err)
	return s
}

func TestCFIFirstFrame(t *testing.T) {
	skipUnsupported(t)
	for depth := 0; depth < 8; depth++ {
		s := cfiAtDepth(t, depth)
		require.Greater(t, len(s), depth+1, "depth %d", depth)
		for i := 0; i <= depth; i++ {
			assert.True(t, strings.HasSuffix(funcName(s[i].PC), ".cfiAtDepth"), "depth %d frame %d: %s", depth, i, funcName(s[i].PC))
			assert.True(t, s[i].Return)
			assert.True(t, s[i].HasSP)
		}
		assert.Equal(t, "github.com/go-delve/stackunwind/pkg/proc/local.TestCFIFirstFrame", funcName(s[depth+1].PC))
		assert.Equal(t, funcName(s[depth+1].PC), s[depth+1].Fn)
		assert.Equal(t, "local_test.go", s[depth+1].File)
	}
}

func TestCFISkip(t *testing.T) {
	skipUnsupported(t)
	s, err := CFI(1, Options{MaxFrames: 3})
	require.NoError(t, err)
	assert.LessOrEqual(t, len(s), 3)
	require.NotEmpty(t, s)
	assert.Equal(t, "testing.tRunner", funcName(s[0].PC))
}

func TestCFIStackPointersIncrease(t *testing.T) {
	skipUnsupported(t)
	s, err := CFI(0, Options{})
	require.NoError(t, err)
	for i := 1; i < len(s); i++ {
		assert.Greater(t, s[i].SP, s[i-1].SP)
	}
}

func TestFramePointerFirstFrame(t *testing.T) {
	skipUnsupported(t)
	s := FramePointer(0, Options{})
	require.NotEmpty(t, s)
	assert.Equal(t, "github.com/go-delve/stackunwind/pkg/proc/local.TestFramePointerFirstFrame", funcName(s[0].PC))
	assert.LessOrEqual(t, len(s), proc.MaxFrames)
}

func TestFramePointerRepeatable(t *testing.T) {
	skipUnsupported(t)
	var stacks [2]proc.Stack
	for i := range stacks {
		stacks[i] = FramePointer(0, Options{})
	}
	require.NotEmpty(t, stacks[0])
	assert.Equal(t, stacks[0].PCs(), stacks[1].PCs())
}

// Both unwinders must agree on the return addresses of Go code.
func TestFramePointerMatchesCFI(t *testing.T) {
	skipUnsupported(t)
	var fp, cfi proc.Stack
	for i := 0; i < 2; i++ {
		if i == 0 {
			fp = FramePointer(0, Options{MaxFrames: 2})
		} else {
			var err error
			cfi, err = CFI(0, Options{MaxFrames: 2})
			require.NoError(t, err)
		}
	}
	require.Len(t, fp, 2)
	require.Len(t, cfi, 2)
	assert.Equal(t, funcName(fp[0].PC), funcName(cfi[0].PC))
	assert.Equal(t, fp[1].PC, cfi[1].PC)
}

func TestMemoryFault(t *testing.T) {
	buf := make([]byte, 8)
	_, err := Memory{}.ReadMemory(buf, 0x10)
	assert.Error(t, err)

	x := uint64(0x1122334455667788)
	n, err := Memory{}.ReadMemory(buf, uint64(uintptr(unsafe.Pointer(&x))))
	require.NoError(t, err)
	assert.Equal(t, 8, n)
	assert.Equal(t, []byte{0x88, 0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11}, buf)
}

func TestRuntime(t *testing.T) {
	s := Runtime(0, Options{})
	require.NotEmpty(t, s)
	assert.Equal(t, "github.com/go-delve/stackunwind/pkg/proc/local.TestRuntime", s[0].Fn)
	assert.Equal(t, "local_test.go", s[0].File)
	exe, _ := os.Executable()
	assert.Equal(t, exe, s[0].Module)

	s = Runtime(1, Options{MaxFrames: 1})
	require.Len(t, s, 1)
	assert.Equal(t, "testing.tRunner", s[0].Fn)
}

func TestSpace(t *testing.T) {
	arch, err := proc.NativeArch()
	if err != nil {
		t.Skip(err)
	}
	regs := arch.NewRegisters(1, 2, 3, 4)
	s := NewSpace(regs, proc.NewModuleMap(os.Getpid(), nil))
	r, err := s.Registers()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), r.PC())
	r.AddReg(r.PCRegNum, nil)
	r2, _ := s.Registers()
	assert.Equal(t, uint64(1), r2.PC(), "Registers must return a copy")
	assert.Nil(t, s.FindModule(1))
}
