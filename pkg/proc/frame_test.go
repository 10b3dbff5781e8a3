package proc

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameString(t *testing.T) {
	tests := []struct {
		frame    Frame
		text     string
		extended string
	}{
		{Frame{PC: 0x401234, Fn: "main.f", File: "a.c", Line: 42}, "main.f (a.c:42)", "0x0000000000401234 main.f (a.c:42)"},
		{Frame{PC: 0x401234, Fn: "f", Offset: 0x14}, "f+0x14", "0x0000000000401234 f+0x14"},
		{Frame{PC: 0x401234, SP: 0x7ffc0000, HasSP: true}, "<unknown>", "0x0000000000401234 sp=0x000000007ffc0000 <unknown>"},
		{Frame{PC: 0x401234, File: "x.go", Line: 3}, "<unknown>", "0x0000000000401234 <unknown>"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.text, tc.frame.String())
		assert.Equal(t, tc.extended, tc.frame.Extended())
	}
}

func TestFrameLookupPC(t *testing.T) {
	assert.Equal(t, uint64(0x1000), (&Frame{PC: 0x1000}).LookupPC())
	assert.Equal(t, uint64(0xfff), (&Frame{PC: 0x1000, Return: true}).LookupPC())
}

func TestBacktraceSymbols(t *testing.T) {
	s := Stack{
		{PC: 0x401234, Fn: "f", Offset: 0x14, Module: "/bin/app"},
		{PC: 0x7f0000001000, Module: "/lib/libc.so.6"},
		{PC: 0x10},
	}
	assert.Equal(t, []string{
		"/bin/app(f+0x14) [0x401234]",
		"/lib/libc.so.6 [0x7f0000001000]",
		"[0x10]",
	}, s.BacktraceSymbols())
}

func TestStackFormat(t *testing.T) {
	s := Stack{
		{PC: 0x10, Fn: "a", Offset: 1},
		{PC: 0x20, Fn: "b", File: "b.go", Line: 7},
	}
	var buf bytes.Buffer
	require.NoError(t, s.Format(&buf, false))
	assert.Equal(t, "#0  a+0x1\n#1  b (b.go:7)\n", buf.String())

	buf.Reset()
	require.NoError(t, s.Format(&buf, true))
	assert.Equal(t, "#0  0x0000000000000010 a+0x1\n#1  0x0000000000000020 b (b.go:7)\n", buf.String())
	assert.Equal(t, []uint64{0x10, 0x20}, s.PCs())
}

func TestStackBuilderCap(t *testing.T) {
	b := NewStackBuilder(0)
	for i := 0; i < MaxFrames; i++ {
		require.True(t, b.Append(Frame{PC: uint64(i + 1)}))
	}
	assert.True(t, b.Full())
	assert.False(t, b.Append(Frame{PC: 0xdead}))
	assert.Equal(t, MaxFrames, b.Len())

	s := b.Stack()
	s[0].PC = 0
	assert.Equal(t, uint64(1), b.Stack()[0].PC, "Stack must return a copy")

	small := NewStackBuilder(3)
	for i := 0; i < 5; i++ {
		small.Append(Frame{PC: uint64(i)})
	}
	assert.Equal(t, 3, small.Len())

	assert.Equal(t, MaxFrames, NewStackBuilder(MaxFrames+50).max)
}
