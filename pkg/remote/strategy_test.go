package remote

import (
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-delve/stackunwind/pkg/proc"
)

// stackMemory is a readable range [lo, hi) whose bytes are their address
// modulo 256.
type stackMemory struct {
	lo, hi uint64
	reads  int
}

func (m *stackMemory) ReadMemory(buf []byte, addr uint64) (int, error) {
	m.reads++
	if addr < m.lo || addr+uint64(len(buf)) > m.hi {
		return 0, fmt.Errorf("%#x+%d not mapped", addr, len(buf))
	}
	for i := range buf {
		buf[i] = byte(addr + uint64(i))
	}
	return len(buf), nil
}

func TestCacheStack(t *testing.T) {
	pageSize := uint64(os.Getpagesize())
	lo := 0x100 * pageSize

	// plenty of stack above sp
	mem := &stackMemory{lo: lo, hi: lo + 16*pageSize}
	sp := lo + 8
	cached := cacheStack(mem, sp)
	require.NotSame(t, mem, cached)
	reads := mem.reads
	buf := make([]byte, 8)
	for addr := sp; addr < sp+stackCacheSize; addr += 8 {
		_, err := cached.ReadMemory(buf, addr)
		require.NoError(t, err)
		assert.Equal(t, byte(addr), buf[0])
	}
	assert.Equal(t, reads, mem.reads)

	// the stack ends on the page of sp
	mem = &stackMemory{lo: lo, hi: lo + pageSize}
	cached = cacheStack(mem, sp)
	require.NotSame(t, mem, cached)
	reads = mem.reads
	_, err := cached.ReadMemory(buf, lo+pageSize-8)
	require.NoError(t, err)
	assert.Equal(t, reads, mem.reads)
	_, err = cached.ReadMemory(buf, lo+pageSize)
	assert.Error(t, err)

	// sp not mapped at all
	mem = &stackMemory{lo: lo, hi: lo + pageSize}
	var want proc.MemoryReader = mem
	assert.Equal(t, want, cacheStack(mem, lo-pageSize))
}
