package proc

import (
	"errors"
	"os"
	"reflect"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-delve/stackunwind/pkg/dwarf/frame"
)

func TestFrameTablesSelf(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("requires /proc")
	}
	mm, err := LoadModules(os.Getpid())
	require.NoError(t, err)

	pc := uint64(reflect.ValueOf(TestFrameTablesSelf).Pointer())
	m := mm.Find(pc)
	require.NotNil(t, m)
	if _, err := LoadFrameEntries(m.OpenPath(), m.Bias); errors.Is(err, frame.ErrNoFrameInfo) {
		t.Skip("test binary built without call frame information")
	}

	cache, err := NewFrameCache(2)
	require.NoError(t, err)
	ft, err := NewFrameTables(mm, cache)
	require.NoError(t, err)
	require.NoError(t, ft.Load(m))

	fde, err := ft.FDEForPC(pc + 1)
	require.NoError(t, err)
	assert.True(t, fde.Cover(pc))
	assert.Equal(t, pc, fde.Begin())

	// a second FrameTables sharing the cache finds the same entry
	ft2, err := NewFrameTables(mm, cache)
	require.NoError(t, err)
	fde2, err := ft2.FDEForPC(pc + 1)
	require.NoError(t, err)
	assert.Same(t, fde, fde2)

	_, err = ft.FDEForPC(0x10)
	var nofde *frame.ErrNoFDEForPC
	assert.True(t, errors.As(err, &nofde))
}
