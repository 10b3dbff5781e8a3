package native

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-delve/stackunwind/pkg/proc"
)

func TestRegistryConflict(t *testing.T) {
	const pid = 1 << 22
	a := newLease(pid)
	require.NoError(t, reserve(a))

	b := newLease(pid)
	err := reserve(b)
	require.Error(t, err)
	assert.True(t, errors.Is(err, proc.ErrLeaseConflict))
	assert.Equal(t, proc.LeaseConflict, proc.KindOf(err))

	// releasing a lease that does not own the slot changes nothing
	release(b)
	assert.Error(t, reserve(newLease(pid)))

	release(a)
	c := newLease(pid)
	require.NoError(t, reserve(c))
	release(c)
}

func TestZeroLeaseDetach(t *testing.T) {
	var nilLease *Lease
	assert.NoError(t, nilLease.Detach())
	assert.Equal(t, Detached, nilLease.State())

	l := &Lease{}
	assert.NoError(t, l.Detach())
	assert.NoError(t, l.Detach())
	assert.Equal(t, Detached, l.State())
}

func TestAccessorsRequireStopped(t *testing.T) {
	l := newLease(1 << 22)
	_, err := l.Registers(l.pid)
	assert.True(t, errors.Is(err, ErrNotStopped))
	_, err = l.ReadMemory(make([]byte, 8), 0x1000)
	assert.True(t, errors.Is(err, ErrNotStopped))
	n, err := l.ReadMemory(nil, 0x1000)
	assert.NoError(t, err)
	assert.Zero(t, n)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "detached", Detached.String())
	assert.Equal(t, "attaching", Attaching.String())
	assert.Equal(t, "stopped", Stopped.String())
	assert.Equal(t, "State(9)", State(9).String())
}
