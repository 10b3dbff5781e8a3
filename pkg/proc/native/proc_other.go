//go:build !linux

package native

import (
	"fmt"
	"runtime"

	"github.com/go-delve/stackunwind/pkg/dwarf/op"
	"github.com/go-delve/stackunwind/pkg/proc"
)

type osLeaseDetails struct{}

// Attach is only implemented on Linux.
func Attach(pid int) (*Lease, error) {
	return nil, proc.NewError(proc.Unsupported, pid, "attach", fmt.Errorf("ptrace on %s", runtime.GOOS))
}

func (l *Lease) detach() error {
	return nil
}

func (l *Lease) registers(tid int) (*op.DwarfRegisters, error) {
	return nil, proc.ErrUnsupported
}

func (l *Lease) readMemory(buf []byte, addr uint64) (int, error) {
	return 0, proc.ErrUnsupported
}
