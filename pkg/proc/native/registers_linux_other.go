//go:build linux && !amd64 && !arm64

package native

import (
	"fmt"
	"runtime"

	"github.com/go-delve/stackunwind/pkg/dwarf/op"
	"github.com/go-delve/stackunwind/pkg/proc"
)

func (l *Lease) registers(tid int) (*op.DwarfRegisters, error) {
	return nil, fmt.Errorf("%w: registers on %s", proc.ErrUnsupported, runtime.GOARCH)
}
