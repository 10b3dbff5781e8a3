package native

import (
	"github.com/go-delve/stackunwind/pkg/dwarf/op"
	"github.com/go-delve/stackunwind/pkg/proc"
)

// Space is the address space of a leased process, as seen from one of its
// threads.
type Space struct {
	lease   *Lease
	tid     int
	modules *proc.ModuleMap
}

// NewSpace returns the address space of the process held by lease, with
// registers taken from thread tid.
func NewSpace(lease *Lease, tid int, modules *proc.ModuleMap) *Space {
	return &Space{lease: lease, tid: tid, modules: modules}
}

// Tid returns the thread whose registers the space reports.
func (s *Space) Tid() int {
	return s.tid
}

// Thread returns the same address space seen from thread tid.
func (s *Space) Thread(tid int) *Space {
	return &Space{lease: s.lease, tid: tid, modules: s.modules}
}

func (s *Space) ReadMemory(buf []byte, addr uint64) (int, error) {
	return s.lease.ReadMemory(buf, addr)
}

func (s *Space) Registers() (*op.DwarfRegisters, error) {
	return s.lease.Registers(s.tid)
}

func (s *Space) FindModule(addr uint64) *proc.Module {
	return s.modules.Find(addr)
}

var _ proc.AddressSpace = (*Space)(nil)
