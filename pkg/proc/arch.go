package proc

import (
	"encoding/binary"
	"fmt"
	"runtime"

	"github.com/go-delve/stackunwind/pkg/dwarf/frame"
	"github.com/go-delve/stackunwind/pkg/dwarf/op"
)

// Arch describes a CPU architecture for the purpose of unwinding.
type Arch struct {
	Name string // GOARCH

	ptrSize   int
	maxRegNum uint64
	usesLR    bool
	limits    Limits

	PCRegNum uint64
	SPRegNum uint64
	BPRegNum uint64
	LRRegNum uint64

	// hasFramePointerPrologue reports whether the code starting at the
	// entry point of a function sets up a frame pointer.
	hasFramePointerPrologue func(code []byte) bool
	// RegnumToString returns the name of a DWARF register.
	RegnumToString func(uint64) string
}

// PtrSize returns the size of a pointer on this architecture.
func (a *Arch) PtrSize() int {
	return a.ptrSize
}

// UsesLR reports whether the return address of the innermost frame is held
// in a link register rather than on the stack.
func (a *Arch) UsesLR() bool {
	return a.usesLR
}

// Limits returns the default readable address range of a user space
// process on this architecture.
func (a *Arch) Limits() Limits {
	return a.limits
}

// NewRegisters returns the DWARF register file holding the given values.
// lr is ignored on architectures without a link register.
func (a *Arch) NewRegisters(pc, sp, bp, lr uint64) *op.DwarfRegisters {
	regs := op.NewDwarfRegisters(0, make([]*op.DwarfRegister, a.maxRegNum+1), binary.LittleEndian, a.PCRegNum, a.SPRegNum, a.BPRegNum, a.LRRegNum)
	regs.AddReg(a.PCRegNum, op.DwarfRegisterFromUint64(pc))
	regs.AddReg(a.SPRegNum, op.DwarfRegisterFromUint64(sp))
	regs.AddReg(a.BPRegNum, op.DwarfRegisterFromUint64(bp))
	if a.usesLR {
		regs.AddReg(a.LRRegNum, op.DwarfRegisterFromUint64(lr))
	}
	return regs
}

// FramePointerContext returns the unwind rules used when a PC has no
// frame descriptor entry:
//   - the return address is [bp + ptrSize] (i.e. [cfa-ptrSize])
//   - cfa is bp + ptrSize*2
//   - bp is [bp] (i.e. [cfa-ptrSize*2])
//   - sp is cfa
func (a *Arch) FramePointerContext() *frame.FrameContext {
	return &frame.FrameContext{
		RetAddrReg: a.PCRegNum,
		Regs: map[uint64]frame.DWRule{
			a.PCRegNum: {
				Rule:   frame.RuleOffset,
				Offset: int64(-a.ptrSize),
			},
			a.BPRegNum: {
				Rule:   frame.RuleOffset,
				Offset: int64(-2 * a.ptrSize),
			},
			a.SPRegNum: {
				Rule:   frame.RuleValOffset,
				Offset: 0,
			},
		},
		CFA: frame.DWRule{
			Rule:   frame.RuleCFA,
			Reg:    a.BPRegNum,
			Offset: int64(2 * a.ptrSize),
		},
	}
}

// fixFrameUnwindContext adds default architecture rules to fctxt or returns
// the frame pointer context if fctxt is nil.
func (a *Arch) fixFrameUnwindContext(fctxt *frame.FrameContext) *frame.FrameContext {
	if fctxt == nil {
		return a.FramePointerContext()
	}
	if fctxt.Regs[a.BPRegNum].Rule == frame.RuleUndefined {
		// Compilers omit a rule for the frame pointer when a function does
		// not touch it. Follow it only while it stays below the CFA, in that
		// case it points to the saved frame pointer of the caller.
		fctxt.Regs[a.BPRegNum] = frame.DWRule{
			Rule:   frame.RuleFramePointer,
			Reg:    a.BPRegNum,
			Offset: 0,
		}
	}
	return fctxt
}

// HasFramePointerPrologue reports whether code, the first bytes of a
// function, set up a frame pointer.
func (a *Arch) HasFramePointerPrologue(code []byte) bool {
	if a.hasFramePointerPrologue == nil {
		return false
	}
	return a.hasFramePointerPrologue(code)
}

// ArchForGOARCH returns the Arch for goarch.
func ArchForGOARCH(goarch string) (*Arch, error) {
	switch goarch {
	case "amd64":
		return AMD64Arch(), nil
	case "arm64":
		return ARM64Arch(), nil
	}
	return nil, fmt.Errorf("%w: architecture %s", ErrUnsupported, goarch)
}

// NativeArch returns the Arch of the running program.
func NativeArch() (*Arch, error) {
	return ArchForGOARCH(runtime.GOARCH)
}
