package native

import (
	sys "golang.org/x/sys/unix"

	"github.com/go-delve/stackunwind/pkg/dwarf/op"
	"github.com/go-delve/stackunwind/pkg/dwarf/regnum"
	"github.com/go-delve/stackunwind/pkg/proc"
)

func (l *Lease) registers(tid int) (*op.DwarfRegisters, error) {
	var (
		regs sys.PtraceRegs
		err  error
	)
	l.execPtraceFunc(func() { err = sys.PtraceGetRegs(tid, &regs) })
	if err != nil {
		return nil, err
	}
	dregs := proc.AMD64Arch().NewRegisters(regs.Rip, regs.Rsp, regs.Rbp, 0)
	for num, val := range map[uint64]uint64{
		regnum.AMD64_Rax: regs.Rax,
		regnum.AMD64_Rdx: regs.Rdx,
		regnum.AMD64_Rcx: regs.Rcx,
		regnum.AMD64_Rbx: regs.Rbx,
		regnum.AMD64_Rsi: regs.Rsi,
		regnum.AMD64_Rdi: regs.Rdi,
		regnum.AMD64_R8:  regs.R8,
		regnum.AMD64_R9:  regs.R9,
		regnum.AMD64_R10: regs.R10,
		regnum.AMD64_R11: regs.R11,
		regnum.AMD64_R12: regs.R12,
		regnum.AMD64_R13: regs.R13,
		regnum.AMD64_R14: regs.R14,
		regnum.AMD64_R15: regs.R15,
	} {
		dregs.AddReg(num, op.DwarfRegisterFromUint64(val))
	}
	return dregs, nil
}
