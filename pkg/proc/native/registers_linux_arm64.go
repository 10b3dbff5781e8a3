package native

import (
	"debug/elf"
	"syscall"
	"unsafe"

	sys "golang.org/x/sys/unix"

	"github.com/go-delve/stackunwind/pkg/dwarf/op"
	"github.com/go-delve/stackunwind/pkg/proc"
)

// arm64PtraceRegs is the NT_PRSTATUS register set, struct user_pt_regs in
// arch/arm64/include/uapi/asm/ptrace.h.
type arm64PtraceRegs struct {
	Regs   [31]uint64
	Sp     uint64
	Pc     uint64
	Pstate uint64
}

func ptraceGetGRegs(tid int, regs *arm64PtraceRegs) (err error) {
	iov := sys.Iovec{Base: (*byte)(unsafe.Pointer(regs))}
	iov.SetLen(int(unsafe.Sizeof(*regs)))
	_, _, err = syscall.Syscall6(syscall.SYS_PTRACE, sys.PTRACE_GETREGSET, uintptr(tid), uintptr(elf.NT_PRSTATUS), uintptr(unsafe.Pointer(&iov)), 0, 0)
	if err == syscall.Errno(0) {
		err = nil
	}
	return
}

func (l *Lease) registers(tid int) (*op.DwarfRegisters, error) {
	var (
		regs arm64PtraceRegs
		err  error
	)
	l.execPtraceFunc(func() { err = ptraceGetGRegs(tid, &regs) })
	if err != nil {
		return nil, err
	}
	dregs := proc.ARM64Arch().NewRegisters(regs.Pc, regs.Sp, regs.Regs[29], regs.Regs[30])
	for i := 0; i < 29; i++ {
		dregs.AddReg(uint64(i), op.DwarfRegisterFromUint64(regs.Regs[i]))
	}
	return dregs, nil
}
