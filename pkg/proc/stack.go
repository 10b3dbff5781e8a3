package proc

import (
	"errors"
	"fmt"

	"github.com/go-delve/stackunwind/pkg/dwarf/frame"
	"github.com/go-delve/stackunwind/pkg/dwarf/op"
	"github.com/go-delve/stackunwind/pkg/logflags"
)

// FDESource finds the frame description entry covering a runtime address.
type FDESource interface {
	FDEForPC(pc uint64) (*frame.FrameDescriptionEntry, error)
}

// ErrNoReturnAddress is returned when the return address of a frame is
// undefined, this is the normal end of a stack.
var ErrNoReturnAddress = errors.New("return address undefined")

// ErrCFANotIncreasing is returned when the canonical frame address of a
// frame is not above the one of its callee.
var ErrCFANotIncreasing = errors.New("CFA did not increase")

// IteratorOptions configures a StackIterator.
type IteratorOptions struct {
	// Limits bounds every memory read, the zero value means the limits of
	// the architecture.
	Limits Limits
	// FramePointerFallback is consulted for PCs without a frame description
	// entry, the frame pointer rules are used only when it returns true.
	// It receives the lookup address: the PC, or PC-1 for return addresses.
	// When nil the frame pointer rules are always used.
	FramePointerFallback func(pc uint64) bool
}

// StackIterator unwinds a stack one frame at a time using call frame
// information.
type StackIterator struct {
	arch  *Arch
	mem   MemoryReader
	lim   Limits
	fdes  FDESource
	opts  IteratorOptions
	regs  *op.DwarfRegisters
	pc    uint64
	top   bool
	atend bool
	frame Frame
	err   error

	// signal is set when the current frame was interrupted by a signal,
	// its PC is not a return address.
	signal  bool
	lastCFA uint64

	logger logflags.Logger
}

// NewStackIterator returns an iterator starting at the frame described by
// regs. regs is not modified.
func NewStackIterator(arch *Arch, mem MemoryReader, fdes FDESource, regs *op.DwarfRegisters, opts IteratorOptions) *StackIterator {
	wopts := WalkOptions{Limits: opts.Limits}
	lim := wopts.limits(arch)
	it := &StackIterator{
		arch: arch,
		mem:  CheckedReader{Mem: mem, Limits: lim},
		lim:  lim,
		fdes: fdes,
		opts: opts,
		regs: regs.Clone(),
		pc:   regs.PC(),
		top:  true,
	}
	if logflags.Unwind() {
		it.logger = logflags.UnwindLogger()
	}
	return it
}

// Next advances the iterator to the next frame. The first call positions
// the iterator on the frame described by the initial registers.
func (it *StackIterator) Next() bool {
	if it.atend {
		return false
	}
	if it.pc == 0 {
		it.atend = true
		return false
	}
	it.frame = Frame{
		PC:     it.pc,
		SP:     it.regs.SP(),
		HasSP:  true,
		Return: !it.top && !it.signal,
	}

	callFrameRegs, ret, err := it.advanceRegs()
	if err != nil {
		it.stop(err)
		return true
	}
	if ret == 0 {
		it.stop(ErrNoReturnAddress)
		return true
	}
	if err := it.lim.checkRange(ret, 1); err != nil {
		it.stop(fmt.Errorf("return address of PC %#x: %w", it.pc, err))
		return true
	}
	cfa := uint64(it.regs.CFA)
	if cfa <= it.lastCFA || cfa < it.regs.SP() {
		it.stop(fmt.Errorf("%w: %#x after %#x at PC %#x", ErrCFANotIncreasing, cfa, it.lastCFA, it.pc))
		return true
	}
	it.lastCFA = cfa
	if it.logger != nil {
		it.logger.Debugf("pc=%#x cfa=%#x ret=%#x", it.pc, cfa, ret)
	}

	it.top = false
	it.pc = ret
	it.regs = callFrameRegs
	return true
}

func (it *StackIterator) stop(err error) {
	it.atend = true
	if errors.Is(err, ErrNoReturnAddress) {
		return
	}
	it.err = err
	if it.logger != nil {
		it.logger.Debugf("stopped at pc=%#x: %v", it.pc, err)
	}
}

// Frame returns the frame the iterator is pointing at.
func (it *StackIterator) Frame() Frame {
	return it.frame
}

// Err returns the reason the walk was truncated, if it did not end at an
// undefined return address.
func (it *StackIterator) Err() error {
	return it.err
}

// Stack collects at most max frames, skipping the first skip.
func (it *StackIterator) Stack(max, skip int) Stack {
	b := NewStackBuilder(max)
	for !b.Full() && it.Next() {
		if skip > 0 {
			skip--
			continue
		}
		b.Append(it.Frame())
	}
	return b.Stack()
}

func (it *StackIterator) frameContext() (*frame.FrameContext, error) {
	lookup := it.pc
	if !it.top && !it.signal {
		// it.pc is a return address, the call instruction is before it and
		// may be the last instruction of the function.
		lookup--
	}
	fde, err := it.fdes.FDEForPC(lookup)
	if err != nil {
		var nofde *frame.ErrNoFDEForPC
		if !errors.As(err, &nofde) {
			return nil, err
		}
		if it.opts.FramePointerFallback != nil && !it.opts.FramePointerFallback(lookup) {
			return nil, err
		}
		return it.arch.FramePointerContext(), nil
	}
	fctxt, err := fde.EstablishFrame(lookup)
	if err != nil {
		return nil, err
	}
	return it.arch.fixFrameUnwindContext(fctxt), nil
}

// advanceRegs calculates the registers of the caller of the current frame
// using it.regs and the frame descriptor entry for the current frame.
// it.regs.CFA is updated.
func (it *StackIterator) advanceRegs() (callFrameRegs *op.DwarfRegisters, ret uint64, err error) {
	framectx, err := it.frameContext()
	if err != nil {
		return nil, 0, err
	}

	cfa, err := it.computeCFA(framectx.CFA)
	if err != nil {
		return nil, 0, err
	}
	it.regs.CFA = int64(cfa)
	cfareg := op.DwarfRegisterFromUint64(cfa)

	callFrameRegs = op.NewDwarfRegisters(it.regs.StaticBase, make([]*op.DwarfRegister, it.regs.CurrentSize()), it.regs.ByteOrder, it.regs.PCRegNum, it.regs.SPRegNum, it.regs.BPRegNum, it.regs.LRRegNum)

	// Registers without a rule keep their value.
	for i := 0; i < it.regs.CurrentSize(); i++ {
		if reg := it.regs.Reg(uint64(i)); reg != nil {
			callFrameRegs.AddReg(uint64(i), op.DwarfRegisterFromUint64(reg.Uint64Val))
		}
	}

	// According to the standard the compiler should be responsible for
	// emitting rules for the SP register so that it can then be used to
	// calculate CFA, however neither Go nor GCC do this.
	// Like GDB assume that the SP of the caller is the CFA.
	callFrameRegs.AddReg(it.regs.SPRegNum, cfareg)

	for i, regRule := range framectx.Regs {
		reg, err := it.executeFrameRegRule(i, regRule, it.regs.CFA)
		if err != nil && i == framectx.RetAddrReg {
			return nil, 0, err
		}
		if reg == nil {
			callFrameRegs.Undefine(i)
			continue
		}
		callFrameRegs.AddReg(i, reg)
	}

	retReg := callFrameRegs.Reg(framectx.RetAddrReg)
	if _, hasRule := framectx.Regs[framectx.RetAddrReg]; !hasRule && framectx.RetAddrReg == it.regs.PCRegNum {
		// On architectures where the return address is the PC itself a
		// missing rule means the return address is not known.
		retReg = nil
	}
	if retReg == nil {
		return nil, 0, ErrNoReturnAddress
	}
	ret = retReg.Uint64Val
	callFrameRegs.AddReg(it.regs.PCRegNum, op.DwarfRegisterFromUint64(ret))
	it.signal = framectx.SignalFrame
	return callFrameRegs, ret, nil
}

func (it *StackIterator) executeFrameRegRule(regnum uint64, rule frame.DWRule, cfa int64) (*op.DwarfRegister, error) {
	switch rule.Rule {
	default:
		fallthrough
	case frame.RuleUndefined:
		return nil, nil
	case frame.RuleSameVal:
		if it.regs.Reg(regnum) == nil {
			return nil, nil
		}
		return op.DwarfRegisterFromUint64(it.regs.Uint64Val(regnum)), nil
	case frame.RuleOffset:
		return it.readRegisterAt(uint64(cfa + rule.Offset))
	case frame.RuleValOffset:
		return op.DwarfRegisterFromUint64(uint64(cfa + rule.Offset)), nil
	case frame.RuleRegister:
		if it.regs.Reg(rule.Reg) == nil {
			return nil, nil
		}
		return op.DwarfRegisterFromUint64(it.regs.Uint64Val(rule.Reg)), nil
	case frame.RuleExpression:
		v, err := it.executeExpression(rule.Expression, cfa)
		if err != nil {
			return nil, err
		}
		return it.readRegisterAt(uint64(v))
	case frame.RuleValExpression:
		v, err := it.executeExpression(rule.Expression, cfa)
		if err != nil {
			return nil, err
		}
		return op.DwarfRegisterFromUint64(uint64(v)), nil
	case frame.RuleArchitectural:
		return nil, errors.New("architectural frame rules are unsupported")
	case frame.RuleCFA:
		if it.regs.Reg(rule.Reg) == nil {
			return nil, nil
		}
		return op.DwarfRegisterFromUint64(uint64(int64(it.regs.Uint64Val(rule.Reg)) + rule.Offset)), nil
	case frame.RuleFramePointer:
		curReg := it.regs.Reg(rule.Reg)
		if curReg == nil {
			return nil, nil
		}
		if curReg.Uint64Val <= uint64(cfa) {
			return it.readRegisterAt(curReg.Uint64Val)
		}
		return op.DwarfRegisterFromUint64(curReg.Uint64Val), nil
	}
}

// computeCFA returns the canonical frame address of the current frame.
func (it *StackIterator) computeCFA(rule frame.DWRule) (uint64, error) {
	switch rule.Rule {
	case frame.RuleCFA:
		reg := it.regs.Reg(rule.Reg)
		if reg == nil {
			break
		}
		return uint64(int64(reg.Uint64Val) + rule.Offset), nil
	case frame.RuleExpression, frame.RuleValExpression:
		v, err := op.ExecuteStackProgram(*it.regs, rule.Expression, it.arch.PtrSize(), it.mem.ReadMemory)
		if err != nil {
			return 0, err
		}
		return uint64(v), nil
	}
	return 0, fmt.Errorf("CFA becomes undefined at PC %#x", it.pc)
}

// executeExpression evaluates the DWARF expression of a register rule, the
// CFA is pushed on the stack first.
func (it *StackIterator) executeExpression(expr []byte, cfa int64) (int64, error) {
	return op.ExecuteStackProgram(*it.regs, expr, it.arch.PtrSize(), it.mem.ReadMemory, cfa)
}

func (it *StackIterator) readRegisterAt(addr uint64) (*op.DwarfRegister, error) {
	v, err := ReadWord(it.mem, it.lim, addr, it.arch.PtrSize())
	if err != nil {
		return nil, err
	}
	return op.DwarfRegisterFromUint64(v), nil
}
