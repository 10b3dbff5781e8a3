package frame

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/go-delve/stackunwind/pkg/dwarf/leb128"
)

// DWRule wrapper of rule defined for register values.
type DWRule struct {
	Rule       Rule
	Offset     int64
	Reg        uint64
	Expression []byte
}

// FrameContext wrapper of FDE context
type FrameContext struct {
	loc             uint64
	order           binary.ByteOrder
	address         uint64
	CFA             DWRule
	Regs            map[uint64]DWRule
	initialRegs     map[uint64]DWRule
	buf             *bytes.Buffer
	cie             *CommonInformationEntry
	RetAddrReg      uint64
	SignalFrame     bool
	codeAlignment   uint64
	dataAlignment   int64
	rememberedState *stateStack
}

type rowState struct {
	cfa  DWRule
	regs map[uint64]DWRule
}

// stateStack is a stack where `DW_CFA_remember_state` pushes
// its CFA and registers state and `DW_CFA_restore_state`
// pops them.
type stateStack struct {
	items []rowState
}

func newStateStack() *stateStack {
	return &stateStack{
		items: make([]rowState, 0),
	}
}

func (stack *stateStack) push(state rowState) {
	stack.items = append(stack.items, state)
}

func (stack *stateStack) pop() (rowState, bool) {
	if len(stack.items) == 0 {
		return rowState{}, false
	}
	restored := stack.items[len(stack.items)-1]
	stack.items = stack.items[0 : len(stack.items)-1]
	return restored, true
}

// Instructions used to recreate the table from the .debug_frame data.
const (
	DW_CFA_nop                          = 0x0        // No ops
	DW_CFA_set_loc                      = 0x01       // op1: address
	DW_CFA_advance_loc1                 = iota       // op1: 1-bytes delta
	DW_CFA_advance_loc2                              // op1: 2-byte delta
	DW_CFA_advance_loc4                              // op1: 4-byte delta
	DW_CFA_offset_extended                           // op1: ULEB128 register, op2: ULEB128 offset
	DW_CFA_restore_extended                          // op1: ULEB128 register
	DW_CFA_undefined                                 // op1: ULEB128 register
	DW_CFA_same_value                                // op1: ULEB128 register
	DW_CFA_register                                  // op1: ULEB128 register, op2: ULEB128 register
	DW_CFA_remember_state                            // No ops
	DW_CFA_restore_state                             // No ops
	DW_CFA_def_cfa                                   // op1: ULEB128 register, op2: ULEB128 offset
	DW_CFA_def_cfa_register                          // op1: ULEB128 register
	DW_CFA_def_cfa_offset                            // op1: ULEB128 offset
	DW_CFA_def_cfa_expression                        // op1: BLOCK
	DW_CFA_expression                                // op1: ULEB128 register, op2: BLOCK
	DW_CFA_offset_extended_sf                        // op1: ULEB128 register, op2: SLEB128 BLOCK
	DW_CFA_def_cfa_sf                                // op1: ULEB128 register, op2: SLEB128 offset
	DW_CFA_def_cfa_offset_sf                         // op1: SLEB128 offset
	DW_CFA_val_offset                                // op1: ULEB128, op2: ULEB128
	DW_CFA_val_offset_sf                             // op1: ULEB128, op2: SLEB128
	DW_CFA_val_expression                            // op1: ULEB128, op2: BLOCK
	DW_CFA_AARCH64_negate_ra_state      = 0x2d       // No ops
	DW_CFA_GNU_args_size                = 0x2e       // op1: ULEB128 size
	DW_CFA_GNU_negative_offset_extended = 0x2f       // op1: ULEB128 register, op2: ULEB128 offset
	DW_CFA_advance_loc                  = (0x1 << 6) // High 2 bits: 0x1, low 6: delta
	DW_CFA_offset                       = (0x2 << 6) // High 2 bits: 0x2, low 6: register
	DW_CFA_restore                      = (0x3 << 6) // High 2 bits: 0x3, low 6: register
)

// Rule rule defined for register values.
type Rule byte

const (
	RuleUndefined Rule = iota
	RuleSameVal
	RuleOffset
	RuleValOffset
	RuleRegister
	RuleExpression
	RuleValExpression
	RuleArchitectural
	RuleCFA          // Value is rule.Reg + rule.Offset
	RuleFramePointer // Value is stored at address rule.Reg + rule.Offset, but only if it's less than the current CFA, otherwise same value
)

const low_6_offset = 0x3f

// ErrBadInstruction is wrapped by errors produced while executing a
// malformed CFA program.
var ErrBadInstruction = errors.New("bad CFA instruction")

type instruction func(frame *FrameContext) error

// Mapping from DWARF opcode to function.
var fnlookup = map[byte]instruction{
	DW_CFA_advance_loc:                  advanceloc,
	DW_CFA_offset:                       offset,
	DW_CFA_restore:                      restore,
	DW_CFA_set_loc:                      setloc,
	DW_CFA_advance_loc1:                 advanceloc1,
	DW_CFA_advance_loc2:                 advanceloc2,
	DW_CFA_advance_loc4:                 advanceloc4,
	DW_CFA_offset_extended:              offsetextended,
	DW_CFA_restore_extended:             restoreextended,
	DW_CFA_undefined:                    undefined,
	DW_CFA_same_value:                   samevalue,
	DW_CFA_register:                     register,
	DW_CFA_remember_state:               rememberstate,
	DW_CFA_restore_state:                restorestate,
	DW_CFA_def_cfa:                      defcfa,
	DW_CFA_def_cfa_register:             defcfaregister,
	DW_CFA_def_cfa_offset:               defcfaoffset,
	DW_CFA_def_cfa_expression:           defcfaexpression,
	DW_CFA_expression:                   expression,
	DW_CFA_offset_extended_sf:           offsetextendedsf,
	DW_CFA_def_cfa_sf:                   defcfasf,
	DW_CFA_def_cfa_offset_sf:            defcfaoffsetsf,
	DW_CFA_val_offset:                   valoffset,
	DW_CFA_val_offset_sf:                valoffsetsf,
	DW_CFA_val_expression:               valexpression,
	DW_CFA_AARCH64_negate_ra_state:      func(*FrameContext) error { return nil },
	DW_CFA_GNU_args_size:                gnuargssize,
	DW_CFA_GNU_negative_offset_extended: gnunegativeoffsetextended,
}

func executeCIEInstructions(cie *CommonInformationEntry) (*FrameContext, error) {
	initialInstructions := make([]byte, len(cie.InitialInstructions))
	copy(initialInstructions, cie.InitialInstructions)
	frame := &FrameContext{
		cie:             cie,
		Regs:            make(map[uint64]DWRule),
		RetAddrReg:      cie.ReturnAddressRegister,
		SignalFrame:     cie.SignalFrame,
		initialRegs:     make(map[uint64]DWRule),
		codeAlignment:   cie.CodeAlignmentFactor,
		dataAlignment:   cie.DataAlignmentFactor,
		buf:             bytes.NewBuffer(initialInstructions),
		rememberedState: newStateStack(),
		order:           binary.LittleEndian,
	}

	if err := frame.executeDwarfProgram(); err != nil {
		return nil, err
	}
	for reg, rule := range frame.Regs {
		frame.initialRegs[reg] = rule
	}
	return frame, nil
}

// Unwind the stack to find the return address register.
func executeDwarfProgramUntilPC(fde *FrameDescriptionEntry, pc uint64) (*FrameContext, error) {
	if fde.CIE == nil {
		return nil, fmt.Errorf("%w: FDE at %#x has no CIE", ErrBadInstruction, fde.Begin())
	}
	frame, err := executeCIEInstructions(fde.CIE)
	if err != nil {
		return nil, err
	}
	if fde.order != nil {
		frame.order = fde.order
	}
	frame.loc = fde.Begin()
	frame.address = pc
	if err := frame.ExecuteUntilPC(fde.Instructions); err != nil {
		return nil, err
	}

	return frame, nil
}

func (frame *FrameContext) executeDwarfProgram() error {
	for frame.buf.Len() > 0 {
		if err := executeDwarfInstruction(frame); err != nil {
			return err
		}
	}
	return nil
}

// ExecuteUntilPC execute dwarf instructions.
func (frame *FrameContext) ExecuteUntilPC(instructions []byte) error {
	frame.buf.Truncate(0)
	frame.buf.Write(instructions)

	// We only need to execute the instructions until
	// ctx.loc > ctx.address (which is the address we
	// are currently at in the traced process).
	for frame.address >= frame.loc && frame.buf.Len() > 0 {
		if err := executeDwarfInstruction(frame); err != nil {
			return err
		}
	}
	return nil
}

func executeDwarfInstruction(frame *FrameContext) error {
	instruction, err := frame.buf.ReadByte()
	if err != nil {
		return fmt.Errorf("%w: could not read from instruction buffer", ErrBadInstruction)
	}

	if instruction == DW_CFA_nop {
		return nil
	}

	fn, err := lookupFunc(instruction, frame.buf)
	if err != nil {
		return err
	}

	if err := fn(frame); err != nil {
		return fmt.Errorf("%w: opcode %#x: %v", ErrBadInstruction, instruction, err)
	}
	return nil
}

func lookupFunc(instruction byte, buf *bytes.Buffer) (instruction, error) {
	const high_2_bits = 0xc0
	var restore bool

	// Special case the 3 opcodes that have their argument encoded in the opcode itself.
	switch instruction & high_2_bits {
	case DW_CFA_advance_loc:
		instruction = DW_CFA_advance_loc
		restore = true

	case DW_CFA_offset:
		instruction = DW_CFA_offset
		restore = true

	case DW_CFA_restore:
		instruction = DW_CFA_restore
		restore = true
	}

	if restore {
		// Restore the last byte as it actually contains the argument for the opcode.
		if err := buf.UnreadByte(); err != nil {
			return nil, fmt.Errorf("%w: could not unread byte", ErrBadInstruction)
		}
	}

	fn, ok := fnlookup[instruction]
	if !ok {
		return nil, fmt.Errorf("%w: unexpected DWARF CFA opcode %#x", ErrBadInstruction, instruction)
	}

	return fn, nil
}

func (frame *FrameContext) uleb() (uint64, error) {
	n, _, err := leb128.DecodeUnsigned(frame.buf)
	return n, err
}

func (frame *FrameContext) sleb() (int64, error) {
	n, _, err := leb128.DecodeSigned(frame.buf)
	return n, err
}

func (frame *FrameContext) block() ([]byte, error) {
	l, err := frame.uleb()
	if err != nil {
		return nil, err
	}
	if l > uint64(frame.buf.Len()) {
		return nil, errors.New("expression block exceeds instructions")
	}
	return frame.buf.Next(int(l)), nil
}

func (frame *FrameContext) fixed(sz int) (uint64, error) {
	if frame.buf.Len() < sz {
		return 0, errors.New("truncated operand")
	}
	b := frame.buf.Next(sz)
	switch sz {
	case 1:
		return uint64(b[0]), nil
	case 2:
		return uint64(frame.order.Uint16(b)), nil
	case 4:
		return uint64(frame.order.Uint32(b)), nil
	}
	return frame.order.Uint64(b), nil
}

// uleb2 decodes the two ULEB128 operands of most register rules.
func (frame *FrameContext) uleb2() (uint64, uint64, error) {
	a, err := frame.uleb()
	if err != nil {
		return 0, 0, err
	}
	b, err := frame.uleb()
	return a, b, err
}

func (frame *FrameContext) ulebsleb() (uint64, int64, error) {
	a, err := frame.uleb()
	if err != nil {
		return 0, 0, err
	}
	b, err := frame.sleb()
	return a, b, err
}

func advanceloc(frame *FrameContext) error {
	b, err := frame.buf.ReadByte()
	if err != nil {
		return err
	}

	delta := b & low_6_offset
	frame.loc += uint64(delta) * frame.codeAlignment
	return nil
}

func advanceloc1(frame *FrameContext) error {
	delta, err := frame.fixed(1)
	if err != nil {
		return err
	}
	frame.loc += delta * frame.codeAlignment
	return nil
}

func advanceloc2(frame *FrameContext) error {
	delta, err := frame.fixed(2)
	if err != nil {
		return err
	}
	frame.loc += delta * frame.codeAlignment
	return nil
}

func advanceloc4(frame *FrameContext) error {
	delta, err := frame.fixed(4)
	if err != nil {
		return err
	}
	frame.loc += delta * frame.codeAlignment
	return nil
}

func offset(frame *FrameContext) error {
	b, err := frame.buf.ReadByte()
	if err != nil {
		return err
	}

	reg := b & low_6_offset
	offset, err := frame.uleb()
	if err != nil {
		return err
	}

	frame.Regs[uint64(reg)] = DWRule{Offset: int64(offset) * frame.dataAlignment, Rule: RuleOffset}
	return nil
}

func (frame *FrameContext) restoreRule(reg uint64) {
	if oldrule, ok := frame.initialRegs[reg]; ok {
		frame.Regs[reg] = oldrule
	} else {
		delete(frame.Regs, reg)
	}
}

func restore(frame *FrameContext) error {
	b, err := frame.buf.ReadByte()
	if err != nil {
		return err
	}
	frame.restoreRule(uint64(b & low_6_offset))
	return nil
}

func setloc(frame *FrameContext) error {
	sz := 8
	if frame.cie != nil {
		switch frame.cie.ptrEncAddr & 0x0f {
		case ptrEncUdata2, ptrEncSdata2:
			sz = 2
		case ptrEncUdata4, ptrEncSdata4:
			sz = 4
		}
	}
	loc, err := frame.fixed(sz)
	if err != nil {
		return err
	}
	frame.loc = loc + frame.cie.staticBase
	return nil
}

func offsetextended(frame *FrameContext) error {
	reg, offset, err := frame.uleb2()
	if err != nil {
		return err
	}
	frame.Regs[reg] = DWRule{Offset: int64(offset) * frame.dataAlignment, Rule: RuleOffset}
	return nil
}

func gnunegativeoffsetextended(frame *FrameContext) error {
	reg, offset, err := frame.uleb2()
	if err != nil {
		return err
	}
	frame.Regs[reg] = DWRule{Offset: -int64(offset) * frame.dataAlignment, Rule: RuleOffset}
	return nil
}

func gnuargssize(frame *FrameContext) error {
	_, err := frame.uleb()
	return err
}

func undefined(frame *FrameContext) error {
	reg, err := frame.uleb()
	if err != nil {
		return err
	}
	frame.Regs[reg] = DWRule{Rule: RuleUndefined}
	return nil
}

func samevalue(frame *FrameContext) error {
	reg, err := frame.uleb()
	if err != nil {
		return err
	}
	frame.Regs[reg] = DWRule{Rule: RuleSameVal}
	return nil
}

func register(frame *FrameContext) error {
	reg1, reg2, err := frame.uleb2()
	if err != nil {
		return err
	}
	frame.Regs[reg1] = DWRule{Reg: reg2, Rule: RuleRegister}
	return nil
}

func rememberstate(frame *FrameContext) error {
	clonedRegs := make(map[uint64]DWRule, len(frame.Regs))
	for k, v := range frame.Regs {
		clonedRegs[k] = v
	}
	frame.rememberedState.push(rowState{cfa: frame.CFA, regs: clonedRegs})
	return nil
}

func restorestate(frame *FrameContext) error {
	restored, ok := frame.rememberedState.pop()
	if !ok {
		return errors.New("DW_CFA_restore_state without DW_CFA_remember_state")
	}

	frame.CFA = restored.cfa
	frame.Regs = restored.regs
	return nil
}

func restoreextended(frame *FrameContext) error {
	reg, err := frame.uleb()
	if err != nil {
		return err
	}
	frame.restoreRule(reg)
	return nil
}

func defcfa(frame *FrameContext) error {
	reg, offset, err := frame.uleb2()
	if err != nil {
		return err
	}

	frame.CFA.Rule = RuleCFA
	frame.CFA.Reg = reg
	frame.CFA.Offset = int64(offset)
	return nil
}

func defcfaregister(frame *FrameContext) error {
	reg, err := frame.uleb()
	if err != nil {
		return err
	}
	frame.CFA.Rule = RuleCFA
	frame.CFA.Reg = reg
	return nil
}

func defcfaoffset(frame *FrameContext) error {
	offset, err := frame.uleb()
	if err != nil {
		return err
	}
	frame.CFA.Offset = int64(offset)
	return nil
}

func defcfasf(frame *FrameContext) error {
	reg, offset, err := frame.ulebsleb()
	if err != nil {
		return err
	}

	frame.CFA.Rule = RuleCFA
	frame.CFA.Reg = reg
	frame.CFA.Offset = offset * frame.dataAlignment
	return nil
}

func defcfaoffsetsf(frame *FrameContext) error {
	offset, err := frame.sleb()
	if err != nil {
		return err
	}
	frame.CFA.Offset = offset * frame.dataAlignment
	return nil
}

func defcfaexpression(frame *FrameContext) error {
	expr, err := frame.block()
	if err != nil {
		return err
	}

	frame.CFA.Expression = expr
	frame.CFA.Rule = RuleExpression
	return nil
}

func expression(frame *FrameContext) error {
	reg, err := frame.uleb()
	if err != nil {
		return err
	}
	expr, err := frame.block()
	if err != nil {
		return err
	}

	frame.Regs[reg] = DWRule{Rule: RuleExpression, Expression: expr}
	return nil
}

func offsetextendedsf(frame *FrameContext) error {
	reg, offset, err := frame.ulebsleb()
	if err != nil {
		return err
	}

	frame.Regs[reg] = DWRule{Offset: offset * frame.dataAlignment, Rule: RuleOffset}
	return nil
}

func valoffset(frame *FrameContext) error {
	reg, offset, err := frame.uleb2()
	if err != nil {
		return err
	}

	frame.Regs[reg] = DWRule{Offset: int64(offset) * frame.dataAlignment, Rule: RuleValOffset}
	return nil
}

func valoffsetsf(frame *FrameContext) error {
	reg, offset, err := frame.ulebsleb()
	if err != nil {
		return err
	}

	frame.Regs[reg] = DWRule{Offset: offset * frame.dataAlignment, Rule: RuleValOffset}
	return nil
}

func valexpression(frame *FrameContext) error {
	reg, err := frame.uleb()
	if err != nil {
		return err
	}
	expr, err := frame.block()
	if err != nil {
		return err
	}

	frame.Regs[reg] = DWRule{Rule: RuleValExpression, Expression: expr}
	return nil
}
