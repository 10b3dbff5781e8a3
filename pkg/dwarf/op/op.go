package op

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/go-delve/stackunwind/pkg/dwarf/leb128"
)

// Opcode represent a DWARF stack program instruction.
// See ./opcodes.go for the supported subset.
type Opcode byte

// ReadMemoryFunc reads len(buf) bytes of target memory at addr.
type ReadMemoryFunc func(buf []byte, addr uint64) (int, error)

// maxSteps bounds the number of instructions executed by one program,
// DW_OP_bra and DW_OP_skip can loop.
const maxSteps = 1000

type stackfn func(Opcode, *context) error

type context struct {
	buf        *bytes.Reader
	prog       []byte
	stack      []int64
	ptrSize    int
	readMemory ReadMemoryFunc

	DwarfRegisters
}

var (
	ErrEmptyStack      = errors.New("empty OP stack")
	ErrRegisterValue   = errors.New("register location in an address expression")
	ErrTooManyOps      = errors.New("DWARF expression did not terminate")
	ErrNoMemoryReader  = errors.New("memory access in DWARF expression without a memory reader")
	ErrDivisionByZero  = errors.New("division by zero in DWARF expression")
	errShortExpression = io.ErrUnexpectedEOF
)

var oplut = map[Opcode]stackfn{
	DW_OP_addr:           addr,
	DW_OP_deref:          deref,
	DW_OP_deref_size:     deref,
	DW_OP_const1u:        constnu,
	DW_OP_const2u:        constnu,
	DW_OP_const4u:        constnu,
	DW_OP_const8u:        constnu,
	DW_OP_const1s:        constns,
	DW_OP_const2s:        constns,
	DW_OP_const4s:        constns,
	DW_OP_const8s:        constns,
	DW_OP_constu:         constu,
	DW_OP_consts:         consts,
	DW_OP_dup:            dup,
	DW_OP_drop:           drop,
	DW_OP_over:           pick,
	DW_OP_pick:           pick,
	DW_OP_swap:           swap,
	DW_OP_rot:            rot,
	DW_OP_abs:            unaryop,
	DW_OP_neg:            unaryop,
	DW_OP_not:            unaryop,
	DW_OP_and:            binaryop,
	DW_OP_div:            binaryop,
	DW_OP_minus:          binaryop,
	DW_OP_mod:            binaryop,
	DW_OP_mul:            binaryop,
	DW_OP_or:             binaryop,
	DW_OP_plus:           binaryop,
	DW_OP_shl:            binaryop,
	DW_OP_shr:            binaryop,
	DW_OP_shra:           binaryop,
	DW_OP_xor:            binaryop,
	DW_OP_eq:             binaryop,
	DW_OP_ge:             binaryop,
	DW_OP_gt:             binaryop,
	DW_OP_le:             binaryop,
	DW_OP_lt:             binaryop,
	DW_OP_ne:             binaryop,
	DW_OP_plus_uconst:    plusuconsts,
	DW_OP_skip:           skip,
	DW_OP_bra:            skip,
	DW_OP_regx:           register,
	DW_OP_bregx:          bregister,
	DW_OP_nop:            func(Opcode, *context) error { return nil },
	DW_OP_call_frame_cfa: callframecfa,
}

func init() {
	for op := DW_OP_lit0; op <= DW_OP_lit31; op++ {
		oplut[op] = literal
	}
	for op := DW_OP_reg0; op <= DW_OP_reg31; op++ {
		oplut[op] = register
	}
	for op := DW_OP_breg0; op <= DW_OP_breg31; op++ {
		oplut[op] = bregister
	}
}

// ExecuteStackProgram executes a DWARF expression that computes an
// address, as found in DW_CFA_def_cfa_expression, DW_CFA_expression and
// DW_CFA_val_expression, and returns the value on top of the stack.
// The values in initialStack are pushed before the first instruction.
// readMemory may be nil if the program does not dereference memory.
func ExecuteStackProgram(regs DwarfRegisters, instructions []byte, ptrSize int, readMemory ReadMemoryFunc, initialStack ...int64) (int64, error) {
	ctxt := &context{
		buf:            bytes.NewReader(instructions),
		prog:           instructions,
		stack:          append(make([]int64, 0, 3+len(initialStack)), initialStack...),
		DwarfRegisters: regs,
		ptrSize:        ptrSize,
		readMemory:     readMemory,
	}

	for steps := 0; ; steps++ {
		if steps >= maxSteps {
			return 0, ErrTooManyOps
		}
		opcodeByte, err := ctxt.buf.ReadByte()
		if err != nil {
			break
		}
		opcode := Opcode(opcodeByte)
		fn, ok := oplut[opcode]
		if !ok {
			return 0, fmt.Errorf("invalid instruction %#v", opcode)
		}

		err = fn(opcode, ctxt)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", opcode, err)
		}
	}

	if len(ctxt.stack) == 0 {
		return 0, ErrEmptyStack
	}

	return ctxt.stack[len(ctxt.stack)-1], nil
}

// PrettyPrint prints the DWARF stack program instructions to `out`.
func PrettyPrint(out io.Writer, instructions []byte) {
	in := bytes.NewReader(instructions)

	for {
		opcodeByte, err := in.ReadByte()
		if err != nil {
			break
		}
		opcode := Opcode(opcodeByte)
		io.WriteString(out, opcode.String())
		out.Write([]byte{' '})
		switch {
		case opcode >= DW_OP_breg0 && opcode <= DW_OP_breg31, opcode == DW_OP_consts:
			n, _, _ := leb128.DecodeSigned(in)
			fmt.Fprintf(out, "%#x ", n)
		case opcode == DW_OP_constu, opcode == DW_OP_plus_uconst, opcode == DW_OP_regx:
			n, _, _ := leb128.DecodeUnsigned(in)
			fmt.Fprintf(out, "%#x ", n)
		case opcode == DW_OP_bregx:
			r, _, _ := leb128.DecodeUnsigned(in)
			n, _, _ := leb128.DecodeSigned(in)
			fmt.Fprintf(out, "%#x %#x ", r, n)
		case opcode == DW_OP_const1u, opcode == DW_OP_const1s, opcode == DW_OP_pick, opcode == DW_OP_deref_size:
			x, _ := in.ReadByte()
			fmt.Fprintf(out, "%#x ", x)
		case opcode == DW_OP_const2u, opcode == DW_OP_const2s, opcode == DW_OP_skip, opcode == DW_OP_bra:
			var x uint16
			binary.Read(in, binary.LittleEndian, &x)
			fmt.Fprintf(out, "%#x ", x)
		case opcode == DW_OP_const4u, opcode == DW_OP_const4s:
			var x uint32
			binary.Read(in, binary.LittleEndian, &x)
			fmt.Fprintf(out, "%#x ", x)
		case opcode == DW_OP_const8u, opcode == DW_OP_const8s, opcode == DW_OP_addr:
			var x uint64
			binary.Read(in, binary.LittleEndian, &x)
			fmt.Fprintf(out, "%#x ", x)
		}
	}
}

func (ctxt *context) push(v int64) {
	ctxt.stack = append(ctxt.stack, v)
}

func (ctxt *context) pop() (int64, error) {
	if len(ctxt.stack) == 0 {
		return 0, ErrEmptyStack
	}
	v := ctxt.stack[len(ctxt.stack)-1]
	ctxt.stack = ctxt.stack[:len(ctxt.stack)-1]
	return v, nil
}

func (ctxt *context) readFixed(sz int) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(ctxt.buf, b[:sz]); err != nil {
		return 0, errShortExpression
	}
	switch sz {
	case 1:
		return uint64(b[0]), nil
	case 2:
		return uint64(binary.LittleEndian.Uint16(b[:])), nil
	case 4:
		return uint64(binary.LittleEndian.Uint32(b[:])), nil
	default:
		return binary.LittleEndian.Uint64(b[:]), nil
	}
}

func constSize(opcode Opcode) int {
	switch opcode {
	case DW_OP_const1u, DW_OP_const1s:
		return 1
	case DW_OP_const2u, DW_OP_const2s:
		return 2
	case DW_OP_const4u, DW_OP_const4s:
		return 4
	}
	return 8
}

func callframecfa(opcode Opcode, ctxt *context) error {
	if ctxt.CFA == 0 {
		return fmt.Errorf("Could not retrieve CFA for current PC")
	}
	ctxt.push(ctxt.CFA)
	return nil
}

func addr(opcode Opcode, ctxt *context) error {
	v, err := ctxt.readFixed(ctxt.ptrSize)
	if err != nil {
		return err
	}
	ctxt.push(int64(v + ctxt.StaticBase))
	return nil
}

func deref(opcode Opcode, ctxt *context) error {
	sz := ctxt.ptrSize
	if opcode == DW_OP_deref_size {
		n, err := ctxt.buf.ReadByte()
		if err != nil {
			return errShortExpression
		}
		sz = int(n)
	}
	if sz <= 0 || sz > 8 {
		return fmt.Errorf("bad dereference size %d", sz)
	}
	if ctxt.readMemory == nil {
		return ErrNoMemoryReader
	}
	a, err := ctxt.pop()
	if err != nil {
		return err
	}
	var b [8]byte
	if _, err := ctxt.readMemory(b[:sz], uint64(a)); err != nil {
		return err
	}
	ctxt.push(int64(ctxt.ByteOrderOrDefault().Uint64(b[:])))
	return nil
}

// ByteOrderOrDefault returns the byte order of the registers, little
// endian if none was set.
func (regs *DwarfRegisters) ByteOrderOrDefault() binary.ByteOrder {
	if regs.ByteOrder == nil {
		return binary.LittleEndian
	}
	return regs.ByteOrder
}

func constnu(opcode Opcode, ctxt *context) error {
	v, err := ctxt.readFixed(constSize(opcode))
	if err != nil {
		return err
	}
	ctxt.push(int64(v))
	return nil
}

func constns(opcode Opcode, ctxt *context) error {
	sz := constSize(opcode)
	v, err := ctxt.readFixed(sz)
	if err != nil {
		return err
	}
	switch sz {
	case 1:
		ctxt.push(int64(int8(v)))
	case 2:
		ctxt.push(int64(int16(v)))
	case 4:
		ctxt.push(int64(int32(v)))
	default:
		ctxt.push(int64(v))
	}
	return nil
}

func constu(opcode Opcode, ctxt *context) error {
	num, _, err := leb128.DecodeUnsigned(ctxt.buf)
	if err != nil {
		return err
	}
	ctxt.push(int64(num))
	return nil
}

func consts(opcode Opcode, ctxt *context) error {
	num, _, err := leb128.DecodeSigned(ctxt.buf)
	if err != nil {
		return err
	}
	ctxt.push(num)
	return nil
}

func literal(opcode Opcode, ctxt *context) error {
	ctxt.push(int64(opcode - DW_OP_lit0))
	return nil
}

func dup(_ Opcode, ctxt *context) error {
	if len(ctxt.stack) == 0 {
		return ErrEmptyStack
	}
	ctxt.push(ctxt.stack[len(ctxt.stack)-1])
	return nil
}

func drop(_ Opcode, ctxt *context) error {
	_, err := ctxt.pop()
	return err
}

func pick(opcode Opcode, ctxt *context) error {
	var n int
	switch opcode {
	case DW_OP_pick:
		idx, err := ctxt.buf.ReadByte()
		if err != nil {
			return errShortExpression
		}
		n = int(idx)
	case DW_OP_over:
		n = 1
	}
	idx := len(ctxt.stack) - 1 - n
	if idx < 0 || idx >= len(ctxt.stack) {
		return ErrEmptyStack
	}
	ctxt.push(ctxt.stack[idx])
	return nil
}

func swap(_ Opcode, ctxt *context) error {
	n := len(ctxt.stack)
	if n < 2 {
		return ErrEmptyStack
	}
	ctxt.stack[n-1], ctxt.stack[n-2] = ctxt.stack[n-2], ctxt.stack[n-1]
	return nil
}

func rot(_ Opcode, ctxt *context) error {
	n := len(ctxt.stack)
	if n < 3 {
		return ErrEmptyStack
	}
	ctxt.stack[n-1], ctxt.stack[n-2], ctxt.stack[n-3] = ctxt.stack[n-2], ctxt.stack[n-3], ctxt.stack[n-1]
	return nil
}

func unaryop(opcode Opcode, ctxt *context) error {
	a, err := ctxt.pop()
	if err != nil {
		return err
	}
	switch opcode {
	case DW_OP_abs:
		if a < 0 {
			a = -a
		}
	case DW_OP_neg:
		a = -a
	case DW_OP_not:
		a = ^a
	}
	ctxt.push(a)
	return nil
}

func binaryop(opcode Opcode, ctxt *context) error {
	b, err := ctxt.pop()
	if err != nil {
		return err
	}
	a, err := ctxt.pop()
	if err != nil {
		return err
	}
	var r int64
	switch opcode {
	case DW_OP_and:
		r = a & b
	case DW_OP_or:
		r = a | b
	case DW_OP_xor:
		r = a ^ b
	case DW_OP_plus:
		r = a + b
	case DW_OP_minus:
		r = a - b
	case DW_OP_mul:
		r = a * b
	case DW_OP_div:
		if b == 0 {
			return ErrDivisionByZero
		}
		r = a / b
	case DW_OP_mod:
		if b == 0 {
			return ErrDivisionByZero
		}
		r = int64(uint64(a) % uint64(b))
	case DW_OP_shl:
		r = int64(uint64(a) << uint64(b))
	case DW_OP_shr:
		r = int64(uint64(a) >> uint64(b))
	case DW_OP_shra:
		r = a >> uint64(b)
	case DW_OP_eq:
		r = boolToInt(a == b)
	case DW_OP_ge:
		r = boolToInt(a >= b)
	case DW_OP_gt:
		r = boolToInt(a > b)
	case DW_OP_le:
		r = boolToInt(a <= b)
	case DW_OP_lt:
		r = boolToInt(a < b)
	case DW_OP_ne:
		r = boolToInt(a != b)
	}
	ctxt.push(r)
	return nil
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func plusuconsts(opcode Opcode, ctxt *context) error {
	num, _, err := leb128.DecodeUnsigned(ctxt.buf)
	if err != nil {
		return err
	}
	a, err := ctxt.pop()
	if err != nil {
		return err
	}
	ctxt.push(a + int64(num))
	return nil
}

func skip(opcode Opcode, ctxt *context) error {
	v, err := ctxt.readFixed(2)
	if err != nil {
		return err
	}
	if opcode == DW_OP_bra {
		cond, err := ctxt.pop()
		if err != nil {
			return err
		}
		if cond == 0 {
			return nil
		}
	}
	pos := int64(len(ctxt.prog)-ctxt.buf.Len()) + int64(int16(v))
	if pos < 0 || pos > int64(len(ctxt.prog)) {
		return fmt.Errorf("branch target %d out of range", pos)
	}
	_, err = ctxt.buf.Seek(pos, io.SeekStart)
	return err
}

func register(opcode Opcode, ctxt *context) error {
	return ErrRegisterValue
}

func bregister(opcode Opcode, ctxt *context) error {
	var regnum uint64
	if opcode == DW_OP_bregx {
		n, _, err := leb128.DecodeUnsigned(ctxt.buf)
		if err != nil {
			return err
		}
		regnum = n
	} else {
		regnum = uint64(opcode - DW_OP_breg0)
	}
	offset, _, err := leb128.DecodeSigned(ctxt.buf)
	if err != nil {
		return err
	}
	reg := ctxt.Reg(regnum)
	if reg == nil {
		return fmt.Errorf("register %d not available", regnum)
	}
	ctxt.push(int64(reg.Uint64Val) + offset)
	return nil
}
