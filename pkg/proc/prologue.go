package proc

import (
	"golang.org/x/arch/arm64/arm64asm"
	"golang.org/x/arch/x86/x86asm"
)

// maxPrologueInsns is how many instructions from the function entry are
// searched for the frame pointer setup. Go functions check the stack bound
// before setting up their frame.
const maxPrologueInsns = 16

// PrologueSize is the number of bytes of a function that should be passed
// to Arch.HasFramePointerPrologue.
const PrologueSize = maxPrologueInsns * 8

func isENDBR(code []byte) bool {
	return len(code) >= 4 && code[0] == 0xf3 && code[1] == 0x0f && code[2] == 0x1e && (code[3] == 0xfa || code[3] == 0xfb)
}

// amd64HasFramePointerPrologue recognizes:
//   - push rbp; mov rbp, rsp (C compilers and Go)
//   - mov [rsp+N], rbp; lea rbp, [rsp+N] (Go before 1.21)
func amd64HasFramePointerPrologue(code []byte) bool {
	var prev *x86asm.Inst
	for n, offset := 0, 0; n < maxPrologueInsns && offset < len(code); n++ {
		if isENDBR(code[offset:]) {
			offset += 4
			continue
		}
		inst, err := x86asm.Decode(code[offset:], 64)
		if err != nil {
			return false
		}
		offset += inst.Len

		switch inst.Op {
		case x86asm.RET, x86asm.CALL, x86asm.JMP:
			return false
		case x86asm.MOV:
			if prev != nil && prev.Op == x86asm.PUSH && prev.Args[0] == x86asm.RBP &&
				inst.Args[0] == x86asm.RBP && inst.Args[1] == x86asm.RSP {
				return true
			}
		case x86asm.LEA:
			if mem, ok := inst.Args[1].(x86asm.Mem); ok && inst.Args[0] == x86asm.RBP && mem.Base == x86asm.RSP &&
				prev != nil && prev.Op == x86asm.MOV && prev.Args[1] == x86asm.RBP {
				if dst, ok := prev.Args[0].(x86asm.Mem); ok && dst.Base == x86asm.RSP && dst.Disp == mem.Disp {
					return true
				}
			}
		}
		prev = &inst
	}
	return false
}

func isX29(arg arm64asm.Arg) bool {
	r, ok := arg.(arm64asm.RegSP)
	return ok && r == arm64asm.RegSP(arm64asm.X29)
}

func isSP(arg arm64asm.Arg) bool {
	r, ok := arg.(arm64asm.RegSP)
	return ok && r == arm64asm.RegSP(arm64asm.SP)
}

// arm64HasFramePointerPrologue recognizes the instruction deriving x29 from
// sp after the frame record was saved:
//   - stp x29, x30, [sp, #-N]!; mov x29, sp (C compilers)
//   - stp x29, x30, [sp, #M]; add x29, sp, #M (C compilers)
//   - str x30, [sp, #-N]!; stur x29, [sp, #-8]; sub x29, sp, #8 (Go)
func arm64HasFramePointerPrologue(code []byte) bool {
	const insnLen = 4
	for n := 0; n < maxPrologueInsns && (n+1)*insnLen <= len(code); n++ {
		inst, err := arm64asm.Decode(code[n*insnLen : (n+1)*insnLen])
		if err != nil {
			continue
		}
		switch inst.Op {
		case arm64asm.RET, arm64asm.BL:
			return false
		case arm64asm.B:
			if _, conditional := inst.Args[0].(arm64asm.Cond); !conditional {
				return false
			}
		case arm64asm.MOV, arm64asm.ADD, arm64asm.SUB:
			if isX29(inst.Args[0]) && isSP(inst.Args[1]) {
				return true
			}
		}
	}
	return false
}
