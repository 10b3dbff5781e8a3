package regnum

import "fmt"

// The mapping between hardware registers and DWARF registers is specified
// in the System V ABI AMD64 Architecture Processor Supplement v. 1.0 page 61,
// figure 3.36
// https://gitlab.com/x86-psABIs/x86-64-ABI/-/tree/master
//
// Only the integer register file takes part in unwinding.

const (
	AMD64_Rax = 0
	AMD64_Rdx = 1
	AMD64_Rcx = 2
	AMD64_Rbx = 3
	AMD64_Rsi = 4
	AMD64_Rdi = 5
	AMD64_Rbp = 6
	AMD64_Rsp = 7
	AMD64_R8  = 8
	AMD64_R9  = 9
	AMD64_R10 = 10
	AMD64_R11 = 11
	AMD64_R12 = 12
	AMD64_R13 = 13
	AMD64_R14 = 14
	AMD64_R15 = 15
	AMD64_Rip = 16
)

var amd64DwarfToName = [...]string{
	AMD64_Rax: "Rax",
	AMD64_Rdx: "Rdx",
	AMD64_Rcx: "Rcx",
	AMD64_Rbx: "Rbx",
	AMD64_Rsi: "Rsi",
	AMD64_Rdi: "Rdi",
	AMD64_Rbp: "Rbp",
	AMD64_Rsp: "Rsp",
	AMD64_R8:  "R8",
	AMD64_R9:  "R9",
	AMD64_R10: "R10",
	AMD64_R11: "R11",
	AMD64_R12: "R12",
	AMD64_R13: "R13",
	AMD64_R14: "R14",
	AMD64_R15: "R15",
	AMD64_Rip: "Rip",
}

// AMD64MaxRegNum is the highest register number an unwind rule may refer to.
func AMD64MaxRegNum() uint64 {
	return AMD64_Rip
}

func AMD64ToName(num uint64) string {
	if num < uint64(len(amd64DwarfToName)) {
		return amd64DwarfToName[num]
	}
	return fmt.Sprintf("unknown%d", num)
}
