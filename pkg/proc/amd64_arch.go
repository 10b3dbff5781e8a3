package proc

import (
	"github.com/go-delve/stackunwind/pkg/dwarf/regnum"
)

// amd64MaxUserAddr is the last address of the lower half of the canonical
// 48 bit address space.
const amd64MaxUserAddr = 0x00007fffffffffff

// AMD64Arch returns an initialized Arch for amd64.
func AMD64Arch() *Arch {
	return &Arch{
		Name:      "amd64",
		ptrSize:   8,
		maxRegNum: uint64(regnum.AMD64MaxRegNum()),
		limits:    Limits{MinAddr: DefaultMinAddr, MaxAddr: amd64MaxUserAddr},

		PCRegNum: regnum.AMD64_Rip,
		SPRegNum: regnum.AMD64_Rsp,
		BPRegNum: regnum.AMD64_Rbp,
		// amd64 has no link register, the return address register of
		// CIEs is the PC.
		LRRegNum: regnum.AMD64_Rip,

		hasFramePointerPrologue: amd64HasFramePointerPrologue,
		RegnumToString:          regnum.AMD64ToName,
	}
}
