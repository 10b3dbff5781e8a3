package proc

import (
	"github.com/go-delve/stackunwind/pkg/dwarf/regnum"
)

// arm64MaxUserAddr is the last user space address with 48 bit virtual
// addresses.
const arm64MaxUserAddr = 0x0000ffffffffffff

// ARM64Arch returns an initialized Arch for arm64.
func ARM64Arch() *Arch {
	return &Arch{
		Name:      "arm64",
		ptrSize:   8,
		maxRegNum: uint64(regnum.ARM64MaxRegNum()),
		usesLR:    true,
		limits:    Limits{MinAddr: DefaultMinAddr, MaxAddr: arm64MaxUserAddr},

		PCRegNum: regnum.ARM64_PC,
		SPRegNum: regnum.ARM64_SP,
		BPRegNum: regnum.ARM64_BP,
		LRRegNum: regnum.ARM64_LR,

		hasFramePointerPrologue: arm64HasFramePointerPrologue,
		RegnumToString:          regnum.ARM64ToName,
	}
}
