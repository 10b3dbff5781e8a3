package proc

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-delve/stackunwind/pkg/dwarf/frame"
)

// amd64CIE returns the CIE emitted by C compilers for amd64: CFA = rsp+8
// and the return address at CFA-8.
func amd64CIE() *frame.CommonInformationEntry {
	return &frame.CommonInformationEntry{
		Version:               1,
		CodeAlignmentFactor:   1,
		DataAlignmentFactor:   -8,
		ReturnAddressRegister: 16,
		InitialInstructions: []byte{
			0x0c, 0x07, 0x08, // DW_CFA_def_cfa rsp, 8
			0x90, 0x01, // DW_CFA_offset r16, cfa-8
		},
	}
}

func testFDEs() frame.FrameDescriptionEntries {
	cie := amd64CIE()
	fdes := frame.NewFrameIndex()
	fdes = append(fdes,
		// A: leaf, no instructions
		frame.NewFrameDescriptionEntry(cie, 0x401000, 0x100, nil, binary.LittleEndian),
		// B: CFA = rsp+24 from its first instruction
		frame.NewFrameDescriptionEntry(cie, 0x402000, 0x100, []byte{0x0e, 0x18}, binary.LittleEndian),
	)
	return fdes
}

func TestStackIteratorCFI(t *testing.T) {
	mem := newFakeMemory()
	mem.set(0x20000, 0x402010) // return address of A, into B
	mem.set(0x20018, 0)        // B is the outermost frame

	arch := AMD64Arch()
	regs := arch.NewRegisters(0x401010, 0x20000, 0, 0)
	it := NewStackIterator(arch, mem, testFDEs(), regs, IteratorOptions{})
	s := it.Stack(0, 0)
	require.NoError(t, it.Err())
	require.Len(t, s, 2)

	assert.Equal(t, Frame{PC: 0x401010, SP: 0x20000, HasSP: true}, s[0])
	assert.Equal(t, Frame{PC: 0x402010, SP: 0x20008, HasSP: true, Return: true}, s[1])

	assert.Equal(t, uint64(0x401010), regs.PC(), "initial registers must not be modified")
}

func TestStackIteratorFramePointerFallback(t *testing.T) {
	mem := newFakeMemory()
	mem.set(0x30000, 0x30100)  // saved rbp
	mem.set(0x30008, 0x401010) // return address into A
	mem.set(0x30010, 0)

	arch := AMD64Arch()
	regs := arch.NewRegisters(0x500000, 0x2fff0, 0x30000, 0)

	it := NewStackIterator(arch, mem, testFDEs(), regs, IteratorOptions{})
	s := it.Stack(0, 0)
	require.NoError(t, it.Err())
	assert.Equal(t, []uint64{0x500000, 0x401010}, s.PCs())
	assert.Equal(t, uint64(0x30010), s[1].SP)

	it = NewStackIterator(arch, mem, testFDEs(), regs, IteratorOptions{
		FramePointerFallback: func(pc uint64) bool { return false },
	})
	s = it.Stack(0, 0)
	assert.Equal(t, []uint64{0x500000}, s.PCs())
	var nofde *frame.ErrNoFDEForPC
	assert.True(t, errors.As(it.Err(), &nofde))
}

func TestStackIteratorCFANotIncreasing(t *testing.T) {
	mem := newFakeMemory()
	mem.set(0x30000, 0x30000) // rbp points to itself
	mem.set(0x30008, 0x500010)

	arch := AMD64Arch()
	regs := arch.NewRegisters(0x500000, 0x2fff0, 0x30000, 0)
	it := NewStackIterator(arch, mem, frame.NewFrameIndex(), regs, IteratorOptions{})
	s := it.Stack(0, 0)
	assert.Equal(t, []uint64{0x500000, 0x500010}, s.PCs())
	assert.True(t, errors.Is(it.Err(), ErrCFANotIncreasing), "%v", it.Err())
}

func TestStackIteratorReturnAddressOutOfBounds(t *testing.T) {
	arch := AMD64Arch()
	for _, ret := range []uint64{0x1ffffffffffff78, 0x10} {
		mem := newFakeMemory()
		mem.set(0x20000, ret)
		regs := arch.NewRegisters(0x401010, 0x20000, 0, 0)
		it := NewStackIterator(arch, mem, testFDEs(), regs, IteratorOptions{})
		s := it.Stack(0, 0)
		assert.Equal(t, []uint64{0x401010}, s.PCs(), "return address %#x", ret)
		assert.True(t, errors.Is(it.Err(), ErrOutOfBounds), "%v", it.Err())
	}
}

func TestStackIteratorUnreadable(t *testing.T) {
	arch := AMD64Arch()
	regs := arch.NewRegisters(0x401010, 0x20000, 0, 0)
	it := NewStackIterator(arch, newFakeMemory(), testFDEs(), regs, IteratorOptions{})
	s := it.Stack(0, 0)
	assert.Len(t, s, 1)
	assert.Error(t, it.Err())
}

func TestStackIteratorCapAndSkip(t *testing.T) {
	// A frame pointer chain without any FDE, longer than the cap.
	mem := newFakeMemory()
	buildChain(mem, 0x10000, 2*MaxFrames)
	arch := AMD64Arch()
	regs := arch.NewRegisters(0x500000, 0xfff0, 0x10000, 0)

	s := NewStackIterator(arch, mem, frame.NewFrameIndex(), regs, IteratorOptions{}).Stack(0, 0)
	assert.Len(t, s, MaxFrames)

	s = NewStackIterator(arch, mem, frame.NewFrameIndex(), regs, IteratorOptions{}).Stack(4, 1)
	assert.Equal(t, []uint64{0x401000, 0x401010, 0x401020, 0x401030}, s.PCs())
}

func TestStackIteratorARM64LinkRegister(t *testing.T) {
	// CIE of a leaf function on arm64: CFA = sp, return address in x30.
	cie := &frame.CommonInformationEntry{
		Version:               1,
		CodeAlignmentFactor:   4,
		DataAlignmentFactor:   -8,
		ReturnAddressRegister: 30,
		InitialInstructions:   []byte{0x0c, 0x1f, 0x00}, // DW_CFA_def_cfa sp, 0
	}
	fdes := frame.NewFrameIndex()
	fdes = append(fdes,
		frame.NewFrameDescriptionEntry(cie, 0x401000, 0x100, nil, binary.LittleEndian),
		// caller: CFA = sp+16, x29 at cfa-16, x30 at cfa-8
		frame.NewFrameDescriptionEntry(cie, 0x402000, 0x100, []byte{0x0e, 0x10, 0x9d, 0x02, 0x9e, 0x01}, binary.LittleEndian),
	)
	mem := newFakeMemory()
	mem.set(0x20000, 0)
	mem.set(0x20008, 0)

	arch := ARM64Arch()
	regs := arch.NewRegisters(0x401010, 0x20000, 0, 0x402020)
	it := NewStackIterator(arch, mem, fdes, regs, IteratorOptions{})
	s := it.Stack(0, 0)
	require.NoError(t, it.Err())
	assert.Equal(t, []uint64{0x401010, 0x402020}, s.PCs())
}
