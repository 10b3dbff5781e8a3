package proc

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/go-delve/stackunwind/pkg/dwarf/op"
)

// MemoryReader reads memory of the address space being unwound.
type MemoryReader interface {
	// ReadMemory is just like io.ReaderAt.ReadAt.
	ReadMemory(buf []byte, addr uint64) (n int, err error)
}

// AddressSpace is the view of a process used by the unwinders: its memory,
// the registers of the thread being unwound and its modules.
type AddressSpace interface {
	MemoryReader
	// Registers returns the register file of the thread being unwound.
	Registers() (*op.DwarfRegisters, error)
	// FindModule returns the module mapping addr or nil.
	FindModule(addr uint64) *Module
}

// Limits are the bounds every raw read is checked against.
type Limits struct {
	MinAddr uint64 // lowest readable address
	MaxAddr uint64 // highest readable address (inclusive)
}

// DefaultMinAddr is the default lowest address considered readable, the
// first page is never mapped.
const DefaultMinAddr = 0x1000

// ErrOutOfBounds is returned for reads outside of Limits.
var ErrOutOfBounds = errors.New("address out of bounds")

func (lim Limits) checkRange(addr uint64, size int) error {
	if size <= 0 {
		return fmt.Errorf("%w: bad size %d", ErrOutOfBounds, size)
	}
	end := addr + uint64(size) - 1
	if end < addr {
		return fmt.Errorf("%w: %#x+%d overflows", ErrOutOfBounds, addr, size)
	}
	if addr < lim.MinAddr || end > lim.MaxAddr {
		return fmt.Errorf("%w: %#x", ErrOutOfBounds, addr)
	}
	return nil
}

// ReadWord reads a ptrSize wide little endian word at addr, after checking
// that the whole word lies within lim.
func ReadWord(mem MemoryReader, lim Limits, addr uint64, ptrSize int) (uint64, error) {
	if err := lim.checkRange(addr, ptrSize); err != nil {
		return 0, err
	}
	buf := make([]byte, ptrSize)
	n, err := mem.ReadMemory(buf, addr)
	if err != nil {
		return 0, err
	}
	if n != ptrSize {
		return 0, fmt.Errorf("short read at %#x: %d bytes", addr, n)
	}
	switch ptrSize {
	case 4:
		return uint64(binary.LittleEndian.Uint32(buf)), nil
	case 8:
		return binary.LittleEndian.Uint64(buf), nil
	}
	return 0, fmt.Errorf("unsupported word size %d", ptrSize)
}

// CheckedReader wraps a MemoryReader so that every read is checked
// against Limits first.
type CheckedReader struct {
	Mem    MemoryReader
	Limits Limits
}

func (r CheckedReader) ReadMemory(buf []byte, addr uint64) (int, error) {
	if err := r.Limits.checkRange(addr, len(buf)); err != nil {
		return 0, err
	}
	return r.Mem.ReadMemory(buf, addr)
}

// memCache serves reads that fall within a single cached region and
// forwards everything else.
type memCache struct {
	cacheAddr uint64
	cache     []byte
	mem       MemoryReader
}

func (m *memCache) contains(addr uint64, size int) bool {
	return size <= len(m.cache) && addr >= m.cacheAddr && addr-m.cacheAddr <= uint64(len(m.cache)-size)
}

func (m *memCache) ReadMemory(data []byte, addr uint64) (n int, err error) {
	if m.contains(addr, len(data)) {
		copy(data, m.cache[addr-m.cacheAddr:])
		return len(data), nil
	}
	return m.mem.ReadMemory(data, addr)
}

// CacheMemory reads size bytes at addr once and returns a reader that
// serves later reads of that region from the copy. If the region can not
// be read mem is returned unchanged.
func CacheMemory(mem MemoryReader, addr uint64, size int) MemoryReader {
	if size <= 0 {
		return mem
	}
	if cacheMem, isCache := mem.(*memCache); isCache {
		if cacheMem.contains(addr, size) {
			return mem
		}
		mem = cacheMem.mem
	}
	cache := make([]byte, size)
	n, err := mem.ReadMemory(cache, addr)
	if err != nil || n <= 0 {
		return mem
	}
	return &memCache{addr, cache[:n], mem}
}
