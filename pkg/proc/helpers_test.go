package proc

import (
	"encoding/binary"
	"fmt"
)

// fakeMemory is a sparse little endian address space. Bytes that were
// never set are unreadable.
type fakeMemory struct {
	data  map[uint64]byte
	reads int
}

func newFakeMemory() *fakeMemory {
	return &fakeMemory{data: map[uint64]byte{}}
}

// set stores v as a 64 bit word at addr.
func (m *fakeMemory) set(addr, v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	for i, b := range buf {
		m.data[addr+uint64(i)] = b
	}
}

func (m *fakeMemory) ReadMemory(buf []byte, addr uint64) (int, error) {
	m.reads++
	for i := range buf {
		b, ok := m.data[addr+uint64(i)]
		if !ok {
			return 0, fmt.Errorf("fake memory: %#x not mapped", addr+uint64(i))
		}
		buf[i] = b
	}
	return len(buf), nil
}
