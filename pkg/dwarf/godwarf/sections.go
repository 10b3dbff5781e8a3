// Package godwarf locates the DWARF sections of ELF objects.
package godwarf

import (
	"bytes"
	"compress/zlib"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"io"
)

// GetDebugSectionElf returns the data contents of the specified debug
// section, decompressing it if it is compressed.
// For example GetDebugSectionElf("line") will return the contents of
// .debug_line, if .debug_line doesn't exist it will try to return the
// decompressed contents of .zdebug_line.
// Sections flagged SHF_COMPRESSED are decompressed by debug/elf.
func GetDebugSectionElf(f *elf.File, name string) ([]byte, error) {
	sec := f.Section(".debug_" + name)
	if sec != nil && sec.Type != elf.SHT_NOBITS {
		return sec.Data()
	}
	sec = f.Section(".zdebug_" + name)
	if sec == nil || sec.Type == elf.SHT_NOBITS {
		return nil, fmt.Errorf("could not find .debug_%s section", name)
	}
	b, err := sec.Data()
	if err != nil {
		return nil, err
	}
	return decompressMaybe(b)
}

// HasDebugSection reports whether f carries the named debug section with
// contents. Separate debug files leave the sections of the stripped
// object in place as SHT_NOBITS.
func HasDebugSection(f *elf.File, name string) bool {
	for _, prefix := range []string{".debug_", ".zdebug_"} {
		if sec := f.Section(prefix + name); sec != nil && sec.Type != elf.SHT_NOBITS && sec.Size > 0 {
			return true
		}
	}
	return false
}

func decompressMaybe(b []byte) ([]byte, error) {
	if len(b) < 12 || string(b[:4]) != "ZLIB" {
		// not compressed
		return b, nil
	}

	dlen := binary.BigEndian.Uint64(b[4:12])
	dbuf := make([]byte, dlen)
	r, err := zlib.NewReader(bytes.NewBuffer(b[12:]))
	if err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(r, dbuf); err != nil {
		return nil, err
	}
	if err := r.Close(); err != nil {
		return nil, err
	}
	return dbuf, nil
}
