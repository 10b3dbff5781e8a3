package frame

import (
	"debug/elf"
	"errors"
	"fmt"

	"github.com/go-delve/stackunwind/pkg/dwarf/godwarf"
)

// ErrNoFrameInfo is returned by ParseELF for objects that carry neither
// .eh_frame nor .debug_frame.
var ErrNoFrameInfo = errors.New("no call frame information")

// ParseELF reads the .eh_frame and .debug_frame sections of f and returns
// their entries merged and relocated by staticBase. A malformed section
// is only an error if the other one provides nothing.
func ParseELF(f *elf.File, staticBase uint64) (FrameDescriptionEntries, error) {
	ptrSize := 8
	if f.Class == elf.ELFCLASS32 {
		ptrSize = 4
	}

	var (
		fdes    FrameDescriptionEntries
		errs    []error
		sources int
	)

	if sec := f.Section(".eh_frame"); sec != nil && sec.Type != elf.SHT_NOBITS && sec.Addr != 0 {
		sources++
		data, err := sec.Data()
		if err == nil {
			var ehfdes FrameDescriptionEntries
			ehfdes, err = Parse(data, f.ByteOrder, staticBase, ptrSize, sec.Addr)
			fdes = fdes.Append(ehfdes)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf(".eh_frame: %w", err))
		}
	}

	if godwarf.HasDebugSection(f, "frame") {
		sources++
		data, err := godwarf.GetDebugSectionElf(f, "frame")
		if err == nil {
			var dfdes FrameDescriptionEntries
			dfdes, err = Parse(data, f.ByteOrder, staticBase, ptrSize, 0)
			fdes = fdes.Append(dfdes)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf(".debug_frame: %w", err))
		}
	}

	if sources == 0 {
		return nil, ErrNoFrameInfo
	}
	if len(fdes) == 0 && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return fdes, nil
}
