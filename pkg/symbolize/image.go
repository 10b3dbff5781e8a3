package symbolize

import (
	"context"
	"debug/dwarf"
	"debug/elf"
	"debug/gosym"
	"path/filepath"
	"sort"
	"sync"

	"github.com/go-delve/stackunwind/pkg/dwarf/godwarf"
	"github.com/go-delve/stackunwind/pkg/logflags"
	"github.com/go-delve/stackunwind/pkg/proc"
)

type elfSymbol struct {
	addr, size uint64
	name       string
}

// image is the symbol and line information of one object file. All
// addresses are ELF virtual addresses. Everything is read into memory when
// the image is opened, no file stays open.
type image struct {
	path      string // file the symbols were read from
	debugPath string // file the DWARF data was read from, "" if none
	symbols   []elfSymbol
	gotab     *gosym.Table

	mu    sync.Mutex // debug/dwarf readers are not safe for concurrent use
	dwarf *dwarf.Data
}

func openImage(ctx context.Context, cfg Config, m *proc.Module, logger logflags.Logger) (*image, error) {
	f, err := elf.Open(m.OpenPath())
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img := &image{path: m.OpenPath()}
	img.symbols = loadSymbols(f, true)
	img.gotab = loadGoTable(f)

	if godwarf.HasDebugSection(f, "info") {
		img.dwarf, err = f.DWARF()
		if err != nil {
			logger.Debugf("could not read DWARF of %s: %v", m.Path, err)
			img.dwarf = nil
		} else {
			img.debugPath = img.path
		}
	} else if path, df := findDebugFile(ctx, cfg, m, f, logger); df != nil {
		defer df.Close()
		img.dwarf, err = df.DWARF()
		if err != nil {
			logger.Debugf("could not read DWARF of %s: %v", path, err)
			img.dwarf = nil
		} else {
			img.debugPath = path
		}
		if f.Section(".symtab") == nil {
			if syms := loadSymbols(df, false); len(syms) > 0 {
				img.symbols = syms
			}
		}
	}
	logger.Debugf("opened %s: %d symbols, dwarf from %q, gopclntab %v", m.Path, len(img.symbols), img.debugPath, img.gotab != nil)
	return img, nil
}

// loadSymbols returns the function symbols of f sorted by address, from
// .symtab or, if dynamic is set and there is no .symtab, from .dynsym.
func loadSymbols(f *elf.File, dynamic bool) []elfSymbol {
	syms, err := f.Symbols()
	if (err != nil || len(syms) == 0) && dynamic {
		syms, _ = f.DynamicSymbols()
	}
	r := make([]elfSymbol, 0, len(syms))
	for _, s := range syms {
		switch elf.ST_TYPE(s.Info) {
		case elf.STT_FUNC, elf.STT_GNU_IFUNC:
		default:
			continue
		}
		if s.Value == 0 || s.Section == elf.SHN_UNDEF || s.Name == "" {
			continue
		}
		r = append(r, elfSymbol{addr: s.Value, size: s.Size, name: s.Name})
	}
	sort.SliceStable(r, func(i, j int) bool { return r[i].addr < r[j].addr })
	return r
}

func loadGoTable(f *elf.File) *gosym.Table {
	sec := f.Section(".gopclntab")
	if sec == nil {
		// binary may be built with -pie
		sec = f.Section(".data.rel.ro.gopclntab")
	}
	text := f.Section(".text")
	if sec == nil || text == nil {
		return nil
	}
	data, err := sec.Data()
	if err != nil {
		return nil
	}
	tab, err := gosym.NewTable(nil, gosym.NewLineTable(data, text.Addr))
	if err != nil {
		return nil
	}
	return tab
}

// symbolAt returns the function symbol covering vaddr.
func (img *image) symbolAt(vaddr uint64) (elfSymbol, bool) {
	i := sort.Search(len(img.symbols), func(i int) bool { return img.symbols[i].addr > vaddr }) - 1
	if i < 0 {
		return elfSymbol{}, false
	}
	// aliases share an address, prefer one whose size covers vaddr
	for j := i; j >= 0 && img.symbols[j].addr == img.symbols[i].addr; j-- {
		s := img.symbols[j]
		if s.size == 0 || vaddr < s.addr+s.size {
			return s, true
		}
	}
	return elfSymbol{}, false
}

// location is what an image knows about one address.
type location struct {
	fn      string
	fnStart uint64 // vaddr of fn, 0 if unknown
	file    string
	line    int
}

func (img *image) lookup(vaddr uint64) location {
	var loc location
	if s, ok := img.symbolAt(vaddr); ok {
		loc.fn, loc.fnStart = s.name, s.addr
	}
	if img.dwarf != nil {
		file, line, fn, lowpc := img.dwarfLookup(vaddr)
		if line > 0 {
			loc.file, loc.line = file, line
		}
		if loc.fn == "" && fn != "" {
			loc.fn, loc.fnStart = fn, lowpc
		}
	}
	if img.gotab != nil && (loc.line == 0 || loc.fn == "") {
		file, line, fn := img.gotab.PCToLine(vaddr)
		if fn != nil {
			if loc.line == 0 && line > 0 {
				loc.file, loc.line = filepath.Base(file), line
			}
			if loc.fn == "" {
				loc.fn, loc.fnStart = fn.Name, fn.Entry
			}
		}
	}
	return loc
}

// dwarfLookup returns the line entry of pc and the name and low pc of the
// subprogram containing it.
func (img *image) dwarfLookup(pc uint64) (file string, line int, fn string, lowpc uint64) {
	img.mu.Lock()
	defer img.mu.Unlock()

	rd := img.dwarf.Reader()
	cu, err := rd.SeekPC(pc)
	if err != nil || cu == nil {
		return
	}
	if lr, err := img.dwarf.LineReader(cu); err == nil && lr != nil {
		var le dwarf.LineEntry
		if err := lr.SeekPC(pc, &le); err == nil && le.File != nil && !le.EndSequence {
			file, line = filepath.Base(le.File.Name), le.Line
		}
	}
	// rd is positioned at the children of cu
	for {
		e, err := rd.Next()
		if err != nil || e == nil || e.Tag == dwarf.TagCompileUnit {
			return
		}
		if e.Tag != dwarf.TagSubprogram {
			continue
		}
		ranges, err := img.dwarf.Ranges(e)
		if err != nil {
			continue
		}
		for _, rng := range ranges {
			if pc >= rng[0] && pc < rng[1] {
				return file, line, entryName(img.dwarf, e), rng[0]
			}
		}
	}
}

// entryName returns the name of e, following one specification or
// abstract origin reference for out of line definitions.
func entryName(d *dwarf.Data, e *dwarf.Entry) string {
	if name, ok := e.Val(dwarf.AttrName).(string); ok {
		return name
	}
	if name, ok := e.Val(dwarf.AttrLinkageName).(string); ok {
		return name
	}
	for _, attr := range []dwarf.Attr{dwarf.AttrSpecification, dwarf.AttrAbstractOrigin} {
		off, ok := e.Val(attr).(dwarf.Offset)
		if !ok {
			continue
		}
		rd := d.Reader()
		rd.Seek(off)
		if ref, err := rd.Next(); err == nil && ref != nil {
			if name, ok := ref.Val(dwarf.AttrName).(string); ok {
				return name
			}
		}
	}
	return ""
}
