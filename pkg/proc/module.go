package proc

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/prometheus/procfs"
)

// Module is an executable object file mapped into a process.
type Module struct {
	Path  string // path of the file as seen by the mapped process
	Start uint64 // first mapped address, the load base
	End   uint64 // end of the last mapping (exclusive)
	// Bias is the difference between runtime addresses and the virtual
	// addresses of the ELF file.
	Bias    uint64
	BuildID string // hex encoded GNU build id, may be empty

	// openPath is a path at which the file can be opened by this process.
	openPath string
}

// Contains reports whether addr is mapped by m.
func (m *Module) Contains(addr uint64) bool {
	return addr >= m.Start && addr < m.End
}

// OpenPath returns a path at which the file of m can be opened.
func (m *Module) OpenPath() string {
	if m.openPath != "" {
		return m.openPath
	}
	return m.Path
}

// ToVaddr converts a runtime address into an ELF virtual address.
func (m *Module) ToVaddr(addr uint64) uint64 {
	return addr - m.Bias
}

// Key identifies the file of m, two modules with the same key are backed
// by the same file contents.
func (m *Module) Key() string {
	return m.Path + "#" + m.BuildID
}

func (m *Module) String() string {
	return fmt.Sprintf("%#x-%#x %s", m.Start, m.End, m.Path)
}

// ModuleMap is the set of modules of one process, sorted by start address.
type ModuleMap struct {
	pid     int
	modules []*Module
}

// NewModuleMap returns a ModuleMap containing modules.
func NewModuleMap(pid int, modules []*Module) *ModuleMap {
	r := &ModuleMap{pid: pid, modules: append([]*Module(nil), modules...)}
	sort.Slice(r.modules, func(i, j int) bool {
		return r.modules[i].Start < r.modules[j].Start
	})
	return r
}

// Pid returns the process the map was read from.
func (mm *ModuleMap) Pid() int {
	return mm.pid
}

// Modules returns all modules, sorted by start address.
func (mm *ModuleMap) Modules() []*Module {
	if mm == nil {
		return nil
	}
	return mm.modules
}

// Find returns the module containing addr or nil.
func (mm *ModuleMap) Find(addr uint64) *Module {
	if mm == nil {
		return nil
	}
	i := sort.Search(len(mm.modules), func(i int) bool {
		return mm.modules[i].End > addr
	})
	if i < len(mm.modules) && mm.modules[i].Contains(addr) {
		return mm.modules[i]
	}
	return nil
}

// LoadModules reads the file backed executable mappings of pid from
// /proc/<pid>/maps. Mappings that are not backed by a regular file, like
// [vdso] and [stack], are not modules.
func LoadModules(pid int) (*ModuleMap, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, err
	}
	p, err := fs.Proc(pid)
	if err != nil {
		return nil, err
	}
	maps, err := p.ProcMaps()
	if err != nil {
		return nil, err
	}
	return modulesFromMaps(pid, maps), nil
}

type mappingGroup struct {
	path       string
	start, end uint64
	first      *procfs.ProcMap
	exec       bool
}

func modulesFromMaps(pid int, maps []*procfs.ProcMap) *ModuleMap {
	var groups []*mappingGroup
	byPath := map[string]*mappingGroup{}
	for _, pm := range maps {
		path := strings.TrimSuffix(pm.Pathname, " (deleted)")
		if !strings.HasPrefix(path, "/") {
			continue
		}
		g := byPath[path]
		if g == nil {
			g = &mappingGroup{path: path, start: uint64(pm.StartAddr), end: uint64(pm.EndAddr), first: pm}
			byPath[path] = g
			groups = append(groups, g)
		}
		if uint64(pm.StartAddr) < g.start {
			g.start = uint64(pm.StartAddr)
			g.first = pm
		}
		if uint64(pm.EndAddr) > g.end {
			g.end = uint64(pm.EndAddr)
		}
		if pm.Perms != nil && pm.Perms.Execute {
			g.exec = true
		}
	}

	modules := make([]*Module, 0, len(groups))
	for _, g := range groups {
		if !g.exec {
			continue
		}
		m := &Module{Path: g.path, Start: g.start, End: g.end}
		m.openPath = reachablePath(pid, g.path)
		if err := m.loadELFInfo(uint64(g.first.StartAddr), uint64(g.first.Offset)); err != nil {
			// Without the file assume the first mapping is at file offset
			// zero of a position independent object.
			m.Bias = uint64(g.first.StartAddr) - uint64(g.first.Offset)
		}
		modules = append(modules, m)
	}
	return NewModuleMap(pid, modules)
}

// reachablePath returns path if it can be opened directly, otherwise the
// same path seen through the root of pid (for processes in a different
// mount namespace).
func reachablePath(pid int, path string) string {
	if _, err := os.Stat(path); err == nil || pid == os.Getpid() {
		return path
	}
	alt := filepath.Join(fmt.Sprintf("/proc/%d/root", pid), path)
	if _, err := os.Stat(alt); err == nil {
		return alt
	}
	return path
}

func (m *Module) loadELFInfo(mapStart, mapOff uint64) error {
	f, err := elf.Open(m.OpenPath())
	if err != nil {
		return err
	}
	defer f.Close()
	bias, err := LoadBias(f, mapStart, mapOff)
	if err != nil {
		return err
	}
	m.Bias = bias
	m.BuildID = ReadBuildID(f)
	return nil
}

// LoadBias computes the load bias of f given one of its mappings: the
// mapping starting at mapStart maps file offset mapOff.
func LoadBias(f *elf.File, mapStart, mapOff uint64) (uint64, error) {
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		if mapOff >= p.Off && mapOff < p.Off+p.Filesz {
			return mapStart - (p.Vaddr + (mapOff - p.Off)), nil
		}
	}
	// The mapping may start before the first loadable segment when the
	// segment is not page aligned in the file.
	for _, p := range f.Progs {
		if p.Type == elf.PT_LOAD && p.Off >= mapOff && p.Off < mapOff+uint64(os.Getpagesize()) {
			return mapStart - (p.Vaddr - (p.Off - mapOff)), nil
		}
	}
	return 0, fmt.Errorf("no loadable segment contains offset %#x", mapOff)
}

const ntGNUBuildID = 3

// ReadBuildID returns the hex encoded GNU build id of f, or an empty
// string if f has none.
func ReadBuildID(f *elf.File) string {
	sec := f.Section(".note.gnu.build-id")
	if sec != nil {
		data, err := sec.Data()
		if err == nil {
			if id := parseBuildIDNote(data, f.ByteOrder); id != "" {
				return id
			}
		}
	}
	for _, p := range f.Progs {
		if p.Type != elf.PT_NOTE {
			continue
		}
		data := make([]byte, p.Filesz)
		if _, err := p.ReadAt(data, 0); err != nil {
			continue
		}
		if id := parseBuildIDNote(data, f.ByteOrder); id != "" {
			return id
		}
	}
	return ""
}

func parseBuildIDNote(data []byte, order binary.ByteOrder) string {
	align4 := func(n uint64) uint64 { return (n + 3) &^ 3 }
	for len(data) >= 12 {
		namesz := uint64(order.Uint32(data[0:]))
		descsz := uint64(order.Uint32(data[4:]))
		typ := order.Uint32(data[8:])
		data = data[12:]
		if align4(namesz)+align4(descsz) > uint64(len(data)) {
			return ""
		}
		name := data[:namesz]
		desc := data[align4(namesz) : align4(namesz)+descsz]
		data = data[align4(namesz)+align4(descsz):]
		if typ == ntGNUBuildID && bytes.Equal(bytes.TrimRight(name, "\x00"), []byte("GNU")) {
			return hex.EncodeToString(desc)
		}
	}
	return ""
}
