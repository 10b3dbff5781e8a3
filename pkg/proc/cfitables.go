package proc

import (
	"debug/elf"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru"

	"github.com/go-delve/stackunwind/pkg/dwarf/frame"
	"github.com/go-delve/stackunwind/pkg/logflags"
)

// DefaultFrameCacheSize is the number of modules whose frame tables are
// kept in memory by default.
const DefaultFrameCacheSize = 64

// FrameCache holds the parsed call frame information of recently used
// object files. Entries are keyed by path, build id and load bias so a
// FrameCache can be shared by the FrameTables of different processes.
type FrameCache struct {
	lru    *lru.Cache
	logger logflags.Logger
}

// NewFrameCache returns a cache holding the tables of at most size
// object files.
func NewFrameCache(size int) (*FrameCache, error) {
	if size <= 0 {
		size = DefaultFrameCacheSize
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &FrameCache{lru: cache, logger: logflags.UnwindLogger()}, nil
}

// FrameTables is a FDESource for the modules of one process. The call frame
// information of a module is parsed the first time one of its addresses is
// looked up.
type FrameTables struct {
	modules *ModuleMap
	cache   *FrameCache
}

type moduleFrames struct {
	fdes frame.FrameDescriptionEntries
	err  error
}

// NewFrameTables returns the frame tables of modules. If cache is nil a
// private cache of DefaultFrameCacheSize entries is used.
func NewFrameTables(modules *ModuleMap, cache *FrameCache) (*FrameTables, error) {
	if cache == nil {
		var err error
		cache, err = NewFrameCache(0)
		if err != nil {
			return nil, err
		}
	}
	return &FrameTables{modules: modules, cache: cache}, nil
}

// Modules returns the modules the tables are built from.
func (ft *FrameTables) Modules() *ModuleMap {
	return ft.modules
}

// FDEForPC returns the entry covering pc. A *frame.ErrNoFDEForPC is
// returned if the module containing pc has no entry for it, has no call
// frame information or can not be read.
func (ft *FrameTables) FDEForPC(pc uint64) (*frame.FrameDescriptionEntry, error) {
	m := ft.modules.Find(pc)
	if m == nil {
		return nil, &frame.ErrNoFDEForPC{PC: pc}
	}
	mf := ft.cache.load(m)
	if mf.err != nil {
		return nil, &frame.ErrNoFDEForPC{PC: pc}
	}
	return mf.fdes.FDEForPC(pc)
}

// Load parses the tables of m, if they are not cached already, and returns
// the parse error.
func (ft *FrameTables) Load(m *Module) error {
	return ft.cache.load(m).err
}

func (fc *FrameCache) load(m *Module) *moduleFrames {
	key := fmt.Sprintf("%s@%#x", m.Key(), m.Bias)
	if v, ok := fc.lru.Get(key); ok {
		return v.(*moduleFrames)
	}
	mf := &moduleFrames{}
	mf.fdes, mf.err = LoadFrameEntries(m.OpenPath(), m.Bias)
	if mf.err != nil && !errors.Is(mf.err, frame.ErrNoFrameInfo) {
		fc.logger.Debugf("could not load frame information of %s: %v", m.Path, mf.err)
	}
	fc.lru.Add(key, mf)
	return mf
}

// LoadFrameEntries parses the call frame information of the ELF file at
// path, relocated by bias.
func LoadFrameEntries(path string, bias uint64) (frame.FrameDescriptionEntries, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return frame.ParseELF(f, bias)
}
