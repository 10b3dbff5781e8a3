// Package symbolize maps program counters to function names and source
// locations using the symbol tables and debug information of the modules
// mapped by a process.
package symbolize

import (
	"context"
	"fmt"
	"runtime"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/go-delve/stackunwind/pkg/dwarf/frame"
	"github.com/go-delve/stackunwind/pkg/logflags"
	"github.com/go-delve/stackunwind/pkg/proc"
)

// Identity is what is known about one program counter.
type Identity struct {
	Fn     string
	Offset uint64 // PC minus the start of Fn
	File   string // basename
	Line   int
	Module string
}

// Known reports whether anything beyond the module is known.
func (id Identity) Known() bool {
	return id.Fn != "" || id.File != ""
}

func (id Identity) String() string {
	return proc.Frame{Fn: id.Fn, Offset: id.Offset, File: id.File, Line: id.Line}.String()
}

// Resolver resolves the addresses of one process. Module images are
// opened lazily and cached by path and build id.
type Resolver struct {
	cfg     Config
	modules *proc.ModuleMap
	images  *lru.Cache
	loads   singleflight.Group
	frames  *proc.FrameTables
	logger  logflags.Logger
}

type imageEntry struct {
	img *image
	err error
}

// New returns a resolver for the given modules.
func New(cfg Config, modules *proc.ModuleMap) *Resolver {
	// lru.New and NewFrameCache only fail for sizes <= 0.
	images, _ := lru.New(cfg.imageCacheSize())
	cache, _ := proc.NewFrameCache(cfg.imageCacheSize())
	frames, _ := proc.NewFrameTables(modules, cache)
	return &Resolver{
		cfg:     cfg,
		modules: modules,
		images:  images,
		frames:  frames,
		logger:  logflags.SymbolizeLogger(),
	}
}

// ForPid enumerates the modules of pid and returns a resolver for them.
func ForPid(pid int, cfg Config) (*Resolver, error) {
	modules, err := proc.LoadModules(pid)
	if err != nil {
		return nil, proc.NewError(proc.ModuleEnumerationFailed, pid, "load modules", err)
	}
	return New(cfg, modules), nil
}

// Modules returns the modules known to r.
func (r *Resolver) Modules() *proc.ModuleMap {
	return r.modules
}

func (r *Resolver) image(ctx context.Context, m *proc.Module) (*image, error) {
	key := m.Key()
	if v, ok := r.images.Get(key); ok {
		e := v.(*imageEntry)
		return e.img, e.err
	}
	v, _, _ := r.loads.Do(key, func() (interface{}, error) {
		if v, ok := r.images.Get(key); ok {
			return v, nil
		}
		e := &imageEntry{}
		e.img, e.err = openImage(ctx, r.cfg, m, r.logger)
		if e.err != nil {
			e.err = fmt.Errorf("opening %s: %w", m.Path, e.err)
		}
		r.images.Add(key, e)
		return e, nil
	})
	e := v.(*imageEntry)
	return e.img, e.err
}

// Resolve returns the identity of pc. If isReturn is set pc is a return
// address and the lookup is done at pc-1, inside the call instruction.
// Failures are logged and result in a partial or zero Identity.
func (r *Resolver) Resolve(pc uint64, isReturn bool) Identity {
	addr := pc
	if isReturn && addr > 0 {
		addr--
	}
	m := r.modules.Find(addr)
	if m == nil {
		r.logger.Debugf("%#x: not in any module", pc)
		return Identity{}
	}
	id := Identity{Module: m.Path}
	img, err := r.image(context.Background(), m)
	if err != nil {
		r.logger.Debugf("%#x: %v", pc, err)
		return id
	}
	vaddr := m.ToVaddr(addr)
	loc := img.lookup(vaddr)
	if loc.fn != "" {
		id.Fn = loc.fn
		if start := loc.fnStart + m.Bias; loc.fnStart != 0 && pc >= start {
			id.Offset = pc - start
		}
	}
	if loc.line > 0 {
		id.File, id.Line = loc.file, loc.line
	}
	if !id.Known() {
		r.logger.Debugf("%#x: no symbol at %#x in %s", pc, vaddr, m.Path)
	}
	return id
}

// Symbolize fills in the identity of every frame in place. Frames that
// can not be resolved keep what they already carry.
func (r *Resolver) Symbolize(frames []proc.Frame) {
	for i := range frames {
		f := &frames[i]
		id := r.Resolve(f.PC, f.Return)
		if f.Module == "" {
			f.Module = id.Module
		}
		if !id.Known() {
			continue
		}
		f.Fn, f.Offset, f.File, f.Line = id.Fn, id.Offset, id.File, id.Line
	}
}

// FunctionEntry returns the runtime address of the start of the function
// containing pc.
func (r *Resolver) FunctionEntry(pc uint64) (uint64, bool) {
	m := r.modules.Find(pc)
	if m == nil {
		return 0, false
	}
	img, err := r.image(context.Background(), m)
	if err != nil {
		return 0, false
	}
	loc := img.lookup(m.ToVaddr(pc))
	if loc.fnStart == 0 {
		return 0, false
	}
	return loc.fnStart + m.Bias, true
}

// FDEForPC returns the frame descriptor entry covering pc, read from the
// module images of r.
func (r *Resolver) FDEForPC(pc uint64) (*frame.FrameDescriptionEntry, error) {
	return r.frames.FDEForPC(pc)
}

// Preload opens the images and frame tables of every module in parallel.
// Modules that can not be loaded are logged and skipped, only the
// cancellation of ctx is returned.
func (r *Resolver) Preload(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for _, m := range r.modules.Modules() {
		m := m
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if _, err := r.image(ctx, m); err != nil {
				r.logger.Debugf("preload: %v", err)
			}
			if err := r.frames.Load(m); err != nil {
				r.logger.Debugf("preload frames of %s: %v", m.Path, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Close drops all cached images.
func (r *Resolver) Close() error {
	r.images.Purge()
	return nil
}
