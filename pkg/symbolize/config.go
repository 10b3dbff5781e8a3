package symbolize

// DefaultBuildIDDirectory is the conventional root of build id indexed
// separate debug files.
const DefaultBuildIDDirectory = "/usr/lib/debug/.build-id"

// DefaultImageCacheSize is the number of module images kept open by a
// Resolver.
const DefaultImageCacheSize = 32

// Config controls where a Resolver looks for debug information. It is
// passed to every Resolver, there is no process wide search path.
type Config struct {
	// DebugInfoDirectories are build id roots: a module with build id
	// "abcdef" has its debug file at <dir>/ab/cdef.debug.
	DebugInfoDirectories []string
	// Debuginfod enables downloads through debuginfod-find.
	Debuginfod bool
	// ImageCacheSize is the number of module images kept open, 0 means
	// DefaultImageCacheSize.
	ImageCacheSize int
}

// DefaultConfig returns the configuration used when none is given.
func DefaultConfig() Config {
	return Config{
		DebugInfoDirectories: []string{DefaultBuildIDDirectory},
		ImageCacheSize:       DefaultImageCacheSize,
	}
}

func (cfg Config) imageCacheSize() int {
	if cfg.ImageCacheSize <= 0 {
		return DefaultImageCacheSize
	}
	return cfg.ImageCacheSize
}
